package storage

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenCellCycler/internal/types"
)

// LogRecorder writes every record as a structured log line.
type LogRecorder struct {
	logger *zap.Logger
}

func NewLogRecorder(logger *zap.Logger) *LogRecorder {
	return &LogRecorder{logger: logger}
}

func (l *LogRecorder) BeginRun(_ context.Context, run Run) error {
	l.logger.Info("Run started",
		zap.String("run_id", run.ID.String()),
		zap.String("test", run.TestName),
		zap.String("device", run.Device),
		zap.Int32s("channels", run.Channels))
	return nil
}

func (l *LogRecorder) Record(_ context.Context, rec types.Record) error {
	m := rec.Measurement
	fields := []zap.Field{
		zap.String("test", rec.TestName),
		zap.Int("cycle", rec.Cycle),
		zap.Duration("elapsed", rec.Elapsed),
		zap.Duration("activation_elapsed", rec.ActivationElapsed),
		zap.String("mode", string(m.Mode)),
		zap.String("regulation", string(m.Regulation)),
		zap.Int("voltage_mv", m.Voltage),
		zap.Int("current_ma", m.Current),
		zap.Float64("temperature_c", m.Temperature),
		zap.Float64("amp_hours", m.AmpHours),
		zap.Float64("watt_hours", m.WattHours),
	}
	if m.Resistance != 0 {
		fields = append(fields, zap.Float64("resistance_ohm", m.Resistance))
	}
	l.logger.Info("Measurement", fields...)
	return nil
}

func (l *LogRecorder) Close() error {
	return nil
}

// MultiSink fans every call out to all of its sinks.
type MultiSink []Sink

func (m MultiSink) BeginRun(ctx context.Context, run Run) error {
	var errs []error
	for _, s := range m {
		if err := s.BeginRun(ctx, run); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) Record(ctx context.Context, rec types.Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
