package system

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenCellCycler/internal/types"
)

// Ticker is one test driven by the scheduler.
type Ticker interface {
	Name() string
	Tick(ctx context.Context, now time.Time) error
}

// Sweeper switches every channel of a test off.
type Sweeper interface {
	AllOff() error
}

type entry struct {
	ctrl Ticker
	bank Sweeper
}

// Scheduler drives all tests from a single goroutine on wall-clock tick
// boundaries. Tests sharing a device are therefore never ticked concurrently.
type Scheduler struct {
	interval time.Duration
	logger   *zap.Logger
	entries  []entry

	now  func() time.Time
	wait func(ctx context.Context, d time.Duration) error

	running      atomic.Bool
	shutdownOnce sync.Once
}

func NewScheduler(interval time.Duration, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		interval: interval,
		logger:   logger,
		now:      time.Now,
		wait:     sleepContext,
	}
}

// Add registers a test. It must not be called once Run has started.
func (s *Scheduler) Add(ctrl Ticker, bank Sweeper) {
	s.entries = append(s.entries, entry{ctrl: ctrl, bank: bank})
}

func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

// Run ticks every test once per interval until ctx is cancelled or a test
// fails. Either way every channel is switched off before Run returns. The
// fatal error is returned; cancellation returns nil.
func (s *Scheduler) Run(ctx context.Context) error {
	s.running.Store(true)
	defer s.running.Store(false)

	s.logger.Info("Scheduler started",
		zap.Int("tests", len(s.entries)),
		zap.Duration("interval", s.interval))

	next := s.now().Truncate(s.interval).Add(s.interval)
	for {
		if err := s.wait(ctx, next.Sub(s.now())); err != nil {
			s.logger.Info("Shutdown requested", zap.Error(err))
			s.shutdownAll()
			return nil
		}

		start := s.now()
		if err := s.tickAll(ctx, start); err != nil {
			s.shutdownAll()
			return err
		}

		if elapsed := s.now().Sub(start); elapsed > s.interval {
			s.logger.Warn("Tick overran interval",
				zap.Duration("elapsed", elapsed),
				zap.Duration("interval", s.interval))
		}

		next = next.Add(s.interval)
		if now := s.now(); !next.After(now) {
			next = now.Truncate(s.interval).Add(s.interval)
		}
	}
}

func (s *Scheduler) tickAll(ctx context.Context, now time.Time) error {
	for _, e := range s.entries {
		if ctx.Err() != nil {
			return nil
		}
		err := e.ctrl.Tick(ctx, now)
		if err == nil {
			continue
		}

		var fe *types.FatalError
		if !errors.As(err, &fe) {
			fe = types.Fatal(types.NoChannel, "", err)
		}
		if fe.Test == "" {
			fe.Test = e.ctrl.Name()
		}
		s.logger.Error("Fatal error, shutting down all tests",
			zap.String("test", fe.Test),
			zap.Int("channel", fe.Channel),
			zap.String("command", fe.Command),
			zap.Error(fe.Err))
		return fe
	}
	return nil
}

// shutdownAll switches every channel of every test off. It runs at most once.
func (s *Scheduler) shutdownAll() {
	s.shutdownOnce.Do(func() {
		for _, e := range s.entries {
			if err := e.bank.AllOff(); err != nil {
				s.logger.Error("Failed to switch test off",
					zap.String("test", e.ctrl.Name()),
					zap.Error(err))
			}
		}
		s.logger.Info("All channels switched off")
	})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
