// Package machine runs the charge/discharge state machine of one test.
package machine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenCellCycler/internal/calibration"
	"github.com/KevinKickass/OpenCellCycler/internal/hardware"
	"github.com/KevinKickass/OpenCellCycler/internal/settings"
	"github.com/KevinKickass/OpenCellCycler/internal/types"
)

var (
	ErrModeMismatch = errors.New("machine: hardware mode differs from commanded mode")
	ErrTestFailed   = errors.New("machine: test already failed")
)

// Channels is the hardware side of a test.
type Channels interface {
	Apply(ds types.DeviceSettings, dir types.Mode) error
	SetCurrentAll(ma int) error
	SetSlaveCurrent(ma int) error
	SetModeAll(mode types.Mode) error
	AllOff() error
	Measure() ([]types.HwMeasurement, error)
	MasterIndex() int
}

// Recorder persists one record per tick.
type Recorder interface {
	Record(ctx context.Context, rec types.Record) error
}

// Observer receives the status snapshot published after every tick.
type Observer interface {
	Publish(status types.TestStatus)
}

type Controller struct {
	cfg      *types.TestConfig
	bank     Channels
	table    *calibration.Table
	recorder Recorder
	observer Observer
	logger   *zap.Logger
	runID    uuid.UUID

	stopRequested atomic.Bool

	state RuntimeState

	mu         sync.RWMutex
	lastStatus types.TestStatus
}

func NewController(
	cfg *types.TestConfig,
	bank Channels,
	table *calibration.Table,
	recorder Recorder,
	observer Observer,
	logger *zap.Logger,
) *Controller {
	c := &Controller{
		cfg:      cfg,
		bank:     bank,
		table:    table,
		recorder: recorder,
		observer: observer,
		logger:   logger.With(zap.String("test", cfg.Name)),
		runID:    uuid.New(),
		state:    newRuntimeState(cfg.StartMode),
	}
	c.lastStatus = c.snapshot(types.AggregateMeasurement{Mode: types.ModeOff}, nil, time.Time{})
	return c
}

func (c *Controller) Name() string {
	return c.cfg.Name
}

func (c *Controller) RunID() uuid.UUID {
	return c.runID
}

func (c *Controller) Config() *types.TestConfig {
	return c.cfg
}

// State returns a copy of the runtime state. It must only be called from the
// goroutine driving Tick.
func (c *Controller) State() RuntimeState {
	return c.state
}

// Status returns the snapshot published by the most recent tick.
func (c *Controller) Status() types.TestStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastStatus
}

// Prepare switches every channel of the test off so that the first Tick
// starts from a known hardware state.
func (c *Controller) Prepare() error {
	if err := c.bank.AllOff(); err != nil {
		return fmt.Errorf("test %s: switch channels off: %w", c.cfg.Name, err)
	}
	c.logger.Info("Channels switched off before start")
	return nil
}

// RequestStop asks the tick loop to switch the test off on its next tick and
// keep it parked. Safe to call from any goroutine.
func (c *Controller) RequestStop() {
	c.stopRequested.Store(true)
}

// Tick runs one control iteration at wall-clock time now. A returned error is
// always a *types.FatalError; the channels of this test have been commanded
// off before it is returned.
func (c *Controller) Tick(ctx context.Context, now time.Time) error {
	s := &c.state
	if s.Failed {
		return c.fatal(ErrTestFailed)
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = now
		s.LastStateChange = now
	}

	readings, err := c.bank.Measure()
	if err != nil {
		return c.fail(now, err)
	}
	agg, err := hardware.Combine(readings, c.bank.MasterIndex(), c.table)
	if err != nil {
		return c.fail(now, types.Fatal(types.NoChannel, "VERB", err))
	}

	var dt time.Duration
	if !s.LastTick.IsZero() {
		dt = now.Sub(s.LastTick)
	}
	s.LastTick = now
	s.AmpHours, s.WattHours = hardware.Integrate(s.AmpHours, s.WattHours, agg.Current, agg.Voltage, dt)

	if agg.Mode != types.ModeOff && agg.Mode != s.Mode {
		return c.fail(now, types.Fatal(types.NoChannel, "VERB",
			fmt.Errorf("%w: hardware %s, commanded %s", ErrModeMismatch, agg.Mode, s.Mode)))
	}

	if s.Grace > 0 {
		s.Grace--
	}

	if c.stopRequested.Swap(false) {
		if err := c.park(now, "Operator stop requested"); err != nil {
			return c.fail(now, err)
		}
		s.Stopped = true
		c.record(ctx, now, agg)
		c.publish(c.snapshot(agg, readings, now))
		return nil
	}

	if agg.Temperature > c.cfg.MaxTemperature && !(s.Mode == types.ModeOff && s.NextMode == types.ModeOff) {
		c.logger.Warn("Overtemperature, switching all channels off",
			zap.Float64("temperature_c", agg.Temperature),
			zap.Float64("limit_c", c.cfg.MaxTemperature))
		if err := c.park(now, "Overtemperature"); err != nil {
			return c.fail(now, err)
		}
		c.record(ctx, now, agg)
		c.publish(c.snapshot(agg, readings, now))
		return nil
	}

	if agg.Mode == types.ModeOff && s.Mode != types.ModeOff {
		if err := c.completeActivation(now); err != nil {
			return c.fail(now, err)
		}
	}

	if s.Mode != types.ModeOff {
		if err := c.stepResistance(now, &agg); err != nil {
			return c.fail(now, err)
		}
		if err := c.mirror(readings); err != nil {
			return c.fail(now, err)
		}
		if err := c.adjustPower(now, agg); err != nil {
			return c.fail(now, err)
		}
	}

	c.record(ctx, now, agg)

	if s.Mode == types.ModeOff && s.NextMode != types.ModeOff &&
		now.Sub(s.CooldownStart) >= c.cfg.Cooldown.Before(s.NextMode) {
		if err := c.activate(now, s.NextMode); err != nil {
			return c.fail(now, err)
		}
	}

	c.publish(c.snapshot(agg, readings, now))
	return nil
}

// completeActivation handles a hardware self-stop on its stop condition.
func (c *Controller) completeActivation(now time.Time) error {
	s := &c.state
	finished := s.Mode
	if finished == types.ModeDischarge {
		s.Cycle++
	}
	s.CooldownStart = now
	s.NextMode = finished.Opposite()
	s.resetPulse()
	s.Grace = 0
	c.setMode(now, types.ModeOff, "Activation finished")

	c.logger.Info("Cycle step completed",
		zap.String("finished", string(finished)),
		zap.String("next", string(s.NextMode)),
		zap.Int("cycle", s.Cycle),
		zap.Float64("amp_hours", s.AmpHours),
		zap.Float64("watt_hours", s.WattHours),
		zap.Duration("cooldown", c.cfg.Cooldown.Before(s.NextMode)))

	return c.bank.AllOff()
}

// stepResistance advances the resistance pulse sub-sequence. On the tick a
// pulse cycle completes the computed resistance is stored in agg.
func (c *Controller) stepResistance(now time.Time, agg *types.AggregateMeasurement) error {
	s := &c.state
	policy := c.cfg.Resistance
	if !settings.ResistanceApplies(policy, s.Mode, s.Cycle) {
		return nil
	}

	if s.Pulse != PulseIdle && agg.Regulation == types.RegulationCV {
		c.logger.Info("Voltage regulation reached during pulse, aborting",
			zap.String("pulse", string(s.Pulse)))
		s.resetPulse()
		s.Grace = c.cfg.GraceTicks
		return c.bank.SetCurrentAll(s.SteadyCurrent)
	}

	secs := s.activationSeconds(now)
	switch s.Pulse {
	case PulseIdle:
		if policy.Interval <= 0 || secs%policy.Interval != policy.Offset || agg.Regulation != types.RegulationCC {
			return nil
		}
		s.BaselineVoltage = agg.Voltage
		s.BaselineCurrent = agg.Current
		s.Pulse = Pulse1
		s.PulseStart = secs
		return c.bank.SetCurrentAll(scale(s.BaseCurrent, policy.Pulse1Multiplier))

	case Pulse1:
		if secs-s.PulseStart < policy.Pulse1Length {
			return nil
		}
		s.Pulse = Pulse2
		s.PulseStart = secs
		return c.bank.SetCurrentAll(scale(s.BaseCurrent, policy.Pulse2Multiplier))

	case Pulse2:
		if secs-s.PulseStart < policy.Pulse2Length {
			return nil
		}
		r := resistance(s.BaselineVoltage, s.BaselineCurrent, agg.Voltage, agg.Current, s.Mode)
		agg.Resistance = r
		s.LastResistance = r
		s.resetPulse()
		s.Grace = c.cfg.GraceTicks

		c.logger.Info("Resistance measured",
			zap.Float64("resistance_ohm", r),
			zap.Int("cycle", s.Cycle))
		return c.bank.SetCurrentAll(s.SteadyCurrent)
	}
	return nil
}

// mirror copies the master's current setpoint to the other channels once the
// master has saturated into voltage regulation.
func (c *Controller) mirror(readings []types.HwMeasurement) error {
	s := &c.state
	if s.Pulse != PulseIdle || s.Grace > 0 {
		return nil
	}

	m := readings[c.bank.MasterIndex()]
	if m.Regulation != types.RegulationCV || !m.HasSetCurrent || m.SetCurrent == s.LastMirrored {
		return nil
	}
	if err := hardware.ValidateMirror(m.SetCurrent, s.Mode, s.Settings.StopCurrent); err != nil {
		return types.Fatal(int(m.Channel), "SETI", err)
	}
	if err := c.bank.SetSlaveCurrent(m.SetCurrent); err != nil {
		return err
	}

	c.logger.Debug("Mirrored master current",
		zap.Int("from_ma", s.LastMirrored),
		zap.Int("to_ma", m.SetCurrent))
	s.LastMirrored = m.SetCurrent
	return nil
}

// adjustPower recomputes the constant-power discharge current from the
// measured voltage.
func (c *Controller) adjustPower(now time.Time, agg types.AggregateMeasurement) error {
	s := &c.state
	base := c.cfg.Settings(s.Mode)
	cadence := c.cfg.Power
	if s.Mode != types.ModeDischarge || !base.ConstantPower || s.Pulse != PulseIdle || cadence.Interval <= 0 {
		return nil
	}
	if s.activationSeconds(now)%cadence.Interval != cadence.Offset {
		return nil
	}

	ma, err := settings.PowerCurrent(base.Power, agg.Voltage, len(c.cfg.Channels))
	if err != nil {
		return types.Fatal(types.NoChannel, "SETI", err)
	}
	if err := c.bank.SetCurrentAll(ma); err != nil {
		return err
	}
	s.SteadyCurrent = ma
	s.LastMirrored = ma

	c.logger.Debug("Constant power current adjusted",
		zap.Float64("power_w", base.Power),
		zap.Int("voltage_mv", agg.Voltage),
		zap.Int("current_ma", ma))
	return nil
}

// activate configures the channels for dir and switches them on.
func (c *Controller) activate(now time.Time, dir types.Mode) error {
	s := &c.state
	base := c.cfg.Settings(dir)
	n := len(c.cfg.Channels)
	multiplier := settings.Multiplier(c.cfg.Resistance, dir, s.Cycle)

	ds, err := settings.Translate(base, dir, n, multiplier)
	if err != nil {
		return types.Fatal(types.NoChannel, "translate", err)
	}
	unscaled, err := settings.Translate(base, dir, n, 1)
	if err != nil {
		return types.Fatal(types.NoChannel, "translate", err)
	}

	if err := c.bank.Apply(ds, dir); err != nil {
		return err
	}
	if err := c.bank.SetModeAll(dir); err != nil {
		return err
	}

	s.AmpHours, s.WattHours = 0, 0
	s.ActivationStart = now
	s.Settings = ds
	s.BaseCurrent = unscaled.Current
	s.SteadyCurrent = ds.Current
	s.LastMirrored = ds.Current
	s.resetPulse()
	s.Grace = 0
	c.setMode(now, dir, "Activation started")

	c.logger.Info("Activation configured",
		zap.Int("cycle", s.Cycle),
		zap.Float64("multiplier", multiplier),
		zap.Int("current_ma", ds.Current),
		zap.Int("voltage_mv", ds.Voltage),
		zap.Int("stop_current_ma", ds.StopCurrent),
		zap.Int("stop_voltage_mv", ds.StopVoltage))
	return nil
}

// park switches every channel off and cancels any pending activation.
func (c *Controller) park(now time.Time, reason string) error {
	s := &c.state
	s.NextMode = types.ModeOff
	s.resetPulse()
	c.setMode(now, types.ModeOff, reason)
	return c.bank.AllOff()
}

// fail switches every channel off, best effort, and returns err as a fatal
// error of this test.
func (c *Controller) fail(now time.Time, err error) error {
	s := &c.state
	fe := c.fatal(err)

	c.logger.Error("Test failed, switching all channels off",
		zap.Int("channel", fe.Channel),
		zap.String("command", fe.Command),
		zap.Error(fe.Err))

	if offErr := c.bank.AllOff(); offErr != nil {
		c.logger.Error("Safety shutdown incomplete", zap.Error(offErr))
	}

	s.Failed = true
	s.ErrorMessage = fe.Error()
	s.NextMode = types.ModeOff
	s.resetPulse()
	c.setMode(now, types.ModeOff, "Test failed")
	c.publish(c.snapshot(types.AggregateMeasurement{Mode: types.ModeOff}, nil, now))
	return fe
}

func (c *Controller) fatal(err error) *types.FatalError {
	fe := types.Fatal(types.NoChannel, "", err)
	fe.Test = c.cfg.Name
	return fe
}

func (c *Controller) setMode(now time.Time, mode types.Mode, reason string) {
	s := &c.state
	previous := s.Mode
	s.Mode = mode
	if previous == mode {
		return
	}
	s.LastStateChange = now

	c.logger.Info("Test state changed",
		zap.String("mode", string(mode)),
		zap.String("previous", string(previous)),
		zap.String("next", string(s.NextMode)),
		zap.String("reason", reason))
}

// record hands the tick's measurement to the recorder. Persistence failures
// are logged and do not stop the test.
func (c *Controller) record(ctx context.Context, now time.Time, agg types.AggregateMeasurement) {
	s := &c.state
	agg.AmpHours = s.AmpHours
	agg.WattHours = s.WattHours

	if c.recorder != nil {
		rec := types.Record{
			RunID:       c.runID,
			TestName:    c.cfg.Name,
			Cycle:       s.Cycle,
			Timestamp:   now,
			Elapsed:     now.Sub(s.StartedAt),
			Measurement: agg,
		}
		if !s.ActivationStart.IsZero() {
			rec.ActivationElapsed = now.Sub(s.ActivationStart)
		}
		if err := c.recorder.Record(ctx, rec); err != nil {
			c.logger.Warn("Failed to record measurement", zap.Error(err))
		}
	}
}

func (c *Controller) snapshot(agg types.AggregateMeasurement, readings []types.HwMeasurement, now time.Time) types.TestStatus {
	s := &c.state
	agg.AmpHours = s.AmpHours
	agg.WattHours = s.WattHours
	st := types.TestStatus{
		Test:            c.cfg.Name,
		Device:          c.cfg.Device,
		RunID:           c.runID,
		Channels:        append([]uint8(nil), c.cfg.Channels...),
		Master:          c.cfg.Master,
		Mode:            s.Mode,
		NextMode:        s.NextMode,
		Pulse:           string(s.Pulse),
		Cycle:           s.Cycle,
		Stopped:         s.Stopped,
		Failed:          s.Failed,
		ErrorMessage:    s.ErrorMessage,
		StartedAt:       s.StartedAt,
		ActivationStart: s.ActivationStart,
		CooldownStart:   s.CooldownStart,
		LastStateChange: s.LastStateChange,
		UpdatedAt:       now,
		Measurement:     agg,
		LastResistance:  s.LastResistance,
		Readings:        append([]types.HwMeasurement(nil), readings...),
	}
	if s.Mode == types.ModeOff && s.NextMode != types.ModeOff && !s.CooldownStart.IsZero() {
		st.CooldownUntil = s.CooldownStart.Add(c.cfg.Cooldown.Before(s.NextMode))
	}
	return st
}

func (c *Controller) publish(st types.TestStatus) {
	c.mu.Lock()
	c.lastStatus = st
	c.mu.Unlock()

	if c.observer != nil {
		c.observer.Publish(st)
	}
}

// resistance returns the DC resistance in ohms from the voltage and current
// step between the baseline and the second pulse. mV/mA is ohms.
func resistance(baseMV, baseMA, pulseMV, pulseMA int, dir types.Mode) float64 {
	di := math.Abs(float64(baseMA)) - math.Abs(float64(pulseMA))
	if di == 0 {
		return 0
	}
	r := float64(baseMV-pulseMV) / di
	if dir == types.ModeDischarge {
		r = -r
	}
	return r
}

func scale(ma int, multiplier float64) int {
	return int(math.Round(float64(ma) * multiplier))
}
