package simulator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenCellCycler/internal/calibration"
	"github.com/KevinKickass/OpenCellCycler/internal/machine"
	"github.com/KevinKickass/OpenCellCycler/internal/types"
)

type recordLog struct {
	records []types.Record
}

func (r *recordLog) Record(_ context.Context, rec types.Record) error {
	r.records = append(r.records, rec)
	return nil
}

func benchTest(channels ...uint8) *types.TestConfig {
	cfg := &types.TestConfig{
		Name:      "sim-cell",
		Device:    "sim0",
		Master:    channels[0],
		StartMode: types.ModeCharge,
		Charge: types.BaseSettings{
			Current: 2, Voltage: 4.2, StopMode: types.StopModeCurrent, StopCurrent: 0.2,
		},
		Discharge: types.BaseSettings{
			Current: 2, StopVoltage: 3.1, StopMode: types.StopModeVoltage,
		},
		Cooldown:           types.Cooldown{AfterCharge: 30 * time.Second, AfterDischarge: 30 * time.Second},
		MaxTemperature:     45,
		SlaveVoltageMargin: 20,
		GraceTicks:         3,
	}
	cfg.SetChannels(channels)
	return cfg
}

func TestControllerCyclesSimulatedCell(t *testing.T) {
	clock := &manualClock{now: t0}
	b := newTestBench(t, clock, WithTimeScale(10))
	cfg := benchTest(0, 1)
	bank := newTestHardware(t, clock, b, cfg.Channels)
	records := &recordLog{}
	ctrl := machine.NewController(cfg, bank, calibration.Default(), records, nil, zap.NewNop())

	ctx := context.Background()
	seen := map[types.Mode]bool{}
	for i := 0; i < 5000 && ctrl.Status().Cycle == 0; i++ {
		require.NoError(t, ctrl.Tick(ctx, clock.Now()))
		seen[ctrl.Status().Mode] = true
		clock.Advance(time.Second)
	}

	st := ctrl.Status()
	require.Equal(t, 1, st.Cycle, "first cycle never completed")
	assert.True(t, seen[types.ModeCharge])
	assert.True(t, seen[types.ModeDischarge])
	assert.Equal(t, types.ModeOff, st.Mode)
	assert.Equal(t, types.ModeCharge, st.NextMode)
	assert.False(t, st.CooldownUntil.IsZero())

	// Both channels were driven; the test saw the summed current.
	maxCurrent := 0
	for _, rec := range records.records {
		maxCurrent = max(maxCurrent, rec.Measurement.Current)
	}
	assert.Equal(t, 2000, maxCurrent)

	mode, _ := b.State(1)
	assert.Equal(t, types.ModeOff, mode)
}

func TestControllerMeasuresSimulatedResistance(t *testing.T) {
	clock := &manualClock{now: t0}
	b := newTestBench(t, clock)
	cfg := benchTest(0)
	cfg.Resistance = types.ResistancePolicy{
		Enabled:          true,
		Interval:         60,
		Offset:           10,
		Pulse1Length:     5,
		Pulse2Length:     5,
		Pulse1Multiplier: 0.5,
		Pulse2Multiplier: 1.5,
		SteadyMultiplier: 1,
		EveryCycles:      1,
	}
	bank := newTestHardware(t, clock, b, cfg.Channels)
	ctrl := machine.NewController(cfg, bank, calibration.Default(), nil, nil, zap.NewNop())

	ctx := context.Background()
	for i := 0; i < 120 && ctrl.Status().LastResistance == 0; i++ {
		require.NoError(t, ctrl.Tick(ctx, clock.Now()))
		clock.Advance(time.Second)
	}

	assert.InDelta(t, DefaultModel().InternalResistance, ctrl.Status().LastResistance, 0.01)
}

func TestControllerStopsOnSimulatedOvertemperature(t *testing.T) {
	clock := &manualClock{now: t0}
	b := newTestBench(t, clock)
	cfg := benchTest(0)
	bank := newTestHardware(t, clock, b, cfg.Channels)
	ctrl := machine.NewController(cfg, bank, calibration.Default(), nil, nil, zap.NewNop())

	ctx := context.Background()
	require.NoError(t, ctrl.Tick(ctx, clock.Now()))
	clock.Advance(time.Second)
	require.NoError(t, ctrl.Tick(ctx, clock.Now()))
	mode, _ := b.State(0)
	require.Equal(t, types.ModeCharge, mode)

	b.SetTemperature(0, 50)
	clock.Advance(time.Second)
	require.NoError(t, ctrl.Tick(ctx, clock.Now()))

	mode, _ = b.State(0)
	assert.Equal(t, types.ModeOff, mode)
	assert.Equal(t, types.ModeOff, ctrl.Status().NextMode)
}
