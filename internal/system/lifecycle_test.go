package system

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenCellCycler/internal/config"
	"github.com/KevinKickass/OpenCellCycler/internal/interfaces"
	"github.com/KevinKickass/OpenCellCycler/internal/testplan"
	"github.com/KevinKickass/OpenCellCycler/internal/types"
	"github.com/KevinKickass/OpenCellCycler/internal/uart"
)

func simulatedConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Protocol:  config.ProtocolConfig{Timing: uart.DefaultTiming()},
		Scheduler: config.SchedulerConfig{TickInterval: 50 * time.Millisecond},
		Devices:   []config.DeviceConfig{{Name: "sim0", Simulated: true}},
		Storage: config.StorageConfig{
			Driver: "sqlite",
			SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "runs.db")},
		},
		Simulator: config.SimulatorConfig{
			CapacityAh:         2.5,
			InternalResistance: 0.05,
			InitialSoC:         0.5,
			TimeScale:          1,
		},
	}
}

func simulatedTest(t *testing.T) *types.TestConfig {
	t.Helper()
	cfg, err := testplan.Validate(testplan.Definition{
		Name:           "bench",
		Device:         "sim0",
		Channels:       []int{1, 2},
		MaxTemperature: 45,
		Charge:         types.BaseSettings{Current: 1, Voltage: 4.2, StopCurrent: 0.1},
		Discharge:      types.BaseSettings{Current: 1, StopVoltage: 3.0},
	})
	require.NoError(t, err)
	return cfg
}

func TestLifecycleRunsSimulatedTest(t *testing.T) {
	cfg := simulatedConfig(t)
	lm, err := NewLifecycleManager(context.Background(), cfg, []*types.TestConfig{simulatedTest(t)}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, StateInitializing, lm.State())

	updates := lm.SubscribeStatus()

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()
	require.NoError(t, lm.Run(ctx))

	st, ok := lm.Store().Get("bench")
	require.True(t, ok)
	assert.Equal(t, types.ModeCharge, st.Mode)
	assert.False(t, st.Failed)
	assert.Greater(t, st.Measurement.Current, 0)

	transports := lm.Store().Transports()
	require.Contains(t, transports, "sim0")
	assert.Positive(t, transports["sim0"].Requests)
	assert.Zero(t, transports["sim0"].Failures)

	runs, err := lm.History().ListRuns(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "bench", runs[0].TestName)

	records, err := lm.History().Measurements(context.Background(), runs[0].ID, 100)
	require.NoError(t, err)
	assert.NotEmpty(t, records)

	assert.ErrorIs(t, lm.StopTest("nope"), interfaces.ErrUnknownTest)
	assert.NoError(t, lm.StopTest("bench"))

	require.NoError(t, lm.Shutdown(context.Background()))
	assert.Equal(t, StateStopped, lm.State())

	var states []string
	for st := range updates {
		states = append(states, st.State)
	}
	assert.Equal(t, []string{"RUNNING", "STOPPING", "STOPPED"}, states)
}

func TestLifecycleRejectsUnknownDevice(t *testing.T) {
	cfg := simulatedConfig(t)
	test := simulatedTest(t)
	test.Device = "missing"

	_, err := NewLifecycleManager(context.Background(), cfg, []*types.TestConfig{test}, zap.NewNop())
	assert.ErrorContains(t, err, `device "missing" is not configured`)
}
