package simulator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevinKickass/OpenCellCycler/internal/hardware"
	"github.com/KevinKickass/OpenCellCycler/internal/types"
)

func TestBenchAcknowledgesCommands(t *testing.T) {
	clock := &manualClock{now: t0}
	b := newTestBench(t, clock)

	assert.Equal(t, ";SETI OK;", exchange(t, b, "@3:SETI 1000;"))
	assert.Equal(t, ";OFF OK;", exchange(t, b, "@3:OFF;"))
	assert.Equal(t, ";ERR;", exchange(t, b, "@3:SETI;"))
	assert.Equal(t, ";ERR;", exchange(t, b, "garbage;"))
	assert.Equal(t, ";ERR;", exchange(t, b, "@3:FLY;"))
}

func TestBenchMeasurementParses(t *testing.T) {
	clock := &manualClock{now: t0}
	b := newTestBench(t, clock)

	reply := exchange(t, b, "@7:VERB;")
	require.Regexp(t, `^;7:MEAS OFF CC V=\d+ I=0 T=\d+ Iset=0;$`, reply)

	m, err := hardware.ParseMeasurement(reply[len(";7:MEAS ") : len(reply)-1])
	require.NoError(t, err)
	assert.Equal(t, types.ModeOff, m.Mode)
	assert.InDelta(t, 3469, m.Voltage, 5)
}

func TestBenchPartialWrites(t *testing.T) {
	clock := &manualClock{now: t0}
	b := newTestBench(t, clock)

	assert.Equal(t, "", exchange(t, b, "@1:SE"))
	assert.Equal(t, ";SETV OK;", exchange(t, b, "TV 4200;"))
}

func TestBenchResetDropsReplies(t *testing.T) {
	clock := &manualClock{now: t0}
	b := newTestBench(t, clock)

	_, err := b.Write([]byte("@1:OFF;"))
	require.NoError(t, err)
	require.NoError(t, b.ResetInputBuffer())

	n, err := b.Read(make([]byte, 16))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestChargeTapersIntoCVAndStops(t *testing.T) {
	clock := &manualClock{now: t0}
	b := newTestBench(t, clock)
	bank := newTestHardware(t, clock, b, []uint8{0})

	// 2 A to 4.2 V, stop at 100 mA.
	require.NoError(t, bank.Apply(types.DeviceSettings{
		Current: 2000, Voltage: 4200, StopCurrent: 100, StopVoltage: 4330,
	}, types.ModeCharge))
	require.NoError(t, bank.SetModeAll(types.ModeCharge))

	readings, err := bank.Measure()
	require.NoError(t, err)
	assert.Equal(t, types.ModeCharge, readings[0].Mode)
	assert.Equal(t, types.RegulationCC, readings[0].Regulation)
	assert.Equal(t, 2000, readings[0].Current)

	sawCV := false
	for i := 0; i < 4*3600; i++ {
		clock.Advance(10 * time.Second)
		readings, err = bank.Measure()
		require.NoError(t, err)
		if readings[0].Regulation == types.RegulationCV {
			sawCV = true
			assert.LessOrEqual(t, readings[0].Voltage, 4201)
			assert.Equal(t, readings[0].Current, readings[0].SetCurrent)
		}
		if readings[0].Mode == types.ModeOff {
			break
		}
	}
	assert.True(t, sawCV)
	assert.Equal(t, types.ModeOff, readings[0].Mode)
}

func TestDischargeStopsAtStopVoltage(t *testing.T) {
	clock := &manualClock{now: t0}
	b := newTestBench(t, clock)
	bank := newTestHardware(t, clock, b, []uint8{0})

	require.NoError(t, bank.Apply(types.DeviceSettings{
		Current: -2500, Voltage: 2500, StopCurrent: -1, StopVoltage: 3000,
	}, types.ModeDischarge))
	require.NoError(t, bank.SetModeAll(types.ModeDischarge))

	var readings []types.HwMeasurement
	for i := 0; i < 3600; i++ {
		clock.Advance(10 * time.Second)
		var err error
		readings, err = bank.Measure()
		require.NoError(t, err)
		if readings[0].Mode == types.ModeOff {
			break
		}
		assert.Equal(t, types.RegulationCC, readings[0].Regulation)
	}
	assert.Equal(t, types.ModeOff, readings[0].Mode)
}

func TestDroppedReplyIsRetried(t *testing.T) {
	clock := &manualClock{now: t0}
	b := newTestBench(t, clock)
	bank := newTestHardware(t, clock, b, []uint8{2})

	b.DropReplies(2)
	_, err := bank.Measure()
	require.NoError(t, err)
}

func TestTemperatureOverride(t *testing.T) {
	clock := &manualClock{now: t0}
	b := newTestBench(t, clock)
	bank := newTestHardware(t, clock, b, []uint8{0})

	b.SetTemperature(0, 60)
	readings, err := bank.Measure()
	require.NoError(t, err)
	assert.Equal(t, 31000, readings[0].Temperature)
}
