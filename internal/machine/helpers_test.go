package machine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenCellCycler/internal/calibration"
	"github.com/KevinKickass/OpenCellCycler/internal/types"
)

// roomTemp is the raw sensor code of 20 °C in the default table.
const roomTemp = 20300

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time {
	return t0.Add(time.Duration(sec) * time.Second)
}

type fakeBank struct {
	readings   []types.HwMeasurement
	measureErr error
	failOn     string
	master     int
	calls      []string
	applied    []types.DeviceSettings
}

func (f *fakeBank) call(c string) error {
	f.calls = append(f.calls, c)
	if c == f.failOn {
		return types.Fatal(types.NoChannel, c, fmt.Errorf("injected failure"))
	}
	return nil
}

func (f *fakeBank) Apply(ds types.DeviceSettings, dir types.Mode) error {
	f.applied = append(f.applied, ds)
	return f.call("apply " + string(dir))
}

func (f *fakeBank) SetCurrentAll(ma int) error {
	return f.call(fmt.Sprintf("all %d", ma))
}

func (f *fakeBank) SetSlaveCurrent(ma int) error {
	return f.call(fmt.Sprintf("slaves %d", ma))
}

func (f *fakeBank) SetModeAll(mode types.Mode) error {
	return f.call("mode " + string(mode))
}

func (f *fakeBank) AllOff() error {
	return f.call("off")
}

func (f *fakeBank) Measure() ([]types.HwMeasurement, error) {
	if f.measureErr != nil {
		return nil, f.measureErr
	}
	return append([]types.HwMeasurement(nil), f.readings...), nil
}

func (f *fakeBank) MasterIndex() int {
	return f.master
}

// report sets every channel to the same reading.
func (f *fakeBank) report(mode types.Mode, reg types.Regulation, mv, ma int) {
	for i := range f.readings {
		f.readings[i].Mode = mode
		f.readings[i].Regulation = reg
		f.readings[i].Voltage = mv
		f.readings[i].Current = ma
		f.readings[i].Temperature = roomTemp
	}
}

func (f *fakeBank) reset() {
	f.calls = nil
	f.applied = nil
}

type memRecorder struct {
	records []types.Record
}

func (m *memRecorder) Record(_ context.Context, rec types.Record) error {
	m.records = append(m.records, rec)
	return nil
}

func (m *memRecorder) last() types.Record {
	return m.records[len(m.records)-1]
}

type memObserver struct {
	statuses []types.TestStatus
}

func (m *memObserver) Publish(st types.TestStatus) {
	m.statuses = append(m.statuses, st)
}

func testConfig(channels ...uint8) *types.TestConfig {
	if len(channels) == 0 {
		channels = []uint8{1}
	}
	cfg := &types.TestConfig{
		Name:      "cell-a",
		Device:    "bench",
		Master:    channels[0],
		StartMode: types.ModeCharge,
		Charge: types.BaseSettings{
			Current: 2, Voltage: 4.2, StopMode: types.StopModeCurrent, StopCurrent: 0.1,
		},
		Discharge: types.BaseSettings{
			Current: 2, StopVoltage: 2.8, StopMode: types.StopModeVoltage,
		},
		Cooldown:       types.Cooldown{AfterCharge: 60 * time.Second, AfterDischarge: 30 * time.Second},
		MaxTemperature: 60,
		GraceTicks:     3,
	}
	cfg.SetChannels(channels)
	return cfg
}

type harness struct {
	ctrl     *Controller
	bank     *fakeBank
	recorder *memRecorder
	observer *memObserver
}

func newHarness(t *testing.T, cfg *types.TestConfig) *harness {
	t.Helper()
	bank := &fakeBank{readings: make([]types.HwMeasurement, len(cfg.Channels)), master: cfg.MasterIndex()}
	for i, ch := range cfg.Channels {
		bank.readings[i].Channel = ch
	}
	bank.report(types.ModeOff, types.RegulationCC, 3600, 0)

	h := &harness{bank: bank, recorder: &memRecorder{}, observer: &memObserver{}}
	h.ctrl = NewController(cfg, bank, calibration.Default(), h.recorder, h.observer, zap.NewNop())
	return h
}

func (h *harness) tick(t *testing.T, sec int) {
	t.Helper()
	if err := h.ctrl.Tick(context.Background(), at(sec)); err != nil {
		t.Fatalf("tick at %ds: %v", sec, err)
	}
}
