package machine

import (
	"time"

	"github.com/KevinKickass/OpenCellCycler/internal/types"
)

// PulseState is the resistance-measurement sub-state of an activation.
type PulseState string

const (
	PulseIdle PulseState = "idle"
	Pulse1    PulseState = "pulse1"
	Pulse2    PulseState = "pulse2"
)

// RuntimeState is the mutable part of a running test. It is only touched from
// the tick loop.
type RuntimeState struct {
	Mode          types.Mode
	NextMode      types.Mode
	CooldownStart time.Time
	Cycle         int

	Pulse           PulseState
	PulseStart      int // activation second the current pulse step began
	BaselineVoltage int // mV
	BaselineCurrent int // mA, whole test

	// Grace counts down the ticks during which master CV readback is not
	// mirrored to the other channels.
	Grace int

	StartedAt       time.Time
	ActivationStart time.Time
	LastTick        time.Time
	LastStateChange time.Time

	AmpHours  float64
	WattHours float64

	Settings      types.DeviceSettings
	BaseCurrent   int // per-channel current without the resistance multiplier
	SteadyCurrent int // per-channel current restored after pulses
	LastMirrored  int

	LastResistance float64
	Stopped        bool
	Failed         bool
	ErrorMessage   string
}

func newRuntimeState(start types.Mode) RuntimeState {
	return RuntimeState{
		Mode:     types.ModeOff,
		NextMode: start,
		Pulse:    PulseIdle,
	}
}

// activationSeconds is the whole number of seconds since the current
// activation began.
func (s *RuntimeState) activationSeconds(now time.Time) int {
	if s.ActivationStart.IsZero() {
		return 0
	}
	return int(now.Sub(s.ActivationStart) / time.Second)
}

func (s *RuntimeState) resetPulse() {
	s.Pulse = PulseIdle
	s.PulseStart = 0
	s.BaselineVoltage = 0
	s.BaselineCurrent = 0
}
