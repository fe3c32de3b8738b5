package types

import "time"

// ResistancePolicy controls the periodic internal-resistance pulse measurement.
type ResistancePolicy struct {
	Enabled        bool
	BothDirections bool

	// Interval and Offset are in seconds of activation time; a pulse starts whenever
	// elapsed%Interval == Offset.
	Interval int
	Offset   int

	Pulse1Length int // s
	Pulse2Length int // s

	Pulse1Multiplier float64
	Pulse2Multiplier float64

	// SteadyMultiplier scales the steady-state current of an activation in which
	// pulses are taken.
	SteadyMultiplier float64

	// EveryCycles selects the cycles (cycle%EveryCycles == 0) that measure resistance.
	EveryCycles int
}

// PowerCadence controls how often the constant-power current is recomputed.
type PowerCadence struct {
	Interval int // s
	Offset   int // s
}

type Cooldown struct {
	AfterCharge    time.Duration
	AfterDischarge time.Duration
}

// Before returns the cooldown that has to pass before activating next.
func (c Cooldown) Before(next Mode) time.Duration {
	switch next {
	case ModeDischarge:
		return c.AfterCharge
	case ModeCharge:
		return c.AfterDischarge
	default:
		return 0
	}
}

// TestConfig is the validated, immutable description of one running test.
type TestConfig struct {
	Name   string
	Device string

	Channels     []uint8
	channelIndex map[uint8]int
	Master       uint8

	StartMode Mode
	Charge    BaseSettings
	Discharge BaseSettings

	Cooldown       Cooldown
	MaxTemperature float64 // °C

	// SlaveVoltageMargin (mV) is added to the voltage limits of non-master channels
	// in the direction of travel so the master saturates into CV first.
	SlaveVoltageMargin int

	// GraceTicks is the number of ticks after a resistance pulse during which the
	// master's CV readback is not mirrored.
	GraceTicks int

	Resistance ResistancePolicy
	Power      PowerCadence
}

// SetChannels stores the ordered channel list and rebuilds the id->index map.
func (c *TestConfig) SetChannels(channels []uint8) {
	c.Channels = append([]uint8(nil), channels...)
	c.channelIndex = make(map[uint8]int, len(channels))
	for i, ch := range c.Channels {
		c.channelIndex[ch] = i
	}
}

// ChannelIndex returns the position of channel id ch within the test.
func (c *TestConfig) ChannelIndex(ch uint8) (int, bool) {
	if c.channelIndex == nil {
		c.SetChannels(c.Channels)
	}
	i, ok := c.channelIndex[ch]
	return i, ok
}

// MasterIndex returns the position of the master channel.
func (c *TestConfig) MasterIndex() int {
	i, _ := c.ChannelIndex(c.Master)
	return i
}

// Settings returns the base settings for direction m.
func (c *TestConfig) Settings(m Mode) BaseSettings {
	if m == ModeDischarge {
		return c.Discharge
	}
	return c.Charge
}
