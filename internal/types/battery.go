package types

type Mode string

const (
	ModeOff       Mode = "off"
	ModeCharge    Mode = "charge"
	ModeDischarge Mode = "discharge"
)

// Opposite returns the direction that follows m in a charge/discharge cycle.
func (m Mode) Opposite() Mode {
	switch m {
	case ModeCharge:
		return ModeDischarge
	case ModeDischarge:
		return ModeCharge
	default:
		return ModeOff
	}
}

// Sign is +1 for charge, -1 for discharge and 0 when off.
func (m Mode) Sign() int {
	switch m {
	case ModeCharge:
		return 1
	case ModeDischarge:
		return -1
	default:
		return 0
	}
}

type StopMode string

const (
	StopModeUndefined StopMode = ""
	StopModeCurrent   StopMode = "current"
	StopModeVoltage   StopMode = "voltage"
)

type Regulation string

const (
	RegulationCC Regulation = "CC"
	RegulationCV Regulation = "CV"
)

// Hardware limits of one channel.
const (
	MinVoltageMV = 0
	MaxVoltageMV = 7000

	MinCurrentMA = -26000
	MaxCurrentMA = 26000

	MinTemperatureRaw = 0
	MaxTemperatureRaw = 65535

	// CurrentMarginMA is kept free below MaxCurrentMA for regulation overshoot.
	CurrentMarginMA = 50
)

// CurrentInRange reports whether ma can be commanded to a channel.
func CurrentInRange(ma int) bool {
	return ma >= MinCurrentMA && ma <= MaxCurrentMA
}

// BaseSettings is the engineering-unit target for one direction.
type BaseSettings struct {
	Current       float64  `json:"current" yaml:"current"`           // A
	Voltage       float64  `json:"voltage" yaml:"voltage"`           // V
	StopVoltage   float64  `json:"stop_voltage" yaml:"stop_voltage"` // V
	StopMode      StopMode `json:"stop_mode" yaml:"stop_mode"`
	StopCurrent   float64  `json:"stop_current" yaml:"stop_current"` // A
	ConstantPower bool     `json:"constant_power" yaml:"constant_power"`
	Power         float64  `json:"power" yaml:"power"` // W
}

// DeviceSettings is the per-channel counterpart of BaseSettings in device units.
type DeviceSettings struct {
	Current     int `json:"current_ma"`
	Voltage     int `json:"voltage_mv"`
	StopCurrent int `json:"stop_current_ma"`
	StopVoltage int `json:"stop_voltage_mv"`
}
