package simulator

import (
	"math"

	"github.com/KevinKickass/OpenCellCycler/internal/types"
)

// Model describes the cell behind every simulated channel.
type Model struct {
	CapacityAh         float64
	InternalResistance float64 // Ω
	InitialSoC         float64 // 0..1
	AmbientC           float64
	// ThermalGain is the steady temperature rise per watt dissipated in the cell.
	ThermalGain float64 // °C/W
	// ThermalTau is the time constant of the cell temperature.
	ThermalTau float64 // s
}

func DefaultModel() Model {
	return Model{
		CapacityAh:         2.5,
		InternalResistance: 0.05,
		InitialSoC:         0.5,
		AmbientC:           22,
		ThermalGain:        8,
		ThermalTau:         120,
	}
}

// cell is one channel of the bench with the cell connected to it.
type cell struct {
	model Model

	mode       types.Mode
	setCurrent int // mA
	setVoltage int // mV
	stopCurr   int // mA
	stopVolt   int // mV

	soc         float64
	current     float64 // A, positive into the cell
	temperature float64 // °C
	regulation  types.Regulation
}

func newCell(model Model) *cell {
	return &cell{
		model:       model,
		mode:        types.ModeOff,
		soc:         model.InitialSoC,
		temperature: model.AmbientC,
		regulation:  types.RegulationCC,
	}
}

// ocv is the open circuit voltage in volts, a lithium-ion like curve between
// 3.0 V empty and 4.2 V full.
func (c *cell) ocv() float64 {
	soc := math.Min(math.Max(c.soc, 0), 1)
	return 3.0 + 0.9*soc + 0.3*math.Pow(soc, 4) - 0.15*math.Exp(-20*soc)
}

func (c *cell) terminalVoltage() float64 {
	return c.ocv() + c.current*c.model.InternalResistance
}

// step advances the cell by dt seconds.
func (c *cell) step(dt float64) {
	c.regulate()

	if dt > 0 {
		c.soc += c.current * dt / 3600 / c.model.CapacityAh
		c.soc = math.Min(math.Max(c.soc, 0), 1.05)

		heat := c.current * c.current * c.model.InternalResistance
		target := c.model.AmbientC + heat*c.model.ThermalGain
		c.temperature += (target - c.temperature) * (1 - math.Exp(-dt/c.model.ThermalTau))

		c.regulate()
	}
	c.checkStop()
}

// regulate picks the current the channel delivers: the set current unless
// that would push the terminal voltage beyond the voltage limit.
func (c *cell) regulate() {
	setA := float64(c.setCurrent) / 1000
	limitV := float64(c.setVoltage) / 1000
	r := c.model.InternalResistance

	switch c.mode {
	case types.ModeCharge:
		c.current, c.regulation = math.Max(setA, 0), types.RegulationCC
		if c.ocv()+c.current*r > limitV {
			c.current = math.Min(math.Max((limitV-c.ocv())/r, 0), c.current)
			c.regulation = types.RegulationCV
		}
	case types.ModeDischarge:
		c.current, c.regulation = math.Min(setA, 0), types.RegulationCC
		if c.ocv()+c.current*r < limitV {
			c.current = math.Max(math.Min((limitV-c.ocv())/r, 0), c.current)
			c.regulation = types.RegulationCV
		}
	default:
		c.current, c.regulation = 0, types.RegulationCC
	}
}

// checkStop switches the channel off once its stop voltage or, while
// voltage regulated, its stop current is reached.
func (c *cell) checkStop() {
	v := c.terminalVoltage() * 1000
	ma := c.current * 1000

	switch c.mode {
	case types.ModeCharge:
		if v >= float64(c.stopVolt) || (c.regulation == types.RegulationCV && ma <= float64(c.stopCurr)) {
			c.off()
		}
	case types.ModeDischarge:
		if v <= float64(c.stopVolt) || (c.regulation == types.RegulationCV && ma >= float64(c.stopCurr)) {
			c.off()
		}
	}
}

func (c *cell) off() {
	c.mode = types.ModeOff
	c.current = 0
	c.regulation = types.RegulationCC
}

// setPoint is the current setpoint readback; it follows the regulated
// current while the channel is in CV.
func (c *cell) setPoint() int {
	if c.mode != types.ModeOff && c.regulation == types.RegulationCV {
		return int(math.Round(c.current * 1000))
	}
	return c.setCurrent
}
