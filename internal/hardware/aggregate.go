package hardware

import (
	"errors"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenCellCycler/internal/calibration"
	"github.com/KevinKickass/OpenCellCycler/internal/types"
)

var (
	ErrMixedModes        = errors.New("hardware: channels disagree on direction")
	ErrNoReadings        = errors.New("hardware: no channel readings")
	ErrMirrorOutOfRange  = errors.New("hardware: mirrored current out of range")
	ErrCurrentOutOfRange = errors.New("hardware: current out of range")
)

// Combine folds the per-channel readings of one test into its aggregate state.
// Voltage and temperature come from the master alone, currents are summed.
// Any channel that is off makes the aggregate off, even when the remaining
// channels disagree on direction; only a charge/discharge mix without an off
// channel is an error.
func Combine(readings []types.HwMeasurement, master int, table *calibration.Table) (types.AggregateMeasurement, error) {
	var agg types.AggregateMeasurement

	if len(readings) == 0 {
		return agg, ErrNoReadings
	}
	if master < 0 || master >= len(readings) {
		return agg, fmt.Errorf("hardware: master index %d outside %d readings", master, len(readings))
	}

	m := readings[master]
	agg.Voltage = m.Voltage
	agg.Temperature = table.Celsius(m.Temperature)
	agg.Regulation = types.RegulationCC

	var off, charge, discharge bool
	for _, r := range readings {
		agg.Current += r.Current
		switch r.Mode {
		case types.ModeCharge:
			charge = true
		case types.ModeDischarge:
			discharge = true
		default:
			off = true
		}
		if r.Regulation == types.RegulationCV {
			agg.Regulation = types.RegulationCV
		}
	}

	switch {
	case off:
		agg.Mode = types.ModeOff
	case charge && discharge:
		return agg, ErrMixedModes
	case charge:
		agg.Mode = types.ModeCharge
	default:
		agg.Mode = types.ModeDischarge
	}
	return agg, nil
}

// Integrate adds dt worth of charge and energy at currentMA and voltageMV to
// the running totals.
func Integrate(ah, wh float64, currentMA, voltageMV int, dt time.Duration) (float64, float64) {
	hours := dt.Hours()
	amps := float64(currentMA) / 1000
	volts := float64(voltageMV) / 1000
	return ah + amps*hours, wh + amps*volts*hours
}

// ValidateMirror checks a master set-current readback before it is copied to
// the other channels: it must be a legal current, point in the direction of
// travel and not fall below the configured stop current.
func ValidateMirror(setCurrent int, dir types.Mode, stopCurrent int) error {
	if !types.CurrentInRange(setCurrent) {
		return fmt.Errorf("%w: %d mA", ErrMirrorOutOfRange, setCurrent)
	}
	sign := dir.Sign()
	if sign == 0 || setCurrent*sign <= 0 {
		return fmt.Errorf("%w: %d mA does not match %s", ErrMirrorOutOfRange, setCurrent, dir)
	}
	if abs(setCurrent) < abs(stopCurrent) {
		return fmt.Errorf("%w: %d mA below stop current %d mA", ErrMirrorOutOfRange, setCurrent, stopCurrent)
	}
	return nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
