// Package settings converts engineering-unit targets into per-channel device
// setpoints.
package settings

import (
	"errors"
	"fmt"
	"math"

	"github.com/KevinKickass/OpenCellCycler/internal/types"
)

// Voltage limits are offset by these margins in the direction of travel so that
// the limit that must not terminate an activation is never reached.
const (
	ChargeMarginMV    = 130
	DischargeMarginMV = -500
)

// Stop-current sentinels used when the voltage ends an activation.
const (
	ChargeStopCurrentSentinelMA    = 1
	DischargeStopCurrentSentinelMA = -1
)

// ConstantPowerStartFactor scales P/SV into the starting current of a
// constant-power discharge; the controller adjusts it from measured voltage.
const ConstantPowerStartFactor = 0.7

// MaxCurrentA is the largest total current a test may request.
const MaxCurrentA = 1000.0

var (
	ErrUndefinedStopMode  = errors.New("settings: undefined stop mode")
	ErrInvalidDirection   = errors.New("settings: direction must be charge or discharge")
	ErrInvalidChannels    = errors.New("settings: channel count must be positive")
	ErrCurrentOutOfRange  = errors.New("settings: current out of range")
	ErrVoltageOutOfRange  = errors.New("settings: voltage out of range")
	ErrPowerInfeasible    = errors.New("settings: constant power not reachable within channel current limit")
	ErrPowerConfiguration = errors.New("settings: invalid constant power configuration")

	ErrMissingCurrent     = errors.New("settings: current missing")
	ErrMissingVoltage     = errors.New("settings: voltage and stop voltage both missing")
	ErrVoltageConflict    = errors.New("settings: voltage and stop voltage both defined")
	ErrStopModeConflict   = errors.New("settings: stop mode contradicts supplied limits")
	ErrMissingStopCurrent = errors.New("settings: stop current missing")
)

// MarginMV returns the signed voltage margin for dir.
func MarginMV(dir types.Mode) int {
	if dir == types.ModeDischarge {
		return DischargeMarginMV
	}
	return ChargeMarginMV
}

// Normalize checks base and resolves its stop mode from the limits supplied:
// a voltage with a stop current means current stop mode, a lone stop voltage
// means voltage stop mode. Exactly one of Voltage and StopVoltage must be set.
func Normalize(base types.BaseSettings) (types.BaseSettings, error) {
	if base.Current == 0 {
		return base, ErrMissingCurrent
	}
	if base.Current < 0 || base.Current > MaxCurrentA {
		return base, fmt.Errorf("%w: %.3f A", ErrCurrentOutOfRange, base.Current)
	}

	switch {
	case base.Voltage == 0 && base.StopVoltage == 0:
		return base, ErrMissingVoltage
	case base.Voltage != 0 && base.StopVoltage != 0:
		return base, ErrVoltageConflict
	case base.Voltage == 0:
		if base.StopMode == types.StopModeCurrent {
			return base, fmt.Errorf("%w: stop_mode=current without voltage", ErrStopModeConflict)
		}
		base.StopMode = types.StopModeVoltage
	default:
		if base.StopMode == types.StopModeVoltage {
			return base, fmt.Errorf("%w: stop_mode=voltage without stop_voltage", ErrStopModeConflict)
		}
		base.StopMode = types.StopModeCurrent
		if base.StopCurrent == 0 {
			return base, ErrMissingStopCurrent
		}
	}

	if base.ConstantPower {
		if base.Power <= 0 {
			return base, fmt.Errorf("%w: power must be positive", ErrPowerConfiguration)
		}
		if base.StopMode != types.StopModeVoltage {
			return base, fmt.Errorf("%w: requires stop_voltage", ErrPowerConfiguration)
		}
	}
	return base, nil
}

// Translate computes the per-channel device settings of one activation in
// direction dir spread over n channels. multiplier scales the per-channel
// current of activations that take resistance pulses; pass 1 otherwise.
func Translate(base types.BaseSettings, dir types.Mode, n int, multiplier float64) (types.DeviceSettings, error) {
	var ds types.DeviceSettings

	sign := dir.Sign()
	if sign == 0 {
		return ds, fmt.Errorf("%w: %q", ErrInvalidDirection, dir)
	}
	if n <= 0 {
		return ds, fmt.Errorf("%w: %d", ErrInvalidChannels, n)
	}

	current := base.Current
	if base.ConstantPower {
		if dir != types.ModeDischarge || base.StopMode != types.StopModeVoltage || base.StopVoltage <= 0 {
			return ds, ErrPowerConfiguration
		}
		if perChannelMA(base.Power/base.StopVoltage, n) > types.MaxCurrentMA-types.CurrentMarginMA {
			return ds, fmt.Errorf("%w: %.1f W at %.3f V on %d channels",
				ErrPowerInfeasible, base.Power, base.StopVoltage, n)
		}
		current = ConstantPowerStartFactor * base.Power / base.StopVoltage
	}

	ds.Current = sign * int(math.Round(perChannelMA(current, n)*multiplier))
	margin := MarginMV(dir)

	switch base.StopMode {
	case types.StopModeCurrent:
		ds.Voltage = millis(base.Voltage)
		ds.StopVoltage = ds.Voltage + margin
		ds.StopCurrent = sign * int(math.Round(perChannelMA(base.StopCurrent, n)))
	case types.StopModeVoltage:
		ds.StopVoltage = millis(base.StopVoltage)
		ds.Voltage = ds.StopVoltage + margin
		if dir == types.ModeCharge {
			ds.StopCurrent = ChargeStopCurrentSentinelMA
		} else {
			ds.StopCurrent = DischargeStopCurrentSentinelMA
		}
	default:
		return ds, ErrUndefinedStopMode
	}

	if !types.CurrentInRange(ds.Current) || !types.CurrentInRange(ds.StopCurrent) {
		return ds, fmt.Errorf("%w: %d mA", ErrCurrentOutOfRange, ds.Current)
	}
	for _, v := range []int{ds.Voltage, ds.StopVoltage} {
		if v < types.MinVoltageMV || v > types.MaxVoltageMV {
			return ds, fmt.Errorf("%w: %d mV", ErrVoltageOutOfRange, v)
		}
	}
	return ds, nil
}

// PowerCurrent returns the signed per-channel discharge current that draws
// power watts at the measured voltage.
func PowerCurrent(power float64, voltageMV, n int) (int, error) {
	if voltageMV <= 0 || n <= 0 {
		return 0, fmt.Errorf("%w: voltage %d mV on %d channels", ErrPowerConfiguration, voltageMV, n)
	}
	ma := perChannelMA(power/(float64(voltageMV)/1000), n)
	if ma > types.MaxCurrentMA-types.CurrentMarginMA {
		return 0, fmt.Errorf("%w: %.0f mA per channel", ErrPowerInfeasible, ma)
	}
	return -int(math.Round(ma)), nil
}

// ResistanceApplies reports whether the activation of dir in cycle takes
// resistance pulses.
func ResistanceApplies(policy types.ResistancePolicy, dir types.Mode, cycle int) bool {
	if !policy.Enabled {
		return false
	}
	switch dir {
	case types.ModeCharge:
	case types.ModeDischarge:
		if !policy.BothDirections {
			return false
		}
	default:
		return false
	}
	if policy.EveryCycles > 1 && cycle%policy.EveryCycles != 0 {
		return false
	}
	return true
}

// Multiplier returns the steady-state current multiplier for the activation.
func Multiplier(policy types.ResistancePolicy, dir types.Mode, cycle int) float64 {
	if ResistanceApplies(policy, dir, cycle) && policy.SteadyMultiplier > 0 {
		return policy.SteadyMultiplier
	}
	return 1
}

func perChannelMA(amps float64, n int) float64 {
	return amps * 1000 / float64(n)
}

func millis(v float64) int {
	return int(math.Round(v * 1000))
}
