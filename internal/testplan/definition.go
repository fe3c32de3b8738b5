// Package testplan reads test descriptions and validates them into the
// immutable configuration a controller runs.
package testplan

import (
	"errors"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenCellCycler/internal/settings"
	"github.com/KevinKickass/OpenCellCycler/internal/types"
)

// MaxChannels is the largest number of channels one test may drive in parallel.
const MaxChannels = 32

// Defaults applied to fields a definition leaves out.
const (
	DefaultSlaveVoltageMargin = 20 // mV
	DefaultGraceTicks         = 3
	DefaultPowerInterval      = 10 // s
)

var (
	ErrSchema      = errors.New("testplan: schema validation failed")
	ErrInvalidTest = errors.New("testplan: invalid test")
)

type CooldownDefinition struct {
	AfterCharge    time.Duration `yaml:"after_charge" json:"after_charge"`
	AfterDischarge time.Duration `yaml:"after_discharge" json:"after_discharge"`
}

type ResistanceDefinition struct {
	Enabled          bool    `yaml:"enabled" json:"enabled"`
	BothDirections   bool    `yaml:"both_directions" json:"both_directions"`
	Interval         int     `yaml:"interval" json:"interval"`
	Offset           int     `yaml:"offset" json:"offset"`
	Pulse1Length     int     `yaml:"pulse1_length" json:"pulse1_length"`
	Pulse2Length     int     `yaml:"pulse2_length" json:"pulse2_length"`
	Pulse1Multiplier float64 `yaml:"pulse1_multiplier" json:"pulse1_multiplier"`
	Pulse2Multiplier float64 `yaml:"pulse2_multiplier" json:"pulse2_multiplier"`
	SteadyMultiplier float64 `yaml:"steady_multiplier" json:"steady_multiplier"`
	EveryCycles      int     `yaml:"every_cycles" json:"every_cycles"`
}

type PowerDefinition struct {
	Interval int `yaml:"interval" json:"interval"`
	Offset   int `yaml:"offset" json:"offset"`
}

// Definition is a test as written by the operator, before validation.
type Definition struct {
	Name               string               `yaml:"name" json:"name"`
	Device             string               `yaml:"device" json:"device"`
	Channels           []int                `yaml:"channels" json:"channels"`
	Master             *int                 `yaml:"master" json:"master,omitempty"`
	StartMode          types.Mode           `yaml:"start_mode" json:"start_mode"`
	Charge             types.BaseSettings   `yaml:"charge" json:"charge"`
	Discharge          types.BaseSettings   `yaml:"discharge" json:"discharge"`
	Cooldown           CooldownDefinition   `yaml:"cooldown" json:"cooldown"`
	MaxTemperature     float64              `yaml:"max_temperature" json:"max_temperature"`
	SlaveVoltageMargin *int                 `yaml:"slave_voltage_margin" json:"slave_voltage_margin,omitempty"`
	GraceTicks         *int                 `yaml:"grace_ticks" json:"grace_ticks,omitempty"`
	Resistance         ResistanceDefinition `yaml:"resistance" json:"resistance"`
	Power              PowerDefinition      `yaml:"power" json:"power"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTest, fmt.Sprintf(format, args...))
}

// Validate checks d and builds the test configuration from it. Both
// directions are translated once so that settings the hardware cannot take
// are rejected before any port is opened.
func Validate(d Definition) (*types.TestConfig, error) {
	if d.Name == "" {
		return nil, invalid("missing name")
	}

	cfg := &types.TestConfig{
		Name:               d.Name,
		Device:             d.Device,
		MaxTemperature:     d.MaxTemperature,
		SlaveVoltageMargin: DefaultSlaveVoltageMargin,
		GraceTicks:         DefaultGraceTicks,
	}

	channels, err := validateChannels(d.Channels)
	if err != nil {
		return nil, fmt.Errorf("test %s: %w", d.Name, err)
	}
	cfg.SetChannels(channels)

	cfg.Master = channels[0]
	if d.Master != nil {
		m := *d.Master
		if m < 0 || m > 255 {
			return nil, invalid("test %s: master %d out of range 0-255", d.Name, m)
		}
		if _, ok := cfg.ChannelIndex(uint8(m)); !ok {
			return nil, invalid("test %s: master %d is not one of its channels", d.Name, *d.Master)
		}
		cfg.Master = uint8(m)
	}

	switch d.StartMode {
	case "":
		cfg.StartMode = types.ModeCharge
	case types.ModeCharge, types.ModeDischarge:
		cfg.StartMode = d.StartMode
	default:
		return nil, invalid("test %s: start mode %q", d.Name, d.StartMode)
	}

	if cfg.Charge, err = settings.Normalize(d.Charge); err != nil {
		return nil, fmt.Errorf("test %s: charge: %w", d.Name, err)
	}
	if cfg.Discharge, err = settings.Normalize(d.Discharge); err != nil {
		return nil, fmt.Errorf("test %s: discharge: %w", d.Name, err)
	}
	if cfg.Charge.ConstantPower {
		return nil, invalid("test %s: constant power is only supported when discharging", d.Name)
	}

	if d.Cooldown.AfterCharge < 0 || d.Cooldown.AfterDischarge < 0 {
		return nil, invalid("test %s: negative cooldown", d.Name)
	}
	cfg.Cooldown = types.Cooldown(d.Cooldown)

	if d.MaxTemperature <= 0 {
		return nil, invalid("test %s: max temperature must be positive", d.Name)
	}
	if d.SlaveVoltageMargin != nil {
		if *d.SlaveVoltageMargin < 0 {
			return nil, invalid("test %s: negative slave voltage margin", d.Name)
		}
		cfg.SlaveVoltageMargin = *d.SlaveVoltageMargin
	}
	if d.GraceTicks != nil {
		if *d.GraceTicks < 0 {
			return nil, invalid("test %s: negative grace ticks", d.Name)
		}
		cfg.GraceTicks = *d.GraceTicks
	}

	if cfg.Resistance, err = validateResistance(d.Resistance); err != nil {
		return nil, fmt.Errorf("test %s: %w", d.Name, err)
	}
	if cfg.Power, err = validatePower(d.Power, cfg.Discharge.ConstantPower); err != nil {
		return nil, fmt.Errorf("test %s: %w", d.Name, err)
	}

	if err := dryRun(cfg); err != nil {
		return nil, fmt.Errorf("test %s: %w", d.Name, err)
	}
	return cfg, nil
}

func validateChannels(ids []int) ([]uint8, error) {
	if len(ids) == 0 {
		return nil, invalid("no channels")
	}
	if len(ids) > MaxChannels {
		return nil, invalid("%d channels, at most %d allowed", len(ids), MaxChannels)
	}
	seen := make(map[int]bool, len(ids))
	out := make([]uint8, 0, len(ids))
	for _, id := range ids {
		if id < 0 || id > 255 {
			return nil, invalid("channel id %d out of range 0-255", id)
		}
		if seen[id] {
			return nil, invalid("channel %d listed twice", id)
		}
		seen[id] = true
		out = append(out, uint8(id))
	}
	return out, nil
}

func validateResistance(r ResistanceDefinition) (types.ResistancePolicy, error) {
	policy := types.ResistancePolicy{
		Enabled:          r.Enabled,
		BothDirections:   r.BothDirections,
		Interval:         r.Interval,
		Offset:           r.Offset,
		Pulse1Length:     r.Pulse1Length,
		Pulse2Length:     r.Pulse2Length,
		Pulse1Multiplier: r.Pulse1Multiplier,
		Pulse2Multiplier: r.Pulse2Multiplier,
		SteadyMultiplier: r.SteadyMultiplier,
		EveryCycles:      r.EveryCycles,
	}
	if policy.SteadyMultiplier == 0 {
		policy.SteadyMultiplier = 1
	}
	if policy.EveryCycles == 0 {
		policy.EveryCycles = 1
	}
	if !policy.Enabled {
		return policy, nil
	}

	switch {
	case policy.Interval <= 0:
		return policy, invalid("resistance interval must be positive")
	case policy.Offset < 0 || policy.Offset >= policy.Interval:
		return policy, invalid("resistance offset %d outside interval %d", policy.Offset, policy.Interval)
	case policy.Pulse1Length <= 0 || policy.Pulse2Length <= 0:
		return policy, invalid("resistance pulse lengths must be positive")
	case policy.Pulse1Length+policy.Pulse2Length >= policy.Interval:
		return policy, invalid("resistance pulses of %d s do not fit the %d s interval",
			policy.Pulse1Length+policy.Pulse2Length, policy.Interval)
	case policy.Pulse1Multiplier <= 0 || policy.Pulse2Multiplier <= 0 || policy.SteadyMultiplier < 0:
		return policy, invalid("resistance multipliers must be positive")
	case policy.Pulse1Multiplier == policy.Pulse2Multiplier:
		return policy, invalid("resistance pulses need different currents")
	case policy.EveryCycles < 0:
		return policy, invalid("negative resistance cycle cadence")
	}
	return policy, nil
}

func validatePower(p PowerDefinition, constantPower bool) (types.PowerCadence, error) {
	cadence := types.PowerCadence(p)
	if !constantPower {
		return cadence, nil
	}
	if cadence.Interval == 0 {
		cadence.Interval = DefaultPowerInterval
	}
	if cadence.Interval < 0 || cadence.Offset < 0 || cadence.Offset >= cadence.Interval {
		return cadence, invalid("power offset %d outside interval %d", cadence.Offset, cadence.Interval)
	}
	return cadence, nil
}

// dryRun translates every activation the test can perform, including the
// pulse currents, and rejects what the hardware could not be commanded to.
func dryRun(cfg *types.TestConfig) error {
	n := len(cfg.Channels)
	for _, dir := range []types.Mode{types.ModeCharge, types.ModeDischarge} {
		base := cfg.Settings(dir)
		if _, err := settings.Translate(base, dir, n, 1); err != nil {
			return fmt.Errorf("%s: %w", dir, err)
		}
		if !settings.ResistanceApplies(cfg.Resistance, dir, 0) {
			continue
		}
		r := cfg.Resistance
		for _, m := range []float64{r.SteadyMultiplier, r.Pulse1Multiplier, r.Pulse2Multiplier} {
			if _, err := settings.Translate(base, dir, n, m); err != nil {
				return fmt.Errorf("%s resistance pulse at x%.2f: %w", dir, m, err)
			}
		}
	}
	return nil
}
