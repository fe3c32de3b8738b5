package testplan

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/KevinKickass/OpenCellCycler/internal/types"
)

// ParseLegacy reads the line oriented test grammar of whitespace separated
// tokens, for example
//
//	name=cell1 channels=1,2 maxtemp=45
//	charge current=2 voltage=4.2 stopcurrent=0.1 cooldown=10m
//	discharge current=2 stopvoltage=3.0
//
// The keywords charge and discharge select the direction the following
// current, voltage, stopcurrent, stopvoltage, stopmode, power and cooldown
// tokens apply to. Text after '#' is a comment and unknown tokens are ignored.
func ParseLegacy(r io.Reader) (Definition, error) {
	var d Definition
	dir := types.ModeOff

	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		for _, tok := range strings.Fields(text) {
			next, err := applyToken(&d, dir, tok)
			if err != nil {
				return d, fmt.Errorf("%w: line %d: %q: %w", ErrInvalidTest, line, tok, err)
			}
			dir = next
		}
	}
	if err := scanner.Err(); err != nil {
		return d, fmt.Errorf("failed to read test: %w", err)
	}
	return d, nil
}

func applyToken(d *Definition, dir types.Mode, tok string) (types.Mode, error) {
	key, value, hasValue := strings.Cut(tok, "=")
	if !hasValue {
		switch key {
		case "charge":
			return types.ModeCharge, nil
		case "discharge":
			return types.ModeDischarge, nil
		}
		return dir, nil
	}

	var err error
	switch key {
	case "name":
		d.Name = value
	case "device":
		d.Device = value
	case "channels":
		d.Channels, err = parseIntList(value)
	case "master":
		var m int
		m, err = strconv.Atoi(value)
		d.Master = &m
	case "start":
		d.StartMode = types.Mode(value)
	case "maxtemp":
		d.MaxTemperature, err = strconv.ParseFloat(value, 64)
	case "margin":
		var m int
		m, err = strconv.Atoi(value)
		d.SlaveVoltageMargin = &m
	case "grace":
		var g int
		g, err = strconv.Atoi(value)
		d.GraceTicks = &g
	case "current", "voltage", "stopcurrent", "stopvoltage", "stopmode", "power", "cooldown":
		err = applyDirectional(d, dir, key, value)
	}
	return dir, err
}

func applyDirectional(d *Definition, dir types.Mode, key, value string) error {
	var base *types.BaseSettings
	var cooldown *time.Duration
	switch dir {
	case types.ModeCharge:
		base, cooldown = &d.Charge, &d.Cooldown.AfterCharge
	case types.ModeDischarge:
		base, cooldown = &d.Discharge, &d.Cooldown.AfterDischarge
	default:
		return fmt.Errorf("%s before charge or discharge keyword", key)
	}

	var err error
	switch key {
	case "current":
		base.Current, err = strconv.ParseFloat(value, 64)
	case "voltage":
		base.Voltage, err = strconv.ParseFloat(value, 64)
	case "stopcurrent":
		base.StopCurrent, err = strconv.ParseFloat(value, 64)
	case "stopvoltage":
		base.StopVoltage, err = strconv.ParseFloat(value, 64)
	case "stopmode":
		base.StopMode = types.StopMode(value)
	case "power":
		base.Power, err = strconv.ParseFloat(value, 64)
		base.ConstantPower = true
	case "cooldown":
		*cooldown, err = time.ParseDuration(value)
	}
	return err
}

func parseIntList(value string) ([]int, error) {
	parts := strings.Split(value, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
