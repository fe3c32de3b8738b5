package hardware

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/KevinKickass/OpenCellCycler/internal/types"
)

var ErrBadMeasurement = errors.New("hardware: bad measurement")

// ParseMeasurement decodes the body of a "<ch>:MEAS " reply, for example
// "CHA CV V=4185 I=812 T=21000 Iset=1000". Mode, regulation, V, I and T are
// required; unknown tokens are ignored.
func ParseMeasurement(payload string) (types.HwMeasurement, error) {
	var (
		m                   types.HwMeasurement
		haveMode, haveReg   bool
		haveV, haveI, haveT bool
		err                 error
	)

	for _, tok := range strings.Fields(payload) {
		key, value, isField := strings.Cut(tok, "=")
		if !isField {
			switch tok {
			case "OFF":
				m.Mode, haveMode = types.ModeOff, true
			case "CHA":
				m.Mode, haveMode = types.ModeCharge, true
			case "DSCH":
				m.Mode, haveMode = types.ModeDischarge, true
			case "CC":
				m.Regulation, haveReg = types.RegulationCC, true
			case "CV":
				m.Regulation, haveReg = types.RegulationCV, true
			}
			continue
		}

		switch key {
		case "V":
			m.Voltage, err = parseField(key, value, types.MinVoltageMV, types.MaxVoltageMV)
			haveV = true
		case "I":
			m.Current, err = parseField(key, value, types.MinCurrentMA, types.MaxCurrentMA)
			haveI = true
		case "T":
			m.Temperature, err = parseField(key, value, types.MinTemperatureRaw, types.MaxTemperatureRaw)
			haveT = true
		case "Iset":
			m.SetCurrent, err = parseField(key, value, types.MinCurrentMA, types.MaxCurrentMA)
			m.HasSetCurrent = true
		}
		if err != nil {
			return m, err
		}
	}

	switch {
	case !haveMode:
		return m, fmt.Errorf("%w: mode missing in %q", ErrBadMeasurement, payload)
	case !haveReg:
		return m, fmt.Errorf("%w: regulation missing in %q", ErrBadMeasurement, payload)
	case !haveV, !haveI, !haveT:
		return m, fmt.Errorf("%w: V, I or T missing in %q", ErrBadMeasurement, payload)
	}
	return m, nil
}

func parseField(key, value string, lo, hi int) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q: %v", ErrBadMeasurement, key, value, err)
	}
	if v < lo || v > hi {
		return 0, fmt.Errorf("%w: %s=%d outside [%d, %d]", ErrBadMeasurement, key, v, lo, hi)
	}
	return v, nil
}
