// Package hardware drives the channels of one test: it issues setpoint and
// mode commands through the protocol engine and reads back measurements.
package hardware

import (
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenCellCycler/internal/types"
	"github.com/KevinKickass/OpenCellCycler/internal/uart"
)

// Requester sends one command and returns the reply text after expectPrefix.
type Requester interface {
	Request(command, expectPrefix string) (string, error)
}

var ErrUnknownChannel = errors.New("hardware: channel not part of this bank")

// Bank is the set of channels that run one test in parallel. Commands are
// issued channel by channel in configuration order, each confirmed before
// the next is sent.
type Bank struct {
	Name        string
	client      Requester
	channels    []uint8
	index       map[uint8]int
	master      uint8
	slaveMargin int
	logger      *zap.Logger
}

func NewBank(name string, client Requester, channels []uint8, master uint8, slaveMarginMV int, logger *zap.Logger) (*Bank, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("bank %s: no channels", name)
	}

	index := make(map[uint8]int, len(channels))
	for i, ch := range channels {
		if _, dup := index[ch]; dup {
			return nil, fmt.Errorf("bank %s: duplicate channel %d", name, ch)
		}
		index[ch] = i
	}
	if _, ok := index[master]; !ok {
		return nil, fmt.Errorf("bank %s: master %d: %w", name, master, ErrUnknownChannel)
	}

	return &Bank{
		Name:        name,
		client:      client,
		channels:    append([]uint8(nil), channels...),
		index:       index,
		master:      master,
		slaveMargin: slaveMarginMV,
		logger:      logger,
	}, nil
}

func (b *Bank) Channels() []uint8 {
	return append([]uint8(nil), b.channels...)
}

func (b *Bank) Master() uint8 {
	return b.master
}

func (b *Bank) MasterIndex() int {
	return b.index[b.master]
}

// Apply configures every channel for an activation in direction dir: output
// off, then current, voltage, stop current and stop voltage. Non-master
// channels get their voltage limits moved by the slave margin in the
// direction of travel.
func (b *Bank) Apply(ds types.DeviceSettings, dir types.Mode) error {
	if !types.CurrentInRange(ds.Current) {
		return types.Fatal(types.NoChannel, "apply", fmt.Errorf("%w: %d mA", ErrCurrentOutOfRange, ds.Current))
	}

	for _, ch := range b.channels {
		s := ds
		if ch != b.master {
			s.Voltage += dir.Sign() * b.slaveMargin
			s.StopVoltage += dir.Sign() * b.slaveMargin
		}

		steps := []struct {
			verb  string
			value int
		}{
			{"SETI", s.Current},
			{"SETV", s.Voltage},
			{"SETISTOP", s.StopCurrent},
			{"SETVSTOP", s.StopVoltage},
		}

		if err := b.command(ch, "OFF"); err != nil {
			return err
		}
		for _, step := range steps {
			if err := b.command(ch, step.verb, strconv.Itoa(step.value)); err != nil {
				return err
			}
		}
	}

	b.logger.Debug("Bank configured",
		zap.String("bank", b.Name),
		zap.String("direction", string(dir)),
		zap.Int("current_ma", ds.Current),
		zap.Int("voltage_mv", ds.Voltage),
		zap.Int("stop_current_ma", ds.StopCurrent),
		zap.Int("stop_voltage_mv", ds.StopVoltage))
	return nil
}

// SetCurrent commands a new current setpoint on one channel. Values outside
// the hardware range are rejected, never clamped.
func (b *Bank) SetCurrent(ch uint8, ma int) error {
	if _, ok := b.index[ch]; !ok {
		return types.Fatal(int(ch), "SETI", ErrUnknownChannel)
	}
	if !types.CurrentInRange(ma) {
		return types.Fatal(int(ch), "SETI", fmt.Errorf("%w: %d mA", ErrCurrentOutOfRange, ma))
	}
	return b.command(ch, "SETI", strconv.Itoa(ma))
}

func (b *Bank) SetCurrentAll(ma int) error {
	for _, ch := range b.channels {
		if err := b.SetCurrent(ch, ma); err != nil {
			return err
		}
	}
	return nil
}

// SetSlaveCurrent commands ma on every channel except the master.
func (b *Bank) SetSlaveCurrent(ma int) error {
	for _, ch := range b.channels {
		if ch == b.master {
			continue
		}
		if err := b.SetCurrent(ch, ma); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bank) SetMode(ch uint8, mode types.Mode) error {
	verb, err := modeVerb(mode)
	if err != nil {
		return types.Fatal(int(ch), "mode", err)
	}
	return b.command(ch, verb)
}

func (b *Bank) SetModeAll(mode types.Mode) error {
	for _, ch := range b.channels {
		if err := b.SetMode(ch, mode); err != nil {
			return err
		}
	}
	return nil
}

// AllOff tries to switch every channel off, continuing past failures.
func (b *Bank) AllOff() error {
	var errs []error
	for _, ch := range b.channels {
		if err := b.command(ch, "OFF"); err != nil {
			b.logger.Error("Failed to switch channel off",
				zap.String("bank", b.Name),
				zap.Uint8("channel", ch),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Measure reads every channel in order. Any missing or malformed reply fails
// the whole poll.
func (b *Bank) Measure() ([]types.HwMeasurement, error) {
	readings := make([]types.HwMeasurement, 0, len(b.channels))
	for _, ch := range b.channels {
		cmd := uart.FormatCommand(ch, "VERB")
		payload, err := b.client.Request(cmd, fmt.Sprintf("%d:MEAS ", ch))
		if err != nil {
			return nil, types.Fatal(int(ch), cmd, err)
		}

		m, err := ParseMeasurement(payload)
		if err != nil {
			return nil, types.Fatal(int(ch), cmd, err)
		}
		m.Channel = ch
		readings = append(readings, m)
	}
	return readings, nil
}

func (b *Bank) command(ch uint8, verb string, args ...string) error {
	cmd := uart.FormatCommand(ch, verb, args...)
	if _, err := b.client.Request(cmd, verb+" OK"); err != nil {
		return types.Fatal(int(ch), cmd, err)
	}
	return nil
}

func modeVerb(mode types.Mode) (string, error) {
	switch mode {
	case types.ModeOff:
		return "OFF", nil
	case types.ModeCharge:
		return "CHA", nil
	case types.ModeDischarge:
		return "DSCH", nil
	default:
		return "", fmt.Errorf("hardware: unknown mode %q", mode)
	}
}
