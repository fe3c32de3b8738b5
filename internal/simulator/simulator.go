// Package simulator emulates the cycler hardware behind a uart.Transport so
// that tests and benches without hardware run the complete control path.
package simulator

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenCellCycler/internal/calibration"
	"github.com/KevinKickass/OpenCellCycler/internal/types"
	"github.com/KevinKickass/OpenCellCycler/internal/uart"
)

// Bench is an in-process cycler unit. Commands written to it are answered
// immediately; replies are read back like bytes from a serial port.
type Bench struct {
	name      string
	model     Model
	table     *calibration.Table
	timeScale float64
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.Mutex
	cells    map[uint8]*cell
	lastStep time.Time
	rx       []byte // command bytes not yet terminated
	tx       bytes.Buffer
	drop     int
}

type Option func(*Bench)

// WithClock replaces the wall clock driving the cell model.
func WithClock(now func() time.Time) Option {
	return func(b *Bench) { b.now = now }
}

// WithTimeScale runs the cell model faster than wall time.
func WithTimeScale(scale float64) Option {
	return func(b *Bench) {
		if scale > 0 {
			b.timeScale = scale
		}
	}
}

func New(name string, model Model, table *calibration.Table, logger *zap.Logger, opts ...Option) *Bench {
	b := &Bench{
		name:      name,
		model:     model,
		table:     table,
		timeScale: 1,
		logger:    logger.With(zap.String("device", name), zap.String("component", "simulator")),
		now:       time.Now,
		cells:     make(map[uint8]*cell),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.lastStep = b.now()
	return b
}

var _ uart.Transport = (*Bench)(nil)

// Write accepts command bytes. Every complete "@<ch>:<VERB>[ args];" frame
// is executed and its reply queued.
func (b *Bench) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rx = append(b.rx, p...)
	for {
		i := bytes.IndexByte(b.rx, uart.Separator)
		if i < 0 {
			break
		}
		frame := string(b.rx[:i])
		b.rx = b.rx[i+1:]
		if frame == "" {
			continue
		}

		reply := b.execute(frame)
		if b.drop > 0 {
			b.drop--
			b.logger.Debug("Dropping reply", zap.String("command", frame))
			continue
		}
		b.tx.WriteByte(uart.Separator)
		b.tx.WriteString(reply)
		b.tx.WriteByte(uart.Separator)
	}
	return len(p), nil
}

// Read returns queued reply bytes and (0, nil) when there are none.
func (b *Bench) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tx.Len() == 0 {
		return 0, nil
	}
	return b.tx.Read(p)
}

func (b *Bench) ResetInputBuffer() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tx.Reset()
	return nil
}

// DropReplies discards the replies to the next n commands.
func (b *Bench) DropReplies(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drop = n
}

// Connect places a cell with model on channel ch, replacing any earlier one.
func (b *Bench) Connect(ch uint8, model Model) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cells[ch] = newCell(model)
}

// SetTemperature forces the temperature of the cell on channel ch.
func (b *Bench) SetTemperature(ch uint8, celsius float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cell(ch).temperature = celsius
}

// State returns the mode and regulation of channel ch.
func (b *Bench) State(ch uint8) (types.Mode, types.Regulation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.cell(ch)
	return c.mode, c.regulation
}

func (b *Bench) cell(ch uint8) *cell {
	c, ok := b.cells[ch]
	if !ok {
		c = newCell(b.model)
		b.cells[ch] = c
	}
	return c
}

// advance runs every cell up to the current time.
func (b *Bench) advance() {
	now := b.now()
	dt := now.Sub(b.lastStep).Seconds() * b.timeScale
	b.lastStep = now
	if dt < 0 {
		dt = 0
	}
	for _, c := range b.cells {
		c.step(dt)
	}
}

func (b *Bench) execute(frame string) string {
	ch, verb, args, err := parseCommand(frame)
	if err != nil {
		b.logger.Warn("Malformed command", zap.String("command", frame), zap.Error(err))
		return "ERR"
	}

	b.advance()
	c := b.cell(ch)

	switch verb {
	case "VERB":
		return b.measurement(ch, c)
	case "OFF":
		c.off()
	case "CHA":
		c.mode = types.ModeCharge
	case "DSCH":
		c.mode = types.ModeDischarge
	case "SETI", "SETV", "SETISTOP", "SETVSTOP":
		if len(args) != 1 {
			return "ERR"
		}
		v, err := strconv.Atoi(args[0])
		if err != nil {
			return "ERR"
		}
		switch verb {
		case "SETI":
			c.setCurrent = v
		case "SETV":
			c.setVoltage = v
		case "SETISTOP":
			c.stopCurr = v
		case "SETVSTOP":
			c.stopVolt = v
		}
	default:
		return "ERR"
	}

	c.step(0)
	b.logger.Debug("Command executed", zap.Uint8("channel", ch), zap.String("verb", verb), zap.Strings("args", args))
	return verb + " OK"
}

func (b *Bench) measurement(ch uint8, c *cell) string {
	mode := "OFF"
	switch c.mode {
	case types.ModeCharge:
		mode = "CHA"
	case types.ModeDischarge:
		mode = "DSCH"
	}

	v := clamp(int(math.Round(c.terminalVoltage()*1000)), types.MinVoltageMV, types.MaxVoltageMV)
	i := clamp(int(math.Round(c.current*1000)), types.MinCurrentMA, types.MaxCurrentMA)
	t := clamp(b.table.Raw(c.temperature), types.MinTemperatureRaw, types.MaxTemperatureRaw)

	return fmt.Sprintf("%d:MEAS %s %s V=%d I=%d T=%d Iset=%d", ch, mode, c.regulation, v, i, t, c.setPoint())
}

// parseCommand splits "@<ch>:<VERB>[ args]".
func parseCommand(frame string) (uint8, string, []string, error) {
	rest, ok := strings.CutPrefix(frame, "@")
	if !ok {
		return 0, "", nil, errors.New("missing '@'")
	}
	chText, body, ok := strings.Cut(rest, ":")
	if !ok {
		return 0, "", nil, errors.New("missing ':'")
	}
	ch, err := strconv.ParseUint(chText, 10, 8)
	if err != nil {
		return 0, "", nil, fmt.Errorf("channel %q: %w", chText, err)
	}
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return 0, "", nil, errors.New("missing verb")
	}
	return uint8(ch), fields[0], fields[1:], nil
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
