package simulator

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenCellCycler/internal/calibration"
	"github.com/KevinKickass/OpenCellCycler/internal/hardware"
	"github.com/KevinKickass/OpenCellCycler/internal/uart"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time { return c.now }

func (c *manualClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func (c *manualClock) Sleep(d time.Duration) { c.now = c.now.Add(d) }

func newTestBench(t *testing.T, clock *manualClock, opts ...Option) *Bench {
	t.Helper()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return New("sim0", DefaultModel(), calibration.Default(), zap.NewNop(), opts...)
}

// exchange writes one command and returns everything queued in reply.
func exchange(t *testing.T, b *Bench, cmd string) string {
	t.Helper()
	_, err := io.WriteString(b, cmd)
	require.NoError(t, err)

	buf := make([]byte, 512)
	n, err := b.Read(buf)
	require.NoError(t, err)
	return string(buf[:n])
}

func newTestHardware(t *testing.T, clock *manualClock, b *Bench, channels []uint8) *hardware.Bank {
	t.Helper()
	client := uart.NewClient("sim0", b, uart.DefaultTiming(), zap.NewNop(), uart.WithClock(clock.Now, clock.Sleep))
	bank, err := hardware.NewBank("test", client, channels, channels[0], 20, zap.NewNop())
	require.NoError(t, err)
	return bank
}
