package testplan

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevinKickass/OpenCellCycler/internal/types"
)

func newTestLoader(t *testing.T) *Loader {
	t.Helper()
	l, err := NewLoader()
	require.NoError(t, err)
	return l
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadYAML(t *testing.T) {
	cfg, err := newTestLoader(t).Load("testdata/cell-a.yaml")
	require.NoError(t, err)

	assert.Equal(t, "cell-a", cfg.Name)
	assert.Equal(t, "bench0", cfg.Device)
	assert.Equal(t, []uint8{4, 5, 6}, cfg.Channels)
	assert.Equal(t, uint8(5), cfg.Master)
	assert.Equal(t, 1, cfg.MasterIndex())
	assert.Equal(t, 10*time.Minute, cfg.Cooldown.AfterCharge)
	assert.Equal(t, 5*time.Minute, cfg.Cooldown.AfterDischarge)
	assert.True(t, cfg.Resistance.Enabled)
	assert.Equal(t, 1.5, cfg.Resistance.Pulse2Multiplier)
}

func TestLoadLegacyNamesTestAfterFile(t *testing.T) {
	cfg, err := newTestLoader(t).Load("testdata/cell-b.test")
	require.NoError(t, err)

	assert.Equal(t, "cell-b", cfg.Name)
	assert.Equal(t, []uint8{1, 2}, cfg.Channels)
	assert.Equal(t, 50.0, cfg.MaxTemperature)
	assert.Equal(t, types.StopModeVoltage, cfg.Discharge.StopMode)
	assert.Equal(t, 30*time.Second, cfg.Cooldown.AfterCharge)
}

func TestLoadYAMLSchemaErrors(t *testing.T) {
	l := newTestLoader(t)

	tests := map[string]string{
		"unknown field": `
name: x
channels: [1]
max_temperature: 40
colour: blue
charge: {current: 1, voltage: 4.2, stop_current: 0.1}
discharge: {current: 1, stop_voltage: 3}
`,
		"channel out of range": `
name: x
channels: [300]
max_temperature: 40
charge: {current: 1, voltage: 4.2, stop_current: 0.1}
discharge: {current: 1, stop_voltage: 3}
`,
		"missing discharge": `
name: x
channels: [1]
max_temperature: 40
charge: {current: 1, voltage: 4.2, stop_current: 0.1}
`,
		"bad duration": `
name: x
channels: [1]
max_temperature: 40
charge: {current: 1, voltage: 4.2, stop_current: 0.1}
discharge: {current: 1, stop_voltage: 3}
cooldown: {after_charge: soon}
`,
	}

	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := l.ParseYAML([]byte(doc))
			assert.ErrorIs(t, err, ErrSchema)
		})
	}
}

func TestLoadAllRejectsSharedChannels(t *testing.T) {
	l := newTestLoader(t)
	a := writeFile(t, "a.test", "channels=1,2 maxtemp=40 charge current=1 voltage=4.2 stopcurrent=0.1 discharge current=1 stopvoltage=3")
	b := writeFile(t, "b.test", "channels=2,3 maxtemp=40 charge current=1 voltage=4.2 stopcurrent=0.1 discharge current=1 stopvoltage=3")

	_, err := l.LoadAll([]string{a, b}, "bench0")
	assert.ErrorIs(t, err, ErrInvalidTest)

	tests, err := l.LoadAll([]string{a}, "bench0")
	require.NoError(t, err)
	require.Len(t, tests, 1)
	assert.Equal(t, "bench0", tests[0].Device)
}

func TestLoadAllRejectsDuplicateNames(t *testing.T) {
	l := newTestLoader(t)
	body := "name=same channels=%d maxtemp=40 charge current=1 voltage=4.2 stopcurrent=0.1 discharge current=1 stopvoltage=3"
	a := writeFile(t, "a.test", fmt.Sprintf(body, 1))
	b := writeFile(t, "b.test", fmt.Sprintf(body, 2))

	_, err := l.LoadAll([]string{a, b}, "bench0")
	assert.ErrorIs(t, err, ErrInvalidTest)
}
