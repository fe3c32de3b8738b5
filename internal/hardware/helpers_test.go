package hardware

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errLinkDown = errors.New("link down")

// fakeRequester acknowledges every setpoint command and answers VERB with
// the reading configured for the channel.
type fakeRequester struct {
	commands []string
	readings map[uint8]string
	fail     map[string]bool
}

func (f *fakeRequester) Request(command, expectPrefix string) (string, error) {
	f.commands = append(f.commands, command)
	if f.fail[command] {
		return "", errLinkDown
	}
	if strings.HasSuffix(command, ":VERB;") {
		var ch uint8
		if _, err := fmt.Sscanf(command, "@%d:VERB;", &ch); err != nil {
			return "", err
		}
		r, ok := f.readings[ch]
		if !ok {
			return "", errLinkDown
		}
		return r, nil
	}
	return "", nil
}

func newTestBank(t *testing.T, req *fakeRequester, channels []uint8, master uint8) *Bank {
	t.Helper()
	b, err := NewBank("bench", req, channels, master, 20, zap.NewNop())
	require.NoError(t, err)
	return b
}
