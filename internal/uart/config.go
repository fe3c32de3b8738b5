// Package uart implements the request/reply protocol spoken by the cycler
// hardware: ';'-delimited ASCII frames over a serial byte stream, with a
// first-byte and an inter-byte timeout and cubic retry backoff.
package uart

import (
	"errors"
	"fmt"
	"time"
)

// Reference timing of the hardware protocol.
const (
	DefaultFirstByteTimeout = 200 * time.Millisecond
	DefaultInterByteTimeout = 20 * time.Millisecond
	DefaultPollInterval     = 1 * time.Millisecond
	DefaultMaxRetries       = 5
	DefaultMaxFrameLen      = 500
	DefaultBaudRate         = 115200
)

// Separator delimits frames on the wire.
const Separator = ';'

var (
	ErrNoData           = errors.New("uart: no reply within first-byte timeout")
	ErrIncomplete       = errors.New("uart: reply incomplete within inter-byte timeout")
	ErrFrameOverflow    = errors.New("uart: reply exceeds frame buffer")
	ErrEmptyFrame       = errors.New("uart: empty frame")
	ErrUnexpectedReply  = errors.New("uart: unexpected reply")
	ErrRetriesExhausted = errors.New("uart: retries exhausted")
	ErrInvalidTiming    = errors.New("uart: invalid timing")
)

// Timing holds the protocol timeouts. The ordering
// FirstByteTimeout > InterByteTimeout > PollInterval must hold.
type Timing struct {
	FirstByteTimeout time.Duration `mapstructure:"first_byte_timeout"`
	InterByteTimeout time.Duration `mapstructure:"inter_byte_timeout"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	MaxRetries       int           `mapstructure:"max_retries"`
	MaxFrameLen      int           `mapstructure:"max_frame_len"`
}

func DefaultTiming() Timing {
	return Timing{
		FirstByteTimeout: DefaultFirstByteTimeout,
		InterByteTimeout: DefaultInterByteTimeout,
		PollInterval:     DefaultPollInterval,
		MaxRetries:       DefaultMaxRetries,
		MaxFrameLen:      DefaultMaxFrameLen,
	}
}

func (t Timing) Validate() error {
	if t.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be positive", ErrInvalidTiming)
	}
	if t.InterByteTimeout <= t.PollInterval {
		return fmt.Errorf("%w: inter-byte timeout %s must exceed poll interval %s",
			ErrInvalidTiming, t.InterByteTimeout, t.PollInterval)
	}
	if t.FirstByteTimeout <= t.InterByteTimeout {
		return fmt.Errorf("%w: first-byte timeout %s must exceed inter-byte timeout %s",
			ErrInvalidTiming, t.FirstByteTimeout, t.InterByteTimeout)
	}
	if t.MaxRetries < 0 {
		return fmt.Errorf("%w: negative retry limit", ErrInvalidTiming)
	}
	if t.MaxFrameLen < 3 {
		return fmt.Errorf("%w: frame buffer of %d bytes is too small", ErrInvalidTiming, t.MaxFrameLen)
	}
	return nil
}

// Backoff is the pause before retry number retry (1-based): retry³ milliseconds.
func Backoff(retry int) time.Duration {
	return time.Duration(retry*retry*retry) * time.Millisecond
}
