package uart

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Transport is the byte stream to one hardware unit. Read must not block for
// longer than a poll interval and returns (0, nil) when no data is pending.
type Transport interface {
	io.ReadWriter
	ResetInputBuffer() error
}

// Client is the protocol engine of one physical device. It owns the
// transport exclusively; concurrent Requests are serialized because replies
// carry no request identifier.
type Client struct {
	name    string
	port    Transport
	reader  *FrameReader
	timing  Timing
	logger  *zap.Logger
	metrics *Metrics

	mu    sync.Mutex
	sleep func(time.Duration)
}

type Option func(*Client)

// WithClock replaces the wall clock used for timeouts, polling and backoff.
func WithClock(now func() time.Time, sleep func(time.Duration)) Option {
	return func(c *Client) {
		c.reader.now = now
		c.reader.sleep = sleep
		c.sleep = sleep
	}
}

func NewClient(name string, port Transport, timing Timing, logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		name:    name,
		port:    port,
		reader:  NewFrameReader(port, timing),
		timing:  timing,
		logger:  logger.With(zap.String("device", name)),
		metrics: &Metrics{},
		sleep:   time.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string {
	return c.name
}

func (c *Client) Metrics() *Metrics {
	return c.metrics
}

// Request sends command and waits for a reply starting with expectPrefix.
// The text after the prefix is returned. Failed attempts are retried after
// Backoff(retry); once MaxRetries retries have failed the returned error
// wraps ErrRetriesExhausted and communication with the device must be
// considered lost.
func (c *Client) Request(command, expectPrefix string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.metrics.incRequestCount()
	c.flush()

	retry := 0
	for {
		payload, err := c.exchange(command, expectPrefix)
		if err == nil {
			return payload, nil
		}

		c.classify(err)
		retry++
		c.flush()

		if retry > c.timing.MaxRetries {
			c.metrics.incFailureCount()
			c.logger.Error("Out of retries, giving up",
				zap.String("command", command),
				zap.String("expect", expectPrefix),
				zap.Error(err))
			return "", fmt.Errorf("%w: %q after %d attempts: %w", ErrRetriesExhausted, command, retry, err)
		}

		backoff := Backoff(retry)
		c.metrics.incRetryCount()
		c.logger.Warn("Request failed, retrying",
			zap.String("command", command),
			zap.String("expect", expectPrefix),
			zap.Int("retry", retry),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		c.sleep(backoff)
	}
}

func (c *Client) exchange(command, expectPrefix string) (string, error) {
	if _, err := io.WriteString(c.port, command); err != nil {
		return "", fmt.Errorf("uart: write: %w", err)
	}

	frame, err := c.reader.ReadFrame(c.timing.MaxFrameLen)
	if err != nil {
		return "", err
	}

	reply := string(frame)
	if !strings.HasPrefix(reply, expectPrefix) {
		return "", fmt.Errorf("%w: got %q, want prefix %q", ErrUnexpectedReply, reply, expectPrefix)
	}
	return reply[len(expectPrefix):], nil
}

func (c *Client) flush() {
	if n := c.reader.Buffered(); n > 0 {
		c.logger.Debug("Dropping held-over reply bytes", zap.Int("bytes", n))
	}
	c.reader.Reset()
	if err := c.port.ResetInputBuffer(); err != nil {
		c.logger.Debug("Input flush failed", zap.Error(err))
	}
}

func (c *Client) classify(err error) {
	switch {
	case errors.Is(err, ErrNoData), errors.Is(err, ErrIncomplete):
		c.metrics.incTimeoutCount()
	case errors.Is(err, ErrUnexpectedReply), errors.Is(err, ErrEmptyFrame):
		c.metrics.incMismatchCount()
	}
}

// FormatCommand builds "@<channel>:<VERB>[ <args>];".
func FormatCommand(channel uint8, verb string, args ...string) string {
	var b strings.Builder
	b.Grow(8 + len(verb) + 8*len(args))
	fmt.Fprintf(&b, "@%d:%s", channel, verb)
	for _, a := range args {
		b.WriteByte(' ')
		b.WriteString(a)
	}
	b.WriteByte(Separator)
	return b.String()
}
