package uart

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// testPollInterval is shorter than the first backoff so that backoff sleeps
// can be told apart from polling.
const testPollInterval = 100 * time.Microsecond

// fakeClock advances only when something sleeps on it.
type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	c.sleeps = append(c.sleeps, d)
}

// longSleeps returns the recorded sleeps longer than the poll interval.
func (c *fakeClock) longSleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, d := range c.sleeps {
		if d > testPollInterval {
			out = append(out, d)
		}
	}
	return out
}

// chunkReader hands out its chunks one per Read and then reports no data.
type chunkReader struct {
	chunks [][]byte
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, nil
	}
	n := copy(p, r.chunks[0])
	if n < len(r.chunks[0]) {
		r.chunks[0] = r.chunks[0][n:]
	} else {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

func chunks(parts ...string) *chunkReader {
	r := &chunkReader{}
	for _, p := range parts {
		r.chunks = append(r.chunks, []byte(p))
	}
	return r
}

// fakeTransport answers every write through reply. A nil reply, or one
// returning "", leaves the line silent.
type fakeTransport struct {
	mu      sync.Mutex
	rx      bytes.Buffer
	writes  []string
	flushes int
	reply   func(command string) string
}

func (f *fakeTransport) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := string(p)
	f.writes = append(f.writes, cmd)
	if f.reply != nil {
		f.rx.WriteString(f.reply(cmd))
	}
	return len(p), nil
}

func (f *fakeTransport) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rx.Len() == 0 {
		return 0, nil
	}
	return f.rx.Read(p)
}

func (f *fakeTransport) ResetInputBuffer() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rx.Reset()
	f.flushes++
	return nil
}

func newTestReader(t *testing.T, src *chunkReader) (*FrameReader, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	r := NewFrameReader(src, DefaultTiming())
	r.now = clock.Now
	r.sleep = clock.Sleep
	return r, clock
}

func newTestClient(t *testing.T, tr *fakeTransport) (*Client, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	timing := DefaultTiming()
	timing.PollInterval = testPollInterval
	c := NewClient("test", tr, timing, zap.NewNop(), WithClock(clock.Now, clock.Sleep))
	return c, clock
}
