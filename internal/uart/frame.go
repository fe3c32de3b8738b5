package uart

import (
	"errors"
	"fmt"
	"io"
	"time"
)

// FrameReader extracts one separator-bounded frame at a time from a
// non-blocking byte source. A Read returning (0, nil) means "nothing yet".
//
// Bytes received after the closing separator are kept for the next call;
// Reset drops them.
type FrameReader struct {
	src     io.Reader
	timing  Timing
	pending []byte

	now   func() time.Time
	sleep func(time.Duration)
}

func NewFrameReader(src io.Reader, timing Timing) *FrameReader {
	return &FrameReader{
		src:    src,
		timing: timing,
		now:    time.Now,
		sleep:  time.Sleep,
	}
}

// Reset discards any buffered bytes.
func (r *FrameReader) Reset() {
	r.pending = nil
}

// Buffered returns the number of bytes held over from the previous frame.
func (r *FrameReader) Buffered() int {
	return len(r.pending)
}

// ReadFrame returns the bytes strictly between the next two separators.
// Anything before the first separator is discarded.
//
// It fails with ErrNoData if nothing arrives within the first-byte timeout,
// ErrIncomplete if the closing separator does not follow within the
// inter-byte timeout of the first byte, ErrFrameOverflow when maxLen bytes
// are buffered without a complete frame and ErrEmptyFrame on two adjacent
// separators.
func (r *FrameReader) ReadFrame(maxLen int) ([]byte, error) {
	if maxLen <= 0 || maxLen > r.timing.MaxFrameLen {
		maxLen = r.timing.MaxFrameLen
	}

	buf := make([]byte, 0, maxLen)
	buf = append(buf, r.pending...)
	r.pending = nil

	start := r.now()
	var firstByte time.Time
	if len(buf) > 0 {
		firstByte = start
	}

	chunk := make([]byte, maxLen)
	scanned := 0
	frameStart := -1

	for {
		for ; scanned < len(buf); scanned++ {
			if buf[scanned] != Separator {
				continue
			}
			if frameStart < 0 {
				frameStart = scanned + 1
				continue
			}
			if scanned <= frameStart {
				return nil, ErrEmptyFrame
			}

			frame := append([]byte(nil), buf[frameStart:scanned]...)
			if rest := buf[scanned+1:]; len(rest) > 0 {
				r.pending = append([]byte(nil), rest...)
			}
			return frame, nil
		}

		if len(buf) >= maxLen {
			return nil, fmt.Errorf("%w: %d bytes", ErrFrameOverflow, len(buf))
		}

		now := r.now()
		if firstByte.IsZero() {
			if now.Sub(start) > r.timing.FirstByteTimeout {
				return nil, ErrNoData
			}
		} else if now.Sub(firstByte) > r.timing.InterByteTimeout {
			return nil, ErrIncomplete
		}

		n, err := r.src.Read(chunk[:maxLen-len(buf)])
		if n > 0 {
			if firstByte.IsZero() {
				firstByte = r.now()
			}
			buf = append(buf, chunk[:n]...)
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("uart: read: %w", err)
		}
		if n == 0 {
			r.sleep(r.timing.PollInterval)
		}
	}
}
