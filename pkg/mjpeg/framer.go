package mjpeg

import (
	"bytes"
	"io"
)

// JPEG stream markers.
var (
	soi = []byte{0xFF, 0xD8} // start of image
	eoi = []byte{0xFF, 0xD9} // end of image
)

// DefaultMinFrameSize rejects marker matches that cannot be a real JPEG,
// which protects against spurious SOI/EOI pairs in corrupted streams.
const DefaultMinFrameSize = 100

// Framer splits an unbounded MJPEG byte stream into discrete JPEG frames.
// It is a lazy, non-restartable scanner: Next blocks on the underlying
// reader and returns io.EOF (or the reader's error) when the stream ends.
// A frame left unterminated at end-of-stream is discarded, never returned
// truncated.
type Framer struct {
	r        io.Reader
	buf      []byte
	pending  []byte
	minSize  int
	maxFrame int
}

// NewFramer wraps the byte stream of a continuously running capture
// process.
func NewFramer(r io.Reader) *Framer {
	return &Framer{
		r:        r,
		buf:      make([]byte, 4096),
		minSize:  DefaultMinFrameSize,
		maxFrame: 10 << 20, // reset if no EOI shows up within 10MB
	}
}

// WithMinFrameSize overrides the runt-frame threshold. Used by tests.
func (f *Framer) WithMinFrameSize(n int) *Framer {
	f.minSize = n
	return f
}

// Next returns the next complete marker-delimited JPEG frame. The returned
// slice is owned by the caller.
func (f *Framer) Next() ([]byte, error) {
	for {
		if frame, ok := f.extract(); ok {
			return frame, nil
		}

		n, err := f.r.Read(f.buf)
		if n > 0 {
			f.pending = append(f.pending, f.buf[:n]...)
		}
		if err != nil {
			// End of stream. Whatever is pending has no terminating
			// marker and is dropped.
			f.pending = nil
			return nil, err
		}

		if len(f.pending) > f.maxFrame {
			f.pending = nil
		}
	}
}

// extract scans pending for a complete frame, trimming noise before the
// first start marker as it goes.
func (f *Framer) extract() ([]byte, bool) {
	for {
		start := bytes.Index(f.pending, soi)
		if start < 0 {
			// Keep the trailing byte: it may be the first half of a start
			// marker split across reads.
			if n := len(f.pending); n > 1 {
				f.pending = f.pending[n-1:]
			}
			return nil, false
		}
		f.pending = f.pending[start:]

		end := bytes.Index(f.pending[2:], eoi)
		if end < 0 {
			return nil, false // need more data
		}
		frameLen := end + 2 + len(eoi)

		frame := make([]byte, frameLen)
		copy(frame, f.pending[:frameLen])

		rest := make([]byte, len(f.pending)-frameLen)
		copy(rest, f.pending[frameLen:])
		f.pending = rest

		if frameLen < f.minSize {
			continue // spurious marker pair, rescan
		}
		return frame, true
	}
}
