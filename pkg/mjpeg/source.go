package mjpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
)

// Options describe the continuous video process feeding the framer.
type Options struct {
	Width   int
	Height  int
	FPS     int
	Quality int
}

// DetectTool returns the video-capture command present on this system,
// preferring the newer rpicam naming.
func DetectTool() (string, error) {
	for _, name := range []string{"rpicam-vid", "libcamera-vid"} {
		if _, err := exec.LookPath(name); err == nil {
			return name, nil
		}
	}
	return "", fmt.Errorf("neither rpicam-vid nor libcamera-vid found")
}

// Broadcaster distributes frames from one producer to any number of viewer
// subscriptions. Slow subscribers drop frames rather than stall the
// producer.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[chan []byte]struct{}
	closed bool
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan []byte]struct{})}
}

// Subscribe returns a frame channel and a cleanup function. The channel is
// closed when the upstream source ends. The caller must call the cleanup
// when done (e.g. on viewer disconnect).
func (b *Broadcaster) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 4)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
	}
	return ch, unsub
}

// Publish fans a frame out to all subscribers, skipping any whose buffer
// is full.
func (b *Broadcaster) Publish(frame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- frame:
		default:
			// viewer not keeping up, drop this frame for it
		}
	}
}

// Close ends all subscriptions. Further Subscribe calls get a closed
// channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}

// Source runs one continuous capture process and feeds every connected
// viewer through a broadcaster, so the camera never has to be opened more
// than once no matter how many viewers are streaming.
type Source struct {
	tool string
	opts Options
	b    *Broadcaster
}

// NewSource creates a source for the given tool and stream options.
func NewSource(tool string, opts Options) *Source {
	return &Source{tool: tool, opts: opts, b: NewBroadcaster()}
}

// Subscribe attaches a viewer to the shared frame sequence.
func (s *Source) Subscribe() (<-chan []byte, func()) {
	return s.b.Subscribe()
}

// Run starts the capture process and pumps frames until the process exits
// or ctx is cancelled. All subscriptions are closed on the way out.
func (s *Source) Run(ctx context.Context) error {
	defer s.b.Close()

	cmd := exec.CommandContext(ctx, s.tool,
		"--width", strconv.Itoa(s.opts.Width),
		"--height", strconv.Itoa(s.opts.Height),
		"--framerate", strconv.Itoa(s.opts.FPS),
		"--codec", "mjpeg",
		"--quality", strconv.Itoa(s.opts.Quality),
		"-t", "0", // run indefinitely
		"-n",
		"-o", "-",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", s.tool, err)
	}
	slog.Info("started camera streaming process", "command", s.tool,
		"width", s.opts.Width, "height", s.opts.Height, "fps", s.opts.FPS)

	s.pump(stdout)

	if err := cmd.Wait(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("streaming process exited: %w", err)
	}
	return nil
}

// pump drives the framer and broadcasts every extracted frame.
func (s *Source) pump(r io.Reader) {
	framer := NewFramer(r)
	for {
		frame, err := framer.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Error("stream read error", "error", err)
			}
			return
		}
		s.b.Publish(frame)
	}
}
