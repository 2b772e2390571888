//go:build linux

package trigger

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/warthog618/go-gpiocdev"
)

// Watcher owns the GPIO trigger line and turns debounced edges into Events.
type Watcher struct {
	line     *gpiocdev.Line
	events   chan Event
	debounce *Debouncer
}

// WatcherConfig describes the line to watch.
type WatcherConfig struct {
	Chip     string
	Pin      int
	Pull     string // "up" or "down"
	Edge     string // "rising", "falling" or "both"
	Debounce time.Duration
}

// NewWatcher requests the trigger line and starts delivering events.
// Events are dropped, not queued, when the consumer falls behind.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	w := &Watcher{
		events:   make(chan Event, 8),
		debounce: NewDebouncer(cfg.Debounce),
	}

	opts := []gpiocdev.LineReqOption{
		gpiocdev.AsInput,
		gpiocdev.WithEventHandler(w.handleEdge),
	}
	if strings.ToLower(cfg.Pull) == "up" {
		opts = append(opts, gpiocdev.WithPullUp)
	} else {
		opts = append(opts, gpiocdev.WithPullDown)
	}
	switch strings.ToLower(cfg.Edge) {
	case "rising":
		opts = append(opts, gpiocdev.WithRisingEdge)
	case "falling":
		opts = append(opts, gpiocdev.WithFallingEdge)
	default:
		opts = append(opts, gpiocdev.WithBothEdges)
	}
	if cfg.Debounce > 0 {
		opts = append(opts, gpiocdev.WithDebounce(cfg.Debounce))
	}

	line, err := gpiocdev.RequestLine(cfg.Chip, cfg.Pin, opts...)
	if err != nil {
		// Older kernels reject uAPI v2 debounce; retry without it and rely
		// on the software debouncer.
		if cfg.Debounce > 0 {
			line, err = gpiocdev.RequestLine(cfg.Chip, cfg.Pin, opts[:len(opts)-1]...)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to request line %d on %s: %w", cfg.Pin, cfg.Chip, err)
		}
	}

	w.line = line
	slog.Info("GPIO trigger configured", "chip", cfg.Chip, "pin", cfg.Pin, "edge", cfg.Edge, "debounce", cfg.Debounce)
	return w, nil
}

// Events returns the channel of trigger events.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

func (w *Watcher) handleEdge(evt gpiocdev.LineEvent) {
	now := time.Now()
	if !w.debounce.Allow(now) {
		return
	}
	select {
	case w.events <- Event{Source: SourceLayer, Time: now}:
	default:
		slog.Warn("trigger event dropped, consumer busy", "seqno", evt.Seqno)
	}
}

// Close releases the GPIO line.
func (w *Watcher) Close() {
	if w.line != nil {
		w.line.Close()
	}
}
