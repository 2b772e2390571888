//go:build !linux

package trigger

import (
	"fmt"
	"time"
)

// Watcher is a stub on platforms without GPIO character devices.
type Watcher struct{}

// WatcherConfig describes the line to watch.
type WatcherConfig struct {
	Chip     string
	Pin      int
	Pull     string
	Edge     string
	Debounce time.Duration
}

// NewWatcher always fails off-linux; the service runs degraded with
// interval captures only.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	return nil, fmt.Errorf("gpio trigger not available on this platform")
}

func (w *Watcher) Events() <-chan Event { return nil }

func (w *Watcher) Close() {}
