package trigger

import (
	"sync"
	"time"
)

// Trigger source labels, recorded with each capture.
const (
	SourceLayer  = "layer"  // hardware edge from the printer board
	SourceTime   = "time"   // periodic capture worker
	SourceManual = "manual" // control API or CLI
)

// Event is a single capture request. Produced by a watcher or the periodic
// worker, consumed immediately by the session coordinator.
type Event struct {
	Source string
	Time   time.Time
}

// Debouncer suppresses events that arrive within the configured window of
// the previous accepted event. The kernel already debounces the line where
// supported; this guard covers kernels without uAPI debounce and keeps the
// behavior testable.
type Debouncer struct {
	mu     sync.Mutex
	window time.Duration
	last   time.Time
}

// NewDebouncer creates a debouncer with the given suppression window.
// A zero window accepts every event.
func NewDebouncer(window time.Duration) *Debouncer {
	return &Debouncer{window: window}
}

// Allow reports whether an event at time t should be emitted, and records
// it as the last accepted event if so.
func (d *Debouncer) Allow(t time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.last.IsZero() && t.Sub(d.last) < d.window {
		return false
	}
	d.last = t
	return true
}
