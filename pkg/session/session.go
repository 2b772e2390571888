package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const metadataFile = "metadata.json"

// Metadata is the JSON document written into each session directory.
// It is created when the session starts and finalized when it ends.
type Metadata struct {
	ID             string     `json:"id"`
	StartTime      time.Time  `json:"start_time"`
	EndTime        *time.Time `json:"end_time,omitempty"`
	TotalImages    int        `json:"total_images"`
	ConfigSnapshot any        `json:"config_snapshot,omitempty"`
}

// Status is a read-only snapshot of the coordinator state.
type Status struct {
	Active    bool      `json:"active"`
	ID        string    `json:"id,omitempty"`
	StartTime time.Time `json:"start_time,omitzero"`
	Captures  int       `json:"captures"`
	Dir       string    `json:"dir,omitempty"`
}

// Coordinator owns the print-session state machine: at most one session is
// active at a time, and the capture counter only moves while one is.
// All mutation goes through the single mutex.
type Coordinator struct {
	baseDir        string
	organizeByDate bool
	configSnapshot any

	mu        sync.Mutex
	active    bool
	id        string
	startTime time.Time
	counter   int
	dir       string
}

// NewCoordinator creates an idle coordinator. configSnapshot is embedded in
// each session's metadata; nil is allowed.
func NewCoordinator(baseDir string, organizeByDate bool, configSnapshot any) *Coordinator {
	return &Coordinator{
		baseDir:        baseDir,
		organizeByDate: organizeByDate,
		configSnapshot: configSnapshot,
	}
}

// Begin transitions Idle -> Active: it allocates the session directory,
// writes initial metadata and resets the capture counter. When a session
// is already active it reports started=false and does nothing, so
// near-simultaneous triggers cannot create two sessions.
func (c *Coordinator) Begin(now time.Time) (started bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active {
		return false, nil
	}

	dir, err := c.allocateDir(now)
	if err != nil {
		return false, err
	}

	id := uuid.NewString()
	meta := Metadata{
		ID:             id,
		StartTime:      now,
		ConfigSnapshot: c.configSnapshot,
	}
	if err := writeMetadata(dir, &meta); err != nil {
		return false, err
	}

	c.active = true
	c.id = id
	c.startTime = now
	c.counter = 0
	c.dir = dir
	return true, nil
}

func (c *Coordinator) allocateDir(now time.Time) (string, error) {
	var base string
	if c.organizeByDate {
		base = filepath.Join(c.baseDir, now.Format("2006-01-02"), now.Format("150405"))
	} else {
		base = filepath.Join(c.baseDir, now.Format("20060102_150405"))
	}
	if err := os.MkdirAll(filepath.Dir(base), 0755); err != nil {
		return "", fmt.Errorf("create session directory: %w", err)
	}

	// Names are second-granular; two sessions starting within the same
	// second must not share a directory and clobber each other's metadata.
	dir := base
	for n := 2; ; n++ {
		err := os.Mkdir(dir, 0755)
		if err == nil {
			return dir, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("create session directory: %w", err)
		}
		dir = fmt.Sprintf("%s_%d", base, n)
	}
}

// Active reports whether a session is in progress.
func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Dir returns the active session's output directory, or "" when idle.
func (c *Coordinator) Dir() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dir
}

// NextSequence returns the sequence number the next successful capture will
// get. The caller serializes captures, so the value stays stable between
// NextSequence and CommitCapture.
func (c *Coordinator) NextSequence() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counter + 1
}

// CommitCapture records one successful capture and returns the new total.
// Failed captures are never committed, so the counter matches the files
// actually written.
func (c *Coordinator) CommitCapture() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return c.counter
	}
	c.counter++
	return c.counter
}

// End transitions Active -> Idle and finalizes the metadata with the end
// time and total image count. Ending an idle coordinator is a no-op.
func (c *Coordinator) End(now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active {
		return nil
	}

	meta, err := readMetadata(c.dir)
	if err != nil {
		return fmt.Errorf("finalize session metadata: %w", err)
	}
	meta.EndTime = &now
	meta.TotalImages = c.counter
	if err := writeMetadata(c.dir, meta); err != nil {
		return fmt.Errorf("finalize session metadata: %w", err)
	}

	// Only deactivate once the metadata is safely finalized, so a failed
	// End can be retried with the counter intact.
	c.active = false
	return nil
}

// Snapshot returns the current state for the control API.
func (c *Coordinator) Snapshot() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Active:    c.active,
		ID:        c.id,
		StartTime: c.startTime,
		Captures:  c.counter,
		Dir:       c.dir,
	}
}

func writeMetadata(dir string, meta *Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, metadataFile), data, 0644)
}

func readMetadata(dir string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// Load reads the metadata document from a session directory.
func Load(dir string) (*Metadata, error) {
	return readMetadata(dir)
}

// FinalizeDir stamps an end time onto a session directory's metadata if it
// has none yet. Used by the compile command on sessions that were never
// closed by the daemon.
func FinalizeDir(dir string, now time.Time) (*Metadata, error) {
	meta, err := readMetadata(dir)
	if err != nil {
		return nil, err
	}
	if meta.EndTime == nil {
		meta.EndTime = &now
		if err := writeMetadata(dir, meta); err != nil {
			return nil, err
		}
	}
	return meta, nil
}

// LatestDir returns the most recently started session directory under
// baseDir, identified by its metadata file.
func LatestDir(baseDir string) (string, error) {
	var latest string
	var latestStart time.Time

	err := filepath.WalkDir(baseDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != metadataFile {
			return nil
		}
		meta, err := readMetadata(filepath.Dir(path))
		if err != nil {
			return nil // unreadable metadata is skipped, not fatal
		}
		if meta.StartTime.After(latestStart) {
			latestStart = meta.StartTime
			latest = filepath.Dir(path)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if latest == "" {
		return "", fmt.Errorf("no sessions found under %s", baseDir)
	}
	return latest, nil
}
