package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrTimeout marks a capture that exceeded the hard deadline. The file at
// the output path must not be assumed valid.
var ErrTimeout = errors.New("capture timed out")

// Settings are the camera parameters translated into capture tool flags.
type Settings struct {
	Resolution   string // "max" keeps the sensor's native size
	Quality      int
	Rotation     int
	HFlip        bool
	VFlip        bool
	ISO          string // "auto" or a numeric value, mapped to analogue gain
	ShutterSpeed string // "auto" or microseconds
	AWBMode      string
}

// RunFunc executes the capture tool. Injected in tests.
type RunFunc func(ctx context.Context, name string, args ...string) error

// Invoker builds and runs still captures with a hard timeout.
type Invoker struct {
	tool     string
	settings Settings
	timeout  time.Duration
	run      RunFunc
}

// DetectTool returns the still-capture command present on this system,
// preferring the newer rpicam naming.
func DetectTool() (string, error) {
	for _, name := range []string{"rpicam-still", "libcamera-still"} {
		if _, err := exec.LookPath(name); err == nil {
			return name, nil
		}
	}
	return "", fmt.Errorf("neither rpicam-still nor libcamera-still found")
}

// NewInvoker creates an invoker for the given tool and settings.
func NewInvoker(tool string, settings Settings, timeout time.Duration) *Invoker {
	return &Invoker{
		tool:     tool,
		settings: settings,
		timeout:  timeout,
		run:      runCommand,
	}
}

// WithRunner replaces the command runner. Used by tests.
func (i *Invoker) WithRunner(run RunFunc) *Invoker {
	i.run = run
	return i
}

// BuildArgs translates the settings into a capture tool argument list for
// the given output path.
func (i *Invoker) BuildArgs(outputPath string) []string {
	args := []string{"-o", outputPath, "-n", "-t", "1"}

	s := i.settings
	if s.Resolution != "" && s.Resolution != "max" {
		if w, h, ok := strings.Cut(s.Resolution, "x"); ok {
			args = append(args, "--width", w, "--height", h)
		}
	}
	if s.Quality > 0 {
		args = append(args, "--quality", strconv.Itoa(s.Quality))
	}
	if s.Rotation != 0 {
		args = append(args, "--rotation", strconv.Itoa(s.Rotation))
	}
	if s.HFlip {
		args = append(args, "--hflip")
	}
	if s.VFlip {
		args = append(args, "--vflip")
	}
	if s.ISO != "" && s.ISO != "auto" {
		if iso, err := strconv.ParseFloat(s.ISO, 64); err == nil {
			args = append(args, "--analoggain", strconv.FormatFloat(iso/100, 'g', -1, 64))
		}
	}
	if s.ShutterSpeed != "" && s.ShutterSpeed != "auto" {
		args = append(args, "--shutter", s.ShutterSpeed)
	}
	if s.AWBMode != "" {
		args = append(args, "--awb", s.AWBMode)
	}
	return args
}

// Capture runs one still capture writing to outputPath. A deadline overrun
// is reported as ErrTimeout; any other failure comes back as-is. The caller
// decides whether to proceed, a failed capture is never fatal here.
func (i *Invoker) Capture(ctx context.Context, outputPath string) error {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	args := i.BuildArgs(outputPath)
	slog.Debug("capturing image", "tool", i.tool, "args", strings.Join(args, " "))

	err := i.run(ctx, i.tool, args...)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %v", ErrTimeout, i.timeout)
		}
		return fmt.Errorf("capture tool failed: %w", err)
	}
	return nil
}

// Warmup performs low-resolution throwaway captures so the sensor settles
// before the first real capture. Failures are logged, never fatal.
func (i *Invoker) Warmup(ctx context.Context, count int) {
	if count <= 0 {
		return
	}
	slog.Info("warming up camera", "captures", count)
	tmp := os.TempDir() + "/printcam-warmup.jpg"
	for n := 0; n < count; n++ {
		wctx, cancel := context.WithTimeout(ctx, i.timeout)
		err := i.run(wctx, i.tool, "-o", tmp, "-n", "-t", "1", "--width", "640", "--height", "480")
		cancel()
		if err != nil {
			slog.Warn("warmup capture failed", "attempt", n+1, "error", err)
		}
		time.Sleep(500 * time.Millisecond)
	}
	os.Remove(tmp)
	slog.Info("camera warmup complete")
}

func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return fmt.Errorf("%w, stderr: %s", err, strings.TrimSpace(stderr.String()))
		}
		return err
	}
	return nil
}

var patternToken = regexp.MustCompile(`\{(counter|timestamp|date|time)(?::0(\d+)d)?\}`)

// RenderPattern expands a filename pattern. Supported substitutions:
// {counter} (optionally {counter:0Nd} for zero padding), {timestamp}
// (unix seconds), {date} (YYYYMMDD) and {time} (HHMMSS).
func RenderPattern(pattern string, counter int, now time.Time) string {
	return patternToken.ReplaceAllStringFunc(pattern, func(tok string) string {
		m := patternToken.FindStringSubmatch(tok)
		width := 0
		if m[2] != "" {
			width, _ = strconv.Atoi(m[2])
		}
		switch m[1] {
		case "counter":
			return fmt.Sprintf("%0*d", width, counter)
		case "timestamp":
			return strconv.FormatInt(now.Unix(), 10)
		case "date":
			return now.Format("20060102")
		case "time":
			return now.Format("150405")
		}
		return tok
	})
}
