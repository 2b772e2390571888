package uploader

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"
)

// Client uploads snapshots to Prusa Connect, enforcing a minimum interval
// between successful uploads. Captures arriving inside the window are
// skipped silently; that is the designed throttle, not a fault.
type Client struct {
	url         string
	token       string
	fingerprint string
	minInterval time.Duration
	httpClient  *http.Client

	// mu is held across the check and the transfer so that concurrent
	// capture completions cannot both pass the interval check. The window
	// only advances on a confirmed 2xx.
	mu         sync.Mutex
	lastUpload time.Time
	now        func() time.Time
}

// NewClient creates an uploader. token must be non-empty; fingerprint is
// optional request metadata.
func NewClient(url, token, fingerprint string, minInterval time.Duration) *Client {
	return &Client{
		url:         url,
		token:       token,
		fingerprint: fingerprint,
		minInterval: minInterval,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		now:         time.Now,
	}
}

// Upload sends the file at path as a binary PUT. It reports uploaded=false
// with a nil error when the throttle window suppressed the transfer, and a
// non-nil error for transport or HTTP failures. Failures never invalidate
// the capture and never advance the throttle window.
func (c *Client) Upload(ctx context.Context, path string) (uploaded bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elapsed := c.now().Sub(c.lastUpload); elapsed < c.minInterval {
		slog.Debug("skipping upload, interval not reached", "elapsed", elapsed, "min", c.minInterval)
		return false, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("read snapshot: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.url, bytes.NewReader(data))
	if err != nil {
		return false, err
	}
	req.Header.Set("Token", c.token)
	req.Header.Set("Content-Type", "image/jpg")
	if c.fingerprint != "" {
		req.Header.Set("Fingerprint", c.fingerprint)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("upload snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("upload rejected with status %d", resp.StatusCode)
	}

	c.lastUpload = c.now()
	slog.Debug("snapshot uploaded", "path", path)
	return true, nil
}

// WithClock replaces the time source. Used by tests.
func (c *Client) WithClock(now func() time.Time) *Client {
	c.now = now
	return c
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}
