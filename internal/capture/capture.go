// Package capture filters observed network responses for sensor payloads and
// holds the first match per navigation in a single-slot buffer. The
// orchestrator arms the buffer, navigates, then waits on it.
package capture

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cropwatch/irrigation.report/internal/browser"
	"github.com/cropwatch/irrigation.report/internal/timeutil"
)

// ErrCaptureTimeout reports that no sensor payload arrived before the deadline.
var ErrCaptureTimeout = errors.New("timed out waiting for sensor payload capture")

// PollInterval is how often Wait re-checks the slot.
const PollInterval = 100 * time.Millisecond

// Capture is a retained sensor payload.
type Capture struct {
	Body       []byte
	URL        string
	CapturedAt time.Time
}

// Buffer is a single-slot, overwrite-once capture cell. Arm starts a new
// navigation epoch and clears the slot; the first matching response offered
// afterwards is retained and later matches are ignored.
type Buffer struct {
	clock timeutil.Clock

	mu    sync.Mutex
	armed bool
	slot  *Capture
}

// NewBuffer creates a Buffer. It must be wired to the driver with
// driver.OnResponse(buf.Offer) before any navigation it should observe.
func NewBuffer(clock timeutil.Clock) *Buffer {
	return &Buffer{clock: clock}
}

// Arm starts a new capture epoch, discarding any previous capture.
func (b *Buffer) Arm() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.armed = true
	b.slot = nil
}

// Offer inspects a response and retains it if it is the epoch's first sensor
// payload. Safe to call from the driver's event loop.
func (b *Buffer) Offer(r browser.Response) {
	if !Wants(r) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.armed || b.slot != nil {
		return
	}
	body := make([]byte, len(r.Body))
	copy(body, r.Body)
	b.slot = &Capture{Body: body, URL: r.URL, CapturedAt: b.clock.Now()}
}

// Wait polls the slot until a capture arrives, ctx is canceled, or timeout
// expires.
func (b *Buffer) Wait(ctx context.Context, timeout time.Duration) (*Capture, error) {
	deadline := b.clock.Now().Add(timeout)
	for {
		b.mu.Lock()
		c := b.slot
		b.mu.Unlock()
		if c != nil {
			return c, nil
		}
		if !b.clock.Now().Before(deadline) {
			return nil, ErrCaptureTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		b.clock.Sleep(PollInterval)
	}
}

// Wants reports whether a response looks like a sensor-series payload:
// fetch/XHR, status 200, JSON content type, and a top-level node.* key.
func Wants(r browser.Response) bool {
	switch strings.ToLower(r.ResourceType) {
	case "fetch", "xhr":
	default:
		return false
	}
	if r.Status != 200 {
		return false
	}
	if !strings.Contains(strings.ToLower(r.MimeType), "json") {
		return false
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(r.Body, &top); err != nil {
		return false
	}
	for k := range top {
		if strings.HasPrefix(k, "node.") {
			return true
		}
	}
	return false
}
