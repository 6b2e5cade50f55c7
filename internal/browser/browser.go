// Package browser defines the capability set the automation core needs from
// a headless browser, and provides a chromedp-backed driver plus a scriptable
// fake for tests. The core consumes only the Driver interface; everything
// Chrome-specific stays behind it.
package browser

import (
	"context"
	"time"
)

// Response is a completed network response observed by the driver. Body is
// only populated for responses the driver managed to read before the page
// moved on.
type Response struct {
	URL          string
	Status       int
	MimeType     string
	ResourceType string // "Fetch", "XHR", "Document", ...
	Body         []byte
}

// ResponseHandler receives observed responses. Handlers must not block; the
// driver calls them from its event loop.
type ResponseHandler func(Response)

// Rect is an element bounding box in page coordinates.
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"width"`
	H float64 `json:"height"`
}

// Driver is the minimal browser capability set consumed by the core.
type Driver interface {
	// Launch starts the browser. It must be called before any other method.
	Launch(ctx context.Context) error

	// Goto navigates the page and waits for the load event or ctx deadline.
	Goto(ctx context.Context, url string) error

	// WaitForSelector blocks until the selector is visible or timeout expires.
	WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error

	// Evaluate runs a JavaScript expression and unmarshals its result into out.
	// Pass a nil out to discard the result.
	Evaluate(ctx context.Context, expr string, out any) error

	// Click clicks the first element matching the CSS selector.
	Click(ctx context.Context, selector string) error

	// MouseClickAt dispatches a raw mouse click at page coordinates.
	MouseClickAt(ctx context.Context, x, y float64) error

	// Screenshot captures the visible viewport as PNG.
	Screenshot(ctx context.Context) ([]byte, error)

	// OnResponse registers a handler for observed network responses.
	// Handlers registered before navigation see that navigation's responses.
	OnResponse(fn ResponseHandler)

	// CurrentURL returns the page's current location.
	CurrentURL(ctx context.Context) (string, error)

	// Close releases the browser and all its resources.
	Close() error
}
