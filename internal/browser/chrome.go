package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/cropwatch/irrigation.report/internal/monitoring"
)

// Chrome drives a headless (or headed, for operator-supervised learning runs)
// Chrome instance via the DevTools protocol.
type Chrome struct {
	headless bool

	browserCtx  context.Context
	allocCancel context.CancelFunc
	ctxCancel   context.CancelFunc

	mu       sync.Mutex
	handlers []ResponseHandler
	// responses seen but whose bodies are not yet readable; bodies become
	// available on EventLoadingFinished
	pending map[network.RequestID]*network.EventResponseReceived
}

// NewChrome creates an unlaunched Chrome driver.
func NewChrome(headless bool) *Chrome {
	return &Chrome{
		headless: headless,
		pending:  make(map[network.RequestID]*network.EventResponseReceived),
	}
}

// Launch starts the browser process and enables network observation.
func (c *Chrome) Launch(ctx context.Context) error {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", c.headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.WindowSize(1440, 900),
		chromedp.Flag("lang", "ko-KR"),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, ctxCancel := chromedp.NewContext(allocCtx)

	if err := chromedp.Run(browserCtx, network.Enable()); err != nil {
		ctxCancel()
		allocCancel()
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	c.browserCtx = browserCtx
	c.allocCancel = allocCancel
	c.ctxCancel = ctxCancel

	chromedp.ListenTarget(browserCtx, c.handleTargetEvent)
	return nil
}

// handleTargetEvent pairs response metadata with loading-finished events and
// reads bodies off the protocol once they are complete.
func (c *Chrome) handleTargetEvent(ev any) {
	switch e := ev.(type) {
	case *network.EventResponseReceived:
		c.mu.Lock()
		c.pending[e.RequestID] = e
		c.mu.Unlock()
	case *network.EventLoadingFinished:
		c.mu.Lock()
		resp, ok := c.pending[e.RequestID]
		delete(c.pending, e.RequestID)
		handlers := append([]ResponseHandler(nil), c.handlers...)
		c.mu.Unlock()
		if !ok || len(handlers) == 0 {
			return
		}
		// body reads must not block the event loop
		go c.dispatchBody(e.RequestID, resp, handlers)
	}
}

func (c *Chrome) dispatchBody(id network.RequestID, resp *network.EventResponseReceived, handlers []ResponseHandler) {
	cc := chromedp.FromContext(c.browserCtx)
	body, err := network.GetResponseBody(id).Do(cdp.WithExecutor(c.browserCtx, cc.Target))
	if err != nil {
		// bodies for redirects and cached hits are routinely unreadable
		return
	}
	r := Response{
		URL:          resp.Response.URL,
		Status:       int(resp.Response.Status),
		MimeType:     resp.Response.MimeType,
		ResourceType: string(resp.Type),
		Body:         body,
	}
	for _, fn := range handlers {
		fn(r)
	}
}

// Goto navigates and waits for the page load event.
func (c *Chrome) Goto(ctx context.Context, url string) error {
	tctx, cancel := c.merge(ctx)
	defer cancel()
	if err := chromedp.Run(tctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	return nil
}

// WaitForSelector blocks until the selector is visible or timeout expires.
func (c *Chrome) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	tctx, cancel := context.WithTimeout(c.browserCtx, timeout)
	defer cancel()
	if err := chromedp.Run(tctx, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("selector %q not visible within %s: %w", selector, timeout, err)
	}
	return nil
}

// Evaluate runs a JavaScript expression in the page.
func (c *Chrome) Evaluate(ctx context.Context, expr string, out any) error {
	tctx, cancel := c.merge(ctx)
	defer cancel()
	if out == nil {
		var discard any
		out = &discard
	}
	if err := chromedp.Run(tctx, chromedp.Evaluate(expr, out)); err != nil {
		return fmt.Errorf("evaluate failed: %w", err)
	}
	return nil
}

// Click clicks the first element matching the selector.
func (c *Chrome) Click(ctx context.Context, selector string) error {
	tctx, cancel := c.merge(ctx)
	defer cancel()
	if err := chromedp.Run(tctx, chromedp.Click(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("click on %q failed: %w", selector, err)
	}
	return nil
}

// MouseClickAt dispatches a raw mouse click at page coordinates.
func (c *Chrome) MouseClickAt(ctx context.Context, x, y float64) error {
	tctx, cancel := c.merge(ctx)
	defer cancel()
	if err := chromedp.Run(tctx, chromedp.MouseClickXY(x, y)); err != nil {
		return fmt.Errorf("mouse click at (%.0f,%.0f) failed: %w", x, y, err)
	}
	return nil
}

// Screenshot captures the visible viewport as PNG.
func (c *Chrome) Screenshot(ctx context.Context) ([]byte, error) {
	tctx, cancel := c.merge(ctx)
	defer cancel()
	var buf []byte
	if err := chromedp.Run(tctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}
	return buf, nil
}

// OnResponse registers a network response handler.
func (c *Chrome) OnResponse(fn ResponseHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, fn)
}

// CurrentURL returns the page's current location.
func (c *Chrome) CurrentURL(ctx context.Context) (string, error) {
	var loc string
	tctx, cancel := c.merge(ctx)
	defer cancel()
	if err := chromedp.Run(tctx, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("failed to read location: %w", err)
	}
	return loc, nil
}

// Close shuts the browser down. Safe to call after a failed Launch.
func (c *Chrome) Close() error {
	if c.ctxCancel != nil {
		c.ctxCancel()
	}
	if c.allocCancel != nil {
		c.allocCancel()
	}
	monitoring.Logf("browser closed")
	return nil
}

// merge derives a chromedp-compatible context that also respects the caller's
// cancellation and deadline.
func (c *Chrome) merge(ctx context.Context) (context.Context, context.CancelFunc) {
	var tctx context.Context
	var cancel context.CancelFunc
	if deadline, ok := ctx.Deadline(); ok {
		tctx, cancel = context.WithDeadline(c.browserCtx, deadline)
	} else {
		tctx, cancel = context.WithCancel(c.browserCtx)
	}
	stop := context.AfterFunc(ctx, cancel)
	return tctx, func() {
		stop()
		cancel()
	}
}
