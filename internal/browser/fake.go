package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Fake is a scriptable in-memory Driver for tests. Navigations, clicks and
// evaluated expressions are recorded; network responses and JavaScript
// results are played back from the test's script.
type Fake struct {
	mu       sync.Mutex
	handlers []ResponseHandler

	// Script
	// ResponsesByURL emits the listed responses to OnResponse handlers when a
	// navigation URL contains the map key.
	ResponsesByURL map[string][]Response
	// EvalFunc answers Evaluate calls. The returned value is JSON round
	// tripped into the caller's out parameter.
	EvalFunc func(expr string) (any, error)
	// FailSelectors makes WaitForSelector fail for the listed selectors.
	FailSelectors map[string]bool
	// ScreenshotPNG is returned by Screenshot.
	ScreenshotPNG []byte
	// GotoErr, when set, fails every navigation.
	GotoErr error

	// Recording
	Navigations []string
	Clicks      []string
	MouseClicks [][2]float64
	Evaluated   []string

	launched bool
	location string
}

// NewFake returns an empty scriptable driver.
func NewFake() *Fake {
	return &Fake{
		ResponsesByURL: make(map[string][]Response),
		FailSelectors:  make(map[string]bool),
		ScreenshotPNG:  []byte("png"),
	}
}

func (f *Fake) Launch(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launched = true
	return nil
}

func (f *Fake) Goto(ctx context.Context, url string) error {
	f.mu.Lock()
	if !f.launched {
		f.mu.Unlock()
		return fmt.Errorf("fake browser not launched")
	}
	if f.GotoErr != nil {
		err := f.GotoErr
		f.mu.Unlock()
		return err
	}
	f.Navigations = append(f.Navigations, url)
	f.location = url
	handlers := append([]ResponseHandler(nil), f.handlers...)
	var emit []Response
	for key, responses := range f.ResponsesByURL {
		if strings.Contains(url, key) {
			emit = append(emit, responses...)
		}
	}
	f.mu.Unlock()

	for _, r := range emit {
		for _, fn := range handlers {
			fn(r)
		}
	}
	return nil
}

func (f *Fake) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailSelectors[selector] {
		return fmt.Errorf("selector %q not visible within %s", selector, timeout)
	}
	return nil
}

func (f *Fake) Evaluate(ctx context.Context, expr string, out any) error {
	f.mu.Lock()
	f.Evaluated = append(f.Evaluated, expr)
	fn := f.EvalFunc
	f.mu.Unlock()

	if fn == nil || out == nil {
		return nil
	}
	v, err := fn(expr)
	if err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("fake evaluate result not marshalable: %w", err)
	}
	return json.Unmarshal(raw, out)
}

func (f *Fake) Click(ctx context.Context, selector string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Clicks = append(f.Clicks, selector)
	return nil
}

func (f *Fake) MouseClickAt(ctx context.Context, x, y float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.MouseClicks = append(f.MouseClicks, [2]float64{x, y})
	return nil
}

func (f *Fake) Screenshot(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ScreenshotPNG, nil
}

func (f *Fake) OnResponse(fn ResponseHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, fn)
}

func (f *Fake) CurrentURL(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.location, nil
}

func (f *Fake) Close() error {
	return nil
}
