// Package chart translates detected event indices into page clicks on the
// rendered moisture chart. The hosting chart library snaps clicks to the
// nearest sample on the x axis, so a linear index→pixel mapping is enough.
package chart

import (
	"context"
	"fmt"
	"time"

	"github.com/cropwatch/irrigation.report/internal/browser"
	"github.com/cropwatch/irrigation.report/internal/config"
	"github.com/cropwatch/irrigation.report/internal/hssp"
	"github.com/cropwatch/irrigation.report/internal/learning"
	"github.com/cropwatch/irrigation.report/internal/monitoring"
	"github.com/cropwatch/irrigation.report/internal/timeutil"
)

const (
	// VerticalLift raises the click off the chart's vertical midline so it
	// lands inside the library's clickable band.
	VerticalLift = 15

	// SettleDelay is the pause after each dispatched click before readback.
	SettleDelay = 750 * time.Millisecond

	// DecisionTimeout bounds the operator wait in learning mode; on expiry
	// the planned clicks are confirmed.
	DecisionTimeout = 30 * time.Second

	// decisionPollInterval is how often the on-page review state is polled.
	decisionPollInterval = 500 * time.Millisecond
)

// timeInputSelector matches the two irrigation-time form fields.
const timeInputSelector = `input[type="time"]`

// Coordinator places clicks for detected events.
type Coordinator struct {
	driver browser.Driver
	clock  timeutil.Clock
	store  *learning.Store

	// Mode is read per placement so live mode switches take effect.
	Mode func() config.Mode
	// Offsets, when non-nil, shifts every computed coordinate. Populated
	// from the learning store at run start in non-learning modes.
	Offsets *learning.Offsets
}

// NewCoordinator wires a coordinator to a driver.
func NewCoordinator(driver browser.Driver, clock timeutil.Clock, store *learning.Store, mode func() config.Mode) *Coordinator {
	return &Coordinator{driver: driver, clock: clock, store: store, Mode: mode}
}

// PointFor maps a sample index to page coordinates inside the chart rect.
func PointFor(rect browser.Rect, idx, n int) learning.PointXY {
	return learning.PointXY{
		X: rect.X + float64(idx)/float64(n)*rect.W,
		Y: rect.Y + rect.H/2 - VerticalLift,
	}
}

// Placement is the outcome of PlaceClicks.
type Placement struct {
	// Clicked reports whether clicks were actually dispatched (false in
	// watch mode and on operator skip).
	Clicked bool
	// Clicks is the number of clicks dispatched. A slot that already holds a
	// time is never clicked, so this is 0, 1, or 2.
	Clicks int
	// Skipped reports an explicit operator skip in learning mode.
	Skipped bool
	// First and Last are the coordinates that were (or would have been) used.
	First, Last learning.PointXY
}

// PlaceClicks fills the unfilled irrigation-time slots for the detected
// events. needFirst/needLast come from the table state; a slot the operator
// already filled is left alone. n is the series length; farm and date
// annotate learning samples.
func (c *Coordinator) PlaceClicks(ctx context.Context, rect browser.Rect, first, last hssp.Event, n int, needFirst, needLast bool, farm, date string) (Placement, error) {
	p1 := PointFor(rect, first.PeakIndex, n)
	p2 := PointFor(rect, last.PeakIndex, n)

	mode := c.Mode()
	if mode != config.ModeLearning && c.Offsets != nil && c.Offsets.SampleCount > 0 {
		p1.X += c.Offsets.First.X
		p1.Y += c.Offsets.First.Y
		p2.X += c.Offsets.Last.X
		p2.Y += c.Offsets.Last.Y
	}
	placement := Placement{First: p1, Last: p2}

	switch mode {
	case config.ModeWatch:
		monitoring.Logf("watch mode: planned clicks first=(%.0f,%.0f) last=(%.0f,%.0f) needFirst=%t needLast=%t",
			p1.X, p1.Y, p2.X, p2.Y, needFirst, needLast)
		return placement, nil
	case config.ModeLearning:
		confirmed, err := c.reviewWithOperator(ctx, p1, p2, farm, date)
		if err != nil {
			return placement, err
		}
		if !confirmed {
			placement.Skipped = true
			monitoring.Logf("operator skipped clicks for %s %s", farm, date)
			return placement, nil
		}
	}

	if needFirst {
		if err := c.clickSlot(ctx, 0, p1); err != nil {
			return placement, fmt.Errorf("first slot click failed: %w", err)
		}
		placement.Clicks++
	}
	if needLast {
		if err := c.clickSlot(ctx, 1, p2); err != nil {
			return placement, fmt.Errorf("last slot click failed: %w", err)
		}
		placement.Clicks++
	}
	placement.Clicked = placement.Clicks > 0
	return placement, nil
}

// clickSlot focuses the slot's time input, clicks the chart coordinate, and
// lets the page settle.
func (c *Coordinator) clickSlot(ctx context.Context, slot int, p learning.PointXY) error {
	focus := fmt.Sprintf(`(() => { const el = document.querySelectorAll('%s')[%d]; if (el) el.focus(); })()`, timeInputSelector, slot)
	if err := c.driver.Evaluate(ctx, focus, nil); err != nil {
		return err
	}
	if err := c.driver.MouseClickAt(ctx, p.X, p.Y); err != nil {
		return err
	}
	c.clock.Sleep(SettleDelay)
	return nil
}

// reviewState mirrors the on-page review object set up by the overlay script.
type reviewState struct {
	Decision string           `json:"decision"`
	Clicks   []learning.PointXY `json:"clicks"`
}

// reviewWithOperator draws overlay markers (red = first, blue = last), waits
// for the operator to confirm or skip, and records a training sample. On
// timeout the planned clicks are confirmed.
func (c *Coordinator) reviewWithOperator(ctx context.Context, p1, p2 learning.PointXY, farm, date string) (bool, error) {
	overlay := fmt.Sprintf(`(() => {
  window.__irrigReview = { decision: null, clicks: [] };
  const mark = (x, y, color) => {
    const d = document.createElement('div');
    d.className = 'irrig-marker';
    d.style.cssText = 'position:fixed;left:' + (x-6) + 'px;top:' + (y-6) + 'px;' +
      'width:12px;height:12px;border-radius:50%%;background:' + color + ';z-index:99999;pointer-events:none;';
    document.body.appendChild(d);
  };
  mark(%f, %f, 'red');
  mark(%f, %f, 'blue');
  document.addEventListener('keydown', (e) => {
    if (e.key === 'Enter') window.__irrigReview.decision = 'confirm';
    if (e.key === 'Escape') window.__irrigReview.decision = 'skip';
  });
  document.addEventListener('click', (e) => {
    window.__irrigReview.clicks.push({ x: e.clientX, y: e.clientY });
  }, true);
})()`, p1.X, p1.Y, p2.X, p2.Y)

	if err := c.driver.Evaluate(ctx, overlay, nil); err != nil {
		return false, fmt.Errorf("failed to draw review overlay: %w", err)
	}
	defer func() {
		cleanup := `document.querySelectorAll('.irrig-marker').forEach((n) => n.remove())`
		_ = c.driver.Evaluate(ctx, cleanup, nil)
	}()

	state := reviewState{}
	deadline := c.clock.Now().Add(DecisionTimeout)
	for c.clock.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}
		if err := c.driver.Evaluate(ctx, `window.__irrigReview`, &state); err != nil {
			return false, fmt.Errorf("failed to poll review state: %w", err)
		}
		if state.Decision != "" {
			break
		}
		c.clock.Sleep(decisionPollInterval)
	}

	decision := state.Decision
	if decision == "" {
		decision = "confirm" // timeout defaults to confirm
	}

	if c.store != nil {
		algorithm := learning.SlotPair{First: p1, Last: p2}
		var user *learning.SlotPair
		if len(state.Clicks) >= 2 {
			user = &learning.SlotPair{First: state.Clicks[0], Last: state.Clicks[1]}
		} else if len(state.Clicks) == 1 {
			user = &learning.SlotPair{First: state.Clicks[0], Last: state.Clicks[0]}
		}
		sample := learning.NewSample(c.clock.Now(), farm, date, algorithm, user, decision)
		if err := c.store.Append(sample); err != nil {
			monitoring.Logf("failed to persist training sample: %v", err)
		}
	}

	return decision == "confirm", nil
}
