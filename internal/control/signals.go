// Package control is the localhost control plane: run signals shared with
// the orchestrator, the SSE broadcaster, and the dashboard HTTP server.
package control

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cropwatch/irrigation.report/internal/config"
	"github.com/cropwatch/irrigation.report/internal/timeutil"
)

// ErrAlreadyStarted reports a second start request while a run is active.
var ErrAlreadyStarted = errors.New("run already started")

// startPollInterval is how often WaitUntilStarted re-checks the flag.
const startPollInterval = 500 * time.Millisecond

// Signals is the shared state between the control server and the
// orchestrator. The orchestrator only reads; the server writes in response
// to operator requests. All fields are last-write-wins.
type Signals struct {
	started    atomic.Bool
	shouldStop atomic.Bool
	mode       atomic.Value // config.Mode
	maxFarms   atomic.Int64

	mu  sync.Mutex
	cfg config.RunConfig
}

func NewSignals() *Signals {
	s := &Signals{}
	s.mode.Store(config.ModeNormal)
	return s
}

// Start installs the run configuration and flips the started flag. Only the
// first call wins; later calls return ErrAlreadyStarted until Reset.
func (s *Signals) Start(cfg config.RunConfig) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.mode.Store(cfg.Mode)
	s.maxFarms.Store(int64(cfg.MaxFarms))
	return nil
}

// Reset clears all flags so a new run can be started.
func (s *Signals) Reset() {
	s.started.Store(false)
	s.shouldStop.Store(false)
	s.maxFarms.Store(0)
}

func (s *Signals) Started() bool { return s.started.Load() }

// RequestStop asks the orchestrator to stop at its next yield point.
func (s *Signals) RequestStop() { s.shouldStop.Store(true) }

func (s *Signals) ShouldStop() bool { return s.shouldStop.Load() }

// Mode returns the current run mode. Mutable mid-run via SetMode.
func (s *Signals) Mode() config.Mode {
	return s.mode.Load().(config.Mode)
}

func (s *Signals) SetMode(m config.Mode) { s.mode.Store(m) }

// MaxFarms returns the current farm limit. 0 means no limit.
func (s *Signals) MaxFarms() int { return int(s.maxFarms.Load()) }

// AddFarms raises the farm limit by n and returns the new limit.
func (s *Signals) AddFarms(n int) int {
	return int(s.maxFarms.Add(int64(n)))
}

// Config returns the run configuration installed by Start. MaxFarms and Mode
// must be read through their accessors; the copies here are the values at
// start time.
func (s *Signals) Config() config.RunConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// WaitUntilStarted blocks until Start has been called, polling every 500ms.
// There is no timeout; cancellation comes from ctx.
func (s *Signals) WaitUntilStarted(ctx context.Context, clock timeutil.Clock) error {
	for !s.started.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clock.After(startPollInterval):
		}
	}
	return nil
}
