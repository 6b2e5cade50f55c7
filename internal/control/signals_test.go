package control

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cropwatch/irrigation.report/internal/config"
	"github.com/cropwatch/irrigation.report/internal/timeutil"
)

func TestSignalsStartOnce(t *testing.T) {
	s := NewSignals()
	if s.Started() {
		t.Fatal("fresh signals report started")
	}

	cfg := config.RunConfig{Manager: "김농장", Mode: config.ModeWatch, MaxFarms: 5}
	if err := s.Start(cfg); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.Start(cfg); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start: got %v, want ErrAlreadyStarted", err)
	}

	if !s.Started() {
		t.Error("Started not set")
	}
	if s.Mode() != config.ModeWatch {
		t.Errorf("Mode = %q", s.Mode())
	}
	if s.MaxFarms() != 5 {
		t.Errorf("MaxFarms = %d", s.MaxFarms())
	}
	if got := s.Config(); got.Manager != "김농장" {
		t.Errorf("Config = %+v", got)
	}
}

func TestSignalsStopAndReset(t *testing.T) {
	s := NewSignals()
	if err := s.Start(config.RunConfig{Manager: "m", Mode: config.ModeNormal}); err != nil {
		t.Fatal(err)
	}
	s.RequestStop()
	if !s.ShouldStop() {
		t.Error("stop flag not set")
	}

	s.Reset()
	if s.Started() || s.ShouldStop() || s.MaxFarms() != 0 {
		t.Error("Reset did not clear flags")
	}
	if err := s.Start(config.RunConfig{Manager: "m", Mode: config.ModeNormal}); err != nil {
		t.Errorf("Start after Reset failed: %v", err)
	}
}

func TestSignalsAddFarms(t *testing.T) {
	s := NewSignals()
	if err := s.Start(config.RunConfig{Manager: "m", Mode: config.ModeNormal, MaxFarms: 3}); err != nil {
		t.Fatal(err)
	}
	if got := s.AddFarms(5); got != 8 {
		t.Errorf("AddFarms = %d, want 8", got)
	}
	if s.MaxFarms() != 8 {
		t.Errorf("MaxFarms = %d, want 8", s.MaxFarms())
	}
}

func TestSignalsSetModeMidRun(t *testing.T) {
	s := NewSignals()
	if err := s.Start(config.RunConfig{Manager: "m", Mode: config.ModeNormal}); err != nil {
		t.Fatal(err)
	}
	s.SetMode(config.ModeWatch)
	if s.Mode() != config.ModeWatch {
		t.Errorf("Mode = %q after SetMode", s.Mode())
	}
	// The installed run config keeps the start-time mode.
	if s.Config().Mode != config.ModeNormal {
		t.Errorf("Config mode changed: %q", s.Config().Mode)
	}
}

func TestWaitUntilStarted(t *testing.T) {
	s := NewSignals()
	clock := timeutil.NewMockClock(time.Date(2026, 1, 6, 6, 0, 0, 0, time.UTC))

	done := make(chan error, 1)
	go func() {
		done <- s.WaitUntilStarted(context.Background(), clock)
	}()

	select {
	case err := <-done:
		t.Fatalf("WaitUntilStarted returned before start: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	if err := s.Start(config.RunConfig{Manager: "m", Mode: config.ModeNormal}); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		clock.Advance(startPollInterval)
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("WaitUntilStarted failed: %v", err)
			}
			return
		case <-deadline:
			t.Fatal("WaitUntilStarted did not observe the start flag")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestWaitUntilStartedCancel(t *testing.T) {
	s := NewSignals()
	clock := timeutil.NewMockClock(time.Date(2026, 1, 6, 6, 0, 0, 0, time.UTC))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.WaitUntilStarted(ctx, clock); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}
