package browser

import (
	"context"
	"testing"
	"time"
)

func TestMergeCarriesCallerDeadline(t *testing.T) {
	c := &Chrome{browserCtx: context.Background()}
	deadline := time.Now().Add(time.Hour)
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	merged, mcancel := c.merge(ctx)
	defer mcancel()

	got, ok := merged.Deadline()
	if !ok || !got.Equal(deadline) {
		t.Errorf("merged deadline = %v (ok=%t), want %v", got, ok, deadline)
	}
}

func TestMergeCallerCancelPropagates(t *testing.T) {
	c := &Chrome{browserCtx: context.Background()}
	ctx, cancel := context.WithCancel(context.Background())
	merged, mcancel := c.merge(ctx)
	defer mcancel()

	cancel()
	select {
	case <-merged.Done():
	case <-time.After(time.Second):
		t.Fatal("merged context not canceled with the caller")
	}
}

func TestMergeBrowserCancelPropagates(t *testing.T) {
	bctx, bcancel := context.WithCancel(context.Background())
	c := &Chrome{browserCtx: bctx}
	merged, mcancel := c.merge(context.Background())
	defer mcancel()

	bcancel()
	select {
	case <-merged.Done():
	case <-time.After(time.Second):
		t.Fatal("merged context outlived the browser context")
	}
}

func TestMergeCancelReleases(t *testing.T) {
	c := &Chrome{browserCtx: context.Background()}
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(time.Hour))
	defer cancel()

	merged, mcancel := c.merge(ctx)
	mcancel()
	select {
	case <-merged.Done():
	default:
		t.Fatal("cancel did not release the merged context")
	}
}
