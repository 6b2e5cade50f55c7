package run

import (
	"context"
	"path/filepath"
	"time"

	"github.com/cropwatch/irrigation.report/internal/monitoring"
)

// writeCrashReport snapshots the browser state into a timestamped directory:
// screenshot.png, dom.html, reason.txt, timestamp.txt. Must run before the
// browser is released. Returns the directory path, empty on total failure.
func (o *Orchestrator) writeCrashReport(ctx context.Context, reason string) string {
	now := o.clock.Now().In(o.loc)
	dir := filepath.Join(o.app.GetCrashReportDir(), now.Format("2006-01-02T15-04-05"))
	if err := o.fs.MkdirAll(dir, 0o755); err != nil {
		monitoring.Logf("failed to create crash report dir %s: %v", dir, err)
		return ""
	}

	if png, err := o.driver.Screenshot(ctx); err != nil {
		monitoring.Logf("crash report screenshot failed: %v", err)
	} else if err := o.fs.WriteFile(filepath.Join(dir, "screenshot.png"), png, 0o644); err != nil {
		monitoring.Logf("failed to write crash screenshot: %v", err)
	}

	var dom string
	if err := o.driver.Evaluate(ctx, `document.documentElement.outerHTML`, &dom); err != nil {
		monitoring.Logf("crash report DOM dump failed: %v", err)
	} else if err := o.fs.WriteFile(filepath.Join(dir, "dom.html"), []byte(dom), 0o644); err != nil {
		monitoring.Logf("failed to write crash DOM: %v", err)
	}

	if err := o.fs.WriteFile(filepath.Join(dir, "reason.txt"), []byte(reason), 0o644); err != nil {
		monitoring.Logf("failed to write crash reason: %v", err)
	}
	if err := o.fs.WriteFile(filepath.Join(dir, "timestamp.txt"), []byte(now.Format(time.RFC3339)), 0o644); err != nil {
		monitoring.Logf("failed to write crash timestamp: %v", err)
	}

	monitoring.Logf("crash report written to %s (%s)", dir, reason)
	o.bus.Screenshot(filepath.Join(dir, "screenshot.png"))
	return dir
}
