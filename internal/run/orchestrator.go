package run

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/cropwatch/irrigation.report/internal/archive"
	"github.com/cropwatch/irrigation.report/internal/browser"
	"github.com/cropwatch/irrigation.report/internal/capture"
	"github.com/cropwatch/irrigation.report/internal/chart"
	"github.com/cropwatch/irrigation.report/internal/config"
	"github.com/cropwatch/irrigation.report/internal/control"
	"github.com/cropwatch/irrigation.report/internal/fsutil"
	"github.com/cropwatch/irrigation.report/internal/hssp"
	"github.com/cropwatch/irrigation.report/internal/journal"
	"github.com/cropwatch/irrigation.report/internal/learning"
	"github.com/cropwatch/irrigation.report/internal/monitoring"
	"github.com/cropwatch/irrigation.report/internal/security"
	"github.com/cropwatch/irrigation.report/internal/series"
	"github.com/cropwatch/irrigation.report/internal/sitetime"
	"github.com/cropwatch/irrigation.report/internal/table"
	"github.com/cropwatch/irrigation.report/internal/timeutil"
)

const chartSelector = `.highcharts-container`

// pollInterval paces the active DOM polls (chart render, login detection).
const pollInterval = 100 * time.Millisecond

// Orchestrator drives one run: login, manager selection, then the
// per-farm/per-date loop. It is strictly sequential; one browser, one page,
// one in-flight navigation at a time.
type Orchestrator struct {
	driver    browser.Driver
	clock     timeutil.Clock
	signals   *control.Signals
	bus       *control.Broadcaster
	journal   *journal.Journal
	training  *learning.Store
	archive   *archive.Archive
	app       *config.App
	fs        fsutil.FileSystem
	loc       *time.Location
	buffer    *capture.Buffer
	inspector *table.Inspector
	clicks    *chart.Coordinator

	counts journal.Counts
}

// New wires an orchestrator. arc may be nil to disable archiving; fs may be
// nil for the real filesystem.
func New(driver browser.Driver, clock timeutil.Clock, signals *control.Signals, bus *control.Broadcaster,
	j *journal.Journal, training *learning.Store, arc *archive.Archive, app *config.App, fs fsutil.FileSystem) (*Orchestrator, error) {
	loc, err := sitetime.Load(app.GetTimezone())
	if err != nil {
		return nil, err
	}
	if fs == nil {
		fs = fsutil.OSFileSystem{}
	}
	o := &Orchestrator{
		driver:   driver,
		clock:    clock,
		signals:  signals,
		bus:      bus,
		journal:  j,
		training: training,
		archive:  arc,
		app:      app,
		fs:       fs,
		loc:      loc,
		buffer:   capture.NewBuffer(clock),
	}
	o.inspector = table.NewInspector(driver)
	o.clicks = chart.NewCoordinator(driver, clock, training, signals.Mode)
	return o, nil
}

// Run blocks until a run is started through the control plane, executes it,
// and appends exactly one journal entry regardless of how it ends. Orderly
// aborts return nil; fatal errors are returned.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.signals.WaitUntilStarted(ctx, o.clock); err != nil {
		return err
	}
	cfg := o.signals.Config()
	runID := uuid.NewString()
	started := o.clock.Now()
	o.counts = journal.Counts{}

	monitoring.Logf("run %s started: manager=%s mode=%s startFrom=%d maxFarms=%d",
		runID, cfg.Manager, o.signals.Mode(), cfg.StartFrom, cfg.MaxFarms)
	o.bus.Status("running")

	if o.signals.Mode() != config.ModeLearning {
		if offs, err := o.training.AveragedOffsets(); err != nil {
			monitoring.Logf("failed to load learning offsets: %v", err)
		} else if offs.SampleCount > 0 {
			o.clicks.Offsets = &offs
			monitoring.Logf("applying learned offsets from %d samples: first=(%.1f,%.1f) last=(%.1f,%.1f)",
				offs.SampleCount, offs.First.X, offs.First.Y, offs.Last.X, offs.Last.Y)
		}
	}

	farms, runErr := o.execute(ctx, cfg)

	status := "completed"
	switch {
	case errors.Is(runErr, ErrOperatorAbort), errors.Is(runErr, context.Canceled):
		status = "aborted"
	case runErr != nil:
		status = "fatal"
	}

	ended := o.clock.Now()
	today := ended.In(o.loc)
	entry := journal.Entry{
		RunID:           runID,
		StartedAt:       started,
		EndedAt:         ended,
		DurationSeconds: ended.Sub(started).Seconds(),
		Manager:         cfg.Manager,
		Mode:            string(o.signals.Mode()),
		Status:          status,
		RequestedFarms:  o.signals.MaxFarms(),
		ActualFarms:     len(farms),
		DateFrom:        sitetime.DateString(today.AddDate(0, 0, -(o.app.GetDaysBack()-1)), o.loc),
		DateTo:          sitetime.DateString(today, o.loc),
		Counts:          o.counts,
	}
	if err := o.journal.Append(entry); err != nil {
		monitoring.Logf("failed to append journal entry: %v", err)
	}

	if len(farms) > 0 {
		out := buildOutput(ended, cfg.Manager, o.app.GetDaysBack(), farms)
		if path, err := o.writeOutput(out); err != nil {
			monitoring.Logf("failed to write run output: %v", err)
		} else {
			monitoring.Logf("run output written to %s", path)
		}
	}

	switch status {
	case "completed":
		o.bus.Status("completed")
	case "aborted":
		o.bus.Status("stopped")
	default:
		o.bus.Status("error")
	}
	monitoring.Logf("run %s %s: %d farms, %d dates, %d clicks",
		runID, status, o.counts.FarmsCompleted, o.counts.DatesProcessed, o.counts.ChartsClicked)

	if status == "aborted" {
		return nil
	}
	return runErr
}

// execute performs the run body. Fatal paths write a crash report before the
// deferred browser release.
func (o *Orchestrator) execute(ctx context.Context, cfg config.RunConfig) ([]FarmRecord, error) {
	if err := o.driver.Launch(ctx); err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	defer o.driver.Close()
	o.driver.OnResponse(o.buffer.Offer)

	if err := o.authenticate(ctx, cfg.Credentials); err != nil {
		o.writeCrashReport(ctx, err.Error())
		return nil, err
	}
	if err := o.selectManager(ctx, cfg.Manager); err != nil {
		o.writeCrashReport(ctx, err.Error())
		return nil, err
	}
	refs, err := o.loadFarmList(ctx)
	if err != nil {
		o.writeCrashReport(ctx, err.Error())
		return nil, err
	}
	o.bus.Logf("found %d farms for manager %s", len(refs), cfg.Manager)

	if cfg.StartFrom > 0 {
		if cfg.StartFrom > len(refs) {
			return nil, fmt.Errorf("startFrom %d beyond farm list of %d", cfg.StartFrom, len(refs))
		}
		refs = refs[cfg.StartFrom-1:]
	}

	var farms []FarmRecord
	for i, ref := range refs {
		if o.signals.ShouldStop() {
			return farms, ErrOperatorAbort
		}
		// MaxFarms is re-read each iteration so mid-run increases take
		// effect at the next farm.
		if max := o.signals.MaxFarms(); max > 0 && i >= max {
			o.bus.Logf("farm limit %d reached", max)
			break
		}
		o.bus.Progress(control.Progress{
			FarmIndex:  i + 1,
			TotalFarms: len(refs),
			FarmName:   ref.DisplayName,
			Step:       "farm",
			Percent:    float64(i) / float64(len(refs)) * 100,
		})

		record, err := o.processFarm(ctx, cfg, ref)
		farms = append(farms, record)
		if err != nil {
			if errors.Is(err, ErrOperatorAbort) {
				return farms, ErrOperatorAbort
			}
			var dce *DomContractError
			if errors.As(err, &dce) && !dce.FarmLevel {
				o.writeCrashReport(ctx, err.Error())
				return farms, err
			}
			monitoring.Logf("farm %s failed: %v", ref.DisplayName, err)
			o.bus.Logf("farm %s failed: %v", ref.DisplayName, err)
			continue
		}
		o.snapshotFarm(ctx, ref)
		o.counts.FarmsCompleted++
	}
	return farms, nil
}

// snapshotFarm saves a page screenshot after a farm completes and announces
// it so the dashboard can show the final page state. Best effort.
func (o *Orchestrator) snapshotFarm(ctx context.Context, ref FarmRef) {
	png, err := o.driver.Screenshot(ctx)
	if err != nil {
		monitoring.Logf("farm screenshot failed for %s: %v", ref.DisplayName, err)
		return
	}
	name := fmt.Sprintf("%s-%s.png",
		security.SanitizeFilename(ref.DisplayName),
		o.clock.Now().In(o.loc).Format("2006-01-02T15-04-05"))
	path := filepath.Join(o.app.GetScreenshotDir(), name)
	if err := o.fs.MkdirAll(o.app.GetScreenshotDir(), 0o755); err != nil {
		monitoring.Logf("failed to create screenshot dir: %v", err)
		return
	}
	if err := o.fs.WriteFile(path, png, 0o644); err != nil {
		monitoring.Logf("failed to write farm screenshot: %v", err)
		return
	}
	o.bus.Screenshot(path)
}

// processFarm walks the farm's dates strictly oldest to newest.
func (o *Orchestrator) processFarm(ctx context.Context, cfg config.RunConfig, ref FarmRef) (FarmRecord, error) {
	record := FarmRecord{
		FarmID:      ref.FarmID,
		SectionID:   ref.SectionID,
		DisplayName: ref.DisplayName,
		Manager:     cfg.Manager,
	}
	days := o.app.GetDaysBack()
	today := o.clock.Now().In(o.loc)

	for back := days - 1; back >= 0; back-- {
		if o.signals.ShouldStop() {
			return record, ErrOperatorAbort
		}
		date := sitetime.DateString(today.AddDate(0, 0, -back), o.loc)
		o.bus.Step("date", ref.DisplayName, date)

		result := o.processDate(ctx, cfg, ref, date)
		record.Dates = append(record.Dates, result)
		o.tally(result)
		monitoring.Logf("%s %s: %s%s", ref.DisplayName, date, result.Status, reasonSuffix(result.Reason))
	}
	return record, nil
}

func reasonSuffix(reason string) string {
	if reason == "" {
		return ""
	}
	return " (" + reason + ")"
}

func (o *Orchestrator) tally(r DateResult) {
	o.counts.DatesProcessed++
	switch r.Status {
	case StatusFilled:
		o.counts.Success++
	case StatusAlreadyFilled, StatusSkipped:
		o.counts.Skip++
	case StatusNoIrrigation:
		o.counts.NoIrrigation++
	case StatusError:
		o.counts.Error++
	}
}

// processDate runs the per-date pipeline: navigate, capture, analyze, decide,
// act, verify. Every call yields exactly one DateResult; errors are folded
// into the result rather than propagated.
func (o *Orchestrator) processDate(ctx context.Context, cfg config.RunConfig, ref FarmRef, date string) DateResult {
	res := DateResult{Date: date, Status: StatusError}

	u, err := BuildFarmURL(o.app.GetSiteBaseURL(), ref.Href, cfg.Manager, date)
	if err != nil {
		res.Reason = err.Error()
		return res
	}

	// Arm before navigating: arming after may miss the response.
	o.buffer.Arm()
	navCtx, cancel := context.WithTimeout(ctx, config.NavigationTimeout)
	err = o.driver.Goto(navCtx, u)
	cancel()
	if err != nil {
		res.Reason = (&NetworkError{Op: "navigation", Err: err}).Error()
		return res
	}

	if err := o.waitChartRendered(ctx); err != nil {
		res.Reason = err.Error()
		return res
	}

	cap, err := o.buffer.Wait(ctx, config.CaptureTimeout)
	if err != nil {
		res.Reason = (&NetworkError{Op: "capture", Err: err}).Error()
		return res
	}

	base, err := time.ParseInLocation("2006-01-02", date, o.loc)
	if err != nil {
		res.Reason = err.Error()
		return res
	}
	points, err := series.Extract(cap.Body, base)
	if err != nil {
		res.Reason = (&DataShapeError{Err: err}).Error()
		return res
	}
	yMin, yMax := points.YRange()
	res.PointsAnalyzed = len(points)
	res.YRange = yMax - yMin

	events := hssp.Detect(points)
	o.archiveCapture(ref, date, cap, points, events)

	if o.signals.Mode() == config.ModeReportSending {
		return o.processReport(ctx, ref, date, res)
	}

	st, err := o.inspector.ReadState(ctx)
	if err != nil {
		res.Reason = err.Error()
		return res
	}

	switch table.Decide(st, len(events)) {
	case table.ActionAlreadyFilled:
		res.Status = StatusAlreadyFilled
		res.FirstTime, res.LastTime = st.FirstTime, st.LastTime
		return res
	case table.ActionNoIrrigation:
		res.Status = StatusNoIrrigation
		return res
	}

	first, last, _ := hssp.FirstLast(events)

	if o.signals.ShouldStop() {
		res.Status = StatusSkipped
		res.Reason = "stopped before click"
		return res
	}

	rect, err := o.chartRect(ctx)
	if err != nil {
		res.Reason = err.Error()
		return res
	}

	placement, err := o.clicks.PlaceClicks(ctx, rect, first, last, len(points), st.NeedsFirstClick, st.NeedsLastClick, ref.DisplayName, date)
	if err != nil {
		res.Reason = err.Error()
		return res
	}
	if !placement.Clicked {
		res.Status = StatusSkipped
		if placement.Skipped {
			res.Reason = "operator skipped"
		} else {
			res.Reason = "watch mode"
		}
		return res
	}
	o.counts.ChartsClicked += placement.Clicks

	filled, st2, err := o.verifyFilled(ctx)
	if err != nil {
		res.Reason = err.Error()
		return res
	}
	if !filled {
		// One retry before giving up on the date, aimed only at the slots
		// still reading empty.
		if o.signals.ShouldStop() {
			res.Status = StatusSkipped
			res.Reason = "stopped before retry"
			return res
		}
		retry, err := o.clicks.PlaceClicks(ctx, rect, first, last, len(points), st2.NeedsFirstClick, st2.NeedsLastClick, ref.DisplayName, date)
		if err != nil {
			res.Reason = err.Error()
			return res
		}
		o.counts.ChartsClicked += retry.Clicks
		filled, st2, err = o.verifyFilled(ctx)
		if err != nil {
			res.Reason = err.Error()
			return res
		}
		if !filled {
			res.Reason = (&ClickVerificationError{Farm: ref.DisplayName, Date: date}).Error()
			return res
		}
	}

	res.Status = StatusFilled
	res.FirstTime, res.LastTime = st2.FirstTime, st2.LastTime
	o.bus.ReportUpdate(ref.DisplayName, date, StatusFilled)
	return res
}

// processReport handles report-sending mode: validate the report table's
// preconditions and, only when all hold, click the report button.
func (o *Orchestrator) processReport(ctx context.Context, ref FarmRef, date string, res DateResult) DateResult {
	rt, err := o.inspector.ReadReportTable(ctx)
	if err != nil {
		res.Reason = err.Error()
		return res
	}
	ok, reason := table.ValidateForReport(rt)
	if !ok {
		res.Status = StatusSkipped
		res.Reason = (&ValidationError{Reason: reason}).Error()
		o.bus.ReportUpdate(ref.DisplayName, date, StatusSkipped)
		return res
	}
	if o.signals.ShouldStop() {
		res.Status = StatusSkipped
		res.Reason = "stopped before report creation"
		return res
	}
	if err := o.inspector.ClickReportButton(ctx); err != nil {
		res.Reason = err.Error()
		return res
	}
	res.Status = StatusFilled
	res.FirstTime = table.NormalizeCell(rt.FirstIrrigation)
	o.counts.ReportsCreated++
	o.bus.ReportUpdate(ref.DisplayName, date, "sent")
	return res
}

// verifyFilled re-reads the form cells after the settle delay.
func (o *Orchestrator) verifyFilled(ctx context.Context) (bool, table.State, error) {
	st, err := o.inspector.ReadState(ctx)
	if err != nil {
		return false, table.State{}, err
	}
	return !st.NeedsFirstClick && !st.NeedsLastClick, st, nil
}

// authenticate navigates to the site and, if a login form appears, submits
// credentials and waits for the post-login confirmation.
func (o *Orchestrator) authenticate(ctx context.Context, creds config.Credentials) error {
	navCtx, cancel := context.WithTimeout(ctx, config.NavigationTimeout)
	err := o.driver.Goto(navCtx, o.app.GetSiteBaseURL())
	cancel()
	if err != nil {
		return &NetworkError{Op: "login navigation", Err: err}
	}

	hasLogin, err := o.pollTrue(ctx, `document.querySelector('input[type="password"]') !== null`, config.LoginDetectTimeout)
	if err != nil {
		return &AuthError{Reason: "login detection failed", Err: err}
	}
	if !hasLogin {
		// No login form within the detection window: session already valid.
		return nil
	}
	if creds.Username == "" {
		return &AuthError{Reason: "login form shown but no credentials configured"}
	}

	script := fmt.Sprintf(`(() => {
  const user = document.querySelector('input[type="text"], input[type="email"], input[name*="id"]');
  const pass = document.querySelector('input[type="password"]');
  if (!user || !pass) return false;
  const set = (el, v) => { el.value = v; el.dispatchEvent(new Event('input', { bubbles: true })); };
  set(user, %q);
  set(pass, %q);
  const btn = document.querySelector('button[type="submit"], input[type="submit"]');
  if (btn) { btn.click(); return true; }
  const form = pass.closest('form');
  if (form) { form.submit(); return true; }
  return false;
})()`, creds.Username, creds.Password)

	var submitted bool
	if err := o.driver.Evaluate(ctx, script, &submitted); err != nil {
		return &AuthError{Reason: "login submission failed", Err: err}
	}
	if !submitted {
		return &AuthError{Reason: "login form did not accept submission"}
	}

	gone, err := o.pollTrue(ctx, `document.querySelector('input[type="password"]') === null`, config.PostLoginTimeout)
	if err != nil {
		return &AuthError{Reason: "post-login confirmation failed", Err: err}
	}
	if !gone {
		return &AuthError{Reason: "post-login confirmation timed out"}
	}
	return nil
}

// selectManager clicks the manager radio whose text matches exactly.
func (o *Orchestrator) selectManager(ctx context.Context, manager string) error {
	present, err := o.pollTrue(ctx,
		fmt.Sprintf(`document.querySelector('%s') !== null`, managerRadioSelector), config.LoginDetectTimeout)
	if err != nil {
		return err
	}
	if !present {
		return &DomContractError{Selector: managerRadioSelector, Err: errors.New("manager radio group did not appear")}
	}

	script := fmt.Sprintf(`(() => {
  const items = document.querySelectorAll('%s');
  for (const el of items) {
    if (el.textContent.trim() === %q) { el.click(); return true; }
  }
  return false;
})()`, managerRadioSelector, manager)
	var clicked bool
	if err := o.driver.Evaluate(ctx, script, &clicked); err != nil {
		return &DomContractError{Selector: managerRadioSelector, Err: err}
	}
	if !clicked {
		return &DomContractError{Selector: managerRadioSelector, Err: fmt.Errorf("manager %q not present", manager)}
	}
	o.bus.Manager(manager)
	return nil
}

// loadFarmList waits for the farm anchors and extracts them.
func (o *Orchestrator) loadFarmList(ctx context.Context) ([]FarmRef, error) {
	present, err := o.pollTrue(ctx,
		`document.querySelector('div.css-nd8svt a[href*="/report/point/"]') !== null`, config.NetworkIdleTimeout)
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, &DomContractError{Selector: farmListSelector, Err: errors.New("farm list did not appear")}
	}
	var anchors []Anchor
	if err := o.driver.Evaluate(ctx, farmListScript, &anchors); err != nil {
		return nil, &DomContractError{Selector: farmListSelector, Err: err}
	}
	refs := FilterFarmAnchors(anchors)
	if len(refs) == 0 {
		return nil, &DomContractError{Selector: farmListSelector, Err: errors.New("no farm anchors matched")}
	}
	return refs, nil
}

// waitChartRendered actively polls for the rendered chart container.
func (o *Orchestrator) waitChartRendered(ctx context.Context) error {
	ok, err := o.pollTrue(ctx,
		fmt.Sprintf(`document.querySelector('%s') !== null`, chartSelector), config.ChartRenderTimeout)
	if err != nil {
		return err
	}
	if !ok {
		return &DomContractError{Selector: chartSelector, FarmLevel: true, Err: errors.New("chart did not render")}
	}
	return nil
}

// chartRect reads the chart container's bounding box.
func (o *Orchestrator) chartRect(ctx context.Context) (browser.Rect, error) {
	script := fmt.Sprintf(`(() => {
  const el = document.querySelector('%s');
  if (!el) return null;
  const r = el.getBoundingClientRect();
  return { x: r.x, y: r.y, width: r.width, height: r.height };
})()`, chartSelector)
	var rect browser.Rect
	if err := o.driver.Evaluate(ctx, script, &rect); err != nil {
		return rect, &DomContractError{Selector: chartSelector, FarmLevel: true, Err: err}
	}
	if rect.W == 0 || rect.H == 0 {
		return rect, &DomContractError{Selector: chartSelector, FarmLevel: true, Err: errors.New("chart has zero size")}
	}
	return rect, nil
}

// pollTrue evaluates a boolean expression every 100ms until it holds, the
// timeout expires (false, nil), or evaluation fails.
func (o *Orchestrator) pollTrue(ctx context.Context, expr string, timeout time.Duration) (bool, error) {
	deadline := o.clock.Now().Add(timeout)
	for {
		var ok bool
		if err := o.driver.Evaluate(ctx, expr, &ok); err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if !o.clock.Now().Before(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}
		o.clock.Sleep(pollInterval)
	}
}

// archiveCapture stores the raw series and its detections. Best effort; the
// run does not fail on archive errors.
func (o *Orchestrator) archiveCapture(ref FarmRef, date string, cap *capture.Capture, points series.Series, events []hssp.Event) {
	if o.archive == nil {
		return
	}
	if _, err := o.archive.SaveCapture(ref.FarmID, ref.SectionID, date, cap.URL, cap.CapturedAt, points); err != nil {
		monitoring.Logf("failed to archive capture %s/%s: %v", ref.FarmID, date, err)
		return
	}
	if err := o.archive.SaveDetections(ref.FarmID, date, events); err != nil {
		monitoring.Logf("failed to archive detections %s/%s: %v", ref.FarmID, date, err)
	}
}
