package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cropwatch/irrigation.report/internal/archive"
	"github.com/cropwatch/irrigation.report/internal/browser"
	"github.com/cropwatch/irrigation.report/internal/config"
	"github.com/cropwatch/irrigation.report/internal/control"
	"github.com/cropwatch/irrigation.report/internal/fsutil"
	"github.com/cropwatch/irrigation.report/internal/journal"
	"github.com/cropwatch/irrigation.report/internal/learning"
	"github.com/cropwatch/irrigation.report/internal/sitetime"
	"github.com/cropwatch/irrigation.report/internal/table"
	"github.com/cropwatch/irrigation.report/internal/timeutil"
)

// fakeSite scripts the browser.Fake to behave like the dashboard: login
// detection, the manager radio group, the farm list, the rendered chart, and
// the form cells.
type fakeSite struct {
	fake *browser.Fake

	loginVisible bool
	anchors      []Anchor
	// cells maps a cell label to its current raw value. Re-read on every
	// Evaluate so click-dependent state works.
	cells func() map[string]string

	managerClicks int
	reportClicks  int
}

func newFakeSite(t *testing.T) *fakeSite {
	t.Helper()
	s := &fakeSite{
		fake:    browser.NewFake(),
		anchors: []Anchor{{Href: "/report/point/123/7", Text: "김씨 토마토 농장"}},
		cells: func() map[string]string {
			return map[string]string{table.FirstTimeLabel: "-", table.LastTimeLabel: "-"}
		},
	}
	s.fake.EvalFunc = func(expr string) (any, error) {
		switch {
		case strings.Contains(expr, "outerHTML"):
			return "<html></html>", nil
		case strings.Contains(expr, `input[type="password"]`) && strings.Contains(expr, "!== null"):
			return s.loginVisible, nil
		case strings.Contains(expr, `input[type="password"]`) && strings.Contains(expr, "=== null"):
			return !s.loginVisible, nil
		case strings.Contains(expr, "dispatchEvent"):
			s.loginVisible = false
			return true, nil
		case strings.Contains(expr, managerRadioSelector):
			if strings.Contains(expr, "querySelectorAll") {
				s.managerClicks++
				return true, nil
			}
			return true, nil
		case strings.Contains(expr, "css-nd8svt"):
			if strings.Contains(expr, "querySelectorAll") {
				return s.anchors, nil
			}
			return true, nil
		case strings.Contains(expr, "highcharts-container"):
			if strings.Contains(expr, "getBoundingClientRect") {
				return map[string]float64{"x": 100, "y": 200, "width": 400, "height": 100}, nil
			}
			return true, nil
		case strings.Contains(expr, table.ReportButtonText):
			s.reportClicks++
			return true, nil
		}
		// Longest label first so the report cells don't shadow the form cells.
		cells := s.cells()
		best, bestLen := "", 0
		for label, value := range cells {
			if strings.Contains(expr, label) && len(label) > bestLen {
				best, bestLen = value, len(label)
			}
		}
		if bestLen > 0 {
			return best, nil
		}
		return nil, nil
	}
	return s
}

// risePayload is a node-shaped day with a single clean irrigation rise:
// valley at minute 600, peak at 720.
func risePayload() []byte {
	entries := make([]map[string]any, 1440)
	for i := range entries {
		var y float64
		switch {
		case i < 600:
			y = 12.50
		case i <= 720:
			y = 12.50 + float64(i-600)/120*1.50
		default:
			y = 14.00 - float64(i-720)/720*1.20
		}
		entries[i] = map[string]any{"slabwgt_1": y}
	}
	raw, _ := json.Marshal(map[string]any{"node.greenhouse-7": entries})
	return raw
}

func flatPayload() []byte {
	entries := make([]map[string]any, 1440)
	for i := range entries {
		entries[i] = map[string]any{"slabwgt_1": 12.50}
	}
	raw, _ := json.Marshal(map[string]any{"node.greenhouse-7": entries})
	return raw
}

func sensorResponse(body []byte) browser.Response {
	return browser.Response{
		URL:          "https://dashboard.example.co.kr/api/series",
		Status:       200,
		MimeType:     "application/json",
		ResourceType: "fetch",
		Body:         body,
	}
}

type runFixture struct {
	site    *fakeSite
	clock   *timeutil.MockClock
	signals *control.Signals
	journal *journal.Journal
	memfs   *fsutil.MemoryFileSystem
	app     *config.App
	orch    *Orchestrator
}

// newRunFixture wires an orchestrator over the fake site. The clock starts at
// 12:00 KST on 2026-01-06 so every detected valley is daytime.
func newRunFixture(t *testing.T, site *fakeSite, arc *archive.Archive, daysBack int) *runFixture {
	t.Helper()
	memfs := fsutil.NewMemoryFileSystem()
	clock := timeutil.NewMockClock(time.Date(2026, 1, 6, 3, 0, 0, 0, time.UTC))
	signals := control.NewSignals()
	bus := control.NewBroadcaster()
	j := journal.New(memfs, "history/run_logs.json")
	training := learning.NewStore(memfs, "training/training-data.json")
	app := &config.App{DaysBack: &daysBack}

	orch, err := New(site.fake, clock, signals, bus, j, training, arc, app, memfs)
	if err != nil {
		t.Fatalf("orchestrator wiring failed: %v", err)
	}
	return &runFixture{site: site, clock: clock, signals: signals, journal: j, memfs: memfs, app: app, orch: orch}
}

func (f *runFixture) start(t *testing.T, cfg config.RunConfig) {
	t.Helper()
	if err := f.signals.Start(cfg); err != nil {
		t.Fatalf("start failed: %v", err)
	}
}

func (f *runFixture) soleEntry(t *testing.T) journal.Entry {
	t.Helper()
	entries, err := f.journal.Entries()
	if err != nil {
		t.Fatalf("journal read failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one journal entry, got %d", len(entries))
	}
	return entries[0]
}

func TestRunFillsDate(t *testing.T) {
	site := newFakeSite(t)
	site.fake.ResponsesByURL["/report/point/123/7"] = []browser.Response{sensorResponse(risePayload())}
	site.cells = func() map[string]string {
		if len(site.fake.MouseClicks) >= 2 {
			return map[string]string{table.FirstTimeLabel: "10:00", table.LastTimeLabel: "12:00"}
		}
		return map[string]string{table.FirstTimeLabel: "-", table.LastTimeLabel: "클릭하여 입력"}
	}

	arc, err := archive.Open(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer arc.Close()
	if err := arc.MigrateUp("../../migrations"); err != nil {
		t.Fatal(err)
	}

	f := newRunFixture(t, site, arc, 1)
	f.start(t, config.RunConfig{Manager: "김농장", Mode: config.ModeNormal})

	if err := f.orch.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	entry := f.soleEntry(t)
	if entry.Status != "completed" {
		t.Errorf("status = %q", entry.Status)
	}
	if entry.Counts.Success != 1 || entry.Counts.ChartsClicked != 2 || entry.Counts.FarmsCompleted != 1 {
		t.Errorf("counts: %+v", entry.Counts)
	}
	if entry.DateFrom != "2026-01-06" || entry.DateTo != "2026-01-06" {
		t.Errorf("date range: %s..%s", entry.DateFrom, entry.DateTo)
	}

	if len(site.fake.MouseClicks) != 2 {
		t.Errorf("mouse clicks = %d, want 2", len(site.fake.MouseClicks))
	}

	// Capture and detections are archived.
	meta, points, err := arc.Capture("123", "2026-01-06")
	if err != nil {
		t.Fatalf("archived capture missing: %v", err)
	}
	if meta.SectionID != "7" || len(points) != 1440 {
		t.Errorf("archived capture: %+v with %d points", meta, len(points))
	}
	events, err := arc.Detections("123", "2026-01-06")
	if err != nil || len(events) != 1 {
		t.Errorf("archived detections: %v %v", events, err)
	}

	// The run output file lands in the data dir, named from the end time.
	name := fmt.Sprintf("all-farms-data-%s.json", entry.EndedAt.In(sitetime.MustLoad(sitetime.DefaultZone)).Format("2006-01-02T15-04-05"))
	if !f.memfs.Exists(filepath.Join("data", name)) {
		t.Errorf("run output %s not written", name)
	}

	// The completed farm leaves a screenshot with a sanitized filename for
	// the dashboard; the all-Korean farm name collapses to "unknown".
	shots := f.memfs.List("screenshots")
	if len(shots) != 1 || !strings.HasPrefix(filepath.Base(shots[0]), "unknown-") {
		t.Errorf("farm screenshots = %v", shots)
	}
}

func TestRunFillsOnlyEmptySlot(t *testing.T) {
	site := newFakeSite(t)
	site.fake.ResponsesByURL["/report/point/123/7"] = []browser.Response{sensorResponse(risePayload())}
	site.cells = func() map[string]string {
		if len(site.fake.MouseClicks) >= 1 {
			return map[string]string{table.FirstTimeLabel: "08:15", table.LastTimeLabel: "12:00"}
		}
		return map[string]string{table.FirstTimeLabel: "08:15", table.LastTimeLabel: "-"}
	}

	f := newRunFixture(t, site, nil, 1)
	f.start(t, config.RunConfig{Manager: "김농장", Mode: config.ModeNormal})
	if err := f.orch.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Only the empty last slot is clicked; the operator's first time stays.
	if len(site.fake.MouseClicks) != 1 {
		t.Fatalf("mouse clicks = %d, want 1", len(site.fake.MouseClicks))
	}
	for _, expr := range site.fake.Evaluated {
		if strings.Contains(expr, `input[type="time"]`) && strings.Contains(expr, "[0]") {
			t.Error("pre-filled first slot was focused for a click")
		}
	}
	entry := f.soleEntry(t)
	if entry.Counts.Success != 1 || entry.Counts.ChartsClicked != 1 {
		t.Errorf("counts: %+v", entry.Counts)
	}
}

func TestRunAlreadyFilledDoesNotClick(t *testing.T) {
	site := newFakeSite(t)
	site.fake.ResponsesByURL["/report/point/123/7"] = []browser.Response{sensorResponse(risePayload())}
	site.cells = func() map[string]string {
		return map[string]string{table.FirstTimeLabel: "9:05", table.LastTimeLabel: "15:40"}
	}

	f := newRunFixture(t, site, nil, 1)
	f.start(t, config.RunConfig{Manager: "김농장", Mode: config.ModeNormal})
	if err := f.orch.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(site.fake.MouseClicks) != 0 {
		t.Errorf("already-filled date must not be clicked, got %d clicks", len(site.fake.MouseClicks))
	}
	entry := f.soleEntry(t)
	if entry.Counts.Skip != 1 || entry.Counts.ChartsClicked != 0 || entry.Counts.Success != 0 {
		t.Errorf("counts: %+v", entry.Counts)
	}
}

func TestRunNoIrrigation(t *testing.T) {
	site := newFakeSite(t)
	site.fake.ResponsesByURL["/report/point/123/7"] = []browser.Response{sensorResponse(flatPayload())}

	f := newRunFixture(t, site, nil, 1)
	f.start(t, config.RunConfig{Manager: "김농장", Mode: config.ModeNormal})
	if err := f.orch.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	entry := f.soleEntry(t)
	if entry.Counts.NoIrrigation != 1 || entry.Counts.ChartsClicked != 0 {
		t.Errorf("counts: %+v", entry.Counts)
	}
	if len(site.fake.MouseClicks) != 0 {
		t.Error("flat series must not be clicked")
	}
}

func TestRunWatchModeSkips(t *testing.T) {
	site := newFakeSite(t)
	site.fake.ResponsesByURL["/report/point/123/7"] = []browser.Response{sensorResponse(risePayload())}

	f := newRunFixture(t, site, nil, 1)
	f.start(t, config.RunConfig{Manager: "김농장", Mode: config.ModeWatch})
	if err := f.orch.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(site.fake.MouseClicks) != 0 {
		t.Error("watch mode dispatched clicks")
	}
	entry := f.soleEntry(t)
	if entry.Counts.Skip != 1 || entry.Counts.ChartsClicked != 0 {
		t.Errorf("counts: %+v", entry.Counts)
	}
}

func TestRunVisitsDatesOldestFirstWithManagerParam(t *testing.T) {
	site := newFakeSite(t)
	site.fake.ResponsesByURL["/report/point/123/7"] = []browser.Response{sensorResponse(risePayload())}
	site.cells = func() map[string]string {
		return map[string]string{table.FirstTimeLabel: "9:05", table.LastTimeLabel: "15:40"}
	}

	f := newRunFixture(t, site, nil, 3)
	f.start(t, config.RunConfig{Manager: "김농장", Mode: config.ModeNormal})
	if err := f.orch.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// First navigation is the login check on the site origin; the rest are
	// the per-date farm pages, strictly oldest to newest.
	navs := site.fake.Navigations
	if len(navs) != 4 {
		t.Fatalf("navigations: %v", navs)
	}
	wantDates := []string{"2026-01-04", "2026-01-05", "2026-01-06"}
	for i, date := range wantDates {
		nav := navs[i+1]
		if !strings.Contains(nav, "date="+date) {
			t.Errorf("navigation %d = %s, want date %s", i+1, nav, date)
		}
		if !strings.Contains(nav, "manager="+"%EA%B9%80%EB%86%8D%EC%9E%A5") {
			t.Errorf("navigation %d missing manager parameter: %s", i+1, nav)
		}
	}

	entry := f.soleEntry(t)
	if entry.Counts.DatesProcessed != 3 {
		t.Errorf("dates processed = %d", entry.Counts.DatesProcessed)
	}
}

func TestRunStopRequestAborts(t *testing.T) {
	site := newFakeSite(t)
	f := newRunFixture(t, site, nil, 1)
	f.start(t, config.RunConfig{Manager: "김농장", Mode: config.ModeNormal})
	f.signals.RequestStop()

	if err := f.orch.Run(context.Background()); err != nil {
		t.Fatalf("orderly abort must return nil, got %v", err)
	}

	entry := f.soleEntry(t)
	if entry.Status != "aborted" {
		t.Errorf("status = %q", entry.Status)
	}
	if entry.Counts.DatesProcessed != 0 {
		t.Errorf("counts: %+v", entry.Counts)
	}
}

func TestRunMaxFarmsLimit(t *testing.T) {
	site := newFakeSite(t)
	site.anchors = []Anchor{
		{Href: "/report/point/1/1", Text: "첫번째 농장"},
		{Href: "/report/point/2/1", Text: "두번째 농장"},
		{Href: "/report/point/3/1", Text: "세번째 농장"},
	}
	site.fake.ResponsesByURL["/report/point/"] = []browser.Response{sensorResponse(risePayload())}
	site.cells = func() map[string]string {
		return map[string]string{table.FirstTimeLabel: "9:05", table.LastTimeLabel: "15:40"}
	}

	f := newRunFixture(t, site, nil, 1)
	f.start(t, config.RunConfig{Manager: "김농장", Mode: config.ModeNormal, MaxFarms: 1})
	if err := f.orch.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	entry := f.soleEntry(t)
	if entry.RequestedFarms != 1 || entry.ActualFarms != 1 || entry.Counts.FarmsCompleted != 1 {
		t.Errorf("farm accounting: %+v", entry)
	}
}

func TestRunStartFromSkipsEarlierFarms(t *testing.T) {
	site := newFakeSite(t)
	site.anchors = []Anchor{
		{Href: "/report/point/1/1", Text: "첫번째 농장"},
		{Href: "/report/point/2/1", Text: "두번째 농장"},
	}
	site.fake.ResponsesByURL["/report/point/"] = []browser.Response{sensorResponse(risePayload())}
	site.cells = func() map[string]string {
		return map[string]string{table.FirstTimeLabel: "9:05", table.LastTimeLabel: "15:40"}
	}

	f := newRunFixture(t, site, nil, 1)
	f.start(t, config.RunConfig{Manager: "김농장", Mode: config.ModeNormal, StartFrom: 2})
	if err := f.orch.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	for _, nav := range site.fake.Navigations[1:] {
		if strings.Contains(nav, "/report/point/1/1") {
			t.Errorf("farm before startFrom visited: %s", nav)
		}
	}
	if entry := f.soleEntry(t); entry.ActualFarms != 1 {
		t.Errorf("actual farms = %d", entry.ActualFarms)
	}
}

func TestRunAuthFailureIsFatal(t *testing.T) {
	site := newFakeSite(t)
	site.loginVisible = true // login form shown, no credentials configured

	f := newRunFixture(t, site, nil, 1)
	f.start(t, config.RunConfig{Manager: "김농장", Mode: config.ModeNormal})

	err := f.orch.Run(context.Background())
	if err == nil {
		t.Fatal("expected fatal auth error")
	}
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("error type: %v", err)
	}

	entry := f.soleEntry(t)
	if entry.Status != "fatal" || entry.ActualFarms != 0 {
		t.Errorf("entry: %+v", entry)
	}

	// The crash report is written before the browser is released.
	dir := filepath.Join("crash-reports", "2026-01-06T12-00-00")
	if !f.memfs.Exists(filepath.Join(dir, "reason.txt")) || !f.memfs.Exists(filepath.Join(dir, "screenshot.png")) {
		t.Errorf("crash report missing under %s", dir)
	}
}

func TestRunLoginSubmitsCredentials(t *testing.T) {
	site := newFakeSite(t)
	site.loginVisible = true
	site.fake.ResponsesByURL["/report/point/123/7"] = []browser.Response{sensorResponse(flatPayload())}

	f := newRunFixture(t, site, nil, 1)
	f.start(t, config.RunConfig{
		Manager:     "김농장",
		Mode:        config.ModeNormal,
		Credentials: config.Credentials{Username: "user@example.co.kr", Password: "secret"},
	})
	if err := f.orch.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if entry := f.soleEntry(t); entry.Status != "completed" {
		t.Errorf("status = %q", entry.Status)
	}
	if site.loginVisible {
		t.Error("login form still visible after submission")
	}
}

func TestRunReportSending(t *testing.T) {
	site := newFakeSite(t)
	site.fake.ResponsesByURL["/report/point/123/7"] = []browser.Response{sensorResponse(risePayload())}
	site.cells = func() map[string]string {
		return map[string]string{
			"야간 함수율 편차": "-",
			"마지막 급액 시간": "-",
			"첫 급액 시간":   "6:12",
			"일출 시":      "7:31",
		}
	}

	f := newRunFixture(t, site, nil, 1)
	f.start(t, config.RunConfig{Manager: "김농장", Mode: config.ModeReportSending})
	if err := f.orch.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if site.reportClicks != 1 {
		t.Errorf("report button clicks = %d, want 1", site.reportClicks)
	}
	entry := f.soleEntry(t)
	if entry.Counts.ReportsCreated != 1 || entry.Counts.Success != 1 {
		t.Errorf("counts: %+v", entry.Counts)
	}
	if len(site.fake.MouseClicks) != 0 {
		t.Error("report-sending mode must not click the chart")
	}
}

func TestRunReportSendingSkipsUnmetPreconditions(t *testing.T) {
	site := newFakeSite(t)
	site.fake.ResponsesByURL["/report/point/123/7"] = []browser.Response{sensorResponse(risePayload())}
	site.cells = func() map[string]string {
		return map[string]string{
			"야간 함수율 편차": "0.4", // deviation present: report must not be created
			"마지막 급액 시간": "-",
			"첫 급액 시간":   "6:12",
			"일출 시":      "7:31",
		}
	}

	f := newRunFixture(t, site, nil, 1)
	f.start(t, config.RunConfig{Manager: "김농장", Mode: config.ModeReportSending})
	if err := f.orch.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if site.reportClicks != 0 {
		t.Errorf("report created despite unmet preconditions")
	}
	entry := f.soleEntry(t)
	if entry.Counts.ReportsCreated != 0 || entry.Counts.Skip != 1 {
		t.Errorf("counts: %+v", entry.Counts)
	}
}

func TestRunCaptureTimeoutIsDateError(t *testing.T) {
	site := newFakeSite(t) // no scripted responses: capture never arrives

	f := newRunFixture(t, site, nil, 1)
	f.start(t, config.RunConfig{Manager: "김농장", Mode: config.ModeNormal})
	if err := f.orch.Run(context.Background()); err != nil {
		t.Fatalf("a per-date capture timeout must not fail the run: %v", err)
	}

	entry := f.soleEntry(t)
	if entry.Status != "completed" || entry.Counts.Error != 1 {
		t.Errorf("entry: status=%s counts=%+v", entry.Status, entry.Counts)
	}
}
