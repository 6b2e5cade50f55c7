package control

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/cropwatch/irrigation.report/internal/archive"
	"github.com/cropwatch/irrigation.report/internal/config"
	"github.com/cropwatch/irrigation.report/internal/fsutil"
	"github.com/cropwatch/irrigation.report/internal/hssp"
	"github.com/cropwatch/irrigation.report/internal/journal"
	"github.com/cropwatch/irrigation.report/internal/learning"
	"github.com/cropwatch/irrigation.report/internal/series"
)

var testStatic = fstest.MapFS{
	"index.html":   &fstest.MapFile{Data: []byte("<html>dashboard</html>")},
	"history.html": &fstest.MapFile{Data: []byte("<html>history</html>")},
}

type serverFixture struct {
	server  *Server
	signals *Signals
	journal *journal.Journal
	archive *archive.Archive
	app     *config.App
}

func newFixture(t *testing.T) *serverFixture {
	t.Helper()
	arc, err := archive.Open(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	t.Cleanup(func() { arc.Close() })
	if err := arc.MigrateUp("../../migrations"); err != nil {
		t.Fatalf("migrate archive: %v", err)
	}

	memfs := fsutil.NewMemoryFileSystem()
	signals := NewSignals()
	j := journal.New(memfs, "history/run_logs.json")
	training := learning.NewStore(memfs, "training/training-data.json")
	screenshots := t.TempDir()
	app := &config.App{ScreenshotDir: &screenshots}

	return &serverFixture{
		server:  NewServer(signals, NewBroadcaster(), j, training, arc, app, testStatic),
		signals: signals,
		journal: j,
		archive: arc,
		app:     app,
	}
}

func (f *serverFixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func TestServeDashboard(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "dashboard") {
		t.Errorf("dashboard: %d %q", w.Code, w.Body.String())
	}
	if w := f.do(t, http.MethodGet, "/history", ""); !strings.Contains(w.Body.String(), "history") {
		t.Errorf("history page: %q", w.Body.String())
	}
	if w := f.do(t, http.MethodGet, "/no-such-page", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown path: %d", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodOptions, "/control/start", "")
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("CORS headers missing")
	}
}

func TestHistoryEndpoints(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/history", "")
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("empty history: %d %q", w.Code, w.Body.String())
	}
	if w := f.do(t, http.MethodGet, "/api/runs/latest", ""); w.Code != http.StatusNotFound {
		t.Errorf("latest with no runs: %d", w.Code)
	}

	entry := journal.Entry{
		RunID:           "run-1",
		StartedAt:       time.Date(2026, 1, 6, 6, 0, 0, 0, time.UTC),
		DurationSeconds: 120,
		Manager:         "김농장",
		Status:          "completed",
		Counts:          journal.Counts{DatesProcessed: 30, ChartsClicked: 20},
	}
	if err := f.journal.Append(entry); err != nil {
		t.Fatal(err)
	}

	var entries []journal.Entry
	w = f.do(t, http.MethodGet, "/api/history", "")
	if err := json.Unmarshal(w.Body.Bytes(), &entries); err != nil {
		t.Fatalf("history decode: %v", err)
	}
	if len(entries) != 1 || entries[0].RunID != "run-1" {
		t.Errorf("history: %+v", entries)
	}

	var latest journal.Entry
	w = f.do(t, http.MethodGet, "/api/runs/latest", "")
	if err := json.Unmarshal(w.Body.Bytes(), &latest); err != nil {
		t.Fatalf("latest decode: %v", err)
	}
	if latest.RunID != "run-1" {
		t.Errorf("latest: %+v", latest)
	}

	var summary journal.Summary
	w = f.do(t, http.MethodGet, "/api/history/summary", "")
	if err := json.Unmarshal(w.Body.Bytes(), &summary); err != nil {
		t.Fatalf("summary decode: %v", err)
	}
	if summary.Runs != 1 || summary.TotalDates != 30 {
		t.Errorf("summary: %+v", summary)
	}
}

func TestStartRun(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/control/start", `{"manager":"김농장","mode":"watch","maxFarms":3}`)
	if w.Code != http.StatusOK {
		t.Fatalf("start: %d %s", w.Code, w.Body.String())
	}
	if !f.signals.Started() || f.signals.Mode() != config.ModeWatch || f.signals.MaxFarms() != 3 {
		t.Error("start did not install run config")
	}

	if w := f.do(t, http.MethodPost, "/control/start", `{"manager":"김농장"}`); w.Code != http.StatusConflict {
		t.Errorf("second start: %d", w.Code)
	}
}

func TestStartRunValidation(t *testing.T) {
	f := newFixture(t)
	if w := f.do(t, http.MethodPost, "/control/start", `{"mode":"normal"}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing manager: %d", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/control/start", `{not json`); w.Code != http.StatusBadRequest {
		t.Errorf("invalid body: %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/control/start", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET start: %d", w.Code)
	}
	if f.signals.Started() {
		t.Error("rejected requests must not start the run")
	}
}

func TestStartReportSendingForcesMode(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/control/start-report-sending", `{"manager":"김농장","mode":"normal"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("start-report-sending: %d %s", w.Code, w.Body.String())
	}
	if f.signals.Mode() != config.ModeReportSending {
		t.Errorf("mode = %q, want report-sending", f.signals.Mode())
	}
}

func TestTrainingModeDefaultsToLearning(t *testing.T) {
	f := newFixture(t)
	on := true
	f.app.TrainingMode = &on

	w := f.do(t, http.MethodPost, "/control/start", `{"manager":"김농장"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("start: %d", w.Code)
	}
	if f.signals.Mode() != config.ModeLearning {
		t.Errorf("mode = %q, want learning", f.signals.Mode())
	}
}

func TestStopAndModeAndAddFarms(t *testing.T) {
	f := newFixture(t)
	if w := f.do(t, http.MethodPost, "/control/start", `{"manager":"김농장","maxFarms":2}`); w.Code != http.StatusOK {
		t.Fatal("start failed")
	}

	if w := f.do(t, http.MethodPost, "/control/stop", "{}"); w.Code != http.StatusOK {
		t.Errorf("stop: %d", w.Code)
	}
	if !f.signals.ShouldStop() {
		t.Error("stop flag not set")
	}

	if w := f.do(t, http.MethodPost, "/control/mode", `{"mode":"watch"}`); w.Code != http.StatusOK {
		t.Errorf("mode: %d", w.Code)
	}
	if f.signals.Mode() != config.ModeWatch {
		t.Error("mode not switched")
	}
	if w := f.do(t, http.MethodPost, "/control/mode", `{"mode":"bogus"}`); w.Code != http.StatusBadRequest {
		t.Errorf("bogus mode: %d", w.Code)
	}

	w := f.do(t, http.MethodPost, "/control/add-farms", `{"count":5}`)
	if w.Code != http.StatusOK {
		t.Fatalf("add-farms: %d", w.Code)
	}
	var resp map[string]int
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["maxFarms"] != 7 {
		t.Errorf("maxFarms = %d, want 7", resp["maxFarms"])
	}
	if w := f.do(t, http.MethodPost, "/control/add-farms", `{"count":0}`); w.Code != http.StatusBadRequest {
		t.Errorf("zero count: %d", w.Code)
	}
}

func TestLearningDataEndpoint(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/learning-data", "")
	if w.Code != http.StatusOK {
		t.Fatalf("learning-data: %d", w.Code)
	}
	var offsets learning.Offsets
	if err := json.Unmarshal(w.Body.Bytes(), &offsets); err != nil {
		t.Fatal(err)
	}
	if offsets.SampleCount != 0 {
		t.Errorf("offsets: %+v", offsets)
	}
}

func TestServeScreenshot(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(f.app.GetScreenshotDir(), "page.png")
	if err := os.WriteFile(path, []byte("png-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	w := f.do(t, http.MethodGet, "/screenshot?path="+path, "")
	if w.Code != http.StatusOK {
		t.Fatalf("screenshot: %d %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type = %q", ct)
	}

	if w := f.do(t, http.MethodGet, "/screenshot?path=/etc/passwd", ""); w.Code != http.StatusForbidden {
		t.Errorf("traversal: %d", w.Code)
	}
	escape := filepath.Join(f.app.GetScreenshotDir(), "..", "outside.png")
	if w := f.do(t, http.MethodGet, "/screenshot?path="+escape, ""); w.Code != http.StatusForbidden {
		t.Errorf("dot-dot escape: %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/screenshot", ""); w.Code != http.StatusBadRequest {
		t.Errorf("missing path: %d", w.Code)
	}
}

func TestSeriesChart(t *testing.T) {
	f := newFixture(t)

	base := time.Date(2026, 1, 6, 0, 0, 0, 0, time.UTC)
	s := make(series.Series, 60)
	for i := range s {
		s[i] = series.Point{T: base.Add(time.Duration(i) * time.Minute), Y: 12.5 + float64(i)*0.01}
	}
	if _, err := f.archive.SaveCapture("123", "7", "2026-01-06", "https://example.test", base, s); err != nil {
		t.Fatal(err)
	}
	events := []hssp.Event{{ValleyIndex: 10, PeakIndex: 40, Rise: 0.3, ValleyTime: base.Add(10 * time.Minute), PeakTime: base.Add(40 * time.Minute)}}
	if err := f.archive.SaveDetections("123", "2026-01-06", events); err != nil {
		t.Fatal(err)
	}

	w := f.do(t, http.MethodGet, "/api/series-chart?farm=123&date=2026-01-06", "")
	if w.Code != http.StatusOK {
		t.Fatalf("series-chart: %d %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "echarts") {
		t.Error("chart page missing echarts payload")
	}

	if w := f.do(t, http.MethodGet, "/api/series-chart?farm=999&date=2026-01-06", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing capture: %d", w.Code)
	}
}

func TestStreamEvents(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(line, ": ping") {
		t.Fatalf("initial line = %q", line)
	}

	// Wait for the subscriber to attach before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for f.server.Bus().SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never attached")
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.server.Bus().Status("started")

	var payload string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		if strings.HasPrefix(line, "data: ") {
			payload = strings.TrimPrefix(strings.TrimSpace(line), "data: ")
			break
		}
	}
	var e Event
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		t.Fatalf("event decode: %v", err)
	}
	if e.Type != "status" || e.Status != "started" {
		t.Errorf("event: %+v", e)
	}
}
