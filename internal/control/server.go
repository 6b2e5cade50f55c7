package control

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cropwatch/irrigation.report/internal/archive"
	"github.com/cropwatch/irrigation.report/internal/config"
	"github.com/cropwatch/irrigation.report/internal/journal"
	"github.com/cropwatch/irrigation.report/internal/learning"
	"github.com/cropwatch/irrigation.report/internal/monitoring"
	"github.com/cropwatch/irrigation.report/internal/security"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// portRetries bounds the increment-on-conflict search for a free port.
const portRetries = 20

// Server is the dashboard HTTP server. It owns the broadcaster and writes
// operator decisions into Signals; it never touches the browser.
type Server struct {
	signals  *Signals
	bus      *Broadcaster
	journal  *journal.Journal
	training *learning.Store
	archive  *archive.Archive
	app      *config.App
	static   fs.FS
}

func NewServer(signals *Signals, bus *Broadcaster, j *journal.Journal, training *learning.Store, arc *archive.Archive, app *config.App, static fs.FS) *Server {
	return &Server{
		signals:  signals,
		bus:      bus,
		journal:  j,
		training: training,
		archive:  arc,
		app:      app,
		static:   static,
	}
}

// Bus returns the broadcaster the orchestrator publishes through.
func (s *Server) Bus() *Broadcaster { return s.bus }

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// corsMiddleware is permissive: the dashboard is a localhost tool.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.serveDashboard)
	mux.HandleFunc("/history", s.serveHistory)
	mux.HandleFunc("/api/history", s.listHistory)
	mux.HandleFunc("/api/history/summary", s.historySummary)
	mux.HandleFunc("/api/runs/latest", s.latestRun)
	mux.HandleFunc("/api/series-chart", s.seriesChart)
	mux.HandleFunc("/events", s.streamEvents)
	mux.HandleFunc("/screenshot", s.serveScreenshot)
	mux.HandleFunc("/learning-data", s.learningData)
	mux.HandleFunc("/control/start", s.startRun)
	mux.HandleFunc("/control/start-report-sending", s.startReportSending)
	mux.HandleFunc("/control/stop", s.stopRun)
	mux.HandleFunc("/control/mode", s.setMode)
	mux.HandleFunc("/control/add-farms", s.addFarms)
	return mux
}

// Handler wraps the mux with CORS and request logging.
func (s *Server) Handler() http.Handler {
	return LoggingMiddleware(corsMiddleware(s.ServeMux()))
}

// Listen binds the first free port at or above basePort.
func (s *Server) Listen(basePort int) (net.Listener, int, error) {
	var lastErr error
	for port := basePort; port < basePort+portRetries; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			return ln, port, nil
		}
		lastErr = err
	}
	return nil, 0, fmt.Errorf("no free port in [%d,%d): %w", basePort, basePort+portRetries, lastErr)
}

// Serve runs the HTTP server on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		s.bus.Close()
	}()
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		monitoring.Logf("failed to write response: %v", err)
	}
}

func (s *Server) serveDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	s.serveStatic(w, r, "index.html")
}

func (s *Server) serveHistory(w http.ResponseWriter, r *http.Request) {
	s.serveStatic(w, r, "history.html")
}

func (s *Server) serveStatic(w http.ResponseWriter, r *http.Request, name string) {
	data, err := fs.ReadFile(s.static, name)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("missing document %s", name))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	entries, err := s.journal.Entries()
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to read journal: %v", err))
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	s.writeJSON(w, entries)
}

func (s *Server) historySummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	summary, err := s.journal.Summarize()
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to summarize journal: %v", err))
		return
	}
	s.writeJSON(w, summary)
}

func (s *Server) latestRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	entries, err := s.journal.Entries()
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to read journal: %v", err))
		return
	}
	if len(entries) == 0 {
		s.writeJSONError(w, http.StatusNotFound, "no runs recorded")
		return
	}
	s.writeJSON(w, entries[len(entries)-1])
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	id, ch := s.bus.Subscribe()
	defer s.bus.Unsubscribe(id)

	// Initial ping so clients know the stream is live.
	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(e)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				// Dead subscriber; drop it.
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) serveScreenshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		s.writeJSONError(w, http.StatusBadRequest, "Missing 'path' parameter")
		return
	}
	allowed := []string{s.app.GetScreenshotDir(), s.app.GetCrashReportDir()}
	if err := security.ValidatePathWithinAllowedDirs(path, allowed); err != nil {
		s.writeJSONError(w, http.StatusForbidden, fmt.Sprintf("Invalid path: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	http.ServeFile(w, r, path)
}

func (s *Server) learningData(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	offsets, err := s.training.AveragedOffsets()
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to read training data: %v", err))
		return
	}
	s.writeJSON(w, offsets)
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	s.handleStart(w, r, "")
}

func (s *Server) startReportSending(w http.ResponseWriter, r *http.Request) {
	s.handleStart(w, r, config.ModeReportSending)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request, forceMode config.Mode) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	var cfg config.RunConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid run config: %v", err))
		return
	}
	if forceMode != "" {
		cfg.Mode = forceMode
	} else if cfg.Mode == "" && s.app.GetTrainingMode() {
		cfg.Mode = config.ModeLearning
	}
	if err := cfg.Validate(); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.signals.Start(cfg); err != nil {
		s.writeJSONError(w, http.StatusConflict, err.Error())
		return
	}
	s.bus.Manager(cfg.Manager)
	s.bus.Status("started")
	s.writeJSON(w, map[string]any{"status": "started", "mode": cfg.Mode})
}

func (s *Server) stopRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.signals.RequestStop()
	s.bus.Status("stopping")
	s.writeJSON(w, map[string]string{"status": "stopping"})
}

func (s *Server) setMode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	var req struct {
		Mode config.Mode `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid mode request: %v", err))
		return
	}
	if !req.Mode.Valid() {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown mode %q", req.Mode))
		return
	}
	s.signals.SetMode(req.Mode)
	s.bus.Logf("mode changed to %s", req.Mode)
	s.writeJSON(w, map[string]any{"mode": req.Mode})
}

func (s *Server) addFarms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	var req struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid add-farms request: %v", err))
		return
	}
	if req.Count <= 0 {
		s.writeJSONError(w, http.StatusBadRequest, "count must be > 0")
		return
	}
	total := s.signals.AddFarms(req.Count)
	s.bus.FarmCount(total)
	s.writeJSON(w, map[string]int{"maxFarms": total})
}
