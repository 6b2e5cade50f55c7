// Package journal keeps the append-only per-run history. Exactly one entry
// is appended per run, whether it completed, aborted, or died on a fatal
// error.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/cropwatch/irrigation.report/internal/fsutil"
)

// DefaultPath is where run entries are persisted.
const DefaultPath = "history/run_logs.json"

// Counts aggregates per-run outcome counters.
type Counts struct {
	FarmsCompleted int `json:"farmsCompleted"`
	DatesProcessed int `json:"datesProcessed"`
	ChartsClicked  int `json:"chartsClicked"`
	Success        int `json:"success"`
	Skip           int `json:"skip"`
	Error          int `json:"error"`
	NoIrrigation   int `json:"noIrrigation"`
	ReportsCreated int `json:"reportsCreated,omitempty"`
}

// Entry is one run's record. Immutable once appended. Older files may lack
// newer fields; readers must tolerate their zero values.
type Entry struct {
	RunID           string    `json:"runId,omitempty"`
	StartedAt       time.Time `json:"startedAt"`
	EndedAt         time.Time `json:"endedAt"`
	DurationSeconds float64   `json:"durationSeconds"`
	Manager         string    `json:"manager"`
	Mode            string    `json:"mode,omitempty"`
	Status          string    `json:"status"` // completed, aborted, fatal
	RequestedFarms  int       `json:"requestedFarms"`
	ActualFarms     int       `json:"actualFarms"`
	DateFrom        string    `json:"dateFrom,omitempty"`
	DateTo          string    `json:"dateTo,omitempty"`
	Counts          Counts    `json:"counts"`
}

// Journal is the append-only run log file.
type Journal struct {
	fs   fsutil.FileSystem
	path string
}

// New creates a journal over path, using the real filesystem when fs is nil.
func New(fs fsutil.FileSystem, path string) *Journal {
	if fs == nil {
		fs = fsutil.OSFileSystem{}
	}
	if path == "" {
		path = DefaultPath
	}
	return &Journal{fs: fs, path: path}
}

// Entries loads all persisted entries, newest last. Missing file = empty.
func (j *Journal) Entries() ([]Entry, error) {
	data, err := j.fs.ReadFile(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read run journal: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("run journal is corrupt: %w", err)
	}
	return entries, nil
}

// Append adds one entry and rewrites the file atomically.
func (j *Journal) Append(e Entry) error {
	entries, err := j.Entries()
	if err != nil {
		return err
	}
	entries = append(entries, e)

	if err := j.fs.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		return fmt.Errorf("failed to create journal directory: %w", err)
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode run journal: %w", err)
	}
	return fsutil.WriteFileAtomic(j.fs, j.path, data, 0o644)
}

// Summary is an aggregate over all recorded runs for the history view.
type Summary struct {
	Runs              int     `json:"runs"`
	TotalDates        int     `json:"totalDates"`
	TotalClicks       int     `json:"totalClicks"`
	MeanDurationSecs  float64 `json:"meanDurationSeconds"`
	P85DurationSecs   float64 `json:"p85DurationSeconds"`
	CompletedRunCount int     `json:"completedRuns"`
}

// Summarize computes run statistics for display.
func (j *Journal) Summarize() (Summary, error) {
	entries, err := j.Entries()
	if err != nil {
		return Summary{}, err
	}
	s := Summary{Runs: len(entries)}
	if len(entries) == 0 {
		return s, nil
	}
	durations := make([]float64, 0, len(entries))
	for _, e := range entries {
		s.TotalDates += e.Counts.DatesProcessed
		s.TotalClicks += e.Counts.ChartsClicked
		if e.Status == "completed" {
			s.CompletedRunCount++
		}
		durations = append(durations, e.DurationSeconds)
	}
	s.MeanDurationSecs = stat.Mean(durations, nil)
	sorted := append([]float64(nil), durations...)
	sort.Float64s(sorted)
	s.P85DurationSecs = stat.Quantile(0.85, stat.Empirical, sorted, nil)
	return s, nil
}
