package run

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cropwatch/irrigation.report/internal/fsutil"
)

// DateRange describes the window a run covered.
type DateRange struct {
	Description string `json:"description"`
	TotalDays   int    `json:"totalDays"`
}

// Output is the per-run result file written to the data directory.
type Output struct {
	ExtractedAt         time.Time    `json:"extractedAt"`
	Manager             string       `json:"manager"`
	DateRange           DateRange    `json:"dateRange"`
	TotalFarms          int          `json:"totalFarms"`
	FarmsWithData       int          `json:"farmsWithData"`
	TotalDatesProcessed int          `json:"totalDatesProcessed"`
	TotalDatesWithData  int          `json:"totalDatesWithData"`
	Farms               []FarmRecord `json:"farms"`
}

// buildOutput aggregates the per-farm records into the run output shape.
func buildOutput(extractedAt time.Time, manager string, days int, farms []FarmRecord) Output {
	out := Output{
		ExtractedAt: extractedAt,
		Manager:     manager,
		DateRange: DateRange{
			Description: fmt.Sprintf("last %d days", days),
			TotalDays:   days,
		},
		TotalFarms: len(farms),
		Farms:      farms,
	}
	for _, f := range farms {
		if f.HasData() {
			out.FarmsWithData++
		}
		for _, d := range f.Dates {
			out.TotalDatesProcessed++
			if d.Status == StatusFilled || d.Status == StatusAlreadyFilled {
				out.TotalDatesWithData++
			}
		}
	}
	return out
}

// writeOutput persists the run output as data/all-farms-data-<timestamp>.json.
func (o *Orchestrator) writeOutput(out Output) (string, error) {
	if err := o.fs.MkdirAll(o.app.GetDataDir(), 0o755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	name := fmt.Sprintf("all-farms-data-%s.json", out.ExtractedAt.In(o.loc).Format("2006-01-02T15-04-05"))
	path := filepath.Join(o.app.GetDataDir(), name)
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode run output: %w", err)
	}
	if err := fsutil.WriteFileAtomic(o.fs, path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
