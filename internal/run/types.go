// Package run is the orchestrator: the per-(manager, farm, date) state
// machine that drives the browser through login, farm selection, capture,
// detection, clicking, and verification, and records every outcome.
package run

// Per-date outcome statuses.
const (
	StatusFilled        = "filled"
	StatusAlreadyFilled = "already_filled"
	StatusNoIrrigation  = "no_irrigation"
	StatusError         = "error"
	StatusSkipped       = "skipped"
)

// DateResult is the outcome of one (farm, date). Every visited date yields
// exactly one.
type DateResult struct {
	Date           string  `json:"date"`
	FirstTime      string  `json:"firstTime,omitempty"`
	LastTime       string  `json:"lastTime,omitempty"`
	Status         string  `json:"status"`
	Reason         string  `json:"reason,omitempty"`
	PointsAnalyzed int     `json:"pointsAnalyzed"`
	YRange         float64 `json:"yRange"`
}

// FarmRecord collects one farm's date results. Created and mutated only by
// the orchestrator goroutine; persisted when the farm finishes.
type FarmRecord struct {
	FarmID      string       `json:"farmId"`
	SectionID   string       `json:"sectionId"`
	DisplayName string       `json:"displayName"`
	Manager     string       `json:"manager"`
	Dates       []DateResult `json:"dates"`
}

// HasData reports whether any date on this farm produced irrigation times.
func (f FarmRecord) HasData() bool {
	for _, d := range f.Dates {
		if d.Status == StatusFilled || d.Status == StatusAlreadyFilled {
			return true
		}
	}
	return false
}
