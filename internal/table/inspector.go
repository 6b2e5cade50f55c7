// Package table reads and validates the dashboard's irrigation-time form
// cells, and decides per date whether to skip, fill, or send.
package table

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cropwatch/irrigation.report/internal/browser"
	"github.com/cropwatch/irrigation.report/internal/sitetime"
)

// Labels of the two form cells in the right-hand panel.
const (
	FirstTimeLabel = "구역 1 첫 급액 시간 1 (시분)"
	LastTimeLabel  = "구역 1 마지막 급액 시간 1 (시분)"
)

// ReportButtonText identifies the report-creation button.
const ReportButtonText = "리포트 생성"

var hhmmRe = regexp.MustCompile(`^\d{1,2}:\d{2}$`)

// NormalizeCell maps a raw cell value to either a kept HH:MM time or the
// empty string. The dashboard renders unfilled slots as '-', '—', '--:--',
// or a "클릭" placeholder prompt. Values shaped like times but out of wall
// clock range (25:99) are treated as unfilled.
func NormalizeCell(raw string) string {
	v := strings.TrimSpace(raw)
	switch v {
	case "", "-", "—", "--:--":
		return ""
	}
	if strings.Contains(v, "클릭") {
		return ""
	}
	if !hhmmRe.MatchString(v) {
		return ""
	}
	if _, err := sitetime.ParseHHMM(v, time.UTC); err != nil {
		return ""
	}
	return v
}

// State is the normalized form state for one date.
type State struct {
	FirstTime       string
	LastTime        string
	NeedsFirstClick bool
	NeedsLastClick  bool
}

// Action is the per-date decision derived from form state and detection.
type Action int

const (
	// ActionAlreadyFilled means both slots hold times; do not touch the page.
	ActionAlreadyFilled Action = iota
	// ActionNoIrrigation means nothing to fill and no events detected.
	ActionNoIrrigation
	// ActionFill means clicks are required for the unfilled slots.
	ActionFill
)

func (a Action) String() string {
	switch a {
	case ActionAlreadyFilled:
		return "already_filled"
	case ActionNoIrrigation:
		return "no_irrigation"
	case ActionFill:
		return "fill"
	}
	return "unknown"
}

// Decide applies the decision matrix: both slots filled wins regardless of
// detection; zero events means no irrigation; otherwise fill.
func Decide(st State, eventCount int) Action {
	if !st.NeedsFirstClick && !st.NeedsLastClick {
		return ActionAlreadyFilled
	}
	if eventCount == 0 {
		return ActionNoIrrigation
	}
	return ActionFill
}

// Inspector reads form cells off the live page.
type Inspector struct {
	driver browser.Driver
}

// NewInspector wires an inspector to a driver.
func NewInspector(driver browser.Driver) *Inspector {
	return &Inspector{driver: driver}
}

// cellScript returns JS that finds the element whose trimmed text equals the
// label and reads the adjacent value cell.
func cellScript(label string) string {
	return fmt.Sprintf(`(() => {
  const nodes = document.querySelectorAll('td, th, div, span, dt, label');
  for (const n of nodes) {
    if (n.children.length === 0 && n.textContent.trim() === %q) {
      const sib = n.nextElementSibling;
      if (sib) return sib.textContent.trim();
      const cell = n.closest('tr, .row, dl');
      if (cell) {
        const vals = cell.querySelectorAll('td, dd, .value');
        if (vals.length > 0) return vals[vals.length - 1].textContent.trim();
      }
    }
  }
  return '';
})()`, label)
}

// ReadState reads and normalizes the first/last irrigation-time cells.
func (i *Inspector) ReadState(ctx context.Context) (State, error) {
	var first, last string
	if err := i.driver.Evaluate(ctx, cellScript(FirstTimeLabel), &first); err != nil {
		return State{}, fmt.Errorf("failed to read first-time cell: %w", err)
	}
	if err := i.driver.Evaluate(ctx, cellScript(LastTimeLabel), &last); err != nil {
		return State{}, fmt.Errorf("failed to read last-time cell: %w", err)
	}
	st := State{
		FirstTime: NormalizeCell(first),
		LastTime:  NormalizeCell(last),
	}
	st.NeedsFirstClick = st.FirstTime == ""
	st.NeedsLastClick = st.LastTime == ""
	return st, nil
}

// ReportTable is the raw validation cells read in report-sending mode.
type ReportTable struct {
	NightDeviation  string // 야간 함수율 편차
	LastIrrigation  string // 마지막 급액 시간
	FirstIrrigation string // 첫 급액 시간
	Sunrise         string // 일출 시
}

// ReadReportTable reads the four report-precondition cells.
func (i *Inspector) ReadReportTable(ctx context.Context) (ReportTable, error) {
	var rt ReportTable
	reads := []struct {
		label string
		dst   *string
	}{
		{"야간 함수율 편차", &rt.NightDeviation},
		{"마지막 급액 시간", &rt.LastIrrigation},
		{"첫 급액 시간", &rt.FirstIrrigation},
		{"일출 시", &rt.Sunrise},
	}
	for _, r := range reads {
		if err := i.driver.Evaluate(ctx, cellScript(r.label), r.dst); err != nil {
			return ReportTable{}, fmt.Errorf("failed to read %s cell: %w", r.label, err)
		}
		*r.dst = strings.TrimSpace(*r.dst)
	}
	return rt, nil
}

// ValidateForReport enforces the four report preconditions. When any fail,
// the concatenated reasons explain the skip.
func ValidateForReport(rt ReportTable) (ok bool, reason string) {
	var reasons []string
	if rt.NightDeviation != "-" {
		reasons = append(reasons, `야간 함수율 편차 must be "-"`)
	}
	if rt.LastIrrigation != "-" {
		reasons = append(reasons, `마지막 급액 시간 must be "-"`)
	}
	if rt.FirstIrrigation == "-" || rt.FirstIrrigation == "" {
		reasons = append(reasons, `첫 급액 시간 must be filled`)
	}
	if rt.Sunrise == "-" || rt.Sunrise == "" {
		reasons = append(reasons, `일출 시 must be filled`)
	}
	if len(reasons) > 0 {
		return false, strings.Join(reasons, "; ")
	}
	return true, ""
}

// ClickReportButton clicks the report-creation button by its text.
func (i *Inspector) ClickReportButton(ctx context.Context) error {
	script := fmt.Sprintf(`(() => {
  const buttons = document.querySelectorAll('button');
  for (const b of buttons) {
    if (b.textContent.includes(%q)) { b.click(); return true; }
  }
  return false;
})()`, ReportButtonText)
	var clicked bool
	if err := i.driver.Evaluate(ctx, script, &clicked); err != nil {
		return fmt.Errorf("failed to click report button: %w", err)
	}
	if !clicked {
		return fmt.Errorf("report button %q not found", ReportButtonText)
	}
	return nil
}
