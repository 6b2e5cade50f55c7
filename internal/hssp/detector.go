// Package hssp implements the Highest Slope Start Point irrigation-event
// detector: a rolling-window scan that finds sustained moisture rises, walks
// back to the valley the rise started from, and filters by daytime hours,
// minimum rise, debounce, and duplicate separation.
package hssp

import (
	"sort"
	"time"

	"github.com/cropwatch/irrigation.report/internal/series"
)

// Tuned detector parameters. These are constants of the component, not
// runtime configuration; they were fixed against labeled greenhouse data.
const (
	// SurgeWindow is the number of minutes between compared samples.
	SurgeWindow = 10
	// SurgeThresholdPct is the fraction of y-range counting as a sustained rise.
	SurgeThresholdPct = 0.05
	// SurgeThresholdMin is the absolute lower bound for the surge threshold.
	SurgeThresholdMin = 0.10
	// MinRiseAbsolute is the floor on rise from valley to surge sample.
	MinRiseAbsolute = 0.05
	// LookbackWindow is the number of minutes scanned backwards for the valley.
	LookbackWindow = 30
	// DebounceMinutes is the minimum gap between accepted events.
	DebounceMinutes = 60
	// MinValleyDepth is how far a valley must sit below its neighbors.
	MinValleyDepth = 0.03
	// DaytimeStartHour and DaytimeEndHour bound valid local event hours.
	DaytimeStartHour = 7
	DaytimeEndHour   = 17
	// MinSeparationPct marks events within this fraction of the series
	// length as duplicates of each other.
	MinSeparationPct = 0.05
)

// Event is one detected irrigation event: the valley the moisture rise
// started from and the peak it reached.
type Event struct {
	ValleyIndex int       `json:"valley_index"`
	PeakIndex   int       `json:"peak_index"`
	Rise        float64   `json:"rise"`
	ValleyTime  time.Time `json:"valley_time"`
	PeakTime    time.Time `json:"peak_time"`
}

// Detect finds irrigation events in s. An empty result is the valid
// no-irrigation signal, not an error. Detection is deterministic.
//
// Sample timestamps must already be in the site-local zone; the daytime
// filter reads the wall-clock hour off the valley timestamp.
func Detect(s series.Series) []Event {
	if len(s) < series.MinPoints {
		return nil
	}

	yMin, yMax := s.YRange()
	threshold := (yMax - yMin) * SurgeThresholdPct
	if threshold < SurgeThresholdMin {
		threshold = SurgeThresholdMin
	}

	var candidates []Event
	lastAccepted := -DebounceMinutes

	for i := SurgeWindow; i < len(s)-5; i++ {
		if s[i].Y-s[i-SurgeWindow].Y <= threshold {
			continue
		}
		if i <= lastAccepted+DebounceMinutes {
			continue
		}

		valley := findValley(s, i)
		if s[i].Y-s[valley].Y < MinRiseAbsolute {
			continue
		}
		if !daytime(s[valley].T) {
			continue
		}

		// Extend to the top of the rise: the surge sample is only where the
		// slope first cleared the threshold, not where irrigation ended.
		peak := i
		for peak+1 < len(s) && s[peak+1].Y > s[peak].Y {
			peak++
		}

		candidates = append(candidates, Event{
			ValleyIndex: valley,
			PeakIndex:   peak,
			Rise:        s[peak].Y - s[valley].Y,
			ValleyTime:  s[valley].T,
			PeakTime:    s[peak].T,
		})
		lastAccepted = valley
		if next := valley + 15; next > i {
			i = next
		}
	}

	return dedupe(candidates, len(s))
}

// findValley returns the index of the minimum sample in the lookback window
// before i. Ties go to the latest index so the valley lands where the rise
// actually starts rather than at the beginning of a flat stretch.
func findValley(s series.Series, i int) int {
	lo := i - LookbackWindow
	if lo < 0 {
		lo = 0
	}
	valley := lo
	for j := lo; j <= i; j++ {
		if s[j].Y <= s[valley].Y {
			valley = j
		}
	}
	return valley
}

func daytime(t time.Time) bool {
	h := t.Hour()
	return h >= DaytimeStartHour && h <= DaytimeEndHour
}

// dedupe collapses candidates whose valleys sit within MinSeparationPct of
// the series length, keeping the larger rise, then orders events by valley.
func dedupe(candidates []Event, n int) []Event {
	if len(candidates) == 0 {
		return nil
	}
	minSep := int(float64(n) * MinSeparationPct)

	var accepted []Event
	for _, c := range candidates {
		dup := -1
		for k, a := range accepted {
			sep := c.ValleyIndex - a.ValleyIndex
			if sep < 0 {
				sep = -sep
			}
			if sep < minSep {
				dup = k
				break
			}
		}
		if dup < 0 {
			accepted = append(accepted, c)
		} else if c.Rise > accepted[dup].Rise {
			accepted[dup] = c
		}
	}

	sort.Slice(accepted, func(a, b int) bool {
		return accepted[a].ValleyIndex < accepted[b].ValleyIndex
	})
	return accepted
}

// FirstLast returns the earliest and latest events. With a single event both
// returns are that event; the caller decides whether to fill one slot or two.
func FirstLast(events []Event) (first, last Event, ok bool) {
	if len(events) == 0 {
		return Event{}, Event{}, false
	}
	return events[0], events[len(events)-1], true
}
