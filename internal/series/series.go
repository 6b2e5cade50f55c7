// Package series normalizes intercepted sensor payloads into an ordered
// time/value series. The dashboard's API answers in several JSON shapes
// depending on chart type; each known shape gets its own extractor and the
// first one that succeeds wins.
package series

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// MinPoints is the minimum usable series length for analysis.
const MinPoints = 10

// maxLeadingEmpty bounds the number of empty leading entries scanned before
// the sensor field is fixed for a node.* payload.
const maxLeadingEmpty = 20

// sensorFieldPreference orders the substrings used to pick the sensor field
// inside node.* entries. Slab weight is the most reliable irrigation signal,
// volumetric water content second.
var sensorFieldPreference = []string{"slabwgt", "slabvwc", "calslabvwc"}

var (
	// ErrNoKnownShape reports that none of the recognized payload shapes matched.
	ErrNoKnownShape = errors.New("payload matches no known series shape")
	// ErrNoNumericSensor reports that no usable numeric sensor field was found.
	ErrNoNumericSensor = errors.New("no numeric sensor field in payload")
	// ErrTooFewPoints reports a series shorter than MinPoints.
	ErrTooFewPoints = fmt.Errorf("series has fewer than %d points", MinPoints)
)

// Point is one sensor sample.
type Point struct {
	T time.Time `json:"t"`
	Y float64   `json:"y"`
}

// Series is an ordered sequence of points attributed to one (farm, date).
type Series []Point

// YRange returns min and max of Y over the series.
func (s Series) YRange() (min, max float64) {
	if len(s) == 0 {
		return 0, 0
	}
	min, max = s[0].Y, s[0].Y
	for _, p := range s[1:] {
		if p.Y < min {
			min = p.Y
		}
		if p.Y > max {
			max = p.Y
		}
	}
	return min, max
}

// Extract parses raw JSON and normalizes it into a Series. base is local
// midnight of the date under analysis; it anchors samples whose entries carry
// no timestamp (one minute per array index). Extraction is deterministic:
// equal input yields an equal series.
func Extract(raw []byte, base time.Time) (Series, error) {
	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("payload is not valid JSON: %w", err)
	}

	entries, isNode, err := recognizeShape(tree)
	if err != nil {
		return nil, err
	}

	var s Series
	if isNode {
		s, err = extractNodeEntries(entries, base)
	} else {
		s, err = extractGenericEntries(entries, base)
	}
	if err != nil {
		return nil, err
	}

	s = dropTimeRegressions(s)
	if len(s) < MinPoints {
		return nil, ErrTooFewPoints
	}
	return s, nil
}

// recognizeShape tries the known payload shapes in priority order and returns
// the entry array plus whether it came from a node.* key (those entries carry
// named sensor fields rather than plain values).
func recognizeShape(tree any) (entries []any, isNode bool, err error) {
	switch v := tree.(type) {
	case map[string]any:
		if arr, ok := nodeKeyedArray(v); ok {
			return arr, true, nil
		}
		if arr, ok := v["data"].([]any); ok {
			return arr, false, nil
		}
		if list, ok := v["series"].([]any); ok {
			for _, el := range list {
				if m, ok := el.(map[string]any); ok {
					if arr, ok := m["data"].([]any); ok {
						return arr, false, nil
					}
				}
			}
		}
		if arr, ok := v["items"].([]any); ok {
			return arr, false, nil
		}
	case []any:
		return v, false, nil
	}
	return nil, false, ErrNoKnownShape
}

func nodeKeyedArray(m map[string]any) ([]any, bool) {
	for k, v := range m {
		if strings.HasPrefix(k, "node.") {
			if arr, ok := v.([]any); ok {
				return arr, true
			}
		}
	}
	return nil, false
}

// extractNodeEntries handles node.* payloads: per-minute objects whose sensor
// field is chosen once by substring preference, skipping leading empties.
func extractNodeEntries(entries []any, base time.Time) (Series, error) {
	sensorKey := ""
	for i, e := range entries {
		if i >= maxLeadingEmpty {
			break
		}
		m, ok := e.(map[string]any)
		if !ok || len(m) == 0 {
			continue
		}
		sensorKey = pickSensorField(m)
		if sensorKey != "" {
			break
		}
	}
	if sensorKey == "" {
		return nil, ErrNoNumericSensor
	}

	s := make(Series, 0, len(entries))
	for i, e := range entries {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		y, ok := numeric(m[sensorKey])
		if !ok {
			continue
		}
		t := entryTime(m, base, i, "timestamp", "time", "t")
		s = append(s, Point{T: t, Y: y})
	}
	if len(s) == 0 {
		return nil, ErrNoNumericSensor
	}
	return s, nil
}

// pickSensorField selects the preferred sensor field present in an entry.
func pickSensorField(m map[string]any) string {
	for _, pref := range sensorFieldPreference {
		best := ""
		for k, v := range m {
			if !containsFold(k, pref) {
				continue
			}
			if _, ok := numeric(v); !ok {
				continue
			}
			// ties broken lexicographically so the choice is deterministic
			if best == "" || k < best {
				best = k
			}
		}
		if best != "" {
			return best
		}
	}
	return ""
}

// extractGenericEntries normalizes data/series/items/array shapes.
func extractGenericEntries(entries []any, base time.Time) (Series, error) {
	s := make(Series, 0, len(entries))
	for i, e := range entries {
		switch v := e.(type) {
		case []any:
			if len(v) >= 2 {
				y, yok := numeric(v[1])
				if !yok {
					continue
				}
				s = append(s, Point{T: instant(v[0], base, i), Y: y})
			}
		case map[string]any:
			if y, ok := numeric(v["y"]); ok {
				s = append(s, Point{T: entryTime(v, base, i, "x"), Y: y})
				continue
			}
			if y, ok := numeric(v["value"]); ok {
				s = append(s, Point{T: entryTime(v, base, i, "timestamp", "time"), Y: y})
			}
		case float64:
			if !math.IsNaN(v) && !math.IsInf(v, 0) {
				s = append(s, Point{T: indexTime(base, i), Y: v})
			}
		}
	}
	if len(s) == 0 {
		return nil, ErrNoNumericSensor
	}
	return s, nil
}

// entryTime resolves an entry's timestamp from the first present key, falling
// back to one minute per index.
func entryTime(m map[string]any, base time.Time, idx int, keys ...string) time.Time {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return instant(v, base, idx)
		}
	}
	return indexTime(base, idx)
}

// instant interprets a timestamp value: unix seconds, unix milliseconds, or a
// parseable string; anything else falls back to the index axis.
func instant(v any, base time.Time, idx int) time.Time {
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return indexTime(base, idx)
		}
		// unix milliseconds from JS charts land around 1e12; seconds near 1e9
		if t > 1e11 {
			return time.UnixMilli(int64(t)).In(base.Location())
		}
		if t > 1e8 {
			return time.Unix(int64(t), 0).In(base.Location())
		}
		return indexTime(base, idx)
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
			if parsed, err := time.ParseInLocation(layout, t, base.Location()); err == nil {
				return parsed
			}
		}
		return indexTime(base, idx)
	default:
		return indexTime(base, idx)
	}
}

func indexTime(base time.Time, idx int) time.Time {
	return base.Add(time.Duration(idx) * time.Minute)
}

func numeric(v any) (float64, bool) {
	f, ok := v.(float64)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), substr)
}

// dropTimeRegressions removes samples whose timestamp moves backwards so the
// series timestamps are non-decreasing.
func dropTimeRegressions(s Series) Series {
	out := s[:0]
	for _, p := range s {
		if len(out) > 0 && p.T.Before(out[len(out)-1].T) {
			continue
		}
		out = append(out, p)
	}
	return out
}
