// Package sitetime handles the target dashboard's local time. The site
// renders sensor timestamps and form fields in Korean local time, so every
// hour-of-day decision in the pipeline must be made in the site zone rather
// than in the process zone.
package sitetime

import (
	"fmt"
	"time"
)

// DefaultZone is the tz database name for the target site's locale.
const DefaultZone = "Asia/Seoul"

// Load returns the location for the given tz database name, defaulting to
// DefaultZone when tz is empty.
func Load(tz string) (*time.Location, error) {
	if tz == "" {
		tz = DefaultZone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %s: %w", tz, err)
	}
	return loc, nil
}

// MustLoad is Load for initialization paths where the zone name is a constant.
func MustLoad(tz string) *time.Location {
	loc, err := Load(tz)
	if err != nil {
		panic(err)
	}
	return loc
}

// FormatHHMM renders t as the site's HH:MM form-field format.
func FormatHHMM(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("15:04")
}

// ParseHHMM parses an HH:MM form-field value. The returned time carries only
// hour and minute on the zero date in loc; callers compare wall-clock values.
func ParseHHMM(s string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation("15:04", s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid HH:MM value %q: %w", s, err)
	}
	return t, nil
}

// DateString renders the date of t in the site zone as YYYY-MM-DD, the format
// used in navigation URLs and persisted records.
func DateString(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}
