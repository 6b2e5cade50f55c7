// Package archive stores every captured sensor series and its detection
// result in sqlite. The archive backs the dashboard's debug chart and the
// offline detect-compare tool, and makes re-analysis possible without
// re-visiting the target site.
package archive

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cropwatch/irrigation.report/internal/hssp"
	"github.com/cropwatch/irrigation.report/internal/series"
)

// ErrNotFound reports that no capture exists for the requested (farm, date).
var ErrNotFound = errors.New("no archived capture for farm/date")

// Archive wraps the sqlite handle.
type Archive struct {
	*sql.DB
}

// Open opens (creating if needed) the archive database at path.
func Open(path string) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", path, err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set archive pragmas: %w", err)
	}
	return &Archive{db}, nil
}

// CaptureMeta describes one archived capture without its points.
type CaptureMeta struct {
	ID         int64     `json:"id"`
	FarmID     string    `json:"farmId"`
	SectionID  string    `json:"sectionId"`
	Date       string    `json:"date"`
	URL        string    `json:"url"`
	CapturedAt time.Time `json:"capturedAt"`
	PointCount int       `json:"pointCount"`
}

// SaveCapture stores a normalized series for (farm, date), replacing any
// earlier capture for the same key.
func (a *Archive) SaveCapture(farmID, sectionID, date, url string, capturedAt time.Time, s series.Series) (int64, error) {
	points, err := json.Marshal(s)
	if err != nil {
		return 0, fmt.Errorf("failed to encode series: %w", err)
	}
	res, err := a.Exec(
		`INSERT INTO captures (farm_id, section_id, date, url, captured_at, point_count, points_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(farm_id, date) DO UPDATE SET
		   section_id = excluded.section_id,
		   url = excluded.url,
		   captured_at = excluded.captured_at,
		   point_count = excluded.point_count,
		   points_json = excluded.points_json`,
		farmID, sectionID, date, url, capturedAt.UTC().Format(time.RFC3339Nano), len(s), string(points),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to save capture: %w", err)
	}
	id, _ := res.LastInsertId()
	return id, nil
}

// SaveDetections replaces the detection rows for (farm, date).
func (a *Archive) SaveDetections(farmID, date string, events []hssp.Event) error {
	tx, err := a.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM detections WHERE farm_id = ? AND date = ?`, farmID, date); err != nil {
		return fmt.Errorf("failed to clear detections: %w", err)
	}
	for _, e := range events {
		_, err := tx.Exec(
			`INSERT INTO detections (farm_id, date, valley_idx, peak_idx, rise, valley_time, peak_time)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			farmID, date, e.ValleyIndex, e.PeakIndex, e.Rise,
			e.ValleyTime.UTC().Format(time.RFC3339Nano),
			e.PeakTime.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("failed to insert detection: %w", err)
		}
	}
	return tx.Commit()
}

// Capture loads the archived series for (farm, date).
func (a *Archive) Capture(farmID, date string) (CaptureMeta, series.Series, error) {
	row := a.QueryRow(
		`SELECT id, farm_id, section_id, date, url, captured_at, point_count, points_json
		 FROM captures WHERE farm_id = ? AND date = ?`,
		farmID, date,
	)
	var meta CaptureMeta
	var capturedAt, points string
	err := row.Scan(&meta.ID, &meta.FarmID, &meta.SectionID, &meta.Date, &meta.URL, &capturedAt, &meta.PointCount, &points)
	if errors.Is(err, sql.ErrNoRows) {
		return CaptureMeta{}, nil, ErrNotFound
	}
	if err != nil {
		return CaptureMeta{}, nil, fmt.Errorf("failed to load capture: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, capturedAt); err == nil {
		meta.CapturedAt = t
	}
	var s series.Series
	if err := json.Unmarshal([]byte(points), &s); err != nil {
		return CaptureMeta{}, nil, fmt.Errorf("archived series is corrupt: %w", err)
	}
	return meta, s, nil
}

// Captures lists archived captures for a date range, oldest first. Empty
// bounds are open.
func (a *Archive) Captures(farmID, from, to string) ([]CaptureMeta, error) {
	q := `SELECT id, farm_id, section_id, date, url, captured_at, point_count
	      FROM captures WHERE 1=1`
	var args []any
	if farmID != "" {
		q += ` AND farm_id = ?`
		args = append(args, farmID)
	}
	if from != "" {
		q += ` AND date >= ?`
		args = append(args, from)
	}
	if to != "" {
		q += ` AND date <= ?`
		args = append(args, to)
	}
	q += ` ORDER BY date ASC, farm_id ASC`

	rows, err := a.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list captures: %w", err)
	}
	defer rows.Close()

	var out []CaptureMeta
	for rows.Next() {
		var m CaptureMeta
		var capturedAt string
		if err := rows.Scan(&m.ID, &m.FarmID, &m.SectionID, &m.Date, &m.URL, &capturedAt, &m.PointCount); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, capturedAt); err == nil {
			m.CapturedAt = t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Detections loads the stored detection rows for (farm, date), ordered by
// valley index.
func (a *Archive) Detections(farmID, date string) ([]hssp.Event, error) {
	rows, err := a.Query(
		`SELECT valley_idx, peak_idx, rise, valley_time, peak_time
		 FROM detections WHERE farm_id = ? AND date = ? ORDER BY valley_idx ASC`,
		farmID, date,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load detections: %w", err)
	}
	defer rows.Close()

	var out []hssp.Event
	for rows.Next() {
		var e hssp.Event
		var valleyTime, peakTime string
		if err := rows.Scan(&e.ValleyIndex, &e.PeakIndex, &e.Rise, &valleyTime, &peakTime); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, valleyTime); err == nil {
			e.ValleyTime = t
		}
		if t, err := time.Parse(time.RFC3339Nano, peakTime); err == nil {
			e.PeakTime = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
