package control

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/cropwatch/irrigation.report/internal/archive"
	"github.com/cropwatch/irrigation.report/internal/sitetime"
)

// seriesChart renders an archived capture with its detected events as an
// HTML chart. Debug endpoint; the dashboard links to it per (farm, date).
func (s *Server) seriesChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.archive == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "archive not configured")
		return
	}
	farm := r.URL.Query().Get("farm")
	date := r.URL.Query().Get("date")
	if farm == "" || date == "" {
		s.writeJSONError(w, http.StatusBadRequest, "Missing 'farm' or 'date' parameter")
		return
	}

	meta, points, err := s.archive.Capture(farm, date)
	if errors.Is(err, archive.ErrNotFound) {
		s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("no capture for farm=%s date=%s", farm, date))
		return
	}
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load capture: %v", err))
		return
	}
	events, err := s.archive.Detections(farm, date)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load detections: %v", err))
		return
	}

	loc, err := sitetime.Load(s.app.GetTimezone())
	if err != nil {
		loc = time.Local
	}
	labels := make([]string, len(points))
	lineData := make([]opts.LineData, len(points))
	for i, p := range points {
		labels[i] = sitetime.FormatHHMM(p.T, loc)
		lineData[i] = opts.LineData{Value: p.Y}
	}

	// Event markers aligned to the category axis; "-" renders as a gap.
	valleyData := make([]opts.ScatterData, len(points))
	peakData := make([]opts.ScatterData, len(points))
	for i := range points {
		valleyData[i] = opts.ScatterData{Value: "-"}
		peakData[i] = opts.ScatterData{Value: "-"}
	}
	for _, e := range events {
		if e.ValleyIndex >= 0 && e.ValleyIndex < len(points) {
			valleyData[e.ValleyIndex] = opts.ScatterData{Value: points[e.ValleyIndex].Y}
		}
		if e.PeakIndex >= 0 && e.PeakIndex < len(points) {
			peakData[e.PeakIndex] = opts.ScatterData{Value: points[e.PeakIndex].Y}
		}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle: fmt.Sprintf("Series %s %s", farm, date),
			Width:     "1200px",
			Height:    "600px",
		}),
		charts.WithTitleOpts(opts.Title{
			Title:    fmt.Sprintf("Soil moisture %s", farm),
			Subtitle: fmt.Sprintf("date=%s points=%d events=%d captured=%s", date, len(points), len(events), meta.CapturedAt.Format("2006-01-02 15:04:05")),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Scale: opts.Bool(true), Name: "VWC"}),
	)
	line.SetXAxis(labels).
		AddSeries("series", lineData, charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(false)}))

	scatter := charts.NewScatter()
	scatter.SetXAxis(labels)
	scatter.AddSeries("valley", valleyData,
		charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 12}),
		charts.WithItemStyleOpts(opts.ItemStyle{Color: "#ff5252"}))
	scatter.AddSeries("peak", peakData,
		charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 12}),
		charts.WithItemStyleOpts(opts.ItemStyle{Color: "#1f9e89"}))
	line.Overlap(scatter)

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}
