package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fasciatrack/fasciatrack/pkg/importer"
	"github.com/fasciatrack/fasciatrack/pkg/log"
	"github.com/fasciatrack/fasciatrack/pkg/types"
)

// podFromRequest resolves the pod query parameter. With a single
// configured POD the parameter is optional.
func (s *Server) podFromRequest(r *http.Request) (string, error) {
	pod := r.URL.Query().Get("pod")
	pods := s.orch.PODs()
	if pod == "" {
		if len(pods) == 1 {
			return pods[0], nil
		}
		return "", fmt.Errorf("pod parameter is required")
	}
	for _, p := range pods {
		if p == pod {
			return pod, nil
		}
	}
	return "", fmt.Errorf("unknown pod: %s", pod)
}

func parseTimeRange(r *http.Request) (time.Time, time.Time, error) {
	startStr := r.URL.Query().Get("start")
	endStr := r.URL.Query().Get("end")

	if startStr == "" || endStr == "" {
		// Default to the last 7 days if not specified
		end := time.Now()
		start := end.AddDate(0, 0, -7)
		return start, end, nil
	}

	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start time: %w", err)
	}

	end, err := time.Parse(time.RFC3339, endStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end time: %w", err)
	}

	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("start time must be before end time")
	}

	if end.Sub(start) > 366*24*time.Hour {
		return time.Time{}, time.Time{}, fmt.Errorf("time range cannot exceed one year")
	}

	return start, end, nil
}

// seriesFromRequest maps the series query parameter to a series kind.
func seriesFromRequest(r *http.Request) (types.SeriesKind, error) {
	switch r.URL.Query().Get("series") {
	case "", "total":
		return types.SeriesTotal, nil
	case "f1":
		return types.SeriesF1, nil
	case "f2":
		return types.SeriesF2, nil
	case "f3":
		return types.SeriesF3, nil
	default:
		return "", fmt.Errorf("unknown series: %s", r.URL.Query().Get("series"))
	}
}

func (s *Server) setHistoryCacheHeaders(w http.ResponseWriter, end time.Time) {
	// Ranges that end before today never change, cache them for a day
	today := time.Now().Truncate(24 * time.Hour)
	if end.Before(today) {
		w.Header().Set("Cache-Control", "private, max-age=86400")
	} else {
		w.Header().Set("Cache-Control", "private, max-age=60")
	}
}

func (s *Server) handleHistoryConsumption(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pod, err := s.podFromRequest(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	start, end, err := parseTimeRange(r)
	if err != nil {
		writeJSONError(w, "invalid time range: "+err.Error(), http.StatusBadRequest)
		return
	}
	kind, err := seriesFromRequest(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	points, err := s.storage.GetPoints(ctx, pod, kind, start, end)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get consumption points",
			slog.String("pod", pod), slog.String("series", string(kind)), slog.Any("error", err))
		writeJSONError(w, "failed to get consumption history", http.StatusInternalServerError)
		return
	}

	s.setHistoryCacheHeaders(w, end)
	writeJSON(w, struct {
		POD    string                 `json:"pod"`
		Series types.SeriesKind       `json:"series"`
		Points []types.StatisticPoint `json:"points"`
	}{POD: pod, Series: kind, Points: points})
}

func (s *Server) handleHistoryCost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pod, err := s.podFromRequest(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	start, end, err := parseTimeRange(r)
	if err != nil {
		writeJSONError(w, "invalid time range: "+err.Error(), http.StatusBadRequest)
		return
	}

	points, err := s.storage.GetPoints(ctx, pod, types.SeriesCost, start, end)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get cost points",
			slog.String("pod", pod), slog.Any("error", err))
		writeJSONError(w, "failed to get cost history", http.StatusInternalServerError)
		return
	}

	resp := struct {
		POD      string                   `json:"pod"`
		Points   []types.StatisticPoint   `json:"points"`
		Invoices *importer.InvoiceSummary `json:"invoices,omitempty"`
	}{POD: pod, Points: points}
	if sum, ok := s.orch.Invoices(pod); ok {
		resp.Invoices = &sum
	}

	s.setHistoryCacheHeaders(w, end)
	writeJSON(w, resp)
}

// handleLatest returns the display snapshot for every configured POD.
func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Available bool                  `json:"available"`
		PODs      []importer.LatestView `json:"pods"`
	}{Available: s.orch.Available()}

	for _, pod := range s.orch.PODs() {
		if view, ok := s.orch.LatestDay(pod); ok {
			resp.PODs = append(resp.PODs, view)
		}
	}

	writeJSON(w, resp)
}
