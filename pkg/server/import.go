package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/fasciatrack/fasciatrack/pkg/importer"
	"github.com/fasciatrack/fasciatrack/pkg/log"
)

const (
	defaultImportDays = 90
	maxImportDays     = 365
)

// handleUpdate runs one incremental import tick. Wired to the scheduler,
// the same work the consumption poller does.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.orch.IncrementalTick(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "update failed", slog.Any("error", err))
		writeJSONError(w, "update failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{
		"status":    "success",
		"available": s.orch.Available(),
	})
}

// handleImport kicks off a historical rebuild in the background.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		Days int `json:"days"`
	}
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeJSONError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	days := req.Days
	if days == 0 {
		days = defaultImportDays
	}
	if days < 1 {
		days = 1
	}
	if days > maxImportDays {
		days = maxImportDays
	}

	// the rebuild outlives the request, only the logger carries over
	if err := s.orch.BeginHistorical(context.WithoutCancel(ctx), days); err != nil {
		if errors.Is(err, importer.ErrBusy) {
			writeJSONError(w, "an import is already running", http.StatusConflict)
			return
		}
		log.Ctx(ctx).ErrorContext(ctx, "failed to start historical import", slog.Any("error", err))
		writeJSONError(w, "failed to start import", http.StatusInternalServerError)
		return
	}

	log.Ctx(ctx).InfoContext(ctx, "historical import started", slog.Int("days", days))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(map[string]any{
		"status": "started",
		"days":   days,
	}); err != nil {
		panic(http.ErrAbortHandler)
	}
}
