package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/propmerge/internal/listing"
	"github.com/propmerge/internal/store"
)

// StatsHandler serves daily merge statistics
type StatsHandler struct {
	Store  store.Store
	Logger *slog.Logger
}

// ListStats returns the most recent run dates first. Query: limit (default 30).
func (h *StatsHandler) ListStats(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r.URL.Query().Get("limit"), 30)
	if limit < 0 {
		limit = 30
	}
	stats, err := h.Store.ListRunStats(r.Context(), limit)
	if err != nil {
		writeStoreError(w, orDefault(h.Logger), err)
		return
	}
	if stats == nil {
		stats = []listing.RunStats{}
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetStats returns the stats of one run date given as YYYY-MM-DD
func (h *StatsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	day, err := time.Parse(time.DateOnly, mux.Vars(r)["date"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	stats, err := h.Store.GetRunStats(r.Context(), day)
	if err != nil {
		writeStoreError(w, orDefault(h.Logger), err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
