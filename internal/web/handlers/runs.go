package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/propmerge/internal/listing"
	"github.com/propmerge/internal/pipeline"
)

// Runner performs a merge pass
type Runner interface {
	Run(ctx context.Context, opts pipeline.Options) (listing.RunStats, error)
}

// RunsHandler triggers merge passes over HTTP, one at a time
type RunsHandler struct {
	Runner Runner
	Logger *slog.Logger

	running atomic.Bool
}

// RunRequest is the optional body of POST /api/runs
type RunRequest struct {
	Region  string `json:"region"`
	Workers int    `json:"workers"`
}

// StartRun runs a pass synchronously and returns its stats
func (h *RunsHandler) StartRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Workers < 0 {
		writeError(w, http.StatusBadRequest, "workers must not be negative")
		return
	}
	if !h.running.CompareAndSwap(false, true) {
		writeError(w, http.StatusConflict, "a merge pass is already running")
		return
	}
	defer h.running.Store(false)

	stats, err := h.Runner.Run(r.Context(), pipeline.Options{Region: req.Region, Workers: req.Workers})
	if err != nil {
		orDefault(h.Logger).Error("merge pass failed", "region", req.Region, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
