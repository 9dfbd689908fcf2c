package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/propmerge/internal/listing"
	"github.com/propmerge/internal/normalize"
	"github.com/propmerge/internal/store"
)

// PropertiesHandler serves merged properties
type PropertiesHandler struct {
	Store  store.Store
	Logger *slog.Logger
}

// PropertiesListResponse is a page of merged properties
type PropertiesListResponse struct {
	Properties []*listing.MergedEntity `json:"properties"`
	Page       int                     `json:"page"`
	PerPage    int                     `json:"per_page"`
}

// ListProperties returns a filtered, paginated list.
// Query: region, conflicts=true, min_sources, page, per_page.
func (h *PropertiesHandler) ListProperties(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	page := parseIntParam(query.Get("page"), 1)
	if page < 1 {
		page = 1
	}
	perPage := parseIntParam(query.Get("per_page"), 50)
	if perPage < 1 {
		perPage = 50
	}
	if perPage > 1000 {
		perPage = 1000
	}
	conflictsOnly, _ := strconv.ParseBool(query.Get("conflicts"))

	props, err := h.Store.ListMerged(r.Context(), store.ListFilter{
		Region:        query.Get("region"),
		ConflictsOnly: conflictsOnly,
		MinSources:    parseIntParam(query.Get("min_sources"), 0),
		Limit:         perPage,
		Offset:        (page - 1) * perPage,
	})
	if err != nil {
		writeStoreError(w, orDefault(h.Logger), err)
		return
	}
	if props == nil {
		props = []*listing.MergedEntity{}
	}
	writeJSON(w, http.StatusOK, PropertiesListResponse{Properties: props, Page: page, PerPage: perPage})
}

// GetProperty returns one merged property by id
func (h *PropertiesHandler) GetProperty(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	e, err := h.Store.GetMerged(r.Context(), id)
	if err != nil {
		writeStoreError(w, orDefault(h.Logger), err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// ChangeRecord is one entry of a property's change history
type ChangeRecord struct {
	Field     string `json:"field"`
	Old       any    `json:"old"`
	New       any    `json:"new"`
	Source    string `json:"source"`
	Reason    string `json:"reason"`
	ChangedAt string `json:"changed_at"`
}

// GetHistory returns the field changes recorded for a property
func (h *PropertiesHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.Store.GetMerged(r.Context(), id); err != nil {
		writeStoreError(w, orDefault(h.Logger), err)
		return
	}
	changes, err := h.Store.ListChanges(r.Context(), id)
	if err != nil {
		writeStoreError(w, orDefault(h.Logger), err)
		return
	}
	out := make([]ChangeRecord, 0, len(changes))
	for _, c := range changes {
		out = append(out, ChangeRecord{
			Field:     c.Field,
			Old:       c.Old,
			New:       c.New,
			Source:    c.Source,
			Reason:    c.Reason,
			ChangedAt: c.ChangedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// Lookup finds the merged property for a free-text address
func (h *PropertiesHandler) Lookup(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("address")
	addr := normalize.Address(raw)
	if addr == "" {
		writeError(w, http.StatusBadRequest, "address is required")
		return
	}
	e, err := h.Store.FindByAddress(r.Context(), addr)
	if err != nil {
		writeStoreError(w, orDefault(h.Logger), err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}
