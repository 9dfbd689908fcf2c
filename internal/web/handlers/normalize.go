package handlers

import (
	"net/http"

	"github.com/propmerge/internal/normalize"
)

// NormalizeResponse shows how an address is keyed for matching
type NormalizeResponse struct {
	Input       string   `json:"input"`
	Normalized  string   `json:"normalized"`
	HouseNumber string   `json:"house_number,omitempty"`
	Expansions  []string `json:"expansions"`
}

// Normalize reports the canonical form of ?address=
func Normalize(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("address")
	if normalize.IsBlank(raw) {
		writeError(w, http.StatusBadRequest, "address is required")
		return
	}
	norm := normalize.Address(raw)
	writeJSON(w, http.StatusOK, NormalizeResponse{
		Input:       raw,
		Normalized:  norm,
		HouseNumber: normalize.HouseNumber(norm),
		Expansions:  normalize.ExpandAll(raw),
	})
}
