package handlers

import (
	"net/http"
)

// ModelsPayload is the enabled model list
type ModelsPayload struct {
	Models  []string `json:"models"`
	Default string   `json:"default,omitempty"`
}

func (h *Handler) getModels(w http.ResponseWriter, r *http.Request) {
	ids, err := h.catalog.EnabledModels(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ModelsPayload{Models: ids, Default: h.catalog.DefaultModel()})
}

func (h *Handler) putModels(w http.ResponseWriter, r *http.Request) {
	var req ModelsPayload
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.catalog.SetEnabledModels(r.Context(), req.Models); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.getModels(w, r)
}
