package handlers

import (
	"net/http"
)

// UnlockRequest carries the master passphrase
type UnlockRequest struct {
	Passphrase string `json:"passphrase"`
}

// VaultStatus reports whether the master key session is open
type VaultStatus struct {
	Unlocked bool `json:"unlocked"`
}

func (h *Handler) unlockVault(w http.ResponseWriter, r *http.Request) {
	var req UnlockRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.vault.Unlock(req.Passphrase); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, VaultStatus{Unlocked: h.vault.Unlocked()})
}

func (h *Handler) lockVault(w http.ResponseWriter, r *http.Request) {
	h.vault.Lock()
	writeJSON(w, http.StatusOK, VaultStatus{Unlocked: false})
}

func (h *Handler) vaultStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, VaultStatus{Unlocked: h.vault.Unlocked()})
}
