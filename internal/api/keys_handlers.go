package api

import (
	"net/http"
	"strconv"
	"time"

	"realcast-live/internal/apperr"
	"realcast-live/internal/keys"
)

type keyMaterialResponse struct {
	KeyID      uint64     `json:"keyId"`
	Secret     []byte     `json:"secret"`
	State      string     `json:"state"`
	IssuedAt   time.Time  `json:"issuedAt"`
	GraceUntil *time.Time `json:"graceUntil,omitempty"`
}

func newKeyMaterialResponse(m keys.Material) keyMaterialResponse {
	resp := keyMaterialResponse{
		KeyID:    m.KeyID,
		Secret:   m.Secret,
		State:    string(m.State),
		IssuedAt: m.IssuedAt.UTC(),
	}
	if !m.GraceUntil.IsZero() {
		until := m.GraceUntil.UTC()
		resp.GraceUntil = &until
	}
	return resp
}

type keySetResponse struct {
	ChannelID string               `json:"channelId"`
	Active    keyMaterialResponse  `json:"active"`
	Grace     *keyMaterialResponse `json:"grace,omitempty"`
}

type keyRefResponse struct {
	ChannelID     string    `json:"channelId"`
	KeyID         uint64    `json:"keyId"`
	PreviousKeyID uint64    `json:"previousKeyId,omitempty"`
	IssuedAt      time.Time `json:"issuedAt"`
}

func noStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}

// channelKeys returns the active key and, while it lasts, the grace key.
func (h *Handler) channelKeys(w http.ResponseWriter, r *http.Request, channelID string) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, http.MethodGet)
		return
	}
	claims, token, ok := h.requireViewer(w, r, channelID)
	if !ok {
		return
	}
	set, err := h.Keys.GetActiveKey(r.Context(), channelID, claims.ViewerID, token)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	resp := keySetResponse{ChannelID: set.ChannelID, Active: newKeyMaterialResponse(set.Active)}
	if set.Grace != nil {
		grace := newKeyMaterialResponse(*set.Grace)
		resp.Grace = &grace
	}
	noStore(w)
	WriteJSON(w, http.StatusOK, resp)
}

// rawKey serves the 16-byte AES-128 key referenced by an HLS playlist.
func (h *Handler) rawKey(w http.ResponseWriter, r *http.Request, channelID, rawID string) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, http.MethodGet)
		return
	}
	keyID, err := strconv.ParseUint(rawID, 10, 64)
	if err != nil || keyID == 0 {
		WriteError(w, r, apperr.Wrap(apperr.ErrKeyNotFound, "api.rawKey", nil))
		return
	}
	claims, token, ok := h.requireViewer(w, r, channelID)
	if !ok {
		return
	}
	material, err := h.Keys.Key(r.Context(), channelID, claims.ViewerID, token, keyID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	noStore(w)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(material.Secret)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(material.Secret)
}

func (h *Handler) rotateKey(w http.ResponseWriter, r *http.Request, channelID string) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, http.MethodPost)
		return
	}
	if !h.requireControl(w, r) {
		return
	}
	ref, err := h.Keys.Rotate(r.Context(), channelID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, keyRefResponse{
		ChannelID:     ref.ChannelID,
		KeyID:         ref.KeyID,
		PreviousKeyID: ref.PreviousKeyID,
		IssuedAt:      ref.IssuedAt.UTC(),
	})
}
