package api

import (
	"net/http"
	"strings"
	"time"

	"realcast-live/internal/auth"
)

type issueTokenRequest struct {
	ViewerID   string `json:"viewerId"`
	ChannelID  string `json:"channelId"`
	Role       string `json:"role"`
	TTLSeconds int    `json:"ttlSeconds"`
}

type tokenResponse struct {
	Token     string    `json:"token,omitempty"`
	TokenID   string    `json:"tokenId"`
	ViewerID  string    `json:"viewerId"`
	ChannelID string    `json:"channelId"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func newTokenResponse(token string, claims auth.Claims) tokenResponse {
	return tokenResponse{
		Token:     token,
		TokenID:   claims.TokenID,
		ViewerID:  claims.ViewerID,
		ChannelID: claims.ChannelID,
		Role:      string(claims.Role),
		ExpiresAt: claims.ExpiresAt.UTC(),
	}
}

// Tokens issues playback tokens for the control plane.
func (h *Handler) Tokens(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, http.MethodPost)
		return
	}
	if !h.requireControl(w, r) {
		return
	}
	var req issueTokenRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	role, err := auth.ParseRole(req.Role)
	if err != nil || strings.TrimSpace(req.ViewerID) == "" || strings.TrimSpace(req.ChannelID) == "" || req.TTLSeconds < 0 {
		WriteCode(w, http.StatusBadRequest, CodeBadRequest)
		return
	}
	token, claims, err := h.Authority.Issue(r.Context(), auth.IssueRequest{
		ViewerID:  strings.TrimSpace(req.ViewerID),
		ChannelID: strings.TrimSpace(req.ChannelID),
		Role:      role,
		TTL:       time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		WriteError(w, r, err)
		return
	}
	noStore(w)
	WriteJSON(w, http.StatusCreated, newTokenResponse(token, claims))
}

type revokeTokenRequest struct {
	Token string `json:"token"`
}

// RevokeToken blocks a token until it would have expired.
func (h *Handler) RevokeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, http.MethodPost)
		return
	}
	if !h.requireControl(w, r) {
		return
	}
	var req revokeTokenRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		WriteCode(w, http.StatusBadRequest, CodeBadRequest)
		return
	}
	claims, err := h.Authority.Revoke(r.Context(), strings.TrimSpace(req.Token))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, newTokenResponse("", claims))
}
