package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"realcast-live/internal/apperr"
	"realcast-live/internal/auth"
	"realcast-live/internal/hub"
	"realcast-live/internal/keys"
	"realcast-live/internal/observability/logging"
	"realcast-live/internal/storage"
)

// ChannelHub is the part of the hub the REST surface uses.
type ChannelHub interface {
	Notify(ctx context.Context, channelID string, event hub.LifecycleEvent) error
	Channels() []hub.Snapshot
	ChannelInfo(channelID string) (hub.Snapshot, error)
	SetPolicy(ctx context.Context, channelID string, policy hub.Policy) error
	Moderate(ctx context.Context, req hub.ModerationRequest) error
	RecentMessages(channelID string) ([]hub.Message, error)
}

// KeyService serves and rotates channel keys.
type KeyService interface {
	GetActiveKey(ctx context.Context, channelID, viewerID, token string) (keys.KeySet, error)
	Key(ctx context.Context, channelID, viewerID, token string, keyID uint64) (keys.Material, error)
	Rotate(ctx context.Context, channelID string) (keys.KeyRef, error)
}

// TokenService issues, verifies and revokes playback tokens.
type TokenService interface {
	auth.Verifier
	Issue(ctx context.Context, req auth.IssueRequest) (string, auth.Claims, error)
	Revoke(ctx context.Context, token string) (auth.Claims, error)
}

type Handler struct {
	Hub       ChannelHub
	Keys      KeyService
	Authority TokenService
	// Audit is optional; without it the audit route answers 404.
	Audit storage.AuditLog
	// Health lists dependencies reported by /healthz, keyed by component.
	Health map[string]Pinger

	controlToken string
}

func NewHandler(channels ChannelHub, keyService KeyService, tokens TokenService, controlToken string) *Handler {
	return &Handler{
		Hub:          channels,
		Keys:         keyService,
		Authority:    tokens,
		Health:       make(map[string]Pinger),
		controlToken: strings.TrimSpace(controlToken),
	}
}

// ExtractToken returns the bearer token of r, falling back to the "token"
// query parameter used by players fetching key URIs.
func ExtractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// requireControl accepts only the control bearer token. An unset control
// token disables control routes.
func (h *Handler) requireControl(w http.ResponseWriter, r *http.Request) bool {
	token := ExtractToken(r)
	if h.controlToken == "" || token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.controlToken)) != 1 {
		WriteError(w, r, apperr.Wrap(apperr.ErrTokenInvalid, "api.requireControl", nil))
		return false
	}
	return true
}

// requireViewer verifies the playback token of r and checks it is scoped to
// channelID.
func (h *Handler) requireViewer(w http.ResponseWriter, r *http.Request, channelID string) (auth.Claims, string, bool) {
	token := ExtractToken(r)
	if token == "" {
		WriteError(w, r, apperr.Wrap(apperr.ErrTokenInvalid, "api.requireViewer", nil))
		return auth.Claims{}, "", false
	}
	claims, err := h.Authority.Verify(r.Context(), token)
	if err != nil {
		WriteError(w, r, err)
		return auth.Claims{}, "", false
	}
	if claims.ChannelID != channelID {
		WriteError(w, r, apperr.Wrap(apperr.ErrForbidden, "api.requireViewer", nil))
		return auth.Claims{}, "", false
	}
	return claims, token, true
}

type lifecycleRequest struct {
	ChannelID string `json:"channelId"`
	Event     string `json:"event"`
}

type lifecycleResponse struct {
	ChannelID string `json:"channelId"`
	Event     string `json:"event"`
	State     string `json:"state"`
}

// Lifecycle applies a live/offline notification from the media pipeline.
func (h *Handler) Lifecycle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, http.MethodPost)
		return
	}
	if !h.requireControl(w, r) {
		return
	}
	var req lifecycleRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	channelID := strings.TrimSpace(req.ChannelID)
	event, ok := hub.ParseLifecycleEvent(req.Event)
	if channelID == "" || !ok {
		WriteCode(w, http.StatusBadRequest, CodeBadRequest)
		return
	}
	ctx := logging.ContextWithChannelID(r.Context(), channelID)
	if err := h.Hub.Notify(ctx, channelID, event); err != nil {
		WriteError(w, r, err)
		return
	}
	state := string(hub.StateClosed)
	if snap, err := h.Hub.ChannelInfo(channelID); err == nil {
		state = string(snap.State)
	}
	WriteJSON(w, http.StatusAccepted, lifecycleResponse{ChannelID: channelID, Event: string(event), State: state})
}
