package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"realcast-live/internal/apperr"
	"realcast-live/internal/hub"
	"realcast-live/internal/observability/logging"
	"realcast-live/internal/storage"
)

type policyResponse struct {
	SlowModeSeconds      float64  `json:"slowModeSeconds"`
	Moderators           []string `json:"moderators"`
	MaxMessageLength     int      `json:"maxMessageLength"`
	MaxMessagesPerWindow int      `json:"maxMessagesPerWindow"`
	RateWindowSeconds    float64  `json:"rateWindowSeconds"`
	HistorySize          int      `json:"historySize"`
}

func newPolicyResponse(p hub.Policy) policyResponse {
	moderators := append([]string{}, p.Moderators...)
	return policyResponse{
		SlowModeSeconds:      p.SlowMode.Seconds(),
		Moderators:           moderators,
		MaxMessageLength:     p.MaxMessageLength,
		MaxMessagesPerWindow: p.MaxMessagesPerWindow,
		RateWindowSeconds:    p.RateWindow.Seconds(),
		HistorySize:          p.HistorySize,
	}
}

func (p policyResponse) policy() hub.Policy {
	return hub.Policy{
		SlowMode:             secondsToDuration(p.SlowModeSeconds),
		Moderators:           append([]string{}, p.Moderators...),
		MaxMessageLength:     p.MaxMessageLength,
		MaxMessagesPerWindow: p.MaxMessagesPerWindow,
		RateWindow:           secondsToDuration(p.RateWindowSeconds),
		HistorySize:          p.HistorySize,
	}
}

func secondsToDuration(seconds float64) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

type channelResponse struct {
	ID            string         `json:"id"`
	State         string         `json:"state"`
	ViewerCount   int            `json:"viewerCount"`
	LastMessageID uint64         `json:"lastMessageId"`
	KeyID         uint64         `json:"keyId,omitempty"`
	OpenedAt      time.Time      `json:"openedAt"`
	Policy        policyResponse `json:"policy"`
	Muted         []string       `json:"muted,omitempty"`
	Banned        []string       `json:"banned,omitempty"`
}

func newChannelResponse(snap hub.Snapshot) channelResponse {
	return channelResponse{
		ID:            snap.ChannelID,
		State:         string(snap.State),
		ViewerCount:   snap.ViewerCount,
		LastMessageID: snap.LastMessageID,
		KeyID:         snap.KeyID,
		OpenedAt:      snap.OpenedAt.UTC(),
		Policy:        newPolicyResponse(snap.Policy),
		Muted:         snap.Muted,
		Banned:        snap.Banned,
	}
}

type messageResponse struct {
	ID        uint64    `json:"id"`
	SenderID  string    `json:"senderId"`
	Kind      string    `json:"kind"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

func newMessageResponse(msg hub.Message) messageResponse {
	return messageResponse{
		ID:        msg.ID,
		SenderID:  msg.SenderID,
		Kind:      string(msg.Kind),
		Body:      msg.Body,
		CreatedAt: msg.CreatedAt.UTC(),
	}
}

// Channels lists open channels.
func (h *Handler) Channels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, http.MethodGet)
		return
	}
	snapshots := h.Hub.Channels()
	response := make([]channelResponse, 0, len(snapshots))
	for _, snap := range snapshots {
		response = append(response, newChannelResponse(snap))
	}
	WriteJSON(w, http.StatusOK, response)
}

// ChannelByID routes /api/channels/{id}[/...].
func (h *Handler) ChannelByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/channels/")
	parts := strings.Split(path, "/")
	for len(parts) > 1 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	if len(parts) == 0 || parts[0] == "" {
		WriteCode(w, http.StatusNotFound, CodeNotFound)
		return
	}
	channelID := parts[0]
	r = r.WithContext(logging.ContextWithChannelID(r.Context(), channelID))

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			WriteMethodNotAllowed(w, http.MethodGet)
			return
		}
		snap, err := h.Hub.ChannelInfo(channelID)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, newChannelResponse(snap))
		return
	}

	switch parts[1] {
	case "policy":
		if len(parts) == 2 {
			h.channelPolicy(w, r, channelID)
			return
		}
	case "moderation":
		if len(parts) == 2 {
			h.channelModeration(w, r, channelID)
			return
		}
	case "messages":
		if len(parts) == 2 {
			h.channelMessages(w, r, channelID)
			return
		}
	case "audit":
		if len(parts) == 2 {
			h.channelAudit(w, r, channelID)
			return
		}
	case "keys":
		switch {
		case len(parts) == 2:
			h.channelKeys(w, r, channelID)
			return
		case len(parts) == 3 && parts[2] == "rotate":
			h.rotateKey(w, r, channelID)
			return
		case len(parts) == 3:
			h.rawKey(w, r, channelID, parts[2])
			return
		}
	}
	WriteCode(w, http.StatusNotFound, CodeNotFound)
}

func (h *Handler) channelPolicy(w http.ResponseWriter, r *http.Request, channelID string) {
	snap, err := h.Hub.ChannelInfo(channelID)
	switch r.Method {
	case http.MethodGet:
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, newPolicyResponse(snap.Policy))
	case http.MethodPut:
		if !h.requireControl(w, r) {
			return
		}
		if err != nil {
			WriteError(w, r, err)
			return
		}
		// Fields missing from the body keep their current values.
		req := newPolicyResponse(snap.Policy)
		if !decodeAndValidate(w, r, &req) {
			return
		}
		if req.SlowModeSeconds < 0 || req.MaxMessageLength < 0 || req.MaxMessagesPerWindow < 0 || req.RateWindowSeconds < 0 || req.HistorySize < 0 {
			WriteCode(w, http.StatusBadRequest, CodeBadRequest)
			return
		}
		policy := req.policy()
		if err := h.Hub.SetPolicy(r.Context(), channelID, policy); err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, newPolicyResponse(policy.Normalized()))
	default:
		WriteMethodNotAllowed(w, http.MethodGet, http.MethodPut)
	}
}

type moderationRequest struct {
	Action   string `json:"action"`
	TargetID string `json:"targetId"`
}

func (h *Handler) channelModeration(w http.ResponseWriter, r *http.Request, channelID string) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, http.MethodPost)
		return
	}
	claims, _, ok := h.requireViewer(w, r, channelID)
	if !ok {
		return
	}
	var req moderationRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	action, ok := hub.ParseModerationAction(req.Action)
	if !ok {
		WriteError(w, r, apperr.Wrap(apperr.ErrInvalidKind, "api.channelModeration", nil))
		return
	}
	ctx := logging.ContextWithViewerID(r.Context(), claims.ViewerID)
	err := h.Hub.Moderate(ctx, hub.ModerationRequest{
		ChannelID: channelID,
		ActorID:   claims.ViewerID,
		ActorRole: claims.Role,
		Action:    action,
		TargetID:  strings.TrimSpace(req.TargetID),
	})
	if err != nil {
		WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) channelMessages(w http.ResponseWriter, r *http.Request, channelID string) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, http.MethodGet)
		return
	}
	if _, _, ok := h.requireViewer(w, r, channelID); !ok {
		return
	}
	messages, err := h.Hub.RecentMessages(channelID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			WriteCode(w, http.StatusBadRequest, CodeBadRequest)
			return
		}
		if len(messages) > limit {
			messages = messages[len(messages)-limit:]
		}
	}
	response := make([]messageResponse, 0, len(messages))
	for _, msg := range messages {
		response = append(response, newMessageResponse(msg))
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"channelId": channelID, "messages": response})
}

type auditRecordResponse struct {
	EventID     string    `json:"eventId"`
	Kind        string    `json:"kind"`
	Sequence    uint64    `json:"sequence"`
	MessageID   uint64    `json:"messageId,omitempty"`
	MessageKind string    `json:"messageKind,omitempty"`
	SenderID    string    `json:"senderId,omitempty"`
	Body        string    `json:"body,omitempty"`
	Deleted     bool      `json:"deleted,omitempty"`
	Action      string    `json:"action,omitempty"`
	ActorID     string    `json:"actorId,omitempty"`
	TargetID    string    `json:"targetId,omitempty"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// channelAudit returns the moderation trail of a channel, including
// tombstoned messages. It outlives the channel itself.
func (h *Handler) channelAudit(w http.ResponseWriter, r *http.Request, channelID string) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, http.MethodGet)
		return
	}
	if !h.requireControl(w, r) {
		return
	}
	if h.Audit == nil {
		WriteCode(w, http.StatusNotFound, CodeNotFound)
		return
	}
	query := storage.AuditQuery{ChannelID: channelID}
	params := r.URL.Query()
	if kind := strings.TrimSpace(params.Get("kind")); kind != "" {
		query.Kind = storage.RecordKind(kind)
	}
	if raw := params.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			WriteCode(w, http.StatusBadRequest, CodeBadRequest)
			return
		}
		query.Since = since
	}
	if raw := params.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			WriteCode(w, http.StatusBadRequest, CodeBadRequest)
			return
		}
		query.Limit = limit
	}
	records, err := h.Audit.Query(r.Context(), query)
	if err != nil {
		WriteError(w, r, apperr.Internal("api.channelAudit", err))
		return
	}
	response := make([]auditRecordResponse, 0, len(records))
	for _, rec := range records {
		response = append(response, auditRecordResponse{
			EventID:     rec.EventID,
			Kind:        string(rec.Kind),
			Sequence:    rec.Sequence,
			MessageID:   rec.MessageID,
			MessageKind: rec.MessageKind,
			SenderID:    rec.SenderID,
			Body:        rec.Body,
			Deleted:     rec.Deleted,
			Action:      rec.Action,
			ActorID:     rec.ActorID,
			TargetID:    rec.TargetID,
			OccurredAt:  rec.OccurredAt.UTC(),
		})
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"channelId": channelID, "records": response})
}

