package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"realcast-live/internal/auth"
	"realcast-live/internal/events"
	"realcast-live/internal/hub"
	"realcast-live/internal/keys"
	"realcast-live/internal/observability/logging"
	"realcast-live/internal/observability/metrics"
	"realcast-live/internal/storage"
)

const testControlToken = "control-secret"

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type apiHarness struct {
	handler   *Handler
	hub       *hub.Hub
	keys      *keys.Manager
	authority *auth.Authority
	audit     *storage.MemoryAuditLog
	mux       *http.ServeMux
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	authority, err := auth.NewAuthority(testSecret)
	if err != nil {
		t.Fatalf("NewAuthority returned error: %v", err)
	}
	manager, err := keys.NewManager(keys.Config{Verifier: authority, Logger: logging.Discard(), Metrics: metrics.New(), DrainInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	h, err := hub.New(hub.Config{Keys: manager, Verifier: authority, Logger: logging.Discard(), Metrics: metrics.New(), DrainTimeout: time.Second})
	if err != nil {
		t.Fatalf("hub.New returned error: %v", err)
	}
	audit := storage.NewMemoryAuditLog()
	sink := storage.NewAuditSink(audit)
	h.On(events.KindAll, func(ev events.Event) {
		_ = sink.Deliver(context.Background(), ev)
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
		_ = manager.Close(ctx)
	})

	handler := NewHandler(h, manager, authority, testControlToken)
	handler.Audit = audit
	handler.Health["tokens"] = authority
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handler.Healthz)
	mux.HandleFunc("/api/lifecycle", handler.Lifecycle)
	mux.HandleFunc("/api/channels", handler.Channels)
	mux.HandleFunc("/api/channels/", handler.ChannelByID)
	mux.HandleFunc("/api/tokens", handler.Tokens)
	mux.HandleFunc("/api/tokens/revoke", handler.RevokeToken)
	return &apiHarness{handler: handler, hub: h, keys: manager, authority: authority, audit: audit, mux: mux}
}

func (a *apiHarness) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.mux.ServeHTTP(rec, req)
	return rec
}

func (a *apiHarness) goLive(t *testing.T, channelID string) {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/lifecycle", testControlToken, map[string]string{"channelId": channelID, "event": "live"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 from lifecycle, got %d: %s", rec.Code, rec.Body.String())
	}
}

func (a *apiHarness) token(t *testing.T, channelID, viewerID string, role auth.Role) string {
	t.Helper()
	token, _, err := a.authority.Issue(context.Background(), auth.IssueRequest{ViewerID: viewerID, ChannelID: channelID, Role: role})
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}
	return token
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body["error"]
}

func TestLifecycleOpensAndClosesChannels(t *testing.T) {
	a := newAPIHarness(t)

	rec := a.do(t, http.MethodPost, "/api/lifecycle", "", map[string]string{"channelId": "s1", "event": "live"})
	if rec.Code != http.StatusUnauthorized || errorCode(t, rec) != "token_invalid" {
		t.Fatalf("expected control token to be required, got %d %s", rec.Code, rec.Body.String())
	}

	a.goLive(t, "s1")
	var state lifecycleResponse
	rec = a.do(t, http.MethodPost, "/api/lifecycle", testControlToken, map[string]string{"channelId": "s1", "event": "on_publish"})
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil || state.State != "live" {
		t.Fatalf("expected repeated live to be idempotent, got %s", rec.Body.String())
	}

	rec = a.do(t, http.MethodPost, "/api/lifecycle", testControlToken, map[string]string{"channelId": "s1", "event": "offline"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 from offline, got %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil || (state.State != "closing" && state.State != "closed") {
		t.Fatalf("expected closing state, got %s", rec.Body.String())
	}

	rec = a.do(t, http.MethodPost, "/api/lifecycle", testControlToken, map[string]string{"channelId": "s1", "event": "explode"})
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != CodeBadRequest {
		t.Fatalf("expected bad_request for unknown event, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestChannelListingAndPolicy(t *testing.T) {
	a := newAPIHarness(t)
	a.goLive(t, "s1")
	a.goLive(t, "s2")

	rec := a.do(t, http.MethodGet, "/api/channels", "", nil)
	var list []channelResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil || len(list) != 2 || list[0].ID != "s1" || list[0].State != "live" {
		t.Fatalf("unexpected channel list %s", rec.Body.String())
	}

	rec = a.do(t, http.MethodPut, "/api/channels/s1/policy", testControlToken, map[string]interface{}{"slowModeSeconds": 5, "moderators": []string{"m1"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from policy update, got %d %s", rec.Code, rec.Body.String())
	}
	rec = a.do(t, http.MethodGet, "/api/channels/s1", "", nil)
	var channel channelResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &channel); err != nil {
		t.Fatalf("decode channel: %v", err)
	}
	if channel.Policy.SlowModeSeconds != 5 || len(channel.Policy.Moderators) != 1 || channel.Policy.MaxMessageLength != 500 {
		t.Fatalf("expected merged policy, got %+v", channel.Policy)
	}
	if channel.KeyID != 1 {
		t.Fatalf("expected key 1 on a live channel, got %d", channel.KeyID)
	}

	rec = a.do(t, http.MethodPut, "/api/channels/s1/policy", testControlToken, map[string]interface{}{"bogus": true})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected unknown fields to be rejected, got %d", rec.Code)
	}
	rec = a.do(t, http.MethodGet, "/api/channels/nope", "", nil)
	if rec.Code != http.StatusNotFound || errorCode(t, rec) != "channel_not_found" {
		t.Fatalf("expected channel_not_found, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestModerationAndMessages(t *testing.T) {
	a := newAPIHarness(t)
	a.goLive(t, "s1")
	ctx := context.Background()

	viewerToken := a.token(t, "s1", "v1", auth.RoleViewer)
	sub, err := a.hub.Subscribe(ctx, hub.SubscribeRequest{ChannelID: "s1", Token: viewerToken})
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	defer sub.Close()
	for _, body := range []string{"first", "spam"} {
		if _, err := a.hub.PublishMessage(ctx, "s1", "v1", hub.KindChat, body); err != nil {
			t.Fatalf("PublishMessage returned error: %v", err)
		}
	}

	rec := a.do(t, http.MethodPost, "/api/channels/s1/moderation", viewerToken, map[string]string{"action": "ban", "targetId": "v2"})
	if rec.Code != http.StatusForbidden || errorCode(t, rec) != "forbidden" {
		t.Fatalf("expected viewers to be refused, got %d %s", rec.Code, rec.Body.String())
	}

	modToken := a.token(t, "s1", "m1", auth.RoleModerator)
	rec = a.do(t, http.MethodPost, "/api/channels/s1/moderation", modToken, map[string]string{"action": "delete", "targetId": "2"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from delete, got %d %s", rec.Code, rec.Body.String())
	}

	rec = a.do(t, http.MethodGet, "/api/channels/s1/messages", viewerToken, nil)
	var messages struct {
		Messages []messageResponse `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &messages); err != nil || len(messages.Messages) != 1 || messages.Messages[0].Body != "first" {
		t.Fatalf("expected tombstoned message to be hidden, got %s", rec.Body.String())
	}

	otherChannel := a.token(t, "s9", "v1", auth.RoleViewer)
	rec = a.do(t, http.MethodGet, "/api/channels/s1/messages", otherChannel, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected token scoped to another channel to be refused, got %d", rec.Code)
	}

	rec = a.do(t, http.MethodGet, "/api/channels/s1/audit?kind=message", testControlToken, nil)
	var audit struct {
		Records []auditRecordResponse `json:"records"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &audit); err != nil || len(audit.Records) != 2 {
		t.Fatalf("expected both messages in the audit log, got %s", rec.Body.String())
	}
	if !audit.Records[1].Deleted || audit.Records[1].Body != "spam" {
		t.Fatalf("expected tombstoned message to be retained for audit, got %+v", audit.Records[1])
	}
}

func TestKeyEndpoints(t *testing.T) {
	a := newAPIHarness(t)
	a.goLive(t, "s1")
	token := a.token(t, "s1", "v1", auth.RoleViewer)

	rec := a.do(t, http.MethodGet, "/api/channels/s1/keys", token, nil)
	var set keySetResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &set); err != nil || set.Active.KeyID != 1 || len(set.Active.Secret) != keys.SecretSize || set.Grace != nil {
		t.Fatalf("unexpected key set %s", rec.Body.String())
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Fatal("expected key responses to be uncacheable")
	}

	rec = a.do(t, http.MethodPost, "/api/channels/s1/keys/rotate", token, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected rotation to require the control token, got %d", rec.Code)
	}
	rec = a.do(t, http.MethodPost, "/api/channels/s1/keys/rotate", testControlToken, nil)
	var ref keyRefResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &ref); err != nil || ref.KeyID != 2 || ref.PreviousKeyID != 1 {
		t.Fatalf("unexpected rotation response %s", rec.Body.String())
	}

	rec = a.do(t, http.MethodGet, "/api/channels/s1/keys", token, nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &set); err != nil || set.Active.KeyID != 2 || set.Grace == nil || set.Grace.KeyID != 1 {
		t.Fatalf("expected grace key after rotation, got %s", rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/api/channels/s1/keys/1?token="+token, nil)
	raw := httptest.NewRecorder()
	a.mux.ServeHTTP(raw, req)
	if raw.Code != http.StatusOK || raw.Body.Len() != keys.SecretSize || !bytes.Equal(raw.Body.Bytes(), set.Grace.Secret) {
		t.Fatalf("expected raw grace key, got %d (%d bytes)", raw.Code, raw.Body.Len())
	}
	rec = a.do(t, http.MethodGet, "/api/channels/s1/keys/99", token, nil)
	if rec.Code != http.StatusNotFound || errorCode(t, rec) != "key_not_found" {
		t.Fatalf("expected key_not_found, got %d %s", rec.Code, rec.Body.String())
	}
	rec = a.do(t, http.MethodGet, "/api/channels/s2/keys", a.token(t, "s2", "v1", auth.RoleViewer), nil)
	if errorCode(t, rec) != "channel_not_live" {
		t.Fatalf("expected channel_not_live for an unknown channel, got %s", rec.Body.String())
	}
}

func TestTokenIssueAndRevoke(t *testing.T) {
	a := newAPIHarness(t)
	a.goLive(t, "s1")

	rec := a.do(t, http.MethodPost, "/api/tokens", testControlToken, map[string]interface{}{"viewerId": "v1", "channelId": "s1", "role": "moderator", "ttlSeconds": 60})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", rec.Code, rec.Body.String())
	}
	var issued tokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &issued); err != nil || issued.Token == "" || issued.Role != "moderator" {
		t.Fatalf("unexpected token response %s", rec.Body.String())
	}

	if rec := a.do(t, http.MethodGet, "/api/channels/s1/messages", issued.Token, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected issued token to work, got %d", rec.Code)
	}

	rec = a.do(t, http.MethodPost, "/api/tokens/revoke", testControlToken, map[string]string{"token": issued.Token})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from revoke, got %d %s", rec.Code, rec.Body.String())
	}
	rec = a.do(t, http.MethodGet, "/api/channels/s1/messages", issued.Token, nil)
	if rec.Code != http.StatusUnauthorized || errorCode(t, rec) != "token_invalid" {
		t.Fatalf("expected revoked token to be refused, got %d %s", rec.Code, rec.Body.String())
	}

	rec = a.do(t, http.MethodPost, "/api/tokens", testControlToken, map[string]interface{}{"viewerId": "v1", "channelId": "s1", "role": "admin"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected unknown role to be rejected, got %d", rec.Code)
	}
}

func TestControlRoutesDisabledWithoutToken(t *testing.T) {
	a := newAPIHarness(t)
	a.handler.controlToken = ""
	rec := a.do(t, http.MethodPost, "/api/tokens", "", map[string]string{"viewerId": "v1", "channelId": "s1"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected control routes to be closed, got %d", rec.Code)
	}
}

func TestHealthzAndMethods(t *testing.T) {
	a := newAPIHarness(t)
	rec := a.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"component":"tokens"`) {
		t.Fatalf("unexpected health response %d %s", rec.Code, rec.Body.String())
	}

	rec = a.do(t, http.MethodDelete, "/api/channels", "", nil)
	if rec.Code != http.StatusMethodNotAllowed || rec.Header().Get("Allow") != http.MethodGet {
		t.Fatalf("expected 405 with Allow header, got %d", rec.Code)
	}
	rec = a.do(t, http.MethodGet, "/api/channels/s1/unknown", "", nil)
	if rec.Code != http.StatusNotFound || errorCode(t, rec) != CodeNotFound {
		t.Fatalf("expected not_found for unknown subresource, got %d", rec.Code)
	}
}
