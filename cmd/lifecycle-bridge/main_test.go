package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"realcast-live/internal/apperr"
	"realcast-live/internal/observability/logging"
	"realcast-live/internal/observability/metrics"
)

type upstreamStub struct {
	mu       sync.Mutex
	requests []lifecycleRequest
	auth     []string
	statuses []int
}

func (u *upstreamStub) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/lifecycle" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var req lifecycleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode lifecycle body: %v", err)
		}
		u.mu.Lock()
		u.requests = append(u.requests, req)
		u.auth = append(u.auth, r.Header.Get("Authorization"))
		status := http.StatusAccepted
		if len(u.statuses) > 0 {
			status = u.statuses[0]
			u.statuses = u.statuses[1:]
		}
		u.mu.Unlock()
		w.WriteHeader(status)
	})
}

func (u *upstreamStub) received() []lifecycleRequest {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]lifecycleRequest(nil), u.requests...)
}

func newTestBridge(t *testing.T, stub *upstreamStub, secret string) (*bridge, http.Handler) {
	t.Helper()
	upstream := httptest.NewServer(stub.handler(t))
	t.Cleanup(upstream.Close)
	base, err := parseUpstream(upstream.URL)
	if err != nil {
		t.Fatalf("parseUpstream: %v", err)
	}
	b := &bridge{
		token:   "control",
		secret:  secret,
		client:  upstream.Client(),
		baseURL: base,
		logger:  logging.Discard(),
		backoff: apperr.Backoff{Attempts: 3, Initial: time.Millisecond, Max: 5 * time.Millisecond},
	}
	return b, b.routes(metrics.New())
}

func postJSON(handler http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func postForm(handler http.Handler, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestSRSCallbacksForwardLifecycle(t *testing.T) {
	stub := &upstreamStub{}
	_, handler := newTestBridge(t, stub, "")

	rec := postJSON(handler, "/callbacks/srs", `{"action":"on_publish","app":"live","stream":"s1"}`)
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != `{"code":0}` {
		t.Fatalf("unexpected publish answer: %d %s", rec.Code, rec.Body.String())
	}
	rec = postJSON(handler, "/callbacks/srs", `{"action":"on_unpublish","app":"live","stream":"s1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected unpublish answer: %d", rec.Code)
	}

	got := stub.received()
	if len(got) != 2 || got[0] != (lifecycleRequest{ChannelID: "s1", Event: "live"}) || got[1] != (lifecycleRequest{ChannelID: "s1", Event: "offline"}) {
		t.Fatalf("unexpected forwarded requests: %+v", got)
	}
	if stub.auth[0] != "Bearer control" {
		t.Fatalf("expected control token upstream, got %q", stub.auth[0])
	}
}

func TestSRSIgnoresOtherHooks(t *testing.T) {
	stub := &upstreamStub{}
	_, handler := newTestBridge(t, stub, "")

	rec := postJSON(handler, "/callbacks/srs", `{"action":"on_play","stream":"s1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected play hook to be acknowledged, got %d", rec.Code)
	}
	if len(stub.received()) != 0 {
		t.Fatal("did not expect play hooks to be forwarded")
	}
}

func TestNginxCallbacksForwardLifecycle(t *testing.T) {
	stub := &upstreamStub{}
	_, handler := newTestBridge(t, stub, "")

	rec := postForm(handler, "/callbacks/nginx", url.Values{"call": {"publish"}, "name": {"s2"}})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("unexpected publish answer: %d", rec.Code)
	}
	rec = postForm(handler, "/callbacks/nginx?event=offline", url.Values{"call": {"update"}, "name": {"s2"}})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("unexpected override answer: %d", rec.Code)
	}
	rec = postForm(handler, "/callbacks/nginx", url.Values{"call": {"play"}, "name": {"s2"}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected unsupported call to be rejected, got %d", rec.Code)
	}

	got := stub.received()
	if len(got) != 2 || got[0].Event != "live" || got[1].Event != "offline" || got[1].ChannelID != "s2" {
		t.Fatalf("unexpected forwarded requests: %+v", got)
	}
}

func TestCallbackSecret(t *testing.T) {
	stub := &upstreamStub{}
	_, handler := newTestBridge(t, stub, "hook-secret")

	if rec := postJSON(handler, "/callbacks/srs", `{"action":"on_publish","stream":"s1"}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected missing secret to be rejected, got %d", rec.Code)
	}
	if rec := postJSON(handler, "/callbacks/srs", `{"action":"on_publish","stream":"s1","param":"?secret=hook-secret"}`); rec.Code != http.StatusOK {
		t.Fatalf("expected secret in stream param to pass, got %d", rec.Code)
	}
	if rec := postForm(handler, "/callbacks/nginx?secret=hook-secret", url.Values{"call": {"publish"}, "name": {"s1"}}); rec.Code != http.StatusNoContent {
		t.Fatalf("expected secret in callback url to pass, got %d", rec.Code)
	}
	if len(stub.received()) != 2 {
		t.Fatalf("expected two forwarded notifications, got %d", len(stub.received()))
	}
}

func TestForwardRetriesServerErrors(t *testing.T) {
	stub := &upstreamStub{statuses: []int{http.StatusInternalServerError, http.StatusAccepted}}
	_, handler := newTestBridge(t, stub, "")

	rec := postJSON(handler, "/callbacks/srs", `{"action":"on_publish","stream":"s1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected retry to succeed, got %d", rec.Code)
	}
	if len(stub.received()) != 2 {
		t.Fatalf("expected two upstream attempts, got %d", len(stub.received()))
	}
}

func TestForwardDoesNotRetryRejections(t *testing.T) {
	stub := &upstreamStub{statuses: []int{http.StatusUnauthorized}}
	b, handler := newTestBridge(t, stub, "")

	rec := postJSON(handler, "/callbacks/srs", `{"action":"on_publish","stream":"s1"}`)
	if rec.Code != http.StatusBadGateway || strings.TrimSpace(rec.Body.String()) != `{"code":1}` {
		t.Fatalf("expected rejection to refuse the publish, got %d %s", rec.Code, rec.Body.String())
	}
	if len(stub.received()) != 1 {
		t.Fatalf("expected a single attempt, got %d", len(stub.received()))
	}

	health := httptest.NewRecorder()
	b.healthz(health, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if health.Code != http.StatusOK {
		t.Fatalf("expected rejections to leave health ok, got %d", health.Code)
	}
}

func TestHealthReportsUpstreamFailure(t *testing.T) {
	stub := &upstreamStub{statuses: []int{http.StatusBadGateway, http.StatusBadGateway, http.StatusBadGateway}}
	b, handler := newTestBridge(t, stub, "")

	if rec := postJSON(handler, "/callbacks/srs", `{"action":"on_publish","stream":"s1"}`); rec.Code != http.StatusBadGateway {
		t.Fatalf("expected exhausted retries to fail, got %d", rec.Code)
	}

	rec := httptest.NewRecorder()
	b.healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected degraded health, got %d", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if payload["status"] != "degraded" || payload["upstreamError"] == nil {
		t.Fatalf("unexpected health payload: %v", payload)
	}
}

func TestParseUpstream(t *testing.T) {
	if _, err := parseUpstream("localhost:8080"); err == nil {
		t.Fatal("expected upstream without scheme to fail")
	}
	u, err := parseUpstream("http://hub.internal:8080/base")
	if err != nil {
		t.Fatalf("parseUpstream: %v", err)
	}
	if got := u.ResolveReference(&url.URL{Path: "api/lifecycle"}).String(); got != "http://hub.internal:8080/base/api/lifecycle" {
		t.Fatalf("unexpected lifecycle target %q", got)
	}
}
