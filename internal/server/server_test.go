package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"realcast-live/internal/api"
	"realcast-live/internal/auth"
	"realcast-live/internal/hub"
	"realcast-live/internal/keys"
	"realcast-live/internal/observability/logging"
	"realcast-live/internal/observability/metrics"
)

const testControlToken = "control-secret"

func newTestHandler(t *testing.T) (*api.Handler, *hub.Hub) {
	t.Helper()
	authority, err := auth.NewAuthority([]byte("0123456789abcdef0123456789abcdef"))
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
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
		_ = manager.Close(ctx)
	})
	return api.NewHandler(h, manager, authority, testControlToken), h
}

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	handler, _ := newTestHandler(t)
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	srv, err := New(handler, nil, cfg)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return srv
}

func TestNewRequiresHandler(t *testing.T) {
	if _, err := New(nil, nil, Config{}); err == nil {
		t.Fatal("expected a nil handler to be rejected")
	}
}

func TestServerRoutes(t *testing.T) {
	recorder := metrics.New()
	srv := newTestServer(t, Config{Metrics: recorder})

	for _, tc := range []struct {
		method string
		path   string
		status int
	}{
		{http.MethodGet, "/healthz", http.StatusOK},
		{http.MethodGet, "/api/channels", http.StatusOK},
		{http.MethodGet, "/api/channels/s1", http.StatusNotFound},
		{http.MethodPost, "/api/tokens", http.StatusUnauthorized},
		{http.MethodGet, "/nowhere", http.StatusNotFound},
	} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(tc.method, tc.path, nil)
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != tc.status {
			t.Fatalf("%s %s: expected %d, got %d", tc.method, tc.path, tc.status, rec.Code)
		}
		if rec.Header().Get("X-Request-Id") == "" {
			t.Fatalf("%s %s: expected a request id header", tc.method, tc.path)
		}
	}

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "realcast_http_requests_total") {
		t.Fatalf("expected request metrics to be exported, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestServerLifecycleRoundTrip(t *testing.T) {
	srv := newTestServer(t, Config{})

	body := strings.NewReader(`{"channelId":"s1","event":"live"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/lifecycle", body)
	req.Header.Set("Authorization", "Bearer "+testControlToken)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/channels", nil))
	var channels []map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &channels); err != nil || len(channels) != 1 || channels[0]["id"] != "s1" {
		t.Fatalf("expected s1 to be listed, got %s", rec.Body.String())
	}
}

func TestServerMountsGateway(t *testing.T) {
	handler, _ := newTestHandler(t)
	called := false
	gateway := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusSwitchingProtocols)
	})
	srv, err := New(handler, gateway, Config{Logger: logging.Discard(), Metrics: metrics.New()})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, GatewayPath+"?channel=s1", nil))
	if !called {
		t.Fatal("expected the gateway to receive the request")
	}
}

func TestServerTLSConfig(t *testing.T) {
	srv := newTestServer(t, Config{TLS: TLSConfig{CertFile: "cert.pem", KeyFile: "key.pem"}})
	if srv.HTTPServer().TLSConfig == nil || srv.HTTPServer().TLSConfig.MinVersion == 0 {
		t.Fatal("expected TLS settings when certificate files are configured")
	}
	if newTestServer(t, Config{}).HTTPServer().TLSConfig != nil {
		t.Fatal("expected no TLS settings without certificates")
	}
}
