// Command lifecycle-bridge turns media server publish callbacks into hub
// lifecycle notifications. SRS posts JSON hooks, nginx-rtmp posts forms;
// both are forwarded to POST /api/lifecycle with the control token.
package main

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"realcast-live/internal/apperr"
	"realcast-live/internal/hub"
	"realcast-live/internal/observability/logging"
	"realcast-live/internal/observability/metrics"
	"realcast-live/internal/serverutil"
)

const (
	defaultBind     = ":8090"
	defaultUpstream = "http://localhost:8080/"
	maxCallbackBody = 64 << 10
)

type bridge struct {
	token   string
	secret  string
	client  *http.Client
	baseURL *url.URL
	logger  *slog.Logger
	backoff apperr.Backoff

	mu               sync.Mutex
	lastUpstreamErr  error
	lastUpstreamTime time.Time
	lastSuccessTime  time.Time
}

func main() {
	bind := envOrDefault("REALCAST_BRIDGE_BIND", defaultBind)
	logger := logging.WithComponent(logging.Init(logging.Config{Format: string(logging.FormatJSON)}), "lifecycle-bridge")
	recorder := metrics.New()

	upstream, err := parseUpstream(envOrDefault("REALCAST_BRIDGE_UPSTREAM", defaultUpstream))
	if err != nil {
		logger.Error("invalid upstream", "error", err)
		os.Exit(1)
	}
	token := strings.TrimSpace(os.Getenv("REALCAST_CONTROL_TOKEN"))
	if token == "" {
		logger.Error("REALCAST_CONTROL_TOKEN must be set")
		os.Exit(1)
	}

	b := &bridge{
		token:   token,
		secret:  strings.TrimSpace(os.Getenv("REALCAST_BRIDGE_SECRET")),
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: upstream,
		logger:  logger,
		backoff: apperr.Backoff{Attempts: 3, Initial: 200 * time.Millisecond, Max: time.Second},
	}

	server := &http.Server{
		Addr:              bind,
		Handler:           b.routes(recorder),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("lifecycle bridge listening", "bind", bind, "upstream", upstream.String())
	if err := serverutil.Run(ctx, serverutil.Config{Server: server, ShutdownTimeout: 10 * time.Second, Logger: logger}); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("lifecycle bridge stopped")
}

func parseUpstream(raw string) (*url.URL, error) {
	upstream, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("upstream %q must include scheme and host", raw)
	}
	if !strings.HasSuffix(upstream.Path, "/") {
		upstream.Path += "/"
	}
	return upstream, nil
}

func (b *bridge) routes(recorder *metrics.Recorder) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/healthz", b.healthz)
	mux.HandleFunc("/callbacks/srs", b.srsCallback)
	mux.HandleFunc("/callbacks/nginx", b.nginxCallback)

	handler := http.Handler(mux)
	handler = metrics.HTTPMiddleware(recorder, handler)
	handler = logging.RequestLogger(logging.RequestLoggerConfig{Logger: b.logger, SkipPaths: []string{"/healthz", "/metrics"}})(handler)
	return handler
}

// srsHook is the subset of an SRS HTTP callback body the bridge reads.
type srsHook struct {
	Action string `json:"action"`
	App    string `json:"app"`
	Stream string `json:"stream"`
	Param  string `json:"param"`
}

// srsCallback answers with {"code":0} on success; SRS rejects the publish
// on any other code.
func (b *bridge) srsCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeSRS(w, http.StatusMethodNotAllowed, 1)
		return
	}
	var hook srsHook
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCallbackBody)).Decode(&hook); err != nil {
		writeSRS(w, http.StatusBadRequest, 1)
		return
	}
	if !b.secretMatches(r.URL.Query().Get("secret"), hook.Param) {
		writeSRS(w, http.StatusUnauthorized, 1)
		return
	}
	event, ok := hub.ParseLifecycleEvent(hook.Action)
	if !ok || strings.TrimSpace(hook.Stream) == "" {
		// Hooks other than publish and unpublish are acknowledged untouched.
		writeSRS(w, http.StatusOK, 0)
		return
	}
	if err := b.forward(r.Context(), strings.TrimSpace(hook.Stream), event); err != nil {
		writeSRS(w, http.StatusBadGateway, 1)
		return
	}
	writeSRS(w, http.StatusOK, 0)
}

// nginxCallback handles on_publish and on_publish_done. The event comes from
// the "call" form field, or from the "event" query parameter when nginx is
// configured with one URL per directive.
func (b *bridge) nginxCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxCallbackBody)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if !b.secretMatches(r.Form.Get("secret"), "") {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	call := r.URL.Query().Get("event")
	if call == "" {
		call = r.PostForm.Get("call")
	}
	event, ok := hub.ParseLifecycleEvent(call)
	name := strings.TrimSpace(r.PostForm.Get("name"))
	if !ok || name == "" {
		http.Error(w, "unsupported callback", http.StatusBadRequest)
		return
	}
	if err := b.forward(r.Context(), name, event); err != nil {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// secretMatches checks the optional shared secret. SRS may carry it in the
// stream param ("?secret=...") instead of the callback URL.
func (b *bridge) secretMatches(direct, param string) bool {
	if b.secret == "" {
		return true
	}
	candidate := direct
	if candidate == "" && param != "" {
		if values, err := url.ParseQuery(strings.TrimPrefix(param, "?")); err == nil {
			candidate = values.Get("secret")
		}
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(b.secret)) == 1
}

type lifecycleRequest struct {
	ChannelID string `json:"channelId"`
	Event     string `json:"event"`
}

// forward posts the notification to the hub, retrying 5xx and transport
// failures. 4xx answers are final.
func (b *bridge) forward(ctx context.Context, channelID string, event hub.LifecycleEvent) error {
	body, err := json.Marshal(lifecycleRequest{ChannelID: channelID, Event: string(event)})
	if err != nil {
		return err
	}
	target := b.baseURL.ResolveReference(&url.URL{Path: "api/lifecycle"})

	var final error
	err = apperr.Retry(ctx, b.backoff, "forward lifecycle", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
		if err != nil {
			final = err
			return nil
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+b.token)
		resp, err := b.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("upstream status %d", resp.StatusCode)
		case resp.StatusCode >= 300:
			final = fmt.Errorf("upstream rejected %s for %s: status %d", event, channelID, resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		b.recordUpstreamError(err)
		b.logger.Error("lifecycle forward failed", "channel_id", channelID, "event", event, "error", err)
		return err
	}
	b.recordSuccess()
	if final != nil {
		b.logger.Warn("lifecycle notification rejected", "channel_id", channelID, "event", event, "error", final)
		return final
	}
	b.logger.Info("lifecycle notification forwarded", "channel_id", channelID, "event", event)
	return nil
}

func (b *bridge) recordUpstreamError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUpstreamErr = err
	b.lastUpstreamTime = time.Now()
}

func (b *bridge) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUpstreamErr = nil
	b.lastSuccessTime = time.Now()
}

func (b *bridge) healthz(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	lastErr := b.lastUpstreamErr
	errTime := b.lastUpstreamTime
	lastSuccess := b.lastSuccessTime
	b.mu.Unlock()

	status := http.StatusOK
	payload := map[string]any{
		"status":      "ok",
		"lastSuccess": lastSuccess,
	}
	if lastErr != nil {
		status = http.StatusServiceUnavailable
		payload["status"] = "degraded"
		payload["upstreamError"] = lastErr.Error()
		payload["upstreamErrorAt"] = errTime
	}

	buf, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf)
}

func writeSRS(w http.ResponseWriter, status, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]int{"code": code})
}

func envOrDefault(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}
