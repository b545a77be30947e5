package server

import (
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"realcast-live/internal/api"
	"realcast-live/internal/observability/logging"
	"realcast-live/internal/observability/metrics"
)

// GatewayPath is where viewers open their WebSocket.
const GatewayPath = "/ws"

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

func (c TLSConfig) Enabled() bool {
	return strings.TrimSpace(c.CertFile) != "" && strings.TrimSpace(c.KeyFile) != ""
}

type Config struct {
	Addr      string
	TLS       TLSConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Security  SecurityConfig
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
}

type Server struct {
	httpServer  *http.Server
	handler     http.Handler
	logger      *slog.Logger
	rateLimiter *rateLimiter
}

var errHandlerRequired = errors.New("api handler is required")

// New assembles the routes and the middleware chain. gateway may be nil when
// the viewer socket is served elsewhere.
func New(handler *api.Handler, gateway http.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errHandlerRequired
	}
	logger := logging.WithComponent(logging.OrDefault(cfg.Logger), "http")
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handler.Healthz)
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/api/lifecycle", handler.Lifecycle)
	mux.HandleFunc("/api/channels", handler.Channels)
	mux.HandleFunc("/api/channels/", handler.ChannelByID)
	mux.HandleFunc("/api/tokens", handler.Tokens)
	mux.HandleFunc("/api/tokens/revoke", handler.RevokeToken)
	if gateway != nil {
		mux.Handle(GatewayPath, gateway)
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		api.WriteCode(w, http.StatusNotFound, api.CodeNotFound)
	})

	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, err
	}
	rl := newRateLimiter(cfg.RateLimit)

	handlerChain := http.Handler(mux)
	handlerChain = rateLimitMiddleware(rl, logger, GatewayPath, handlerChain)
	handlerChain = corsMiddleware(policy, logger, handlerChain)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)
	handlerChain = metrics.HTTPMiddleware(recorder, handlerChain)
	handlerChain = logging.RequestLogger(logging.RequestLoggerConfig{
		Logger:    logger,
		SkipPaths: []string{"/healthz", "/metrics"},
	})(handlerChain)
	handlerChain = requestIDMiddleware(logger, handlerChain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	if cfg.TLS.Enabled() {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return &Server{
		httpServer:  httpServer,
		handler:     handlerChain,
		logger:      logger,
		rateLimiter: rl,
	}, nil
}

// HTTPServer returns the configured server for serverutil.Run.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Handler returns the full middleware chain, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}
