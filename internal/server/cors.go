package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// CORSConfig declares the origins allowed to call the API and open viewer
// sockets across domains. ControlOrigins reach every route; ViewerOrigins
// reach only the viewer surface (channel reads, keys, moderation and the
// gateway). When both lists are empty only same-origin requests pass.
type CORSConfig struct {
	ControlOrigins []string
	ViewerOrigins  []string
}

type originSet map[string]struct{}

func (s originSet) has(origin string) bool {
	_, ok := s[origin]
	return ok
}

type corsPolicy struct {
	control originSet
	viewer  originSet
}

func newCORSPolicy(cfg CORSConfig) (corsPolicy, error) {
	control, err := parseOrigins(cfg.ControlOrigins)
	if err != nil {
		return corsPolicy{}, err
	}
	viewer, err := parseOrigins(cfg.ViewerOrigins)
	if err != nil {
		return corsPolicy{}, err
	}
	return corsPolicy{control: control, viewer: viewer}, nil
}

func parseOrigins(origins []string) (originSet, error) {
	set := make(originSet, len(origins))
	for _, origin := range origins {
		normalized, err := normalizeOrigin(origin)
		if err != nil {
			return nil, fmt.Errorf("parse origin %q: %w", origin, err)
		}
		if normalized != "" {
			set[normalized] = struct{}{}
		}
	}
	return set, nil
}

// NewOriginChecker returns the WebSocket origin check for the viewer
// gateway. Requests without an Origin header pass.
func NewOriginChecker(cfg CORSConfig) (func(*http.Request) bool, error) {
	policy, err := newCORSPolicy(cfg)
	if err != nil {
		return nil, err
	}
	return func(r *http.Request) bool {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			return true
		}
		return policy.allows(origin, originForRequest(r), false)
	}, nil
}

func normalizeOrigin(origin string) (string, error) {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return "", nil
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("origin must include scheme and host")
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), nil
}

func corsMiddleware(policy corsPolicy, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}

		method := r.Method
		preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
		if preflight {
			method = r.Header.Get("Access-Control-Request-Method")
		}
		control := isControlRoute(method, r.URL.Path)
		if !policy.allows(origin, originForRequest(r), control) {
			if logger != nil {
				loggerForRequest(logger, r).Warn("blocked CORS origin", "origin", origin, "control_route", control)
			}
			writeMiddlewareError(w, http.StatusForbidden, "origin_not_allowed")
			return
		}

		header := w.Header()
		header.Set("Access-Control-Allow-Origin", origin)
		header.Add("Vary", "Origin")
		header.Set("Access-Control-Expose-Headers", "X-Request-Id, Retry-After")

		switch {
		case preflight:
			header.Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			if requested := r.Header.Get("Access-Control-Request-Headers"); requested != "" {
				header.Set("Access-Control-Allow-Headers", requested)
			} else {
				header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			}
			header.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodOptions:
			w.WriteHeader(http.StatusNoContent)
		default:
			next.ServeHTTP(w, r)
		}
	})
}

// isControlRoute reports whether the route is meant for operator tooling
// holding the control token.
func isControlRoute(method, path string) bool {
	switch {
	case path == "/api/lifecycle", path == "/metrics", strings.HasPrefix(path, "/api/tokens"):
		return true
	case strings.HasPrefix(path, "/api/channels/"):
		rest := strings.TrimSuffix(path, "/")
		switch {
		case strings.HasSuffix(rest, "/audit"), strings.HasSuffix(rest, "/keys/rotate"):
			return true
		case strings.HasSuffix(rest, "/policy"):
			return method != http.MethodGet && method != http.MethodHead
		}
	}
	return false
}

func (p corsPolicy) allows(origin, requestOrigin string, control bool) bool {
	normalized, err := normalizeOrigin(origin)
	if err != nil || normalized == "" {
		return false
	}
	if requestOrigin != "" && normalized == requestOrigin {
		return true
	}
	if p.control.has(normalized) {
		return true
	}
	return !control && p.viewer.has(normalized)
}

func originForRequest(r *http.Request) string {
	host := strings.ToLower(strings.TrimSpace(r.Host))
	if host == "" {
		return ""
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + host
}
