package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type RateLimitConfig struct {
	GlobalRPS   float64
	GlobalBurst int
	// PerIPRPS limits each client address across all API routes.
	PerIPRPS   float64
	PerIPBurst int
	// ConnectLimit caps viewer socket connects per client address within
	// ConnectWindow.
	ConnectLimit  int
	ConnectWindow time.Duration
	// TrustForwardedFor takes the client address from X-Forwarded-For.
	TrustForwardedFor bool
	// Store shares connect counters between instances. Nil keeps them in
	// process.
	Store WindowStore
}

// WindowStore counts events per key in fixed windows.
type WindowStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
}

type rateLimiter struct {
	global *rate.Limiter

	perIPLimit rate.Limit
	perIPBurst int
	mu         sync.Mutex
	perIP      map[string]*ipLimiter
	lastSweep  time.Time

	connectLimit  int
	connectWindow time.Duration
	store         WindowStore
	trustForward  bool
	now           func() time.Time
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const ipLimiterIdle = 10 * time.Minute

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		perIP:         make(map[string]*ipLimiter),
		connectLimit:  cfg.ConnectLimit,
		connectWindow: cfg.ConnectWindow,
		store:         cfg.Store,
		trustForward:  cfg.TrustForwardedFor,
		now:           time.Now,
	}
	if cfg.GlobalRPS > 0 {
		rl.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burstFor(cfg.GlobalRPS, cfg.GlobalBurst))
	}
	if cfg.PerIPRPS > 0 {
		rl.perIPLimit = rate.Limit(cfg.PerIPRPS)
		rl.perIPBurst = burstFor(cfg.PerIPRPS, cfg.PerIPBurst)
	}
	if rl.connectWindow <= 0 {
		rl.connectWindow = time.Minute
	}
	if rl.connectLimit > 0 && rl.store == nil {
		rl.store = newMemoryWindowStore(rl.now)
	}
	return rl
}

func burstFor(rps float64, burst int) int {
	if burst > 0 {
		return burst
	}
	if rps < 1 {
		return 1
	}
	return int(rps)
}

func (r *rateLimiter) allowGlobal() bool {
	return r.global == nil || r.global.Allow()
}

// allowIP reports whether ip may proceed and, if not, how long to wait.
func (r *rateLimiter) allowIP(ip string) (bool, time.Duration) {
	if r.perIPLimit == 0 {
		return true, 0
	}
	if ip == "" {
		ip = "unknown"
	}
	now := r.now()
	r.mu.Lock()
	entry, ok := r.perIP[ip]
	if !ok {
		entry = &ipLimiter{limiter: rate.NewLimiter(r.perIPLimit, r.perIPBurst)}
		r.perIP[ip] = entry
	}
	entry.lastSeen = now
	if now.Sub(r.lastSweep) > ipLimiterIdle {
		r.sweepLocked(now)
	}
	r.mu.Unlock()

	reservation := entry.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, time.Second
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func (r *rateLimiter) sweepLocked(now time.Time) {
	r.lastSweep = now
	for ip, entry := range r.perIP {
		if now.Sub(entry.lastSeen) > ipLimiterIdle {
			delete(r.perIP, ip)
		}
	}
}

func (r *rateLimiter) allowConnect(ctx context.Context, ip string) (bool, time.Duration, error) {
	if r.connectLimit <= 0 {
		return true, 0, nil
	}
	if ip == "" {
		ip = "unknown"
	}
	return r.store.Allow(ctx, "realcast:connect:"+ip, r.connectLimit, r.connectWindow)
}

func isExemptPath(path string) bool {
	return path == "/healthz" || path == "/metrics"
}

func rateLimitMiddleware(rl *rateLimiter, logger *slog.Logger, gatewayPath string, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isExemptPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if !rl.allowGlobal() {
			writeMiddlewareError(w, http.StatusTooManyRequests, "rate_exceeded")
			return
		}
		ip := extractClientIP(r, rl.trustForward)
		if allowed, retryAfter := rl.allowIP(ip); !allowed {
			setRetryAfter(w, retryAfter)
			writeMiddlewareError(w, http.StatusTooManyRequests, "rate_exceeded")
			return
		}
		if r.URL.Path == gatewayPath {
			allowed, retryAfter, err := rl.allowConnect(r.Context(), ip)
			if err != nil {
				loggerForRequest(logger, r).Error("rate limiter failure", "error", err)
				writeMiddlewareError(w, http.StatusServiceUnavailable, "unavailable")
				return
			}
			if !allowed {
				setRetryAfter(w, retryAfter)
				writeMiddlewareError(w, http.StatusTooManyRequests, "rate_exceeded")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func setRetryAfter(w http.ResponseWriter, wait time.Duration) {
	if wait <= 0 {
		return
	}
	seconds := int((wait + time.Second - 1) / time.Second)
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
}

// memoryWindowStore is the single-instance WindowStore.
type memoryWindowStore struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

func newMemoryWindowStore(now func() time.Time) *memoryWindowStore {
	if now == nil {
		now = time.Now
	}
	return &memoryWindowStore{windows: make(map[string]*window), now: now}
}

func (s *memoryWindowStore) Allow(_ context.Context, key string, limit int, length time.Duration) (bool, time.Duration, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[key]
	if !ok || !now.Before(w.resetAt) {
		for k, existing := range s.windows {
			if !now.Before(existing.resetAt) {
				delete(s.windows, k)
			}
		}
		w = &window{resetAt: now.Add(length)}
		s.windows[key] = w
	}
	w.count++
	if w.count <= limit {
		return true, 0, nil
	}
	return false, w.resetAt.Sub(now), nil
}
