package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	HeaderEvent     = "X-RealCast-Event"
	HeaderTimestamp = "X-RealCast-Timestamp"
	HeaderDelivery  = "X-RealCast-Delivery"
	HeaderSignature = "X-RealCast-Signature"
)

// Endpoint is a webhook subscriber. An empty Kinds list subscribes to all
// kinds.
type Endpoint struct {
	URL    string
	Secret string
	Kinds  []Kind
}

func (e Endpoint) wants(kind Kind) bool {
	if len(e.Kinds) == 0 {
		return true
	}
	for _, k := range e.Kinds {
		if k == kind || k == KindAll {
			return true
		}
	}
	return false
}

type WebhookConfig struct {
	Endpoints  []Endpoint
	Client     *http.Client
	Logger     *slog.Logger
	MaxRetries int
	// BaseDelay doubles per attempt: 1s, 2s, 4s by default.
	BaseDelay time.Duration
	UserAgent string
}

// WebhookSink POSTs signed JSON envelopes to every subscribed endpoint.
// Endpoints are delivered concurrently; 4xx responses are not retried.
type WebhookSink struct {
	endpoints  []Endpoint
	client     *http.Client
	logger     *slog.Logger
	maxRetries int
	baseDelay  time.Duration
	userAgent  string
	sleep      func(context.Context, time.Duration) error
}

func NewWebhookSink(cfg WebhookConfig) *WebhookSink {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	delay := cfg.BaseDelay
	if delay <= 0 {
		delay = time.Second
	}
	agent := cfg.UserAgent
	if agent == "" {
		agent = "RealCast-Webhook/1.0"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookSink{
		endpoints:  append([]Endpoint(nil), cfg.Endpoints...),
		client:     client,
		logger:     logger,
		maxRetries: retries,
		baseDelay:  delay,
		userAgent:  agent,
		sleep:      sleepContext,
	}
}

func (s *WebhookSink) Name() string { return "webhook" }

// Deliver sends ev to every endpoint subscribed to its kind. Retries happen
// here, so any returned error is permanent for the dispatcher.
func (s *WebhookSink) Deliver(ctx context.Context, ev Event) error {
	body, err := ev.Marshal()
	if err != nil {
		return Permanent(fmt.Errorf("encode event: %w", err))
	}
	var group errgroup.Group
	for _, endpoint := range s.endpoints {
		if !endpoint.wants(ev.Kind) {
			continue
		}
		endpoint := endpoint
		group.Go(func() error {
			return s.deliverEndpoint(ctx, endpoint, ev, body)
		})
	}
	if err := group.Wait(); err != nil {
		return Permanent(err)
	}
	return nil
}

func (s *WebhookSink) deliverEndpoint(ctx context.Context, endpoint Endpoint, ev Event, body []byte) error {
	deliveryID := uuid.NewString()
	var lastErr error
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		status, err := s.post(ctx, endpoint, ev, body, deliveryID)
		switch {
		case err == nil && status >= 200 && status < 300:
			return nil
		case err == nil && status >= 400 && status < 500:
			s.logger.Warn("webhook rejected event", "url", endpoint.URL, "kind", ev.Kind, "status", status)
			return fmt.Errorf("webhook %s: client error %d", endpoint.URL, status)
		case err == nil:
			lastErr = fmt.Errorf("webhook %s: status %d", endpoint.URL, status)
		default:
			lastErr = fmt.Errorf("webhook %s: %w", endpoint.URL, err)
		}
		if attempt == s.maxRetries {
			break
		}
		wait := s.baseDelay << (attempt - 1)
		s.logger.Info("retrying webhook", "url", endpoint.URL, "kind", ev.Kind, "attempt", attempt, "wait", wait)
		if err := s.sleep(ctx, wait); err != nil {
			return errors.Join(lastErr, err)
		}
	}
	return lastErr
}

func (s *WebhookSink) post(ctx context.Context, endpoint Endpoint, ev Event, body []byte, deliveryID string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set(HeaderEvent, string(ev.Kind))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ev.Timestamp.Unix(), 10))
	req.Header.Set(HeaderDelivery, deliveryID)
	if endpoint.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(endpoint.Secret, body))
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}

// Sign returns the signature header value for body: "sha256=" followed by
// the hex HMAC-SHA256 under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature header produced by Sign.
func VerifySignature(secret string, body []byte, header string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(header))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
