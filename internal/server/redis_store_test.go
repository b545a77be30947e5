package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"realcast-live/internal/redisconn"
	"realcast-live/internal/testsupport/redisstub"
)

func TestRedisWindowStoreCountsFixedWindow(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{Password: "secret"})
	if err != nil {
		t.Fatalf("failed to start redis stub: %v", err)
	}
	defer srv.Close()

	client, err := redisconn.NewClient(redisconn.Config{Addr: srv.Addr(), Password: "secret"})
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	defer client.Close()

	store := NewRedisWindowStore(client, time.Second)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		allowed, _, err := store.Allow(ctx, "realcast:connect:10.0.0.1", 2, time.Minute)
		if err != nil {
			t.Fatalf("Allow error: %v", err)
		}
		if !allowed {
			t.Fatalf("expected attempt %d to be allowed", i+1)
		}
	}
	allowed, retryAfter, err := store.Allow(ctx, "realcast:connect:10.0.0.1", 2, time.Minute)
	if err != nil {
		t.Fatalf("Allow error: %v", err)
	}
	if allowed {
		t.Fatal("expected third attempt to be limited")
	}
	if retryAfter <= 0 || retryAfter > time.Minute {
		t.Fatalf("expected retry hint within the window, got %s", retryAfter)
	}
	if srv.Calls("EXPIRE") != 1 {
		t.Fatalf("expected the window expiry to be set once, got %d", srv.Calls("EXPIRE"))
	}
	if expiry := srv.Expiry("realcast:connect:10.0.0.1"); expiry.IsZero() {
		t.Fatal("expected the counter to carry an expiry")
	}

	other, _, err := store.Allow(ctx, "realcast:connect:10.0.0.2", 2, time.Minute)
	if err != nil || !other {
		t.Fatalf("expected a separate address to have its own window, got %v %v", other, err)
	}
}

func TestRedisWindowStoreOverTLS(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{Password: "secret", EnableTLS: true})
	if err != nil {
		t.Fatalf("failed to start redis stub: %v", err)
	}
	defer srv.Close()

	caFile := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(caFile, srv.CertPEM(), 0o600); err != nil {
		t.Fatalf("write ca: %v", err)
	}
	client, err := redisconn.NewClient(redisconn.Config{
		Addr:     srv.Addr(),
		Password: "secret",
		TLS:      redisconn.TLSConfig{CAFile: caFile, ServerName: "localhost"},
	})
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	defer client.Close()

	allowed, _, err := NewRedisWindowStore(client, time.Second).Allow(context.Background(), "realcast:connect:tls", 1, time.Minute)
	if err != nil {
		t.Fatalf("Allow over TLS error: %v", err)
	}
	if !allowed {
		t.Fatal("expected first attempt over TLS to be allowed")
	}
}

func TestRedisWindowStoreSurfacesErrors(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("failed to start redis stub: %v", err)
	}
	defer srv.Close()
	srv.FailCommand("INCR", true)

	client, err := redisconn.NewClient(redisconn.Config{Addr: srv.Addr()})
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	defer client.Close()

	if _, _, err := NewRedisWindowStore(client, time.Second).Allow(context.Background(), "realcast:connect:x", 1, time.Minute); err == nil {
		t.Fatal("expected the injected failure to surface")
	}
}
