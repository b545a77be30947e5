//go:build postgres

package auth

import (
	"context"
	"os"
	"testing"
	"time"
)

func openPostgresRevocationStoreForTest(t *testing.T) *PostgresRevocationStore {
	t.Helper()
	dsn := os.Getenv("REALCAST_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("REALCAST_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store, err := NewPostgresRevocationStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewPostgresRevocationStore returned error: %v", err)
	}
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = store.pool.Exec(cleanupCtx, `DELETE FROM playback_token_revocations WHERE channel_id LIKE 'itest-%'`)
		_ = store.Close(cleanupCtx)
	})
	return store
}

func TestPostgresRevocationStoreRoundTrip(t *testing.T) {
	store := openPostgresRevocationStoreForTest(t)
	authority, err := NewAuthority(testSecret, WithRevocationStore(store))
	if err != nil {
		t.Fatalf("NewAuthority returned error: %v", err)
	}
	ctx := context.Background()
	token, _, err := authority.Issue(ctx, IssueRequest{ViewerID: "v1", ChannelID: "itest-s1", TTL: time.Hour})
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}
	if _, err := authority.Revoke(ctx, token); err != nil {
		t.Fatalf("Revoke returned error: %v", err)
	}
	if _, err := authority.Revoke(ctx, token); err != nil {
		t.Fatalf("second Revoke returned error: %v", err)
	}
	if _, err := authority.Verify(ctx, token); err == nil {
		t.Fatal("expected revoked token to fail verification")
	}

	_ = store.Revoke(ctx, RevocationRecord{TokenHash: "itest-expired", ViewerID: "v2", ChannelID: "itest-s1", ExpiresAt: time.Now().Add(-time.Hour)})
	purged, err := store.PurgeExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("PurgeExpired returned error: %v", err)
	}
	if purged < 1 {
		t.Fatalf("expected at least one purged row, got %d", purged)
	}
	if revoked, err := store.IsRevoked(ctx, "itest-expired"); err != nil || revoked {
		t.Fatalf("expected expired revocation to be purged, revoked=%v err=%v", revoked, err)
	}
}
