package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const revocationSchema = `
CREATE TABLE IF NOT EXISTS playback_token_revocations (
	token_hash TEXT PRIMARY KEY,
	token_id   TEXT NOT NULL DEFAULT '',
	viewer_id  TEXT NOT NULL,
	channel_id TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	revoked_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS playback_token_revocations_expires_idx
	ON playback_token_revocations (expires_at);
`

// PostgresOption configures a PostgresRevocationStore.
type PostgresOption func(*PostgresRevocationStore)

// WithTimeout bounds every statement issued by the store.
func WithTimeout(timeout time.Duration) PostgresOption {
	return func(s *PostgresRevocationStore) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// PostgresRevocationStore shares revocations across hub replicas.
type PostgresRevocationStore struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewPostgresRevocationStore opens a pool for dsn and ensures the schema.
func NewPostgresRevocationStore(ctx context.Context, dsn string, opts ...PostgresOption) (*PostgresRevocationStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres revocation dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres revocation config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres revocation pool: %w", err)
	}
	store := NewPostgresRevocationStoreFromPool(pool, opts...)
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresRevocationStoreFromPool wraps an existing pool.
func NewPostgresRevocationStoreFromPool(pool *pgxpool.Pool, opts ...PostgresOption) *PostgresRevocationStore {
	store := &PostgresRevocationStore{pool: pool, timeout: 5 * time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store
}

func (s *PostgresRevocationStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// EnsureSchema creates the revocation table when missing.
func (s *PostgresRevocationStore) EnsureSchema(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.pool.Exec(ctx, revocationSchema); err != nil {
		return fmt.Errorf("ensure revocation schema: %w", err)
	}
	return nil
}

// Close releases the pool, giving up when ctx ends first.
func (s *PostgresRevocationStore) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (s *PostgresRevocationStore) Revoke(ctx context.Context, record RevocationRecord) error {
	if s.pool == nil {
		return fmt.Errorf("postgres revocation pool not configured")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	revokedAt := record.RevokedAt
	if revokedAt.IsZero() {
		revokedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO playback_token_revocations (token_hash, token_id, viewer_id, channel_id, expires_at, revoked_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (token_hash) DO UPDATE SET revoked_at = EXCLUDED.revoked_at
`, record.TokenHash, record.TokenID, record.ViewerID, record.ChannelID, record.ExpiresAt.UTC(), revokedAt.UTC())
	return err
}

func (s *PostgresRevocationStore) IsRevoked(ctx context.Context, tokenHash string) (bool, error) {
	if s.pool == nil {
		return false, fmt.Errorf("postgres revocation pool not configured")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM playback_token_revocations WHERE token_hash = $1`, tokenHash).Scan(&one)
	if isNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresRevocationStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("postgres revocation pool not configured")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	tag, err := s.pool.Exec(ctx, `DELETE FROM playback_token_revocations WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresRevocationStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres revocation pool not configured")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.pool.Ping(ctx)
}

func isNoRows(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, pgx.ErrNoRows)
}
