package storage

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// PostgresAuditLog stores audit records in Postgres.
type PostgresAuditLog struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewPostgresAuditLog opens a pool for dsn and applies pending migrations.
func NewPostgresAuditLog(ctx context.Context, dsn string, opts ...Option) (*PostgresAuditLog, error) {
	cfg := newPostgresConfig(dsn, opts...)
	poolCfg, err := cfg.poolConfig()
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	log := &PostgresAuditLog{pool: pool, timeout: cfg.StatementTimeout}
	if err := log.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return log, nil
}

func (l *PostgresAuditLog) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, l.timeout)
}

// Migrate applies embedded migrations that have not run yet, in file name
// order, each in its own transaction.
func (l *PostgresAuditLog) Migrate(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS audit_schema_migrations (
	version    TEXT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	names, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)
	for _, name := range names {
		version := strings.TrimSuffix(strings.TrimPrefix(name, "migrations/"), ".sql")
		if err := l.applyMigration(ctx, version, name); err != nil {
			return err
		}
	}
	return nil
}

func (l *PostgresAuditLog) applyMigration(ctx context.Context, version, name string) error {
	body, err := migrationFS.ReadFile(name)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", version, err)
	}
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", version, err)
	}
	defer rollbackTx(ctx, tx)

	tag, err := tx.Exec(ctx, `INSERT INTO audit_schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`, version)
	if err != nil {
		return fmt.Errorf("record migration %s: %w", version, err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	if _, err := tx.Exec(ctx, string(body)); err != nil {
		return fmt.Errorf("apply migration %s: %w", version, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration %s: %w", version, err)
	}
	return nil
}

func rollbackTx(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}

func (l *PostgresAuditLog) Append(ctx context.Context, rec AuditRecord) error {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin audit append: %w", err)
	}
	defer rollbackTx(ctx, tx)

	tag, err := tx.Exec(ctx, `
INSERT INTO audit_records (event_id, kind, channel_id, sequence, message_id, message_kind, sender_id, body, action, actor_id, target_id, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (event_id) DO NOTHING
`, rec.EventID, string(rec.Kind), rec.ChannelID, int64(rec.Sequence), int64(rec.MessageID), rec.MessageKind, rec.SenderID, rec.Body, rec.Action, rec.ActorID, rec.TargetID, rec.OccurredAt.UTC())
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	switch rec.Kind {
	case RecordMessageDeleted:
		if _, err := tx.Exec(ctx, `
INSERT INTO audit_tombstones (channel_id, message_id, actor_id, deleted_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT DO NOTHING
`, rec.ChannelID, int64(rec.MessageID), rec.ActorID, rec.OccurredAt.UTC()); err != nil {
			return fmt.Errorf("insert audit tombstone: %w", err)
		}
		if _, err := tx.Exec(ctx, `
UPDATE audit_records SET deleted = TRUE
WHERE kind = 'message' AND channel_id = $1 AND message_id = $2
`, rec.ChannelID, int64(rec.MessageID)); err != nil {
			return fmt.Errorf("tombstone audit message: %w", err)
		}
	case RecordMessage:
		if _, err := tx.Exec(ctx, `
UPDATE audit_records SET deleted = TRUE
WHERE event_id = $1 AND EXISTS (
	SELECT 1 FROM audit_tombstones WHERE channel_id = $2 AND message_id = $3
)`, rec.EventID, rec.ChannelID, int64(rec.MessageID)); err != nil {
			return fmt.Errorf("apply pending tombstone: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit audit append: %w", err)
	}
	return nil
}

// Query returns matching records ordered by channel sequence. With a Limit,
// the most recent records are returned.
func (l *PostgresAuditLog) Query(ctx context.Context, q AuditQuery) ([]AuditRecord, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	var (
		where []string
		args  []any
	)
	if q.ChannelID != "" {
		args = append(args, q.ChannelID)
		where = append(where, fmt.Sprintf("channel_id = $%d", len(args)))
	}
	if q.Kind != "" {
		args = append(args, string(q.Kind))
		where = append(where, fmt.Sprintf("kind = $%d", len(args)))
	}
	if !q.Since.IsZero() {
		args = append(args, q.Since.UTC())
		where = append(where, fmt.Sprintf("occurred_at >= $%d", len(args)))
	}
	query := `SELECT event_id, kind, channel_id, sequence, message_id, message_kind, sender_id, body, deleted, action, actor_id, target_id, occurred_at FROM audit_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY channel_id DESC, sequence DESC"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()
	var out []AuditRecord
	for rows.Next() {
		var (
			rec       AuditRecord
			kind      string
			sequence  int64
			messageID int64
		)
		if err := rows.Scan(&rec.EventID, &kind, &rec.ChannelID, &sequence, &messageID, &rec.MessageKind, &rec.SenderID, &rec.Body, &rec.Deleted, &rec.Action, &rec.ActorID, &rec.TargetID, &rec.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.Kind = RecordKind(kind)
		rec.Sequence = uint64(sequence)
		rec.MessageID = uint64(messageID)
		rec.OccurredAt = rec.OccurredAt.UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit records: %w", err)
	}
	// Reverse into ascending order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (l *PostgresAuditLog) Ping(ctx context.Context) error {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	return l.pool.Ping(ctx)
}

// Close releases the pool, giving up when ctx ends first.
func (l *PostgresAuditLog) Close(ctx context.Context) error {
	if l == nil || l.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		l.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
