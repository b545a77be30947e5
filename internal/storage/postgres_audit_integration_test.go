//go:build postgres

package storage

import (
	"context"
	"os"
	"testing"
	"time"
)

func openPostgresAuditLogForTest(t *testing.T) *PostgresAuditLog {
	t.Helper()
	dsn := os.Getenv("REALCAST_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("REALCAST_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log, err := NewPostgresAuditLog(ctx, dsn)
	if err != nil {
		t.Fatalf("NewPostgresAuditLog returned error: %v", err)
	}
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = log.pool.Exec(cleanupCtx, `DELETE FROM audit_records WHERE channel_id LIKE 'itest-%'`)
		_, _ = log.pool.Exec(cleanupCtx, `DELETE FROM audit_tombstones WHERE channel_id LIKE 'itest-%'`)
		_ = log.Close(cleanupCtx)
	})
	return log
}

func TestPostgresAuditLogRoundTrip(t *testing.T) {
	log := openPostgresAuditLogForTest(t)
	sink := NewAuditSink(log)
	ctx := context.Background()

	msg := messageEvent("itest-s1", 2, 1, "spam")
	if err := sink.Deliver(ctx, msg); err != nil {
		t.Fatalf("Deliver returned error: %v", err)
	}
	if err := sink.Deliver(ctx, msg); err != nil {
		t.Fatalf("redelivery returned error: %v", err)
	}
	if err := sink.Deliver(ctx, deletedEvent("itest-s1", 3, 1)); err != nil {
		t.Fatalf("Deliver tombstone returned error: %v", err)
	}

	records, err := log.Query(ctx, AuditQuery{ChannelID: "itest-s1"})
	if err != nil {
		t.Fatalf("Query returned error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected two records, got %+v", records)
	}
	if records[0].Kind != RecordMessage || !records[0].Deleted || records[0].Body != "spam" {
		t.Fatalf("expected tombstoned message first, got %+v", records[0])
	}
	if records[1].Kind != RecordMessageDeleted || records[1].ActorID != "m1" {
		t.Fatalf("expected tombstone record second, got %+v", records[1])
	}
}

func TestPostgresAuditLogMigrateIsIdempotent(t *testing.T) {
	log := openPostgresAuditLogForTest(t)
	if err := log.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate returned error: %v", err)
	}
}
