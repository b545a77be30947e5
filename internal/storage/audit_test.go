package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"realcast-live/internal/events"
)

var auditBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func messageEvent(channelID string, seq, messageID uint64, body string) events.Event {
	return events.New(events.KindMessageNew, channelID, seq, auditBase.Add(time.Duration(seq)*time.Second), events.MessagePayload{
		MessageID: messageID,
		SenderID:  "v1",
		Kind:      "chat",
		Body:      body,
		CreatedAt: auditBase,
	})
}

func deletedEvent(channelID string, seq, messageID uint64) events.Event {
	return events.New(events.KindMessageDeleted, channelID, seq, auditBase.Add(time.Duration(seq)*time.Second), events.MessageDeletedPayload{
		MessageID: messageID,
		ActorID:   "m1",
	})
}

func TestRecordFromEvent(t *testing.T) {
	rec, err := RecordFromEvent(messageEvent("s1", 3, 1, "hi"))
	if err != nil {
		t.Fatalf("RecordFromEvent returned error: %v", err)
	}
	if rec.Kind != RecordMessage || rec.MessageID != 1 || rec.Body != "hi" || rec.Sequence != 3 || rec.EventID == "" {
		t.Fatalf("unexpected record %+v", rec)
	}

	ban := events.New(events.KindModerationAction, "s1", 4, auditBase, events.ModerationPayload{Action: "ban", ActorID: "m1", TargetID: "v2"})
	rec, err = RecordFromEvent(ban)
	if err != nil || rec.Kind != RecordModeration || rec.Action != "ban" || rec.TargetID != "v2" {
		t.Fatalf("unexpected moderation record %+v err %v", rec, err)
	}

	live := events.New(events.KindStreamLive, "s1", 1, auditBase, events.LifecyclePayload{State: "live"})
	if _, err := RecordFromEvent(live); !errors.Is(err, errUnsupportedEvent) {
		t.Fatalf("expected lifecycle events to be skipped, got %v", err)
	}
}

func TestMemoryAuditLogKeepsTombstonedMessages(t *testing.T) {
	log := NewMemoryAuditLog()
	sink := NewAuditSink(log)
	ctx := context.Background()

	msg := messageEvent("s1", 2, 1, "spam")
	for _, ev := range []events.Event{
		events.New(events.KindStreamLive, "s1", 1, auditBase, events.LifecyclePayload{State: "live"}),
		msg,
		msg,
		deletedEvent("s1", 3, 1),
	} {
		if err := sink.Deliver(ctx, ev); err != nil {
			t.Fatalf("Deliver returned error: %v", err)
		}
	}
	if log.Len() != 2 {
		t.Fatalf("expected redelivery and lifecycle events to be ignored, got %d records", log.Len())
	}
	messages, err := log.Query(ctx, AuditQuery{ChannelID: "s1", Kind: RecordMessage})
	if err != nil {
		t.Fatalf("Query returned error: %v", err)
	}
	if len(messages) != 1 || !messages[0].Deleted || messages[0].Body != "spam" {
		t.Fatalf("expected tombstoned message to be retained, got %+v", messages)
	}
}

func TestMemoryAuditLogTombstoneBeforeMessage(t *testing.T) {
	log := NewMemoryAuditLog()
	ctx := context.Background()
	for _, ev := range []events.Event{deletedEvent("s1", 3, 1), messageEvent("s1", 2, 1, "late")} {
		rec, err := RecordFromEvent(ev)
		if err != nil {
			t.Fatalf("RecordFromEvent returned error: %v", err)
		}
		if err := log.Append(ctx, rec); err != nil {
			t.Fatalf("Append returned error: %v", err)
		}
	}
	records, _ := log.Query(ctx, AuditQuery{ChannelID: "s1"})
	if len(records) != 2 || records[0].Kind != RecordMessage || !records[0].Deleted {
		t.Fatalf("expected sequence order with the message tombstoned, got %+v", records)
	}
}

func TestMemoryAuditLogQueryFilters(t *testing.T) {
	log := NewMemoryAuditLog()
	sink := NewAuditSink(log)
	ctx := context.Background()
	for i := uint64(1); i <= 5; i++ {
		if err := sink.Deliver(ctx, messageEvent("s1", i, i, "m")); err != nil {
			t.Fatalf("Deliver returned error: %v", err)
		}
	}
	if err := sink.Deliver(ctx, messageEvent("s2", 1, 1, "other")); err != nil {
		t.Fatalf("Deliver returned error: %v", err)
	}

	latest, _ := log.Query(ctx, AuditQuery{ChannelID: "s1", Limit: 2})
	if len(latest) != 2 || latest[0].Sequence != 4 || latest[1].Sequence != 5 {
		t.Fatalf("expected the two most recent records, got %+v", latest)
	}
	since, _ := log.Query(ctx, AuditQuery{ChannelID: "s1", Since: auditBase.Add(3 * time.Second)})
	if len(since) != 3 {
		t.Fatalf("expected three records since t+3s, got %d", len(since))
	}
	all, _ := log.Query(ctx, AuditQuery{})
	if len(all) != 6 || all[0].ChannelID != "s1" || all[5].ChannelID != "s2" {
		t.Fatalf("expected records grouped by channel, got %+v", all)
	}
}

func TestAuditSinkRejectsMalformedEvents(t *testing.T) {
	sink := NewAuditSink(NewMemoryAuditLog())
	ev := messageEvent("", 1, 1, "hi")
	err := sink.Deliver(context.Background(), ev)
	if err == nil || !events.IsPermanent(err) {
		t.Fatalf("expected permanent failure, got %v", err)
	}
}

func TestNewPostgresConfigAppliesOptions(t *testing.T) {
	cfg := newPostgresConfig(" postgres://localhost/realcast ",
		WithPostgresPoolLimits(8, 2),
		WithPostgresAcquireTimeout(3*time.Second),
		WithPostgresPoolDurations(time.Hour, time.Minute, 30*time.Second),
		WithPostgresApplicationName(" hub "),
		WithStatementTimeout(2*time.Second),
	)
	poolCfg, err := cfg.poolConfig()
	if err != nil {
		t.Fatalf("poolConfig returned error: %v", err)
	}
	if poolCfg.MaxConns != 8 || poolCfg.MinConns != 2 {
		t.Fatalf("unexpected pool limits %d/%d", poolCfg.MaxConns, poolCfg.MinConns)
	}
	if poolCfg.ConnConfig.ConnectTimeout != 3*time.Second || poolCfg.HealthCheckPeriod != 30*time.Second {
		t.Fatalf("unexpected pool durations %+v", poolCfg)
	}
	if poolCfg.ConnConfig.RuntimeParams["application_name"] != "hub" {
		t.Fatalf("expected application name hub, got %q", poolCfg.ConnConfig.RuntimeParams["application_name"])
	}
	if cfg.StatementTimeout != 2*time.Second {
		t.Fatalf("expected statement timeout 2s, got %v", cfg.StatementTimeout)
	}
	if _, err := newPostgresConfig("").poolConfig(); err == nil {
		t.Fatal("expected an empty dsn to be rejected")
	}
}
