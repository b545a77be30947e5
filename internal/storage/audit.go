// Package storage keeps the audit trail of chat traffic and moderation. The
// hub itself holds only the bounded recent buffer; everything admitted,
// tombstoned or moderated is recorded here for later review.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"realcast-live/internal/events"
)

// RecordKind classifies audit records.
type RecordKind string

const (
	RecordMessage        RecordKind = "message"
	RecordMessageDeleted RecordKind = "message_deleted"
	RecordModeration     RecordKind = "moderation"
)

// AuditRecord is one persisted audit entry. Message records keep their body
// after deletion; Deleted flips when a tombstone arrives.
type AuditRecord struct {
	EventID     string
	Kind        RecordKind
	ChannelID   string
	Sequence    uint64
	MessageID   uint64
	MessageKind string
	SenderID    string
	Body        string
	Deleted     bool
	Action      string
	ActorID     string
	TargetID    string
	OccurredAt  time.Time
}

// AuditQuery selects records of a channel. Zero fields do not filter.
type AuditQuery struct {
	ChannelID string
	Kind      RecordKind
	Since     time.Time
	Limit     int
}

// AuditLog persists audit records. Append must be idempotent on EventID
// because the dispatcher delivers at least once.
type AuditLog interface {
	Append(ctx context.Context, rec AuditRecord) error
	Query(ctx context.Context, q AuditQuery) ([]AuditRecord, error)
}

var errUnsupportedEvent = errors.New("event kind is not audited")

// RecordFromEvent converts a hub event into an audit record. Events that are
// not audited report errUnsupportedEvent.
func RecordFromEvent(ev events.Event) (AuditRecord, error) {
	rec := AuditRecord{
		EventID:    ev.ID,
		ChannelID:  ev.ChannelID,
		Sequence:   ev.Sequence,
		OccurredAt: ev.Timestamp.UTC(),
	}
	switch payload := ev.Payload.(type) {
	case events.MessagePayload:
		rec.Kind = RecordMessage
		rec.MessageID = payload.MessageID
		rec.MessageKind = payload.Kind
		rec.SenderID = payload.SenderID
		rec.Body = payload.Body
	case events.MessageDeletedPayload:
		rec.Kind = RecordMessageDeleted
		rec.MessageID = payload.MessageID
		rec.ActorID = payload.ActorID
		rec.Action = "delete_message"
	case events.ModerationPayload:
		rec.Kind = RecordModeration
		rec.Action = payload.Action
		rec.ActorID = payload.ActorID
		rec.TargetID = payload.TargetID
	default:
		return AuditRecord{}, errUnsupportedEvent
	}
	if rec.EventID == "" || rec.ChannelID == "" {
		return AuditRecord{}, fmt.Errorf("audit record for %s missing identity", ev.Kind)
	}
	return rec, nil
}

// AuditSink adapts an AuditLog to the event dispatcher.
type AuditSink struct {
	log AuditLog
}

func NewAuditSink(log AuditLog) *AuditSink {
	return &AuditSink{log: log}
}

func (s *AuditSink) Name() string { return "audit" }

// Deliver records audited kinds and ignores the rest. Malformed events are
// permanent failures.
func (s *AuditSink) Deliver(ctx context.Context, ev events.Event) error {
	rec, err := RecordFromEvent(ev)
	if errors.Is(err, errUnsupportedEvent) {
		return nil
	}
	if err != nil {
		return events.Permanent(err)
	}
	return s.log.Append(ctx, rec)
}
