// Package events carries hub notifications to in-process listeners and to
// external consumers (webhooks, Redis streams, Kafka, the audit log).
//
// Delivery to external consumers is at-least-once. Consumers deduplicate on
// the tuple returned by Event.DedupeKey.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

type Kind string

const (
	KindStreamLive         Kind = "stream.live"
	KindStreamOffline      Kind = "stream.offline"
	KindMessageNew         Kind = "chat.message.new"
	KindMessageDeleted     Kind = "chat.message.deleted"
	KindViewerCountChanged Kind = "viewer.count.changed"
	KindModerationAction   Kind = "chat.moderation.action"
	KindKeyRotated         Kind = "key.rotated"
	KindAll                Kind = "*"
)

// Kinds lists every concrete event kind.
var Kinds = []Kind{
	KindStreamLive,
	KindStreamOffline,
	KindMessageNew,
	KindMessageDeleted,
	KindViewerCountChanged,
	KindModerationAction,
	KindKeyRotated,
}

// Event is the envelope published for every hub notification. Sequence is
// monotonic per channel.
type Event struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	ChannelID string    `json:"channel_id"`
	Timestamp time.Time `json:"timestamp"`
	Sequence  uint64    `json:"sequence"`
	Payload   any       `json:"payload,omitempty"`
}

// New stamps an event with a fresh ULID.
func New(kind Kind, channelID string, sequence uint64, ts time.Time, payload any) Event {
	return Event{
		ID:        ulid.Make().String(),
		Kind:      kind,
		ChannelID: channelID,
		Timestamp: ts.UTC(),
		Sequence:  sequence,
		Payload:   payload,
	}
}

// DedupeKey identifies an event across redeliveries.
func (e Event) DedupeKey() string {
	return fmt.Sprintf("%s|%s|%d|%d", e.Kind, e.ChannelID, e.Timestamp.UnixNano(), e.Sequence)
}

// Marshal encodes the envelope as JSON.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// LifecyclePayload accompanies stream.live and stream.offline.
type LifecyclePayload struct {
	State  string `json:"state"`
	KeyID  uint64 `json:"key_id,omitempty"`
	Forced bool   `json:"forced,omitempty"`
}

// MessagePayload accompanies chat.message.new.
type MessagePayload struct {
	MessageID uint64    `json:"message_id"`
	SenderID  string    `json:"sender_id"`
	Kind      string    `json:"kind"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageDeletedPayload accompanies chat.message.deleted.
type MessageDeletedPayload struct {
	MessageID uint64 `json:"message_id"`
	ActorID   string `json:"actor_id"`
}

// ViewerCountPayload accompanies viewer.count.changed. Delta is +1 or -1.
type ViewerCountPayload struct {
	ViewerID string `json:"viewer_id"`
	Delta    int    `json:"delta"`
	Count    int    `json:"count"`
	Reason   string `json:"reason,omitempty"`
}

// ModerationPayload accompanies chat.moderation.action.
type ModerationPayload struct {
	Action   string `json:"action"`
	ActorID  string `json:"actor_id"`
	TargetID string `json:"target_id"`
}

// KeyRotatedPayload accompanies key.rotated. Key material is never included.
type KeyRotatedPayload struct {
	KeyID         uint64    `json:"key_id"`
	PreviousKeyID uint64    `json:"previous_key_id,omitempty"`
	IssuedAt      time.Time `json:"issued_at"`
}
