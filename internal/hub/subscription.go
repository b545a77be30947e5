package hub

import (
	"sync"
	"time"

	"realcast-live/internal/apperr"
	"realcast-live/internal/auth"
	"realcast-live/internal/keys"
)

// DeliveryKind identifies what a Delivery carries.
type DeliveryKind string

const (
	DeliveryReplay         DeliveryKind = "replay"
	DeliveryMessage        DeliveryKind = "message"
	DeliveryViewerCount    DeliveryKind = "viewer_count"
	DeliveryModeration     DeliveryKind = "moderation"
	DeliveryMessageDeleted DeliveryKind = "message_deleted"
	DeliveryKey            DeliveryKind = "key"
)

// Close reasons reported by Subscription.Reason.
const (
	CloseUnsubscribed    = "unsubscribed"
	CloseReplaced        = "replaced"
	CloseLivenessTimeout = "liveness_timeout"
	CloseSlowConsumer    = "slow_consumer"
	CloseChannelClosed   = "channel_closed"
)

// ViewerCountDelta reports one presence change and the resulting count.
type ViewerCountDelta struct {
	ViewerID string
	Delta    int
	Count    int
}

// ModerationNotice is broadcast for every moderation action.
type ModerationNotice struct {
	Action    ModerationAction
	ActorID   string
	TargetID  string
	MessageID uint64
}

// Delivery is one item on a subscriber's queue. Exactly one of the payload
// fields is set, matching Kind.
type Delivery struct {
	Kind        DeliveryKind
	Replay      []Message
	Message     *Message
	ViewerCount *ViewerCountDelta
	Moderation  *ModerationNotice
	Key         *keys.KeyRef
}

// Subscription is a viewer's session handle. Deliveries arrive in channel
// order on a bounded queue that is closed when the session ends.
type Subscription struct {
	ChannelID   string
	ViewerID    string
	Role        auth.Role
	ConnectedAt time.Time

	deliveries chan Delivery
	leave      func(*Subscription)

	mu     sync.Mutex
	reason string
	ended  bool
}

func newSubscription(channelID, viewerID string, role auth.Role, connectedAt time.Time, queue int, leave func(*Subscription)) *Subscription {
	return &Subscription{
		ChannelID:   channelID,
		ViewerID:    viewerID,
		Role:        role,
		ConnectedAt: connectedAt,
		deliveries:  make(chan Delivery, queue),
		leave:       leave,
	}
}

// Deliveries is closed once the session has ended.
func (s *Subscription) Deliveries() <-chan Delivery {
	return s.deliveries
}

// Close ends the session as an explicit disconnect. It only affects this
// session, not a newer session of the same viewer.
func (s *Subscription) Close() {
	if s.leave != nil {
		s.leave(s)
	}
}

// Reason reports why the session ended, or "" while it is active.
func (s *Subscription) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Err maps abnormal endings to their apperr form.
func (s *Subscription) Err() error {
	switch s.Reason() {
	case CloseSlowConsumer:
		return apperr.Wrap(apperr.ErrSlowConsumer, "hub.Subscription", nil)
	case CloseChannelClosed:
		return apperr.Wrap(apperr.ErrChannelClosed, "hub.Subscription", nil)
	default:
		return nil
	}
}

// offer enqueues d without blocking. Callers hold the channel writer lock.
func (s *Subscription) offer(d Delivery) bool {
	select {
	case s.deliveries <- d:
		return true
	default:
		return false
	}
}

// end closes the queue. Callers hold the channel writer lock.
func (s *Subscription) end(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.reason = reason
	close(s.deliveries)
}
