package chat

import (
	"time"

	"realcast-live/internal/hub"
)

// Inbound frame types.
const (
	FramePublish   = "publish"
	FrameModerate  = "moderate"
	FrameHeartbeat = "heartbeat"
)

// Outbound frame types.
const (
	FrameReplay         = "replay"
	FrameMessage        = "message"
	FrameViewerCount    = "viewer_count"
	FrameModeration     = "moderation"
	FrameMessageDeleted = "message_deleted"
	FrameKey            = "key"
	FrameError          = "error"
	FrameClosed         = "closed"
)

// InboundFrame is a command sent by a viewer. Ref is echoed on error frames
// so clients can correlate failures.
type InboundFrame struct {
	Type     string `json:"type"`
	Ref      string `json:"ref,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Body     string `json:"body,omitempty"`
	Action   string `json:"action,omitempty"`
	TargetID string `json:"targetId,omitempty"`
}

// OutboundFrame is everything the gateway writes to a viewer. Only the field
// matching Type is set.
type OutboundFrame struct {
	Type        string            `json:"type"`
	Ref         string            `json:"ref,omitempty"`
	Messages    []MessageFrame    `json:"messages,omitempty"`
	Message     *MessageFrame     `json:"message,omitempty"`
	ViewerCount *ViewerCountFrame `json:"viewerCount,omitempty"`
	Moderation  *ModerationFrame  `json:"moderation,omitempty"`
	Key         *KeyFrame         `json:"key,omitempty"`
	Code        string            `json:"code,omitempty"`
	Reason      string            `json:"reason,omitempty"`
}

type MessageFrame struct {
	ID        uint64    `json:"id"`
	SenderID  string    `json:"senderId"`
	Kind      string    `json:"kind"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

type ViewerCountFrame struct {
	ViewerID string `json:"viewerId"`
	Delta    int    `json:"delta"`
	Count    int    `json:"count"`
}

type ModerationFrame struct {
	Action    string `json:"action"`
	ActorID   string `json:"actorId"`
	TargetID  string `json:"targetId"`
	MessageID uint64 `json:"messageId,omitempty"`
}

// KeyFrame announces a key id. Secrets are fetched over the key endpoint.
type KeyFrame struct {
	KeyID         uint64    `json:"keyId"`
	PreviousKeyID uint64    `json:"previousKeyId,omitempty"`
	IssuedAt      time.Time `json:"issuedAt"`
}

func messageFrame(msg hub.Message) MessageFrame {
	return MessageFrame{
		ID:        msg.ID,
		SenderID:  msg.SenderID,
		Kind:      string(msg.Kind),
		Body:      msg.Body,
		CreatedAt: msg.CreatedAt.UTC(),
	}
}

func frameFromDelivery(d hub.Delivery) (OutboundFrame, bool) {
	switch d.Kind {
	case hub.DeliveryReplay:
		frame := OutboundFrame{Type: FrameReplay, Messages: make([]MessageFrame, 0, len(d.Replay))}
		for _, msg := range d.Replay {
			frame.Messages = append(frame.Messages, messageFrame(msg))
		}
		return frame, true
	case hub.DeliveryMessage:
		if d.Message == nil {
			return OutboundFrame{}, false
		}
		msg := messageFrame(*d.Message)
		return OutboundFrame{Type: FrameMessage, Message: &msg}, true
	case hub.DeliveryViewerCount:
		if d.ViewerCount == nil {
			return OutboundFrame{}, false
		}
		return OutboundFrame{Type: FrameViewerCount, ViewerCount: &ViewerCountFrame{
			ViewerID: d.ViewerCount.ViewerID,
			Delta:    d.ViewerCount.Delta,
			Count:    d.ViewerCount.Count,
		}}, true
	case hub.DeliveryModeration, hub.DeliveryMessageDeleted:
		if d.Moderation == nil {
			return OutboundFrame{}, false
		}
		frameType := FrameModeration
		if d.Kind == hub.DeliveryMessageDeleted {
			frameType = FrameMessageDeleted
		}
		return OutboundFrame{Type: frameType, Moderation: &ModerationFrame{
			Action:    string(d.Moderation.Action),
			ActorID:   d.Moderation.ActorID,
			TargetID:  d.Moderation.TargetID,
			MessageID: d.Moderation.MessageID,
		}}, true
	case hub.DeliveryKey:
		if d.Key == nil {
			return OutboundFrame{}, false
		}
		return OutboundFrame{Type: FrameKey, Key: &KeyFrame{
			KeyID:         d.Key.KeyID,
			PreviousKeyID: d.Key.PreviousKeyID,
			IssuedAt:      d.Key.IssuedAt.UTC(),
		}}, true
	default:
		return OutboundFrame{}, false
	}
}
