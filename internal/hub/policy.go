package hub

import (
	"sort"
	"strings"
	"time"

	"realcast-live/internal/apperr"
)

// MessageKind distinguishes chat lines from emoji reactions.
type MessageKind string

const (
	KindChat     MessageKind = "chat"
	KindReaction MessageKind = "reaction"
)

// ParseMessageKind accepts the wire names of message kinds. An empty kind
// means chat.
func ParseMessageKind(value string) (MessageKind, error) {
	switch MessageKind(strings.ToLower(strings.TrimSpace(value))) {
	case "", KindChat:
		return KindChat, nil
	case KindReaction:
		return KindReaction, nil
	default:
		return "", apperr.Wrap(apperr.ErrInvalidKind, "hub.ParseMessageKind", nil)
	}
}

const (
	defaultMaxMessageLength     = 500
	defaultMaxMessagesPerWindow = 20
	defaultRateWindow           = 30 * time.Second
	defaultHistorySize          = 50
)

// Policy is the per-channel chat policy. A zero SlowMode disables slow mode
// and a zero MaxMessagesPerWindow disables the per-window limit.
type Policy struct {
	SlowMode             time.Duration
	Moderators           []string
	MaxMessageLength     int
	MaxMessagesPerWindow int
	RateWindow           time.Duration
	HistorySize          int
}

// DefaultPolicy is applied to channels opened from lifecycle notifications.
func DefaultPolicy() Policy {
	return Policy{
		MaxMessageLength:     defaultMaxMessageLength,
		MaxMessagesPerWindow: defaultMaxMessagesPerWindow,
		RateWindow:           defaultRateWindow,
		HistorySize:          defaultHistorySize,
	}
}

// Normalized fills unset limits with defaults and sorts the moderator list.
func (p Policy) Normalized() Policy {
	out := p
	if out.SlowMode < 0 {
		out.SlowMode = 0
	}
	if out.MaxMessageLength <= 0 {
		out.MaxMessageLength = defaultMaxMessageLength
	}
	if out.MaxMessagesPerWindow < 0 {
		out.MaxMessagesPerWindow = 0
	}
	if out.RateWindow <= 0 {
		out.RateWindow = defaultRateWindow
	}
	if out.HistorySize <= 0 {
		out.HistorySize = defaultHistorySize
	}
	seen := make(map[string]struct{}, len(p.Moderators))
	out.Moderators = make([]string, 0, len(p.Moderators))
	for _, id := range p.Moderators {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out.Moderators = append(out.Moderators, id)
	}
	sort.Strings(out.Moderators)
	return out
}

// IsModerator reports whether viewerID is listed as a channel moderator.
func (p Policy) IsModerator(viewerID string) bool {
	for _, id := range p.Moderators {
		if id == viewerID {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no memory with p.
func (p Policy) Clone() Policy {
	out := p
	out.Moderators = append([]string(nil), p.Moderators...)
	return out
}
