package hub

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"realcast-live/internal/apperr"
	"realcast-live/internal/auth"
	"realcast-live/internal/events"
)

// ModerationAction is a moderator command.
type ModerationAction string

const (
	ActionMute          ModerationAction = "mute"
	ActionUnmute        ModerationAction = "unmute"
	ActionBan           ModerationAction = "ban"
	ActionUnban         ModerationAction = "unban"
	ActionDeleteMessage ModerationAction = "delete_message"
)

// ParseModerationAction accepts the wire names of moderation actions.
func ParseModerationAction(value string) (ModerationAction, bool) {
	action := ModerationAction(strings.ToLower(strings.TrimSpace(value)))
	switch action {
	case ActionMute, ActionUnmute, ActionBan, ActionUnban, ActionDeleteMessage:
		return action, true
	case "delete":
		return ActionDeleteMessage, true
	default:
		return "", false
	}
}

// ModerationRequest describes a moderation command. ActorRole is the role
// granted by the actor's verified token; the channel may raise it when the
// actor is a listed moderator or a subscribed broadcaster. For
// ActionDeleteMessage, TargetID is the message id.
type ModerationRequest struct {
	ChannelID string
	ActorID   string
	ActorRole auth.Role
	Action    ModerationAction
	TargetID  string
}

var (
	errSelfModeration        = errors.New("moderators cannot act on themselves")
	errBroadcasterProtected  = errors.New("moderators cannot act on the broadcaster")
	errTargetRequired        = errors.New("moderation target required")
	errUnknownModerationVerb = errors.New("unknown moderation action")
)

// Moderate applies a moderation action. Mute and ban last for the channel's
// lifetime and are dropped when it closes.
func (h *Hub) Moderate(_ context.Context, req ModerationRequest) error {
	const op = "hub.Moderate"
	ch := h.lookup(req.ChannelID)
	if ch == nil {
		return apperr.Wrap(apperr.ErrChannelNotFound, op, nil)
	}
	target := strings.TrimSpace(req.TargetID)

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.state != StateLive {
		return apperr.Wrap(apperr.ErrChannelClosed, op, nil)
	}
	role := h.actorRoleLocked(ch, req.ActorID, req.ActorRole)
	if !role.AtLeast(auth.RoleModerator) {
		return apperr.Wrap(apperr.ErrForbidden, op, nil)
	}
	if target == "" {
		return apperr.Wrap(apperr.ErrForbidden, op, errTargetRequired)
	}

	notice := ModerationNotice{Action: req.Action, ActorID: req.ActorID, TargetID: target}
	switch req.Action {
	case ActionMute, ActionUnmute, ActionBan, ActionUnban:
		if target == req.ActorID {
			return apperr.Wrap(apperr.ErrForbidden, op, errSelfModeration)
		}
		if role != auth.RoleBroadcaster && h.targetIsBroadcasterLocked(ch, target) {
			return apperr.Wrap(apperr.ErrForbidden, op, errBroadcasterProtected)
		}
		switch req.Action {
		case ActionMute:
			ch.muted[target] = struct{}{}
		case ActionUnmute:
			delete(ch.muted, target)
		case ActionBan:
			ch.banned[target] = struct{}{}
		case ActionUnban:
			delete(ch.banned, target)
		}
	case ActionDeleteMessage:
		id, err := strconv.ParseUint(target, 10, 64)
		if err != nil {
			return apperr.Wrap(apperr.ErrMessageNotFound, op, err)
		}
		idx := -1
		for i := range ch.recent {
			if ch.recent[i].ID == id {
				idx = i
				break
			}
		}
		if idx < 0 {
			return apperr.Wrap(apperr.ErrMessageNotFound, op, nil)
		}
		if ch.recent[idx].Deleted {
			return nil
		}
		ch.recent[idx].Deleted = true
		notice.MessageID = id
		h.broadcastLocked(ch, Delivery{Kind: DeliveryMessageDeleted, Moderation: &ModerationNotice{Action: req.Action, ActorID: req.ActorID, TargetID: target, MessageID: id}})
		h.emitLocked(ch, events.KindMessageDeleted, events.MessageDeletedPayload{MessageID: id, ActorID: req.ActorID})
	default:
		return apperr.Wrap(apperr.ErrInvalidKind, op, errUnknownModerationVerb)
	}

	h.metrics.ObserveModeration(string(req.Action))
	h.broadcastLocked(ch, Delivery{Kind: DeliveryModeration, Moderation: &notice})
	h.emitLocked(ch, events.KindModerationAction, events.ModerationPayload{Action: string(req.Action), ActorID: req.ActorID, TargetID: target})
	ch.publishLocked()
	h.logger.Info("moderation applied", "channel_id", ch.id, "action", req.Action, "actor_id", req.ActorID, "target_id", target)
	return nil
}

func (h *Hub) actorRoleLocked(ch *channel, actorID string, granted auth.Role) auth.Role {
	role := granted
	if session, ok := ch.presence.Get(actorID); ok && session.Role.AtLeast(role) {
		role = session.Role
	}
	if ch.isBroadcasterLocked(actorID) {
		role = auth.RoleBroadcaster
	}
	if ch.policy.IsModerator(actorID) && !role.AtLeast(auth.RoleModerator) {
		role = auth.RoleModerator
	}
	return role
}

func (h *Hub) targetIsBroadcasterLocked(ch *channel, targetID string) bool {
	if ch.isBroadcasterLocked(targetID) {
		return true
	}
	session, ok := ch.presence.Get(targetID)
	return ok && session.Role == auth.RoleBroadcaster
}
