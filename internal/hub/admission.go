package hub

import (
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"realcast-live/internal/apperr"
	"realcast-live/internal/auth"
)

// Reason names why a message was refused.
type Reason string

const (
	ReasonBanned       Reason = apperr.CodeBanned
	ReasonMuted        Reason = apperr.CodeMuted
	ReasonTooLong      Reason = apperr.CodeTooLong
	ReasonEmpty        Reason = apperr.CodeEmpty
	ReasonRateExceeded Reason = apperr.CodeRateExceeded
	ReasonTooFast      Reason = apperr.CodeTooFast
)

var reasonErrors = map[Reason]*apperr.Error{
	ReasonBanned:       apperr.ErrBanned,
	ReasonMuted:        apperr.ErrMuted,
	ReasonTooLong:      apperr.ErrTooLong,
	ReasonEmpty:        apperr.ErrEmpty,
	ReasonRateExceeded: apperr.ErrRateExceeded,
	ReasonTooFast:      apperr.ErrTooFast,
}

// SenderState is what admission needs to know about the sender. Recent holds
// the times of the sender's accepted messages, oldest first.
type SenderState struct {
	Role         auth.Role
	Banned       bool
	Muted        bool
	LastAccepted time.Time
	Recent       []time.Time
}

// Candidate is an inbound message awaiting admission.
type Candidate struct {
	Kind MessageKind
	Body string
}

// Decision is the outcome of Admit. Body carries the normalized text that is
// stored and broadcast when the message is accepted.
type Decision struct {
	Accepted bool
	Reason   Reason
	Body     string
}

// Err converts a rejection into its apperr form.
func (d Decision) Err() error {
	if d.Accepted {
		return nil
	}
	sentinel, ok := reasonErrors[d.Reason]
	if !ok {
		return apperr.Internal("hub.Admit", nil)
	}
	return apperr.Wrap(sentinel, "hub.Admit", nil)
}

// NormalizeBody applies NFC normalization and trims surrounding space.
func NormalizeBody(body string) string {
	return strings.TrimSpace(norm.NFC.String(body))
}

// Admit decides whether candidate may be published under policy. Checks run
// in a fixed order so the reported reason is deterministic: banned, muted,
// too long, empty, rate exceeded, too fast. Moderators and broadcasters are
// not subject to the rate and slow mode checks. Admit has no side effects.
func Admit(policy Policy, sender SenderState, candidate Candidate, now time.Time) Decision {
	if sender.Banned {
		return Decision{Reason: ReasonBanned}
	}
	if sender.Muted {
		return Decision{Reason: ReasonMuted}
	}
	body := NormalizeBody(candidate.Body)
	if policy.MaxMessageLength > 0 && utf8.RuneCountInString(body) > policy.MaxMessageLength {
		return Decision{Reason: ReasonTooLong}
	}
	if body == "" {
		return Decision{Reason: ReasonEmpty}
	}
	if sender.Role.AtLeast(auth.RoleModerator) {
		return Decision{Accepted: true, Body: body}
	}
	if policy.MaxMessagesPerWindow > 0 {
		window := policy.RateWindow
		if window <= 0 {
			window = defaultRateWindow
		}
		count := 0
		for _, at := range sender.Recent {
			if now.Sub(at) < window {
				count++
			}
		}
		if count >= policy.MaxMessagesPerWindow {
			return Decision{Reason: ReasonRateExceeded}
		}
	}
	if policy.SlowMode > 0 && !sender.LastAccepted.IsZero() && now.Sub(sender.LastAccepted) < policy.SlowMode {
		return Decision{Reason: ReasonTooFast}
	}
	return Decision{Accepted: true, Body: body}
}
