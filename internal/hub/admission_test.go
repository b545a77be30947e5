package hub

import (
	"errors"
	"strings"
	"testing"
	"time"

	"realcast-live/internal/apperr"
	"realcast-live/internal/auth"
)

func TestAdmitCheckOrder(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	policy := Policy{SlowMode: 5 * time.Second, MaxMessageLength: 10, MaxMessagesPerWindow: 2, RateWindow: time.Minute}.Normalized()

	cases := []struct {
		name   string
		sender SenderState
		body   string
		want   Reason
	}{
		{
			name:   "banned wins over everything",
			sender: SenderState{Role: auth.RoleViewer, Banned: true, Muted: true},
			body:   "",
			want:   ReasonBanned,
		},
		{
			name:   "muted before length",
			sender: SenderState{Role: auth.RoleViewer, Muted: true},
			body:   strings.Repeat("x", 50),
			want:   ReasonMuted,
		},
		{
			name:   "too long before rate",
			sender: SenderState{Role: auth.RoleViewer, Recent: []time.Time{now, now}},
			body:   strings.Repeat("x", 11),
			want:   ReasonTooLong,
		},
		{
			name:   "empty after trimming",
			sender: SenderState{Role: auth.RoleViewer},
			body:   " \t\n",
			want:   ReasonEmpty,
		},
		{
			name:   "rate before slow mode",
			sender: SenderState{Role: auth.RoleViewer, LastAccepted: now, Recent: []time.Time{now.Add(-time.Second), now}},
			body:   "hi",
			want:   ReasonRateExceeded,
		},
		{
			name:   "slow mode",
			sender: SenderState{Role: auth.RoleViewer, LastAccepted: now.Add(-4 * time.Second), Recent: []time.Time{now.Add(-4 * time.Second)}},
			body:   "hi",
			want:   ReasonTooFast,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decision := Admit(policy, tc.sender, Candidate{Kind: KindChat, Body: tc.body}, now)
			if decision.Accepted {
				t.Fatalf("expected rejection %s, got acceptance", tc.want)
			}
			if decision.Reason != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, decision.Reason)
			}
		})
	}
}

func TestAdmitAcceptsAndNormalizes(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	policy := Policy{MaxMessageLength: 3}.Normalized()

	// "e" followed by a combining acute accent composes to a single rune.
	decision := Admit(policy, SenderState{Role: auth.RoleViewer}, Candidate{Kind: KindChat, Body: "  abe\u0301 "}, now)
	if !decision.Accepted {
		t.Fatalf("expected acceptance, got %s", decision.Reason)
	}
	if decision.Body != "ab\u00e9" {
		t.Fatalf("expected NFC body, got %q", decision.Body)
	}
	if decision.Err() != nil {
		t.Fatalf("expected nil error for acceptance, got %v", decision.Err())
	}
}

func TestAdmitModeratorsBypassRateLimits(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	policy := Policy{SlowMode: time.Minute, MaxMessagesPerWindow: 1}.Normalized()
	sender := SenderState{Role: auth.RoleModerator, LastAccepted: now, Recent: []time.Time{now, now}}

	if decision := Admit(policy, sender, Candidate{Kind: KindChat, Body: "hi"}, now); !decision.Accepted {
		t.Fatalf("expected moderator to bypass limits, got %s", decision.Reason)
	}
	sender.Muted = true
	if decision := Admit(policy, sender, Candidate{Kind: KindChat, Body: "hi"}, now); decision.Reason != ReasonMuted {
		t.Fatalf("expected muted moderators to be rejected, got %+v", decision)
	}
}

func TestAdmitRateWindowSlides(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	policy := Policy{MaxMessagesPerWindow: 2, RateWindow: 10 * time.Second}.Normalized()
	sender := SenderState{Role: auth.RoleViewer, Recent: []time.Time{now.Add(-10 * time.Second), now.Add(-time.Second)}}

	if decision := Admit(policy, sender, Candidate{Kind: KindReaction, Body: "👍"}, now); !decision.Accepted {
		t.Fatalf("expected timestamps outside the window to be ignored, got %s", decision.Reason)
	}
}

func TestDecisionErrMapsReasons(t *testing.T) {
	cases := map[Reason]*apperr.Error{
		ReasonBanned:       apperr.ErrBanned,
		ReasonMuted:        apperr.ErrMuted,
		ReasonTooLong:      apperr.ErrTooLong,
		ReasonEmpty:        apperr.ErrEmpty,
		ReasonRateExceeded: apperr.ErrRateExceeded,
		ReasonTooFast:      apperr.ErrTooFast,
	}
	for reason, want := range cases {
		if err := (Decision{Reason: reason}).Err(); !errors.Is(err, want) {
			t.Fatalf("expected %s to map to %v, got %v", reason, want, err)
		}
	}
}

func TestParseMessageKind(t *testing.T) {
	if kind, err := ParseMessageKind(""); err != nil || kind != KindChat {
		t.Fatalf("expected empty kind to default to chat, got %q %v", kind, err)
	}
	if kind, err := ParseMessageKind(" Reaction "); err != nil || kind != KindReaction {
		t.Fatalf("expected reaction, got %q %v", kind, err)
	}
	if _, err := ParseMessageKind("sticker"); !errors.Is(err, apperr.ErrInvalidKind) {
		t.Fatalf("expected invalid_kind, got %v", err)
	}
}

func TestPolicyNormalized(t *testing.T) {
	policy := Policy{SlowMode: -time.Second, Moderators: []string{" m2", "m1", "", "m2"}, MaxMessagesPerWindow: -1}.Normalized()
	if policy.SlowMode != 0 || policy.MaxMessagesPerWindow != 0 {
		t.Fatalf("expected negative limits to disable checks, got %+v", policy)
	}
	if policy.MaxMessageLength != defaultMaxMessageLength || policy.HistorySize != defaultHistorySize || policy.RateWindow != defaultRateWindow {
		t.Fatalf("expected defaults to be filled, got %+v", policy)
	}
	if len(policy.Moderators) != 2 || policy.Moderators[0] != "m1" || policy.Moderators[1] != "m2" {
		t.Fatalf("expected sorted unique moderators, got %v", policy.Moderators)
	}
	if !policy.IsModerator("m2") || policy.IsModerator("v1") {
		t.Fatal("unexpected IsModerator result")
	}
	clone := policy.Clone()
	clone.Moderators[0] = "changed"
	if policy.Moderators[0] != "m1" {
		t.Fatal("expected Clone to copy the moderator list")
	}
}
