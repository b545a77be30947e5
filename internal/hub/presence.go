package hub

import (
	"sort"
	"time"

	"realcast-live/internal/auth"
)

// Session is one viewer's presence in a channel.
type Session struct {
	ViewerID    string
	ChannelID   string
	Role        auth.Role
	ConnectedAt time.Time
	LastSeen    time.Time
}

// Presence tracks the sessions of a single channel. It is not safe for
// concurrent use; the owning channel serializes access.
type Presence struct {
	sessions map[string]*Session
}

func NewPresence() *Presence {
	return &Presence{sessions: make(map[string]*Session)}
}

// Put registers or replaces the session for s.ViewerID and reports whether
// one was already present.
func (p *Presence) Put(s Session) bool {
	_, existed := p.sessions[s.ViewerID]
	session := s
	p.sessions[s.ViewerID] = &session
	return existed
}

func (p *Presence) Remove(viewerID string) (Session, bool) {
	s, ok := p.sessions[viewerID]
	if !ok {
		return Session{}, false
	}
	delete(p.sessions, viewerID)
	return *s, true
}

func (p *Presence) Get(viewerID string) (Session, bool) {
	s, ok := p.sessions[viewerID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Touch refreshes LastSeen and reports whether the viewer is present.
func (p *Presence) Touch(viewerID string, now time.Time) bool {
	s, ok := p.sessions[viewerID]
	if ok {
		s.LastSeen = now
	}
	return ok
}

func (p *Presence) Len() int {
	return len(p.sessions)
}

// Snapshot returns the sessions ordered by connection time.
func (p *Presence) Snapshot() []Session {
	out := make([]Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ViewerID < out[j].ViewerID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Expired lists sessions not seen within timeout of now.
func (p *Presence) Expired(now time.Time, timeout time.Duration) []Session {
	var out []Session
	for _, s := range p.sessions {
		if now.Sub(s.LastSeen) > timeout {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ViewerID < out[j].ViewerID })
	return out
}
