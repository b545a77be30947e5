package hub

import (
	"testing"
	"time"

	"realcast-live/internal/auth"
)

func TestPresencePutReplaceRemove(t *testing.T) {
	p := NewPresence()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if existed := p.Put(Session{ViewerID: "v1", Role: auth.RoleViewer, ConnectedAt: now, LastSeen: now}); existed {
		t.Fatal("expected first Put to report a new session")
	}
	if existed := p.Put(Session{ViewerID: "v1", Role: auth.RoleModerator, ConnectedAt: now, LastSeen: now}); !existed {
		t.Fatal("expected second Put to report a replacement")
	}
	if p.Len() != 1 {
		t.Fatalf("expected one session, got %d", p.Len())
	}
	session, ok := p.Get("v1")
	if !ok || session.Role != auth.RoleModerator {
		t.Fatalf("expected replaced session, got %+v", session)
	}
	if _, ok := p.Remove("v1"); !ok {
		t.Fatal("expected Remove to find v1")
	}
	if _, ok := p.Remove("v1"); ok {
		t.Fatal("expected second Remove to be a no-op")
	}
}

func TestPresenceExpired(t *testing.T) {
	p := NewPresence()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p.Put(Session{ViewerID: "b", ConnectedAt: start, LastSeen: start})
	p.Put(Session{ViewerID: "a", ConnectedAt: start, LastSeen: start})
	p.Put(Session{ViewerID: "c", ConnectedAt: start.Add(time.Second), LastSeen: start})

	later := start.Add(40 * time.Second)
	if !p.Touch("c", later) {
		t.Fatal("expected Touch to find c")
	}
	if p.Touch("missing", later) {
		t.Fatal("expected Touch to report absent viewers")
	}

	expired := p.Expired(start.Add(46*time.Second), 45*time.Second)
	if len(expired) != 2 || expired[0].ViewerID != "a" || expired[1].ViewerID != "b" {
		t.Fatalf("expected a and b to expire, got %+v", expired)
	}
	if got := p.Expired(start.Add(45*time.Second), 45*time.Second); len(got) != 0 {
		t.Fatalf("expected nothing to expire exactly at the timeout, got %+v", got)
	}

	snapshot := p.Snapshot()
	if len(snapshot) != 3 || snapshot[0].ViewerID != "a" || snapshot[2].ViewerID != "c" {
		t.Fatalf("expected snapshot ordered by connection time, got %+v", snapshot)
	}
}
