package hub

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"realcast-live/internal/auth"
	"realcast-live/internal/keys"
)

// State is a channel's lifecycle position.
type State string

const (
	StatePending State = "pending"
	StateLive    State = "live"
	StateClosing State = "closing"
	StateClosed  State = "closed"
)

// Message is an admitted chat line or reaction. Deleted messages are kept
// for audit but never replayed.
type Message struct {
	ID        uint64
	ChannelID string
	SenderID  string
	Kind      MessageKind
	Body      string
	CreatedAt time.Time
	Deleted   bool
}

// Snapshot is an immutable view of a channel published after every write.
type Snapshot struct {
	ChannelID     string
	State         State
	Policy        Policy
	ViewerCount   int
	Recent        []Message
	LastMessageID uint64
	KeyID         uint64
	OpenedAt      time.Time
	Muted         []string
	Banned        []string
}

// Visible returns the recent messages that have not been deleted.
func (s Snapshot) Visible() []Message {
	out := make([]Message, 0, len(s.Recent))
	for _, msg := range s.Recent {
		if !msg.Deleted {
			out = append(out, msg)
		}
	}
	return out
}

// ChannelHandle refers to an open channel. Opening an already live channel
// returns the same handle.
type ChannelHandle struct {
	ID       string
	OpenedAt time.Time
	ch       *channel
}

// Snapshot returns the latest published view of the channel.
func (h *ChannelHandle) Snapshot() Snapshot {
	return *h.ch.snap.Load()
}

// Done is closed once the channel reaches Closed.
func (h *ChannelHandle) Done() <-chan struct{} {
	return h.ch.closed
}

type senderRecord struct {
	lastAccepted time.Time
	recent       []time.Time
}

// channel state is guarded by mu, the single writer lock. Readers use snap.
type channel struct {
	id     string
	handle *ChannelHandle

	mu            sync.Mutex
	state         State
	policy        Policy
	presence      *Presence
	subs          map[string]*Subscription
	recent        []Message
	lastMessageID uint64
	seq           uint64
	keyRef        keys.KeyRef
	muted         map[string]struct{}
	banned        map[string]struct{}
	broadcasters  map[string]struct{}
	senders       map[string]*senderRecord

	ctx    context.Context
	cancel context.CancelFunc
	force  chan struct{}
	forced sync.Once
	closed chan struct{}

	snap atomic.Pointer[Snapshot]
}

func newChannel(id string, policy Policy, now time.Time) *channel {
	ctx, cancel := context.WithCancel(context.Background())
	ch := &channel{
		id:           id,
		state:        StatePending,
		policy:       policy,
		presence:     NewPresence(),
		subs:         make(map[string]*Subscription),
		muted:        make(map[string]struct{}),
		banned:       make(map[string]struct{}),
		broadcasters: make(map[string]struct{}),
		senders:      make(map[string]*senderRecord),
		ctx:          ctx,
		cancel:       cancel,
		force:        make(chan struct{}),
		closed:       make(chan struct{}),
	}
	ch.handle = &ChannelHandle{ID: id, OpenedAt: now, ch: ch}
	ch.publishLocked()
	return ch
}

func (ch *channel) snapshot() Snapshot {
	return *ch.snap.Load()
}

func (ch *channel) forceClose() {
	ch.forced.Do(func() { close(ch.force) })
}

// publishLocked installs a fresh snapshot. Callers hold mu.
func (ch *channel) publishLocked() {
	snap := &Snapshot{
		ChannelID:     ch.id,
		State:         ch.state,
		Policy:        ch.policy.Clone(),
		ViewerCount:   ch.presence.Len(),
		Recent:        append([]Message(nil), ch.recent...),
		LastMessageID: ch.lastMessageID,
		KeyID:         ch.keyRef.KeyID,
		OpenedAt:      ch.handle.OpenedAt,
		Muted:         sortedSet(ch.muted),
		Banned:        sortedSet(ch.banned),
	}
	ch.snap.Store(snap)
}

func (ch *channel) appendRecentLocked(msg Message) {
	ch.recent = append(ch.recent, msg)
	ch.trimRecentLocked()
}

func (ch *channel) trimRecentLocked() {
	if limit := ch.policy.HistorySize; limit > 0 && len(ch.recent) > limit {
		ch.recent = append([]Message(nil), ch.recent[len(ch.recent)-limit:]...)
	}
}

func (ch *channel) visibleRecentLocked() []Message {
	out := make([]Message, 0, len(ch.recent))
	for _, msg := range ch.recent {
		if !msg.Deleted {
			out = append(out, msg)
		}
	}
	return out
}

// senderStateLocked builds the admission view of viewerID, pruning accepted
// timestamps that fell out of the rate window.
func (ch *channel) senderStateLocked(viewerID string, role auth.Role, now time.Time) SenderState {
	_, banned := ch.banned[viewerID]
	_, muted := ch.muted[viewerID]
	state := SenderState{Role: role, Banned: banned, Muted: muted}
	rec := ch.senders[viewerID]
	if rec == nil {
		return state
	}
	keep := rec.recent[:0]
	for _, at := range rec.recent {
		if now.Sub(at) < ch.policy.RateWindow {
			keep = append(keep, at)
		}
	}
	rec.recent = keep
	state.LastAccepted = rec.lastAccepted
	state.Recent = append([]time.Time(nil), rec.recent...)
	return state
}

func (ch *channel) recordAcceptedLocked(viewerID string, now time.Time) {
	rec := ch.senders[viewerID]
	if rec == nil {
		rec = &senderRecord{}
		ch.senders[viewerID] = rec
	}
	rec.lastAccepted = now
	rec.recent = append(rec.recent, now)
}

func (ch *channel) isBroadcasterLocked(viewerID string) bool {
	_, ok := ch.broadcasters[viewerID]
	return ok
}

func sortedSet(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
