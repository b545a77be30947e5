// Package hub is the per-stream publish/subscribe broker. It owns every
// channel, tracks viewer presence, admits chat under the channel policy and
// drives the key manager through the channel lifecycle.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"realcast-live/internal/apperr"
	"realcast-live/internal/auth"
	"realcast-live/internal/events"
	"realcast-live/internal/keys"
	"realcast-live/internal/observability/logging"
	"realcast-live/internal/observability/metrics"
)

// KeyManager is the part of the key lifecycle the hub drives.
type KeyManager interface {
	ChannelLive(ctx context.Context, channelID string) (keys.KeyRef, error)
	ChannelClosed(ctx context.Context, channelID string) (<-chan struct{}, error)
	Destroy(ctx context.Context, channelID string) error
	ActiveRef(channelID string) (keys.KeyRef, bool)
	OnRotate(fn func(keys.KeyRef))
}

// LifecycleEvent is an upstream stream state change.
type LifecycleEvent string

const (
	LifecycleLive    LifecycleEvent = "live"
	LifecycleOffline LifecycleEvent = "offline"
)

// ParseLifecycleEvent accepts the wire names used by media server callbacks.
func ParseLifecycleEvent(value string) (LifecycleEvent, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "live", "publish", "on_publish":
		return LifecycleLive, true
	case "offline", "unpublish", "on_unpublish", "publish_done", "on_publish_done":
		return LifecycleOffline, true
	default:
		return "", false
	}
}

// Config wires a Hub.
type Config struct {
	Keys     KeyManager
	Verifier auth.Verifier
	Events   *events.Registry
	Logger   *slog.Logger
	Metrics  *metrics.Recorder

	DefaultPolicy   Policy
	QueueSize       int
	LivenessTimeout time.Duration
	SweepInterval   time.Duration
	DrainTimeout    time.Duration
	ForceTimeout    time.Duration
	Clock           func() time.Time
}

const (
	defaultQueueSize       = 64
	defaultLivenessTimeout = 45 * time.Second
	defaultSweepInterval   = 5 * time.Second
	defaultDrainTimeout    = 30 * time.Second
	defaultForceTimeout    = 5 * time.Second
)

// Hub is the registry of open channels.
type Hub struct {
	keys     KeyManager
	verifier auth.Verifier
	registry *events.Registry
	logger   *slog.Logger
	metrics  *metrics.Recorder

	defaultPolicy   Policy
	queueSize       int
	livenessTimeout time.Duration
	sweepInterval   time.Duration
	drainTimeout    time.Duration
	forceTimeout    time.Duration
	now             func() time.Time

	mu       sync.RWMutex
	channels map[string]*channel

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

var (
	errKeysRequired     = errors.New("hub: key manager is required")
	errVerifierRequired = errors.New("hub: token verifier is required")
	errTokenMismatch    = errors.New("token is not bound to this channel and viewer")
	errRoleNotGranted   = errors.New("requested role exceeds token role")
	errNotSubscribed    = errors.New("viewer is not subscribed")
)

func New(cfg Config) (*Hub, error) {
	if cfg.Keys == nil {
		return nil, errKeysRequired
	}
	if cfg.Verifier == nil {
		return nil, errVerifierRequired
	}
	logger := logging.WithComponent(logging.OrDefault(cfg.Logger), "hub")
	h := &Hub{
		keys:            cfg.Keys,
		verifier:        cfg.Verifier,
		registry:        cfg.Events,
		logger:          logger,
		metrics:         cfg.Metrics,
		defaultPolicy:   cfg.DefaultPolicy.Normalized(),
		queueSize:       cfg.QueueSize,
		livenessTimeout: cfg.LivenessTimeout,
		sweepInterval:   cfg.SweepInterval,
		drainTimeout:    cfg.DrainTimeout,
		forceTimeout:    cfg.ForceTimeout,
		now:             cfg.Clock,
		channels:        make(map[string]*channel),
		stop:            make(chan struct{}),
	}
	if h.registry == nil {
		h.registry = events.NewRegistry(logger)
	}
	if h.metrics == nil {
		h.metrics = metrics.Default()
	}
	if h.queueSize <= 0 {
		h.queueSize = defaultQueueSize
	}
	if h.livenessTimeout <= 0 {
		h.livenessTimeout = defaultLivenessTimeout
	}
	if h.sweepInterval <= 0 {
		h.sweepInterval = defaultSweepInterval
	}
	if h.drainTimeout <= 0 {
		h.drainTimeout = defaultDrainTimeout
	}
	if h.forceTimeout <= 0 {
		h.forceTimeout = defaultForceTimeout
	}
	if h.now == nil {
		h.now = time.Now
	}
	h.keys.OnRotate(h.announceKey)
	return h, nil
}

// On registers a listener for events of kind, or every kind with
// events.KindAll. Listeners run synchronously while the emitting channel is
// locked, so they must not call back into the hub for that channel.
func (h *Hub) On(kind events.Kind, fn events.Listener) events.Handle {
	return h.registry.On(kind, fn)
}

// Off removes a listener registered with On.
func (h *Hub) Off(handle events.Handle) bool {
	return h.registry.Off(handle)
}

func (h *Hub) lookup(channelID string) *channel {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.channels[channelID]
}

func (h *Hub) remove(ch *channel) {
	h.mu.Lock()
	if h.channels[ch.id] == ch {
		delete(h.channels, ch.id)
	}
	h.mu.Unlock()
}

// emitLocked stamps the next channel sequence number on an event. Callers
// hold ch.mu so events leave in channel order.
func (h *Hub) emitLocked(ch *channel, kind events.Kind, payload any) {
	ch.seq++
	h.registry.Emit(events.New(kind, ch.id, ch.seq, h.now(), payload))
}

// OpenChannel creates channelID and mints its first key. Opening a live
// channel returns its existing handle unchanged.
func (h *Hub) OpenChannel(ctx context.Context, channelID string, policy Policy) (*ChannelHandle, error) {
	const op = "hub.OpenChannel"
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return nil, apperr.Wrap(apperr.ErrChannelNotFound, op, nil)
	}
	for {
		h.mu.Lock()
		if existing := h.channels[channelID]; existing != nil {
			h.mu.Unlock()
			existing.mu.Lock()
			state := existing.state
			existing.mu.Unlock()
			switch state {
			case StateLive:
				return existing.handle, nil
			case StateClosing:
				return nil, apperr.Wrap(apperr.ErrAlreadyClosing, op, nil)
			default:
				// A failed open or a finished close is being removed.
				h.remove(existing)
				continue
			}
		}

		ch := newChannel(channelID, policy.Normalized(), h.now())
		ch.mu.Lock()
		h.channels[channelID] = ch
		h.mu.Unlock()
		handle, err := h.activate(ctx, ch)
		ch.mu.Unlock()
		if err != nil {
			h.remove(ch)
			close(ch.closed)
			return nil, err
		}
		return handle, nil
	}
}

// activate mints key 1 and moves ch to Live. Callers hold ch.mu.
func (h *Hub) activate(ctx context.Context, ch *channel) (*ChannelHandle, error) {
	ref, err := h.keys.ChannelLive(ctx, ch.id)
	if err != nil {
		ch.state = StateClosed
		ch.cancel()
		ch.publishLocked()
		h.logger.Error("failed to open channel", "channel_id", ch.id, "error", err)
		return nil, err
	}
	ch.state = StateLive
	ch.keyRef = ref
	ch.publishLocked()
	h.metrics.ChannelOpened()
	h.emitLocked(ch, events.KindStreamLive, events.LifecyclePayload{State: string(StateLive), KeyID: ref.KeyID})
	h.logger.Info("channel live", "channel_id", ch.id, "key_id", ref.KeyID)
	return ch.handle, nil
}

// BeginClose moves channelID to Closing, evicts every session and starts key
// retirement. The returned channel is closed once the channel is Closed.
// Closing a channel that is already closing returns the same channel.
func (h *Hub) BeginClose(channelID string) (<-chan struct{}, error) {
	ch := h.lookup(channelID)
	if ch == nil {
		return nil, apperr.Wrap(apperr.ErrChannelNotFound, "hub.BeginClose", nil)
	}
	ch.mu.Lock()
	if ch.state != StateLive {
		ch.mu.Unlock()
		return ch.closed, nil
	}
	ch.state = StateClosing
	ch.cancel()
	viewers := make([]string, 0, len(ch.subs))
	for viewerID := range ch.subs {
		viewers = append(viewers, viewerID)
	}
	sort.Strings(viewers)
	for _, viewerID := range viewers {
		h.evictLocked(ch, viewerID, CloseChannelClosed)
	}
	ch.publishLocked()
	ch.mu.Unlock()
	h.logger.Info("channel closing", "channel_id", ch.id, "evicted", len(viewers))

	keysDone, err := h.keys.ChannelClosed(context.Background(), ch.id)
	h.wg.Add(1)
	go h.finishClose(ch, keysDone, err)
	return ch.closed, nil
}

// CloseChannel closes channelID and waits until it is Closed or ctx ends.
func (h *Hub) CloseChannel(ctx context.Context, channelID string) error {
	done, err := h.BeginClose(channelID)
	if err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) finishClose(ch *channel, keysDone <-chan struct{}, retireErr error) {
	defer h.wg.Done()
	forced := retireErr != nil
	if retireErr != nil {
		h.logger.Error("key retirement failed", "channel_id", ch.id, "error", retireErr)
	} else {
		timer := time.NewTimer(h.drainTimeout)
		select {
		case <-keysDone:
		case <-timer.C:
			forced = true
		case <-ch.force:
			forced = true
		}
		timer.Stop()
	}
	if forced {
		ctx, cancel := context.WithTimeout(context.Background(), h.forceTimeout)
		if err := h.keys.Destroy(ctx, ch.id); err != nil {
			h.logger.Error("forced key destruction failed", "channel_id", ch.id, "error", apperr.Internal("hub.finishClose", err))
		}
		cancel()
	}

	ch.mu.Lock()
	ch.state = StateClosed
	ch.recent = nil
	ch.muted = make(map[string]struct{})
	ch.banned = make(map[string]struct{})
	ch.senders = make(map[string]*senderRecord)
	ch.keyRef = keys.KeyRef{}
	ch.publishLocked()
	h.emitLocked(ch, events.KindStreamOffline, events.LifecyclePayload{State: string(StateClosed), Forced: forced})
	ch.mu.Unlock()

	h.remove(ch)
	h.metrics.ChannelClosed(forced)
	h.logger.Info("channel closed", "channel_id", ch.id, "forced", forced)
	close(ch.closed)
}

// Notify applies an upstream lifecycle event. Offline for an unknown channel
// is ignored since upstream delivery is at least once.
func (h *Hub) Notify(ctx context.Context, channelID string, event LifecycleEvent) error {
	switch event {
	case LifecycleLive:
		_, err := h.OpenChannel(ctx, channelID, h.defaultPolicy)
		return err
	case LifecycleOffline:
		_, err := h.BeginClose(channelID)
		if errors.Is(err, apperr.ErrChannelNotFound) {
			return nil
		}
		return err
	default:
		return apperr.Wrap(apperr.ErrInvalidKind, "hub.Notify", nil)
	}
}

// SubscribeRequest describes a viewer joining a channel. ViewerID and Role are
// optional; they default to the token's claims.
type SubscribeRequest struct {
	ChannelID string
	ViewerID  string
	Role      auth.Role
	Token     string
}

// Subscribe registers a viewer session. The new subscriber receives the
// replay, then the viewer count change that every subscriber sees, then the
// current key reference.
func (h *Hub) Subscribe(ctx context.Context, req SubscribeRequest) (*Subscription, error) {
	const op = "hub.Subscribe"
	ch := h.lookup(req.ChannelID)
	if ch == nil {
		return nil, apperr.Wrap(apperr.ErrChannelNotFound, op, nil)
	}
	if ch.snapshot().State != StateLive {
		return nil, apperr.Wrap(apperr.ErrChannelClosed, op, nil)
	}
	claims, err := h.verifier.Verify(ctx, req.Token)
	if err != nil {
		return nil, err
	}
	if claims.ChannelID != ch.id || (req.ViewerID != "" && req.ViewerID != claims.ViewerID) {
		return nil, apperr.Wrap(apperr.ErrTokenInvalid, op, errTokenMismatch)
	}
	role := req.Role
	if role == "" {
		role = claims.Role
	}
	if !role.Valid() || !claims.Role.AtLeast(role) {
		return nil, apperr.Wrap(apperr.ErrForbidden, op, errRoleNotGranted)
	}
	viewerID := claims.ViewerID

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.state != StateLive {
		return nil, apperr.Wrap(apperr.ErrChannelClosed, op, nil)
	}
	if _, banned := ch.banned[viewerID]; banned {
		return nil, apperr.Wrap(apperr.ErrBanned, op, nil)
	}
	if ch.policy.IsModerator(viewerID) && !role.AtLeast(auth.RoleModerator) {
		role = auth.RoleModerator
	}
	if role == auth.RoleBroadcaster {
		ch.broadcasters[viewerID] = struct{}{}
	}

	now := h.now()
	sub := newSubscription(ch.id, viewerID, role, now, h.queueSize, h.leave)
	replay := Delivery{Kind: DeliveryReplay, Replay: ch.visibleRecentLocked()}
	session := Session{ViewerID: viewerID, ChannelID: ch.id, Role: role, ConnectedAt: now, LastSeen: now}

	if previous := ch.subs[viewerID]; previous != nil {
		ch.presence.Put(session)
		ch.subs[viewerID] = sub
		previous.end(CloseReplaced)
		sub.offer(replay)
		sub.offer(Delivery{Kind: DeliveryViewerCount, ViewerCount: &ViewerCountDelta{ViewerID: viewerID, Count: ch.presence.Len()}})
		h.offerKeyLocked(ch, sub)
		ch.publishLocked()
		h.logger.Debug("viewer session replaced", "channel_id", ch.id, "viewer_id", viewerID)
		return sub, nil
	}

	ch.presence.Put(session)
	ch.subs[viewerID] = sub
	sub.offer(replay)
	delta := &ViewerCountDelta{ViewerID: viewerID, Delta: 1, Count: ch.presence.Len()}
	h.metrics.ViewerJoined()
	h.broadcastLocked(ch, Delivery{Kind: DeliveryViewerCount, ViewerCount: delta})
	h.emitLocked(ch, events.KindViewerCountChanged, events.ViewerCountPayload{ViewerID: viewerID, Delta: 1, Count: delta.Count, Reason: "joined"})
	if ch.subs[viewerID] == sub {
		h.offerKeyLocked(ch, sub)
	}
	ch.publishLocked()
	h.logger.Debug("viewer subscribed", "channel_id", ch.id, "viewer_id", viewerID, "role", role)
	return sub, nil
}

func (h *Hub) offerKeyLocked(ch *channel, sub *Subscription) {
	ref := ch.keyRef
	if current, ok := h.keys.ActiveRef(ch.id); ok {
		ref = current
	}
	if ref.KeyID == 0 {
		return
	}
	sub.offer(Delivery{Kind: DeliveryKey, Key: &ref})
}

// Unsubscribe removes viewerID from channelID. It is a no-op for unknown
// channels and absent viewers.
func (h *Hub) Unsubscribe(channelID, viewerID string) error {
	ch := h.lookup(channelID)
	if ch == nil {
		return nil
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if h.evictLocked(ch, viewerID, CloseUnsubscribed) {
		ch.publishLocked()
	}
	return nil
}

// leave ends sub only if it is still the viewer's current session.
func (h *Hub) leave(sub *Subscription) {
	ch := h.lookup(sub.ChannelID)
	if ch == nil {
		return
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.subs[sub.ViewerID] != sub {
		return
	}
	if h.evictLocked(ch, sub.ViewerID, CloseUnsubscribed) {
		ch.publishLocked()
	}
}

// evictLocked removes a session and tells every remaining subscriber, and
// the evicted one when it can still receive, about the new count.
func (h *Hub) evictLocked(ch *channel, viewerID, reason string) bool {
	sub := ch.subs[viewerID]
	if sub == nil {
		return false
	}
	delete(ch.subs, viewerID)
	ch.presence.Remove(viewerID)
	delta := &ViewerCountDelta{ViewerID: viewerID, Delta: -1, Count: ch.presence.Len()}
	update := Delivery{Kind: DeliveryViewerCount, ViewerCount: delta}
	if reason != CloseSlowConsumer {
		sub.offer(update)
	}
	sub.end(reason)
	h.metrics.ViewerLeft(reason)
	h.emitLocked(ch, events.KindViewerCountChanged, events.ViewerCountPayload{ViewerID: viewerID, Delta: -1, Count: delta.Count, Reason: reason})
	h.broadcastLocked(ch, update)
	if reason != CloseUnsubscribed {
		h.logger.Info("viewer evicted", "channel_id", ch.id, "viewer_id", viewerID, "reason", reason)
	}
	return true
}

// broadcastLocked enqueues d for every subscriber. Subscribers whose queue is
// full are evicted as slow consumers instead of blocking the channel.
func (h *Hub) broadcastLocked(ch *channel, d Delivery) {
	var slow []string
	for viewerID, sub := range ch.subs {
		if !sub.offer(d) {
			slow = append(slow, viewerID)
		}
	}
	sort.Strings(slow)
	for _, viewerID := range slow {
		h.evictLocked(ch, viewerID, CloseSlowConsumer)
	}
}

// Heartbeat refreshes the viewer's liveness.
func (h *Hub) Heartbeat(channelID, viewerID string) error {
	const op = "hub.Heartbeat"
	ch := h.lookup(channelID)
	if ch == nil {
		return apperr.Wrap(apperr.ErrChannelNotFound, op, nil)
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.state != StateLive {
		return apperr.Wrap(apperr.ErrChannelClosed, op, nil)
	}
	if !ch.presence.Touch(viewerID, h.now()) {
		return apperr.Wrap(apperr.ErrForbidden, op, errNotSubscribed)
	}
	return nil
}

// PublishMessage admits and broadcasts a message from a subscribed viewer.
// Broadcast includes the sender.
func (h *Hub) PublishMessage(ctx context.Context, channelID, viewerID string, kind MessageKind, body string) (Message, error) {
	const op = "hub.PublishMessage"
	ch := h.lookup(channelID)
	if ch == nil {
		return Message{}, apperr.Wrap(apperr.ErrChannelNotFound, op, nil)
	}
	if kind != KindChat && kind != KindReaction {
		return Message{}, apperr.Wrap(apperr.ErrInvalidKind, op, nil)
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.state != StateLive || ch.ctx.Err() != nil {
		return Message{}, apperr.Wrap(apperr.ErrChannelClosed, op, nil)
	}
	now := h.now()
	session, present := ch.presence.Get(viewerID)
	sender := ch.senderStateLocked(viewerID, session.Role, now)
	if !present && !sender.Banned && !sender.Muted {
		return Message{}, apperr.Wrap(apperr.ErrForbidden, op, errNotSubscribed)
	}
	decision := Admit(ch.policy, sender, Candidate{Kind: kind, Body: body}, now)
	if !decision.Accepted {
		h.metrics.ObserveRejection(string(decision.Reason))
		return Message{}, decision.Err()
	}

	ch.lastMessageID++
	msg := Message{
		ID:        ch.lastMessageID,
		ChannelID: ch.id,
		SenderID:  viewerID,
		Kind:      kind,
		Body:      decision.Body,
		CreatedAt: now,
	}
	ch.appendRecentLocked(msg)
	ch.recordAcceptedLocked(viewerID, now)
	ch.presence.Touch(viewerID, now)
	h.metrics.ObserveMessage(string(kind))

	out := msg
	h.broadcastLocked(ch, Delivery{Kind: DeliveryMessage, Message: &out})
	h.emitLocked(ch, events.KindMessageNew, events.MessagePayload{
		MessageID: msg.ID,
		SenderID:  msg.SenderID,
		Kind:      string(msg.Kind),
		Body:      msg.Body,
		CreatedAt: msg.CreatedAt,
	})
	ch.publishLocked()
	return msg, nil
}

// SetPolicy replaces the live policy of channelID.
func (h *Hub) SetPolicy(_ context.Context, channelID string, policy Policy) error {
	const op = "hub.SetPolicy"
	ch := h.lookup(channelID)
	if ch == nil {
		return apperr.Wrap(apperr.ErrChannelNotFound, op, nil)
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.state != StateLive {
		return apperr.Wrap(apperr.ErrChannelClosed, op, nil)
	}
	ch.policy = policy.Normalized()
	ch.trimRecentLocked()
	ch.publishLocked()
	h.logger.Info("channel policy updated", "channel_id", ch.id, "slow_mode", ch.policy.SlowMode, "moderators", len(ch.policy.Moderators))
	return nil
}

// announceKey tells subscribers about a rotated key. Secrets never travel on
// this path.
func (h *Hub) announceKey(ref keys.KeyRef) {
	ch := h.lookup(ref.ChannelID)
	if ch == nil {
		return
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.state != StateLive || ref.KeyID <= ch.keyRef.KeyID {
		return
	}
	ch.keyRef = ref
	announced := ref
	h.broadcastLocked(ch, Delivery{Kind: DeliveryKey, Key: &announced})
	h.emitLocked(ch, events.KindKeyRotated, events.KeyRotatedPayload{KeyID: ref.KeyID, PreviousKeyID: ref.PreviousKeyID, IssuedAt: ref.IssuedAt})
	ch.publishLocked()
}

// ViewerCount reports the number of connected viewers.
func (h *Hub) ViewerCount(channelID string) (int, error) {
	snap, err := h.ChannelInfo(channelID)
	if err != nil {
		return 0, err
	}
	return snap.ViewerCount, nil
}

// RecentMessages returns the replayable messages of channelID, oldest first.
func (h *Hub) RecentMessages(channelID string) ([]Message, error) {
	snap, err := h.ChannelInfo(channelID)
	if err != nil {
		return nil, err
	}
	return snap.Visible(), nil
}

// ChannelInfo returns the latest snapshot of channelID.
func (h *Hub) ChannelInfo(channelID string) (Snapshot, error) {
	ch := h.lookup(channelID)
	if ch == nil {
		return Snapshot{}, apperr.Wrap(apperr.ErrChannelNotFound, "hub.ChannelInfo", nil)
	}
	return ch.snapshot(), nil
}

// Sessions lists the viewers connected to channelID.
func (h *Hub) Sessions(channelID string) ([]Session, error) {
	ch := h.lookup(channelID)
	if ch == nil {
		return nil, apperr.Wrap(apperr.ErrChannelNotFound, "hub.Sessions", nil)
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.presence.Snapshot(), nil
}

// Channels lists snapshots of every open channel ordered by id.
func (h *Hub) Channels() []Snapshot {
	h.mu.RLock()
	list := make([]*channel, 0, len(h.channels))
	for _, ch := range h.channels {
		list = append(list, ch)
	}
	h.mu.RUnlock()
	out := make([]Snapshot, 0, len(list))
	for _, ch := range list {
		out = append(out, ch.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

// Start launches the liveness sweeper. It stops when ctx ends or on Shutdown.
func (h *Hub) Start(ctx context.Context) {
	h.startOnce.Do(func() {
		h.wg.Add(1)
		go h.sweepLoop(ctx)
	})
}

func (h *Hub) sweepLoop(ctx context.Context) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case <-ticker.C:
			if evicted := h.Sweep(); evicted > 0 {
				h.logger.Debug("liveness sweep evicted viewers", "count", evicted)
			}
		}
	}
}

// Sweep evicts sessions whose last heartbeat is older than the liveness
// timeout and returns how many were removed.
func (h *Hub) Sweep() int {
	h.mu.RLock()
	list := make([]*channel, 0, len(h.channels))
	for _, ch := range h.channels {
		list = append(list, ch)
	}
	h.mu.RUnlock()

	evicted := 0
	now := h.now()
	for _, ch := range list {
		ch.mu.Lock()
		if ch.state == StateLive {
			expired := ch.presence.Expired(now, h.livenessTimeout)
			for _, session := range expired {
				if h.evictLocked(ch, session.ViewerID, CloseLivenessTimeout) {
					evicted++
				}
			}
			if len(expired) > 0 {
				ch.publishLocked()
			}
		}
		ch.mu.Unlock()
	}
	return evicted
}

// Shutdown closes every channel concurrently. Channels still draining when
// ctx ends are forced closed and their keys destroyed.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.stopOnce.Do(func() { close(h.stop) })

	h.mu.RLock()
	list := make([]*channel, 0, len(h.channels))
	for _, ch := range h.channels {
		list = append(list, ch)
	}
	h.mu.RUnlock()

	var group errgroup.Group
	var forcedMu sync.Mutex
	forced := 0
	for _, ch := range list {
		group.Go(func() error {
			done, err := h.BeginClose(ch.id)
			if errors.Is(err, apperr.ErrChannelNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
			}
			ch.forceClose()
			forcedMu.Lock()
			forced++
			forcedMu.Unlock()
			<-done
			return nil
		})
	}
	err := group.Wait()
	h.wg.Wait()
	if err == nil && forced > 0 {
		err = apperr.Internal("hub.Shutdown", errors.New("forced close of channels still draining"))
	}
	if forced > 0 {
		h.logger.Warn("shutdown forced channel close", "channels", forced)
	}
	return err
}
