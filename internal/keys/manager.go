// Package keys mints, rotates, serves and discards the per-channel segment
// encryption keys. Key material follows the channel lifecycle: the first key
// is minted when a channel goes live and every secret is destroyed shortly
// after it closes.
package keys

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"realcast-live/internal/apperr"
	"realcast-live/internal/auth"
	"realcast-live/internal/observability/logging"
	"realcast-live/internal/observability/metrics"
)

// State is the lifecycle position of a key.
type State string

const (
	StateActive   State = "active"
	StateGrace    State = "grace"
	StateRetiring State = "retiring"
	StateRetired  State = "retired"
)

// SecretSize is the length of an AES-128 segment key.
const SecretSize = 16

const (
	defaultGraceWindow      = 60 * time.Second
	defaultRotationInterval = 5 * time.Minute
	defaultMaxKeyAge        = 10 * time.Minute
	defaultDrainInterval    = 10 * time.Second
	defaultVaultTimeout     = 5 * time.Second
)

// Material is a copy of one key handed to an authorized caller.
type Material struct {
	KeyID      uint64
	Secret     []byte
	IssuedAt   time.Time
	State      State
	GraceUntil time.Time
}

// KeySet is what a player needs to decrypt the current playlist window.
type KeySet struct {
	ChannelID string
	Active    Material
	Grace     *Material
}

// KeyRef announces a key without its secret.
type KeyRef struct {
	ChannelID     string
	KeyID         uint64
	PreviousKeyID uint64
	IssuedAt      time.Time
}

// KeyInfo describes one key for inspection.
type KeyInfo struct {
	KeyID      uint64
	IssuedAt   time.Time
	State      State
	GraceUntil time.Time
}

// Info describes a channel's keys. Secrets are never included.
type Info struct {
	ChannelID string
	Retiring  bool
	Keys      []KeyInfo
}

// Config wires a Manager.
type Config struct {
	Verifier         auth.Verifier
	Vault            Vault
	Logger           *slog.Logger
	Metrics          *metrics.Recorder
	GraceWindow      time.Duration
	RotationInterval time.Duration
	MaxKeyAge        time.Duration
	DrainInterval    time.Duration
	VaultTimeout     time.Duration
	Backoff          apperr.Backoff
	Clock            func() time.Time
	Random           io.Reader
}

// Manager owns the key records of every live channel.
type Manager struct {
	verifier     auth.Verifier
	vault        Vault
	logger       *slog.Logger
	metrics      *metrics.Recorder
	grace        time.Duration
	interval     time.Duration
	maxAge       time.Duration
	drain        time.Duration
	vaultTimeout time.Duration
	backoff      apperr.Backoff
	now          func() time.Time
	random       io.Reader

	mu       sync.RWMutex
	channels map[string]*channelKeys
	hooks    []func(KeyRef)

	wg sync.WaitGroup
}

type record struct {
	keyID      uint64
	secret     []byte
	issuedAt   time.Time
	state      State
	graceUntil time.Time
}

func (r *record) material() Material {
	return Material{
		KeyID:      r.keyID,
		Secret:     append([]byte(nil), r.secret...),
		IssuedAt:   r.issuedAt,
		State:      r.state,
		GraceUntil: r.graceUntil,
	}
}

func (r *record) info() KeyInfo {
	return KeyInfo{KeyID: r.keyID, IssuedAt: r.issuedAt, State: r.state, GraceUntil: r.graceUntil}
}

// zero wipes the secret in place so retained slices observe the wipe too.
func (r *record) zero() {
	for i := range r.secret {
		r.secret[i] = 0
	}
	r.secret = nil
	r.state = StateRetired
}

// channelKeys holds one channel's records. rotateMu serializes minting and
// guards lastID; mu guards the records and is only held for short copies.
type channelKeys struct {
	id string

	rotateMu sync.Mutex
	lastID   uint64

	mu         sync.RWMutex
	active     *record
	grace      *record
	retiring   bool
	graceTimer *time.Timer

	stop      chan struct{}
	rotated   chan struct{}
	force     chan struct{}
	forceOnce sync.Once
	drained   chan struct{}
	err       error
}

func newChannelKeys(id string) *channelKeys {
	return &channelKeys{
		id:      id,
		stop:    make(chan struct{}),
		rotated: make(chan struct{}, 1),
		force:   make(chan struct{}),
		drained: make(chan struct{}),
	}
}

func (ck *channelKeys) activeRef() KeyRef {
	ref := KeyRef{ChannelID: ck.id}
	if ck.active != nil {
		ref.KeyID = ck.active.keyID
		ref.IssuedAt = ck.active.issuedAt
	}
	if ck.grace != nil {
		ref.PreviousKeyID = ck.grace.keyID
	}
	return ref
}

var (
	errVerifierRequired = errors.New("keys: verifier is required")
	errTokenMismatch    = errors.New("token is not bound to this channel and viewer")
)

// NewManager validates cfg and applies defaults.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Verifier == nil {
		return nil, errVerifierRequired
	}
	m := &Manager{
		verifier:     cfg.Verifier,
		vault:        cfg.Vault,
		logger:       logging.WithComponent(logging.OrDefault(cfg.Logger), "keys"),
		metrics:      cfg.Metrics,
		grace:        cfg.GraceWindow,
		interval:     cfg.RotationInterval,
		maxAge:       cfg.MaxKeyAge,
		drain:        cfg.DrainInterval,
		vaultTimeout: cfg.VaultTimeout,
		backoff:      cfg.Backoff,
		now:          cfg.Clock,
		random:       cfg.Random,
		channels:     make(map[string]*channelKeys),
	}
	if m.vault == nil {
		m.vault = NewMemoryVault()
	}
	if m.metrics == nil {
		m.metrics = metrics.Default()
	}
	if m.grace <= 0 {
		m.grace = defaultGraceWindow
	}
	if m.maxAge <= 0 {
		m.maxAge = defaultMaxKeyAge
	}
	if m.interval <= 0 {
		m.interval = defaultRotationInterval
	}
	if m.interval > m.maxAge {
		m.interval = m.maxAge
	}
	if m.drain <= 0 {
		m.drain = defaultDrainInterval
	}
	if m.vaultTimeout <= 0 {
		m.vaultTimeout = defaultVaultTimeout
	}
	if m.backoff.Attempts <= 0 {
		m.backoff = apperr.DefaultBackoff
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.random == nil {
		m.random = rand.Reader
	}
	return m, nil
}

// OnRotate registers fn to be called after every rotation. Hooks run on the
// rotating goroutine and must not block.
func (m *Manager) OnRotate(fn func(KeyRef)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.hooks = append(m.hooks, fn)
	m.mu.Unlock()
}

func (m *Manager) lookup(channelID string) *channelKeys {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.channels[channelID]
}

func (m *Manager) vaultTTL() time.Duration {
	return m.maxAge + m.grace + m.drain
}

// ChannelLive mints key 1 for channelID and starts its rotation schedule.
// Calling it again for a live channel returns the current key reference.
func (m *Manager) ChannelLive(ctx context.Context, channelID string) (KeyRef, error) {
	const op = "keys.ChannelLive"
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return KeyRef{}, apperr.Wrap(apperr.ErrChannelNotFound, op, nil)
	}

	m.mu.Lock()
	if ck, ok := m.channels[channelID]; ok {
		m.mu.Unlock()
		// Wait out a concurrent first mint.
		ck.rotateMu.Lock()
		ck.rotateMu.Unlock()
		ck.mu.RLock()
		defer ck.mu.RUnlock()
		if ck.retiring {
			return KeyRef{}, apperr.Wrap(apperr.ErrAlreadyClosing, op, nil)
		}
		if ck.active == nil {
			return KeyRef{}, apperr.Wrap(apperr.ErrChannelNotLive, op, nil)
		}
		return ck.activeRef(), nil
	}
	ck := newChannelKeys(channelID)
	ck.rotateMu.Lock()
	m.channels[channelID] = ck
	m.mu.Unlock()
	defer ck.rotateMu.Unlock()

	rec, err := m.mint(ctx, ck)
	if err != nil {
		m.mu.Lock()
		if m.channels[channelID] == ck {
			delete(m.channels, channelID)
		}
		m.mu.Unlock()
		m.logger.Error("failed to mint first key", "channel_id", channelID, "error", err)
		return KeyRef{}, err
	}

	ck.mu.Lock()
	if ck.retiring {
		ck.mu.Unlock()
		m.destroyRecord(ck.id, rec)
		return KeyRef{}, apperr.Wrap(apperr.ErrAlreadyClosing, op, nil)
	}
	ck.active = rec
	ref := ck.activeRef()
	ck.mu.Unlock()

	m.wg.Add(1)
	go m.schedule(ck)
	m.logger.Info("channel keys live", "channel_id", channelID, "key_id", rec.keyID)
	return ref, nil
}

// mint creates and escrows the next key. Callers hold ck.rotateMu.
func (m *Manager) mint(ctx context.Context, ck *channelKeys) (*record, error) {
	secret := make([]byte, SecretSize)
	if _, err := io.ReadFull(m.random, secret); err != nil {
		return nil, apperr.Internal("keys.mint", err)
	}
	keyID := ck.lastID + 1
	err := apperr.Retry(ctx, m.backoff, "keys.store", func(ctx context.Context) error {
		vctx, cancel := context.WithTimeout(ctx, m.vaultTimeout)
		defer cancel()
		return m.vault.Store(vctx, ck.id, keyID, secret, m.vaultTTL())
	})
	if err != nil {
		for i := range secret {
			secret[i] = 0
		}
		m.metrics.ObserveKeyEvent("vault_failure")
		return nil, err
	}
	ck.lastID = keyID
	m.metrics.ObserveKeyEvent("mint")
	return &record{keyID: keyID, secret: secret, issuedAt: m.now(), state: StateActive}, nil
}

// Rotate mints the next key for channelID. The previous active key stays
// decryptable for the grace window.
func (m *Manager) Rotate(ctx context.Context, channelID string) (KeyRef, error) {
	ck := m.lookup(channelID)
	if ck == nil {
		return KeyRef{}, apperr.Wrap(apperr.ErrChannelNotLive, "keys.Rotate", nil)
	}
	return m.rotate(ctx, ck, "manual", 0)
}

// rotate skips the rotation when the active key is younger than minAge, which
// lets concurrent max-age lookups and the scheduler collapse into one mint.
func (m *Manager) rotate(ctx context.Context, ck *channelKeys, reason string, minAge time.Duration) (KeyRef, error) {
	ref, rotated, err := m.rotateOnce(ctx, ck, reason, minAge)
	if err != nil || !rotated {
		return ref, err
	}
	m.mu.RLock()
	hooks := append([]func(KeyRef){}, m.hooks...)
	m.mu.RUnlock()
	for _, hook := range hooks {
		hook(ref)
	}
	return ref, nil
}

func (m *Manager) rotateOnce(ctx context.Context, ck *channelKeys, reason string, minAge time.Duration) (KeyRef, bool, error) {
	const op = "keys.Rotate"
	ck.rotateMu.Lock()
	defer ck.rotateMu.Unlock()

	ck.mu.RLock()
	if ck.retiring || ck.active == nil {
		ck.mu.RUnlock()
		return KeyRef{}, false, apperr.Wrap(apperr.ErrChannelNotLive, op, nil)
	}
	if minAge > 0 && m.now().Sub(ck.active.issuedAt) < minAge {
		ref := ck.activeRef()
		ck.mu.RUnlock()
		return ref, false, nil
	}
	ck.mu.RUnlock()

	rec, err := m.mint(ctx, ck)
	if err != nil {
		m.logger.Error("key rotation failed", "channel_id", ck.id, "reason", reason, "error", err)
		return KeyRef{}, false, err
	}

	ck.mu.Lock()
	if ck.retiring {
		ck.mu.Unlock()
		m.destroyRecord(ck.id, rec)
		return KeyRef{}, false, apperr.Wrap(apperr.ErrChannelNotLive, op, nil)
	}
	var droppedID uint64
	if ck.grace != nil {
		droppedID = ck.grace.keyID
		ck.grace.zero()
	}
	prev := ck.active
	prev.state = StateGrace
	prev.graceUntil = m.now().Add(m.grace)
	ck.grace = prev
	ck.active = rec
	if ck.graceTimer != nil {
		ck.graceTimer.Stop()
	}
	graceID := prev.keyID
	ck.graceTimer = time.AfterFunc(m.grace, func() { m.expireGrace(ck, graceID) })
	ref := ck.activeRef()
	ck.mu.Unlock()

	if droppedID != 0 {
		m.metrics.ObserveKeyEvent("retire")
		m.destroyAsync(ck.id, droppedID)
	}
	select {
	case ck.rotated <- struct{}{}:
	default:
	}
	m.metrics.ObserveKeyEvent("rotate")
	m.logger.Info("key rotated", "channel_id", ck.id, "key_id", ref.KeyID, "previous_key_id", ref.PreviousKeyID, "reason", reason)
	return ref, true, nil
}

func (m *Manager) expireGrace(ck *channelKeys, keyID uint64) {
	ck.mu.Lock()
	if ck.grace == nil || ck.grace.keyID != keyID {
		ck.mu.Unlock()
		return
	}
	ck.grace.zero()
	ck.grace = nil
	ck.graceTimer = nil
	ck.mu.Unlock()

	m.metrics.ObserveKeyEvent("retire")
	_ = m.destroyKeys(context.Background(), ck.id, keyID)
}

func (m *Manager) schedule(ck *channelKeys) {
	defer m.wg.Done()
	for {
		ck.mu.RLock()
		if ck.retiring || ck.active == nil {
			ck.mu.RUnlock()
			return
		}
		issued := ck.active.issuedAt
		ck.mu.RUnlock()

		wait := m.interval - m.now().Sub(issued)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ck.stop:
			timer.Stop()
			return
		case <-ck.rotated:
			timer.Stop()
			continue
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.vaultTimeout*time.Duration(m.backoff.Attempts+1))
		_, err := m.rotate(ctx, ck, "scheduled", m.interval)
		cancel()
		if err == nil {
			continue
		}
		if errors.Is(err, apperr.ErrChannelNotLive) {
			return
		}
		pause := time.NewTimer(m.backoff.Max + time.Second)
		select {
		case <-ck.stop:
			pause.Stop()
			return
		case <-pause.C:
		}
	}
}

// GetActiveKey returns copies of the keys a viewer holding token may use for
// channelID. An active key that has reached the maximum age is rotated first
// so it is never served.
func (m *Manager) GetActiveKey(ctx context.Context, channelID, viewerID, token string) (KeySet, error) {
	const op = "keys.GetActiveKey"
	claims, err := m.verifier.Verify(ctx, token)
	if err != nil {
		return KeySet{}, err
	}
	if claims.ChannelID != channelID || (viewerID != "" && claims.ViewerID != viewerID) {
		return KeySet{}, apperr.Wrap(apperr.ErrTokenInvalid, op, errTokenMismatch)
	}
	ck := m.lookup(channelID)
	if ck == nil {
		return KeySet{}, apperr.Wrap(apperr.ErrChannelNotLive, op, nil)
	}
	set, expired, err := m.snapshot(ck)
	if err != nil || !expired {
		return set, err
	}
	if _, err := m.rotate(ctx, ck, "max_age", m.maxAge); err != nil {
		return KeySet{}, err
	}
	set, expired, err = m.snapshot(ck)
	if err == nil && expired {
		return KeySet{}, apperr.Internal(op, errors.New("active key exceeded maximum age"))
	}
	return set, err
}

func (m *Manager) snapshot(ck *channelKeys) (KeySet, bool, error) {
	ck.mu.RLock()
	defer ck.mu.RUnlock()
	if ck.retiring || ck.active == nil {
		return KeySet{}, false, apperr.Wrap(apperr.ErrChannelNotLive, "keys.GetActiveKey", nil)
	}
	now := m.now()
	if now.Sub(ck.active.issuedAt) >= m.maxAge {
		return KeySet{}, true, nil
	}
	set := KeySet{ChannelID: ck.id, Active: ck.active.material()}
	if ck.grace != nil && now.Before(ck.grace.graceUntil) {
		grace := ck.grace.material()
		set.Grace = &grace
	}
	return set, false, nil
}

// Key returns the material for keyID when it is still servable.
func (m *Manager) Key(ctx context.Context, channelID, viewerID, token string, keyID uint64) (Material, error) {
	set, err := m.GetActiveKey(ctx, channelID, viewerID, token)
	if err != nil {
		return Material{}, err
	}
	if set.Active.KeyID == keyID {
		return set.Active, nil
	}
	if set.Grace != nil && set.Grace.KeyID == keyID {
		return *set.Grace, nil
	}
	return Material{}, apperr.Wrap(apperr.ErrKeyNotFound, "keys.Key", nil)
}

// ActiveRef reports the current key reference for channelID.
func (m *Manager) ActiveRef(channelID string) (KeyRef, bool) {
	ck := m.lookup(channelID)
	if ck == nil {
		return KeyRef{}, false
	}
	ck.mu.RLock()
	defer ck.mu.RUnlock()
	if ck.retiring || ck.active == nil {
		return KeyRef{}, false
	}
	return ck.activeRef(), true
}

// Inspect describes channelID's keys without exposing secrets.
func (m *Manager) Inspect(channelID string) (Info, bool) {
	ck := m.lookup(channelID)
	if ck == nil {
		return Info{}, false
	}
	ck.mu.RLock()
	defer ck.mu.RUnlock()
	info := Info{ChannelID: ck.id, Retiring: ck.retiring}
	for _, rec := range []*record{ck.active, ck.grace} {
		if rec != nil {
			info.Keys = append(info.Keys, rec.info())
		}
	}
	return info, true
}

// ChannelClosed stops serving channelID's keys and discards them after the
// drain interval. The returned channel closes once they are destroyed.
// Closing an unknown channel returns an already closed channel.
func (m *Manager) ChannelClosed(_ context.Context, channelID string) (<-chan struct{}, error) {
	ck := m.lookup(channelID)
	if ck == nil {
		done := make(chan struct{})
		close(done)
		return done, nil
	}
	m.beginRetire(ck)
	return ck.drained, nil
}

// Destroy discards channelID's keys immediately and waits for the vault to
// confirm, or for ctx to end. Secrets are zeroed before Destroy blocks.
func (m *Manager) Destroy(ctx context.Context, channelID string) error {
	ck := m.lookup(channelID)
	if ck == nil {
		return nil
	}
	m.beginRetire(ck)
	ck.mu.Lock()
	for _, rec := range []*record{ck.active, ck.grace} {
		if rec != nil {
			rec.zero()
		}
	}
	ck.mu.Unlock()
	ck.forceOnce.Do(func() { close(ck.force) })
	select {
	case <-ck.drained:
		return ck.err
	case <-ctx.Done():
		return apperr.Internal("keys.Destroy", ctx.Err())
	}
}

func (m *Manager) beginRetire(ck *channelKeys) {
	ck.mu.Lock()
	if ck.retiring {
		ck.mu.Unlock()
		return
	}
	ck.retiring = true
	for _, rec := range []*record{ck.active, ck.grace} {
		if rec != nil && rec.secret != nil {
			rec.state = StateRetiring
		}
	}
	if ck.graceTimer != nil {
		ck.graceTimer.Stop()
		ck.graceTimer = nil
	}
	close(ck.stop)
	ck.mu.Unlock()

	m.logger.Info("retiring channel keys", "channel_id", ck.id)
	m.wg.Add(1)
	go m.drainChannel(ck)
}

func (m *Manager) drainChannel(ck *channelKeys) {
	defer m.wg.Done()
	timer := time.NewTimer(m.drain)
	select {
	case <-timer.C:
	case <-ck.force:
		timer.Stop()
	}

	ck.mu.Lock()
	var ids []uint64
	for _, rec := range []*record{ck.active, ck.grace} {
		if rec != nil {
			ids = append(ids, rec.keyID)
			rec.zero()
		}
	}
	ck.active = nil
	ck.grace = nil
	ck.mu.Unlock()

	ck.err = m.destroyKeys(context.Background(), ck.id, ids...)

	m.mu.Lock()
	if m.channels[ck.id] == ck {
		delete(m.channels, ck.id)
	}
	m.mu.Unlock()
	m.metrics.ObserveKeyEvent("destroy")
	m.logger.Info("channel keys destroyed", "channel_id", ck.id, "keys", len(ids))
	close(ck.drained)
}

func (m *Manager) destroyRecord(channelID string, rec *record) {
	id := rec.keyID
	rec.zero()
	m.destroyAsync(channelID, id)
}

func (m *Manager) destroyAsync(channelID string, keyIDs ...uint64) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		_ = m.destroyKeys(context.Background(), channelID, keyIDs...)
	}()
}

// destroyKeys removes escrowed copies, retrying each key with backoff.
// Failures are escalated as internal errors.
func (m *Manager) destroyKeys(ctx context.Context, channelID string, keyIDs ...uint64) error {
	var firstErr error
	for _, keyID := range keyIDs {
		err := apperr.Retry(ctx, m.backoff, "keys.destroy", func(ctx context.Context) error {
			vctx, cancel := context.WithTimeout(ctx, m.vaultTimeout)
			defer cancel()
			return m.vault.Destroy(vctx, channelID, keyID)
		})
		if err != nil {
			m.metrics.ObserveKeyEvent("vault_failure")
			m.logger.Error("failed to destroy escrowed key", "channel_id", channelID, "key_id", keyID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Close force-destroys every channel's keys and waits for background work.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.channels))
	for id := range m.channels {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var group errgroup.Group
	for _, id := range ids {
		group.Go(func() error { return m.Destroy(ctx, id) })
	}
	err := group.Wait()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}
