package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"realcast-live/internal/apperr"
	"realcast-live/internal/observability/metrics"
)

// Sink delivers events to an external consumer.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev Event) error
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks a delivery failure that must not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type DispatcherConfig struct {
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	Sinks   []Sink
	// Buffer bounds the number of undelivered events held in memory.
	Buffer int
	// Backoff governs retries of a failing sink for a single event.
	Backoff apperr.Backoff
	// Timeout bounds a single delivery attempt.
	Timeout time.Duration
	// Overflow sinks receive an event inline, once, when the buffer is full.
	// Webhook consumers recover gaps from these, usually the Redis stream,
	// by event sequence.
	Overflow        []Sink
	OverflowTimeout time.Duration
}

// Dispatcher moves events off the hub's hot path and hands them to every
// sink with bounded retries. When the buffer is full the event is written to
// the overflow sinks under a short timeout and is dropped only if none of
// them accepts it.
type Dispatcher struct {
	logger  *slog.Logger
	metrics *metrics.Recorder
	sinks   []Sink
	backoff apperr.Backoff
	timeout time.Duration

	overflow        []Sink
	overflowTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan Event

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 4096
	}
	backoff := cfg.Backoff
	if backoff.Attempts <= 0 {
		backoff = apperr.Backoff{Attempts: 3, Initial: time.Second, Max: 4 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	overflowTimeout := cfg.OverflowTimeout
	if overflowTimeout <= 0 {
		overflowTimeout = 250 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rec := cfg.Metrics
	if rec == nil {
		rec = metrics.Default()
	}
	return &Dispatcher{
		logger:  logger,
		metrics: rec,
		sinks:   append([]Sink(nil), cfg.Sinks...),
		backoff: backoff,
		timeout: timeout,

		overflow:        append([]Sink(nil), cfg.Overflow...),
		overflowTimeout: overflowTimeout,

		queue:   make(chan Event, buffer),
		done:    make(chan struct{}),
	}
}

// Listener adapts the dispatcher for Registry.On.
func (d *Dispatcher) Listener() Listener {
	return func(ev Event) { d.Enqueue(ev) }
}

// Enqueue buffers ev for delivery. A full buffer spills ev to the overflow
// sinks; Enqueue reports false when the dispatcher is closed or no overflow
// sink accepted the event.
func (d *Dispatcher) Enqueue(ev Event) bool {
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return false
	}
	select {
	case d.queue <- ev:
		d.mu.RUnlock()
		return true
	default:
	}
	d.mu.RUnlock()

	if d.spill(ev) {
		return true
	}
	d.metrics.ObserveDelivery("dispatcher", "dropped")
	d.logger.Warn("event buffer full, dropping event", "kind", ev.Kind, "channel_id", ev.ChannelID, "sequence", ev.Sequence)
	return false
}

func (d *Dispatcher) spill(ev Event) bool {
	if len(d.overflow) == 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.overflowTimeout)
	defer cancel()
	spilled := false
	for _, sink := range d.overflow {
		if err := sink.Deliver(ctx, ev); err != nil {
			d.metrics.ObserveDelivery(sink.Name(), "overflow_failed")
			d.logger.Error("overflow delivery failed", "sink", sink.Name(), "kind", ev.Kind, "channel_id", ev.ChannelID, "sequence", ev.Sequence, "error", err)
			continue
		}
		d.metrics.ObserveDelivery(sink.Name(), "overflow")
		spilled = true
	}
	if spilled {
		d.logger.Warn("event buffer full, event written to overflow sinks", "kind", ev.Kind, "channel_id", ev.ChannelID, "sequence", ev.Sequence)
	}
	return spilled
}

// Start launches the delivery worker. Subsequent calls are no-ops.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		workerCtx, cancel := context.WithCancel(ctx)
		d.cancel = cancel
		go d.run(workerCtx)
	})
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)
	for ev := range d.queue {
		for _, sink := range d.sinks {
			d.deliver(ctx, sink, ev)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, sink Sink, ev Event) {
	delay := d.backoff.Initial
	for attempt := 1; attempt <= d.backoff.Attempts; attempt++ {
		if ctx.Err() != nil {
			d.metrics.ObserveDelivery(sink.Name(), "abandoned")
			return
		}
		attemptCtx, cancel := context.WithTimeout(ctx, d.timeout)
		err := sink.Deliver(attemptCtx, ev)
		cancel()
		if err == nil {
			d.metrics.ObserveDelivery(sink.Name(), "ok")
			return
		}
		if IsPermanent(err) || attempt == d.backoff.Attempts {
			d.metrics.ObserveDelivery(sink.Name(), "failed")
			d.logger.Error("event delivery failed", "sink", sink.Name(), "kind", ev.Kind, "channel_id", ev.ChannelID, "sequence", ev.Sequence, "attempt", attempt, "error", err)
			return
		}
		d.metrics.ObserveDelivery(sink.Name(), "retry")
		d.logger.Warn("event delivery failed, retrying", "sink", sink.Name(), "kind", ev.Kind, "attempt", attempt, "error", err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			d.metrics.ObserveDelivery(sink.Name(), "abandoned")
			return
		case <-timer.C:
		}
		delay *= 2
		if d.backoff.Max > 0 && delay > d.backoff.Max {
			delay = d.backoff.Max
		}
	}
}

// Close stops accepting events and waits for the buffer to drain. When ctx
// ends first, in-flight deliveries are cancelled.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	started := false
	d.startOnce.Do(func() {})
	if d.cancel != nil {
		started = true
	}
	if !started {
		return nil
	}
	select {
	case <-d.done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-d.done
		return ctx.Err()
	}
}
