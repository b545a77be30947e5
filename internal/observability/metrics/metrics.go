package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// DeliveryLabel identifies an event delivery outcome for one sink.
type DeliveryLabel struct {
	Sink    string
	Outcome string
}

// Recorder aggregates counters and gauges for the hub: HTTP traffic, channel
// lifecycle, presence, chat admission, moderation, key rotation and event
// delivery. Gauges that move on every connect are atomics so the hot path does
// not contend on the map lock.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	channelEvents   map[string]uint64
	messages        map[string]uint64
	rejections      map[string]uint64
	evictions       map[string]uint64
	moderation      map[string]uint64
	keyEvents       map[string]uint64
	deliveries      map[DeliveryLabel]uint64
	activeChannels  atomic.Int64
	viewers         atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder.
func New() *Recorder {
	r := &Recorder{}
	r.resetMaps()
	return r
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	return defaultRecorder
}

func (r *Recorder) resetMaps() {
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.channelEvents = make(map[string]uint64)
	r.messages = make(map[string]uint64)
	r.rejections = make(map[string]uint64)
	r.evictions = make(map[string]uint64)
	r.moderation = make(map[string]uint64)
	r.keyEvents = make(map[string]uint64)
	r.deliveries = make(map[DeliveryLabel]uint64)
}

// ObserveRequest accumulates request count and duration by method, normalized
// path and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ChannelOpened records a channel going live.
func (r *Recorder) ChannelOpened() {
	r.inc(r.channelEvents, "open")
	r.activeChannels.Add(1)
}

// ChannelClosed records a channel reaching Closed. forced reports whether the
// key drain timed out and the keys were destroyed without confirmation.
func (r *Recorder) ChannelClosed(forced bool) {
	if forced {
		r.inc(r.channelEvents, "close_forced")
	} else {
		r.inc(r.channelEvents, "close")
	}
	decrementGauge(&r.activeChannels)
}

// ViewerJoined increments the connected viewer gauge.
func (r *Recorder) ViewerJoined() {
	r.viewers.Add(1)
}

// ViewerLeft decrements the viewer gauge and counts the departure reason
// (unsubscribe, timeout, slow_consumer, channel_closed, replaced).
func (r *Recorder) ViewerLeft(reason string) {
	r.inc(r.evictions, reason)
	decrementGauge(&r.viewers)
}

// ObserveMessage counts an admitted message by kind.
func (r *Recorder) ObserveMessage(kind string) {
	r.inc(r.messages, kind)
}

// ObserveRejection counts an admission rejection by reason code.
func (r *Recorder) ObserveRejection(reason string) {
	r.inc(r.rejections, reason)
}

// ObserveModeration counts an applied moderation action.
func (r *Recorder) ObserveModeration(action string) {
	r.inc(r.moderation, action)
}

// ObserveKeyEvent counts key lifecycle transitions (mint, rotate, retire,
// destroy, vault_failure).
func (r *Recorder) ObserveKeyEvent(event string) {
	r.inc(r.keyEvents, event)
}

// ObserveDelivery counts an event delivery attempt outcome for a sink.
func (r *Recorder) ObserveDelivery(sink, outcome string) {
	label := DeliveryLabel{Sink: normalizeName(sink), Outcome: normalizeName(outcome)}
	r.mu.Lock()
	r.deliveries[label]++
	r.mu.Unlock()
}

func (r *Recorder) inc(counter map[string]uint64, name string) {
	key := normalizeName(name)
	r.mu.Lock()
	counter[key]++
	r.mu.Unlock()
}

// ActiveChannels exposes the live channel gauge.
func (r *Recorder) ActiveChannels() int64 {
	return r.activeChannels.Load()
}

// Viewers exposes the connected viewer gauge.
func (r *Recorder) Viewers() int64 {
	return r.viewers.Load()
}

// Counter returns the current value of a named counter family entry. Families
// are "channel", "message", "rejection", "eviction", "moderation" and "key".
func (r *Recorder) Counter(family, name string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var counter map[string]uint64
	switch family {
	case "channel":
		counter = r.channelEvents
	case "message":
		counter = r.messages
	case "rejection":
		counter = r.rejections
	case "eviction":
		counter = r.evictions
	case "moderation":
		counter = r.moderation
	case "key":
		counter = r.keyEvents
	default:
		return 0
	}
	return counter[normalizeName(name)]
}

// Deliveries returns a copy of the delivery counters.
func (r *Recorder) Deliveries() map[DeliveryLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[DeliveryLabel]uint64, len(r.deliveries))
	for k, v := range r.deliveries {
		out[k] = v
	}
	return out
}

// Reset clears all counters and gauges. It is intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetMaps()
	r.activeChannels.Store(0)
	r.viewers.Store(0)
}

// Handler exposes the Recorder in Prometheus text exposition format.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders every metric family with sorted label sets so scrapes are
// stable.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()

	fmt.Fprintln(w, "# HELP realcast_http_requests_total Total number of HTTP requests processed")
	fmt.Fprintln(w, "# TYPE realcast_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "realcast_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP realcast_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE realcast_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "realcast_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	writeCounterFamily(w, "realcast_channel_events_total", "Channel lifecycle transitions by event", "event", r.channelEvents)

	fmt.Fprintln(w, "# HELP realcast_active_channels Current number of live channels")
	fmt.Fprintln(w, "# TYPE realcast_active_channels gauge")
	fmt.Fprintf(w, "realcast_active_channels %d\n", r.activeChannels.Load())

	fmt.Fprintln(w, "# HELP realcast_viewers Current number of subscribed viewers across channels")
	fmt.Fprintln(w, "# TYPE realcast_viewers gauge")
	fmt.Fprintf(w, "realcast_viewers %d\n", r.viewers.Load())

	writeCounterFamily(w, "realcast_messages_total", "Admitted chat messages by kind", "kind", r.messages)
	writeCounterFamily(w, "realcast_admission_rejections_total", "Rejected messages by reason", "reason", r.rejections)
	writeCounterFamily(w, "realcast_viewer_departures_total", "Viewer sessions removed by reason", "reason", r.evictions)
	writeCounterFamily(w, "realcast_moderation_actions_total", "Applied moderation actions", "action", r.moderation)
	writeCounterFamily(w, "realcast_key_events_total", "Key lifecycle events", "event", r.keyEvents)

	fmt.Fprintln(w, "# HELP realcast_event_deliveries_total Event deliveries by sink and outcome")
	fmt.Fprintln(w, "# TYPE realcast_event_deliveries_total counter")
	for _, label := range r.sortedDeliveryLabels() {
		fmt.Fprintf(w, "realcast_event_deliveries_total{sink=\"%s\",outcome=\"%s\"} %d\n", label.Sink, label.Outcome, r.deliveries[label])
	}
}

func writeCounterFamily(w io.Writer, name, help, labelName string, values map[string]uint64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	for _, key := range sortedKeys(values) {
		fmt.Fprintf(w, "%s{%s=\"%s\"} %d\n", name, labelName, key, values[key])
	}
}

func sortedKeys(values map[string]uint64) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedDeliveryLabels() []DeliveryLabel {
	labels := make([]DeliveryLabel, 0, len(r.deliveries))
	for label := range r.deliveries {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Sink != labels[j].Sink {
			return labels[i].Sink < labels[j].Sink
		}
		return labels[i].Outcome < labels[j].Outcome
	})
	return labels
}

// normalizePath collapses identifier-like segments so channel and key ids do
// not explode label cardinality.
func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part != "" && looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digits := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	switch {
	case digits == 0:
		return false
	case digits == len(segment), digits >= 3:
		return true
	default:
		return len(segment) >= 8
	}
}

func decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
