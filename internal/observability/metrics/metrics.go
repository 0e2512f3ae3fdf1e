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

// Recorder aggregates in-memory counters and gauges for HTTP requests,
// connection churn, chat activity, notification delivery, and stream
// lifecycle events. It coordinates concurrent writers via a RWMutex while
// exposing atomic gauges for active connections and streams.
type Recorder struct {
	mu                 sync.RWMutex
	requestCount       map[requestLabel]uint64
	requestDuration    map[requestLabel]time.Duration
	connectionEvents   map[string]uint64
	chatEvents         map[string]uint64
	notificationEvents map[string]uint64
	streamEvents       map[string]uint64
	activeConnections  atomic.Int64
	activeStreams      atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:       make(map[requestLabel]uint64),
		requestDuration:    make(map[requestLabel]time.Duration),
		connectionEvents:   make(map[string]uint64),
		chatEvents:         make(map[string]uint64),
		notificationEvents: make(map[string]uint64),
		streamEvents:       make(map[string]uint64),
	}
}

// Default returns the singleton Recorder shared across packages that do not
// require a custom instrumentation pipeline.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates totals for request count and cumulative
// duration by HTTP method, path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   path,
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ConnectionOpened records a transport connection being established and
// bumps the active connection gauge.
func (r *Recorder) ConnectionOpened() {
	r.incrementEvent(r.connectionEvents, "open")
	r.activeConnections.Add(1)
}

// ConnectionClosed records a transport connection going away, guarding the
// gauge against dropping below zero when events race.
func (r *Recorder) ConnectionClosed() {
	r.incrementEvent(r.connectionEvents, "close")
	r.decrementGauge(&r.activeConnections)
}

// ObserveChatEvent counts a chat activity event such as "message" or
// "typing".
func (r *Recorder) ObserveChatEvent(kind string) {
	r.incrementEvent(r.chatEvents, kind)
}

// ObserveNotification counts a notification outcome: "delivered", "queued",
// "flushed", or "dropped".
func (r *Recorder) ObserveNotification(outcome string) {
	r.incrementEvent(r.notificationEvents, outcome)
}

// StreamStarted records a live transition and increments the active stream
// gauge.
func (r *Recorder) StreamStarted() {
	r.incrementEvent(r.streamEvents, "start")
	r.activeStreams.Add(1)
}

// StreamEnded records an ended transition and decrements the gauge.
func (r *Recorder) StreamEnded() {
	r.incrementEvent(r.streamEvents, "end")
	r.decrementGauge(&r.activeStreams)
}

// ActiveConnections exposes the current connection gauge.
func (r *Recorder) ActiveConnections() int64 {
	return r.activeConnections.Load()
}

// ActiveStreams exposes the current gauge of concurrently live streams.
func (r *Recorder) ActiveStreams() int64 {
	return r.activeStreams.Load()
}

// ChatEventCounts returns a copy of the chat event counters for tests and
// reporting.
func (r *Recorder) ChatEventCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.chatEvents))
	for k, v := range r.chatEvents {
		out[k] = v
	}
	return out
}

// Reset clears all counters and gauges. It is intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.connectionEvents = make(map[string]uint64)
	r.chatEvents = make(map[string]uint64)
	r.notificationEvents = make(map[string]uint64)
	r.streamEvents = make(map[string]uint64)
	r.mu.Unlock()
	r.activeConnections.Store(0)
	r.activeStreams.Store(0)
}

func (r *Recorder) incrementEvent(counters map[string]uint64, kind string) {
	normalized := strings.ToLower(strings.TrimSpace(kind))
	if normalized == "" {
		normalized = "unknown"
	}
	r.mu.Lock()
	counters[normalized]++
	r.mu.Unlock()
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
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

// Handler exposes the Recorder as an http.Handler that writes Prometheus
// text exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		requestLabels = append(requestLabels, label)
	}
	sort.Slice(requestLabels, func(i, j int) bool {
		a, b := requestLabels[i], requestLabels[j]
		if a.method != b.method {
			return a.method < b.method
		}
		if a.path != b.path {
			return a.path < b.path
		}
		return a.status < b.status
	})

	fmt.Fprintln(w, "# HELP streamhub_http_requests_total Total number of HTTP requests processed")
	fmt.Fprintln(w, "# TYPE streamhub_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "streamhub_http_requests_total{method=%q,path=%q,status=%q} %d\n",
			label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP streamhub_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE streamhub_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "streamhub_http_request_duration_seconds_sum{method=%q,path=%q,status=%q} %f\n",
			label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	writeCounterFamily(w, "streamhub_connection_events_total", "Connection lifecycle events by type", "event", r.connectionEvents)
	writeCounterFamily(w, "streamhub_chat_events_total", "Chat activity events by type", "event", r.chatEvents)
	writeCounterFamily(w, "streamhub_notification_events_total", "Notification delivery outcomes", "outcome", r.notificationEvents)
	writeCounterFamily(w, "streamhub_stream_events_total", "Stream lifecycle events by type", "event", r.streamEvents)

	fmt.Fprintln(w, "# HELP streamhub_active_connections Current number of open transport connections")
	fmt.Fprintln(w, "# TYPE streamhub_active_connections gauge")
	fmt.Fprintf(w, "streamhub_active_connections %d\n", r.activeConnections.Load())

	fmt.Fprintln(w, "# HELP streamhub_active_streams Current number of live streams")
	fmt.Fprintln(w, "# TYPE streamhub_active_streams gauge")
	fmt.Fprintf(w, "streamhub_active_streams %d\n", r.activeStreams.Load())
}

func writeCounterFamily(w io.Writer, name, help, labelName string, counters map[string]uint64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	keys := make([]string, 0, len(counters))
	for key := range counters {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(w, "%s{%s=%q} %d\n", name, labelName, key, counters[key])
	}
}
