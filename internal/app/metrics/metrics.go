// Package metrics exposes prometheus instrumentation for the server.
package metrics

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deskpilot_http_requests_total",
		Help: "HTTP requests by method and status code.",
	}, []string{"method", "code"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "deskpilot_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	injections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deskpilot_injections_total",
		Help: "Message injections by method and outcome.",
	}, []string{"method", "outcome"})

	broadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deskpilot_ws_broadcasts_total",
		Help: "Events broadcast to websocket clients.",
	})

	workersSpawned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deskpilot_workers_spawned_total",
		Help: "Worker conversations spawned.",
	})

	workersTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deskpilot_workers_terminal_total",
		Help: "Workers reaching a terminal state, by state.",
	}, []string{"state"})

	adapterReattaches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deskpilot_adapter_reattaches_total",
		Help: "Remote-debugging re-attach attempts.",
	})
)

// RecordInjection counts one injection outcome.
func RecordInjection(method string, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	injections.WithLabelValues(method, outcome).Inc()
}

// RecordBroadcast counts one hub broadcast.
func RecordBroadcast() { broadcasts.Inc() }

// RecordWorkerSpawned counts one spawned worker.
func RecordWorkerSpawned() { workersSpawned.Inc() }

// RecordWorkerTerminal counts one terminal worker transition.
func RecordWorkerTerminal(state string) { workersTerminal.WithLabelValues(state).Inc() }

// RecordAdapterReattach counts one re-attach.
func RecordAdapterReattach() { adapterReattaches.Inc() }

// Handler serves the /metrics endpoint.
func Handler() http.Handler { return promhttp.Handler() }

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush passes through so the SSE log stream works behind the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack passes through so websocket upgrades work behind the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return h.Hijack()
}

// InstrumentHandler wraps next with request counting and latency recording.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		httpRequests.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(r.Method).Observe(time.Since(started).Seconds())
	})
}
