package middleware

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Chat metrics
	chatRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pet_gateway_chat_requests_total",
		Help: "Total number of chat sessions by provider and outcome",
	}, []string{"provider", "status"})

	chatDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pet_gateway_chat_duration_seconds",
		Help:    "Duration of chat sessions",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "status"})

	chatFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pet_gateway_chat_fallbacks_total",
		Help: "Total number of streaming failures retried without streaming",
	}, []string{"provider"})

	chatDeltas = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pet_gateway_chat_deltas_total",
		Help: "Total number of delta frames relayed",
	}, []string{"provider"})

	lockedShortCircuits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pet_gateway_locked_short_circuits_total",
		Help: "Total number of chats refused because the vault was locked",
	})

	// Rate limit metrics
	rateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pet_gateway_rate_limit_exceeded_total",
		Help: "Total number of rate limit exceeded events",
	}, []string{"agent_id"})

	// Storage metrics
	storageOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pet_gateway_storage_operations_total",
		Help: "Total number of storage operations",
	}, []string{"operation", "status"})

	storageOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pet_gateway_storage_operation_duration_seconds",
		Help:    "Duration of storage operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// HTTP metrics
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pet_gateway_http_requests_total",
		Help: "Total number of HTTP requests by route and status code",
	}, []string{"route", "method", "code"})

	// Active sessions gauge
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pet_gateway_active_sessions",
		Help: "Number of chat sessions in flight",
	})
)

// Metrics provides methods to record metrics
type Metrics struct{}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordChat records a finished chat session
func (m *Metrics) RecordChat(provider, status string, duration time.Duration) {
	chatRequests.WithLabelValues(provider, status).Inc()
	chatDuration.WithLabelValues(provider, status).Observe(duration.Seconds())
}

// RecordFallback records a streaming attempt retried without streaming
func (m *Metrics) RecordFallback(provider string) {
	chatFallbacks.WithLabelValues(provider).Inc()
}

// RecordDelta records one relayed delta frame
func (m *Metrics) RecordDelta(provider string) {
	chatDeltas.WithLabelValues(provider).Inc()
}

// RecordLocked records a chat refused by a locked vault
func (m *Metrics) RecordLocked() {
	lockedShortCircuits.Inc()
}

// RecordRateLimitExceeded records a rate limit exceeded event
func (m *Metrics) RecordRateLimitExceeded(agentID string) {
	rateLimitExceeded.WithLabelValues(agentID).Inc()
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(operation, status string, duration time.Duration) {
	storageOperations.WithLabelValues(operation, status).Inc()
	storageOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SessionStarted increments the active session gauge
func (m *Metrics) SessionStarted() {
	activeSessions.Inc()
}

// SessionEnded decrements the active session gauge
func (m *Metrics) SessionEnded() {
	activeSessions.Dec()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE responses streaming through the recorder
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets WebSocket upgrades pass through the recorder
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// Unwrap exposes the underlying writer to http.ResponseController
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Instrument is a mux middleware counting requests per route template
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		httpRequests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
	})
}

// StartMetricsServer starts the metrics HTTP server
func StartMetricsServer(port int, path string) error {
	return NewMetricsServer(port, path).ListenAndServe()
}

// NewMetricsServer builds the metrics HTTP server without starting it
func NewMetricsServer(port int, path string) *http.Server {
	router := mux.NewRouter()
	router.Handle(path, promhttp.Handler())

	// Health check endpoint
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	addr := fmt.Sprintf(":%d", port)
	return &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}
