package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comment_bot_messages_received_total",
		Help: "Total number of messages received",
	}, []string{"chat_type"})

	messagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comment_bot_messages_processed_total",
		Help: "Total number of messages processed",
	}, []string{"status"})

	commandsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comment_bot_commands_executed_total",
		Help: "Total number of commands executed",
	}, []string{"command"})

	generationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "comment_bot_generation_duration_seconds",
		Help:    "Duration of generation API requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"model", "status"})

	generationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comment_bot_generations_total",
		Help: "Total number of generation requests",
	}, []string{"model", "status"})

	feedbackRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comment_bot_feedback_recorded_total",
		Help: "Total number of feedback records written",
	}, []string{"kind"})

	sweepRemovals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comment_bot_sweep_removed_total",
		Help: "Total number of rows removed by retention sweeps",
	}, []string{"sweep"})

	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "comment_bot_cache_hits_total",
		Help: "Total number of cache hits",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "comment_bot_cache_misses_total",
		Help: "Total number of cache misses",
	})

	busyRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "comment_bot_busy_rejections_total",
		Help: "Total number of events rejected because a user queue was full",
	})

	storageOpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "comment_bot_storage_op_duration_seconds",
		Help:    "Duration of storage operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	storageDegraded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "comment_bot_storage_degraded",
		Help: "Whether the persistence backend has lost durability (1 = degraded)",
	})
)

// Metrics provides methods to record metrics.
type Metrics struct{}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) RecordMessageReceived(chatType string) {
	messagesReceived.WithLabelValues(chatType).Inc()
}

func (m *Metrics) RecordMessageProcessed(status string) {
	messagesProcessed.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordCommandExecuted(command string) {
	commandsExecuted.WithLabelValues(command).Inc()
}

func (m *Metrics) RecordGeneration(model, status string, duration time.Duration) {
	generationDuration.WithLabelValues(model, status).Observe(duration.Seconds())
	generationsTotal.WithLabelValues(model, status).Inc()
}

func (m *Metrics) RecordFeedback(kind string) {
	feedbackRecorded.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordSweepRemovals(sweep string, count int) {
	sweepRemovals.WithLabelValues(sweep).Add(float64(count))
}

func (m *Metrics) RecordCacheHit() {
	cacheHits.Inc()
}

func (m *Metrics) RecordCacheMiss() {
	cacheMisses.Inc()
}

func (m *Metrics) RecordBusyRejection() {
	busyRejections.Inc()
}

func (m *Metrics) RecordStorageOp(op string, seconds float64) {
	storageOpDuration.WithLabelValues(op).Observe(seconds)
}

func (m *Metrics) SetStorageDegraded(degraded bool) {
	if degraded {
		storageDegraded.Set(1)
	} else {
		storageDegraded.Set(0)
	}
}

// StartMetricsServer starts the metrics HTTP server.
func StartMetricsServer(port int, path string) error {
	router := mux.NewRouter()
	router.Handle(path, promhttp.Handler())

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return server.ListenAndServe()
}
