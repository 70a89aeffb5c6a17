package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Chat service metrics, registered on the default registry and served at /metrics.
var (
	// WebSocket metrics
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pyamooz_chat_ws_connections",
			Help: "Number of open chat WebSocket connections",
		},
	)

	WebSocketFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pyamooz_chat_ws_frames_total",
			Help: "Total WebSocket frames by direction and frame type",
		},
		[]string{"direction", "type"}, // direction: in/out
	)

	InboxDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pyamooz_chat_inbox_depth",
			Help: "Chat requests waiting in connection inboxes",
		},
	)

	// Stream metrics
	StreamsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pyamooz_chat_streams_total",
			Help: "Total generation streams by terminal outcome",
		},
		[]string{"provider", "outcome"}, // outcome: done or an error_type
	)

	StreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pyamooz_chat_stream_duration_seconds",
			Help:    "Wall time from started to done",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.4min
		},
		[]string{"provider"},
	)

	StreamTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pyamooz_chat_stream_tokens_total",
			Help: "Token events forwarded to clients",
		},
		[]string{"provider"},
	)

	// Title worker metrics
	TitleJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pyamooz_chat_title_jobs_total",
			Help: "Title jobs by result",
		},
		[]string{"result"}, // updated, skipped, dropped, failed
	)

	// Persistence metrics
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pyamooz_chat_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		},
		[]string{"operation"},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pyamooz_chat_http_requests_total",
			Help: "HTTP requests by method, route template and status",
		},
		[]string{"method", "route", "status"},
	)

	CatalogSyncsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pyamooz_chat_catalog_syncs_total",
			Help: "Model catalog synchronisations by result",
		},
		[]string{"result"},
	)
)

// ObserveQuery records how long a store operation took.
func ObserveQuery(operation string, start time.Time) {
	DBQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
