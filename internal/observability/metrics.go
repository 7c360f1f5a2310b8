package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the engine. Create one per
// process; collectors register on the default registry.
type Metrics struct {
	EventsAppended      *prometheus.CounterVec
	Turns               *prometheus.CounterVec
	TurnDuration        prometheus.Histogram
	ToolExecutions      *prometheus.CounterVec
	ToolDuration        *prometheus.HistogramVec
	RPCRequests         *prometheus.CounterVec
	RPCDuration         *prometheus.HistogramVec
	WSConnections       prometheus.Gauge
	WSFramesDropped     *prometheus.CounterVec
	SearchQueries       prometheus.Counter
	BlobBytesStored     prometheus.Counter
	BlobsDeleted        prometheus.Counter
	Compactions         prometheus.Counter
	LogRowsPruned       prometheus.Counter
	ActiveSessions      prometheus.Gauge
	SequenceRaceRetries prometheus.Counter
}

// NewMetrics creates and registers the engine's collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		EventsAppended: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tron_events_appended_total",
			Help: "Session events appended, by event type.",
		}, []string{"type"}),

		Turns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tron_turns_total",
			Help: "Completed assistant turns, by outcome (ended, aborted, error).",
		}, []string{"outcome"}),

		TurnDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "tron_turn_duration_seconds",
			Help:    "Wall time of one assistant turn including tool execution.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),

		ToolExecutions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tron_tool_executions_total",
			Help: "Tool executions, by tool name and status.",
		}, []string{"tool", "status"}),

		ToolDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tron_tool_duration_seconds",
			Help:    "Tool execution time, by tool name.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		}, []string{"tool"}),

		RPCRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tron_rpc_requests_total",
			Help: "RPC requests, by method and result code (OK on success).",
		}, []string{"method", "code"}),

		RPCDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tron_rpc_request_duration_seconds",
			Help:    "RPC dispatch time, by method.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method"}),

		WSConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "tron_ws_connections",
			Help: "Currently open websocket connections.",
		}),

		WSFramesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tron_ws_frames_dropped_total",
			Help: "Cosmetic event frames dropped under backpressure, by type.",
		}, []string{"type"}),

		SearchQueries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tron_search_queries_total",
			Help: "Full-text search queries served.",
		}),

		BlobBytesStored: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tron_blob_bytes_stored_total",
			Help: "Original bytes written into the blob store (dedup hits excluded).",
		}),

		BlobsDeleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tron_blobs_deleted_total",
			Help: "Unreferenced blobs removed by garbage collection.",
		}),

		Compactions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tron_compactions_total",
			Help: "Confirmed context compactions.",
		}),

		LogRowsPruned: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tron_log_rows_pruned_total",
			Help: "Log rows removed by the retention sweep.",
		}),

		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "tron_active_sessions",
			Help: "Sessions with a live runner slot.",
		}),

		SequenceRaceRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tron_sequence_race_retries_total",
			Help: "Optimistic append retries after a head race.",
		}),
	}
}
