// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EventsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetwatch_events_appended_total",
		Help: "Events committed to the log, by event type",
	}, []string{"type"})

	AppendFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetwatch_append_failures_total",
		Help: "Events rejected before commit, by stage",
	}, []string{"stage"})

	LogHead = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetwatch_log_head_seq",
		Help: "Highest committed event sequence number",
	})

	RangeGaps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetwatch_range_gaps_total",
		Help: "Range reads that told the client to re-bootstrap, by reason",
	}, []string{"reason"})

	SnapshotBuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetwatch_snapshot_builds_total",
		Help: "Snapshot build attempts, by result",
	}, []string{"result"})

	SnapshotBuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleetwatch_snapshot_build_duration_seconds",
		Help:    "Time to read, encode and store one snapshot",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	SnapshotAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetwatch_snapshot_agents",
		Help: "Agent rows in the most recent snapshot",
	})

	EventsPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetwatch_events_purged_total",
		Help: "Events removed by the retention sweep",
	})

	SnapshotsPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetwatch_snapshots_purged_total",
		Help: "Snapshots removed by the retention sweep",
	})

	ToolUsageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleetwatch_tool_usage_duration_seconds",
		Help:    "Agent tool call duration derived from tool_usage_started/finished",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"tool", "success"})

	BroadcastFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetwatch_broadcast_failures_total",
		Help: "Post-commit notifications that failed, by sink",
	}, []string{"sink"})

	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetwatch_webhook_deliveries_total",
		Help: "Webhook relay deliveries, by hook and result",
	}, []string{"hook", "result"})

	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetwatch_job_runs_total",
		Help: "Scheduled job runs, by job and result",
	}, []string{"job", "result"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
