// Package observability registers EdgeWatch's prometheus metric families,
// grounded file-for-file in registration style on
// control_plane/observability/metrics.go in the teacher repo (promauto +
// client_golang), renamed from the teacher's flux_* family to edgewatch_*.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	IngestPoints = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgewatch_ingest_points_total",
		Help: "Telemetry points processed by outcome",
	}, []string{"outcome"}) // accepted, duplicate, quarantined, rejected

	IngestBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgewatch_ingest_batches_total",
		Help: "Ingestion batches processed by terminal processing_status",
	}, []string{"status"})

	IngestRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgewatch_ingest_rate_limited_total",
		Help: "Ingest requests rejected by the per-device token bucket",
	}, []string{"device_id"})

	AlertsOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "edgewatch_alerts_open",
		Help: "Currently open alerts by type",
	}, []string{"alert_type"})

	AlertTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgewatch_alert_transitions_total",
		Help: "Alert open/resolve transitions",
	}, []string{"alert_type", "transition"}) // open, resolve

	NotificationOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgewatch_notifications_total",
		Help: "Notification routing outcomes",
	}, []string{"channel_kind", "outcome"})

	CommandQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edgewatch_command_queue_pending",
		Help: "Number of devices with a currently pending control command",
	})

	OfflineDevices = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edgewatch_devices_offline",
		Help: "Current number of devices considered offline",
	})

	BufferDepthReported = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "edgewatch_edge_buffer_depth",
		Help: "Edge-reported local buffer queue depth (via heartbeat)",
	}, []string{"device_id"})

	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "edgewatch_redis_roundtrip_latency_seconds",
		Help:    "Redis operation latency (coordination spine health)",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
	})

	LeaderStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edgewatch_leader_status",
		Help: "1 if this process currently holds the background-job leadership lock",
	})

	LeadershipTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgewatch_leader_transitions_total",
		Help: "Leadership acquisition and loss events",
	}, []string{"node_id", "event"})
)
