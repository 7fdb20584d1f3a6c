// Package metrics declares the node's Prometheus collectors. They register with the default
// registry and are served by the app's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fieldcam"

var (
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Delivery attempts by outcome.",
		},
		[]string{"outcome"},
	)

	AssumeRole = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assume_role_total",
			Help:      "Short-lived credential requests by result.",
		},
		[]string{"result"},
	)

	UploadedBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_bytes_total",
			Help:      "Bytes acknowledged by the remote store.",
		},
	)

	UploadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_duration_seconds",
			Help:      "Duration of a single upload attempt.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Artifacts waiting for delivery.",
		},
	)

	Captures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "captures_total",
			Help:      "Capture attempts by result.",
		},
		[]string{"result"},
	)

	Ticks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Control loop iterations by desired state.",
		},
		[]string{"state"},
	)

	TickErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tick_errors_total",
			Help:      "Control loop iterations that failed or panicked.",
		},
	)

	TelemetryPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_published_total",
			Help:      "Status messages handed to the MQTT broker by result.",
		},
		[]string{"result"},
	)
)
