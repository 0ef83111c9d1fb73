// Package prometheus registers the Prometheus collectors for lockerd.
//
// Collectors register on the default registry at package init; service
// binaries expose them via promhttp on the configured metrics listener.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Command queue metrics.
var (
	CommandsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockerd_commands_enqueued_total",
			Help: "Commands accepted into the queue by kiosk and type",
		},
		[]string{"kiosk_id", "type"},
	)

	CommandsClaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockerd_commands_claimed_total",
			Help: "Commands claimed by executors, by kiosk",
		},
		[]string{"kiosk_id"},
	)

	CommandsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockerd_commands_terminal_total",
			Help: "Commands reaching a terminal status, by outcome",
		},
		[]string{"outcome"}, // "completed", "failed", "cancelled"
	)

	CommandsRetried = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockerd_commands_retried_total",
			Help: "Commands returned to pending for another attempt, by kiosk",
		},
		[]string{"kiosk_id"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lockerd_queue_depth",
			Help: "Pending command depth per kiosk, bulk commands weighed by batch size",
		},
		[]string{"kiosk_id"},
	)

	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lockerd_command_duration_seconds",
			Help:    "Wall-clock execution time of commands from claim to terminal",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"type"},
	)
)
