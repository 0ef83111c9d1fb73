package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Heartbeat and RFID intake metrics.
var (
	KioskStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lockerd_kiosk_status",
			Help: "Kiosk liveness classification: 0 online, 1 degraded, 2 offline",
		},
		[]string{"kiosk_id"},
	)

	HeartbeatsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockerd_heartbeats_received_total",
			Help: "Heartbeat payloads accepted, by kiosk",
		},
		[]string{"kiosk_id"},
	)

	RFIDScans = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockerd_rfid_scans_total",
			Help: "Card presentations after debounce, by kiosk and outcome",
		},
		[]string{"kiosk_id", "outcome"}, // "assign", "release", "rejected", "error"
	)
)
