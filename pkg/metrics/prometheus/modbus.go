package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Modbus actuation metrics. Labels carry the serial device path so an
// installation with several buses can tell them apart.
var (
	ModbusFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockerd_modbus_frames_total",
			Help: "Modbus frames sent, by port and function code",
		},
		[]string{"port", "function"},
	)

	ModbusErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockerd_modbus_errors_total",
			Help: "Modbus frame failures, by port and kind",
		},
		[]string{"port", "kind"}, // "timeout", "crc", "exception", "write"
	)

	ModbusPulses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockerd_modbus_pulses_total",
			Help: "Completed pulse sequences, by port and outcome",
		},
		[]string{"port", "outcome"}, // "ok", "failed", "stuck_open"
	)

	ModbusHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lockerd_modbus_health",
			Help: "Bus health classification: 0 ok, 1 degraded, 2 error",
		},
		[]string{"port"},
	)

	ModbusFrameDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lockerd_modbus_frame_duration_seconds",
			Help:    "Round-trip time of a Modbus request frame",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
		[]string{"port"},
	)
)
