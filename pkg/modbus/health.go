package modbus

import (
	"sync"

	"github.com/openkiosk/lockerd/pkg/metrics/prometheus"
)

// HealthStatus classifies the bus condition.
type HealthStatus string

const (
	HealthOK       HealthStatus = "ok"
	HealthDegraded HealthStatus = "degraded"
	HealthError    HealthStatus = "error"
)

const healthWindow = 100

// Health keeps rolling outcome counters for one bus. Heartbeats derive
// their hardware_ok flag from it and the metrics gauge mirrors it.
type Health struct {
	mu sync.Mutex

	device              string
	total               uint64
	failed              uint64
	consecutiveFailures int
	lastError           string

	// ring of the last healthWindow outcomes, true = failure
	window [healthWindow]bool
	head   int
	filled int
	recent int
}

// NewHealth creates counters for the named device.
func NewHealth(device string) *Health {
	return &Health{device: device}
}

// Record registers one pulse outcome.
func (h *Health) Record(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	failure := err != nil
	h.total++
	if failure {
		h.failed++
		h.consecutiveFailures++
		h.lastError = err.Error()
	} else {
		h.consecutiveFailures = 0
	}

	if h.filled == healthWindow && h.window[h.head] {
		h.recent--
	}
	h.window[h.head] = failure
	if failure {
		h.recent++
	}
	h.head = (h.head + 1) % healthWindow
	if h.filled < healthWindow {
		h.filled++
	}

	prometheus.ModbusHealth.WithLabelValues(h.device).Set(statusValue(h.statusLocked()))
}

// Status classifies the bus from the rolling window.
func (h *Health) Status() HealthStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.statusLocked()
}

func (h *Health) statusLocked() HealthStatus {
	if h.consecutiveFailures >= 5 {
		return HealthError
	}
	if h.filled > 0 && float64(h.recent)/float64(h.filled) >= 0.05 {
		return HealthDegraded
	}
	return HealthOK
}

// OK reports whether the bus is usable. Degraded still counts: a noisy
// bus that mostly works should not take the kiosk offline.
func (h *Health) OK() bool {
	return h.Status() != HealthError
}

// Snapshot returns the raw counters for diagnostics.
func (h *Health) Snapshot() (total, failed uint64, consecutive int, lastError string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total, h.failed, h.consecutiveFailures, h.lastError
}

func statusValue(s HealthStatus) float64 {
	switch s {
	case HealthOK:
		return 0
	case HealthDegraded:
		return 1
	default:
		return 2
	}
}
