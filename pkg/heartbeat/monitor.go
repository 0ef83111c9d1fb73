// Package heartbeat tracks kiosk liveness and coordinates safe recovery.
//
// Kiosks post a heartbeat on a fixed interval; the monitor classifies
// each kiosk as online, degraded or offline from the age of its last
// heartbeat. Recovery reclaims stale command leases and settles lockers
// left mid-pulse by a crash. Recovery never actuates hardware: a locker
// that cannot be verified becomes Error, never open.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/openkiosk/lockerd/internal/logger"
	"github.com/openkiosk/lockerd/pkg/metrics/prometheus"
	"github.com/openkiosk/lockerd/pkg/store"
)

// Config tunes heartbeat cadence and recovery.
type Config struct {
	// Interval is the kiosk posting cadence. Classification thresholds
	// derive from it: online within 2x, degraded within 4x, offline
	// beyond.
	Interval time.Duration `mapstructure:"interval"`

	// RecoveryInterval bounds how often stale-command recovery runs.
	RecoveryInterval time.Duration `mapstructure:"recovery_interval"`
}

// ApplyDefaults fills unset values.
func (c *Config) ApplyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = 60 * time.Second
	}
}

// Payload is the heartbeat body a kiosk posts.
type Payload struct {
	KioskID       string     `json:"kiosk_id" validate:"required"`
	Version       string     `json:"version"`
	Zone          string     `json:"zone"`
	ChannelCount  int        `json:"channel_count"`
	HardwareOK    bool       `json:"hardware_ok"`
	LastCommandAt *time.Time `json:"last_command_at"`
}

// KioskView is a heartbeat row joined with its liveness classification.
type KioskView struct {
	store.KioskHeartbeat
	Status store.KioskStatus `json:"status"`
}

// Monitor classifies kiosk liveness and records heartbeats.
type Monitor struct {
	store  *store.Store
	config Config
	now    func() time.Time

	mu         sync.Mutex
	lastStatus map[string]store.KioskStatus
}

// NewMonitor creates a monitor over the store.
func NewMonitor(s *store.Store, config Config) *Monitor {
	config.ApplyDefaults()
	return &Monitor{
		store:      s,
		config:     config,
		now:        time.Now,
		lastStatus: make(map[string]store.KioskStatus),
	}
}

// SetClock replaces the monitor's clock. Test use only.
func (m *Monitor) SetClock(now func() time.Time) { m.now = now }

// Record stores a heartbeat payload.
func (m *Monitor) Record(ctx context.Context, p *Payload) error {
	hb := &store.KioskHeartbeat{
		KioskID:      p.KioskID,
		LastSeen:     m.now().UTC(),
		Version:      p.Version,
		Zone:         p.Zone,
		ChannelCount: p.ChannelCount,
		HardwareOK:   p.HardwareOK,
		LastCommand:  p.LastCommandAt,
	}
	if err := m.store.UpsertHeartbeat(ctx, hb); err != nil {
		return err
	}
	prometheus.HeartbeatsReceived.WithLabelValues(p.KioskID).Inc()
	return nil
}

// Classify maps a last-seen timestamp to a liveness status.
func (m *Monitor) Classify(lastSeen time.Time) store.KioskStatus {
	age := m.now().Sub(lastSeen)
	switch {
	case age <= 2*m.config.Interval:
		return store.KioskOnline
	case age <= 4*m.config.Interval:
		return store.KioskDegraded
	default:
		return store.KioskOffline
	}
}

// Kiosks returns all known kiosks with their classification.
func (m *Monitor) Kiosks(ctx context.Context) ([]*KioskView, error) {
	rows, err := m.store.ListHeartbeats(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]*KioskView, 0, len(rows))
	for _, hb := range rows {
		status := m.Classify(hb.LastSeen)
		views = append(views, &KioskView{KioskHeartbeat: *hb, Status: status})
		prometheus.KioskStatus.WithLabelValues(hb.KioskID).Set(statusGaugeValue(status))

		m.mu.Lock()
		changed := m.lastStatus[hb.KioskID] != status
		m.lastStatus[hb.KioskID] = status
		m.mu.Unlock()
		if changed {
			logKioskState(hb.KioskID, status)
		}
	}
	return views, nil
}

// Kiosk returns one kiosk view.
func (m *Monitor) Kiosk(ctx context.Context, kioskID string) (*KioskView, error) {
	hb, err := m.store.GetHeartbeat(ctx, kioskID)
	if err != nil {
		return nil, err
	}
	return &KioskView{KioskHeartbeat: *hb, Status: m.Classify(hb.LastSeen)}, nil
}

// Online reports whether the kiosk is currently classified online.
func (m *Monitor) Online(ctx context.Context, kioskID string) bool {
	view, err := m.Kiosk(ctx, kioskID)
	if err != nil {
		return false
	}
	return view.Status == store.KioskOnline
}

func statusGaugeValue(s store.KioskStatus) float64 {
	switch s {
	case store.KioskOnline:
		return 0
	case store.KioskDegraded:
		return 1
	default:
		return 2
	}
}

// logKioskState logs a classification change at the right level.
func logKioskState(kioskID string, status store.KioskStatus) {
	switch status {
	case store.KioskOffline:
		logger.Warn("kiosk offline", logger.KeyKioskID, kioskID)
	case store.KioskDegraded:
		logger.Warn("kiosk degraded", logger.KeyKioskID, kioskID)
	default:
		logger.Info("kiosk online", logger.KeyKioskID, kioskID)
	}
}
