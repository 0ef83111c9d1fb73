package heartbeat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/openkiosk/lockerd/internal/logger"
)

// HardwareReporter exposes the relay bus health a kiosk reports upstream.
type HardwareReporter interface {
	OK() bool
	Channels() int
}

// ActivityReporter tells the sender when the executor last finished a
// command.
type ActivityReporter interface {
	LastCommandAt() *time.Time
}

// Sender posts heartbeats from a kiosk process to the gateway.
type Sender struct {
	client     *http.Client
	gatewayURL string
	authToken  string
	kioskID    string
	zone       string
	version    string
	interval   time.Duration
	hardware   HardwareReporter
	activity   ActivityReporter
}

// SenderConfig configures a heartbeat sender.
type SenderConfig struct {
	GatewayURL string
	AuthToken  string
	KioskID    string
	Zone       string
	Version    string
	Interval   time.Duration
}

// NewSender builds a sender. hardware may be nil when the kiosk runs
// without a relay bus; it then reports hardware_ok=false.
func NewSender(config SenderConfig, hardware HardwareReporter, activity ActivityReporter) *Sender {
	if config.Interval <= 0 {
		config.Interval = 10 * time.Second
	}
	return &Sender{
		client:     &http.Client{Timeout: 5 * time.Second},
		gatewayURL: config.GatewayURL,
		authToken:  config.AuthToken,
		kioskID:    config.KioskID,
		zone:       config.Zone,
		version:    config.Version,
		interval:   config.Interval,
		hardware:   hardware,
		activity:   activity,
	}
}

// Run posts one heartbeat immediately and then on every interval tick
// until the context is cancelled. Failed posts are logged and retried
// on the next tick; the gateway's liveness window absorbs single misses.
func (s *Sender) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.post(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.post(ctx)
		}
	}
}

func (s *Sender) post(ctx context.Context) {
	payload := s.payload()
	body, err := json.Marshal(payload)
	if err != nil {
		logger.Error("heartbeat marshal failed", logger.KeyError, err)
		return
	}

	url := fmt.Sprintf("%s/kiosks/%s/heartbeat", s.gatewayURL, s.kioskID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		logger.Error("heartbeat request build failed", logger.KeyError, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if s.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.authToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		logger.Warn("heartbeat post failed",
			logger.KeyKioskID, s.kioskID,
			logger.KeyError, err,
		)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		logger.Warn("heartbeat rejected",
			logger.KeyKioskID, s.kioskID,
			logger.KeyStatus, resp.StatusCode,
		)
	}
}

func (s *Sender) payload() *Payload {
	p := &Payload{
		KioskID: s.kioskID,
		Version: s.version,
		Zone:    s.zone,
	}
	if s.hardware != nil {
		p.HardwareOK = s.hardware.OK()
		p.ChannelCount = s.hardware.Channels()
	}
	if s.activity != nil {
		p.LastCommandAt = s.activity.LastCommandAt()
	}
	return p
}
