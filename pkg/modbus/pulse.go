package modbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openkiosk/lockerd/internal/logger"
	"github.com/openkiosk/lockerd/pkg/metrics/prometheus"
)

// PulseConfig tunes the open pulse.
type PulseConfig struct {
	// Duration the relay stays energized. Clamped to [100ms, 2s] so a
	// bad config can neither tap the latch too briefly nor cook it.
	Duration time.Duration `mapstructure:"pulse_duration"`

	// PreferMultiCoil sends 0x0F first and falls back to 0x05. Some
	// card firmwares only implement one of the two.
	PreferMultiCoil bool `mapstructure:"prefer_multi_coil"`

	// VerifyWrites reads the coil back after the OFF frame. Mismatches
	// are logged, never fatal, because relays can re-latch between the
	// write and the read.
	VerifyWrites bool `mapstructure:"verify_writes"`
}

const (
	minPulse = 100 * time.Millisecond
	maxPulse = 2 * time.Second

	frameRetries    = 2
	frameRetryDelay = 100 * time.Millisecond
)

// ApplyDefaults fills unset values.
func (c *PulseConfig) ApplyDefaults() {
	if c.Duration == 0 {
		c.Duration = 400 * time.Millisecond
	}
	if c.Duration < minPulse {
		c.Duration = minPulse
	}
	if c.Duration > maxPulse {
		c.Duration = maxPulse
	}
}

// bus is the transport surface the actuator drives. Tests swap in a
// scripted implementation.
type bus interface {
	transact(ctx context.Context, req *request) ([]byte, error)
	Device() string
}

// Actuator turns logical locker opens into relay pulses.
type Actuator struct {
	bus     bus
	mapping *Mapping
	health  *Health
	config  PulseConfig
	sleep   func(d time.Duration)
}

// NewActuator wires a pulse actuator over an open transport.
func NewActuator(t *Transport, mapping *Mapping, config PulseConfig) *Actuator {
	return newActuator(t, mapping, config)
}

func newActuator(b bus, mapping *Mapping, config PulseConfig) *Actuator {
	config.ApplyDefaults()
	return &Actuator{
		bus:     b,
		mapping: mapping,
		health:  NewHealth(b.Device()),
		config:  config,
		sleep:   time.Sleep,
	}
}

// Health exposes the bus health counters.
func (a *Actuator) Health() *Health { return a.health }

// Channels reports the channel capacity of the configured cards.
func (a *Actuator) Channels() int { return a.mapping.Channels() }

// OK reports whether the bus is healthy enough to accept commands.
func (a *Actuator) OK() bool { return a.health.OK() }

// Pulse energizes one locker's relay for the configured duration and
// releases it. Once the ON frame is on the wire the pulse runs to the
// OFF frame even if the caller's context is cancelled; leaving a relay
// energized is worse than finishing late.
func (a *Actuator) Pulse(ctx context.Context, lockerID int) error {
	target, err := a.mapping.Resolve(lockerID)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err = a.pulse(ctx, target)
	a.health.Record(err)
	prometheus.ModbusPulses.WithLabelValues(a.bus.Device(), pulseOutcome(err)).Inc()
	return err
}

func (a *Actuator) pulse(ctx context.Context, target Target) error {
	fn, err := a.writeOn(ctx, target)
	if err != nil {
		return fmt.Errorf("pulse on: %w", err)
	}

	a.sleep(a.config.Duration)

	if err := a.writeCoil(ctx, fn, target, false); err != nil {
		logger.Error("relay OFF frame failed after retries",
			logger.KeyPort, a.bus.Device(),
			logger.KeyCoil, int(target.Coil),
			logger.KeyCardAddress, int(target.Card),
			logger.KeyError, err)
		return fmt.Errorf("%w: %s", ErrRelayStuck, err)
	}

	if a.config.VerifyWrites {
		a.verifyOff(ctx, target)
	}
	return nil
}

// writeOn sends the ON frame, preferring 0x0F when configured. The
// fallback to 0x05 is a single alternative attempt, not a retry.
func (a *Actuator) writeOn(ctx context.Context, target Target) (byte, error) {
	if !a.config.PreferMultiCoil {
		return FuncWriteSingleCoil, a.writeCoil(ctx, FuncWriteSingleCoil, target, true)
	}
	err := a.writeCoil(ctx, FuncWriteMultipleCoils, target, true)
	if err == nil {
		return FuncWriteMultipleCoils, nil
	}
	if !Retryable(err) {
		return 0, err
	}
	logger.Debug("0x0F write rejected, falling back to 0x05",
		logger.KeyPort, a.bus.Device(),
		logger.KeyCardAddress, int(target.Card),
		logger.KeyError, err)
	return FuncWriteSingleCoil, a.writeCoil(ctx, FuncWriteSingleCoil, target, true)
}

// writeCoil sends one coil write with per-frame retries.
func (a *Actuator) writeCoil(ctx context.Context, fn byte, target Target, on bool) error {
	var req *request
	var err error
	for attempt := 0; attempt <= frameRetries; attempt++ {
		if attempt > 0 {
			a.sleep(frameRetryDelay)
		}
		if fn == FuncWriteMultipleCoils {
			req = writeMultipleCoilsRequest(target.Card, target.Coil, on)
		} else {
			req = writeSingleCoilRequest(target.Card, target.Coil, on)
		}
		_, err = a.bus.transact(ctx, req)
		if err == nil || !Retryable(err) {
			return err
		}
	}
	return err
}

// verifyOff reads the coil back and warns if it still reads energized.
func (a *Actuator) verifyOff(ctx context.Context, target Target) {
	req := readCoilsRequest(target.Card, target.Coil, 1)
	data, err := a.bus.transact(ctx, req)
	if err != nil {
		logger.Warn("coil read-back failed",
			logger.KeyPort, a.bus.Device(),
			logger.KeyCardAddress, int(target.Card),
			logger.KeyError, err)
		return
	}
	if coilBit(data, 0) {
		logger.Warn("coil reads energized after OFF",
			logger.KeyPort, a.bus.Device(),
			logger.KeyCardAddress, int(target.Card),
			logger.KeyCoil, int(target.Coil))
	}
}

func pulseOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrRelayStuck):
		return "stuck_open"
	default:
		return "failed"
	}
}
