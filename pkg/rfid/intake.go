package rfid

import (
	"context"
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/openkiosk/lockerd/internal/logger"
	"github.com/openkiosk/lockerd/pkg/executor"
	"github.com/openkiosk/lockerd/pkg/locker"
	"github.com/openkiosk/lockerd/pkg/metrics/prometheus"
	"github.com/openkiosk/lockerd/pkg/store"
)

// Config tunes the intake.
type Config struct {
	KioskID string `mapstructure:"kiosk_id" validate:"required"`

	// DebounceWindow drops repeated scans of the same uid. Readers emit
	// the uid several times per second while the card rests on the coil.
	DebounceWindow time.Duration `mapstructure:"debounce_window"`

	// DebounceSize bounds the uid timestamp cache.
	DebounceSize int `mapstructure:"debounce_size"`
}

// ApplyDefaults fills unset values.
func (c *Config) ApplyDefaults() {
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = time.Second
	}
	if c.DebounceSize <= 0 {
		c.DebounceSize = 1024
	}
}

// Action describes what a scan did.
type Action string

const (
	// ActionAssigned: the card claimed a free locker and it is opening.
	ActionAssigned Action = "assigned"
	// ActionReleased: the owner took their belongings; locker freed.
	ActionReleased Action = "released"
	// ActionConfirmed: a reserved locker was confirmed and is opening.
	ActionConfirmed Action = "confirmed"
	// ActionIgnored: duplicate scan inside the debounce window.
	ActionIgnored Action = "ignored"
)

// Result is what the kiosk UI renders after a scan.
type Result struct {
	Action Action        `json:"action"`
	Locker *store.Locker `json:"locker,omitempty"`
}

// Intake dispatches scans into the state manager and drives the pulse
// for the affected locker. It shares the executor's per-locker guards
// so a scan and a staff command on the same locker never pulse at once.
type Intake struct {
	manager  *locker.Manager
	pulser   executor.Pulser
	guards   *executor.Guards
	config   Config
	debounce *lru.Cache[string, time.Time]
	now      func() time.Time
}

// New wires a scan intake.
func New(m *locker.Manager, p executor.Pulser, g *executor.Guards, config Config) (*Intake, error) {
	config.ApplyDefaults()
	cache, err := lru.New[string, time.Time](config.DebounceSize)
	if err != nil {
		return nil, err
	}
	return &Intake{
		manager:  m,
		pulser:   p,
		guards:   g,
		config:   config,
		debounce: cache,
		now:      time.Now,
	}, nil
}

// SetClock replaces the intake's clock. Test use only.
func (i *Intake) SetClock(now func() time.Time) { i.now = now }

// HandleScan processes one RFID scan.
func (i *Intake) HandleScan(ctx context.Context, rawUID string) (*Result, error) {
	uid, err := NormalizeUID(rawUID)
	if err != nil {
		prometheus.RFIDScans.WithLabelValues(i.config.KioskID, "invalid").Inc()
		return nil, err
	}
	return i.dispatch(ctx, uid, store.OwnerRFID)
}

// HandleDevice processes one QR device scan. The device hash is opaque;
// it is used as the owner key verbatim. Device owners go through the
// exact transitions rfid owners do.
func (i *Intake) HandleDevice(ctx context.Context, deviceHash string) (*Result, error) {
	if deviceHash == "" {
		prometheus.RFIDScans.WithLabelValues(i.config.KioskID, "invalid").Inc()
		return nil, ErrInvalidUID
	}
	return i.dispatch(ctx, deviceHash, store.OwnerDevice)
}

func (i *Intake) dispatch(ctx context.Context, ownerKey string, ownerType store.OwnerType) (*Result, error) {
	if i.debounced(ownerKey) {
		prometheus.RFIDScans.WithLabelValues(i.config.KioskID, "debounced").Inc()
		return &Result{Action: ActionIgnored}, nil
	}

	result, err := i.route(ctx, ownerKey, ownerType)
	if err != nil {
		prometheus.RFIDScans.WithLabelValues(i.config.KioskID, "error").Inc()
		logger.Warn("scan rejected",
			logger.KeyKioskID, i.config.KioskID,
			logger.KeyError, err)
		return nil, err
	}

	prometheus.RFIDScans.WithLabelValues(i.config.KioskID, string(result.Action)).Inc()
	return result, nil
}

// route decides what the scan means from the card's current holdings:
// owner of an Owned locker is releasing, holder of a Reserved locker is
// confirming, anyone else is claiming a free locker.
func (i *Intake) route(ctx context.Context, ownerKey string, ownerType store.OwnerType) (*Result, error) {
	existing, err := i.manager.FindByOwner(ctx, i.config.KioskID, ownerKey)
	if err != nil && !errors.Is(err, store.ErrLockerNotFound) {
		return nil, err
	}

	if existing == nil {
		return i.assign(ctx, ownerKey, ownerType)
	}

	switch existing.Status {
	case store.LockerOwned:
		return i.release(ctx, existing, ownerKey)
	case store.LockerReserved:
		return i.confirm(ctx, existing, ownerKey)
	default:
		// Opening: a pulse for this card is already in flight.
		return nil, locker.ErrConflict
	}
}

// assign claims a free locker and pulses it open.
func (i *Intake) assign(ctx context.Context, ownerKey string, ownerType store.OwnerType) (*Result, error) {
	l, err := i.manager.AssignRFID(ctx, i.config.KioskID, ownerKey, ownerType)
	if err != nil {
		return nil, err
	}

	release := i.guards.Acquire(l.LockerID)
	defer release()

	if _, err := i.manager.ConfirmOwnership(ctx, i.config.KioskID, l.LockerID, ownerKey); err != nil {
		return nil, err
	}
	l, err = i.pulse(ctx, l.LockerID, locker.IntentAssign, ownerType, ownerKey)
	if err != nil {
		return nil, err
	}
	return &Result{Action: ActionAssigned, Locker: l}, nil
}

// release frees the owner's locker and pulses it open one last time.
func (i *Intake) release(ctx context.Context, l *store.Locker, ownerKey string) (*Result, error) {
	release := i.guards.Acquire(l.LockerID)
	defer release()

	if _, err := i.manager.BeginRelease(ctx, l.KioskID, l.LockerID, ownerKey); err != nil {
		return nil, err
	}
	updated, err := i.pulse(ctx, l.LockerID, locker.IntentRelease, l.OwnerType, ownerKey)
	if err != nil {
		return nil, err
	}
	return &Result{Action: ActionReleased, Locker: updated}, nil
}

// confirm turns an unexpired reservation into ownership and opens it.
func (i *Intake) confirm(ctx context.Context, l *store.Locker, ownerKey string) (*Result, error) {
	release := i.guards.Acquire(l.LockerID)
	defer release()

	if _, err := i.manager.ConfirmOwnership(ctx, l.KioskID, l.LockerID, ownerKey); err != nil {
		return nil, err
	}
	updated, err := i.pulse(ctx, l.LockerID, locker.IntentAssign, l.OwnerType, ownerKey)
	if err != nil {
		return nil, err
	}
	return &Result{Action: ActionConfirmed, Locker: updated}, nil
}

// pulse actuates the relay and settles the Opening locker.
func (i *Intake) pulse(ctx context.Context, lockerID int, intent locker.Intent, ownerType store.OwnerType, ownerKey string) (*store.Locker, error) {
	actor := string(ownerType) + ":" + ownerKey
	if err := i.pulser.Pulse(ctx, lockerID); err != nil {
		if _, ferr := i.manager.PulseFailed(ctx, i.config.KioskID, lockerID, actor, err.Error()); ferr != nil {
			logger.Error("failed to record pulse failure",
				logger.KeyKioskID, i.config.KioskID,
				logger.KeyLockerID, lockerID,
				logger.KeyError, ferr)
		}
		return nil, err
	}
	return i.manager.PulseSucceeded(ctx, i.config.KioskID, lockerID, intent, actor, nil)
}

// debounced records the scan time and reports whether the previous scan
// of the same key was inside the window.
func (i *Intake) debounced(key string) bool {
	now := i.now()
	last, seen := i.debounce.Get(key)
	i.debounce.Add(key, now)
	return seen && now.Sub(last) < i.config.DebounceWindow
}
