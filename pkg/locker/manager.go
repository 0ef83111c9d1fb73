// Package locker implements the canonical locker state machine.
//
// The Manager is the sole writer of locker rows. Every transition runs in
// one store transaction that mutates the row under an optimistic version
// guard and appends the matching event, so state and audit log cannot
// diverge. Concurrent transitions on the same locker are linearized by the
// version guard: exactly one writer wins, the loser surfaces ErrConflict.
package locker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openkiosk/lockerd/internal/logger"
	"github.com/openkiosk/lockerd/pkg/store"
)

// Intent distinguishes why a locker is Opening, so the pulse outcome knows
// which state follows. Intent lives only for the duration of the pulse; a
// crash mid-pulse is resolved by recovery, which moves Opening to Error.
type Intent int

const (
	// IntentAssign: first open after claiming; success lands in Owned.
	IntentAssign Intent = iota
	// IntentRelease: owner is taking their belongings; success frees the locker.
	IntentRelease
	// IntentStaff: staff override open; ownership is preserved unless the
	// command's reason is "release".
	IntentStaff
	// IntentStaffRelease: staff open that also releases ownership.
	IntentStaffRelease
)

// Config tunes the state manager.
type Config struct {
	// ReservationWindow is how long a Reserved locker waits for
	// confirmation before the sweeper returns it to Free.
	ReservationWindow time.Duration `mapstructure:"reservation_window"`

	// AutoRelease reclaims Owned non-VIP lockers after this duration.
	// Zero disables the sweep.
	AutoRelease time.Duration `mapstructure:"auto_release"`
}

// ApplyDefaults fills unset values.
func (c *Config) ApplyDefaults() {
	if c.ReservationWindow <= 0 {
		c.ReservationWindow = 90 * time.Second
	}
}

// Manager enforces the locker state machine over the store.
type Manager struct {
	store  *store.Store
	config Config

	// now is the clock, swappable in tests.
	now func() time.Time
}

// NewManager creates a state manager over the given store.
func NewManager(s *store.Store, config Config) *Manager {
	config.ApplyDefaults()
	return &Manager{
		store:  s,
		config: config,
		now:    time.Now,
	}
}

// SetClock replaces the manager's clock. Test use only.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Get returns the current locker snapshot.
func (m *Manager) Get(ctx context.Context, kioskID string, lockerID int) (*store.Locker, error) {
	return m.store.GetLocker(ctx, kioskID, lockerID)
}

// List returns all lockers of a kiosk.
func (m *Manager) List(ctx context.Context, kioskID string) ([]*store.Locker, error) {
	return m.store.ListLockers(ctx, kioskID)
}

// FindByOwner returns the locker currently held by ownerKey on a kiosk.
func (m *Manager) FindByOwner(ctx context.Context, kioskID, ownerKey string) (*store.Locker, error) {
	return m.store.FindLockerByOwnerTx(m.store.DB().WithContext(ctx), kioskID, ownerKey)
}

// AssignRFID claims the lowest-numbered free non-VIP locker for the card.
// Free -> Reserved. Guards: the card holds no other locker on this kiosk.
func (m *Manager) AssignRFID(ctx context.Context, kioskID, ownerKey string, ownerType store.OwnerType) (*store.Locker, error) {
	var assigned *store.Locker
	err := m.store.Transaction(ctx, func(tx store.Tx) error {
		if existing, err := m.store.FindLockerByOwnerTx(tx, kioskID, ownerKey); err == nil {
			return fmt.Errorf("%w: locker %d", ErrAlreadyOwns, existing.LockerID)
		} else if !errors.Is(err, store.ErrLockerNotFound) {
			return err
		}

		l, err := m.store.FindFreeLockerTx(tx, kioskID)
		if err != nil {
			if errors.Is(err, store.ErrLockerNotFound) {
				return ErrNoLockers
			}
			return err
		}

		now := m.now().UTC()
		readVersion := l.Version
		l.Status = store.LockerReserved
		l.OwnerType = ownerType
		l.OwnerKey = &ownerKey
		l.ReservedAt = &now

		if err := m.store.UpdateLockerTx(tx, l, readVersion); err != nil {
			return mapVersionConflict(err)
		}
		if err := m.store.AppendEventTx(tx, &store.Event{
			KioskID:  kioskID,
			LockerID: &l.LockerID,
			Type:     store.EventRFIDAssign,
			Actor:    actorFor(ownerType, ownerKey),
		}); err != nil {
			return err
		}
		assigned = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Info("locker reserved",
		logger.KeyKioskID, kioskID, logger.KeyLockerID, assigned.LockerID)
	return assigned, nil
}

// ConfirmOwnership moves a Reserved locker to Opening once the owner
// presents the matching card inside the reservation window.
// Reserved -> Opening.
func (m *Manager) ConfirmOwnership(ctx context.Context, kioskID string, lockerID int, ownerKey string) (*store.Locker, error) {
	return m.transition(ctx, kioskID, lockerID, func(l *store.Locker) (store.EventType, string, error) {
		if l.Status != store.LockerReserved {
			return "", "", transitionError(l.Status, "confirm")
		}
		if l.OwnerKey == nil || *l.OwnerKey != ownerKey {
			return "", "", ErrOwnershipMismatch
		}
		if l.ReservedAt == nil || m.now().Sub(*l.ReservedAt) > m.config.ReservationWindow {
			return "", "", ErrReservationLapsed
		}
		l.Status = store.LockerOpening
		return "", "", nil // no event; the pulse outcome writes it
	})
}

// BeginRelease moves an Owned locker to Opening with release intent after
// the owner presents the matching card. Owned -> Opening (release).
func (m *Manager) BeginRelease(ctx context.Context, kioskID string, lockerID int, ownerKey string) (*store.Locker, error) {
	return m.transition(ctx, kioskID, lockerID, func(l *store.Locker) (store.EventType, string, error) {
		if l.Status != store.LockerOwned {
			return "", "", transitionError(l.Status, "release")
		}
		if l.OwnerKey == nil || *l.OwnerKey != ownerKey {
			return "", "", ErrOwnershipMismatch
		}
		l.Status = store.LockerOpening
		return "", "", nil
	})
}

// BeginStaffOpen moves a locker to Opening on behalf of staff.
// Free/Owned/Reserved -> Opening. VIP lockers require override. Blocked
// and Error lockers are rejected; an already-Opening locker conflicts.
func (m *Manager) BeginStaffOpen(ctx context.Context, kioskID string, lockerID int, override bool) (*store.Locker, error) {
	return m.transition(ctx, kioskID, lockerID, func(l *store.Locker) (store.EventType, string, error) {
		switch l.Status {
		case store.LockerFree, store.LockerOwned, store.LockerReserved:
		case store.LockerOpening:
			return "", "", ErrConflict
		case store.LockerBlocked:
			return "", "", ErrBlocked
		default:
			return "", "", transitionError(l.Status, "staff open")
		}
		if l.IsVIP && !override {
			return "", "", ErrVIPProtected
		}
		l.Status = store.LockerOpening
		return "", "", nil
	})
}

// PulseSucceeded resolves an Opening locker after a successful hardware
// pulse. The intent decides the landing state:
//
//	assign             -> Owned (owned_at stamped)
//	release            -> Free (owner cleared)
//	staff              -> previous ownership restored (Owned or Free)
//	staff release      -> Free (owner cleared)
//
// The actor and event type describe who authorized the pulse.
func (m *Manager) PulseSucceeded(ctx context.Context, kioskID string, lockerID int, intent Intent, actor string, details map[string]any) (*store.Locker, error) {
	return m.transition(ctx, kioskID, lockerID, func(l *store.Locker) (store.EventType, string, error) {
		if l.Status != store.LockerOpening {
			return "", "", transitionError(l.Status, "pulse result")
		}

		switch intent {
		case IntentAssign:
			// The rfid_assign event was written when the locker was
			// claimed; the pulse outcome only settles the state.
			now := m.now().UTC()
			l.Status = store.LockerOwned
			l.OwnedAt = &now
			l.ReservedAt = nil
			return "", actor, nil

		case IntentRelease:
			clearOwner(l)
			return store.EventRFIDRelease, actor, nil

		case IntentStaffRelease:
			clearOwner(l)
			return store.EventStaffOpen, actor, nil

		case IntentStaff:
			// Ownership preserved: owner fields decide the landing state.
			if l.Owned() && l.OwnerType != store.OwnerNone && l.OwnedAt != nil {
				l.Status = store.LockerOwned
			} else if l.Owned() && l.ReservedAt != nil {
				l.Status = store.LockerReserved
			} else {
				clearOwner(l)
			}
			return store.EventStaffOpen, actor, nil

		default:
			return "", "", fmt.Errorf("unknown intent %d", intent)
		}
	}, details)
}

// PulseFailed resolves an Opening locker after the hardware gave up.
// Opening -> Error. The locker stays attributed to its owner for audit;
// staff clears the error once the hardware is serviced.
func (m *Manager) PulseFailed(ctx context.Context, kioskID string, lockerID int, actor, cause string) (*store.Locker, error) {
	return m.transition(ctx, kioskID, lockerID, func(l *store.Locker) (store.EventType, string, error) {
		if l.Status != store.LockerOpening {
			return "", "", transitionError(l.Status, "pulse failure")
		}
		l.Status = store.LockerError
		return store.EventHardwareError, actor, nil
	}, map[string]any{"cause": cause})
}

// Block puts a locker out of service. Any state except Blocked -> Blocked.
// Owner fields are cleared; the event details preserve the prior owner for
// audit.
func (m *Manager) Block(ctx context.Context, kioskID string, lockerID int, staffUser, reason string) (*store.Locker, error) {
	var result *store.Locker
	err := m.store.Transaction(ctx, func(tx store.Tx) error {
		l, err := m.store.GetLockerTx(tx, kioskID, lockerID)
		if err != nil {
			return err
		}
		if l.Status == store.LockerBlocked {
			return ErrConflict
		}

		details := map[string]any{"reason": reason}
		if l.OwnerKey != nil {
			details["prior_owner"] = *l.OwnerKey
			details["prior_owner_type"] = string(l.OwnerType)
		}

		readVersion := l.Version
		clearOwner(l)
		l.Status = store.LockerBlocked

		if err := m.store.UpdateLockerTx(tx, l, readVersion); err != nil {
			return mapVersionConflict(err)
		}
		if err := m.store.AppendEventTx(tx, &store.Event{
			KioskID:  kioskID,
			LockerID: &l.LockerID,
			Type:     store.EventBlock,
			Actor:    staffUser,
			Details:  store.EventDetails(details),
		}); err != nil {
			return err
		}
		result = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Unblock returns a Blocked locker to service. Blocked -> Free for
// ordinary lockers. A VIP locker is restored to its contract holder
// instead, since VIP lockers never sit in the free pool.
func (m *Manager) Unblock(ctx context.Context, kioskID string, lockerID int, staffUser string) (*store.Locker, error) {
	var result *store.Locker
	err := m.store.Transaction(ctx, func(tx store.Tx) error {
		l, err := m.store.GetLockerTx(tx, kioskID, lockerID)
		if err != nil {
			return err
		}
		if l.Status != store.LockerBlocked {
			return transitionError(l.Status, "unblock")
		}

		readVersion := l.Version
		clearOwner(l)
		if l.IsVIP {
			contract, err := m.store.GetActiveContractForLockerTx(tx, kioskID, lockerID)
			if err == nil {
				now := m.now().UTC()
				l.Status = store.LockerOwned
				l.OwnerType = store.OwnerVIP
				l.OwnerKey = &contract.OwnerKey
				l.OwnedAt = &now
			} else if !errors.Is(err, store.ErrContractNotFound) {
				return err
			}
		}

		if err := m.store.UpdateLockerTx(tx, l, readVersion); err != nil {
			return mapVersionConflict(err)
		}
		if err := m.store.AppendEventTx(tx, &store.Event{
			KioskID:  kioskID,
			LockerID: &l.LockerID,
			Type:     store.EventUnblock,
			Actor:    staffUser,
		}); err != nil {
			return err
		}
		result = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ClearError returns an Error locker to Free after staff intervention.
func (m *Manager) ClearError(ctx context.Context, kioskID string, lockerID int, staffUser string) (*store.Locker, error) {
	return m.transition(ctx, kioskID, lockerID, func(l *store.Locker) (store.EventType, string, error) {
		if l.Status != store.LockerError {
			return "", "", transitionError(l.Status, "clear error")
		}
		clearOwner(l)
		return store.EventErrorCleared, staffUser, nil
	})
}

// transitionFunc inspects and mutates a locker in place. It returns the
// event type to append ("" for none) and the acting principal.
type transitionFunc func(l *store.Locker) (store.EventType, string, error)

// transition is the shared skeleton: read, guard+mutate, conditional
// write, event append, all in one transaction.
func (m *Manager) transition(ctx context.Context, kioskID string, lockerID int, fn transitionFunc, details ...map[string]any) (*store.Locker, error) {
	var result *store.Locker
	err := m.store.Transaction(ctx, func(tx store.Tx) error {
		l, err := m.store.GetLockerTx(tx, kioskID, lockerID)
		if err != nil {
			return err
		}

		readVersion := l.Version
		eventType, actor, err := fn(l)
		if err != nil {
			return err
		}

		if err := m.store.UpdateLockerTx(tx, l, readVersion); err != nil {
			return mapVersionConflict(err)
		}

		if eventType != "" {
			var d map[string]any
			if len(details) > 0 {
				d = details[0]
			}
			if actor == "" {
				actor = "system"
			}
			if err := m.store.AppendEventTx(tx, &store.Event{
				KioskID:  kioskID,
				LockerID: &l.LockerID,
				Type:     eventType,
				Actor:    actor,
				Details:  store.EventDetails(d),
			}); err != nil {
				return err
			}
		}

		result = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// clearOwner resets all ownership fields; the locker lands in Free.
func clearOwner(l *store.Locker) {
	l.Status = store.LockerFree
	l.OwnerType = store.OwnerNone
	l.OwnerKey = nil
	l.ReservedAt = nil
	l.OwnedAt = nil
}

func mapVersionConflict(err error) error {
	if errors.Is(err, store.ErrVersionConflict) {
		return ErrConflict
	}
	return err
}

func transitionError(from store.LockerStatus, trigger string) error {
	return fmt.Errorf("%w: %s on %s locker", ErrInvalidTransition, trigger, from)
}

func actorFor(ownerType store.OwnerType, ownerKey string) string {
	if ownerType == store.OwnerDevice {
		return "device:" + ownerKey
	}
	return "rfid:" + ownerKey
}
