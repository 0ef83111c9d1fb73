package locker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openkiosk/lockerd/internal/logger"
	"github.com/openkiosk/lockerd/pkg/store"
)

// ============================================
// VIP CONTRACT COUPLING
// ============================================
//
// Contract CRUD lives outside the core; the state manager only owns the
// coupling between an active contract and its locker's state.

// BindContract attaches an active contract to its locker: the locker
// becomes Owned with owner_type vip and leaves the free pool. The locker
// must be Free (or already bound to the same contract, which is a no-op).
func (m *Manager) BindContract(ctx context.Context, c *store.VipContract) error {
	return m.store.Transaction(ctx, func(tx store.Tx) error {
		l, err := m.store.GetLockerTx(tx, c.KioskID, c.LockerID)
		if err != nil {
			return err
		}

		if l.IsVIP && l.OwnerKey != nil && *l.OwnerKey == c.OwnerKey {
			return nil
		}
		if l.Status != store.LockerFree {
			return fmt.Errorf("%w: locker %d is %s", ErrConflict, c.LockerID, l.Status)
		}

		now := m.now().UTC()
		readVersion := l.Version
		l.Status = store.LockerOwned
		l.OwnerType = store.OwnerVIP
		l.OwnerKey = &c.OwnerKey
		l.OwnedAt = &now
		l.IsVIP = true

		if err := m.store.UpdateLockerTx(tx, l, readVersion); err != nil {
			return mapVersionConflict(err)
		}
		return m.store.AppendEventTx(tx, &store.Event{
			KioskID:  c.KioskID,
			LockerID: &c.LockerID,
			Type:     store.EventVIPAssign,
			Actor:    "system",
			Details:  store.EventDetails(map[string]any{"contract_id": c.ID}),
		})
	})
}

// TerminateContract deactivates a contract and releases its locker to the
// free pool. This is the only path by which a VIP locker becomes Free.
func (m *Manager) TerminateContract(ctx context.Context, contractID, staffUser string) error {
	contract, err := m.store.GetContract(ctx, contractID)
	if err != nil {
		return err
	}

	return m.store.Transaction(ctx, func(tx store.Tx) error {
		if err := m.store.DeactivateContractTx(tx, contractID); err != nil {
			return err
		}

		l, err := m.store.GetLockerTx(tx, contract.KioskID, contract.LockerID)
		if err != nil {
			return err
		}

		readVersion := l.Version
		clearOwner(l)
		l.IsVIP = false

		if err := m.store.UpdateLockerTx(tx, l, readVersion); err != nil {
			return mapVersionConflict(err)
		}
		return m.store.AppendEventTx(tx, &store.Event{
			KioskID:  contract.KioskID,
			LockerID: &contract.LockerID,
			Type:     store.EventVIPRelease,
			Actor:    staffUser,
			Details:  store.EventDetails(map[string]any{"contract_id": contractID}),
		})
	})
}

// ProvisionVIP binds all active contracts of a kiosk to their lockers.
// Called at kiosk startup after locker provisioning; lockers already in a
// non-Free state are skipped with a warning instead of failing startup.
func (m *Manager) ProvisionVIP(ctx context.Context, kioskID string) error {
	contracts, err := m.store.ListActiveContracts(ctx, kioskID)
	if err != nil {
		return err
	}
	now := m.now().UTC()
	for _, c := range contracts {
		if !contractWindowContains(c, now) {
			continue
		}
		if err := m.BindContract(ctx, c); err != nil {
			if errors.Is(err, ErrConflict) {
				logger.Warn("VIP contract locker not free, skipping bind",
					logger.KeyKioskID, kioskID, logger.KeyLockerID, c.LockerID,
					"contract_id", c.ID)
				continue
			}
			return err
		}
	}
	return nil
}

// contractWindowContains reports whether t falls inside the contract's
// validity window.
func contractWindowContains(c *store.VipContract, t time.Time) bool {
	return !t.Before(c.ValidFrom) && !t.After(c.ValidTo)
}
