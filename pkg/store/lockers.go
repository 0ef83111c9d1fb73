package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ============================================
// LOCKER OPERATIONS
// ============================================
//
// The locker state manager is the sole writer of locker rows. All writes
// go through UpdateLockerTx, which implements optimistic concurrency on
// the version column: the conditional update matches zero rows when a
// concurrent transition won, and the caller receives ErrVersionConflict.

// GetLocker returns one locker by its composite identity.
func (s *Store) GetLocker(ctx context.Context, kioskID string, lockerID int) (*Locker, error) {
	return getByFields[Locker](s.db, ctx,
		map[string]any{"kiosk_id": kioskID, "locker_id": lockerID}, ErrLockerNotFound)
}

// GetLockerTx is GetLocker inside an open transaction.
func (s *Store) GetLockerTx(tx Tx, kioskID string, lockerID int) (*Locker, error) {
	var l Locker
	err := tx.Where("kiosk_id = ? AND locker_id = ?", kioskID, lockerID).First(&l).Error
	if err != nil {
		return nil, convertNotFoundError(err, ErrLockerNotFound)
	}
	return &l, nil
}

// ListLockers returns all lockers of a kiosk ordered by id.
func (s *Store) ListLockers(ctx context.Context, kioskID string) ([]*Locker, error) {
	return listWhere[Locker](s.db, ctx, "locker_id", "kiosk_id = ?", kioskID)
}

// ListLockersByStatus returns a kiosk's lockers in the given status.
func (s *Store) ListLockersByStatus(ctx context.Context, kioskID string, status LockerStatus) ([]*Locker, error) {
	return listWhere[Locker](s.db, ctx, "locker_id",
		"kiosk_id = ? AND status = ?", kioskID, status)
}

// FindFreeLockerTx returns the lowest-numbered free non-VIP locker of a
// kiosk, or ErrLockerNotFound when the free pool is empty.
func (s *Store) FindFreeLockerTx(tx Tx, kioskID string) (*Locker, error) {
	var l Locker
	err := tx.Where("kiosk_id = ? AND status = ? AND is_vip = ?", kioskID, LockerFree, false).
		Order("locker_id").
		First(&l).Error
	if err != nil {
		return nil, convertNotFoundError(err, ErrLockerNotFound)
	}
	return &l, nil
}

// FindLockerByOwnerTx returns the locker currently held by owner_key on a
// kiosk, considering only states that denote a live ownership claim.
func (s *Store) FindLockerByOwnerTx(tx Tx, kioskID, ownerKey string) (*Locker, error) {
	var l Locker
	err := tx.Where(
		"kiosk_id = ? AND owner_key = ? AND status IN ?",
		kioskID, ownerKey,
		[]LockerStatus{LockerOwned, LockerOpening, LockerReserved},
	).First(&l).Error
	if err != nil {
		return nil, convertNotFoundError(err, ErrLockerNotFound)
	}
	return &l, nil
}

// ListReservedBefore returns lockers still Reserved whose reservation
// started before the cutoff. The reservation sweeper releases them.
func (s *Store) ListReservedBefore(ctx context.Context, cutoff time.Time) ([]*Locker, error) {
	return listWhere[Locker](s.db, ctx, "kiosk_id, locker_id",
		"status = ? AND reserved_at < ?", LockerReserved, cutoff)
}

// ListOwnedBefore returns non-VIP lockers Owned since before the cutoff.
// Used by the auto-release sweeper when lockers.auto_release_hours is set.
func (s *Store) ListOwnedBefore(ctx context.Context, cutoff time.Time) ([]*Locker, error) {
	return listWhere[Locker](s.db, ctx, "kiosk_id, locker_id",
		"status = ? AND is_vip = ? AND owned_at < ?", LockerOwned, false, cutoff)
}

// ListOpening returns all lockers stuck in Opening, used by crash
// recovery, which turns unverifiable ones into Error.
func (s *Store) ListOpening(ctx context.Context, kioskID string) ([]*Locker, error) {
	return listWhere[Locker](s.db, ctx, "locker_id",
		"kiosk_id = ? AND status = ?", kioskID, LockerOpening)
}

// CreateLockerTx inserts a freshly provisioned locker row.
func (s *Store) CreateLockerTx(tx Tx, l *Locker) error {
	now := time.Now().UTC()
	l.CreatedAt = now
	l.UpdatedAt = now
	if l.Status == "" {
		l.Status = LockerFree
	}
	if l.OwnerType == "" {
		l.OwnerType = OwnerNone
	}
	if err := tx.Create(l).Error; err != nil {
		return convertDuplicateError(err, ErrDuplicateLocker)
	}
	return nil
}

// CountLockers returns the number of provisioned lockers for a kiosk.
func (s *Store) CountLockers(ctx context.Context, kioskID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Locker{}).
		Where("kiosk_id = ?", kioskID).Count(&n).Error
	return n, err
}

// UpdateLockerTx writes back a mutated locker row guarded by the version
// it was read at. The update bumps version by one; when the guard matches
// zero rows a concurrent transition won and ErrVersionConflict surfaces.
func (s *Store) UpdateLockerTx(tx Tx, l *Locker, readVersion int64) error {
	l.UpdatedAt = time.Now().UTC()
	l.Version = readVersion + 1

	result := tx.Model(&Locker{}).
		Where("kiosk_id = ? AND locker_id = ? AND version = ?", l.KioskID, l.LockerID, readVersion).
		Select("status", "owner_type", "owner_key", "reserved_at", "owned_at",
			"is_vip", "display_name", "version", "updated_at").
		Updates(l)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// DeleteLocker decommissions a locker. Refused unless the locker is Free,
// not VIP, and unreferenced by any non-terminal command.
func (s *Store) DeleteLocker(ctx context.Context, kioskID string, lockerID int) error {
	return s.Transaction(ctx, func(tx Tx) error {
		l, err := s.GetLockerTx(tx, kioskID, lockerID)
		if err != nil {
			return err
		}
		if l.IsVIP {
			return ErrLockerIsVIP
		}
		if l.Status != LockerFree {
			return ErrLockerNotFree
		}

		referenced, err := s.lockerReferencedTx(tx, kioskID, lockerID)
		if err != nil {
			return err
		}
		if referenced {
			return ErrLockerReferenced
		}

		return tx.Where("kiosk_id = ? AND locker_id = ?", kioskID, lockerID).
			Delete(&Locker{}).Error
	})
}

// lockerReferencedTx reports whether any non-terminal command references
// the locker. Single-locker payloads are matched on the exact JSON value,
// terminated by a comma or the closing brace, so locker 7 never matches
// locker 70. Bulk payloads are matched conservatively: any in-flight bulk
// command on the kiosk blocks decommissioning.
func (s *Store) lockerReferencedTx(tx Tx, kioskID string, lockerID int) (bool, error) {
	var n int64
	err := tx.Model(&Command{}).
		Where("kiosk_id = ? AND status IN ?", kioskID,
			[]CommandStatus{CommandPending, CommandExecuting}).
		Where(
			tx.Where("payload LIKE ?", fmt.Sprintf(`%%"locker_id":%d,%%`, lockerID)).
				Or("payload LIKE ?", fmt.Sprintf(`%%"locker_id":%d}%%`, lockerID)).
				Or("payload LIKE ?", `%"locker_ids":%`),
		).
		Count(&n).Error
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ProvisionLockers creates any missing locker rows for a kiosk up to
// channelCount, leaving existing rows untouched. Called when a kiosk first
// announces its channel count.
func (s *Store) ProvisionLockers(ctx context.Context, kioskID string, channelCount int) (created int, err error) {
	err = s.Transaction(ctx, func(tx Tx) error {
		for id := 1; id <= channelCount; id++ {
			var existing Locker
			err := tx.Where("kiosk_id = ? AND locker_id = ?", kioskID, id).First(&existing).Error
			if err == nil {
				continue
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			if err := s.CreateLockerTx(tx, &Locker{KioskID: kioskID, LockerID: id}); err != nil {
				return err
			}
			created++
		}
		return nil
	})
	return created, err
}
