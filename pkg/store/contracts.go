package store

import (
	"context"
	"time"
)

// ============================================
// VIP CONTRACT OPERATIONS
// ============================================
//
// Contract CRUD beyond state coupling lives in the panel; the core only
// needs lookup plus create/terminate for provisioning and release.

// CreateContract inserts a contract row. The partial unique index on
// (kiosk_id, locker_id) WHERE active rejects a second active contract for
// the same locker.
func (s *Store) CreateContract(ctx context.Context, c *VipContract) error {
	if err := s.db.WithContext(ctx).Create(c).Error; err != nil {
		return convertDuplicateError(err, ErrDuplicateContract)
	}
	return nil
}

// GetContract returns one contract by id.
func (s *Store) GetContract(ctx context.Context, id string) (*VipContract, error) {
	return getByFields[VipContract](s.db, ctx, map[string]any{"id": id}, ErrContractNotFound)
}

// GetActiveContractForLocker returns the active contract bound to a
// locker, if any.
func (s *Store) GetActiveContractForLocker(ctx context.Context, kioskID string, lockerID int) (*VipContract, error) {
	return getByFields[VipContract](s.db, ctx, map[string]any{
		"kiosk_id":  kioskID,
		"locker_id": lockerID,
		"active":    true,
	}, ErrContractNotFound)
}

// GetActiveContractForLockerTx is GetActiveContractForLocker inside an
// open transaction. Lookups made from a transaction callback must use
// this variant: the pooled handle is capped at one connection, which the
// transaction itself holds.
func (s *Store) GetActiveContractForLockerTx(tx Tx, kioskID string, lockerID int) (*VipContract, error) {
	var c VipContract
	err := tx.Where("kiosk_id = ? AND locker_id = ? AND active = ?",
		kioskID, lockerID, true).First(&c).Error
	if err != nil {
		return nil, convertNotFoundError(err, ErrContractNotFound)
	}
	return &c, nil
}

// ListActiveContracts returns all active contracts for a kiosk, used by
// VIP provisioning at startup.
func (s *Store) ListActiveContracts(ctx context.Context, kioskID string) ([]*VipContract, error) {
	return listWhere[VipContract](s.db, ctx, "locker_id",
		"kiosk_id = ? AND active = ?", kioskID, true)
}

// DeactivateContractTx marks a contract inactive inside an open
// transaction, alongside the locker release it triggers.
func (s *Store) DeactivateContractTx(tx Tx, id string) error {
	result := tx.Model(&VipContract{}).
		Where("id = ? AND active = ?", id, true).
		Update("active", false)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrContractNotFound
	}
	return nil
}

// ExpiredContracts returns active contracts whose validity window has
// passed. A maintenance sweep may terminate them.
func (s *Store) ExpiredContracts(ctx context.Context, now time.Time) ([]*VipContract, error) {
	return listWhere[VipContract](s.db, ctx, "valid_to",
		"active = ? AND valid_to < ?", true, now)
}
