package store

import (
	"context"
	"encoding/json"
	"time"
)

// ============================================
// EVENT LOG OPERATIONS
// ============================================
//
// Events are append-only. State transitions write their event inside the
// same transaction as the locker update, so the log and the state can
// never disagree about what happened.

// AppendEventTx inserts one event inside an open transaction.
func (s *Store) AppendEventTx(tx Tx, e *Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return tx.Create(e).Error
}

// AppendEvent inserts one event in its own transaction. Used for events
// that do not accompany a state transition (restarts, command failures).
func (s *Store) AppendEvent(ctx context.Context, e *Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(e).Error
}

// ListEvents returns recent events for a kiosk, newest first.
func (s *Store) ListEvents(ctx context.Context, kioskID string, limit int) ([]*Event, error) {
	var results []*Event
	q := s.db.WithContext(ctx).Order("id DESC")
	if kioskID != "" {
		q = q.Where("kiosk_id = ?", kioskID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// ListLockerEvents returns events for one locker, newest first.
func (s *Store) ListLockerEvents(ctx context.Context, kioskID string, lockerID int, limit int) ([]*Event, error) {
	var results []*Event
	q := s.db.WithContext(ctx).
		Where("kiosk_id = ? AND locker_id = ?", kioskID, lockerID).
		Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// EventDetails marshals a details map into the JSON blob stored on an
// event row. Marshal failures degrade to an empty blob rather than losing
// the event.
func EventDetails(details map[string]any) string {
	if len(details) == 0 {
		return ""
	}
	b, err := json.Marshal(details)
	if err != nil {
		return ""
	}
	return string(b)
}
