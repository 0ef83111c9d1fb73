package store

import (
	"context"
	"time"

	"gorm.io/gorm/clause"
)

// ============================================
// HEARTBEAT OPERATIONS
// ============================================

// UpsertHeartbeat records a kiosk heartbeat, inserting or replacing the
// single row per kiosk.
func (s *Store) UpsertHeartbeat(ctx context.Context, hb *KioskHeartbeat) error {
	if hb.LastSeen.IsZero() {
		hb.LastSeen = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "kiosk_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"last_seen", "version", "zone", "channel_count", "hardware_ok", "last_command_at",
		}),
	}).Create(hb).Error
}

// GetHeartbeat returns the last heartbeat row for a kiosk.
func (s *Store) GetHeartbeat(ctx context.Context, kioskID string) (*KioskHeartbeat, error) {
	return getByFields[KioskHeartbeat](s.db, ctx, map[string]any{"kiosk_id": kioskID}, ErrKioskNotFound)
}

// ListHeartbeats returns all known kiosks' heartbeat rows.
func (s *Store) ListHeartbeats(ctx context.Context) ([]*KioskHeartbeat, error) {
	return listWhere[KioskHeartbeat](s.db, ctx, "kiosk_id", "")
}
