package store

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// ============================================
// COMMAND QUEUE OPERATIONS
// ============================================
//
// The command queue package is the sole writer of command rows; these
// repository methods are its storage primitives. The at-most-once claim
// guarantee lives here: ClaimNextCommand transitions pending->executing
// with a conditional UPDATE, so two concurrent claimers can never both
// match the same row.

// CreateCommand inserts a pending command row. Returns
// ErrDuplicateCommand when a row with the same command_id exists.
func (s *Store) CreateCommand(ctx context.Context, c *Command) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.NextAttemptAt.IsZero() {
		c.NextAttemptAt = c.CreatedAt
	}
	if c.Status == "" {
		c.Status = CommandPending
	}
	if err := s.db.WithContext(ctx).Create(c).Error; err != nil {
		return convertDuplicateError(err, ErrDuplicateCommand)
	}
	return nil
}

// GetCommand returns the current snapshot of one command.
func (s *Store) GetCommand(ctx context.Context, commandID string) (*Command, error) {
	return getByFields[Command](s.db, ctx, map[string]any{"command_id": commandID}, ErrCommandNotFound)
}

// ClaimNextCommand atomically selects the oldest due pending command for
// the kiosk and transitions it to executing with executed_at = now.
// Returns nil, nil when nothing is due.
//
// The two-step select-then-conditional-update loops on the rare race
// where another claimer took the selected row first; the conditional
// `status = 'pending'` guard makes double delivery impossible.
func (s *Store) ClaimNextCommand(ctx context.Context, kioskID string, now time.Time) (*Command, error) {
	for {
		var c Command
		err := s.db.WithContext(ctx).
			Where("kiosk_id = ? AND status = ? AND next_attempt_at <= ?", kioskID, CommandPending, now).
			Order("created_at").
			First(&c).Error
		if err != nil {
			if convertNotFoundError(err, ErrCommandNotFound) == ErrCommandNotFound {
				return nil, nil
			}
			return nil, err
		}

		executedAt := now.UTC()
		result := s.db.WithContext(ctx).Model(&Command{}).
			Where("command_id = ? AND status = ?", c.CommandID, CommandPending).
			Updates(map[string]any{
				"status":      CommandExecuting,
				"executed_at": executedAt,
			})
		if result.Error != nil {
			return nil, result.Error
		}
		if result.RowsAffected == 0 {
			// Lost the race for this row; try the next one.
			continue
		}

		c.Status = CommandExecuting
		c.ExecutedAt = &executedAt
		return &c, nil
	}
}

// CompleteCommand marks a command terminal with the given status and
// error text. Idempotent: completing an already-terminal command is a
// no-op success so duplicate dispatch cannot disturb recorded timestamps.
func (s *Store) CompleteCommand(ctx context.Context, commandID string, status CommandStatus, lastError string, now time.Time) error {
	c, err := s.GetCommand(ctx, commandID)
	if err != nil {
		return err
	}
	if c.Status.Terminal() {
		return nil
	}

	completedAt := now.UTC()
	updates := map[string]any{
		"status":       status,
		"completed_at": completedAt,
		"last_error":   lastError,
	}
	if c.ExecutedAt != nil {
		updates["duration_ms"] = completedAt.Sub(*c.ExecutedAt).Milliseconds()
	}

	result := s.db.WithContext(ctx).Model(&Command{}).
		Where("command_id = ? AND status NOT IN ?", commandID,
			[]CommandStatus{CommandCompleted, CommandFailed, CommandCancelled}).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	// Zero rows means a concurrent completion won; that is still success.
	return nil
}

// RequeueCommand returns an executing command to pending for another
// attempt, bumping retry_count and scheduling next_attempt_at.
func (s *Store) RequeueCommand(ctx context.Context, commandID string, nextAttemptAt time.Time, lastError string) error {
	result := s.db.WithContext(ctx).Model(&Command{}).
		Where("command_id = ? AND status = ?", commandID, CommandExecuting).
		Updates(map[string]any{
			"status":          CommandPending,
			"retry_count":     gorm.Expr("retry_count + 1"),
			"next_attempt_at": nextAttemptAt.UTC(),
			"last_error":      lastError,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrCommandTerminal
	}
	return nil
}

// CancelCommand cancels a command, valid only while pending.
func (s *Store) CancelCommand(ctx context.Context, commandID string, now time.Time) error {
	c, err := s.GetCommand(ctx, commandID)
	if err != nil {
		return err
	}
	result := s.db.WithContext(ctx).Model(&Command{}).
		Where("command_id = ? AND status = ?", commandID, CommandPending).
		Updates(map[string]any{
			"status":       CommandCancelled,
			"completed_at": now.UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if c.Status.Terminal() || c.Status == CommandExecuting {
			return ErrCommandTerminal
		}
		return ErrCommandNotFound
	}
	return nil
}

// ListCommandsByKiosk returns the most recent commands for a kiosk.
func (s *Store) ListCommandsByKiosk(ctx context.Context, kioskID string, limit int) ([]*Command, error) {
	var results []*Command
	q := s.db.WithContext(ctx).
		Where("kiosk_id = ?", kioskID).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// ListPendingCommands returns due pending commands for a kiosk in claim
// order, without claiming them. Backs the gateway's non-claiming GET.
func (s *Store) ListPendingCommands(ctx context.Context, kioskID string, limit int, now time.Time) ([]*Command, error) {
	var results []*Command
	q := s.db.WithContext(ctx).
		Where("kiosk_id = ? AND status = ? AND next_attempt_at <= ?", kioskID, CommandPending, now).
		Order("created_at")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// CountPendingForKiosk returns the backpressure depth for a kiosk: the
// number of pending rows with bulk commands weighed by their batch size.
// The batch inflation happens in the queue layer, which has the decoded
// payloads; this counts rows and returns them for weighing.
func (s *Store) ListPendingForDepth(ctx context.Context, kioskID string) ([]*Command, error) {
	return listWhere[Command](s.db, ctx, "",
		"kiosk_id = ? AND status = ?", kioskID, CommandPending)
}

// ListStaleExecuting returns executing commands whose executed_at is older
// than the cutoff. Heartbeat recovery requeues or fails them.
func (s *Store) ListStaleExecuting(ctx context.Context, kioskID string, cutoff time.Time) ([]*Command, error) {
	if kioskID == "" {
		return listWhere[Command](s.db, ctx, "executed_at",
			"status = ? AND executed_at < ?", CommandExecuting, cutoff)
	}
	return listWhere[Command](s.db, ctx, "executed_at",
		"status = ? AND executed_at < ? AND kiosk_id = ?", CommandExecuting, cutoff, kioskID)
}

// FailStaleCommand terminally fails an executing command during stale
// recovery, stamping last_error = "stale_lease".
func (s *Store) FailStaleCommand(ctx context.Context, commandID string, now time.Time) error {
	return s.CompleteCommand(ctx, commandID, CommandFailed, "stale_lease", now)
}
