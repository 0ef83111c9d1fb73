package queue

import (
	"encoding/json"
	"time"

	"github.com/openkiosk/lockerd/pkg/store"
)

// CommandView is the stable command status shape consumed by the panel
// UI. Both the gateway and the panel serve it; the field set and names
// are a contract, not a convenience.
type CommandView struct {
	CommandID   string     `json:"command_id"`
	Status      string     `json:"status"`
	CommandType string     `json:"command_type"`
	LockerID    *int       `json:"locker_id,omitempty"`
	LockerIDs   []int      `json:"locker_ids,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExecutedAt  *time.Time `json:"executed_at"`
	CompletedAt *time.Time `json:"completed_at"`
	DurationMS  *int64     `json:"duration_ms"`
	LastError   *string    `json:"last_error"`
	RetryCount  int        `json:"retry_count"`
}

// NewCommandView projects a command row into the response shape.
func NewCommandView(cmd *store.Command) *CommandView {
	view := &CommandView{
		CommandID:   cmd.CommandID,
		Status:      string(cmd.Status),
		CommandType: string(cmd.Type),
		CreatedAt:   cmd.CreatedAt,
		ExecutedAt:  cmd.ExecutedAt,
		CompletedAt: cmd.CompletedAt,
		DurationMS:  cmd.DurationMS,
		RetryCount:  cmd.RetryCount,
	}
	if cmd.LastError != "" {
		view.LastError = &cmd.LastError
	}

	var payload store.CommandPayload
	if err := json.Unmarshal([]byte(cmd.Payload), &payload); err == nil {
		if len(payload.LockerIDs) > 0 {
			view.LockerIDs = payload.LockerIDs
		} else if payload.LockerID > 0 {
			id := payload.LockerID
			view.LockerID = &id
		}
	}
	return view
}

// NewCommandViews projects a slice of command rows.
func NewCommandViews(cmds []*store.Command) []*CommandView {
	views := make([]*CommandView, 0, len(cmds))
	for _, cmd := range cmds {
		views = append(views, NewCommandView(cmd))
	}
	return views
}
