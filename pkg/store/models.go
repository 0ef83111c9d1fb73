package store

import (
	"time"

	"gorm.io/gorm"
)

// LockerStatus is the canonical locker state enum. Storage uses these
// values verbatim; display localization happens in the UI, never here.
type LockerStatus string

const (
	LockerFree     LockerStatus = "free"
	LockerReserved LockerStatus = "reserved"
	LockerOwned    LockerStatus = "owned"
	LockerOpening  LockerStatus = "opening"
	LockerBlocked  LockerStatus = "blocked"
	LockerError    LockerStatus = "error"
)

// Valid reports whether s is one of the canonical status values.
func (s LockerStatus) Valid() bool {
	switch s {
	case LockerFree, LockerReserved, LockerOwned, LockerOpening, LockerBlocked, LockerError:
		return true
	}
	return false
}

// OwnerType identifies who holds a locker.
type OwnerType string

const (
	OwnerNone   OwnerType = "none"
	OwnerRFID   OwnerType = "rfid"
	OwnerDevice OwnerType = "device"
	OwnerVIP    OwnerType = "vip"
)

// Locker is one cabinet position, addressed by (KioskID, LockerID) and
// mapped to one relay channel.
//
// Invariants enforced by the state manager inside store transactions:
//   - status free implies no owner fields set
//   - status reserved/owned/opening implies owner type and key set
//   - at most one non-free locker per (kiosk_id, owner_key) for rfid owners
//   - VIP lockers never transition to free except by contract termination
type Locker struct {
	KioskID     string       `gorm:"column:kiosk_id;primaryKey" json:"kiosk_id"`
	LockerID    int          `gorm:"column:locker_id;primaryKey" json:"locker_id"`
	Status      LockerStatus `gorm:"column:status" json:"status"`
	OwnerType   OwnerType    `gorm:"column:owner_type" json:"owner_type"`
	OwnerKey    *string      `gorm:"column:owner_key" json:"owner_key,omitempty"`
	ReservedAt  *time.Time   `gorm:"column:reserved_at" json:"reserved_at,omitempty"`
	OwnedAt     *time.Time   `gorm:"column:owned_at" json:"owned_at,omitempty"`
	IsVIP       bool         `gorm:"column:is_vip" json:"is_vip"`
	DisplayName string       `gorm:"column:display_name" json:"display_name,omitempty"`

	// Version is the optimistic-concurrency counter. Every successful
	// transition bumps it; a stale writer's conditional update matches
	// zero rows and surfaces ErrVersionConflict.
	Version int64 `gorm:"column:version" json:"version"`

	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

// TableName overrides the GORM default.
func (Locker) TableName() string { return "lockers" }

// Owned reports whether the locker currently has an owner attached.
func (l *Locker) Owned() bool {
	return l.OwnerType != OwnerNone && l.OwnerKey != nil
}

// EventType enumerates entries of the append-only event log.
type EventType string

const (
	EventRFIDAssign         EventType = "rfid_assign"
	EventRFIDRelease        EventType = "rfid_release"
	EventStaffOpen          EventType = "staff_open"
	EventBulkOpen           EventType = "bulk_open"
	EventBlock              EventType = "block"
	EventUnblock            EventType = "unblock"
	EventVIPAssign          EventType = "vip_assign"
	EventVIPRelease         EventType = "vip_release"
	EventRestart            EventType = "restart"
	EventCommandFailed      EventType = "command_failed"
	EventHardwareError      EventType = "hardware_error"
	EventReservationExpired EventType = "reservation_expired"
	EventAutoRelease        EventType = "auto_release"
	EventErrorCleared       EventType = "error_cleared"
)

// Event is one immutable row of the audit log. LockerID is nil for
// system-level events such as restarts.
type Event struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Timestamp time.Time `gorm:"column:timestamp" json:"timestamp"`
	KioskID   string    `gorm:"column:kiosk_id" json:"kiosk_id"`
	LockerID  *int      `gorm:"column:locker_id" json:"locker_id,omitempty"`
	Type      EventType `gorm:"column:type" json:"type"`
	Actor     string    `gorm:"column:actor" json:"actor"`
	Details   string    `gorm:"column:details" json:"details,omitempty"` // JSON blob
}

// TableName overrides the GORM default.
func (Event) TableName() string { return "events" }

// CommandStatus is the lifecycle state of a queued command.
type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandExecuting CommandStatus = "executing"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
	CommandCancelled CommandStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal commands are
// never reopened.
func (s CommandStatus) Terminal() bool {
	switch s {
	case CommandCompleted, CommandFailed, CommandCancelled:
		return true
	}
	return false
}

// CommandType enumerates the staff actions that travel through the queue.
type CommandType string

const (
	CommandOpenLocker CommandType = "open_locker"
	CommandBulkOpen   CommandType = "bulk_open"
	CommandBlock      CommandType = "block"
	CommandUnblock    CommandType = "unblock"
)

// Valid reports whether t names a known command type.
func (t CommandType) Valid() bool {
	switch t {
	case CommandOpenLocker, CommandBulkOpen, CommandBlock, CommandUnblock:
		return true
	}
	return false
}

// Command is one durable row of the cross-service queue. CommandID is the
// externally supplied idempotency key; exactly one row exists per key.
type Command struct {
	CommandID string        `gorm:"column:command_id;primaryKey" json:"command_id"`
	KioskID   string        `gorm:"column:kiosk_id" json:"kiosk_id"`
	Type      CommandType   `gorm:"column:type" json:"command_type"`
	Payload   string        `gorm:"column:payload" json:"payload"` // JSON-encoded CommandPayload
	Status    CommandStatus `gorm:"column:status" json:"status"`

	CreatedAt     time.Time  `gorm:"column:created_at" json:"created_at"`
	NextAttemptAt time.Time  `gorm:"column:next_attempt_at" json:"next_attempt_at"`
	ExecutedAt    *time.Time `gorm:"column:executed_at" json:"executed_at"`
	CompletedAt   *time.Time `gorm:"column:completed_at" json:"completed_at"`

	LastError  string `gorm:"column:last_error" json:"last_error,omitempty"`
	RetryCount int    `gorm:"column:retry_count" json:"retry_count"`
	MaxRetries int    `gorm:"column:max_retries" json:"max_retries"`
	DurationMS *int64 `gorm:"column:duration_ms" json:"duration_ms"`
}

// TableName overrides the GORM default.
func (Command) TableName() string { return "command_queue" }

// CommandPayload is the JSON body stored in Command.Payload.
// LockerID is set for single-locker commands, LockerIDs for bulk opens.
type CommandPayload struct {
	LockerID   int    `json:"locker_id,omitempty"`
	LockerIDs  []int  `json:"locker_ids,omitempty"`
	StaffUser  string `json:"staff_user,omitempty"`
	Reason     string `json:"reason,omitempty"`
	IntervalMS int    `json:"interval_ms,omitempty"`
	ExcludeVIP bool   `json:"exclude_vip,omitempty"`
	Override   bool   `json:"override,omitempty"`
}

// BatchSize returns the number of lockers the command touches. Used by the
// queue's backpressure check, which weighs bulk commands by batch size.
func (p *CommandPayload) BatchSize() int {
	if len(p.LockerIDs) > 0 {
		return len(p.LockerIDs)
	}
	return 1
}

// KioskStatus is the liveness classification of a kiosk.
type KioskStatus string

const (
	KioskOnline   KioskStatus = "online"
	KioskDegraded KioskStatus = "degraded"
	KioskOffline  KioskStatus = "offline"
)

// KioskHeartbeat is the last known liveness row per kiosk. Rows are
// upserted on every heartbeat; history lives in the event log.
type KioskHeartbeat struct {
	KioskID      string     `gorm:"column:kiosk_id;primaryKey" json:"kiosk_id"`
	LastSeen     time.Time  `gorm:"column:last_seen" json:"last_seen"`
	Version      string     `gorm:"column:version" json:"version"`
	Zone         string     `gorm:"column:zone" json:"zone,omitempty"`
	ChannelCount int        `gorm:"column:channel_count" json:"channel_count"`
	HardwareOK   bool       `gorm:"column:hardware_ok" json:"hardware_ok"`
	LastCommand  *time.Time `gorm:"column:last_command_at" json:"last_command_at,omitempty"`
}

// TableName overrides the GORM default.
func (KioskHeartbeat) TableName() string { return "kiosk_heartbeat" }

// VipContract couples a locker to a contract holder. An active contract
// keeps the locker owned with OwnerVIP; termination releases it.
type VipContract struct {
	ID        string    `gorm:"column:id;primaryKey" json:"id"`
	KioskID   string    `gorm:"column:kiosk_id" json:"kiosk_id"`
	LockerID  int       `gorm:"column:locker_id" json:"locker_id"`
	OwnerKey  string    `gorm:"column:owner_key" json:"owner_key"`
	ValidFrom time.Time `gorm:"column:valid_from" json:"valid_from"`
	ValidTo   time.Time `gorm:"column:valid_to" json:"valid_to"`
	Active    bool      `gorm:"column:active" json:"active"`
}

// TableName overrides the GORM default.
func (VipContract) TableName() string { return "vip_contracts" }

// SchemaMigration records one applied migration together with the SHA-256
// of its content. Startup verifies recorded checksums against the shipped
// files and refuses to run on drift.
type SchemaMigration struct {
	Version   int       `gorm:"column:version;primaryKey" json:"version"`
	Filename  string    `gorm:"column:filename" json:"filename"`
	Checksum  string    `gorm:"column:checksum" json:"checksum"`
	AppliedAt time.Time `gorm:"column:applied_at" json:"applied_at"`
}

// TableName overrides the GORM default.
func (SchemaMigration) TableName() string { return "schema_migrations" }

// Tx is the handle repositories use inside a transaction callback.
type Tx = *gorm.DB
