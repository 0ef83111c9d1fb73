package store

import "errors"

// Common errors for the persistence layer.
var (
	// Locker errors
	ErrLockerNotFound   = errors.New("locker not found")
	ErrDuplicateLocker  = errors.New("locker already exists")
	ErrVersionConflict  = errors.New("locker modified concurrently")
	ErrLockerReferenced = errors.New("locker is referenced by a non-terminal command")
	ErrLockerNotFree    = errors.New("locker is not free")
	ErrLockerIsVIP      = errors.New("locker is bound to a VIP contract")

	// Command errors
	ErrCommandNotFound  = errors.New("command not found")
	ErrDuplicateCommand = errors.New("command already exists")
	ErrCommandTerminal  = errors.New("command is already terminal")

	// Heartbeat errors
	ErrKioskNotFound = errors.New("kiosk not found")

	// Contract errors
	ErrContractNotFound  = errors.New("vip contract not found")
	ErrDuplicateContract = errors.New("vip contract already exists")

	// Migration errors. Both abort startup; a drifted migration must be
	// reconciled by the operator, never rewritten by the process.
	ErrMigrationDrift = errors.New("applied migration checksum differs from shipped file")
	ErrMigrationOrder = errors.New("migration versions are not strictly monotonic")
)
