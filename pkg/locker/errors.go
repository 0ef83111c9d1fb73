package locker

import "errors"

// Common errors for locker state transitions.
//
// The RFID-flow errors (ErrAlreadyOwns, ErrNoLockers,
// ErrOwnershipMismatch) surface to the kiosk UI only and are never
// retryable; ErrConflict maps to HTTP 409 on staff surfaces.
var (
	ErrAlreadyOwns       = errors.New("user already owns a locker on this kiosk")
	ErrNoLockers         = errors.New("no free lockers available")
	ErrOwnershipMismatch = errors.New("card does not match locker owner")
	ErrConflict          = errors.New("conflicting transition in progress")
	ErrVIPProtected      = errors.New("locker is VIP protected")
	ErrBlocked           = errors.New("locker is blocked")
	ErrInvalidTransition = errors.New("transition not allowed from current state")
	ErrReservationLapsed = errors.New("reservation window has expired")
)
