package queue

import "errors"

// Common errors for the command queue.
var (
	// ErrPayloadMismatch: a command_id was re-enqueued with a payload
	// that differs from the stored row. The caller gets 409.
	ErrPayloadMismatch = errors.New("duplicate command_id with differing payload")

	// ErrQueueFull: the per-kiosk backpressure threshold is exceeded.
	// The caller gets 429.
	ErrQueueFull = errors.New("command queue depth limit exceeded for kiosk")

	// ErrNotCancellable: cancel was called on a row that already left
	// pending.
	ErrNotCancellable = errors.New("command is no longer cancellable")
)
