package modbus

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownCard means the locker maps to a card address that is not
	// in the configured hardware table. Cards are never provisioned
	// implicitly.
	ErrUnknownCard = errors.New("unknown relay card address")

	// ErrTimeout means no complete response arrived within the read
	// timeout.
	ErrTimeout = errors.New("modbus read timeout")

	// ErrCRC means a response frame arrived with a bad checksum.
	ErrCRC = errors.New("modbus crc mismatch")

	// ErrBadResponse means the response was well-formed but did not
	// match the request (wrong slave, wrong echo, wrong length).
	ErrBadResponse = errors.New("modbus unexpected response")

	// ErrRelayStuck means the OFF frame of a pulse failed after retries
	// and the relay may still be energized.
	ErrRelayStuck = errors.New("relay_stuck_open")

	// ErrPortClosed means the transport has been shut down.
	ErrPortClosed = errors.New("modbus port closed")
)

// ExceptionError is a Modbus exception response (function | 0x80).
type ExceptionError struct {
	Function byte
	Code     byte
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus exception 0x%02x on function 0x%02x", e.Code, e.Function)
}

// Retryable reports whether a frame error is worth resending. Timeouts,
// checksum failures and exception responses can all be transient on a
// shared RS-485 bus.
func Retryable(err error) bool {
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrCRC) || errors.Is(err, ErrBadResponse) {
		return true
	}
	var ex *ExceptionError
	return errors.As(err, &ex)
}

// errorKind buckets a frame error for the metrics counter.
func errorKind(err error) string {
	var ex *ExceptionError
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrCRC):
		return "crc"
	case errors.As(err, &ex):
		return "exception"
	default:
		return "write"
	}
}
