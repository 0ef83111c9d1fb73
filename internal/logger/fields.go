package logger

// Standard field keys for structured logging.
// Use these consistently across services so the operator can correlate a
// command's lifecycle (panel enqueue, gateway dispatch, kiosk execution,
// hardware pulse) across process boundaries.
const (
	// Command lifecycle
	KeyCommandID   = "command_id"   // idempotency key of a queued command
	KeyCommandType = "command_type" // open_locker, bulk_open, block, unblock
	KeyStatus      = "status"       // command or locker status value
	KeyRetryCount  = "retry_count"  // attempts so far
	KeyDurationMS  = "duration_ms"  // wall-clock execution time

	// Topology
	KeyKioskID  = "kiosk_id"  // room controller identity
	KeyLockerID = "locker_id" // locker position within the kiosk
	KeyZone     = "zone"      // zone id, when zoning is enabled

	// Actors
	KeyActor     = "actor"      // staff user, "system", or "rfid:<uid>"
	KeyStaffUser = "staff_user" // staff username on panel-originated actions
	KeyReason    = "reason"     // free-form reason supplied by staff

	// Hardware
	KeyCardAddress = "card_address" // Modbus slave address
	KeyCoil        = "coil"         // coil address on the relay card
	KeyFunction    = "function"     // Modbus function code
	KeyPort        = "port"         // serial device path

	// Generic
	KeyError    = "error"
	KeyEvent    = "event"    // event type written to the event log
	KeyClientIP = "client_ip"
)
