// Package rfid handles card and QR intake on the kiosk: uid
// normalization, scan debouncing and dispatch into the state manager.
package rfid

import (
	"errors"
	"strings"
)

// ErrInvalidUID means the scanned value is not a hex card uid.
var ErrInvalidUID = errors.New("invalid card uid")

// NormalizeUID canonicalizes a card uid to uppercase hex with no
// separators. Readers disagree on formatting ("04:A3:1B", "04 a3 1b",
// "04-A3-1B"); owner keys must compare equal regardless.
func NormalizeUID(raw string) (string, error) {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9', r >= 'A' && r <= 'F':
			b.WriteRune(r)
		case r >= 'a' && r <= 'f':
			b.WriteRune(r - 'a' + 'A')
		case r == ':' || r == '-' || r == ' ':
			// separator, skip
		default:
			return "", ErrInvalidUID
		}
	}
	if b.Len() == 0 {
		return "", ErrInvalidUID
	}
	return b.String(), nil
}
