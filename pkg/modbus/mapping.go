package modbus

import "fmt"

// Target is the hardware coordinate of one locker: a relay card on the
// bus and a coil on that card.
type Target struct {
	Card byte
	Coil uint16
}

// Mapping resolves logical locker ids to relay coordinates. Each card
// drives 16 channels; lockers are numbered densely across cards, so
// locker 1 is card 1 channel 1 and locker 17 is card 2 channel 1.
type Mapping struct {
	cards map[byte]struct{}
}

// NewMapping builds a mapping over the configured card addresses.
func NewMapping(cards []int) *Mapping {
	m := &Mapping{cards: make(map[byte]struct{}, len(cards))}
	for _, c := range cards {
		if c > 0 && c < 248 {
			m.cards[byte(c)] = struct{}{}
		}
	}
	return m
}

// Resolve maps a locker id to its card and coil. Lockers on cards that
// are not configured fail with ErrUnknownCard rather than being
// provisioned implicitly.
func (m *Mapping) Resolve(lockerID int) (Target, error) {
	if lockerID < 1 {
		return Target{}, fmt.Errorf("locker id %d out of range", lockerID)
	}
	card := byte((lockerID + 15) / 16)
	if _, ok := m.cards[card]; !ok {
		return Target{}, fmt.Errorf("locker %d needs card %d: %w", lockerID, card, ErrUnknownCard)
	}
	channel := ((lockerID - 1) % 16) + 1
	return Target{Card: card, Coil: uint16(channel - 1)}, nil
}

// Channels reports how many lockers the configured cards can drive.
// Heartbeats carry it so the panel can spot misconfigured rooms.
func (m *Mapping) Channels() int {
	return len(m.cards) * 16
}
