package api

import (
	"fmt"
	"sync"
	"time"
)

// dedupe remembers recent single-locker opens so a double-clicked
// button resolves to the already-enqueued command instead of a second
// pulse.
type dedupe struct {
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]dedupeEntry
}

type dedupeEntry struct {
	commandID string
	at        time.Time
}

func newDedupe(window time.Duration) *dedupe {
	return &dedupe{
		window:  window,
		now:     time.Now,
		entries: make(map[string]dedupeEntry),
	}
}

func dedupeKey(kioskID string, lockerID int) string {
	return fmt.Sprintf("%s/%d", kioskID, lockerID)
}

// check returns the still-fresh command id for the pair, if any.
func (d *dedupe) check(kioskID string, lockerID int) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := dedupeKey(kioskID, lockerID)
	entry, ok := d.entries[key]
	if !ok || d.now().Sub(entry.at) >= d.window {
		delete(d.entries, key)
		return "", false
	}
	return entry.commandID, true
}

// record stores the enqueued command and prunes expired entries so the
// map does not grow with the locker count over a shift.
func (d *dedupe) record(kioskID string, lockerID int, commandID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for key, entry := range d.entries {
		if now.Sub(entry.at) >= d.window {
			delete(d.entries, key)
		}
	}
	d.entries[dedupeKey(kioskID, lockerID)] = dedupeEntry{commandID: commandID, at: now}
}
