package executor

import "sync"

const guardShards = 16

// Guards serializes hardware access per locker. Two commands on the same
// locker never pulse concurrently even when the queue would allow it;
// the RFID intake shares the same instance so kiosk-local scans contend
// on the same mutexes as queued staff commands.
//
// Mutexes are created lazily and never reclaimed. A kiosk drives a few
// hundred lockers at most, so the map stays small for the process life.
type Guards struct {
	shards [guardShards]guardShard
}

type guardShard struct {
	mu    sync.Mutex
	locks map[int]*sync.Mutex
}

// NewGuards creates an empty guard set.
func NewGuards() *Guards {
	g := &Guards{}
	for i := range g.shards {
		g.shards[i].locks = make(map[int]*sync.Mutex)
	}
	return g
}

// Acquire locks the guard for one locker and returns its release func.
// Callers must release on every exit path, including cancellation.
func (g *Guards) Acquire(lockerID int) func() {
	shard := &g.shards[lockerID%guardShards]

	shard.mu.Lock()
	lock, ok := shard.locks[lockerID]
	if !ok {
		lock = &sync.Mutex{}
		shard.locks[lockerID] = lock
	}
	shard.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
