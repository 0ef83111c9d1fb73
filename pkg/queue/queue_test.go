package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkiosk/lockerd/pkg/store"
)

const testKiosk = "room-1"

func newTestQueue(t *testing.T, config Config) (*Queue, *store.Store, *time.Time) {
	t.Helper()
	s, err := store.Open(store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clock := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	q := New(s, config)
	q.SetClock(func() time.Time { return clock })
	return q, s, &clock
}

func openPayload(lockerID int) store.CommandPayload {
	return store.CommandPayload{LockerID: lockerID, StaffUser: "alice", Reason: "inspection"}
}

func TestEnqueueIdempotency(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t, Config{})

	first, err := q.Enqueue(ctx, testKiosk, store.CommandOpenLocker, openPayload(4), "cmd-1")
	require.NoError(t, err)
	assert.Equal(t, "accepted", first.Status)
	assert.Equal(t, "cmd-1", first.CommandID)

	// Same id, same payload: duplicate carrying the current status.
	dup, err := q.Enqueue(ctx, testKiosk, store.CommandOpenLocker, openPayload(4), "cmd-1")
	require.NoError(t, err)
	assert.Equal(t, "duplicate", dup.Status)
	assert.Equal(t, store.CommandPending, dup.Current)

	// Exactly one row exists.
	pending, err := q.ListPending(ctx, testKiosk, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	// Same id, different payload: conflict.
	_, err = q.Enqueue(ctx, testKiosk, store.CommandOpenLocker, openPayload(5), "cmd-1")
	assert.ErrorIs(t, err, ErrPayloadMismatch)
}

func TestEnqueueGeneratesID(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t, Config{})

	res, err := q.Enqueue(ctx, testKiosk, store.CommandOpenLocker, openPayload(1), "")
	require.NoError(t, err)
	assert.NotEmpty(t, res.CommandID)
	assert.Equal(t, "accepted", res.Status)
}

func TestEnqueueRejectsInvalidType(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t, Config{})

	_, err := q.Enqueue(ctx, testKiosk, store.CommandType("reboot"), store.CommandPayload{}, "")
	assert.Error(t, err)
}

func TestBackpressure(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t, Config{DepthLimit: 10})

	// A bulk command weighs in with its batch size.
	bulk := store.CommandPayload{LockerIDs: []int{1, 2, 3, 4, 5, 6, 7, 8}, StaffUser: "alice"}
	_, err := q.Enqueue(ctx, testKiosk, store.CommandBulkOpen, bulk, "bulk-1")
	require.NoError(t, err)

	depth, err := q.DepthForKiosk(ctx, testKiosk)
	require.NoError(t, err)
	assert.Equal(t, 8, depth)

	// Two more singles fit exactly.
	_, err = q.Enqueue(ctx, testKiosk, store.CommandOpenLocker, openPayload(9), "cmd-9")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, testKiosk, store.CommandOpenLocker, openPayload(10), "cmd-10")
	require.NoError(t, err)

	// The next one trips the limit.
	_, err = q.Enqueue(ctx, testKiosk, store.CommandOpenLocker, openPayload(11), "cmd-11")
	assert.ErrorIs(t, err, ErrQueueFull)

	// Other kiosks are unaffected.
	_, err = q.Enqueue(ctx, "room-2", store.CommandOpenLocker, openPayload(1), "cmd-other")
	assert.NoError(t, err)
}

func TestClaimNextConcurrent(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t, Config{})

	const commands = 5
	for i := 1; i <= commands; i++ {
		_, err := q.Enqueue(ctx, testKiosk, store.CommandOpenLocker,
			openPayload(i), fmt.Sprintf("cmd-%d", i))
		require.NoError(t, err)
	}

	// Race eight claimers over five commands. The conditional update must
	// hand each command to exactly one claimer.
	var (
		mu      sync.Mutex
		claimed []string
		errs    []error
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				cmd, err := q.ClaimNext(ctx, testKiosk)
				if err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
					return
				}
				if cmd == nil {
					return
				}
				mu.Lock()
				claimed = append(claimed, cmd.CommandID)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Empty(t, errs)

	require.Len(t, claimed, commands)
	seen := make(map[string]bool, commands)
	for _, id := range claimed {
		assert.False(t, seen[id], "command %s delivered twice", id)
		seen[id] = true
	}

	// Everything is executing now; nothing remains claimable.
	cmd, err := q.ClaimNext(ctx, testKiosk)
	require.NoError(t, err)
	assert.Nil(t, cmd)
}

func TestFailRetrySchedule(t *testing.T) {
	ctx := context.Background()
	q, _, clock := newTestQueue(t, Config{MaxRetries: 2, BackoffBase: 500 * time.Millisecond})

	_, err := q.Enqueue(ctx, testKiosk, store.CommandOpenLocker, openPayload(1), "cmd-1")
	require.NoError(t, err)

	// First attempt fails retryably: back to pending with backoff.
	claimed, err := q.ClaimNext(ctx, testKiosk)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, q.Fail(ctx, "cmd-1", assert.AnError, true))

	cmd, err := q.Status(ctx, "cmd-1")
	require.NoError(t, err)
	assert.Equal(t, store.CommandPending, cmd.Status)
	assert.Equal(t, 1, cmd.RetryCount)
	assert.True(t, cmd.NextAttemptAt.After(clock.UTC()), "next attempt must be delayed")

	// Not claimable until the backoff lapses.
	claimed, err = q.ClaimNext(ctx, testKiosk)
	require.NoError(t, err)
	assert.Nil(t, claimed)

	*clock = clock.Add(10 * time.Second)
	claimed, err = q.ClaimNext(ctx, testKiosk)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, q.Fail(ctx, "cmd-1", assert.AnError, true))

	// Third failure exhausts MaxRetries=2: terminal.
	*clock = clock.Add(10 * time.Second)
	claimed, err = q.ClaimNext(ctx, testKiosk)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, q.Fail(ctx, "cmd-1", assert.AnError, true))

	cmd, err = q.Status(ctx, "cmd-1")
	require.NoError(t, err)
	assert.Equal(t, store.CommandFailed, cmd.Status)
	assert.Equal(t, 2, cmd.RetryCount)
}

func TestFailNonRetryable(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t, Config{MaxRetries: 3})

	_, err := q.Enqueue(ctx, testKiosk, store.CommandOpenLocker, openPayload(1), "cmd-1")
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx, testKiosk)
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, "cmd-1", assert.AnError, false))

	cmd, err := q.Status(ctx, "cmd-1")
	require.NoError(t, err)
	assert.Equal(t, store.CommandFailed, cmd.Status)
	assert.Equal(t, 0, cmd.RetryCount)
}

func TestBackoffBounds(t *testing.T) {
	base := 500 * time.Millisecond
	cap := 30 * time.Second

	// Jitter is +/-20%, so bound each attempt by 0.79x..1.21x of its
	// exponential step.
	for attempt := 1; attempt <= 10; attempt++ {
		step := base << (attempt - 1)
		if step > cap {
			step = cap
		}
		d := backoff(base, cap, attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0.79*float64(step)), "attempt %d", attempt)
		assert.LessOrEqual(t, d, time.Duration(1.21*float64(step)), "attempt %d", attempt)
	}

	assert.Greater(t, backoff(base, cap, 5), backoff(base, cap, 1),
		"later attempts must back off further before the cap")
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t, Config{})

	_, err := q.Enqueue(ctx, testKiosk, store.CommandOpenLocker, openPayload(1), "cmd-1")
	require.NoError(t, err)
	require.NoError(t, q.Cancel(ctx, "cmd-1"))

	cmd, err := q.Status(ctx, "cmd-1")
	require.NoError(t, err)
	assert.Equal(t, store.CommandCancelled, cmd.Status)

	// Executing commands are not cancellable.
	_, err = q.Enqueue(ctx, testKiosk, store.CommandOpenLocker, openPayload(2), "cmd-2")
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx, testKiosk)
	require.NoError(t, err)
	assert.ErrorIs(t, q.Cancel(ctx, "cmd-2"), ErrNotCancellable)

	assert.ErrorIs(t, q.Cancel(ctx, "no-such"), store.ErrCommandNotFound)
}

func TestRecoverStale(t *testing.T) {
	ctx := context.Background()
	q, _, clock := newTestQueue(t, Config{MaxRetries: 1, StaleThreshold: 30 * time.Second})

	// Two claimed commands, one with retries left, one exhausted.
	_, err := q.Enqueue(ctx, testKiosk, store.CommandOpenLocker, openPayload(1), "cmd-fresh")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, testKiosk, store.CommandOpenLocker, openPayload(2), "cmd-spent")
	require.NoError(t, err)

	_, err = q.ClaimNext(ctx, testKiosk)
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx, testKiosk)
	require.NoError(t, err)

	// Exhaust cmd-spent's retry budget by hand.
	require.NoError(t, q.store.RequeueCommand(ctx, "cmd-spent", clock.UTC(), "attempt 1"))
	claimed, err := q.ClaimNext(ctx, testKiosk)
	require.NoError(t, err)
	require.Equal(t, "cmd-spent", claimed.CommandID)

	// Let both leases lapse.
	*clock = clock.Add(time.Minute)
	requeued, failed, err := q.RecoverStale(ctx, testKiosk)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)
	assert.Equal(t, 1, failed)

	fresh, err := q.Status(ctx, "cmd-fresh")
	require.NoError(t, err)
	assert.Equal(t, store.CommandPending, fresh.Status)
	assert.Equal(t, 1, fresh.RetryCount)
	assert.Equal(t, "stale_lease", fresh.LastError)

	spent, err := q.Status(ctx, "cmd-spent")
	require.NoError(t, err)
	assert.Equal(t, store.CommandFailed, spent.Status)
	assert.Equal(t, "stale_lease", spent.LastError)
}

func TestWaitPendingWakesOnEnqueue(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t, Config{})

	woke := make(chan struct{})
	go func() {
		q.WaitPending(ctx, testKiosk, 5*time.Second)
		close(woke)
	}()

	// Give the waiter time to register before notifying.
	time.Sleep(50 * time.Millisecond)
	_, err := q.Enqueue(ctx, testKiosk, store.CommandOpenLocker, openPayload(1), "cmd-1")
	require.NoError(t, err)

	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("enqueue did not wake the long-poll waiter")
	}
}

func TestCommandView(t *testing.T) {
	ctx := context.Background()
	q, _, clock := newTestQueue(t, Config{})

	bulk := store.CommandPayload{LockerIDs: []int{3, 5}, StaffUser: "alice"}
	_, err := q.Enqueue(ctx, testKiosk, store.CommandBulkOpen, bulk, "cmd-bulk")
	require.NoError(t, err)

	claimed, err := q.ClaimNext(ctx, testKiosk)
	require.NoError(t, err)
	*clock = clock.Add(750 * time.Millisecond)
	require.NoError(t, q.Complete(ctx, claimed.CommandID))

	cmd, err := q.Status(ctx, "cmd-bulk")
	require.NoError(t, err)
	view := NewCommandView(cmd)

	assert.Equal(t, "cmd-bulk", view.CommandID)
	assert.Equal(t, string(store.CommandCompleted), view.Status)
	assert.Equal(t, string(store.CommandBulkOpen), view.CommandType)
	assert.Nil(t, view.LockerID)
	assert.Equal(t, []int{3, 5}, view.LockerIDs)
	require.NotNil(t, view.DurationMS)
	assert.Equal(t, int64(750), *view.DurationMS)
	assert.Nil(t, view.LastError)
}
