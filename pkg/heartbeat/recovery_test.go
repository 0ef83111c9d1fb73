package heartbeat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkiosk/lockerd/pkg/locker"
	"github.com/openkiosk/lockerd/pkg/queue"
	"github.com/openkiosk/lockerd/pkg/store"
)

type recoveryFixture struct {
	store    *store.Store
	queue    *queue.Queue
	manager  *locker.Manager
	recovery *Recovery
	clock    *time.Time
}

func newRecoveryFixture(t *testing.T) *recoveryFixture {
	t.Helper()
	s, err := store.Open(store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clock := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }

	q := queue.New(s, queue.Config{StaleThreshold: 30 * time.Second})
	q.SetClock(now)
	m := locker.NewManager(s, locker.Config{ReservationWindow: 90 * time.Second})
	m.SetClock(now)

	return &recoveryFixture{
		store:    s,
		queue:    q,
		manager:  m,
		recovery: NewRecovery(s, q, m, Config{}),
		clock:    &clock,
	}
}

func TestOnKioskStartup(t *testing.T) {
	ctx := context.Background()
	f := newRecoveryFixture(t)

	_, err := f.store.ProvisionLockers(ctx, "room-1", 4)
	require.NoError(t, err)

	// A command claimed before the crash holds a stale lease.
	_, err = f.queue.Enqueue(ctx, "room-1", store.CommandOpenLocker,
		store.CommandPayload{LockerID: 2, StaffUser: "alice"}, "cmd-1")
	require.NoError(t, err)
	claimed, err := f.queue.ClaimNext(ctx, "room-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// A locker left mid-pulse has unknown relay state.
	_, err = f.manager.BeginStaffOpen(ctx, "room-1", 1, false)
	require.NoError(t, err)

	*f.clock = f.clock.Add(5 * time.Minute)
	require.NoError(t, f.recovery.OnKioskStartup(ctx, "room-1", "1.2.0"))

	// The lease was reclaimed, not lost.
	cmd, err := f.queue.Status(ctx, "cmd-1")
	require.NoError(t, err)
	assert.Equal(t, store.CommandPending, cmd.Status)
	assert.Equal(t, "stale_lease", cmd.LastError)

	// The stranded locker is in error, never re-opened.
	l, err := f.store.GetLocker(ctx, "room-1", 1)
	require.NoError(t, err)
	assert.Equal(t, store.LockerError, l.Status)

	events, err := f.store.ListEvents(ctx, "room-1", 50)
	require.NoError(t, err)
	types := make(map[store.EventType]bool)
	for _, e := range events {
		types[e.Type] = true
	}
	assert.True(t, types[store.EventRestart], "restart must be recorded")
	assert.True(t, types[store.EventHardwareError], "stranded locker must be recorded")
}

func TestOnKioskStartupIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newRecoveryFixture(t)

	_, err := f.store.ProvisionLockers(ctx, "room-1", 2)
	require.NoError(t, err)

	require.NoError(t, f.recovery.OnKioskStartup(ctx, "room-1", "1.2.0"))
	require.NoError(t, f.recovery.OnKioskStartup(ctx, "room-1", "1.2.0"))

	l, err := f.store.GetLocker(ctx, "room-1", 1)
	require.NoError(t, err)
	assert.Equal(t, store.LockerFree, l.Status)
}

func TestOnGatewayStartup(t *testing.T) {
	ctx := context.Background()
	f := newRecoveryFixture(t)

	_, err := f.store.ProvisionLockers(ctx, "room-1", 4)
	require.NoError(t, err)
	_, err = f.store.ProvisionLockers(ctx, "room-2", 4)
	require.NoError(t, err)

	// Stale leases on two kiosks; gateway recovery is global.
	for _, kiosk := range []string{"room-1", "room-2"} {
		_, err = f.queue.Enqueue(ctx, kiosk, store.CommandOpenLocker,
			store.CommandPayload{LockerID: 1, StaffUser: "alice"}, "cmd-"+kiosk)
		require.NoError(t, err)
		claimed, err := f.queue.ClaimNext(ctx, kiosk)
		require.NoError(t, err)
		require.NotNil(t, claimed)
	}

	// A reservation that lapsed while everything was down.
	reserved, err := f.manager.AssignRFID(ctx, "room-1", "04AB", store.OwnerRFID)
	require.NoError(t, err)

	*f.clock = f.clock.Add(5 * time.Minute)
	require.NoError(t, f.recovery.OnGatewayStartup(ctx))

	for _, kiosk := range []string{"room-1", "room-2"} {
		cmd, err := f.queue.Status(ctx, "cmd-"+kiosk)
		require.NoError(t, err)
		assert.Equal(t, store.CommandPending, cmd.Status, kiosk)
	}

	l, err := f.store.GetLocker(ctx, "room-1", reserved.LockerID)
	require.NoError(t, err)
	assert.Equal(t, store.LockerFree, l.Status)
	assert.Equal(t, store.OwnerNone, l.OwnerType)
}
