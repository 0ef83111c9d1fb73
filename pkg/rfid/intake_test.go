package rfid

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkiosk/lockerd/pkg/executor"
	"github.com/openkiosk/lockerd/pkg/locker"
	"github.com/openkiosk/lockerd/pkg/store"
)

const testKiosk = "room-1"

type fakePulser struct {
	calls []int
	err   error
}

func (f *fakePulser) Pulse(_ context.Context, lockerID int) error {
	f.calls = append(f.calls, lockerID)
	return f.err
}

func newTestIntake(t *testing.T, lockers int) (*Intake, *store.Store, *fakePulser, *time.Time) {
	t.Helper()
	s, err := store.Open(store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	_, err = s.ProvisionLockers(ctx, testKiosk, lockers)
	require.NoError(t, err)

	clock := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }

	m := locker.NewManager(s, locker.Config{ReservationWindow: 90 * time.Second})
	m.SetClock(now)

	pulser := &fakePulser{}
	intake, err := New(m, pulser, executor.NewGuards(), Config{
		KioskID:        testKiosk,
		DebounceWindow: time.Second,
	})
	require.NoError(t, err)
	intake.SetClock(now)
	return intake, s, pulser, &clock
}

func TestNormalizeUID(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"04A31B", "04A31B"},
		{"04a31b", "04A31B"},
		{"04:A3:1B", "04A31B"},
		{"04-a3-1b", "04A31B"},
		{"04 A3 1B", "04A31B"},
	}
	for _, tc := range cases {
		got, err := NormalizeUID(tc.raw)
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, got, tc.raw)
	}

	for _, raw := range []string{"", ":::", "04G1", "не-hex", "04A31B\n"} {
		_, err := NormalizeUID(raw)
		assert.ErrorIs(t, err, ErrInvalidUID, "%q", raw)
	}
}

func TestScanAssignsThenReleases(t *testing.T) {
	ctx := context.Background()
	intake, s, pulser, clock := newTestIntake(t, 4)

	// First scan claims a free locker and opens it.
	res, err := intake.HandleScan(ctx, "04:a3:1b")
	require.NoError(t, err)
	assert.Equal(t, ActionAssigned, res.Action)
	require.NotNil(t, res.Locker)
	assert.Equal(t, store.LockerOwned, res.Locker.Status)
	require.NotNil(t, res.Locker.OwnerKey)
	assert.Equal(t, "04A31B", *res.Locker.OwnerKey)
	assert.Equal(t, []int{res.Locker.LockerID}, pulser.calls)

	// The same card scanned again past the debounce window releases.
	*clock = clock.Add(5 * time.Second)
	res2, err := intake.HandleScan(ctx, "04A31B")
	require.NoError(t, err)
	assert.Equal(t, ActionReleased, res2.Action)

	l, err := s.GetLocker(ctx, testKiosk, res.Locker.LockerID)
	require.NoError(t, err)
	assert.Equal(t, store.LockerFree, l.Status)
	assert.Equal(t, store.OwnerNone, l.OwnerType)
}

func TestScanDebounce(t *testing.T) {
	ctx := context.Background()
	intake, _, pulser, clock := newTestIntake(t, 4)

	res, err := intake.HandleScan(ctx, "04A31B")
	require.NoError(t, err)
	require.Equal(t, ActionAssigned, res.Action)

	// The reader repeats the uid while the card rests on the coil.
	*clock = clock.Add(200 * time.Millisecond)
	res, err = intake.HandleScan(ctx, "04A31B")
	require.NoError(t, err)
	assert.Equal(t, ActionIgnored, res.Action)
	assert.Len(t, pulser.calls, 1, "debounced scan must not pulse")

	// Differently formatted, same card: still the same debounce key.
	*clock = clock.Add(200 * time.Millisecond)
	res, err = intake.HandleScan(ctx, "04:a3:1b")
	require.NoError(t, err)
	assert.Equal(t, ActionIgnored, res.Action)
}

func TestScanInvalidUID(t *testing.T) {
	ctx := context.Background()
	intake, _, pulser, _ := newTestIntake(t, 4)

	_, err := intake.HandleScan(ctx, "not a card!")
	assert.ErrorIs(t, err, ErrInvalidUID)
	assert.Empty(t, pulser.calls)
}

func TestScanNoFreeLockers(t *testing.T) {
	ctx := context.Background()
	intake, _, _, clock := newTestIntake(t, 1)

	_, err := intake.HandleScan(ctx, "04A31B")
	require.NoError(t, err)

	*clock = clock.Add(5 * time.Second)
	_, err = intake.HandleScan(ctx, "99FF00")
	assert.ErrorIs(t, err, locker.ErrNoLockers)
}

func TestScanPulseFailure(t *testing.T) {
	ctx := context.Background()
	intake, s, pulser, _ := newTestIntake(t, 4)
	pulser.err = assert.AnError

	_, err := intake.HandleScan(ctx, "04A31B")
	require.Error(t, err)

	// The locker lands in error, still attributed to the card.
	l, err := s.GetLocker(ctx, testKiosk, 1)
	require.NoError(t, err)
	assert.Equal(t, store.LockerError, l.Status)
	require.NotNil(t, l.OwnerKey)
	assert.Equal(t, "04A31B", *l.OwnerKey)
}

func TestDeviceScan(t *testing.T) {
	ctx := context.Background()
	intake, s, _, clock := newTestIntake(t, 4)

	res, err := intake.HandleDevice(ctx, "sha256:deadbeef")
	require.NoError(t, err)
	assert.Equal(t, ActionAssigned, res.Action)
	assert.Equal(t, store.OwnerDevice, res.Locker.OwnerType)

	*clock = clock.Add(5 * time.Second)
	res, err = intake.HandleDevice(ctx, "sha256:deadbeef")
	require.NoError(t, err)
	assert.Equal(t, ActionReleased, res.Action)

	l, err := s.GetLocker(ctx, testKiosk, res.Locker.LockerID)
	require.NoError(t, err)
	assert.Equal(t, store.LockerFree, l.Status)

	_, err = intake.HandleDevice(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidUID)
}
