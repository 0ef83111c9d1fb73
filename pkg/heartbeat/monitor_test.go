package heartbeat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkiosk/lockerd/pkg/store"
)

func newTestMonitor(t *testing.T, config Config) (*Monitor, *store.Store, *time.Time) {
	t.Helper()
	s, err := store.Open(store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clock := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	m := NewMonitor(s, config)
	m.SetClock(func() time.Time { return clock })
	return m, s, &clock
}

func TestClassify(t *testing.T) {
	m, _, clock := newTestMonitor(t, Config{Interval: 10 * time.Second})

	cases := []struct {
		age  time.Duration
		want store.KioskStatus
	}{
		{0, store.KioskOnline},
		{15 * time.Second, store.KioskOnline},
		{20 * time.Second, store.KioskOnline},
		{21 * time.Second, store.KioskDegraded},
		{40 * time.Second, store.KioskDegraded},
		{41 * time.Second, store.KioskOffline},
		{time.Hour, store.KioskOffline},
	}
	for _, tc := range cases {
		got := m.Classify(clock.Add(-tc.age))
		assert.Equal(t, tc.want, got, "age %s", tc.age)
	}
}

func TestRecordAndKiosks(t *testing.T) {
	ctx := context.Background()
	m, _, clock := newTestMonitor(t, Config{Interval: 10 * time.Second})

	lastCmd := clock.Add(-time.Minute)
	require.NoError(t, m.Record(ctx, &Payload{
		KioskID:       "room-1",
		Version:       "1.0.0",
		Zone:          "east",
		ChannelCount:  32,
		HardwareOK:    true,
		LastCommandAt: &lastCmd,
	}))
	// A second report replaces the row rather than adding one.
	require.NoError(t, m.Record(ctx, &Payload{
		KioskID:      "room-1",
		Version:      "1.0.1",
		ChannelCount: 32,
		HardwareOK:   false,
	}))

	views, err := m.Kiosks(ctx)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "room-1", views[0].KioskID)
	assert.Equal(t, "1.0.1", views[0].Version)
	assert.False(t, views[0].HardwareOK)
	assert.Equal(t, store.KioskOnline, views[0].Status)

	// The same row ages into degraded and offline.
	*clock = clock.Add(25 * time.Second)
	view, err := m.Kiosk(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, store.KioskDegraded, view.Status)
	assert.False(t, m.Online(ctx, "room-1"))

	*clock = clock.Add(time.Minute)
	view, err = m.Kiosk(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, store.KioskOffline, view.Status)
}

func TestKioskUnknown(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestMonitor(t, Config{})

	_, err := m.Kiosk(ctx, "no-such")
	assert.Error(t, err)
	assert.False(t, m.Online(ctx, "no-such"))
}
