package locker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openkiosk/lockerd/pkg/store"
)

const testKiosk = "room-1"

// newTestManager creates a manager over an in-memory store with lockers
// provisioned and a controllable clock.
func newTestManager(t *testing.T, lockers int) (*Manager, *store.Store, *time.Time) {
	t.Helper()
	s, err := store.Open(store.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if _, err := s.ProvisionLockers(context.Background(), testKiosk, lockers); err != nil {
		t.Fatalf("failed to provision lockers: %v", err)
	}

	clock := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	m := NewManager(s, Config{ReservationWindow: 90 * time.Second})
	m.SetClock(func() time.Time { return clock })
	return m, s, &clock
}

func lastEvents(t *testing.T, s *store.Store, n int) []*store.Event {
	t.Helper()
	events, err := s.ListEvents(context.Background(), testKiosk, n)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	return events
}

func TestAssignRFID(t *testing.T) {
	ctx := context.Background()

	t.Run("claims lowest free locker", func(t *testing.T) {
		m, s, _ := newTestManager(t, 3)

		l, err := m.AssignRFID(ctx, testKiosk, "04AB", store.OwnerRFID)
		if err != nil {
			t.Fatalf("assign failed: %v", err)
		}
		if l.LockerID != 1 {
			t.Errorf("assigned locker %d, want 1", l.LockerID)
		}
		if l.Status != store.LockerReserved {
			t.Errorf("status = %s, want reserved", l.Status)
		}
		if l.OwnerKey == nil || *l.OwnerKey != "04AB" {
			t.Errorf("owner_key = %v", l.OwnerKey)
		}
		if l.ReservedAt == nil {
			t.Error("reserved_at not stamped")
		}

		events := lastEvents(t, s, 1)
		if events[0].Type != store.EventRFIDAssign || events[0].Actor != "rfid:04AB" {
			t.Errorf("event = %s by %s", events[0].Type, events[0].Actor)
		}
	})

	t.Run("one locker per card", func(t *testing.T) {
		m, _, _ := newTestManager(t, 3)

		if _, err := m.AssignRFID(ctx, testKiosk, "04AB", store.OwnerRFID); err != nil {
			t.Fatal(err)
		}
		if _, err := m.AssignRFID(ctx, testKiosk, "04AB", store.OwnerRFID); !errors.Is(err, ErrAlreadyOwns) {
			t.Errorf("expected ErrAlreadyOwns, got %v", err)
		}
	})

	t.Run("pool exhausted", func(t *testing.T) {
		m, _, _ := newTestManager(t, 1)

		if _, err := m.AssignRFID(ctx, testKiosk, "04AB", store.OwnerRFID); err != nil {
			t.Fatal(err)
		}
		if _, err := m.AssignRFID(ctx, testKiosk, "04CD", store.OwnerRFID); !errors.Is(err, ErrNoLockers) {
			t.Errorf("expected ErrNoLockers, got %v", err)
		}
	})
}

func TestConfirmOwnership(t *testing.T) {
	ctx := context.Background()

	t.Run("inside window", func(t *testing.T) {
		m, _, clock := newTestManager(t, 1)
		l, err := m.AssignRFID(ctx, testKiosk, "04AB", store.OwnerRFID)
		if err != nil {
			t.Fatal(err)
		}

		*clock = clock.Add(30 * time.Second)
		confirmed, err := m.ConfirmOwnership(ctx, testKiosk, l.LockerID, "04AB")
		if err != nil {
			t.Fatalf("confirm failed: %v", err)
		}
		if confirmed.Status != store.LockerOpening {
			t.Errorf("status = %s, want opening", confirmed.Status)
		}
	})

	t.Run("wrong card", func(t *testing.T) {
		m, _, _ := newTestManager(t, 1)
		l, _ := m.AssignRFID(ctx, testKiosk, "04AB", store.OwnerRFID)

		if _, err := m.ConfirmOwnership(ctx, testKiosk, l.LockerID, "04CD"); !errors.Is(err, ErrOwnershipMismatch) {
			t.Errorf("expected ErrOwnershipMismatch, got %v", err)
		}
	})

	t.Run("lapsed window", func(t *testing.T) {
		m, _, clock := newTestManager(t, 1)
		l, _ := m.AssignRFID(ctx, testKiosk, "04AB", store.OwnerRFID)

		*clock = clock.Add(2 * time.Minute)
		if _, err := m.ConfirmOwnership(ctx, testKiosk, l.LockerID, "04AB"); !errors.Is(err, ErrReservationLapsed) {
			t.Errorf("expected ErrReservationLapsed, got %v", err)
		}
	})
}

func TestPulseOutcomes(t *testing.T) {
	ctx := context.Background()

	// ownLocker drives locker 1 through assign, confirm and a successful
	// assign pulse so it lands in Owned by "04AB".
	ownLocker := func(t *testing.T, m *Manager) *store.Locker {
		t.Helper()
		l, err := m.AssignRFID(ctx, testKiosk, "04AB", store.OwnerRFID)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := m.ConfirmOwnership(ctx, testKiosk, l.LockerID, "04AB"); err != nil {
			t.Fatal(err)
		}
		owned, err := m.PulseSucceeded(ctx, testKiosk, l.LockerID, IntentAssign, "rfid:04AB", nil)
		if err != nil {
			t.Fatal(err)
		}
		return owned
	}

	t.Run("assign lands in owned", func(t *testing.T) {
		m, _, _ := newTestManager(t, 1)
		l := ownLocker(t, m)

		if l.Status != store.LockerOwned {
			t.Errorf("status = %s, want owned", l.Status)
		}
		if l.OwnedAt == nil || l.ReservedAt != nil {
			t.Errorf("timestamps wrong: owned_at=%v reserved_at=%v", l.OwnedAt, l.ReservedAt)
		}
	})

	t.Run("full round trip writes exactly assign and release events", func(t *testing.T) {
		m, s, _ := newTestManager(t, 1)
		l := ownLocker(t, m)

		if _, err := m.BeginRelease(ctx, testKiosk, l.LockerID, "04AB"); err != nil {
			t.Fatal(err)
		}
		freed, err := m.PulseSucceeded(ctx, testKiosk, l.LockerID, IntentRelease, "rfid:04AB", nil)
		if err != nil {
			t.Fatal(err)
		}
		if freed.Status != store.LockerFree || freed.OwnerKey != nil {
			t.Errorf("not released: %+v", freed)
		}

		events := lastEvents(t, s, 10)
		if len(events) != 2 {
			t.Fatalf("event count = %d, want 2 (assign + release)", len(events))
		}
		if events[1].Type != store.EventRFIDAssign || events[0].Type != store.EventRFIDRelease {
			t.Errorf("events = %s, %s", events[1].Type, events[0].Type)
		}
	})

	t.Run("staff open preserves ownership", func(t *testing.T) {
		m, _, _ := newTestManager(t, 1)
		l := ownLocker(t, m)

		if _, err := m.BeginStaffOpen(ctx, testKiosk, l.LockerID, false); err != nil {
			t.Fatal(err)
		}
		after, err := m.PulseSucceeded(ctx, testKiosk, l.LockerID, IntentStaff, "alice", nil)
		if err != nil {
			t.Fatal(err)
		}
		if after.Status != store.LockerOwned {
			t.Errorf("status = %s, want owned (ownership preserved)", after.Status)
		}
		if after.OwnerKey == nil || *after.OwnerKey != "04AB" {
			t.Errorf("owner lost: %v", after.OwnerKey)
		}
	})

	t.Run("staff release clears ownership", func(t *testing.T) {
		m, _, _ := newTestManager(t, 1)
		l := ownLocker(t, m)

		if _, err := m.BeginStaffOpen(ctx, testKiosk, l.LockerID, false); err != nil {
			t.Fatal(err)
		}
		after, err := m.PulseSucceeded(ctx, testKiosk, l.LockerID, IntentStaffRelease, "alice", nil)
		if err != nil {
			t.Fatal(err)
		}
		if after.Status != store.LockerFree || after.OwnerKey != nil {
			t.Errorf("not released: %+v", after)
		}
	})

	t.Run("pulse failure lands in error", func(t *testing.T) {
		m, s, _ := newTestManager(t, 1)
		l := ownLocker(t, m)

		if _, err := m.BeginStaffOpen(ctx, testKiosk, l.LockerID, false); err != nil {
			t.Fatal(err)
		}
		failed, err := m.PulseFailed(ctx, testKiosk, l.LockerID, "executor", "relay_stuck_open")
		if err != nil {
			t.Fatal(err)
		}
		if failed.Status != store.LockerError {
			t.Errorf("status = %s, want error", failed.Status)
		}
		// Ownership kept for audit.
		if failed.OwnerKey == nil || *failed.OwnerKey != "04AB" {
			t.Errorf("owner cleared on hardware error: %v", failed.OwnerKey)
		}

		events := lastEvents(t, s, 1)
		if events[0].Type != store.EventHardwareError {
			t.Errorf("event = %s, want hardware_error", events[0].Type)
		}
	})
}

func TestBeginStaffOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("rejected while opening", func(t *testing.T) {
		m, _, _ := newTestManager(t, 1)
		if _, err := m.BeginStaffOpen(ctx, testKiosk, 1, false); err != nil {
			t.Fatal(err)
		}
		if _, err := m.BeginStaffOpen(ctx, testKiosk, 1, false); !errors.Is(err, ErrConflict) {
			t.Errorf("expected ErrConflict, got %v", err)
		}
	})

	t.Run("rejected while blocked", func(t *testing.T) {
		m, _, _ := newTestManager(t, 1)
		if _, err := m.Block(ctx, testKiosk, 1, "alice", "water damage"); err != nil {
			t.Fatal(err)
		}
		if _, err := m.BeginStaffOpen(ctx, testKiosk, 1, false); !errors.Is(err, ErrBlocked) {
			t.Errorf("expected ErrBlocked, got %v", err)
		}
	})

	t.Run("vip requires override", func(t *testing.T) {
		m, s, _ := newTestManager(t, 1)
		contract := &store.VipContract{
			ID: "c-1", KioskID: testKiosk, LockerID: 1, OwnerKey: "vip:acme",
			ValidFrom: time.Now().Add(-time.Hour), ValidTo: time.Now().Add(time.Hour), Active: true,
		}
		if err := s.CreateContract(ctx, contract); err != nil {
			t.Fatal(err)
		}
		if err := m.BindContract(ctx, contract); err != nil {
			t.Fatal(err)
		}

		if _, err := m.BeginStaffOpen(ctx, testKiosk, 1, false); !errors.Is(err, ErrVIPProtected) {
			t.Errorf("expected ErrVIPProtected, got %v", err)
		}
		if _, err := m.BeginStaffOpen(ctx, testKiosk, 1, true); err != nil {
			t.Errorf("override open failed: %v", err)
		}
	})
}

func TestBlockUnblock(t *testing.T) {
	ctx := context.Background()

	t.Run("block clears owner and records prior owner", func(t *testing.T) {
		m, s, _ := newTestManager(t, 1)
		if _, err := m.AssignRFID(ctx, testKiosk, "04AB", store.OwnerRFID); err != nil {
			t.Fatal(err)
		}

		l, err := m.Block(ctx, testKiosk, 1, "alice", "jammed door")
		if err != nil {
			t.Fatal(err)
		}
		if l.Status != store.LockerBlocked || l.OwnerKey != nil {
			t.Errorf("block state wrong: %+v", l)
		}

		events := lastEvents(t, s, 1)
		if events[0].Type != store.EventBlock || events[0].Actor != "alice" {
			t.Errorf("event = %s by %s", events[0].Type, events[0].Actor)
		}
		if events[0].Details == "" {
			t.Error("block details empty, prior owner lost")
		}
	})

	t.Run("double block conflicts", func(t *testing.T) {
		m, _, _ := newTestManager(t, 1)
		if _, err := m.Block(ctx, testKiosk, 1, "alice", ""); err != nil {
			t.Fatal(err)
		}
		if _, err := m.Block(ctx, testKiosk, 1, "bob", ""); !errors.Is(err, ErrConflict) {
			t.Errorf("expected ErrConflict, got %v", err)
		}
	})

	t.Run("unblock frees ordinary locker", func(t *testing.T) {
		m, _, _ := newTestManager(t, 1)
		if _, err := m.Block(ctx, testKiosk, 1, "alice", ""); err != nil {
			t.Fatal(err)
		}
		l, err := m.Unblock(ctx, testKiosk, 1, "alice")
		if err != nil {
			t.Fatal(err)
		}
		if l.Status != store.LockerFree {
			t.Errorf("status = %s, want free", l.Status)
		}
	})

	t.Run("unblock restores vip contract holder", func(t *testing.T) {
		m, s, _ := newTestManager(t, 1)
		contract := &store.VipContract{
			ID: "c-1", KioskID: testKiosk, LockerID: 1, OwnerKey: "vip:acme",
			ValidFrom: time.Now().Add(-time.Hour), ValidTo: time.Now().Add(time.Hour), Active: true,
		}
		if err := s.CreateContract(ctx, contract); err != nil {
			t.Fatal(err)
		}
		if err := m.BindContract(ctx, contract); err != nil {
			t.Fatal(err)
		}
		if _, err := m.Block(ctx, testKiosk, 1, "alice", ""); err != nil {
			t.Fatal(err)
		}

		l, err := m.Unblock(ctx, testKiosk, 1, "alice")
		if err != nil {
			t.Fatal(err)
		}
		if l.Status != store.LockerOwned || l.OwnerType != store.OwnerVIP {
			t.Errorf("vip unblock landed in %s/%s, want owned/vip", l.Status, l.OwnerType)
		}
		if l.OwnerKey == nil || *l.OwnerKey != "vip:acme" {
			t.Errorf("contract holder not restored: %v", l.OwnerKey)
		}
	})
}

func TestConcurrentStaffOpenSingleWinner(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, 1)

	// Race several staff opens against one Free locker. The version
	// guard must let exactly one through; the rest conflict, either by
	// reading the locker already Opening or by losing the version CAS.
	const racers = 8
	results := make(chan error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.BeginStaffOpen(ctx, testKiosk, 1, false)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var won, lost int
	for err := range results {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrConflict):
			lost++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if won != 1 {
		t.Errorf("%d winners, want exactly 1", won)
	}
	if lost != racers-1 {
		t.Errorf("%d conflicts, want %d", lost, racers-1)
	}

	l, err := m.Get(ctx, testKiosk, 1)
	if err != nil {
		t.Fatal(err)
	}
	if l.Status != store.LockerOpening {
		t.Errorf("status = %s, want opening", l.Status)
	}
	if l.Version != 1 {
		t.Errorf("version = %d, want 1 (exactly one write)", l.Version)
	}
}

func TestVIPContractLifecycle(t *testing.T) {
	ctx := context.Background()
	m, s, _ := newTestManager(t, 2)

	contract := &store.VipContract{
		ID: "c-1", KioskID: testKiosk, LockerID: 1, OwnerKey: "vip:acme",
		ValidFrom: time.Now().Add(-time.Hour), ValidTo: time.Now().Add(time.Hour), Active: true,
	}
	if err := s.CreateContract(ctx, contract); err != nil {
		t.Fatal(err)
	}
	if err := m.BindContract(ctx, contract); err != nil {
		t.Fatal(err)
	}

	l, _ := m.Get(ctx, testKiosk, 1)
	if l.Status != store.LockerOwned || !l.IsVIP || l.OwnerType != store.OwnerVIP {
		t.Fatalf("bind landed in %+v", l)
	}

	// The bound locker never reaches the free pool via release paths.
	if _, err := m.AssignRFID(ctx, testKiosk, "04AB", store.OwnerRFID); err != nil {
		t.Fatal(err)
	}
	assigned, _ := m.FindByOwner(ctx, testKiosk, "04AB")
	if assigned.LockerID == 1 {
		t.Error("vip locker handed to rfid assignment")
	}

	// Termination is the release path.
	if err := m.TerminateContract(ctx, "c-1", "alice"); err != nil {
		t.Fatal(err)
	}
	l, _ = m.Get(ctx, testKiosk, 1)
	if l.Status != store.LockerFree || l.IsVIP {
		t.Errorf("terminate left %+v", l)
	}

	events := lastEvents(t, s, 1)
	if events[0].Type != store.EventVIPRelease {
		t.Errorf("event = %s, want vip_release", events[0].Type)
	}
}

func TestSweeps(t *testing.T) {
	ctx := context.Background()

	t.Run("reservation sweep frees lapsed only", func(t *testing.T) {
		m, _, clock := newTestManager(t, 2)

		if _, err := m.AssignRFID(ctx, testKiosk, "04AB", store.OwnerRFID); err != nil {
			t.Fatal(err)
		}
		*clock = clock.Add(2 * time.Minute)
		if _, err := m.AssignRFID(ctx, testKiosk, "04CD", store.OwnerRFID); err != nil {
			t.Fatal(err)
		}

		n, err := m.SweepReservations(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Fatalf("swept %d reservations, want 1", n)
		}

		first, _ := m.Get(ctx, testKiosk, 1)
		second, _ := m.Get(ctx, testKiosk, 2)
		if first.Status != store.LockerFree {
			t.Errorf("lapsed reservation not freed: %s", first.Status)
		}
		if second.Status != store.LockerReserved {
			t.Errorf("fresh reservation swept: %s", second.Status)
		}
	})

	t.Run("auto release frees long-held lockers", func(t *testing.T) {
		m, _, clock := newTestManager(t, 1)
		m.config.AutoRelease = 24 * time.Hour

		if _, err := m.AssignRFID(ctx, testKiosk, "04AB", store.OwnerRFID); err != nil {
			t.Fatal(err)
		}
		if _, err := m.ConfirmOwnership(ctx, testKiosk, 1, "04AB"); err != nil {
			t.Fatal(err)
		}
		if _, err := m.PulseSucceeded(ctx, testKiosk, 1, IntentAssign, "rfid:04AB", nil); err != nil {
			t.Fatal(err)
		}

		*clock = clock.Add(25 * time.Hour)
		n, err := m.SweepAutoRelease(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Fatalf("auto-released %d lockers, want 1", n)
		}
		l, _ := m.Get(ctx, testKiosk, 1)
		if l.Status != store.LockerFree {
			t.Errorf("status = %s, want free", l.Status)
		}
	})
}
