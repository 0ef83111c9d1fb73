package locker

import (
	"context"
	"errors"
	"time"

	"github.com/openkiosk/lockerd/internal/logger"
	"github.com/openkiosk/lockerd/pkg/store"
)

// Sweeper runs the periodic maintenance passes of the state machine:
// expiring stale reservations and, when configured, auto-releasing
// long-held lockers. One sweeper runs per gateway process.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
}

// NewSweeper creates a sweeper over the manager. The interval bounds how
// stale a reservation can get past its window before being reclaimed.
func NewSweeper(m *Manager, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Sweeper{manager: m, interval: interval}
}

// Run loops until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

// sweepOnce runs a single pass of both sweeps.
func (s *Sweeper) sweepOnce(ctx context.Context) {
	if n, err := s.manager.SweepReservations(ctx); err != nil {
		logger.Error("reservation sweep failed", logger.KeyError, err)
	} else if n > 0 {
		logger.Info("expired stale reservations", "count", n)
	}

	if s.manager.config.AutoRelease > 0 {
		if n, err := s.manager.SweepAutoRelease(ctx); err != nil {
			logger.Error("auto-release sweep failed", logger.KeyError, err)
		} else if n > 0 {
			logger.Info("auto-released lockers", "count", n)
		}
	}
}

// SweepReservations returns Reserved lockers older than the reservation
// window to Free, emitting reservation_expired for each. Returns how many
// lockers were reclaimed.
func (m *Manager) SweepReservations(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.config.ReservationWindow)
	stale, err := m.store.ListReservedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, l := range stale {
		_, err := m.transition(ctx, l.KioskID, l.LockerID, func(cur *store.Locker) (store.EventType, string, error) {
			// Re-check inside the transaction; the owner may have
			// confirmed between the list and this write.
			if cur.Status != store.LockerReserved {
				return "", "", ErrConflict
			}
			if cur.ReservedAt == nil || cur.ReservedAt.After(cutoff) {
				return "", "", ErrConflict
			}
			clearOwner(cur)
			return store.EventReservationExpired, "system", nil
		})
		if err != nil {
			if errors.Is(err, ErrConflict) || errors.Is(err, store.ErrLockerNotFound) {
				continue
			}
			return released, err
		}
		released++
	}
	return released, nil
}

// SweepAutoRelease frees Owned non-VIP lockers held longer than the
// configured auto-release duration.
func (m *Manager) SweepAutoRelease(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.config.AutoRelease)
	stale, err := m.store.ListOwnedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, l := range stale {
		_, err := m.transition(ctx, l.KioskID, l.LockerID, func(cur *store.Locker) (store.EventType, string, error) {
			if cur.Status != store.LockerOwned || cur.IsVIP {
				return "", "", ErrConflict
			}
			if cur.OwnedAt == nil || cur.OwnedAt.After(cutoff) {
				return "", "", ErrConflict
			}
			clearOwner(cur)
			return store.EventAutoRelease, "system", nil
		})
		if err != nil {
			if errors.Is(err, ErrConflict) || errors.Is(err, store.ErrLockerNotFound) {
				continue
			}
			return released, err
		}
		released++
	}
	return released, nil
}
