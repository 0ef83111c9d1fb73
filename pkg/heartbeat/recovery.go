package heartbeat

import (
	"context"
	"errors"
	"time"

	"github.com/openkiosk/lockerd/internal/logger"
	"github.com/openkiosk/lockerd/pkg/locker"
	"github.com/openkiosk/lockerd/pkg/queue"
	"github.com/openkiosk/lockerd/pkg/store"
)

// Recovery settles state left behind by a crashed process. It never
// actuates hardware: an Opening locker it cannot verify becomes Error,
// and no locker ever opens as a side effect of recovery.
type Recovery struct {
	store   *store.Store
	queue   *queue.Queue
	manager *locker.Manager
	config  Config
}

// NewRecovery wires the recovery component.
func NewRecovery(s *store.Store, q *queue.Queue, m *locker.Manager, config Config) *Recovery {
	config.ApplyDefaults()
	return &Recovery{store: s, queue: q, manager: m, config: config}
}

// OnKioskStartup runs the kiosk-side recovery protocol: emit a restart
// event, reclaim the kiosk's stale command leases and fail the lockers it
// left mid-pulse.
func (r *Recovery) OnKioskStartup(ctx context.Context, kioskID, version string) error {
	if err := r.store.AppendEvent(ctx, &store.Event{
		KioskID: kioskID,
		Type:    store.EventRestart,
		Actor:   "system",
		Details: store.EventDetails(map[string]any{"version": version}),
	}); err != nil {
		return err
	}

	if _, _, err := r.queue.RecoverStale(ctx, kioskID); err != nil {
		return err
	}

	return r.failOrphanedOpening(ctx, kioskID)
}

// OnGatewayStartup runs the global recovery protocol: reclaim stale
// leases across all kiosks and sweep lapsed reservations.
func (r *Recovery) OnGatewayStartup(ctx context.Context) error {
	if _, _, err := r.queue.RecoverStale(ctx, ""); err != nil {
		return err
	}
	if _, err := r.manager.SweepReservations(ctx); err != nil {
		return err
	}
	return nil
}

// Run loops periodic stale-command recovery until the context ends.
func (r *Recovery) Run(ctx context.Context, kioskID string) {
	ticker := time.NewTicker(r.config.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := r.queue.RecoverStale(ctx, kioskID); err != nil {
				logger.Error("stale command recovery failed",
					logger.KeyKioskID, kioskID, logger.KeyError, err)
			}
		}
	}
}

// failOrphanedOpening turns lockers stranded in Opening into Error. A
// crash between the ON frame and the state write leaves the relay state
// unknown; opening them again without authorization is not an option.
func (r *Recovery) failOrphanedOpening(ctx context.Context, kioskID string) error {
	opening, err := r.store.ListOpening(ctx, kioskID)
	if err != nil {
		return err
	}
	for _, l := range opening {
		_, err := r.manager.PulseFailed(ctx, l.KioskID, l.LockerID, "system", "unverified after restart")
		if err != nil && !errors.Is(err, locker.ErrInvalidTransition) && !errors.Is(err, locker.ErrConflict) {
			return err
		}
		logger.Warn("locker stranded mid-pulse marked as error",
			logger.KeyKioskID, l.KioskID, logger.KeyLockerID, l.LockerID)
	}
	return nil
}
