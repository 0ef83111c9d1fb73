// Package executor drains the command queue for one kiosk and turns
// commands into relay pulses and state transitions.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openkiosk/lockerd/internal/logger"
	"github.com/openkiosk/lockerd/pkg/locker"
	"github.com/openkiosk/lockerd/pkg/modbus"
	"github.com/openkiosk/lockerd/pkg/queue"
	"github.com/openkiosk/lockerd/pkg/store"
)

// Pulser actuates one locker's relay. Implemented by modbus.Actuator;
// tests substitute a scripted fake.
type Pulser interface {
	Pulse(ctx context.Context, lockerID int) error
}

// Config tunes the executor loop.
type Config struct {
	KioskID string `mapstructure:"kiosk_id" validate:"required"`

	// PollInterval bounds how long the loop waits for new work when the
	// queue is idle.
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// MinInterval/MaxInterval clamp the pause between lockers of a bulk
	// open regardless of what the caller asked for.
	MinInterval time.Duration `mapstructure:"min_interval"`
	MaxInterval time.Duration `mapstructure:"max_interval"`

	// CacheSize bounds the idempotency cache of terminal results.
	CacheSize int `mapstructure:"cache_size"`
}

// ApplyDefaults fills unset values.
func (c *Config) ApplyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MinInterval <= 0 {
		c.MinInterval = 300 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 5 * time.Second
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 512
	}
}

// Executor claims commands for its kiosk, actuates hardware under
// per-locker guards and settles each command exactly once.
type Executor struct {
	queue   *queue.Queue
	manager *locker.Manager
	store   *store.Store
	pulser  Pulser
	guards  *Guards
	cache   *resultCache
	config  Config
	sleep   func(d time.Duration)

	// zoneFilter admits locker ids when zones are enabled; nil admits
	// everything.
	zoneFilter func(int) bool

	mu          sync.Mutex
	lastCommand *time.Time
}

// New wires an executor. The guards instance is shared with the RFID
// intake so scans and staff commands serialize on the same mutexes.
func New(q *queue.Queue, m *locker.Manager, s *store.Store, p Pulser, g *Guards, config Config) (*Executor, error) {
	config.ApplyDefaults()
	cache, err := newResultCache(config.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Executor{
		queue:   q,
		manager: m,
		store:   s,
		pulser:  p,
		guards:  g,
		cache:   cache,
		config:  config,
		sleep:   time.Sleep,
	}, nil
}

// SetZoneFilter restricts which locker ids this kiosk may act on.
func (e *Executor) SetZoneFilter(allowed func(int) bool) { e.zoneFilter = allowed }

// ResetCache drops the idempotency cache. Part of the restart protocol.
func (e *Executor) ResetCache() { e.cache.reset() }

// LastCommandAt returns when the executor last settled a command.
func (e *Executor) LastCommandAt() *time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastCommand
}

// Run drains the queue until the context ends.
func (e *Executor) Run(ctx context.Context) {
	for ctx.Err() == nil {
		cmd, err := e.queue.ClaimNext(ctx, e.config.KioskID)
		if err != nil {
			logger.Error("claim failed", logger.KeyKioskID, e.config.KioskID, logger.KeyError, err)
			e.sleep(e.config.PollInterval)
			continue
		}
		if cmd == nil {
			e.queue.WaitPending(ctx, e.config.KioskID, e.config.PollInterval)
			continue
		}
		e.Execute(ctx, cmd)
	}
}

// Execute runs one claimed command to a terminal queue state.
func (e *Executor) Execute(ctx context.Context, cmd *store.Command) {
	var payload store.CommandPayload
	if err := json.Unmarshal([]byte(cmd.Payload), &payload); err != nil {
		e.settle(ctx, cmd, nil, fmt.Errorf("malformed payload: %w", err), false)
		return
	}

	logger.Info("command execution started",
		logger.KeyCommandID, cmd.CommandID,
		logger.KeyCommandType, string(cmd.Type),
		logger.KeyStaffUser, payload.StaffUser,
		logger.KeyReason, payload.Reason,
		logger.KeyKioskID, cmd.KioskID,
		logger.KeyLockerID, lockerIDs(&payload))

	if cached, ok := e.cache.get(cmd.CommandID); ok {
		e.replay(ctx, cmd, cached)
		return
	}

	var err error
	retryable := false
	switch cmd.Type {
	case store.CommandOpenLocker:
		err, retryable = e.runOpen(ctx, cmd, &payload)
	case store.CommandBulkOpen:
		err = e.runBulk(ctx, cmd, &payload)
	case store.CommandBlock:
		_, err = e.manager.Block(ctx, cmd.KioskID, payload.LockerID, payload.StaffUser, payload.Reason)
	case store.CommandUnblock:
		_, err = e.manager.Unblock(ctx, cmd.KioskID, payload.LockerID, payload.StaffUser)
	default:
		err = fmt.Errorf("unknown command type %q", cmd.Type)
	}

	e.settle(ctx, cmd, &payload, err, retryable)
}

// runOpen executes a single staff open under the locker guard.
func (e *Executor) runOpen(ctx context.Context, cmd *store.Command, p *store.CommandPayload) (error, bool) {
	if e.zoneFilter != nil && !e.zoneFilter(p.LockerID) {
		return fmt.Errorf("locker %d outside kiosk zone", p.LockerID), false
	}

	release := e.guards.Acquire(p.LockerID)
	defer release()

	cur, err := e.manager.Get(ctx, cmd.KioskID, p.LockerID)
	if err != nil {
		return err, false
	}

	// A retried command finds its locker still Opening from the failed
	// attempt; the guard guarantees nobody else put it there.
	resumed := cur.Status == store.LockerOpening && cmd.RetryCount > 0
	if !resumed {
		if _, err := e.manager.BeginStaffOpen(ctx, cmd.KioskID, p.LockerID, p.Override); err != nil {
			return err, false
		}
	}

	if err := e.pulser.Pulse(ctx, p.LockerID); err != nil {
		if modbus.Retryable(err) && cmd.RetryCount < cmd.MaxRetries {
			// Leave the locker Opening; the retry resumes the pulse.
			return err, true
		}
		if _, ferr := e.manager.PulseFailed(ctx, cmd.KioskID, p.LockerID, p.StaffUser, err.Error()); ferr != nil {
			logger.Error("failed to record pulse failure",
				logger.KeyCommandID, cmd.CommandID, logger.KeyError, ferr)
		}
		return err, false
	}

	_, err = e.manager.PulseSucceeded(ctx, cmd.KioskID, p.LockerID, staffIntent(p), p.StaffUser, map[string]any{
		"command_id": cmd.CommandID,
		"reason":     p.Reason,
	})
	return err, false
}

// runBulk opens each locker once, in payload order, guard by guard.
// Per-locker failures do not stop the batch; a batch with any failure
// settles as a terminal failed command so it is never re-pulsed.
func (e *Executor) runBulk(ctx context.Context, cmd *store.Command, p *store.CommandPayload) error {
	interval := e.clampInterval(p.IntervalMS)
	var failed []int
	pulsed := 0

	for i, lockerID := range p.LockerIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i > 0 && pulsed > 0 {
			e.sleep(interval)
		}

		skipped, err := e.bulkOne(ctx, cmd, p, lockerID)
		if err != nil {
			logger.Error("bulk open locker failed",
				logger.KeyCommandID, cmd.CommandID,
				logger.KeyLockerID, lockerID,
				logger.KeyError, err)
			failed = append(failed, lockerID)
			continue
		}
		if !skipped {
			pulsed++
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("bulk open failed for lockers %v", failed)
	}

	return e.store.AppendEvent(ctx, &store.Event{
		KioskID: cmd.KioskID,
		Type:    store.EventBulkOpen,
		Actor:   p.StaffUser,
		Details: store.EventDetails(map[string]any{
			"command_id": cmd.CommandID,
			"requested":  len(p.LockerIDs),
			"pulsed":     pulsed,
		}),
	})
}

// bulkOne opens one locker of a bulk batch. VIP lockers are silently
// skipped when excluded, not reported as failures.
func (e *Executor) bulkOne(ctx context.Context, cmd *store.Command, p *store.CommandPayload, lockerID int) (skipped bool, err error) {
	if e.zoneFilter != nil && !e.zoneFilter(lockerID) {
		return false, fmt.Errorf("locker %d outside kiosk zone", lockerID)
	}

	release := e.guards.Acquire(lockerID)
	defer release()

	cur, err := e.manager.Get(ctx, cmd.KioskID, lockerID)
	if err != nil {
		return false, err
	}
	if cur.IsVIP && p.ExcludeVIP {
		logger.Debug("bulk open skipping vip locker",
			logger.KeyKioskID, cmd.KioskID, logger.KeyLockerID, lockerID)
		return true, nil
	}

	if _, err := e.manager.BeginStaffOpen(ctx, cmd.KioskID, lockerID, p.Override); err != nil {
		return false, err
	}

	if err := e.pulser.Pulse(ctx, lockerID); err != nil {
		if _, ferr := e.manager.PulseFailed(ctx, cmd.KioskID, lockerID, p.StaffUser, err.Error()); ferr != nil {
			logger.Error("failed to record pulse failure",
				logger.KeyCommandID, cmd.CommandID, logger.KeyError, ferr)
		}
		return false, err
	}

	_, err = e.manager.PulseSucceeded(ctx, cmd.KioskID, lockerID, staffIntent(p), p.StaffUser, map[string]any{
		"command_id": cmd.CommandID,
		"reason":     p.Reason,
	})
	return false, err
}

// settle drives the command to its terminal queue state and records the
// outcome for idempotent replay.
func (e *Executor) settle(ctx context.Context, cmd *store.Command, p *store.CommandPayload, err error, retryable bool) {
	now := time.Now()
	e.mu.Lock()
	e.lastCommand = &now
	e.mu.Unlock()

	if err == nil {
		if cerr := e.queue.Complete(ctx, cmd.CommandID); cerr != nil {
			logger.Error("complete failed", logger.KeyCommandID, cmd.CommandID, logger.KeyError, cerr)
			return
		}
		e.cache.put(cmd.CommandID, outcome{completed: true})
		logger.Info("command completed",
			logger.KeyCommandID, cmd.CommandID,
			logger.KeyKioskID, cmd.KioskID)
		return
	}

	e.appendFailureEvent(ctx, cmd, p, err)

	if ferr := e.queue.Fail(ctx, cmd.CommandID, err, retryable); ferr != nil {
		logger.Error("fail recording failed", logger.KeyCommandID, cmd.CommandID, logger.KeyError, ferr)
		return
	}
	if !retryable || cmd.RetryCount >= cmd.MaxRetries {
		e.cache.put(cmd.CommandID, outcome{errMsg: err.Error()})
	}
	logger.Warn("command execution failed",
		logger.KeyCommandID, cmd.CommandID,
		logger.KeyKioskID, cmd.KioskID,
		logger.KeyError, err)
}

func (e *Executor) appendFailureEvent(ctx context.Context, cmd *store.Command, p *store.CommandPayload, cause error) {
	ev := &store.Event{
		KioskID: cmd.KioskID,
		Type:    store.EventCommandFailed,
		Actor:   "executor",
		Details: store.EventDetails(map[string]any{
			"command_id": cmd.CommandID,
			"cause":      cause.Error(),
		}),
	}
	if p != nil && p.LockerID > 0 {
		ev.LockerID = &p.LockerID
	}
	if err := e.store.AppendEvent(ctx, ev); err != nil {
		logger.Error("failure event not recorded", logger.KeyCommandID, cmd.CommandID, logger.KeyError, err)
	}
}

// replay settles a re-dispatched command from the cached outcome
// without touching the hardware again.
func (e *Executor) replay(ctx context.Context, cmd *store.Command, o outcome) {
	logger.Info("replaying cached command result",
		logger.KeyCommandID, cmd.CommandID,
		logger.KeyKioskID, cmd.KioskID)
	var err error
	if o.completed {
		err = e.queue.Complete(ctx, cmd.CommandID)
	} else {
		err = e.queue.Fail(ctx, cmd.CommandID, errors.New(o.errMsg), false)
	}
	if err != nil {
		logger.Error("cached replay failed", logger.KeyCommandID, cmd.CommandID, logger.KeyError, err)
	}
}

func (e *Executor) clampInterval(ms int) time.Duration {
	d := time.Duration(ms) * time.Millisecond
	if d < e.config.MinInterval {
		return e.config.MinInterval
	}
	if d > e.config.MaxInterval {
		return e.config.MaxInterval
	}
	return d
}

// staffIntent maps the payload to the pulse intent: a staff open with
// reason "release" also releases ownership.
func staffIntent(p *store.CommandPayload) locker.Intent {
	if p.Reason == "release" {
		return locker.IntentStaffRelease
	}
	return locker.IntentStaff
}

func lockerIDs(p *store.CommandPayload) any {
	if len(p.LockerIDs) > 0 {
		return p.LockerIDs
	}
	return p.LockerID
}
