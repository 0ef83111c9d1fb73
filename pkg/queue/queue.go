// Package queue implements the durable cross-service command queue.
//
// Staff actions travel from the panel to the owning kiosk as command rows:
// enqueue writes a pending row under an idempotency key, the kiosk's
// executor claims rows with a lease, and terminal status flows back for
// the panel to poll. The queue is the sole writer of command rows; all
// durability lives in the store, so any process can crash at any point
// without losing or duplicating a command.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openkiosk/lockerd/internal/logger"
	"github.com/openkiosk/lockerd/pkg/metrics/prometheus"
	"github.com/openkiosk/lockerd/pkg/store"
)

// Config tunes queue behavior.
type Config struct {
	// MaxRetries bounds retry attempts per command.
	MaxRetries int `mapstructure:"max_retries"`

	// BackoffBase and BackoffCap shape the retry schedule.
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap"`

	// StaleThreshold is how long an executing command may hold its lease
	// before recovery reclaims it.
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`

	// DepthLimit is the per-kiosk pending backpressure threshold. Bulk
	// commands weigh in with their batch size.
	DepthLimit int `mapstructure:"depth_limit"`
}

// ApplyDefaults fills unset values.
func (c *Config) ApplyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = defaultBackoffCap
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 30 * time.Second
	}
	if c.DepthLimit <= 0 {
		c.DepthLimit = 100
	}
}

// EnqueueResult reports the outcome of an idempotent enqueue.
type EnqueueResult struct {
	CommandID string              `json:"command_id"`
	Status    string              `json:"status"` // "accepted" or "duplicate"
	Current   store.CommandStatus `json:"current_status,omitempty"`
}

// Queue is the durable command queue service.
type Queue struct {
	store  *store.Store
	config Config
	now    func() time.Time

	// signal wakes gateway long-polls when a pending row appears.
	mu      sync.Mutex
	waiters map[string][]chan struct{} // kiosk_id -> waiters
}

// New creates a queue over the store.
func New(s *store.Store, config Config) *Queue {
	config.ApplyDefaults()
	return &Queue{
		store:   s,
		config:  config,
		now:     time.Now,
		waiters: make(map[string][]chan struct{}),
	}
}

// SetClock replaces the queue's clock. Test use only.
func (q *Queue) SetClock(now func() time.Time) { q.now = now }

// Enqueue creates a pending command row under commandID. When commandID
// is empty one is generated. The call is idempotent: an existing row with
// the same id and payload yields a duplicate result carrying the row's
// current status; the same id with a differing payload is a conflict.
func (q *Queue) Enqueue(ctx context.Context, kioskID string, cmdType store.CommandType, payload store.CommandPayload, commandID string) (*EnqueueResult, error) {
	if !cmdType.Valid() {
		return nil, fmt.Errorf("invalid command type %q", cmdType)
	}
	if commandID == "" {
		commandID = uuid.New().String()
	}

	payloadJSON, err := json.Marshal(&payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	depth, err := q.DepthForKiosk(ctx, kioskID)
	if err != nil {
		return nil, err
	}
	if depth+payload.BatchSize() > q.config.DepthLimit {
		return nil, fmt.Errorf("%w: depth %d", ErrQueueFull, depth)
	}

	cmd := &store.Command{
		CommandID:  commandID,
		KioskID:    kioskID,
		Type:       cmdType,
		Payload:    string(payloadJSON),
		Status:     store.CommandPending,
		CreatedAt:  q.now().UTC(),
		MaxRetries: q.config.MaxRetries,
	}
	cmd.NextAttemptAt = cmd.CreatedAt

	if err := q.store.CreateCommand(ctx, cmd); err != nil {
		if errors.Is(err, store.ErrDuplicateCommand) {
			existing, getErr := q.store.GetCommand(ctx, commandID)
			if getErr != nil {
				return nil, getErr
			}
			if existing.Payload != string(payloadJSON) || existing.Type != cmdType {
				return nil, ErrPayloadMismatch
			}
			return &EnqueueResult{
				CommandID: commandID,
				Status:    "duplicate",
				Current:   existing.Status,
			}, nil
		}
		return nil, err
	}

	prometheus.CommandsEnqueued.WithLabelValues(kioskID, string(cmdType)).Inc()
	logger.Info("command enqueued",
		logger.KeyCommandID, commandID,
		logger.KeyCommandType, string(cmdType),
		logger.KeyKioskID, kioskID)

	q.notify(kioskID)
	return &EnqueueResult{CommandID: commandID, Status: "accepted", Current: store.CommandPending}, nil
}

// ClaimNext atomically claims the oldest due pending command for the
// kiosk, or returns nil when nothing is due. The store's conditional
// update guarantees at-most-once delivery across concurrent claimers.
func (q *Queue) ClaimNext(ctx context.Context, kioskID string) (*store.Command, error) {
	cmd, err := q.store.ClaimNextCommand(ctx, kioskID, q.now())
	if err != nil || cmd == nil {
		return cmd, err
	}
	prometheus.CommandsClaimed.WithLabelValues(kioskID).Inc()
	return cmd, nil
}

// Complete marks a command terminal with status completed. Idempotent.
func (q *Queue) Complete(ctx context.Context, commandID string) error {
	if err := q.store.CompleteCommand(ctx, commandID, store.CommandCompleted, "", q.now()); err != nil {
		return err
	}
	prometheus.CommandsCompleted.WithLabelValues("completed").Inc()
	return nil
}

// Fail records a failed attempt. Retryable failures with retries left
// return the command to pending with exponential backoff; everything else
// becomes terminal failed.
func (q *Queue) Fail(ctx context.Context, commandID string, cause error, retryable bool) error {
	cmd, err := q.store.GetCommand(ctx, commandID)
	if err != nil {
		return err
	}
	if cmd.Status.Terminal() {
		return nil
	}

	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	if retryable && cmd.RetryCount < cmd.MaxRetries {
		next := q.now().Add(backoff(q.config.BackoffBase, q.config.BackoffCap, cmd.RetryCount+1))
		if err := q.store.RequeueCommand(ctx, commandID, next, msg); err != nil {
			return err
		}
		prometheus.CommandsRetried.WithLabelValues(cmd.KioskID).Inc()
		logger.Warn("command requeued after failure",
			logger.KeyCommandID, commandID,
			logger.KeyRetryCount, cmd.RetryCount+1,
			logger.KeyError, msg)
		q.notify(cmd.KioskID)
		return nil
	}

	if err := q.store.CompleteCommand(ctx, commandID, store.CommandFailed, msg, q.now()); err != nil {
		return err
	}
	prometheus.CommandsCompleted.WithLabelValues("failed").Inc()
	logger.Error("command failed terminally",
		logger.KeyCommandID, commandID,
		logger.KeyError, msg)
	return nil
}

// Cancel cancels a pending command. Executing and terminal rows are not
// cancellable from outside; the executor settles them.
func (q *Queue) Cancel(ctx context.Context, commandID string) error {
	err := q.store.CancelCommand(ctx, commandID, q.now())
	if errors.Is(err, store.ErrCommandTerminal) {
		return ErrNotCancellable
	}
	if err == nil {
		prometheus.CommandsCompleted.WithLabelValues("cancelled").Inc()
	}
	return err
}

// Status returns the current snapshot of a command.
func (q *Queue) Status(ctx context.Context, commandID string) (*store.Command, error) {
	return q.store.GetCommand(ctx, commandID)
}

// ListByKiosk returns the most recent commands for a kiosk.
func (q *Queue) ListByKiosk(ctx context.Context, kioskID string, limit int) ([]*store.Command, error) {
	return q.store.ListCommandsByKiosk(ctx, kioskID, limit)
}

// ListPending returns due pending commands without claiming them.
func (q *Queue) ListPending(ctx context.Context, kioskID string, limit int) ([]*store.Command, error) {
	return q.store.ListPendingCommands(ctx, kioskID, limit, q.now())
}

// DepthForKiosk returns the pending depth of a kiosk with bulk commands
// weighed by their batch size, the number the backpressure check uses.
func (q *Queue) DepthForKiosk(ctx context.Context, kioskID string) (int, error) {
	pending, err := q.store.ListPendingForDepth(ctx, kioskID)
	if err != nil {
		return 0, err
	}
	depth := 0
	for _, cmd := range pending {
		var payload store.CommandPayload
		if err := json.Unmarshal([]byte(cmd.Payload), &payload); err != nil {
			depth++
			continue
		}
		depth += payload.BatchSize()
	}
	prometheus.QueueDepth.WithLabelValues(kioskID).Set(float64(depth))
	return depth, nil
}

// StaleThreshold exposes the configured lease staleness bound to the
// recovery component.
func (q *Queue) StaleThreshold() time.Duration { return q.config.StaleThreshold }

// RecoverStale reclaims executing commands whose lease lapsed: rows with
// retries left return to pending, the rest fail with "stale_lease".
// An empty kioskID recovers globally. Returns (requeued, failed).
func (q *Queue) RecoverStale(ctx context.Context, kioskID string) (int, int, error) {
	cutoff := q.now().Add(-q.config.StaleThreshold)
	stale, err := q.store.ListStaleExecuting(ctx, kioskID, cutoff)
	if err != nil {
		return 0, 0, err
	}

	requeued, failed := 0, 0
	for _, cmd := range stale {
		if cmd.RetryCount < cmd.MaxRetries {
			next := q.now().Add(backoff(q.config.BackoffBase, q.config.BackoffCap, cmd.RetryCount+1))
			if err := q.store.RequeueCommand(ctx, cmd.CommandID, next, "stale_lease"); err != nil {
				if errors.Is(err, store.ErrCommandTerminal) {
					continue
				}
				return requeued, failed, err
			}
			requeued++
			q.notify(cmd.KioskID)
		} else {
			if err := q.store.FailStaleCommand(ctx, cmd.CommandID, q.now()); err != nil {
				return requeued, failed, err
			}
			if err := q.store.AppendEvent(ctx, &store.Event{
				KioskID: cmd.KioskID,
				Type:    store.EventCommandFailed,
				Actor:   "system",
				Details: store.EventDetails(map[string]any{
					"command_id": cmd.CommandID,
					"cause":      "stale_lease",
				}),
			}); err != nil {
				return requeued, failed, err
			}
			failed++
		}
	}

	if requeued+failed > 0 {
		logger.Warn("recovered stale commands",
			logger.KeyKioskID, kioskID, "requeued", requeued, "failed", failed)
	}
	return requeued, failed, nil
}

// WaitPending blocks until a pending command may exist for the kiosk, the
// timeout lapses, or the context is cancelled. It pairs with the gateway
// long-poll: callers re-list after being woken.
func (q *Queue) WaitPending(ctx context.Context, kioskID string, timeout time.Duration) {
	ch := make(chan struct{}, 1)

	q.mu.Lock()
	q.waiters[kioskID] = append(q.waiters[kioskID], ch)
	q.mu.Unlock()

	defer q.removeWaiter(kioskID, ch)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
	case <-timer.C:
	case <-ctx.Done():
	}
}

// notify wakes all long-poll waiters of a kiosk.
func (q *Queue) notify(kioskID string) {
	q.mu.Lock()
	waiters := q.waiters[kioskID]
	delete(q.waiters, kioskID)
	q.mu.Unlock()

	for _, ch := range waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (q *Queue) removeWaiter(kioskID string, ch chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	waiters := q.waiters[kioskID]
	for i, w := range waiters {
		if w == ch {
			q.waiters[kioskID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
}
