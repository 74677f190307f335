// Package queue implements the Queue (C3): a persistent per-world FIFO with
// lease/heartbeat/retry semantics layered on top of the Storage Contract's
// raw enqueue/dequeue/heartbeat primitives.
package queue

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/agentworld/orchestrator/internal/eventbus"
	"github.com/agentworld/orchestrator/internal/model"
	"github.com/agentworld/orchestrator/internal/storage"
)

// Config holds the queue's timing knobs.
type Config struct {
	HeartbeatInterval time.Duration // default 5s
	PollInterval      time.Duration // default 1s
	MaxAttempts       int           // default 3
}

// DefaultConfig returns the documented default tuning values.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 5 * time.Second,
		PollInterval:      1 * time.Second,
		MaxAttempts:       3,
	}
}

// HeartbeatLease is the duration after which a leased entry's heartbeat is
// considered dead: 3x the heartbeat interval.
func (c Config) HeartbeatLease() time.Duration {
	return 3 * c.HeartbeatInterval
}

// Buses resolves the per-world event bus a dead-letter notice should publish
// to. Provided by the caller (the World Runtime owns bus lifecycles).
type Buses interface {
	Bus(worldID string) *eventbus.Bus
}

// Queue wraps a storage.Contract with retry/backoff business logic. The
// Contract implementation owns raw persistence and atomic claim semantics;
// Queue owns the state-machine decisions.
type Queue struct {
	store storage.Contract
	cfg   Config
	buses Buses
}

// New creates a Queue backed by store, using cfg's timing knobs and
// publishing dead-letter events through buses.
func New(store storage.Contract, cfg Config, buses Buses) *Queue {
	return &Queue{store: store, cfg: cfg, buses: buses}
}

// Enqueue assigns a queue id and (if absent) a pre-generated messageID, then
// persists a pending entry. The messageID becomes the idempotency key
// threaded through memory, events, and replay (P3).
func (q *Queue) Enqueue(ctx context.Context, worldID, content, sender, chatID string) (*model.QueueEntry, error) {
	entry := &model.QueueEntry{
		WorldID:    worldID,
		MessageID:  uuid.NewString(),
		ChatID:     chatID,
		Content:    content,
		Sender:     sender,
		EnqueuedAt: time.Now(),
	}
	if err := q.store.Enqueue(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Dequeue atomically claims the next eligible entry for worldID, or returns
// nil when none is eligible (either empty or a live lease is held).
func (q *Queue) Dequeue(ctx context.Context, worldID string) (*model.QueueEntry, error) {
	return q.store.Dequeue(ctx, worldID, q.cfg.HeartbeatLease())
}

// Heartbeat refreshes the lease on queueID. Called periodically by whoever
// holds the lease (the Queue Processor).
func (q *Queue) Heartbeat(ctx context.Context, queueID string) error {
	return q.store.UpdateHeartbeat(ctx, queueID)
}

// Complete marks queueID completed. A completed entry is never re-processed.
func (q *Queue) Complete(ctx context.Context, queueID string) error {
	return q.store.MarkCompleted(ctx, queueID)
}

// Fail records a processing failure for queueID. If the entry's attempt
// count (after increment) is still below MaxAttempts it is requeued with an
// exponential backoff delay; otherwise it is marked dead and a
// world.type=failed event is published carrying its messageID.
func (q *Queue) Fail(ctx context.Context, worldID, queueID, messageID string, cause error, attemptsSoFar int) error {
	nextAttempt := attemptsSoFar + 1
	dead := nextAttempt >= q.cfg.MaxAttempts

	var nextEligibleAt time.Time
	if !dead {
		nextEligibleAt = time.Now().Add(backoffFor(nextAttempt))
	}

	if err := q.store.MarkFailed(ctx, queueID, cause, nextEligibleAt, dead); err != nil {
		return err
	}

	if dead && q.buses != nil {
		if bus := q.buses.Bus(worldID); bus != nil {
			errMsg := ""
			if cause != nil {
				errMsg = cause.Error()
			}
			bus.EmitWorld(ctx, eventbus.WorldPayload{
				Type:      eventbus.WorldFailed,
				Error:     errMsg,
				MessageID: messageID,
			})
		}
	}
	return nil
}

// Stats returns current queue depth information, used by the Queue
// Processor's poll loop to decide which worlds need a task spawned.
func (q *Queue) Stats(ctx context.Context) (model.QueueStats, error) {
	return q.store.GetQueueStats(ctx)
}

// ReclaimStale flips orphaned leased entries (dead heartbeat) back to
// pending. Called once at Queue Processor startup.
func (q *Queue) ReclaimStale(ctx context.Context) (int, error) {
	return q.store.ReclaimStale(ctx, q.cfg.HeartbeatLease())
}

// backoffFor returns the delay before attempt n (1-indexed) may run again,
// using the real exponential-backoff generator (initial 1s, factor 2,
// capped at 30s) instead of hand-rolled math.
func backoffFor(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Second
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d > b.MaxInterval {
		d = b.MaxInterval
	}
	return d
}
