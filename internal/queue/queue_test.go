package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworld/orchestrator/internal/eventbus"
	"github.com/agentworld/orchestrator/internal/storage/memory"
)

// stubBuses hands out one bus per world, lazily, so Fail's dead-letter path
// has somewhere to publish to.
type stubBuses struct {
	buses map[string]*eventbus.Bus
}

func newStubBuses() *stubBuses { return &stubBuses{buses: make(map[string]*eventbus.Bus)} }

func (s *stubBuses) Bus(worldID string) *eventbus.Bus {
	if b, ok := s.buses[worldID]; ok {
		return b
	}
	b := eventbus.New()
	s.buses[worldID] = b
	return b
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	store := memory.New()
	q := New(store, DefaultConfig(), nil)
	ctx := context.Background()

	entry, err := q.Enqueue(ctx, "world-1", "hello", "HUMAN", "chat-1")
	require.NoError(t, err)
	assert.NotEmpty(t, entry.MessageID)

	claimed, err := q.Dequeue(ctx, "world-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, entry.MessageID, claimed.MessageID)

	// A second dequeue must find nothing: the entry is now leased.
	second, err := q.Dequeue(ctx, "world-1")
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestCompleteRemovesFromPendingStats(t *testing.T) {
	store := memory.New()
	q := New(store, DefaultConfig(), nil)
	ctx := context.Background()

	entry, err := q.Enqueue(ctx, "world-1", "hello", "HUMAN", "")
	require.NoError(t, err)

	claimed, err := q.Dequeue(ctx, "world-1")
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, claimed.QueueID))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.PendingByWorld["world-1"])
	_ = entry
}

func TestFailRequeuesUntilMaxAttemptsThenDeadLetters(t *testing.T) {
	store := memory.New()
	buses := newStubBuses()
	cfg := DefaultConfig()
	cfg.MaxAttempts = 2
	q := New(store, cfg, buses)
	ctx := context.Background()

	var failedEvents []eventbus.WorldPayload
	buses.Bus("world-1").OnWorld(func(_ context.Context, p eventbus.WorldPayload) {
		failedEvents = append(failedEvents, p)
	})

	entry, err := q.Enqueue(ctx, "world-1", "hello", "HUMAN", "")
	require.NoError(t, err)

	claimed, err := q.Dequeue(ctx, "world-1")
	require.NoError(t, err)

	// First failure (attempt 1 of 2): requeued, no dead-letter event yet.
	require.NoError(t, q.Fail(ctx, "world-1", claimed.QueueID, entry.MessageID, errors.New("boom"), claimed.AttemptCount))
	assert.Empty(t, failedEvents)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.PendingByWorld["world-1"], "retry is scheduled in the future, not immediately pending")

	time.Sleep(1100 * time.Millisecond)
	reclaimed, err := q.Dequeue(ctx, "world-1")
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, 1, reclaimed.AttemptCount)

	// Second failure (attempt 2 of 2): exhausts MaxAttempts, dead-lettered.
	require.NoError(t, q.Fail(ctx, "world-1", reclaimed.QueueID, entry.MessageID, errors.New("boom again"), reclaimed.AttemptCount))
	require.Len(t, failedEvents, 1)
	assert.Equal(t, eventbus.WorldFailed, failedEvents[0].Type)
	assert.Equal(t, entry.MessageID, failedEvents[0].MessageID)
}

func TestReclaimStaleReturnsLeasedEntriesToPending(t *testing.T) {
	store := memory.New()
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 1 * time.Millisecond // lease dies almost immediately
	q := New(store, cfg, nil)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "world-1", "hello", "HUMAN", "")
	require.NoError(t, err)
	_, err = q.Dequeue(ctx, "world-1")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	n, err := q.ReclaimStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	claimed, err := q.Dequeue(ctx, "world-1")
	require.NoError(t, err)
	assert.NotNil(t, claimed, "reclaimed entry should be eligible again")
}

func TestHeartbeatKeepsLeaseAlive(t *testing.T) {
	store := memory.New()
	q := New(store, DefaultConfig(), nil)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "world-1", "hello", "HUMAN", "")
	require.NoError(t, err)
	claimed, err := q.Dequeue(ctx, "world-1")
	require.NoError(t, err)

	require.NoError(t, q.Heartbeat(ctx, claimed.QueueID))
}
