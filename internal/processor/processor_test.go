package processor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworld/orchestrator/internal/approval"
	"github.com/agentworld/orchestrator/internal/eventbus"
	"github.com/agentworld/orchestrator/internal/model"
	"github.com/agentworld/orchestrator/internal/queue"
	"github.com/agentworld/orchestrator/internal/storage/memory"
	"github.com/agentworld/orchestrator/internal/world"
)

// stubRunner never calls an LLM; it just records that it ran.
type stubRunner struct {
	ran chan model.Message
}

func newStubRunner() *stubRunner {
	return &stubRunner{ran: make(chan model.Message, 16)}
}

func (s *stubRunner) HandleMessage(ctx context.Context, h world.Handle, a *model.Agent, msg model.Message) {
	s.ran <- msg
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.PollIntervalJitter = 0
	cfg.WorldIdleTimeout = 2 * time.Second
	cfg.ShutdownGrace = 2 * time.Second
	return cfg
}

func TestProcessorProcessesEnqueuedMessageWithNoAgents(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.SaveWorld(ctx, &model.World{ID: "world-1", TurnLimit: 5}))

	approvals := approval.NewMemCache()
	registry := world.NewRegistry(store, approvals, newStubRunner(), nil)
	q := queue.New(store, queue.DefaultConfig(), registry)

	p := New(q, registry, store, testConfig(), nil)
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	_, err := q.Enqueue(ctx, "world-1", "hello", model.SenderHuman, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stats, err := q.Stats(ctx)
		return err == nil && stats.PendingByWorld["world-1"] == 0
	}, 2*time.Second, 10*time.Millisecond, "queue entry should be claimed and completed")

	require.Eventually(t, func() bool {
		msgs, err := store.ListMessages(ctx, "world-1", "")
		return err == nil && len(msgs) == 1
	}, 1*time.Second, 10*time.Millisecond, "message should persist even with no chat and no agents to receive it")
}

func TestProcessorDeliversMessageToSubscribedAgent(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.SaveWorld(ctx, &model.World{ID: "world-1", TurnLimit: 5, CurrentChatID: "chat-1"}))
	require.NoError(t, store.SaveChatData(ctx, &model.Chat{ID: "chat-1", WorldID: "world-1", Name: "New Chat"}))
	require.NoError(t, store.SaveAgent(ctx, &model.Agent{
		ID: "agent-1", WorldID: "world-1", Name: "researcher", Status: model.AgentStatusActive,
	}))

	runner := newStubRunner()
	approvals := approval.NewMemCache()
	registry := world.NewRegistry(store, approvals, runner, nil)
	q := queue.New(store, queue.DefaultConfig(), registry)

	p := New(q, registry, store, testConfig(), nil)
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	_, err := q.Enqueue(ctx, "world-1", "hello agent", model.SenderHuman, "chat-1")
	require.NoError(t, err)

	select {
	case msg := <-runner.ran:
		assert.Equal(t, "hello agent", msg.Content)
		assert.Equal(t, "chat-1", msg.ChatID)
	case <-time.After(2 * time.Second):
		t.Fatal("agent pipeline was never invoked")
	}

	msgs, err := store.ListMessages(ctx, "world-1", "chat-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello agent", msgs[0].Content)
}

func TestProcessorBroadcastsProcessingThenCompletedStatus(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.SaveWorld(ctx, &model.World{ID: "world-1", TurnLimit: 5}))

	approvals := approval.NewMemCache()
	registry := world.NewRegistry(store, approvals, newStubRunner(), nil)
	q := queue.New(store, queue.DefaultConfig(), registry)

	rt, err := registry.Get(ctx, "world-1")
	require.NoError(t, err)

	var statuses []eventbus.StatusPayload
	dispose := rt.Bus().OnStatus(func(_ context.Context, p eventbus.StatusPayload) {
		statuses = append(statuses, p)
	})
	defer dispose()

	p := New(q, registry, store, testConfig(), nil)
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	entry, err := q.Enqueue(ctx, "world-1", "hello", model.SenderHuman, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(statuses) >= 2
	}, 2*time.Second, 10*time.Millisecond, "expected a processing and a completed status event")

	assert.Equal(t, eventbus.StatusProcessing, statuses[0].Status)
	assert.Equal(t, entry.MessageID, statuses[0].MessageID)
	assert.Equal(t, eventbus.StatusCompleted, statuses[1].Status)
	assert.Equal(t, entry.MessageID, statuses[1].MessageID)
}

func TestProcessorRespectsMaxConcurrentWorlds(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	cfg := testConfig()
	cfg.MaxConcurrentWorlds = 1

	approvals := approval.NewMemCache()
	registry := world.NewRegistry(store, approvals, newStubRunner(), nil)
	q := queue.New(store, queue.DefaultConfig(), registry)
	p := New(q, registry, store, cfg, nil)

	require.NoError(t, store.SaveWorld(ctx, &model.World{ID: "world-a", TurnLimit: 5}))
	require.NoError(t, store.SaveWorld(ctx, &model.World{ID: "world-b", TurnLimit: 5}))
	_, err := q.Enqueue(ctx, "world-a", "a", model.SenderHuman, "")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "world-b", "b", model.SenderHuman, "")
	require.NoError(t, err)

	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	require.Eventually(t, func() bool {
		stats, err := q.Stats(ctx)
		if err != nil {
			return false
		}
		return stats.PendingByWorld["world-a"] == 0 && stats.PendingByWorld["world-b"] == 0
	}, 3*time.Second, 10*time.Millisecond, "both worlds should eventually drain despite the concurrency cap")
}

func TestProcessorStopWaitsForInFlightTask(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.SaveWorld(ctx, &model.World{ID: "world-1", TurnLimit: 5}))

	approvals := approval.NewMemCache()
	registry := world.NewRegistry(store, approvals, newStubRunner(), nil)
	q := queue.New(store, queue.DefaultConfig(), registry)
	p := New(q, registry, store, testConfig(), nil)

	require.NoError(t, p.Start(ctx))
	_, err := q.Enqueue(ctx, "world-1", "hello", model.SenderHuman, "")
	require.NoError(t, err)

	assert.NotPanics(t, func() { p.Stop() })
	assert.NotPanics(t, func() { p.Stop() }, "Stop must tolerate repeated calls")
}
