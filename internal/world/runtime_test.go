package world

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworld/orchestrator/internal/approval"
	"github.com/agentworld/orchestrator/internal/eventbus"
	"github.com/agentworld/orchestrator/internal/model"
	"github.com/agentworld/orchestrator/internal/storage/memory"
)

// recordingRunner records every message it's handed, for assertions, and
// never touches an LLM.
type recordingRunner struct {
	handled chan model.Message
}

func newRecordingRunner() *recordingRunner {
	return &recordingRunner{handled: make(chan model.Message, 16)}
}

func (r *recordingRunner) HandleMessage(ctx context.Context, h Handle, a *model.Agent, msg model.Message) {
	r.handled <- msg
}

func newTestWorld(t *testing.T, store *memory.Store, worldID string) *model.World {
	t.Helper()
	w := &model.World{ID: worldID, Name: "test", TurnLimit: 3}
	require.NoError(t, store.SaveWorld(context.Background(), w))
	return w
}

func TestRuntimeStartSubscribesOnlyActiveAgents(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	w := newTestWorld(t, store, "world-1")
	require.NoError(t, store.SaveAgent(ctx, &model.Agent{ID: "active", WorldID: "world-1", Status: model.AgentStatusActive}))
	require.NoError(t, store.SaveAgent(ctx, &model.Agent{ID: "archived", WorldID: "world-1", Status: model.AgentStatusInactive}))

	runner := newRecordingRunner()
	rt := New(store, approval.NewMemCache(), runner, w, nil)
	require.NoError(t, rt.Start(ctx))

	rt.Bus().EmitMessage(ctx, eventbus.MessagePayload{MessageID: "m1", Content: "hi", Sender: model.SenderHuman})

	select {
	case msg := <-runner.handled:
		assert.Equal(t, "m1", msg.MessageID)
	case <-time.After(time.Second):
		t.Fatal("active agent was never dispatched to")
	}

	select {
	case <-runner.handled:
		t.Fatal("archived agent must not receive messages")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRuntimeTurnCountResetsOnHumanMessage(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	w := newTestWorld(t, store, "world-1")
	require.NoError(t, store.SaveAgent(ctx, &model.Agent{ID: "agent-1", WorldID: "world-1", Status: model.AgentStatusActive}))

	rt := New(store, approval.NewMemCache(), newRecordingRunner(), w, nil)
	require.NoError(t, rt.Start(ctx))

	rt.IncrementTurnCount("agent-1")
	rt.IncrementTurnCount("agent-1")
	assert.Equal(t, 2, rt.TurnCount("agent-1"))

	rt.Bus().EmitMessage(ctx, eventbus.MessagePayload{MessageID: "m1", Sender: model.SenderHuman})
	// dispatch resets synchronously before spawning the pipeline goroutine.
	assert.Eventually(t, func() bool { return rt.TurnCount("agent-1") == 0 }, time.Second, 5*time.Millisecond)
}

func TestSetCurrentChatIDResetsTurnCounts(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	w := newTestWorld(t, store, "world-1")
	rt := New(store, approval.NewMemCache(), newRecordingRunner(), w, nil)
	require.NoError(t, rt.Start(ctx))

	rt.IncrementTurnCount("agent-1")
	rt.SetCurrentChatID("chat-2")

	assert.Equal(t, 0, rt.TurnCount("agent-1"))
	assert.Equal(t, "chat-2", rt.CurrentChatID())
}

func TestPipelineStartedEndedEmitsIdleOnlyAtZero(t *testing.T) {
	store := memory.New()
	w := newTestWorld(t, store, "world-1")
	rt := New(store, approval.NewMemCache(), newRecordingRunner(), w, nil)

	var idleCount int
	rt.Bus().OnWorld(func(_ context.Context, p eventbus.WorldPayload) {
		if p.Type == eventbus.WorldIdle {
			idleCount++
		}
	})

	rt.PipelineStarted()
	rt.PipelineStarted()
	rt.PipelineEnded()
	assert.Equal(t, 0, idleCount, "must not fire idle while one pipeline is still in flight")
	assert.EqualValues(t, 1, rt.InFlight())

	rt.PipelineEnded()
	assert.Equal(t, 1, idleCount)
	assert.EqualValues(t, 0, rt.InFlight())
}

func TestRegistryGetHydratesOnce(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	newTestWorld(t, store, "world-1")

	reg := NewRegistry(store, approval.NewMemCache(), newRecordingRunner(), nil)
	rt1, err := reg.Get(ctx, "world-1")
	require.NoError(t, err)
	rt2, err := reg.Get(ctx, "world-1")
	require.NoError(t, err)
	assert.Same(t, rt1, rt2, "Get must return the same hydrated Runtime on repeat calls")
}

func TestRegistryGetUnknownWorldErrors(t *testing.T) {
	store := memory.New()
	reg := NewRegistry(store, approval.NewMemCache(), newRecordingRunner(), nil)
	_, err := reg.Get(context.Background(), "does-not-exist")
	assert.Error(t, err)
}

func TestRegistryEvictForcesRehydration(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	newTestWorld(t, store, "world-1")

	reg := NewRegistry(store, approval.NewMemCache(), newRecordingRunner(), nil)
	rt1, err := reg.Get(ctx, "world-1")
	require.NoError(t, err)

	reg.Evict("world-1")

	rt2, err := reg.Get(ctx, "world-1")
	require.NoError(t, err)
	assert.NotSame(t, rt1, rt2, "Evict must force the next Get to rehydrate")
}

func TestRegistryBusReturnsNilForUnhydratedWorld(t *testing.T) {
	store := memory.New()
	reg := NewRegistry(store, approval.NewMemCache(), newRecordingRunner(), nil)
	assert.Nil(t, reg.Bus("never-loaded"))
}
