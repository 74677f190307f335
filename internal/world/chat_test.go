package world

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworld/orchestrator/internal/approval"
	"github.com/agentworld/orchestrator/internal/model"
	"github.com/agentworld/orchestrator/internal/storage/memory"
)

func newTestRuntime(t *testing.T, worldID string) (*Runtime, *memory.Store) {
	t.Helper()
	store := memory.New()
	w := &model.World{ID: worldID, Name: "test", TurnLimit: 3}
	require.NoError(t, store.SaveWorld(context.Background(), w))
	rt := New(store, approval.NewMemCache(), newRecordingRunner(), w, nil)
	require.NoError(t, rt.Start(context.Background()))
	return rt, store
}

func TestCreateChatSetsCurrentChat(t *testing.T) {
	rt, store := newTestRuntime(t, "world-1")
	ctx := context.Background()

	chat, err := rt.CreateChat(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, model.DefaultChatName, chat.Name)
	assert.Equal(t, chat.ID, rt.CurrentChatID())

	w, err := store.LoadWorld(ctx, "world-1")
	require.NoError(t, err)
	assert.Contains(t, w.ChatIDs, chat.ID)
}

func TestCreateChatReusesUntouchedDefaultChat(t *testing.T) {
	rt, _ := newTestRuntime(t, "world-1")
	ctx := context.Background()

	first, err := rt.CreateChat(ctx, "")
	require.NoError(t, err)

	second, err := rt.CreateChat(ctx, "")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "an untouched default chat should be reused, not duplicated")
}

func TestCreateChatDoesNotReuseANamedChat(t *testing.T) {
	rt, _ := newTestRuntime(t, "world-1")
	ctx := context.Background()

	first, err := rt.CreateChat(ctx, "project planning")
	require.NoError(t, err)

	second, err := rt.CreateChat(ctx, "")
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
}

func TestCreateChatDoesNotReuseAChatWithMessages(t *testing.T) {
	rt, store := newTestRuntime(t, "world-1")
	ctx := context.Background()

	first, err := rt.CreateChat(ctx, "")
	require.NoError(t, err)
	_, err = store.UpdateChatData(ctx, "world-1", first.ID, func(c *model.Chat) error {
		c.MessageCount = 1
		return nil
	})
	require.NoError(t, err)

	second, err := rt.CreateChat(ctx, "")
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
}

func TestCreateAgentDefaultsProviderAndModelFromWorld(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	w := &model.World{ID: "world-1", TurnLimit: 3, ChatLLMProvider: "openai", ChatLLMModel: "gpt-5"}
	require.NoError(t, store.SaveWorld(ctx, w))
	rt := New(store, approval.NewMemCache(), newRecordingRunner(), w, nil)
	require.NoError(t, rt.Start(ctx))

	a, err := rt.CreateAgent(ctx, "researcher", "digs up sources", "", "")
	require.NoError(t, err)
	assert.Equal(t, "openai", a.Provider)
	assert.Equal(t, "gpt-5", a.Model)
	assert.Equal(t, model.AgentStatusActive, a.Status)
}

func TestCreateAgentFallsBackToPackageDefaults(t *testing.T) {
	rt, _ := newTestRuntime(t, "world-1")
	ctx := context.Background()

	a, err := rt.CreateAgent(ctx, "researcher", "", "", "")
	require.NoError(t, err)
	assert.Equal(t, DefaultProvider, a.Provider)
	assert.Equal(t, DefaultModel, a.Model)
}

func TestCreateAgentAttachesBusSubscription(t *testing.T) {
	rt, _ := newTestRuntime(t, "world-1")
	ctx := context.Background()

	_, err := rt.CreateAgent(ctx, "researcher", "", "", "")
	require.NoError(t, err)

	snap := rt.Snapshot()
	require.Len(t, snap.AgentIDs, 1)
}

func TestClearAgentMemoryArchives(t *testing.T) {
	rt, store := newTestRuntime(t, "world-1")
	ctx := context.Background()
	require.NoError(t, store.SaveAgent(ctx, &model.Agent{ID: "agent-1", WorldID: "world-1", Status: model.AgentStatusActive}))
	require.NoError(t, store.SaveAgentMemory(ctx, "world-1", "agent-1", []model.MemoryEntry{{AgentID: "agent-1", Message: model.Message{Role: model.RoleUser, Content: "hi"}}}))

	require.NoError(t, rt.ClearAgentMemory(ctx, "agent-1"))

	entries, err := store.LoadAgentMemory(ctx, "world-1", "agent-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestClearAllMemoryClearsEveryAgent(t *testing.T) {
	rt, store := newTestRuntime(t, "world-1")
	ctx := context.Background()
	require.NoError(t, store.SaveAgent(ctx, &model.Agent{ID: "agent-1", WorldID: "world-1", Status: model.AgentStatusActive}))
	require.NoError(t, store.SaveAgent(ctx, &model.Agent{ID: "agent-2", WorldID: "world-1", Status: model.AgentStatusActive}))
	require.NoError(t, store.SaveAgentMemory(ctx, "world-1", "agent-1", []model.MemoryEntry{{AgentID: "agent-1", Message: model.Message{Role: model.RoleUser, Content: "hi"}}}))
	require.NoError(t, store.SaveAgentMemory(ctx, "world-1", "agent-2", []model.MemoryEntry{{AgentID: "agent-2", Message: model.Message{Role: model.RoleUser, Content: "yo"}}}))

	require.NoError(t, rt.ClearAllMemory(ctx))

	e1, _ := store.LoadAgentMemory(ctx, "world-1", "agent-1")
	e2, _ := store.LoadAgentMemory(ctx, "world-1", "agent-2")
	assert.Empty(t, e1)
	assert.Empty(t, e2)
}
