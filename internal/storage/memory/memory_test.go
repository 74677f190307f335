package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworld/orchestrator/internal/model"
)

func TestSaveWorldRejectsMissingID(t *testing.T) {
	s := New()
	err := s.SaveWorld(context.Background(), &model.World{TurnLimit: 1})
	assert.Error(t, err)
}

func TestSaveWorldRejectsSubOneTurnLimit(t *testing.T) {
	s := New()
	err := s.SaveWorld(context.Background(), &model.World{ID: "world-1", TurnLimit: 0})
	assert.Error(t, err)
}

func TestLoadWorldReturnsAClone(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.SaveWorld(ctx, &model.World{ID: "world-1", TurnLimit: 3, AgentIDs: []string{"a1"}}))

	w, err := s.LoadWorld(ctx, "world-1")
	require.NoError(t, err)
	w.AgentIDs[0] = "mutated"

	w2, err := s.LoadWorld(ctx, "world-1")
	require.NoError(t, err)
	assert.Equal(t, "a1", w2.AgentIDs[0], "mutating a loaded World must not affect the stored copy")
}

func TestLoadWorldUnknownReturnsError(t *testing.T) {
	s := New()
	_, err := s.LoadWorld(context.Background(), "nope")
	assert.Error(t, err)
}

func TestDeleteWorldIsIdempotentAndCascades(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.SaveWorld(ctx, &model.World{ID: "world-1", TurnLimit: 3}))
	require.NoError(t, s.SaveAgent(ctx, &model.Agent{ID: "agent-1", WorldID: "world-1"}))

	require.NoError(t, s.DeleteWorld(ctx, "world-1"))
	require.NoError(t, s.DeleteWorld(ctx, "world-1"), "deleting twice must not error")

	exists, err := s.WorldExists(ctx, "world-1")
	require.NoError(t, err)
	assert.False(t, exists)

	agents, err := s.ListAgents(ctx, "world-1")
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestListWorldsIsSortedByID(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.SaveWorld(ctx, &model.World{ID: "world-b", TurnLimit: 1}))
	require.NoError(t, s.SaveWorld(ctx, &model.World{ID: "world-a", TurnLimit: 1}))

	worlds, err := s.ListWorlds(ctx)
	require.NoError(t, err)
	require.Len(t, worlds, 2)
	assert.Equal(t, "world-a", worlds[0].ID)
	assert.Equal(t, "world-b", worlds[1].ID)
}

func TestLoadAgentUnknownReturnsNilNil(t *testing.T) {
	s := New()
	a, err := s.LoadAgent(context.Background(), "world-1", "nope")
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestDeleteAgentRemovesItsMemoryToo(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.SaveAgent(ctx, &model.Agent{ID: "agent-1", WorldID: "world-1"}))
	require.NoError(t, s.SaveAgentMemory(ctx, "world-1", "agent-1", []model.MemoryEntry{{AgentID: "agent-1"}}))

	require.NoError(t, s.DeleteAgent(ctx, "world-1", "agent-1"))

	a, err := s.LoadAgent(ctx, "world-1", "agent-1")
	require.NoError(t, err)
	assert.Nil(t, a)

	entries, err := s.LoadAgentMemory(ctx, "world-1", "agent-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDeleteMemoryByChatIDKeepsOtherChats(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.SaveAgentMemory(ctx, "world-1", "agent-1", []model.MemoryEntry{
		{AgentID: "agent-1", ChatID: "chat-1", Message: model.Message{Content: "a"}},
		{AgentID: "agent-1", ChatID: "chat-2", Message: model.Message{Content: "b"}},
	}))

	require.NoError(t, s.DeleteMemoryByChatID(ctx, "world-1", "agent-1", "chat-1"))

	entries, err := s.LoadAgentMemory(ctx, "world-1", "agent-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "chat-2", entries[0].ChatID)
}

func TestSaveAgentsBatchReportsPerItemErrors(t *testing.T) {
	s := New()
	res := s.SaveAgentsBatch(context.Background(), []*model.Agent{
		{ID: "agent-1", WorldID: "world-1"},
		{ID: "", WorldID: "world-1"},
	})
	require.Len(t, res.Errs, 2)
	assert.NoError(t, res.Errs[0])
	assert.Error(t, res.Errs[1])
}

func TestLoadAgentsBatchPreservesRequestedOrder(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.SaveAgent(ctx, &model.Agent{ID: "a1", WorldID: "world-1", Name: "first"}))
	require.NoError(t, s.SaveAgent(ctx, &model.Agent{ID: "a2", WorldID: "world-1", Name: "second"}))

	res := s.LoadAgentsBatch(ctx, "world-1", []string{"a2", "a1", "missing"})
	require.Len(t, res.Items, 3)
	assert.Equal(t, "second", res.Items[0].Name)
	assert.Equal(t, "first", res.Items[1].Name)
	assert.Nil(t, res.Items[2])
}

func TestUpdateChatDataAppliesMutation(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.SaveChatData(ctx, &model.Chat{ID: "chat-1", WorldID: "world-1", Name: "New Chat"}))

	updated, err := s.UpdateChatData(ctx, "world-1", "chat-1", func(c *model.Chat) error {
		c.MessageCount++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.MessageCount)

	reloaded, err := s.LoadChatData(ctx, "world-1", "chat-1")
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.MessageCount)
}

func TestUpdateChatDataUnknownChatErrors(t *testing.T) {
	s := New()
	_, err := s.UpdateChatData(context.Background(), "world-1", "nope", func(c *model.Chat) error { return nil })
	assert.Error(t, err)
}

func TestDeleteChatDataRemovesIt(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.SaveChatData(ctx, &model.Chat{ID: "chat-1", WorldID: "world-1"}))
	require.NoError(t, s.DeleteChatData(ctx, "world-1", "chat-1"))

	_, err := s.LoadChatData(ctx, "world-1", "chat-1")
	assert.Error(t, err)
}

func TestListChatsReturnsAllChatsInWorld(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.SaveChatData(ctx, &model.Chat{ID: "chat-1", WorldID: "world-1"}))
	require.NoError(t, s.SaveChatData(ctx, &model.Chat{ID: "chat-2", WorldID: "world-1"}))

	chats, err := s.ListChats(ctx, "world-1")
	require.NoError(t, err)
	assert.Len(t, chats, 2)
}

func TestSaveMessageRejectsMissingMessageID(t *testing.T) {
	s := New()
	err := s.SaveMessage(context.Background(), &model.Message{ChatID: "chat-1"})
	assert.Error(t, err)
}

func TestListMessagesFiltersByExactChatID(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.SaveMessage(ctx, &model.Message{MessageID: "m1", WorldID: "world-1", ChatID: "chat-1"}))
	require.NoError(t, s.SaveMessage(ctx, &model.Message{MessageID: "m2", WorldID: "world-1", ChatID: "chat-2"}))

	msgs, err := s.ListMessages(ctx, "world-1", "chat-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].MessageID)
}
