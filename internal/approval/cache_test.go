package approval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworld/orchestrator/internal/model"
)

func TestMemCacheSetGetRoundTrip(t *testing.T) {
	c := NewMemCache()
	require.NoError(t, c.Set("chat-1", "search", model.ApprovalApprove))

	entry, ok := c.Get("chat-1", "search")
	require.True(t, ok)
	assert.Equal(t, model.ApprovalApprove, entry.Decision)
	assert.Equal(t, "chat-1", entry.ChatID)
	assert.Equal(t, "search", entry.ToolName)
}

func TestMemCacheGetMissingReturnsFalse(t *testing.T) {
	c := NewMemCache()
	_, ok := c.Get("chat-1", "search")
	assert.False(t, ok)
}

func TestMemCacheRejectsEmptyKeys(t *testing.T) {
	c := NewMemCache()
	assert.Error(t, c.Set("", "search", model.ApprovalApprove))
	assert.Error(t, c.Set("chat-1", "", model.ApprovalApprove))

	_, ok := c.Get("", "search")
	assert.False(t, ok)
}

func TestMemCacheIsScopedPerToolWithinAChat(t *testing.T) {
	c := NewMemCache()
	require.NoError(t, c.Set("chat-1", "search", model.ApprovalApprove))
	require.NoError(t, c.Set("chat-1", "delete_file", model.ApprovalDeny))

	search, _ := c.Get("chat-1", "search")
	del, _ := c.Get("chat-1", "delete_file")
	assert.Equal(t, model.ApprovalApprove, search.Decision)
	assert.Equal(t, model.ApprovalDeny, del.Decision)
}

func TestMemCacheClearDropsOnlyThatChat(t *testing.T) {
	c := NewMemCache()
	require.NoError(t, c.Set("chat-1", "search", model.ApprovalApprove))
	require.NoError(t, c.Set("chat-2", "search", model.ApprovalApprove))

	c.Clear("chat-1")

	_, ok1 := c.Get("chat-1", "search")
	_, ok2 := c.Get("chat-2", "search")
	assert.False(t, ok1)
	assert.True(t, ok2)
}

func TestMemCacheClearAllDropsEverything(t *testing.T) {
	c := NewMemCache()
	require.NoError(t, c.Set("chat-1", "search", model.ApprovalApprove))
	require.NoError(t, c.Set("chat-2", "search", model.ApprovalApprove))

	c.ClearAll()

	_, ok1 := c.Get("chat-1", "search")
	_, ok2 := c.Get("chat-2", "search")
	assert.False(t, ok1)
	assert.False(t, ok2)
}

func TestMemCacheReSetUpdatesTimestamp(t *testing.T) {
	c := NewMemCache()
	require.NoError(t, c.Set("chat-1", "search", model.ApprovalDeny))
	first, _ := c.Get("chat-1", "search")

	require.NoError(t, c.Set("chat-1", "search", model.ApprovalApprove))
	second, _ := c.Get("chat-1", "search")

	assert.Equal(t, model.ApprovalApprove, second.Decision)
	assert.False(t, second.Timestamp.Before(first.Timestamp))
}
