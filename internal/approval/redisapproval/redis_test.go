package redisapproval

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEntryKeyIncludesPrefixChatAndTool(t *testing.T) {
	c := &Cache{prefix: "approval"}
	assert.Equal(t, "approval:chat-1:fs.write", c.entryKey("chat-1", "fs.write"))
}

func TestChatPatternMatchesAnyToolForChat(t *testing.T) {
	c := &Cache{prefix: "approval"}
	assert.Equal(t, "approval:chat-1:*", c.chatPattern("chat-1"))
}

func TestSetRejectsEmptyChatID(t *testing.T) {
	c := &Cache{prefix: "approval"}
	err := c.Set("", "fs.write", "approve")
	assert.Error(t, err)
}

func TestSetRejectsEmptyToolName(t *testing.T) {
	c := &Cache{prefix: "approval"}
	err := c.Set("chat-1", "", "approve")
	assert.Error(t, err)
}

func TestGetReturnsFalseForEmptyChatIDWithoutTouchingClient(t *testing.T) {
	c := &Cache{prefix: "approval"}
	_, ok := c.Get("", "fs.write")
	assert.False(t, ok)
}

func TestGetReturnsFalseForEmptyToolNameWithoutTouchingClient(t *testing.T) {
	c := &Cache{prefix: "approval"}
	_, ok := c.Get("chat-1", "")
	assert.False(t, ok)
}
