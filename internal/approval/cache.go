// Package approval implements the Approval Cache (C6): a process-wide,
// chat-scoped mapping from (chatID, toolName) to a cached tool-use decision.
package approval

import (
	"sync"
	"time"

	"github.com/agentworld/orchestrator/internal/model"
)

// Cache is the Approval Cache's capability surface. Implementations must be
// safe for concurrent use.
type Cache interface {
	// Set records decision for (chatID, toolName), updating the timestamp on
	// a re-set. Rejects empty chatID or toolName.
	Set(chatID, toolName string, decision model.ApprovalDecision) error
	// Get returns the cached decision and true, or the zero value and false
	// when absent (including when chatID or toolName is empty).
	Get(chatID, toolName string) (model.ApprovalEntry, bool)
	// Clear drops every cached decision for chatID.
	Clear(chatID string)
	// ClearAll drops every cached decision across every chat.
	ClearAll()
}

type key struct {
	chatID, toolName string
}

// MemCache is the default in-process Cache implementation.
type MemCache struct {
	mu      sync.RWMutex
	entries map[key]model.ApprovalEntry
}

// NewMemCache creates an empty in-process approval cache.
func NewMemCache() *MemCache {
	return &MemCache{entries: make(map[key]model.ApprovalEntry)}
}

func (c *MemCache) Set(chatID, toolName string, decision model.ApprovalDecision) error {
	if chatID == "" || toolName == "" {
		return errEmptyKey
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key{chatID, toolName}] = model.ApprovalEntry{
		ChatID:    chatID,
		ToolName:  toolName,
		Decision:  decision,
		Timestamp: time.Now(),
	}
	return nil
}

func (c *MemCache) Get(chatID, toolName string) (model.ApprovalEntry, bool) {
	if chatID == "" || toolName == "" {
		return model.ApprovalEntry{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key{chatID, toolName}]
	return e, ok
}

func (c *MemCache) Clear(chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.chatID == chatID {
			delete(c.entries, k)
		}
	}
}

func (c *MemCache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[key]model.ApprovalEntry)
}

var errEmptyKey = emptyKeyError{}

type emptyKeyError struct{}

func (emptyKeyError) Error() string { return "approval: chatID and toolName must be non-empty" }

var _ Cache = (*MemCache)(nil)
