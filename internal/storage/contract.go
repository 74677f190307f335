// Package storage defines the Storage Contract: the durable key/value and
// ordered-list capability every persistence backend must provide. It is a
// capability interface, not a schema — see the memory, sqlite, and postgres
// sub-packages for concrete backends.
package storage

import (
	"context"
	"time"

	"github.com/agentworld/orchestrator/internal/model"
)

// BatchResult reports partial success for a batch operation: items are
// returned in input order, errs[i] is nil when items[i] succeeded.
type BatchResult[T any] struct {
	Items []T
	Errs  []error
}

// Contract is the full capability surface the core consumes. All operations
// fail with a *storage.Error (see errors.go).
type Contract interface {
	// Worlds
	SaveWorld(ctx context.Context, w *model.World) error
	LoadWorld(ctx context.Context, worldID string) (*model.World, error)
	DeleteWorld(ctx context.Context, worldID string) error // idempotent, cascades
	ListWorlds(ctx context.Context) ([]*model.World, error)
	WorldExists(ctx context.Context, worldID string) (bool, error)

	// Agents
	SaveAgent(ctx context.Context, a *model.Agent) error
	LoadAgent(ctx context.Context, worldID, agentID string) (*model.Agent, error) // nil, nil on absence
	DeleteAgent(ctx context.Context, worldID, agentID string) error
	ListAgents(ctx context.Context, worldID string) ([]*model.Agent, error)
	SaveAgentMemory(ctx context.Context, worldID, agentID string, entries []model.MemoryEntry) error
	// LoadAgentMemory returns agentID's own memory across every chat, in the
	// order SaveAgentMemory last wrote it (append order). Callers filter by
	// chatID themselves; the full history is needed to append and re-save.
	LoadAgentMemory(ctx context.Context, worldID, agentID string) ([]model.MemoryEntry, error)
	DeleteMemoryByChatID(ctx context.Context, worldID, agentID, chatID string) error
	ArchiveMemory(ctx context.Context, worldID, agentID, label string) error

	SaveAgentsBatch(ctx context.Context, agents []*model.Agent) BatchResult[*model.Agent]
	LoadAgentsBatch(ctx context.Context, worldID string, agentIDs []string) BatchResult[*model.Agent]

	// Chats
	SaveChatData(ctx context.Context, c *model.Chat) error
	LoadChatData(ctx context.Context, worldID, chatID string) (*model.Chat, error)
	UpdateChatData(ctx context.Context, worldID, chatID string, mutate func(*model.Chat) error) (*model.Chat, error)
	DeleteChatData(ctx context.Context, worldID, chatID string) error
	ListChats(ctx context.Context, worldID string) ([]*model.Chat, error)

	// Messages
	SaveMessage(ctx context.Context, m *model.Message) error
	ListMessages(ctx context.Context, worldID, chatID string) ([]*model.Message, error) // timestamp order

	// GetMemory returns the time-sorted union of every agent's memory
	// entries in worldID matching chatID ("" = all chats).
	GetMemory(ctx context.Context, worldID, chatID string) ([]model.MemoryEntry, error)

	// Queue
	Enqueue(ctx context.Context, entry *model.QueueEntry) error
	Dequeue(ctx context.Context, worldID string, heartbeatLease time.Duration) (*model.QueueEntry, error) // nil, nil when nothing eligible
	UpdateHeartbeat(ctx context.Context, queueID string) error
	MarkCompleted(ctx context.Context, queueID string) error
	MarkFailed(ctx context.Context, queueID string, cause error, nextEligibleAt time.Time, dead bool) error
	GetQueueStats(ctx context.Context) (model.QueueStats, error)
	ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error)

	// Close releases backend resources (connections, file handles).
	Close() error
}
