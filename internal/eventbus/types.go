// Package eventbus provides the per-world typed publish/subscribe bus (C2).
// Event families: message, sse, world, crud, status. Emission is
// synchronous with respect to the caller — handlers run before Emit returns,
// and ordering is preserved within a family on a single world.
package eventbus

import "github.com/agentworld/orchestrator/internal/model"

// Family identifies one of the typed event channels a World exposes.
type Family string

const (
	FamilyMessage Family = "message"
	FamilySSE     Family = "sse"
	FamilyWorld   Family = "world"
	FamilyCRUD    Family = "crud"
	FamilyStatus  Family = "status"
)

// MessagePayload is emitted whenever a chat message is persisted/fanned out.
type MessagePayload struct {
	MessageID        string
	Sender           string
	Content          string
	ChatID           string
	Timestamp        int64 // unix millis
	Role             model.MessageRole
	ToolCalls        []model.ToolCallRequest
	ToolCallID       string
	ReplyToMessageID string
}

// SSEType identifies the phase of a streaming LLM turn.
type SSEType string

const (
	SSEStart SSEType = "start"
	SSEChunk SSEType = "chunk"
	SSEEnd   SSEType = "end"
	SSEError SSEType = "error"
)

// SSEPayload carries one streaming LLM fragment.
type SSEPayload struct {
	Type      SSEType
	AgentName string
	MessageID string
	Content   string
	Error     string
}

// WorldEventType identifies a system/tool execution notice.
type WorldEventType string

const (
	WorldToolStart    WorldEventType = "tool-start"
	WorldToolProgress WorldEventType = "tool-progress"
	WorldToolResult   WorldEventType = "tool-result"
	WorldToolError    WorldEventType = "tool-error"
	WorldIdle         WorldEventType = "idle"
	WorldTurnLimit    WorldEventType = "turn-limit"
	WorldFailed       WorldEventType = "failed"
)

// ToolExecution describes an in-flight or completed tool call for WorldPayload.
type ToolExecution struct {
	ToolCallID string
	ToolName   string
	Arguments  string
	Result     string
	IsError    bool
}

// WorldPayload is emitted for system/tool lifecycle notices.
type WorldPayload struct {
	Type          WorldEventType
	AgentName     string
	ToolExecution *ToolExecution
	Error         string
	MessageID     string // set on WorldFailed: the dead-lettered queue entry's message id
}

// CRUDOperation identifies a configuration mutation kind.
type CRUDOperation string

const (
	CRUDCreate CRUDOperation = "create"
	CRUDUpdate CRUDOperation = "update"
	CRUDDelete CRUDOperation = "delete"
)

// CRUDPayload is emitted whenever a world/agent/chat mutation is acknowledged.
type CRUDPayload struct {
	Operation CRUDOperation
	Entity    string // "world" | "agent" | "chat"
	ID        string
	Payload   any
}

// StatusType is a queued message's processing lifecycle stage.
type StatusType string

const (
	StatusQueued     StatusType = "queued"
	StatusProcessing StatusType = "processing"
	StatusCompleted  StatusType = "completed"
	StatusFailed     StatusType = "failed"
)

// StatusPayload reports a queue entry's lifecycle to every connection
// subscribed to the world, not just the one that enqueued it. The Queue
// Processor emits processing/completed/failed as it drains an entry.
type StatusPayload struct {
	MessageID string
	ChatID    string
	Status    StatusType
	Error     string
}
