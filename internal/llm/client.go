// Package llm defines the provider-agnostic streaming interface the Agent
// Responder drives. Concrete adapters live in the anthropicprovider and
// openaiprovider sub-packages.
package llm

import "context"

// Client streams one conversation turn from an LLM provider.
type Client interface {
	// Generate sends a conversation to the provider and returns a stream of
	// chunks. The returned channel is closed when the stream completes,
	// whether successfully or with an ErrorChunk as the last value.
	Generate(ctx context.Context, input *GenerateInput) (<-chan Chunk, error)

	// Close releases any underlying connection.
	Close() error
}

// GenerateInput is one streaming request to a provider.
type GenerateInput struct {
	Model       string
	Messages    []ConversationMessage
	Tools       []ToolDefinition // nil = no tools offered
	Temperature float64
	MaxTokens   int
}

// Conversation message roles, mirroring model.MessageRole.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ConversationMessage is the provider-facing message shape built from
// truncated agent memory.
type ConversationMessage struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall // assistant messages only
	ToolCallID string     // tool messages only
	ToolName   string     // tool messages only
}

// ToolDefinition describes one tool available to the LLM for this call.
type ToolDefinition struct {
	Name             string
	Description      string
	ParametersSchema string // JSON Schema
}

// ToolCall is one tool invocation requested by the provider.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON
}

// ChunkType identifies the kind of streaming chunk.
type ChunkType string

const (
	ChunkTypeText     ChunkType = "text"
	ChunkTypeToolCall ChunkType = "tool_call"
	ChunkTypeUsage    ChunkType = "usage"
	ChunkTypeError    ChunkType = "error"
)

// Chunk is the interface for all streaming chunk types.
type Chunk interface {
	chunkType() ChunkType
}

// TextChunk is a fragment of the assistant's text response.
type TextChunk struct{ Content string }

// ToolCallChunk signals a completed tool-call request from the provider.
type ToolCallChunk struct{ CallID, Name, Arguments string }

// UsageChunk reports token consumption for this call, emitted once at the
// end of a successful stream.
type UsageChunk struct{ InputTokens, OutputTokens, TotalTokens int }

// StopReason classifies why a provider's stream ended.
type StopReason string

const (
	StopReasonEndTurn   StopReason = "end_turn"
	StopReasonToolUse   StopReason = "tool_use"
	StopReasonMaxTokens StopReason = "max_tokens"
)

// DoneChunk is the terminal chunk of a successful stream, carrying the
// provider's stop reason so the pipeline knows whether to enter ToolPhase.
type DoneChunk struct{ StopReason StopReason }

// ErrorChunk signals a provider or transport failure. When delivered, it is
// always the last value on the channel.
type ErrorChunk struct {
	Message   string
	Retryable bool
}

func (c *TextChunk) chunkType() ChunkType     { return ChunkTypeText }
func (c *ToolCallChunk) chunkType() ChunkType { return ChunkTypeToolCall }
func (c *UsageChunk) chunkType() ChunkType    { return ChunkTypeUsage }
func (c *DoneChunk) chunkType() ChunkType     { return ChunkType("done") }
func (c *ErrorChunk) chunkType() ChunkType    { return ChunkTypeError }

// Registry resolves a Client by provider name ("anthropic", "openai", ...).
// Built by cmd/worldd at startup from configured API keys.
type Registry struct {
	clients map[string]Client
}

// NewRegistry creates a Registry over the given provider->Client bindings.
func NewRegistry(clients map[string]Client) *Registry {
	return &Registry{clients: clients}
}

// Resolve returns the Client registered for provider, or false if none was
// configured.
func (r *Registry) Resolve(provider string) (Client, bool) {
	c, ok := r.clients[provider]
	return c, ok
}

// Close closes every registered client, collecting the first error.
func (r *Registry) Close() error {
	var first error
	for _, c := range r.clients {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
