package responder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworld/orchestrator/internal/approval"
	"github.com/agentworld/orchestrator/internal/eventbus"
	"github.com/agentworld/orchestrator/internal/llm"
	"github.com/agentworld/orchestrator/internal/mcptool"
	"github.com/agentworld/orchestrator/internal/model"
	"github.com/agentworld/orchestrator/internal/world"
)

// DefaultHistoryLimit is the number of memory entries (not turns) replayed
// into every LLM call; New applies it to all agents alike.
const DefaultHistoryLimit = 40

// ApprovalTimeout bounds how long a tool call waits for a human or external
// decision before it is treated as denied.
const ApprovalTimeout = 5 * time.Minute

// ToolExecutorFactory resolves the Executor an agent's pipeline run should
// use. A nil Executor makes every tool call fail as unconfigured.
type ToolExecutorFactory func(ctx context.Context, agent *model.Agent) (*mcptool.Executor, error)

// Pipeline drives the Agent Responder state machine: Idle, Receiving,
// Preparing, Calling, Streaming, ToolPhase, Approving, Finalizing, with Error
// reachable from any state. One Pipeline is shared by every world/agent; all
// per-run state lives on the stack of HandleMessage's call tree.
type Pipeline struct {
	llm          *llm.Registry
	tools        ToolExecutorFactory
	log          *slog.Logger
	historyLimit int

	pendingMu sync.Mutex
	pending   map[string]*pendingApproval
}

type pendingApproval struct {
	ch       chan bool
	chatID   string
	toolName string
	cache    approval.Cache
}

// approvalResponse is the JSON shape expected in a tool_result envelope's
// Content when it answers an approval request.
type approvalResponse struct {
	Decision model.ApprovalDecision `json:"decision"`
	Scope    model.ApprovalScope    `json:"scope"`
}

// New creates a Pipeline. tools may be nil, in which case tool calls always
// fail with "no tool executor configured."
func New(llmRegistry *llm.Registry, tools ToolExecutorFactory, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		llm:          llmRegistry,
		tools:        tools,
		log:          log,
		historyLimit: DefaultHistoryLimit,
		pending:      make(map[string]*pendingApproval),
	}
}

// HandleMessage implements world.PipelineRunner for one message delivered to
// one agent.
func (p *Pipeline) HandleMessage(ctx context.Context, handle world.Handle, agent *model.Agent, msg model.Message) {
	if env, ok := parseToolResultEnvelope(msg.Content); ok {
		p.ingestEnvelope(ctx, handle, agent, msg, env)
		return
	}

	p.appendIncomingToMemory(ctx, handle, agent, msg)

	if !ShouldRespond(nil, agent, msg) {
		return
	}

	p.runTurn(ctx, handle, agent, msg)
}

// ingestEnvelope handles an inbound tool_result-wrapped message: it resolves
// any goroutine blocked awaiting this tool_call_id and records a tool-role
// memory entry, restricted to the addressed agent when AgentID is set.
func (p *Pipeline) ingestEnvelope(ctx context.Context, handle world.Handle, agent *model.Agent, msg model.Message, env toolResultEnvelope) {
	if env.AgentID != "" && env.AgentID != agent.ID {
		return
	}
	p.resolvePending(env)

	entry := model.Message{
		MessageID:  msg.MessageID,
		ChatID:     msg.ChatID,
		WorldID:    handle.WorldID(),
		Role:       model.RoleTool,
		Sender:     msg.Sender,
		Content:    env.Content,
		ToolCallID: env.ToolCallID,
		Timestamp:  msg.Timestamp,
	}
	p.saveMemoryEntry(ctx, handle, agent.ID, model.MemoryEntry{AgentID: agent.ID, ChatID: entry.ChatID, Message: entry})
}

func (p *Pipeline) resolvePending(env toolResultEnvelope) {
	p.pendingMu.Lock()
	pa, ok := p.pending[env.ToolCallID]
	if ok {
		delete(p.pending, env.ToolCallID)
	}
	p.pendingMu.Unlock()
	if !ok {
		return
	}

	var resp approvalResponse
	approved := false
	if err := json.Unmarshal([]byte(env.Content), &resp); err == nil {
		approved = resp.Decision == model.ApprovalApprove
		if resp.Scope == model.ApprovalScopeSession && pa.cache != nil {
			_ = pa.cache.Set(pa.chatID, pa.toolName, resp.Decision)
		}
	}
	pa.ch <- approved
}

// appendIncomingToMemory implements the "append m to a's memory unless m was
// sent by a itself" rule for messages arriving from other senders.
func (p *Pipeline) appendIncomingToMemory(ctx context.Context, handle world.Handle, agent *model.Agent, msg model.Message) {
	if msg.Sender == agent.ID {
		return
	}
	p.saveMemoryEntry(ctx, handle, agent.ID, model.MemoryEntry{AgentID: agent.ID, ChatID: msg.ChatID, Message: msg})
}

func (p *Pipeline) saveMemoryEntry(ctx context.Context, handle world.Handle, agentID string, entry model.MemoryEntry) {
	existing, err := handle.Storage().LoadAgentMemory(ctx, handle.WorldID(), agentID)
	if err != nil {
		p.log.Error("responder: load agent memory failed", "agent", agentID, "error", err)
		existing = nil
	}
	updated := append(existing, entry)
	if err := handle.Storage().SaveAgentMemory(ctx, handle.WorldID(), agentID, updated); err != nil {
		p.log.Error("responder: save agent memory failed", "agent", agentID, "error", err)
	}
}

// runTurn drives Preparing through Finalizing, looping back to Calling after
// each ToolPhase until the model stops requesting tools or the turn limit is
// reached. trigger is the inbound message that caused this run, used for
// auto-mention on the final reply.
func (p *Pipeline) runTurn(ctx context.Context, handle world.Handle, agent *model.Agent, trigger model.Message) {
	chatID := handle.CurrentChatID()

	client, ok := p.llm.Resolve(agent.Provider)
	if !ok {
		p.log.Error("responder: no llm client registered for provider", "provider", agent.Provider, "agent", agent.ID)
		return
	}

	var executor *mcptool.Executor
	if p.tools != nil {
		var err error
		executor, err = p.tools(ctx, agent)
		if err != nil {
			p.log.Warn("responder: mcp executor unavailable", "agent", agent.ID, "error", err)
		}
	}

	// The outgoing messageId is chosen once for the whole turn and reused
	// across every Calling round a ToolPhase loop-back triggers, so memory,
	// SSE events, and the final message event all correlate to one id.
	messageID := uuid.NewString()
	started := false

	for {
		if handle.TurnCount(agent.ID) >= handle.TurnLimit() {
			handle.Bus().EmitWorld(ctx, eventbus.WorldPayload{Type: eventbus.WorldTurnLimit, AgentName: agent.ID})
			return
		}
		handle.IncrementTurnCount(agent.ID)
		if !started {
			handle.Bus().EmitSSE(ctx, eventbus.SSEPayload{Type: eventbus.SSEStart, AgentName: agent.ID, MessageID: messageID})
			started = true
		}

		history, err := p.buildHistory(ctx, handle, agent, chatID)
		if err != nil {
			p.log.Error("responder: build history failed", "agent", agent.ID, "error", err)
			return
		}

		var tools []llm.ToolDefinition
		if executor != nil {
			if tools, err = executor.ListTools(ctx); err != nil {
				p.log.Warn("responder: list tools failed", "agent", agent.ID, "error", err)
			}
		}

		messages := make([]llm.ConversationMessage, 0, len(history)+1)
		if agent.SystemPrompt != "" {
			messages = append(messages, llm.ConversationMessage{Role: llm.RoleSystem, Content: agent.SystemPrompt})
		}
		messages = append(messages, history...)

		chunks, err := client.Generate(ctx, &llm.GenerateInput{
			Model:       agent.Model,
			Messages:    messages,
			Tools:       tools,
			Temperature: agent.Temperature,
			MaxTokens:   agent.MaxTokens,
		})
		if err != nil {
			handle.Bus().EmitSSE(ctx, eventbus.SSEPayload{Type: eventbus.SSEError, AgentName: agent.ID, MessageID: messageID, Error: err.Error()})
			return
		}

		content, toolCalls, streamErr, stopReason := p.drainStream(ctx, handle, agent, messageID, chunks)
		if streamErr != "" {
			handle.Bus().EmitSSE(ctx, eventbus.SSEPayload{Type: eventbus.SSEError, AgentName: agent.ID, MessageID: messageID, Error: streamErr})
			return
		}

		if stopReason != llm.StopReasonToolUse || len(toolCalls) == 0 {
			p.finalize(ctx, handle, agent, chatID, messageID, content, trigger)
			return
		}

		assistantMsg := model.Message{
			MessageID: messageID,
			ChatID:    chatID,
			WorldID:   handle.WorldID(),
			Role:      model.RoleAssistant,
			Sender:    agent.ID,
			Content:   content,
			ToolCalls: toolCalls,
			Timestamp: time.Now(),
		}
		p.persist(ctx, handle, agent, assistantMsg, false)

		for _, call := range toolCalls {
			p.runToolCall(ctx, handle, agent, executor, chatID, call)
		}
		// loop: the tool results just recorded are now part of history for
		// the next Calling phase.
	}
}

func (p *Pipeline) drainStream(ctx context.Context, handle world.Handle, agent *model.Agent, messageID string, chunks <-chan llm.Chunk) (content string, toolCalls []model.ToolCallRequest, streamErr string, stopReason llm.StopReason) {
	var text strings.Builder
	stopReason = llm.StopReasonEndTurn
	for chunk := range chunks {
		switch c := chunk.(type) {
		case *llm.TextChunk:
			text.WriteString(c.Content)
			handle.Bus().EmitSSE(ctx, eventbus.SSEPayload{Type: eventbus.SSEChunk, AgentName: agent.ID, MessageID: messageID, Content: c.Content})
		case *llm.ToolCallChunk:
			toolCalls = append(toolCalls, model.ToolCallRequest{ID: c.CallID, Name: c.Name, Arguments: c.Arguments})
		case *llm.UsageChunk:
			// token accounting has no sink in this runtime; nothing to do.
		case *llm.DoneChunk:
			stopReason = c.StopReason
		case *llm.ErrorChunk:
			streamErr = c.Message
		}
	}
	return text.String(), toolCalls, streamErr, stopReason
}

// finalize applies the pass directive and auto-mention rules to a
// tool-free reply and broadcasts it.
func (p *Pipeline) finalize(ctx context.Context, handle world.Handle, agent *model.Agent, chatID, messageID, content string, trigger model.Message) {
	handle.Bus().EmitSSE(ctx, eventbus.SSEPayload{Type: eventbus.SSEEnd, AgentName: agent.ID, MessageID: messageID})
	suppress := hasPassDirective(content)
	if !suppress {
		content = ApplyAutoMention(content, trigger.Sender)
	}
	msg := model.Message{
		MessageID:        messageID,
		ChatID:           chatID,
		WorldID:          handle.WorldID(),
		Role:             model.RoleAssistant,
		Sender:           agent.ID,
		Content:          content,
		Timestamp:        time.Now(),
		ReplyToMessageID: trigger.MessageID,
	}
	p.persist(ctx, handle, agent, msg, suppress)
}

// persist saves msg to the transcript and the agent's own memory, and
// broadcasts it on the message bus unless suppressEvent is set (the pass
// directive: memory still records it, but siblings never see it).
func (p *Pipeline) persist(ctx context.Context, handle world.Handle, agent *model.Agent, msg model.Message, suppressEvent bool) {
	if err := handle.Storage().SaveMessage(ctx, &msg); err != nil {
		p.log.Error("responder: save message failed", "agent", agent.ID, "error", err)
	}
	p.saveMemoryEntry(ctx, handle, agent.ID, model.MemoryEntry{AgentID: agent.ID, ChatID: msg.ChatID, Message: msg})
	if !suppressEvent {
		handle.Bus().EmitMessage(ctx, toEventPayload(msg))
	}
}

func toEventPayload(m model.Message) eventbus.MessagePayload {
	return eventbus.MessagePayload{
		MessageID:        m.MessageID,
		Sender:           m.Sender,
		Content:          m.Content,
		ChatID:           m.ChatID,
		Timestamp:        m.Timestamp.UnixMilli(),
		Role:             m.Role,
		ToolCalls:        m.ToolCalls,
		ToolCallID:       m.ToolCallID,
		ReplyToMessageID: m.ReplyToMessageID,
	}
}

// runToolCall executes ToolPhase/Approving for one tool call and records its
// outcome as a tool-role message.
func (p *Pipeline) runToolCall(ctx context.Context, handle world.Handle, agent *model.Agent, executor *mcptool.Executor, chatID string, call model.ToolCallRequest) {
	handle.Bus().EmitWorld(ctx, eventbus.WorldPayload{
		Type:      eventbus.WorldToolStart,
		AgentName: agent.ID,
		ToolExecution: &eventbus.ToolExecution{
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Arguments:  call.Arguments,
		},
	})

	if call.Name == "" {
		p.failToolCall(ctx, handle, agent, chatID, call, "malformed tool call: missing name")
		return
	}

	if !p.resolveApproval(ctx, handle, agent, chatID, call) {
		p.failToolCall(ctx, handle, agent, chatID, call, fmt.Sprintf("tool call to %q was denied", call.Name))
		return
	}

	if executor == nil {
		p.failToolCall(ctx, handle, agent, chatID, call, "no tool executor configured for this agent")
		return
	}

	result, err := executor.Execute(ctx, llm.ToolCall{ID: call.ID, Name: call.Name, Arguments: call.Arguments})
	if err != nil {
		p.failToolCall(ctx, handle, agent, chatID, call, err.Error())
		return
	}

	p.recordToolResult(ctx, handle, agent, chatID, result)
	evtType := eventbus.WorldToolResult
	if result.IsError {
		evtType = eventbus.WorldToolError
	}
	handle.Bus().EmitWorld(ctx, eventbus.WorldPayload{
		Type:      evtType,
		AgentName: agent.ID,
		ToolExecution: &eventbus.ToolExecution{
			ToolCallID: result.CallID,
			ToolName:   result.Name,
			Result:     result.Content,
			IsError:    result.IsError,
		},
	})
}

func (p *Pipeline) failToolCall(ctx context.Context, handle world.Handle, agent *model.Agent, chatID string, call model.ToolCallRequest, reason string) {
	result := &mcptool.ToolResult{CallID: call.ID, Name: call.Name, Content: reason, IsError: true}
	p.recordToolResult(ctx, handle, agent, chatID, result)
	handle.Bus().EmitWorld(ctx, eventbus.WorldPayload{
		Type:      eventbus.WorldToolError,
		AgentName: agent.ID,
		ToolExecution: &eventbus.ToolExecution{
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Result:     reason,
			IsError:    true,
		},
	})
}

func (p *Pipeline) recordToolResult(ctx context.Context, handle world.Handle, agent *model.Agent, chatID string, result *mcptool.ToolResult) {
	msg := model.Message{
		MessageID:  uuid.NewString(),
		ChatID:     chatID,
		WorldID:    handle.WorldID(),
		Role:       model.RoleTool,
		Sender:     agent.ID,
		Content:    result.Content,
		ToolCallID: result.CallID,
		Timestamp:  time.Now(),
	}
	if err := handle.Storage().SaveMessage(ctx, &msg); err != nil {
		p.log.Error("responder: save tool result failed", "agent", agent.ID, "error", err)
	}
	p.saveMemoryEntry(ctx, handle, agent.ID, model.MemoryEntry{AgentID: agent.ID, ChatID: chatID, Message: msg})
}

// resolveApproval consults the Approval Cache, and failing a hit, blocks
// Approving on a client or human decision delivered back through the
// tool_result envelope protocol.
func (p *Pipeline) resolveApproval(ctx context.Context, handle world.Handle, agent *model.Agent, chatID string, call model.ToolCallRequest) bool {
	if entry, ok := handle.Approvals().Get(chatID, call.Name); ok {
		return entry.Decision == model.ApprovalApprove
	}
	return p.requestApproval(ctx, handle, agent, chatID, call)
}

func (p *Pipeline) requestApproval(ctx context.Context, handle world.Handle, agent *model.Agent, chatID string, call model.ToolCallRequest) bool {
	requestID := uuid.NewString()
	ch := make(chan bool, 1)
	p.pendingMu.Lock()
	p.pending[requestID] = &pendingApproval{ch: ch, chatID: chatID, toolName: call.Name, cache: handle.Approvals()}
	p.pendingMu.Unlock()
	defer func() {
		p.pendingMu.Lock()
		delete(p.pending, requestID)
		p.pendingMu.Unlock()
	}()

	args, _ := json.Marshal(map[string]any{"tool": call.Name, "arguments": call.Arguments, "callId": requestID})
	reqMsg := model.Message{
		MessageID: uuid.NewString(),
		ChatID:    chatID,
		WorldID:   handle.WorldID(),
		Role:      model.RoleAssistant,
		Sender:    agent.ID,
		Content:   fmt.Sprintf("requesting approval to call %s", call.Name),
		ToolCalls: []model.ToolCallRequest{{ID: requestID, Name: "client.requestApproval", Arguments: string(args)}},
		Timestamp: time.Now(),
	}
	if err := handle.Storage().SaveMessage(ctx, &reqMsg); err != nil {
		p.log.Error("responder: save approval request failed", "agent", agent.ID, "error", err)
	}
	handle.Bus().EmitMessage(ctx, toEventPayload(reqMsg))

	timer := time.NewTimer(ApprovalTimeout)
	defer timer.Stop()
	select {
	case approved := <-ch:
		return approved
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// buildHistory loads agent's own memory for chatID and truncates it to
// historyLimit entries, never starting the window on a tool-role message
// whose preceding assistant tool_calls message would be cut.
func (p *Pipeline) buildHistory(ctx context.Context, handle world.Handle, agent *model.Agent, chatID string) ([]llm.ConversationMessage, error) {
	entries, err := handle.Storage().LoadAgentMemory(ctx, handle.WorldID(), agent.ID)
	if err != nil {
		return nil, err
	}
	filtered := make([]model.MemoryEntry, 0, len(entries))
	for _, e := range entries {
		if e.ChatID == chatID {
			filtered = append(filtered, e)
		}
	}
	filtered = truncateHistory(filtered, p.historyLimit)

	out := make([]llm.ConversationMessage, 0, len(filtered))
	for _, e := range filtered {
		out = append(out, toConversationMessage(e.Message))
	}
	return out, nil
}

func truncateHistory(entries []model.MemoryEntry, limit int) []model.MemoryEntry {
	if limit <= 0 || len(entries) <= limit {
		return entries
	}
	start := len(entries) - limit
	for start > 0 && entries[start].Message.Role == model.RoleTool {
		start--
	}
	return entries[start:]
}

func toConversationMessage(m model.Message) llm.ConversationMessage {
	role := llm.RoleUser
	switch m.Role {
	case model.RoleAssistant:
		role = llm.RoleAssistant
	case model.RoleSystem:
		role = llm.RoleSystem
	case model.RoleTool:
		role = llm.RoleTool
	}
	var toolCalls []llm.ToolCall
	for _, tc := range m.ToolCalls {
		toolCalls = append(toolCalls, llm.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
	}
	return llm.ConversationMessage{
		Role:       role,
		Content:    m.Content,
		ToolCalls:  toolCalls,
		ToolCallID: m.ToolCallID,
	}
}

var _ world.PipelineRunner = (*Pipeline)(nil)
