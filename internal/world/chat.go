package world

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/agentworld/orchestrator/internal/eventbus"
	"github.com/agentworld/orchestrator/internal/model"
)

// Default provider/model used when an agent is created with neither an
// explicit value nor a world-level chat LLM default configured.
const (
	DefaultProvider = "anthropic"
	DefaultModel    = "claude-sonnet-4-5"
)

// CreateChat creates a new chat in the world, reusing the current chat
// instead of inserting a new row when it is still untouched: named
// model.DefaultChatName and carrying zero messages. Reuse avoids leaving a
// trail of empty "New Chat" rows behind repeated chat-creation requests.
func (r *Runtime) CreateChat(ctx context.Context, name string) (*model.Chat, error) {
	if reused, err := r.reusableCurrentChat(ctx); err != nil {
		return nil, err
	} else if reused != nil {
		return reused, nil
	}

	if name == "" {
		name = model.DefaultChatName
	}
	chat := &model.Chat{
		ID:        uuid.NewString(),
		WorldID:   r.WorldID(),
		Name:      name,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := r.store.SaveChatData(ctx, chat); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.world.ChatIDs = append(r.world.ChatIDs, chat.ID)
	r.mu.Unlock()
	r.SetCurrentChatID(chat.ID)
	if err := r.store.SaveWorld(ctx, r.Snapshot()); err != nil {
		return nil, err
	}

	r.bus.EmitCRUD(ctx, eventbus.CRUDPayload{Operation: eventbus.CRUDCreate, Entity: "chat", ID: chat.ID, Payload: chat})
	return chat, nil
}

func (r *Runtime) reusableCurrentChat(ctx context.Context) (*model.Chat, error) {
	currentID := r.CurrentChatID()
	if currentID == "" {
		return nil, nil
	}
	current, err := r.store.LoadChatData(ctx, r.WorldID(), currentID)
	if err != nil {
		return nil, err
	}
	if current != nil && current.Name == model.DefaultChatName && current.MessageCount == 0 {
		return current, nil
	}
	return nil, nil
}

// CreateAgent creates a new active agent in the world, defaulting provider
// and model to the world's chat LLM configuration and finally to a package
// default when the world itself carries none, then attaches its bus
// subscription so it begins receiving messages immediately.
func (r *Runtime) CreateAgent(ctx context.Context, name, description, provider, llmModel string) (*model.Agent, error) {
	w := r.Snapshot()
	if provider == "" {
		provider = w.ChatLLMProvider
	}
	if provider == "" {
		provider = DefaultProvider
	}
	if llmModel == "" {
		llmModel = w.ChatLLMModel
	}
	if llmModel == "" {
		llmModel = DefaultModel
	}

	a := &model.Agent{
		ID:           uuid.NewString(),
		WorldID:      r.WorldID(),
		Name:         name,
		Provider:     provider,
		Model:        llmModel,
		SystemPrompt: description,
		Temperature:  0.7,
		MaxTokens:    4096,
		Status:       model.AgentStatusActive,
		LastActiveAt: time.Now(),
	}
	if err := r.store.SaveAgent(ctx, a); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.world.AgentIDs = append(r.world.AgentIDs, a.ID)
	agentID := a.ID
	d := r.bus.OnMessage(func(ctx context.Context, p eventbus.MessagePayload) {
		r.dispatch(ctx, agentID, p)
	})
	r.disposers = append(r.disposers, d)
	r.mu.Unlock()

	if err := r.store.SaveWorld(ctx, r.Snapshot()); err != nil {
		return nil, err
	}

	r.bus.EmitCRUD(ctx, eventbus.CRUDPayload{Operation: eventbus.CRUDCreate, Entity: "agent", ID: a.ID, Payload: a})
	return a, nil
}

// ClearAgentMemory archives agentID's current memory (so it is recoverable)
// and truncates it, per the Storage Contract's archiveMemory operation.
func (r *Runtime) ClearAgentMemory(ctx context.Context, agentID string) error {
	label := "archive/memory-" + time.Now().UTC().Format(time.RFC3339)
	return r.store.ArchiveMemory(ctx, r.WorldID(), agentID, label)
}

// ClearAllMemory archives and truncates every active agent's memory.
func (r *Runtime) ClearAllMemory(ctx context.Context) error {
	agents, err := r.store.ListAgents(ctx, r.WorldID())
	if err != nil {
		return err
	}
	for _, a := range agents {
		if err := r.ClearAgentMemory(ctx, a.ID); err != nil {
			return err
		}
	}
	return nil
}
