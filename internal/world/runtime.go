package world

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/agentworld/orchestrator/internal/approval"
	"github.com/agentworld/orchestrator/internal/eventbus"
	"github.com/agentworld/orchestrator/internal/model"
	"github.com/agentworld/orchestrator/internal/storage"
)

// Runtime hydrates one World: it owns the world's Event Bus, subscribes one
// handler per active agent, tracks in-flight pipelines for idle detection,
// and enforces per-agent turn limits scoped to the world's current chat.
type Runtime struct {
	store     storage.Contract
	approvals approval.Cache
	runner    PipelineRunner
	log       *slog.Logger

	mu            sync.RWMutex
	world         *model.World
	bus           *eventbus.Bus
	disposers     []eventbus.Disposer
	turnCounts    map[string]int // agentID -> llmCallCount, scoped to world.CurrentChatID
	turnCountChat string         // the chatID turnCounts is scoped to

	inFlight int64 // atomic
}

// New hydrates a Runtime for w. It does not yet subscribe agents; call
// Start for that.
func New(store storage.Contract, approvals approval.Cache, runner PipelineRunner, w *model.World, log *slog.Logger) *Runtime {
	if log == nil {
		log = slog.Default()
	}
	return &Runtime{
		store:         store,
		approvals:     approvals,
		runner:        runner,
		log:           log,
		world:         w.Clone(),
		bus:           eventbus.New(),
		turnCounts:    make(map[string]int),
		turnCountChat: w.CurrentChatID,
	}
}

// Start loads every active agent in the world and attaches one message
// handler per agent to the bus. The bus calls handlers synchronously in
// registration order, so each handler spawns its pipeline run in its own
// goroutine and returns immediately; pipeline runs therefore proceed
// concurrently, across agents and across messages to the same agent.
func (r *Runtime) Start(ctx context.Context) error {
	agents, err := r.store.ListAgents(ctx, r.world.ID)
	if err != nil {
		return fmt.Errorf("world runtime: list agents: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range agents {
		if a.Status != model.AgentStatusActive {
			continue
		}
		agentID := a.ID
		d := r.bus.OnMessage(func(ctx context.Context, p eventbus.MessagePayload) {
			r.dispatch(ctx, agentID, p)
		})
		r.disposers = append(r.disposers, d)
	}
	return nil
}

// dispatch resets the turn counter on a HUMAN/SYSTEM message, then spawns
// the agent's pipeline run so that sibling agents' handlers aren't blocked
// waiting on this one: handlers run concurrently across agents.
func (r *Runtime) dispatch(ctx context.Context, agentID string, p eventbus.MessagePayload) {
	if p.Sender == model.SenderHuman || p.Sender == model.SenderSystem {
		r.ResetTurnCount(agentID)
	}
	agent, err := r.LoadAgent(ctx, agentID)
	if err != nil {
		r.log.Error("world runtime: load agent failed", "world_id", r.world.ID, "agent_id", agentID, "error", err)
		return
	}
	if agent == nil || agent.Status != model.AgentStatusActive {
		return
	}
	msg := model.Message{
		MessageID: p.MessageID,
		ChatID:    p.ChatID,
		WorldID:   r.world.ID,
		Role:      p.Role,
		Sender:    p.Sender,
		Content:   p.Content,
		ToolCalls: p.ToolCalls,
		ToolCallID: p.ToolCallID,
		ReplyToMessageID: p.ReplyToMessageID,
	}
	r.PipelineStarted()
	go func() {
		defer r.PipelineEnded()
		r.runner.HandleMessage(ctx, r, agent, msg)
	}()
}

// Stop detaches every agent subscription. Call before re-hydrating (e.g.
// after a CRUD mutation changes agent membership).
func (r *Runtime) Stop() {
	r.mu.Lock()
	disposers := r.disposers
	r.disposers = nil
	r.mu.Unlock()
	eventbus.DisposeAll(disposers...)
}

// Snapshot returns a copy of the runtime's current world state.
func (r *Runtime) Snapshot() *model.World {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.world.Clone()
}

// SetCurrentChatID updates the world's active chat and resets every turn
// counter, since turn counts are scoped to the current chat.
func (r *Runtime) SetCurrentChatID(chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.world.CurrentChatID = chatID
	r.turnCounts = make(map[string]int)
	r.turnCountChat = chatID
}

// --- Handle implementation ---

func (r *Runtime) WorldID() string { return r.world.ID }

func (r *Runtime) TurnLimit() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.world.TurnLimit
}

func (r *Runtime) CurrentChatID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.world.CurrentChatID
}

func (r *Runtime) Bus() *eventbus.Bus { return r.bus }

func (r *Runtime) Storage() storage.Contract { return r.store }

func (r *Runtime) Approvals() approval.Cache { return r.approvals }

func (r *Runtime) TurnCount(agentID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.turnCounts[agentID]
}

func (r *Runtime) IncrementTurnCount(agentID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turnCounts[agentID]++
	return r.turnCounts[agentID]
}

func (r *Runtime) ResetTurnCount(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turnCounts[agentID] = 0
}

// PipelineStarted increments the in-flight pipeline counter used for
// idleness tracking.
func (r *Runtime) PipelineStarted() {
	atomic.AddInt64(&r.inFlight, 1)
}

// PipelineEnded decrements the in-flight counter and, when it reaches zero,
// emits world.type=idle so the Queue Processor knows this world finished
// processing its current message.
func (r *Runtime) PipelineEnded() {
	if atomic.AddInt64(&r.inFlight, -1) == 0 {
		r.bus.EmitWorld(context.Background(), eventbus.WorldPayload{Type: eventbus.WorldIdle})
	}
}

// InFlight reports the current in-flight pipeline count, for tests and
// diagnostics.
func (r *Runtime) InFlight() int64 { return atomic.LoadInt64(&r.inFlight) }

func (r *Runtime) LoadAgent(ctx context.Context, agentID string) (*model.Agent, error) {
	return r.store.LoadAgent(ctx, r.WorldID(), agentID)
}

func (r *Runtime) SaveAgent(ctx context.Context, a *model.Agent) error {
	return r.store.SaveAgent(ctx, a)
}

var _ Handle = (*Runtime)(nil)

// Registry owns one Runtime per active world, resolved by the Queue
// Processor and the Subscription Hub. It also satisfies queue.Buses.
type Registry struct {
	store     storage.Contract
	approvals approval.Cache
	runner    PipelineRunner
	log       *slog.Logger

	mu       sync.RWMutex
	runtimes map[string]*Runtime
}

// NewRegistry creates an empty world Registry.
func NewRegistry(store storage.Contract, approvals approval.Cache, runner PipelineRunner, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		store:     store,
		approvals: approvals,
		runner:    runner,
		log:       log,
		runtimes:  make(map[string]*Runtime),
	}
}

// Get returns the hydrated Runtime for worldID, loading and starting it on
// first access.
func (reg *Registry) Get(ctx context.Context, worldID string) (*Runtime, error) {
	reg.mu.RLock()
	rt, ok := reg.runtimes[worldID]
	reg.mu.RUnlock()
	if ok {
		return rt, nil
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if rt, ok := reg.runtimes[worldID]; ok {
		return rt, nil
	}

	w, err := reg.store.LoadWorld(ctx, worldID)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, fmt.Errorf("world runtime: world %q not found", worldID)
	}
	rt = New(reg.store, reg.approvals, reg.runner, w, reg.log)
	if err := rt.Start(ctx); err != nil {
		return nil, err
	}
	reg.runtimes[worldID] = rt
	return rt, nil
}

// Bus implements queue.Buses: resolve the bus for worldID if already
// hydrated, or nil if the world has never been loaded (a dead-lettered
// message on a world with no subscribers yet has nowhere to be announced).
func (reg *Registry) Bus(worldID string) *eventbus.Bus {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	if rt, ok := reg.runtimes[worldID]; ok {
		return rt.Bus()
	}
	return nil
}

// Evict tears down and forgets worldID's runtime, forcing the next Get to
// re-hydrate from storage. Called after a CRUD mutation changes agent
// membership or turn limits.
func (reg *Registry) Evict(worldID string) {
	reg.mu.Lock()
	rt, ok := reg.runtimes[worldID]
	delete(reg.runtimes, worldID)
	reg.mu.Unlock()
	if ok {
		rt.Stop()
	}
}
