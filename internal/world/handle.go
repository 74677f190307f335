// Package world implements the World Runtime (C4): hydrating a world with
// its agents, attaching agent subscriptions to the Event Bus, enforcing
// turn limits, and detecting idleness.
package world

import (
	"context"

	"github.com/agentworld/orchestrator/internal/approval"
	"github.com/agentworld/orchestrator/internal/eventbus"
	"github.com/agentworld/orchestrator/internal/model"
	"github.com/agentworld/orchestrator/internal/storage"
)

// Handle is the narrow view of a World an Agent's pipeline is allowed to
// touch. It breaks the World↔Agent cycle: agents hold a Handle, never a
// pointer back to *Runtime.
type Handle interface {
	WorldID() string
	TurnLimit() int
	CurrentChatID() string
	Bus() *eventbus.Bus
	Storage() storage.Contract
	Approvals() approval.Cache

	// TurnCount returns agentID's current LLM call count, scoped to
	// CurrentChatID.
	TurnCount(agentID string) int
	// IncrementTurnCount increments and returns agentID's call count.
	IncrementTurnCount(agentID string) int
	// ResetTurnCount zeroes agentID's call count (called when a HUMAN or
	// SYSTEM message arrives).
	ResetTurnCount(agentID string)

	// PipelineStarted/PipelineEnded track inFlightAgentPipelines for idle
	// detection.
	PipelineStarted()
	PipelineEnded()

	// LoadAgent returns a snapshot of agentID's persisted state.
	LoadAgent(ctx context.Context, agentID string) (*model.Agent, error)
	// SaveAgent persists mutations to an agent (e.g. LLMCallCount, status).
	SaveAgent(ctx context.Context, a *model.Agent) error
}

// PipelineRunner executes the Agent Responder pipeline (C5) for one message
// delivered to one agent. World depends on this interface, not on the
// responder package, to avoid an import cycle (responder depends on world
// for Handle).
type PipelineRunner interface {
	HandleMessage(ctx context.Context, handle Handle, agent *model.Agent, msg model.Message)
}
