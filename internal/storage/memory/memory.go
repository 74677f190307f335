// Package memory provides the in-process Storage Contract implementation
// used by unit tests and local/dev runs with AGENT_WORLD_STORAGE_TYPE=memory.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworld/orchestrator/internal/model"
	"github.com/agentworld/orchestrator/internal/storage"
)

// Store is a mutex-guarded in-memory Storage Contract implementation.
type Store struct {
	mu sync.RWMutex

	worlds map[string]*model.World
	agents map[string]map[string]*model.Agent            // worldID -> agentID -> agent
	memory map[string]map[string][]model.MemoryEntry     // worldID -> agentID -> entries
	chats  map[string]map[string]*model.Chat              // worldID -> chatID -> chat
	msgs   map[string][]*model.Message                    // worldID -> messages, append order
	queue  map[string][]*model.QueueEntry                  // worldID -> FIFO entries (any state)
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		worlds: make(map[string]*model.World),
		agents: make(map[string]map[string]*model.Agent),
		memory: make(map[string]map[string][]model.MemoryEntry),
		chats:  make(map[string]map[string]*model.Chat),
		msgs:   make(map[string][]*model.Message),
		queue:  make(map[string][]*model.QueueEntry),
	}
}

func (s *Store) Close() error { return nil }

// --- Worlds ---

func (s *Store) SaveWorld(_ context.Context, w *model.World) error {
	if w == nil || w.ID == "" {
		return storage.NewError("SaveWorld", storage.ErrKindInvalid, fmt.Errorf("world id required"))
	}
	if w.TurnLimit < 1 {
		return storage.NewError("SaveWorld", storage.ErrKindInvalid, fmt.Errorf("turnLimit must be >= 1"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.worlds[w.ID] = w.Clone()
	if _, ok := s.agents[w.ID]; !ok {
		s.agents[w.ID] = make(map[string]*model.Agent)
	}
	if _, ok := s.chats[w.ID]; !ok {
		s.chats[w.ID] = make(map[string]*model.Chat)
	}
	return nil
}

func (s *Store) LoadWorld(_ context.Context, worldID string) (*model.World, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.worlds[worldID]
	if !ok {
		return nil, storage.NewError("LoadWorld", storage.ErrKindNotFound, fmt.Errorf("world %q", worldID))
	}
	return w.Clone(), nil
}

func (s *Store) DeleteWorld(_ context.Context, worldID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.worlds, worldID)
	delete(s.agents, worldID)
	delete(s.memory, worldID)
	delete(s.chats, worldID)
	delete(s.msgs, worldID)
	delete(s.queue, worldID)
	return nil // idempotent
}

func (s *Store) ListWorlds(_ context.Context) ([]*model.World, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.World, 0, len(s.worlds))
	for _, w := range s.worlds {
		out = append(out, w.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) WorldExists(_ context.Context, worldID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.worlds[worldID]
	return ok, nil
}

// --- Agents ---

func (s *Store) SaveAgent(_ context.Context, a *model.Agent) error {
	if a == nil || a.ID == "" || a.WorldID == "" {
		return storage.NewError("SaveAgent", storage.ErrKindInvalid, fmt.Errorf("agent id/worldID required"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[a.WorldID]; !ok {
		s.agents[a.WorldID] = make(map[string]*model.Agent)
	}
	s.agents[a.WorldID][a.ID] = a.Clone()
	return nil
}

func (s *Store) LoadAgent(_ context.Context, worldID, agentID string) (*model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byID, ok := s.agents[worldID]
	if !ok {
		return nil, nil
	}
	a, ok := byID[agentID]
	if !ok {
		return nil, nil
	}
	return a.Clone(), nil
}

func (s *Store) DeleteAgent(_ context.Context, worldID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if byID, ok := s.agents[worldID]; ok {
		delete(byID, agentID)
	}
	if byAgent, ok := s.memory[worldID]; ok {
		delete(byAgent, agentID)
	}
	return nil
}

func (s *Store) ListAgents(_ context.Context, worldID string) ([]*model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byID := s.agents[worldID]
	out := make([]*model.Agent, 0, len(byID))
	for _, a := range byID {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SaveAgentMemory(_ context.Context, worldID, agentID string, entries []model.MemoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memory[worldID]; !ok {
		s.memory[worldID] = make(map[string][]model.MemoryEntry)
	}
	cp := make([]model.MemoryEntry, len(entries))
	copy(cp, entries)
	s.memory[worldID][agentID] = cp
	return nil
}

func (s *Store) LoadAgentMemory(_ context.Context, worldID, agentID string) ([]model.MemoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.memory[worldID][agentID]
	out := make([]model.MemoryEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *Store) DeleteMemoryByChatID(_ context.Context, worldID, agentID, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byAgent, ok := s.memory[worldID]
	if !ok {
		return nil
	}
	entries := byAgent[agentID]
	kept := entries[:0:0]
	for _, e := range entries {
		if e.ChatID != chatID {
			kept = append(kept, e)
		}
	}
	byAgent[agentID] = kept
	return nil
}

// ArchiveMemory moves the current memory for (worldID, agentID) aside under
// label; subsequent reads see an empty memory until new entries are saved.
// This backend does not keep the archived entries: they are discarded (the
// sqlite/postgres backends persist them in memory_archive under label).
func (s *Store) ArchiveMemory(_ context.Context, worldID, agentID, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byAgent, ok := s.memory[worldID]
	if !ok {
		return nil
	}
	// The in-memory backend does not need to keep the archived copy
	// queryable (no archive-listing operation in the Contract); dropping it
	// after the label is assigned matches "archived" semantics (no longer
	// live memory) without pretending to offer retrieval we don't expose.
	_ = label
	delete(byAgent, agentID)
	return nil
}

func (s *Store) SaveAgentsBatch(ctx context.Context, agents []*model.Agent) storage.BatchResult[*model.Agent] {
	res := storage.BatchResult[*model.Agent]{Items: agents, Errs: make([]error, len(agents))}
	for i, a := range agents {
		res.Errs[i] = s.SaveAgent(ctx, a)
	}
	return res
}

func (s *Store) LoadAgentsBatch(ctx context.Context, worldID string, agentIDs []string) storage.BatchResult[*model.Agent] {
	res := storage.BatchResult[*model.Agent]{Items: make([]*model.Agent, len(agentIDs)), Errs: make([]error, len(agentIDs))}
	for i, id := range agentIDs {
		a, err := s.LoadAgent(ctx, worldID, id)
		res.Items[i], res.Errs[i] = a, err
	}
	return res
}

// --- Chats ---

func (s *Store) SaveChatData(_ context.Context, c *model.Chat) error {
	if c == nil || c.ID == "" || c.WorldID == "" {
		return storage.NewError("SaveChatData", storage.ErrKindInvalid, fmt.Errorf("chat id/worldID required"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[c.WorldID]; !ok {
		s.chats[c.WorldID] = make(map[string]*model.Chat)
	}
	cp := *c
	s.chats[c.WorldID][c.ID] = &cp
	return nil
}

func (s *Store) LoadChatData(_ context.Context, worldID, chatID string) (*model.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byID, ok := s.chats[worldID]
	if !ok {
		return nil, storage.NewError("LoadChatData", storage.ErrKindNotFound, fmt.Errorf("chat %q", chatID))
	}
	c, ok := byID[chatID]
	if !ok {
		return nil, storage.NewError("LoadChatData", storage.ErrKindNotFound, fmt.Errorf("chat %q", chatID))
	}
	cp := *c
	return &cp, nil
}

func (s *Store) UpdateChatData(_ context.Context, worldID, chatID string, mutate func(*model.Chat) error) (*model.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.chats[worldID]
	if !ok {
		return nil, storage.NewError("UpdateChatData", storage.ErrKindNotFound, fmt.Errorf("chat %q", chatID))
	}
	c, ok := byID[chatID]
	if !ok {
		return nil, storage.NewError("UpdateChatData", storage.ErrKindNotFound, fmt.Errorf("chat %q", chatID))
	}
	cp := *c
	if err := mutate(&cp); err != nil {
		return nil, err
	}
	cp.UpdatedAt = time.Now()
	byID[chatID] = &cp
	out := cp
	return &out, nil
}

func (s *Store) DeleteChatData(_ context.Context, worldID, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if byID, ok := s.chats[worldID]; ok {
		delete(byID, chatID)
	}
	return nil
}

func (s *Store) ListChats(_ context.Context, worldID string) ([]*model.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byID := s.chats[worldID]
	out := make([]*model.Chat, 0, len(byID))
	for _, c := range byID {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- Messages ---

func (s *Store) SaveMessage(_ context.Context, m *model.Message) error {
	if m == nil || m.MessageID == "" {
		return storage.NewError("SaveMessage", storage.ErrKindInvalid, fmt.Errorf("messageID required"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.msgs[m.WorldID] = append(s.msgs[m.WorldID], &cp)
	return nil
}

func (s *Store) ListMessages(_ context.Context, worldID, chatID string) ([]*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Message
	for _, m := range s.msgs[worldID] {
		if m.ChatID == chatID {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *Store) GetMemory(_ context.Context, worldID, chatID string) ([]model.MemoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.MemoryEntry
	for _, entries := range s.memory[worldID] {
		for _, e := range entries {
			if chatID == "" || e.ChatID == chatID {
				out = append(out, e)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Message.Timestamp.Before(out[j].Message.Timestamp) })
	return out, nil
}

// --- Queue ---

func (s *Store) Enqueue(_ context.Context, entry *model.QueueEntry) error {
	if entry == nil || entry.WorldID == "" {
		return storage.NewError("Enqueue", storage.ErrKindInvalid, fmt.Errorf("worldID required"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.QueueID == "" {
		entry.QueueID = uuid.NewString()
	}
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now()
	}
	entry.State = model.QueueStatePending
	cp := *entry
	s.queue[entry.WorldID] = append(s.queue[entry.WorldID], &cp)
	return nil
}

// Dequeue atomically claims the oldest pending-or-expired entry for worldID,
// iff no entry for that world is currently leased with a live heartbeat.
func (s *Store) Dequeue(_ context.Context, worldID string, heartbeatLease time.Duration) (*model.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	entries := s.queue[worldID]

	for _, e := range entries {
		if e.State == model.QueueStateLeased && now.Sub(e.LastHeartbeatAt) < heartbeatLease {
			return nil, nil // live lease holds the world
		}
	}

	var best *model.QueueEntry
	for _, e := range entries {
		// Any leased entry still here has an expired heartbeat (see above).
		expired := e.State == model.QueueStateLeased
		if e.State != model.QueueStatePending && !expired {
			continue
		}
		if !expired && !e.NextEligibleAt.IsZero() && e.NextEligibleAt.After(now) {
			continue
		}
		if best == nil || e.EnqueuedAt.Before(best.EnqueuedAt) {
			best = e
		}
	}
	if best == nil {
		return nil, nil
	}
	best.State = model.QueueStateLeased
	best.LastHeartbeatAt = now
	cp := *best
	return &cp, nil
}

func (s *Store) findEntry(queueID string) *model.QueueEntry {
	for _, entries := range s.queue {
		for _, e := range entries {
			if e.QueueID == queueID {
				return e
			}
		}
	}
	return nil
}

func (s *Store) UpdateHeartbeat(_ context.Context, queueID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.findEntry(queueID)
	if e == nil {
		return storage.NewError("UpdateHeartbeat", storage.ErrKindNotFound, fmt.Errorf("queue entry %q", queueID))
	}
	e.LastHeartbeatAt = time.Now()
	return nil
}

func (s *Store) MarkCompleted(_ context.Context, queueID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.findEntry(queueID)
	if e == nil {
		return storage.NewError("MarkCompleted", storage.ErrKindNotFound, fmt.Errorf("queue entry %q", queueID))
	}
	e.State = model.QueueStateCompleted
	return nil
}

func (s *Store) MarkFailed(_ context.Context, queueID string, cause error, nextEligibleAt time.Time, dead bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.findEntry(queueID)
	if e == nil {
		return storage.NewError("MarkFailed", storage.ErrKindNotFound, fmt.Errorf("queue entry %q", queueID))
	}
	e.AttemptCount++
	if cause != nil {
		e.LastError = cause.Error()
	}
	if dead {
		e.State = model.QueueStateFailed
	} else {
		e.State = model.QueueStatePending
		e.NextEligibleAt = nextEligibleAt
	}
	return nil
}

func (s *Store) GetQueueStats(_ context.Context) (model.QueueStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := model.QueueStats{
		PendingByWorld: make(map[string]int),
		LeasedWorlds:   make(map[string]bool),
	}
	now := time.Now()
	for worldID, entries := range s.queue {
		for _, e := range entries {
			switch e.State {
			case model.QueueStatePending:
				if e.NextEligibleAt.IsZero() || !e.NextEligibleAt.After(now) {
					stats.PendingByWorld[worldID]++
				}
			case model.QueueStateLeased:
				stats.LeasedWorlds[worldID] = true
			}
		}
	}
	return stats, nil
}

// ReclaimStale flips leased entries whose heartbeat is older than olderThan
// back to pending, preserving their messageID (idempotency key).
func (s *Store) ReclaimStale(_ context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	n := 0
	for _, entries := range s.queue {
		for _, e := range entries {
			if e.State == model.QueueStateLeased && now.Sub(e.LastHeartbeatAt) > olderThan {
				e.State = model.QueueStatePending
				e.NextEligibleAt = time.Time{}
				n++
			}
		}
	}
	return n, nil
}

var _ storage.Contract = (*Store)(nil)
