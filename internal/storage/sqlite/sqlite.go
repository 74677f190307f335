// Package sqlite implements storage.Contract on a local SQLite file using
// the pure-Go modernc.org/sqlite driver. It is the "embedded local" tier:
// single-process, no network dependency, suitable for a single worldd
// instance backed by AGENT_WORLD_DATA_PATH.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/agentworld/orchestrator/internal/model"
	"github.com/agentworld/orchestrator/internal/storage"
)

// Store implements storage.Contract backed by a single SQLite file.
type Store struct {
	db *sql.DB
}

var _ storage.Contract = (*Store)(nil)

// Open creates (if necessary) and opens the database at path, running
// schema setup, and returns a ready Store. A single connection is kept open
// so concurrent callers serialize through one handle, avoiding
// SQLITE_BUSY from independent writer connections.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, storage.NewError("Open", storage.ErrKindFatal, err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS worlds (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL,
			turn_limit INTEGER NOT NULL,
			chat_llm_provider TEXT NOT NULL,
			chat_llm_model TEXT NOT NULL,
			current_chat_id TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			world_id TEXT NOT NULL,
			id TEXT NOT NULL,
			name TEXT NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			system_prompt TEXT NOT NULL,
			temperature REAL NOT NULL,
			max_tokens INTEGER NOT NULL,
			status TEXT NOT NULL,
			llm_call_count INTEGER NOT NULL,
			last_active_at INTEGER NOT NULL,
			mcp_servers TEXT NOT NULL,
			mcp_tool_filter TEXT NOT NULL,
			PRIMARY KEY (world_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS agent_memory (
			world_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			entry TEXT NOT NULL,
			PRIMARY KEY (world_id, agent_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS memory_archive (
			world_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			label TEXT NOT NULL,
			archived_at INTEGER NOT NULL,
			entries TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chats (
			world_id TEXT NOT NULL,
			id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			message_count INTEGER NOT NULL,
			PRIMARY KEY (world_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			world_id TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			role TEXT NOT NULL,
			sender TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_calls TEXT NOT NULL,
			tool_call_id TEXT NOT NULL,
			reply_to_message_id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (world_id, message_id)
		)`,
		`CREATE TABLE IF NOT EXISTS queue (
			queue_id TEXT PRIMARY KEY,
			world_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			content TEXT NOT NULL,
			sender TEXT NOT NULL,
			enqueued_at INTEGER NOT NULL,
			state TEXT NOT NULL,
			attempt_count INTEGER NOT NULL,
			last_heartbeat_at INTEGER NOT NULL,
			last_error TEXT NOT NULL,
			next_eligible_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_memory_agent ON agent_memory(world_id, agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(world_id, chat_id)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_world ON queue(world_id, state)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return storage.NewError("init", storage.ErrKindFatal, fmt.Errorf("create schema: %w", err))
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// --- Worlds ---

func (s *Store) SaveWorld(ctx context.Context, w *model.World) error {
	if w == nil || w.ID == "" {
		return storage.NewError("SaveWorld", storage.ErrKindInvalid, fmt.Errorf("world id required"))
	}
	if w.TurnLimit < 1 {
		return storage.NewError("SaveWorld", storage.ErrKindInvalid, fmt.Errorf("turnLimit must be >= 1"))
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO worlds (id, name, description, turn_limit, chat_llm_provider, chat_llm_model, current_chat_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Name, w.Description, w.TurnLimit, w.ChatLLMProvider, w.ChatLLMModel, w.CurrentChatID,
	)
	if err != nil {
		return storage.NewError("SaveWorld", storage.ErrKindUnavailable, err)
	}
	return nil
}

func (s *Store) LoadWorld(ctx context.Context, worldID string) (*model.World, error) {
	w := &model.World{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, turn_limit, chat_llm_provider, chat_llm_model, current_chat_id FROM worlds WHERE id = ?`,
		worldID,
	).Scan(&w.ID, &w.Name, &w.Description, &w.TurnLimit, &w.ChatLLMProvider, &w.ChatLLMModel, &w.CurrentChatID)
	if err == sql.ErrNoRows {
		return nil, storage.NewError("LoadWorld", storage.ErrKindNotFound, fmt.Errorf("world %q", worldID))
	}
	if err != nil {
		return nil, storage.NewError("LoadWorld", storage.ErrKindUnavailable, err)
	}
	if err := s.fillWorldIDs(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

func (s *Store) fillWorldIDs(ctx context.Context, w *model.World) error {
	agentRows, err := s.db.QueryContext(ctx, `SELECT id FROM agents WHERE world_id = ? ORDER BY id`, w.ID)
	if err != nil {
		return storage.NewError("LoadWorld", storage.ErrKindUnavailable, err)
	}
	defer agentRows.Close()
	for agentRows.Next() {
		var id string
		if err := agentRows.Scan(&id); err != nil {
			return storage.NewError("LoadWorld", storage.ErrKindUnavailable, err)
		}
		w.AgentIDs = append(w.AgentIDs, id)
	}

	chatRows, err := s.db.QueryContext(ctx, `SELECT id FROM chats WHERE world_id = ? ORDER BY created_at`, w.ID)
	if err != nil {
		return storage.NewError("LoadWorld", storage.ErrKindUnavailable, err)
	}
	defer chatRows.Close()
	for chatRows.Next() {
		var id string
		if err := chatRows.Scan(&id); err != nil {
			return storage.NewError("LoadWorld", storage.ErrKindUnavailable, err)
		}
		w.ChatIDs = append(w.ChatIDs, id)
	}
	return nil
}

func (s *Store) DeleteWorld(ctx context.Context, worldID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.NewError("DeleteWorld", storage.ErrKindUnavailable, err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range []string{
		`DELETE FROM worlds WHERE id = ?`,
		`DELETE FROM agents WHERE world_id = ?`,
		`DELETE FROM agent_memory WHERE world_id = ?`,
		`DELETE FROM memory_archive WHERE world_id = ?`,
		`DELETE FROM chats WHERE world_id = ?`,
		`DELETE FROM messages WHERE world_id = ?`,
		`DELETE FROM queue WHERE world_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, worldID); err != nil {
			return storage.NewError("DeleteWorld", storage.ErrKindUnavailable, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storage.NewError("DeleteWorld", storage.ErrKindUnavailable, err)
	}
	return nil
}

func (s *Store) ListWorlds(ctx context.Context) ([]*model.World, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, turn_limit, chat_llm_provider, chat_llm_model, current_chat_id FROM worlds ORDER BY id`)
	if err != nil {
		return nil, storage.NewError("ListWorlds", storage.ErrKindUnavailable, err)
	}
	defer rows.Close()

	var out []*model.World
	for rows.Next() {
		w := &model.World{}
		if err := rows.Scan(&w.ID, &w.Name, &w.Description, &w.TurnLimit, &w.ChatLLMProvider, &w.ChatLLMModel, &w.CurrentChatID); err != nil {
			return nil, storage.NewError("ListWorlds", storage.ErrKindUnavailable, err)
		}
		if err := s.fillWorldIDs(ctx, w); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) WorldExists(ctx context.Context, worldID string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM worlds WHERE id = ?`, worldID).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, storage.NewError("WorldExists", storage.ErrKindUnavailable, err)
	}
	return true, nil
}

// --- Agents ---

func (s *Store) SaveAgent(ctx context.Context, a *model.Agent) error {
	if a == nil || a.ID == "" || a.WorldID == "" {
		return storage.NewError("SaveAgent", storage.ErrKindInvalid, fmt.Errorf("agent id/worldID required"))
	}
	servers, _ := json.Marshal(a.MCPServers)
	filter, _ := json.Marshal(a.MCPToolFilter)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO agents (world_id, id, name, provider, model, system_prompt, temperature, max_tokens, status, llm_call_count, last_active_at, mcp_servers, mcp_tool_filter)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.WorldID, a.ID, a.Name, a.Provider, a.Model, a.SystemPrompt, a.Temperature, a.MaxTokens,
		string(a.Status), a.LLMCallCount, a.LastActiveAt.UnixMilli(), string(servers), string(filter),
	)
	if err != nil {
		return storage.NewError("SaveAgent", storage.ErrKindUnavailable, err)
	}
	return nil
}

func scanAgent(row interface {
	Scan(dest ...any) error
}) (*model.Agent, error) {
	a := &model.Agent{}
	var status string
	var lastActive int64
	var servers, filter string
	if err := row.Scan(&a.WorldID, &a.ID, &a.Name, &a.Provider, &a.Model, &a.SystemPrompt, &a.Temperature, &a.MaxTokens,
		&status, &a.LLMCallCount, &lastActive, &servers, &filter); err != nil {
		return nil, err
	}
	a.Status = model.AgentStatus(status)
	a.LastActiveAt = time.UnixMilli(lastActive)
	_ = json.Unmarshal([]byte(servers), &a.MCPServers)
	_ = json.Unmarshal([]byte(filter), &a.MCPToolFilter)
	return a, nil
}

func (s *Store) LoadAgent(ctx context.Context, worldID, agentID string) (*model.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT world_id, id, name, provider, model, system_prompt, temperature, max_tokens, status, llm_call_count, last_active_at, mcp_servers, mcp_tool_filter
		 FROM agents WHERE world_id = ? AND id = ?`, worldID, agentID)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storage.NewError("LoadAgent", storage.ErrKindUnavailable, err)
	}
	return a, nil
}

func (s *Store) DeleteAgent(ctx context.Context, worldID, agentID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.NewError("DeleteAgent", storage.ErrKindUnavailable, err)
	}
	defer tx.Rollback() //nolint:errcheck
	if _, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE world_id = ? AND id = ?`, worldID, agentID); err != nil {
		return storage.NewError("DeleteAgent", storage.ErrKindUnavailable, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_memory WHERE world_id = ? AND agent_id = ?`, worldID, agentID); err != nil {
		return storage.NewError("DeleteAgent", storage.ErrKindUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return storage.NewError("DeleteAgent", storage.ErrKindUnavailable, err)
	}
	return nil
}

func (s *Store) ListAgents(ctx context.Context, worldID string) ([]*model.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT world_id, id, name, provider, model, system_prompt, temperature, max_tokens, status, llm_call_count, last_active_at, mcp_servers, mcp_tool_filter
		 FROM agents WHERE world_id = ? ORDER BY id`, worldID)
	if err != nil {
		return nil, storage.NewError("ListAgents", storage.ErrKindUnavailable, err)
	}
	defer rows.Close()

	var out []*model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, storage.NewError("ListAgents", storage.ErrKindUnavailable, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveAgentMemory replaces agentID's entire memory with entries, in order.
// The full-replace contract mirrors the in-memory backend: callers load,
// append, and save the complete slice back.
func (s *Store) SaveAgentMemory(ctx context.Context, worldID, agentID string, entries []model.MemoryEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.NewError("SaveAgentMemory", storage.ErrKindUnavailable, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_memory WHERE world_id = ? AND agent_id = ?`, worldID, agentID); err != nil {
		return storage.NewError("SaveAgentMemory", storage.ErrKindUnavailable, err)
	}
	for seq, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return storage.NewError("SaveAgentMemory", storage.ErrKindInvalid, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO agent_memory (world_id, agent_id, chat_id, seq, entry) VALUES (?, ?, ?, ?, ?)`,
			worldID, agentID, e.ChatID, seq, string(data),
		); err != nil {
			return storage.NewError("SaveAgentMemory", storage.ErrKindUnavailable, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storage.NewError("SaveAgentMemory", storage.ErrKindUnavailable, err)
	}
	return nil
}

func (s *Store) LoadAgentMemory(ctx context.Context, worldID, agentID string) ([]model.MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry FROM agent_memory WHERE world_id = ? AND agent_id = ? ORDER BY seq`, worldID, agentID)
	if err != nil {
		return nil, storage.NewError("LoadAgentMemory", storage.ErrKindUnavailable, err)
	}
	defer rows.Close()

	var out []model.MemoryEntry
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, storage.NewError("LoadAgentMemory", storage.ErrKindUnavailable, err)
		}
		var e model.MemoryEntry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, storage.NewError("LoadAgentMemory", storage.ErrKindFatal, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) DeleteMemoryByChatID(ctx context.Context, worldID, agentID, chatID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_memory WHERE world_id = ? AND agent_id = ? AND chat_id = ?`, worldID, agentID, chatID)
	if err != nil {
		return storage.NewError("DeleteMemoryByChatID", storage.ErrKindUnavailable, err)
	}
	return nil
}

// ArchiveMemory snapshots agentID's current memory into memory_archive under
// label, then clears it. Mirrors the physical layout note in the wire
// protocol (archive/memory-<ts>) by keying the archive row on label.
func (s *Store) ArchiveMemory(ctx context.Context, worldID, agentID, label string) error {
	entries, err := s.LoadAgentMemory(ctx, worldID, agentID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return storage.NewError("ArchiveMemory", storage.ErrKindInvalid, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.NewError("ArchiveMemory", storage.ErrKindUnavailable, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memory_archive (world_id, agent_id, label, archived_at, entries) VALUES (?, ?, ?, ?, ?)`,
		worldID, agentID, label, time.Now().UnixMilli(), string(data),
	); err != nil {
		return storage.NewError("ArchiveMemory", storage.ErrKindUnavailable, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_memory WHERE world_id = ? AND agent_id = ?`, worldID, agentID); err != nil {
		return storage.NewError("ArchiveMemory", storage.ErrKindUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return storage.NewError("ArchiveMemory", storage.ErrKindUnavailable, err)
	}
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

func (s *Store) SaveChatData(ctx context.Context, c *model.Chat) error {
	if c == nil || c.ID == "" || c.WorldID == "" {
		return storage.NewError("SaveChatData", storage.ErrKindInvalid, fmt.Errorf("chat id/worldID required"))
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO chats (world_id, id, name, description, created_at, updated_at, message_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.WorldID, c.ID, c.Name, c.Description, c.CreatedAt.UnixMilli(), c.UpdatedAt.UnixMilli(), c.MessageCount,
	)
	if err != nil {
		return storage.NewError("SaveChatData", storage.ErrKindUnavailable, err)
	}
	return nil
}

func scanChat(row interface{ Scan(dest ...any) error }) (*model.Chat, error) {
	c := &model.Chat{}
	var created, updated int64
	if err := row.Scan(&c.WorldID, &c.ID, &c.Name, &c.Description, &created, &updated, &c.MessageCount); err != nil {
		return nil, err
	}
	c.CreatedAt = time.UnixMilli(created)
	c.UpdatedAt = time.UnixMilli(updated)
	return c, nil
}

func (s *Store) LoadChatData(ctx context.Context, worldID, chatID string) (*model.Chat, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT world_id, id, name, description, created_at, updated_at, message_count FROM chats WHERE world_id = ? AND id = ?`,
		worldID, chatID)
	c, err := scanChat(row)
	if err == sql.ErrNoRows {
		return nil, storage.NewError("LoadChatData", storage.ErrKindNotFound, fmt.Errorf("chat %q", chatID))
	}
	if err != nil {
		return nil, storage.NewError("LoadChatData", storage.ErrKindUnavailable, err)
	}
	return c, nil
}

func (s *Store) UpdateChatData(ctx context.Context, worldID, chatID string, mutate func(*model.Chat) error) (*model.Chat, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storage.NewError("UpdateChatData", storage.ErrKindUnavailable, err)
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx,
		`SELECT world_id, id, name, description, created_at, updated_at, message_count FROM chats WHERE world_id = ? AND id = ?`,
		worldID, chatID)
	c, err := scanChat(row)
	if err == sql.ErrNoRows {
		return nil, storage.NewError("UpdateChatData", storage.ErrKindNotFound, fmt.Errorf("chat %q", chatID))
	}
	if err != nil {
		return nil, storage.NewError("UpdateChatData", storage.ErrKindUnavailable, err)
	}
	if err := mutate(c); err != nil {
		return nil, err
	}
	c.UpdatedAt = time.Now()

	if _, err := tx.ExecContext(ctx,
		`UPDATE chats SET name = ?, description = ?, updated_at = ?, message_count = ? WHERE world_id = ? AND id = ?`,
		c.Name, c.Description, c.UpdatedAt.UnixMilli(), c.MessageCount, worldID, chatID,
	); err != nil {
		return nil, storage.NewError("UpdateChatData", storage.ErrKindUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storage.NewError("UpdateChatData", storage.ErrKindUnavailable, err)
	}
	return c, nil
}

func (s *Store) DeleteChatData(ctx context.Context, worldID, chatID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE world_id = ? AND id = ?`, worldID, chatID)
	if err != nil {
		return storage.NewError("DeleteChatData", storage.ErrKindUnavailable, err)
	}
	return nil
}

func (s *Store) ListChats(ctx context.Context, worldID string) ([]*model.Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT world_id, id, name, description, created_at, updated_at, message_count FROM chats WHERE world_id = ? ORDER BY created_at`,
		worldID)
	if err != nil {
		return nil, storage.NewError("ListChats", storage.ErrKindUnavailable, err)
	}
	defer rows.Close()

	var out []*model.Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, storage.NewError("ListChats", storage.ErrKindUnavailable, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- Messages ---

func (s *Store) SaveMessage(ctx context.Context, m *model.Message) error {
	if m == nil || m.MessageID == "" {
		return storage.NewError("SaveMessage", storage.ErrKindInvalid, fmt.Errorf("messageID required"))
	}
	toolCalls, _ := json.Marshal(m.ToolCalls)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO messages (world_id, chat_id, message_id, role, sender, content, tool_calls, tool_call_id, reply_to_message_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.WorldID, m.ChatID, m.MessageID, string(m.Role), m.Sender, m.Content, string(toolCalls),
		m.ToolCallID, m.ReplyToMessageID, m.Timestamp.UnixMilli(),
	)
	if err != nil {
		return storage.NewError("SaveMessage", storage.ErrKindUnavailable, err)
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, worldID, chatID string) ([]*model.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, chat_id, world_id, role, sender, content, tool_calls, tool_call_id, reply_to_message_id, created_at
		 FROM messages WHERE world_id = ? AND chat_id = ? ORDER BY created_at`, worldID, chatID)
	if err != nil {
		return nil, storage.NewError("ListMessages", storage.ErrKindUnavailable, err)
	}
	defer rows.Close()

	var out []*model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, storage.NewError("ListMessages", storage.ErrKindUnavailable, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMessage(row interface{ Scan(dest ...any) error }) (*model.Message, error) {
	m := &model.Message{}
	var role string
	var toolCalls string
	var created int64
	if err := row.Scan(&m.MessageID, &m.ChatID, &m.WorldID, &role, &m.Sender, &m.Content, &toolCalls, &m.ToolCallID, &m.ReplyToMessageID, &created); err != nil {
		return nil, err
	}
	m.Role = model.MessageRole(role)
	m.Timestamp = time.UnixMilli(created)
	_ = json.Unmarshal([]byte(toolCalls), &m.ToolCalls)
	return m, nil
}

// GetMemory returns the time-sorted union of every agent's memory entries in
// worldID matching chatID ("" = all chats).
func (s *Store) GetMemory(ctx context.Context, worldID, chatID string) ([]model.MemoryEntry, error) {
	query := `SELECT entry FROM agent_memory WHERE world_id = ?`
	args := []any{worldID}
	if chatID != "" {
		query += ` AND chat_id = ?`
		args = append(args, chatID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.NewError("GetMemory", storage.ErrKindUnavailable, err)
	}
	defer rows.Close()

	var out []model.MemoryEntry
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, storage.NewError("GetMemory", storage.ErrKindUnavailable, err)
		}
		var e model.MemoryEntry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, storage.NewError("GetMemory", storage.ErrKindFatal, err)
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Message.Timestamp.Before(out[j].Message.Timestamp) })
	return out, rows.Err()
}

// --- Queue ---

func (s *Store) Enqueue(ctx context.Context, entry *model.QueueEntry) error {
	if entry == nil || entry.WorldID == "" {
		return storage.NewError("Enqueue", storage.ErrKindInvalid, fmt.Errorf("worldID required"))
	}
	if entry.QueueID == "" {
		entry.QueueID = uuid.NewString()
	}
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now()
	}
	entry.State = model.QueueStatePending
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queue (queue_id, world_id, message_id, chat_id, content, sender, enqueued_at, state, attempt_count, last_heartbeat_at, last_error, next_eligible_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.QueueID, entry.WorldID, entry.MessageID, entry.ChatID, entry.Content, entry.Sender,
		entry.EnqueuedAt.UnixMilli(), string(entry.State), entry.AttemptCount, int64(0), "", int64(0),
	)
	if err != nil {
		return storage.NewError("Enqueue", storage.ErrKindUnavailable, err)
	}
	return nil
}

// Dequeue atomically claims the oldest pending-or-expired entry for worldID,
// iff no entry for that world is currently leased with a live heartbeat.
// The single-connection pool (SetMaxOpenConns(1)) serializes this
// check-then-claim against every other caller in-process; a transaction
// still bounds the read/write as one unit for clarity and future pooling.
func (s *Store) Dequeue(ctx context.Context, worldID string, heartbeatLease time.Duration) (*model.QueueEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storage.NewError("Dequeue", storage.ErrKindUnavailable, err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now()
	var leasedCount int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue WHERE world_id = ? AND state = ? AND last_heartbeat_at > ?`,
		worldID, string(model.QueueStateLeased), now.Add(-heartbeatLease).UnixMilli(),
	).Scan(&leasedCount); err != nil {
		return nil, storage.NewError("Dequeue", storage.ErrKindUnavailable, err)
	}
	if leasedCount > 0 {
		return nil, nil
	}

	row := tx.QueryRowContext(ctx,
		`SELECT queue_id, world_id, message_id, chat_id, content, sender, enqueued_at, state, attempt_count, last_heartbeat_at, last_error, next_eligible_at
		 FROM queue WHERE world_id = ? AND ((state = ? AND next_eligible_at <= ?) OR state = ?)
		 ORDER BY enqueued_at ASC LIMIT 1`,
		worldID, string(model.QueueStatePending), now.UnixMilli(), string(model.QueueStateLeased),
	)
	e, err := scanQueueEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storage.NewError("Dequeue", storage.ErrKindUnavailable, err)
	}

	e.State = model.QueueStateLeased
	e.LastHeartbeatAt = now
	if _, err := tx.ExecContext(ctx,
		`UPDATE queue SET state = ?, last_heartbeat_at = ? WHERE queue_id = ?`,
		string(model.QueueStateLeased), now.UnixMilli(), e.QueueID,
	); err != nil {
		return nil, storage.NewError("Dequeue", storage.ErrKindUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storage.NewError("Dequeue", storage.ErrKindUnavailable, err)
	}
	return e, nil
}

func scanQueueEntry(row interface{ Scan(dest ...any) error }) (*model.QueueEntry, error) {
	e := &model.QueueEntry{}
	var state string
	var enqueued, heartbeat, nextEligible int64
	if err := row.Scan(&e.QueueID, &e.WorldID, &e.MessageID, &e.ChatID, &e.Content, &e.Sender,
		&enqueued, &state, &e.AttemptCount, &heartbeat, &e.LastError, &nextEligible); err != nil {
		return nil, err
	}
	e.State = model.QueueState(state)
	e.EnqueuedAt = time.UnixMilli(enqueued)
	e.LastHeartbeatAt = time.UnixMilli(heartbeat)
	if nextEligible > 0 {
		e.NextEligibleAt = time.UnixMilli(nextEligible)
	}
	return e, nil
}

func (s *Store) UpdateHeartbeat(ctx context.Context, queueID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE queue SET last_heartbeat_at = ? WHERE queue_id = ?`, time.Now().UnixMilli(), queueID)
	if err != nil {
		return storage.NewError("UpdateHeartbeat", storage.ErrKindUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.NewError("UpdateHeartbeat", storage.ErrKindNotFound, fmt.Errorf("queue entry %q", queueID))
	}
	return nil
}

func (s *Store) MarkCompleted(ctx context.Context, queueID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE queue SET state = ? WHERE queue_id = ?`, string(model.QueueStateCompleted), queueID)
	if err != nil {
		return storage.NewError("MarkCompleted", storage.ErrKindUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.NewError("MarkCompleted", storage.ErrKindNotFound, fmt.Errorf("queue entry %q", queueID))
	}
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, queueID string, cause error, nextEligibleAt time.Time, dead bool) error {
	state := model.QueueStatePending
	if dead {
		state = model.QueueStateFailed
	}
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue SET state = ?, attempt_count = attempt_count + 1, last_error = ?, next_eligible_at = ? WHERE queue_id = ?`,
		string(state), errMsg, nextEligibleAt.UnixMilli(), queueID,
	)
	if err != nil {
		return storage.NewError("MarkFailed", storage.ErrKindUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.NewError("MarkFailed", storage.ErrKindNotFound, fmt.Errorf("queue entry %q", queueID))
	}
	return nil
}

func (s *Store) GetQueueStats(ctx context.Context) (model.QueueStats, error) {
	stats := model.QueueStats{PendingByWorld: make(map[string]int), LeasedWorlds: make(map[string]bool)}
	now := time.Now().UnixMilli()

	pendingRows, err := s.db.QueryContext(ctx,
		`SELECT world_id, COUNT(*) FROM queue WHERE state = ? AND next_eligible_at <= ? GROUP BY world_id`,
		string(model.QueueStatePending), now)
	if err != nil {
		return stats, storage.NewError("GetQueueStats", storage.ErrKindUnavailable, err)
	}
	defer pendingRows.Close()
	for pendingRows.Next() {
		var worldID string
		var count int
		if err := pendingRows.Scan(&worldID, &count); err != nil {
			return stats, storage.NewError("GetQueueStats", storage.ErrKindUnavailable, err)
		}
		stats.PendingByWorld[worldID] = count
	}

	leasedRows, err := s.db.QueryContext(ctx, `SELECT DISTINCT world_id FROM queue WHERE state = ?`, string(model.QueueStateLeased))
	if err != nil {
		return stats, storage.NewError("GetQueueStats", storage.ErrKindUnavailable, err)
	}
	defer leasedRows.Close()
	for leasedRows.Next() {
		var worldID string
		if err := leasedRows.Scan(&worldID); err != nil {
			return stats, storage.NewError("GetQueueStats", storage.ErrKindUnavailable, err)
		}
		stats.LeasedWorlds[worldID] = true
	}
	return stats, nil
}

func (s *Store) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue SET state = ?, next_eligible_at = 0 WHERE state = ? AND last_heartbeat_at < ?`,
		string(model.QueueStatePending), string(model.QueueStateLeased), cutoff,
	)
	if err != nil {
		return 0, storage.NewError("ReclaimStale", storage.ErrKindUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
