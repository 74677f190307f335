// Package postgres implements storage.Contract directly on pgx/v5, with no
// ORM layer: every operation is a hand-written SQL statement against a
// pgxpool.Pool. It is the "networked" storage tier, meant for multi-instance
// worldd deployments where the Queue's mutual-exclusion lease must be
// visible across processes.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/google/uuid"

	"github.com/agentworld/orchestrator/internal/model"
	"github.com/agentworld/orchestrator/internal/storage"
)

// Config holds connection parameters for the postgres backend, mirroring the
// env-driven shape used for every other backend's configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

func (c Config) dsn() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// Store implements storage.Contract backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Contract = (*Store)(nil)

// Open connects to cfg's database, applies pending embedded migrations, and
// returns a ready Store.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	dsn := cfg.dsn()

	if err := runMigrations(dsn); err != nil {
		return nil, storage.NewError("Open", storage.ErrKindFatal, err)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, storage.NewError("Open", storage.ErrKindFatal, err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MinConns = cfg.MinConns
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, storage.NewError("Open", storage.ErrKindFatal, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, storage.NewError("Open", storage.ErrKindUnavailable, err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.NewError(op, storage.ErrKindNotFound, err)
	}
	return storage.NewError(op, storage.ErrKindUnavailable, err)
}

// --- Worlds ---

func (s *Store) SaveWorld(ctx context.Context, w *model.World) error {
	if w == nil || w.ID == "" {
		return storage.NewError("SaveWorld", storage.ErrKindInvalid, fmt.Errorf("world id required"))
	}
	if w.TurnLimit < 1 {
		return storage.NewError("SaveWorld", storage.ErrKindInvalid, fmt.Errorf("turnLimit must be >= 1"))
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO worlds (id, name, description, turn_limit, chat_llm_provider, chat_llm_model, current_chat_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name, description = EXCLUDED.description, turn_limit = EXCLUDED.turn_limit,
		   chat_llm_provider = EXCLUDED.chat_llm_provider, chat_llm_model = EXCLUDED.chat_llm_model,
		   current_chat_id = EXCLUDED.current_chat_id`,
		w.ID, w.Name, w.Description, w.TurnLimit, w.ChatLLMProvider, w.ChatLLMModel, w.CurrentChatID,
	)
	if err != nil {
		return wrapErr("SaveWorld", err)
	}
	return nil
}

func (s *Store) LoadWorld(ctx context.Context, worldID string) (*model.World, error) {
	w := &model.World{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, description, turn_limit, chat_llm_provider, chat_llm_model, current_chat_id FROM worlds WHERE id = $1`,
		worldID,
	).Scan(&w.ID, &w.Name, &w.Description, &w.TurnLimit, &w.ChatLLMProvider, &w.ChatLLMModel, &w.CurrentChatID)
	if err != nil {
		return nil, wrapErr("LoadWorld", err)
	}
	if err := s.fillWorldIDs(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

func (s *Store) fillWorldIDs(ctx context.Context, w *model.World) error {
	agentRows, err := s.pool.Query(ctx, `SELECT id FROM agents WHERE world_id = $1 ORDER BY id`, w.ID)
	if err != nil {
		return wrapErr("LoadWorld", err)
	}
	defer agentRows.Close()
	for agentRows.Next() {
		var id string
		if err := agentRows.Scan(&id); err != nil {
			return wrapErr("LoadWorld", err)
		}
		w.AgentIDs = append(w.AgentIDs, id)
	}

	chatRows, err := s.pool.Query(ctx, `SELECT id FROM chats WHERE world_id = $1 ORDER BY created_at`, w.ID)
	if err != nil {
		return wrapErr("LoadWorld", err)
	}
	defer chatRows.Close()
	for chatRows.Next() {
		var id string
		if err := chatRows.Scan(&id); err != nil {
			return wrapErr("LoadWorld", err)
		}
		w.ChatIDs = append(w.ChatIDs, id)
	}
	return nil
}

func (s *Store) DeleteWorld(ctx context.Context, worldID string) error {
	// agents/chats cascade via FK; agent_memory/messages/queue have no FK
	// (sharded only by worldID, not enforced) so clean them explicitly.
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapErr("DeleteWorld", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, stmt := range []string{
		`DELETE FROM agent_memory WHERE world_id = $1`,
		`DELETE FROM memory_archive WHERE world_id = $1`,
		`DELETE FROM messages WHERE world_id = $1`,
		`DELETE FROM queue WHERE world_id = $1`,
		`DELETE FROM worlds WHERE id = $1`,
	} {
		if _, err := tx.Exec(ctx, stmt, worldID); err != nil {
			return wrapErr("DeleteWorld", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapErr("DeleteWorld", err)
	}
	return nil
}

func (s *Store) ListWorlds(ctx context.Context) ([]*model.World, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, description, turn_limit, chat_llm_provider, chat_llm_model, current_chat_id FROM worlds ORDER BY id`)
	if err != nil {
		return nil, wrapErr("ListWorlds", err)
	}
	defer rows.Close()

	var out []*model.World
	for rows.Next() {
		w := &model.World{}
		if err := rows.Scan(&w.ID, &w.Name, &w.Description, &w.TurnLimit, &w.ChatLLMProvider, &w.ChatLLMModel, &w.CurrentChatID); err != nil {
			return nil, wrapErr("ListWorlds", err)
		}
		if err := s.fillWorldIDs(ctx, w); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, wrapErr("ListWorlds", rows.Err())
}

func (s *Store) WorldExists(ctx context.Context, worldID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM worlds WHERE id = $1)`, worldID).Scan(&exists)
	if err != nil {
		return false, wrapErr("WorldExists", err)
	}
	return exists, nil
}

// --- Agents ---

func (s *Store) SaveAgent(ctx context.Context, a *model.Agent) error {
	if a == nil || a.ID == "" || a.WorldID == "" {
		return storage.NewError("SaveAgent", storage.ErrKindInvalid, fmt.Errorf("agent id/worldID required"))
	}
	servers, _ := json.Marshal(a.MCPServers)
	filter, _ := json.Marshal(a.MCPToolFilter)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agents (world_id, id, name, provider, model, system_prompt, temperature, max_tokens, status, llm_call_count, last_active_at, mcp_servers, mcp_tool_filter)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (world_id, id) DO UPDATE SET
		   name = EXCLUDED.name, provider = EXCLUDED.provider, model = EXCLUDED.model,
		   system_prompt = EXCLUDED.system_prompt, temperature = EXCLUDED.temperature, max_tokens = EXCLUDED.max_tokens,
		   status = EXCLUDED.status, llm_call_count = EXCLUDED.llm_call_count, last_active_at = EXCLUDED.last_active_at,
		   mcp_servers = EXCLUDED.mcp_servers, mcp_tool_filter = EXCLUDED.mcp_tool_filter`,
		a.WorldID, a.ID, a.Name, a.Provider, a.Model, a.SystemPrompt, a.Temperature, a.MaxTokens,
		string(a.Status), a.LLMCallCount, a.LastActiveAt, string(servers), string(filter),
	)
	if err != nil {
		return wrapErr("SaveAgent", err)
	}
	return nil
}

func scanAgent(row pgx.Row) (*model.Agent, error) {
	a := &model.Agent{}
	var status string
	var servers, filter string
	if err := row.Scan(&a.WorldID, &a.ID, &a.Name, &a.Provider, &a.Model, &a.SystemPrompt, &a.Temperature, &a.MaxTokens,
		&status, &a.LLMCallCount, &a.LastActiveAt, &servers, &filter); err != nil {
		return nil, err
	}
	a.Status = model.AgentStatus(status)
	_ = json.Unmarshal([]byte(servers), &a.MCPServers)
	_ = json.Unmarshal([]byte(filter), &a.MCPToolFilter)
	return a, nil
}

const agentColumns = `world_id, id, name, provider, model, system_prompt, temperature, max_tokens, status, llm_call_count, last_active_at, mcp_servers, mcp_tool_filter`

func (s *Store) LoadAgent(ctx context.Context, worldID, agentID string) (*model.Agent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE world_id = $1 AND id = $2`, worldID, agentID)
	a, err := scanAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("LoadAgent", err)
	}
	return a, nil
}

func (s *Store) DeleteAgent(ctx context.Context, worldID, agentID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapErr("DeleteAgent", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck
	if _, err := tx.Exec(ctx, `DELETE FROM agents WHERE world_id = $1 AND id = $2`, worldID, agentID); err != nil {
		return wrapErr("DeleteAgent", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM agent_memory WHERE world_id = $1 AND agent_id = $2`, worldID, agentID); err != nil {
		return wrapErr("DeleteAgent", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapErr("DeleteAgent", err)
	}
	return nil
}

func (s *Store) ListAgents(ctx context.Context, worldID string) ([]*model.Agent, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+agentColumns+` FROM agents WHERE world_id = $1 ORDER BY id`, worldID)
	if err != nil {
		return nil, wrapErr("ListAgents", err)
	}
	defer rows.Close()

	var out []*model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, wrapErr("ListAgents", err)
		}
		out = append(out, a)
	}
	return out, wrapErr("ListAgents", rows.Err())
}

// SaveAgentMemory replaces agentID's entire memory with entries, in order.
func (s *Store) SaveAgentMemory(ctx context.Context, worldID, agentID string, entries []model.MemoryEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapErr("SaveAgentMemory", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM agent_memory WHERE world_id = $1 AND agent_id = $2`, worldID, agentID); err != nil {
		return wrapErr("SaveAgentMemory", err)
	}
	batch := &pgx.Batch{}
	for seq, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return storage.NewError("SaveAgentMemory", storage.ErrKindInvalid, err)
		}
		batch.Queue(`INSERT INTO agent_memory (world_id, agent_id, chat_id, seq, entry) VALUES ($1, $2, $3, $4, $5)`,
			worldID, agentID, e.ChatID, seq, string(data))
	}
	if batch.Len() > 0 {
		br := tx.SendBatch(ctx, batch)
		for range entries {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return wrapErr("SaveAgentMemory", err)
			}
		}
		if err := br.Close(); err != nil {
			return wrapErr("SaveAgentMemory", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapErr("SaveAgentMemory", err)
	}
	return nil
}

func (s *Store) LoadAgentMemory(ctx context.Context, worldID, agentID string) ([]model.MemoryEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT entry FROM agent_memory WHERE world_id = $1 AND agent_id = $2 ORDER BY seq`, worldID, agentID)
	if err != nil {
		return nil, wrapErr("LoadAgentMemory", err)
	}
	defer rows.Close()

	var out []model.MemoryEntry
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, wrapErr("LoadAgentMemory", err)
		}
		var e model.MemoryEntry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, storage.NewError("LoadAgentMemory", storage.ErrKindFatal, err)
		}
		out = append(out, e)
	}
	return out, wrapErr("LoadAgentMemory", rows.Err())
}

func (s *Store) DeleteMemoryByChatID(ctx context.Context, worldID, agentID, chatID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM agent_memory WHERE world_id = $1 AND agent_id = $2 AND chat_id = $3`, worldID, agentID, chatID)
	if err != nil {
		return wrapErr("DeleteMemoryByChatID", err)
	}
	return nil
}

func (s *Store) ArchiveMemory(ctx context.Context, worldID, agentID, label string) error {
	entries, err := s.LoadAgentMemory(ctx, worldID, agentID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return storage.NewError("ArchiveMemory", storage.ErrKindInvalid, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapErr("ArchiveMemory", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO memory_archive (world_id, agent_id, label, archived_at, entries) VALUES ($1, $2, $3, $4, $5)`,
		worldID, agentID, label, time.Now(), string(data),
	); err != nil {
		return wrapErr("ArchiveMemory", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM agent_memory WHERE world_id = $1 AND agent_id = $2`, worldID, agentID); err != nil {
		return wrapErr("ArchiveMemory", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapErr("ArchiveMemory", err)
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
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chats (world_id, id, name, description, created_at, updated_at, message_count)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (world_id, id) DO UPDATE SET
		   name = EXCLUDED.name, description = EXCLUDED.description,
		   updated_at = EXCLUDED.updated_at, message_count = EXCLUDED.message_count`,
		c.WorldID, c.ID, c.Name, c.Description, c.CreatedAt, c.UpdatedAt, c.MessageCount,
	)
	if err != nil {
		return wrapErr("SaveChatData", err)
	}
	return nil
}

const chatColumns = `world_id, id, name, description, created_at, updated_at, message_count`

func scanChat(row pgx.Row) (*model.Chat, error) {
	c := &model.Chat{}
	if err := row.Scan(&c.WorldID, &c.ID, &c.Name, &c.Description, &c.CreatedAt, &c.UpdatedAt, &c.MessageCount); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Store) LoadChatData(ctx context.Context, worldID, chatID string) (*model.Chat, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+chatColumns+` FROM chats WHERE world_id = $1 AND id = $2`, worldID, chatID)
	c, err := scanChat(row)
	if err != nil {
		return nil, wrapErr("LoadChatData", err)
	}
	return c, nil
}

func (s *Store) UpdateChatData(ctx context.Context, worldID, chatID string, mutate func(*model.Chat) error) (*model.Chat, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, wrapErr("UpdateChatData", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	row := tx.QueryRow(ctx, `SELECT `+chatColumns+` FROM chats WHERE world_id = $1 AND id = $2 FOR UPDATE`, worldID, chatID)
	c, err := scanChat(row)
	if err != nil {
		return nil, wrapErr("UpdateChatData", err)
	}
	if err := mutate(c); err != nil {
		return nil, err
	}
	c.UpdatedAt = time.Now()

	if _, err := tx.Exec(ctx,
		`UPDATE chats SET name = $1, description = $2, updated_at = $3, message_count = $4 WHERE world_id = $5 AND id = $6`,
		c.Name, c.Description, c.UpdatedAt, c.MessageCount, worldID, chatID,
	); err != nil {
		return nil, wrapErr("UpdateChatData", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, wrapErr("UpdateChatData", err)
	}
	return c, nil
}

func (s *Store) DeleteChatData(ctx context.Context, worldID, chatID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM chats WHERE world_id = $1 AND id = $2`, worldID, chatID)
	if err != nil {
		return wrapErr("DeleteChatData", err)
	}
	return nil
}

func (s *Store) ListChats(ctx context.Context, worldID string) ([]*model.Chat, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+chatColumns+` FROM chats WHERE world_id = $1 ORDER BY created_at`, worldID)
	if err != nil {
		return nil, wrapErr("ListChats", err)
	}
	defer rows.Close()

	var out []*model.Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, wrapErr("ListChats", err)
		}
		out = append(out, c)
	}
	return out, wrapErr("ListChats", rows.Err())
}

// --- Messages ---

func (s *Store) SaveMessage(ctx context.Context, m *model.Message) error {
	if m == nil || m.MessageID == "" {
		return storage.NewError("SaveMessage", storage.ErrKindInvalid, fmt.Errorf("messageID required"))
	}
	toolCalls, _ := json.Marshal(m.ToolCalls)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (world_id, chat_id, message_id, role, sender, content, tool_calls, tool_call_id, reply_to_message_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (world_id, message_id) DO UPDATE SET
		   content = EXCLUDED.content, tool_calls = EXCLUDED.tool_calls`,
		m.WorldID, m.ChatID, m.MessageID, string(m.Role), m.Sender, m.Content, string(toolCalls),
		m.ToolCallID, m.ReplyToMessageID, m.Timestamp,
	)
	if err != nil {
		return wrapErr("SaveMessage", err)
	}
	return nil
}

func scanMessage(row pgx.Row) (*model.Message, error) {
	m := &model.Message{}
	var role string
	var toolCalls []byte
	if err := row.Scan(&m.MessageID, &m.ChatID, &m.WorldID, &role, &m.Sender, &m.Content, &toolCalls, &m.ToolCallID, &m.ReplyToMessageID, &m.Timestamp); err != nil {
		return nil, err
	}
	m.Role = model.MessageRole(role)
	_ = json.Unmarshal(toolCalls, &m.ToolCalls)
	return m, nil
}

func (s *Store) ListMessages(ctx context.Context, worldID, chatID string) ([]*model.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT message_id, chat_id, world_id, role, sender, content, tool_calls, tool_call_id, reply_to_message_id, created_at
		 FROM messages WHERE world_id = $1 AND chat_id = $2 ORDER BY created_at`, worldID, chatID)
	if err != nil {
		return nil, wrapErr("ListMessages", err)
	}
	defer rows.Close()

	var out []*model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, wrapErr("ListMessages", err)
		}
		out = append(out, m)
	}
	return out, wrapErr("ListMessages", rows.Err())
}

func (s *Store) GetMemory(ctx context.Context, worldID, chatID string) ([]model.MemoryEntry, error) {
	query := `SELECT entry FROM agent_memory WHERE world_id = $1`
	args := []any{worldID}
	if chatID != "" {
		query += ` AND chat_id = $2`
		args = append(args, chatID)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("GetMemory", err)
	}
	defer rows.Close()

	var out []model.MemoryEntry
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, wrapErr("GetMemory", err)
		}
		var e model.MemoryEntry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, storage.NewError("GetMemory", storage.ErrKindFatal, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("GetMemory", err)
	}
	sortMemoryByTimestamp(out)
	return out, nil
}

func sortMemoryByTimestamp(entries []model.MemoryEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].Message.Timestamp.Before(entries[j-1].Message.Timestamp); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
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
	_, err := s.pool.Exec(ctx,
		`INSERT INTO queue (queue_id, world_id, message_id, chat_id, content, sender, enqueued_at, state, attempt_count)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.QueueID, entry.WorldID, entry.MessageID, entry.ChatID, entry.Content, entry.Sender,
		entry.EnqueuedAt, string(entry.State), entry.AttemptCount,
	)
	if err != nil {
		return wrapErr("Enqueue", err)
	}
	return nil
}

// Dequeue claims the oldest eligible pending entry for worldID using
// SELECT ... FOR UPDATE SKIP LOCKED, mirroring the claim pattern of a
// FIFO session queue under concurrent pollers: lock contention from other
// worldd instances racing the same world is resolved by skipping, not
// blocking, so only one claimer ever wins a given row.
//
// SKIP LOCKED only dedupes contention on the same row, but the "is there
// already a live lease for this world" check below is a plain SELECT
// COUNT(*), which under READ COMMITTED takes no lock. Two concurrent
// Dequeue(worldID) calls against a world with several pending rows could
// both see leasedCount==0 and each claim a different row. A transaction-held
// advisory lock keyed on worldID serializes that check-then-claim sequence
// across concurrent callers for the same world.
func (s *Store) Dequeue(ctx context.Context, worldID string, heartbeatLease time.Duration) (*model.QueueEntry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, wrapErr("Dequeue", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, worldID); err != nil {
		return nil, wrapErr("Dequeue", err)
	}

	now := time.Now()
	var leasedCount int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM queue WHERE world_id = $1 AND state = $2 AND last_heartbeat_at > $3`,
		worldID, string(model.QueueStateLeased), now.Add(-heartbeatLease),
	).Scan(&leasedCount); err != nil {
		return nil, wrapErr("Dequeue", err)
	}
	if leasedCount > 0 {
		return nil, nil
	}

	row := tx.QueryRow(ctx,
		`SELECT queue_id, world_id, message_id, chat_id, content, sender, enqueued_at, state, attempt_count, last_heartbeat_at, last_error, next_eligible_at
		 FROM queue
		 WHERE world_id = $1 AND state = $2 AND (next_eligible_at IS NULL OR next_eligible_at <= $3)
		 ORDER BY enqueued_at ASC
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`,
		worldID, string(model.QueueStatePending), now,
	)
	e, err := scanQueueEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("Dequeue", err)
	}

	e.State = model.QueueStateLeased
	e.LastHeartbeatAt = now
	if _, err := tx.Exec(ctx,
		`UPDATE queue SET state = $1, last_heartbeat_at = $2 WHERE queue_id = $3`,
		string(model.QueueStateLeased), now, e.QueueID,
	); err != nil {
		return nil, wrapErr("Dequeue", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, wrapErr("Dequeue", err)
	}
	return e, nil
}

func scanQueueEntry(row pgx.Row) (*model.QueueEntry, error) {
	e := &model.QueueEntry{}
	var state string
	var heartbeat, nextEligible *time.Time
	if err := row.Scan(&e.QueueID, &e.WorldID, &e.MessageID, &e.ChatID, &e.Content, &e.Sender,
		&e.EnqueuedAt, &state, &e.AttemptCount, &heartbeat, &e.LastError, &nextEligible); err != nil {
		return nil, err
	}
	e.State = model.QueueState(state)
	if heartbeat != nil {
		e.LastHeartbeatAt = *heartbeat
	}
	if nextEligible != nil {
		e.NextEligibleAt = *nextEligible
	}
	return e, nil
}

func (s *Store) UpdateHeartbeat(ctx context.Context, queueID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE queue SET last_heartbeat_at = $1 WHERE queue_id = $2`, time.Now(), queueID)
	if err != nil {
		return wrapErr("UpdateHeartbeat", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.NewError("UpdateHeartbeat", storage.ErrKindNotFound, fmt.Errorf("queue entry %q", queueID))
	}
	return nil
}

func (s *Store) MarkCompleted(ctx context.Context, queueID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE queue SET state = $1 WHERE queue_id = $2`, string(model.QueueStateCompleted), queueID)
	if err != nil {
		return wrapErr("MarkCompleted", err)
	}
	if tag.RowsAffected() == 0 {
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
	tag, err := s.pool.Exec(ctx,
		`UPDATE queue SET state = $1, attempt_count = attempt_count + 1, last_error = $2, next_eligible_at = $3 WHERE queue_id = $4`,
		string(state), errMsg, nextEligibleAt, queueID,
	)
	if err != nil {
		return wrapErr("MarkFailed", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.NewError("MarkFailed", storage.ErrKindNotFound, fmt.Errorf("queue entry %q", queueID))
	}
	return nil
}

func (s *Store) GetQueueStats(ctx context.Context) (model.QueueStats, error) {
	stats := model.QueueStats{PendingByWorld: make(map[string]int), LeasedWorlds: make(map[string]bool)}

	pendingRows, err := s.pool.Query(ctx,
		`SELECT world_id, COUNT(*) FROM queue WHERE state = $1 AND (next_eligible_at IS NULL OR next_eligible_at <= now()) GROUP BY world_id`,
		string(model.QueueStatePending))
	if err != nil {
		return stats, wrapErr("GetQueueStats", err)
	}
	defer pendingRows.Close()
	for pendingRows.Next() {
		var worldID string
		var count int
		if err := pendingRows.Scan(&worldID, &count); err != nil {
			return stats, wrapErr("GetQueueStats", err)
		}
		stats.PendingByWorld[worldID] = count
	}

	leasedRows, err := s.pool.Query(ctx, `SELECT DISTINCT world_id FROM queue WHERE state = $1`, string(model.QueueStateLeased))
	if err != nil {
		return stats, wrapErr("GetQueueStats", err)
	}
	defer leasedRows.Close()
	for leasedRows.Next() {
		var worldID string
		if err := leasedRows.Scan(&worldID); err != nil {
			return stats, wrapErr("GetQueueStats", err)
		}
		stats.LeasedWorlds[worldID] = true
	}
	return stats, nil
}

func (s *Store) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE queue SET state = $1, next_eligible_at = NULL WHERE state = $2 AND last_heartbeat_at < $3`,
		string(model.QueueStatePending), string(model.QueueStateLeased), time.Now().Add(-olderThan),
	)
	if err != nil {
		return 0, wrapErr("ReclaimStale", err)
	}
	return int(tag.RowsAffected()), nil
}
