// Package redisapproval provides a Redis-backed Approval Cache, the
// "networked" tier for deployments where more than one Queue Processor
// process shares approval state.
package redisapproval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentworld/orchestrator/internal/approval"
	"github.com/agentworld/orchestrator/internal/model"
)

// Cache is a Redis-backed approval.Cache. Session-scoped decisions never
// expire on their own — Clear/ClearAll remove them explicitly, keeping
// entries alive for the chat's lifecycle.
type Cache struct {
	client redis.UniversalClient
	prefix string
}

// Config configures the Redis connection for the approval cache.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // default "approval"
}

// New creates a Redis-backed approval cache and verifies connectivity.
func New(ctx context.Context, cfg Config) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis approval cache ping: %w", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "approval"
	}
	return &Cache{client: client, prefix: prefix}, nil
}

func (c *Cache) entryKey(chatID, toolName string) string {
	return fmt.Sprintf("%s:%s:%s", c.prefix, chatID, toolName)
}

func (c *Cache) chatPattern(chatID string) string {
	return fmt.Sprintf("%s:%s:*", c.prefix, chatID)
}

func (c *Cache) Set(chatID, toolName string, decision model.ApprovalDecision) error {
	if chatID == "" || toolName == "" {
		return fmt.Errorf("approval: chatID and toolName must be non-empty")
	}
	entry := model.ApprovalEntry{
		ChatID:    chatID,
		ToolName:  toolName,
		Decision:  decision,
		Timestamp: time.Now(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	ctx := context.Background()
	// No TTL: a session-scoped decision lives until Clear(chatID) runs.
	return c.client.Set(ctx, c.entryKey(chatID, toolName), data, 0).Err()
}

func (c *Cache) Get(chatID, toolName string) (model.ApprovalEntry, bool) {
	if chatID == "" || toolName == "" {
		return model.ApprovalEntry{}, false
	}
	ctx := context.Background()
	val, err := c.client.Get(ctx, c.entryKey(chatID, toolName)).Result()
	if err != nil {
		if err != redis.Nil {
			slog.Warn("redis approval cache get failed", "chat_id", chatID, "tool", toolName, "error", err)
		}
		return model.ApprovalEntry{}, false
	}
	var entry model.ApprovalEntry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		slog.Warn("redis approval cache decode failed", "chat_id", chatID, "tool", toolName, "error", err)
		return model.ApprovalEntry{}, false
	}
	return entry, true
}

func (c *Cache) Clear(chatID string) {
	ctx := context.Background()
	iter := c.client.Scan(ctx, 0, c.chatPattern(chatID), 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			slog.Warn("redis approval cache clear failed", "key", iter.Val(), "error", err)
		}
	}
}

func (c *Cache) ClearAll() {
	ctx := context.Background()
	iter := c.client.Scan(ctx, 0, c.prefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			slog.Warn("redis approval cache clear-all failed", "key", iter.Val(), "error", err)
		}
	}
}

// Close releases the underlying Redis connection pool.
func (c *Cache) Close() error { return c.client.Close() }

var _ approval.Cache = (*Cache)(nil)
