package mcptool

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// InitTimeout bounds a single server connect attempt.
const InitTimeout = 15 * time.Second

// OperationTimeout bounds a single list-tools or call-tool round trip.
const OperationTimeout = 60 * time.Second

// Client manages MCP sessions for the servers in its registry. worldd builds
// one process-wide Client, so sessions are shared by every agent's Executor.
type Client struct {
	registry *Registry
	log      *slog.Logger

	mu            sync.RWMutex
	sessions      map[string]*mcpsdk.ClientSession
	failedServers map[string]string
	toolCache     map[string][]*mcpsdk.Tool
}

// NewClient creates a Client bound to registry.
func NewClient(registry *Registry, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		registry:      registry,
		log:           log,
		sessions:      make(map[string]*mcpsdk.ClientSession),
		failedServers: make(map[string]string),
		toolCache:     make(map[string][]*mcpsdk.Tool),
	}
}

// Initialize connects to every server in serverIDs, recording failures
// without aborting so that partially-available tool sets still work.
func (c *Client) Initialize(ctx context.Context, serverIDs []string) {
	for _, id := range serverIDs {
		if err := c.initServer(ctx, id); err != nil {
			c.mu.Lock()
			c.failedServers[id] = err.Error()
			c.mu.Unlock()
			c.log.Warn("mcp server failed to initialize", "server", id, "error", err)
		}
	}
}

func (c *Client) initServer(ctx context.Context, serverID string) error {
	c.mu.RLock()
	_, exists := c.sessions[serverID]
	c.mu.RUnlock()
	if exists {
		return nil
	}

	cfg, ok := c.registry.Get(serverID)
	if !ok {
		return fmt.Errorf("mcp server %q not registered", serverID)
	}
	transport, err := createTransport(cfg.Transport)
	if err != nil {
		return fmt.Errorf("create transport for %q: %w", serverID, err)
	}

	initCtx, cancel := context.WithTimeout(ctx, InitTimeout)
	defer cancel()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "agentworld", Version: "dev"}, nil)
	session, err := client.Connect(initCtx, transport, nil)
	if err != nil {
		if closer, ok := transport.(io.Closer); ok {
			_ = closer.Close()
		}
		return fmt.Errorf("connect to %q: %w", serverID, err)
	}

	c.mu.Lock()
	c.sessions[serverID] = session
	delete(c.failedServers, serverID)
	c.mu.Unlock()
	c.log.Info("mcp server connected", "server", serverID)
	return nil
}

// ListTools returns the (cached) tool list for serverID.
func (c *Client) ListTools(ctx context.Context, serverID string) ([]*mcpsdk.Tool, error) {
	c.mu.RLock()
	if cached, ok := c.toolCache[serverID]; ok {
		c.mu.RUnlock()
		return cached, nil
	}
	session, exists := c.sessions[serverID]
	c.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("mcp: no session for server %q", serverID)
	}

	opCtx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()
	result, err := session.ListTools(opCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("mcp: list tools from %q: %w", serverID, err)
	}
	tools := result.Tools
	if tools == nil {
		tools = []*mcpsdk.Tool{}
	}
	c.mu.Lock()
	c.toolCache[serverID] = tools
	c.mu.Unlock()
	return tools, nil
}

// CallTool executes one tool call on serverID, retrying once after a short
// delay on transport error.
func (c *Client) CallTool(ctx context.Context, serverID, toolName string, args map[string]any) (*mcpsdk.CallToolResult, error) {
	params := &mcpsdk.CallToolParams{Name: toolName, Arguments: args}

	result, err := c.callOnce(ctx, serverID, params)
	if err == nil {
		return result, nil
	}
	c.log.Warn("mcp tool call failed, retrying once", "server", serverID, "tool", toolName, "error", err)
	select {
	case <-time.After(500 * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c.callOnce(ctx, serverID, params)
}

func (c *Client) callOnce(ctx context.Context, serverID string, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error) {
	c.mu.RLock()
	session, exists := c.sessions[serverID]
	c.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("mcp: no session for server %q", serverID)
	}
	opCtx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()
	return session.CallTool(opCtx, params)
}

// Close tears down every open session.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	for id, session := range c.sessions {
		if err := session.Close(); err != nil && first == nil {
			first = fmt.Errorf("close session %q: %w", id, err)
		}
	}
	c.sessions = make(map[string]*mcpsdk.ClientSession)
	return first
}
