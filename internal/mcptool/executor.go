package mcptool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/agentworld/orchestrator/internal/llm"
)

// ToolResult is the outcome of one tool invocation, ready to be persisted as
// a tool-role message.
type ToolResult struct {
	CallID  string
	Name    string
	Content string
	IsError bool
}

// Executor runs tool calls against one agent's configured MCP servers.
type Executor struct {
	client     *Client
	serverIDs  []string
	toolFilter map[string][]string // serverID -> allowed tool names, nil = all
}

// NewExecutor creates an Executor scoped to serverIDs, optionally narrowed
// by toolFilter (model.Agent.MCPToolFilter).
func NewExecutor(client *Client, serverIDs []string, toolFilter map[string][]string) *Executor {
	return &Executor{client: client, serverIDs: serverIDs, toolFilter: toolFilter}
}

// Execute routes and runs one tool call. Routing/argument-parse failures are
// returned as an error-content ToolResult rather than a Go error — the
// pipeline always has a message to attach to the tool_call_id.
func (e *Executor) Execute(ctx context.Context, call llm.ToolCall) (*ToolResult, error) {
	name := NormalizeToolName(call.Name)
	serverID, toolName, err := e.resolveToolCall(name)
	if err != nil {
		return &ToolResult{CallID: call.ID, Name: call.Name, Content: err.Error(), IsError: true}, nil
	}

	args := map[string]any{}
	if strings.TrimSpace(call.Arguments) != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return &ToolResult{
				CallID:  call.ID,
				Name:    call.Name,
				Content: fmt.Sprintf("failed to parse tool arguments: %s", err),
				IsError: true,
			}, nil
		}
	}

	result, err := e.client.CallTool(ctx, serverID, toolName, args)
	if err != nil {
		return &ToolResult{
			CallID:  call.ID,
			Name:    call.Name,
			Content: fmt.Sprintf("mcp tool execution failed: %s", err),
			IsError: true,
		}, nil
	}

	return &ToolResult{
		CallID:  call.ID,
		Name:    call.Name,
		Content: extractTextContent(result),
		IsError: result.IsError,
	}, nil
}

// ListTools returns every available tool across e's servers, applying the
// per-server tool filter, with server-qualified names.
func (e *Executor) ListTools(ctx context.Context) ([]llm.ToolDefinition, error) {
	var defs []llm.ToolDefinition
	for _, serverID := range e.serverIDs {
		tools, err := e.client.ListTools(ctx, serverID)
		if err != nil {
			slog.Warn("failed to list tools from mcp server", "server", serverID, "error", err)
			continue
		}
		for _, t := range tools {
			if filter, ok := e.toolFilter[serverID]; ok && len(filter) > 0 && !slices.Contains(filter, t.Name) {
				continue
			}
			defs = append(defs, llm.ToolDefinition{
				Name:             QualifyToolName(serverID, t.Name),
				Description:      t.Description,
				ParametersSchema: marshalSchema(t.InputSchema),
			})
		}
	}
	return defs, nil
}

func (e *Executor) resolveToolCall(name string) (serverID, toolName string, err error) {
	serverID, toolName, err = SplitToolName(name)
	if err != nil {
		return "", "", err
	}
	if !slices.Contains(e.serverIDs, serverID) {
		return "", "", fmt.Errorf("mcp server %q is not available; available: %s", serverID, strings.Join(e.serverIDs, ", "))
	}
	if filter, ok := e.toolFilter[serverID]; ok && len(filter) > 0 && !slices.Contains(filter, toolName) {
		return "", "", fmt.Errorf("tool %q is not available on server %q", toolName, serverID)
	}
	return serverID, toolName, nil
}

func extractTextContent(result *mcpsdk.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func marshalSchema(schema any) string {
	if schema == nil {
		return "{}"
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return "{}"
	}
	return string(data)
}
