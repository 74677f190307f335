// Package anthropicprovider adapts github.com/anthropics/anthropic-sdk-go's
// streaming Messages API to the internal/llm.Client interface. Streaming
// shape (content-block accumulation, tool-use buffering) follows
// intelligencedev-manifold's internal/llm/anthropic client.
package anthropicprovider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/agentworld/orchestrator/internal/llm"
)

// Config configures an anthropicprovider Client.
type Config struct {
	APIKey    string
	BaseURL   string
	MaxTokens int64 // default 4096
}

// Client streams chat completions from the Anthropic Messages API.
type Client struct {
	sdk       anthropic.Client
	maxTokens int64
}

// New creates an Anthropic-backed llm.Client.
func New(cfg Config) *Client {
	opts := []option.RequestOption{option.WithAPIKey(strings.TrimSpace(cfg.APIKey))}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(base, "/")))
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Client{sdk: anthropic.NewClient(opts...), maxTokens: maxTokens}
}

type toolBuffer struct {
	id, name string
	args     strings.Builder
}

// Generate streams one Anthropic Messages call, translating SDK events into
// llm.Chunk values on the returned channel.
func (c *Client) Generate(ctx context.Context, input *llm.GenerateInput) (<-chan llm.Chunk, error) {
	system, messages, err := adaptMessages(input.Messages)
	if err != nil {
		return nil, err
	}

	maxTokens := c.maxTokens
	if input.MaxTokens > 0 {
		maxTokens = int64(input.MaxTokens)
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(input.Model),
		Messages:  messages,
		MaxTokens: maxTokens,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(input.Tools) > 0 {
		params.Tools = adaptTools(input.Tools)
	}

	out := make(chan llm.Chunk, 16)
	go func() {
		defer close(out)
		stream := c.sdk.Messages.NewStreaming(ctx, params)
		defer func() { _ = stream.Close() }()

		var acc anthropic.Message
		toolBuffers := map[int64]*toolBuffer{}

		for stream.Next() {
			event := stream.Current()
			_ = acc.Accumulate(event)

			switch ev := event.AsAny().(type) {
			case anthropic.ContentBlockStartEvent:
				if block, ok := ev.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
					id := strings.TrimSpace(block.ID)
					if id == "" {
						id = fmt.Sprintf("call-%d", ev.Index)
					}
					toolBuffers[ev.Index] = &toolBuffer{id: id, name: block.Name}
				}
			case anthropic.ContentBlockDeltaEvent:
				switch delta := ev.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if delta.Text != "" {
						out <- &llm.TextChunk{Content: delta.Text}
					}
				case anthropic.InputJSONDelta:
					if tb := toolBuffers[ev.Index]; tb != nil {
						tb.args.WriteString(delta.PartialJSON)
					}
				}
			}
		}

		if err := stream.Err(); err != nil {
			out <- &llm.ErrorChunk{Message: err.Error(), Retryable: isRetryable(err)}
			return
		}

		for _, tb := range toolBuffers {
			args := tb.args.String()
			if strings.TrimSpace(args) == "" {
				args = "{}"
			}
			out <- &llm.ToolCallChunk{CallID: tb.id, Name: tb.name, Arguments: args}
		}

		out <- &llm.UsageChunk{
			InputTokens:  int(acc.Usage.InputTokens),
			OutputTokens: int(acc.Usage.OutputTokens),
			TotalTokens:  int(acc.Usage.InputTokens + acc.Usage.OutputTokens),
		}
		out <- &llm.DoneChunk{StopReason: adaptStopReason(acc.StopReason)}
	}()
	return out, nil
}

// Close is a no-op: the SDK client holds no resources that need releasing.
func (c *Client) Close() error { return nil }

func adaptStopReason(r anthropic.StopReason) llm.StopReason {
	switch r {
	case anthropic.StopReasonToolUse:
		return llm.StopReasonToolUse
	case anthropic.StopReasonMaxTokens:
		return llm.StopReasonMaxTokens
	default:
		return llm.StopReasonEndTurn
	}
}

func adaptMessages(msgs []llm.ConversationMessage) (string, []anthropic.MessageParam, error) {
	var system strings.Builder
	converted := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case llm.RoleSystem:
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(m.Content)
		case llm.RoleUser:
			converted = append(converted, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case llm.RoleAssistant:
			blocks := []anthropic.ContentBlockParamUnion{}
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, rawJSON(tc.Arguments), tc.Name))
			}
			if len(blocks) == 0 {
				blocks = append(blocks, anthropic.NewTextBlock(""))
			}
			converted = append(converted, anthropic.NewAssistantMessage(blocks...))
		case llm.RoleTool:
			converted = append(converted, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false),
			))
		default:
			return "", nil, fmt.Errorf("anthropicprovider: unsupported role %q", m.Role)
		}
	}
	return system.String(), converted, nil
}

func rawJSON(s string) any {
	if strings.TrimSpace(s) == "" {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return map[string]any{}
	}
	return v
}

func adaptTools(tools []llm.ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		schema := anthropic.ToolInputSchemaParam{Type: constant.ValueOf[constant.Object]()}
		var decoded map[string]any
		if err := json.Unmarshal([]byte(t.ParametersSchema), &decoded); err == nil {
			if props, ok := decoded["properties"]; ok {
				schema.Properties = props
			}
			if req, ok := decoded["required"].([]any); ok {
				for _, item := range req {
					if s, ok := item.(string); ok {
						schema.Required = append(schema.Required, s)
					}
				}
			}
		}
		param := anthropic.ToolParam{Name: t.Name, InputSchema: schema}
		if t.Description != "" {
			param.Description = anthropic.String(t.Description)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out
}

func isRetryable(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}

var _ llm.Client = (*Client)(nil)
