// Package openaiprovider adapts github.com/openai/openai-go/v2's streaming
// chat completions API to the internal/llm.Client interface. The
// delta-accumulation pattern for tool calls follows
// intelligencedev-manifold's internal/llm/openai client.
package openaiprovider

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/agentworld/orchestrator/internal/llm"
)

// Config configures an openaiprovider Client.
type Config struct {
	APIKey  string
	BaseURL string
}

// Client streams chat completions from the OpenAI Chat Completions API.
type Client struct {
	sdk sdk.Client
}

// New creates an OpenAI-backed llm.Client.
func New(cfg Config) *Client {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	return &Client{sdk: sdk.NewClient(opts...)}
}

type accTool struct {
	id, name string
	args     strings.Builder
}

// Generate streams one Chat Completions call, translating SDK chunks into
// llm.Chunk values on the returned channel.
func (c *Client) Generate(ctx context.Context, input *llm.GenerateInput) (<-chan llm.Chunk, error) {
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(input.Model),
		Messages: adaptMessages(input.Messages),
	}
	if len(input.Tools) > 0 {
		params.Tools = adaptTools(input.Tools)
	}
	if input.Temperature > 0 {
		params.Temperature = sdk.Float(input.Temperature)
	}
	if input.MaxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(input.MaxTokens))
	}
	params.StreamOptions.IncludeUsage = sdk.Bool(true)

	out := make(chan llm.Chunk, 16)
	go func() {
		defer close(out)
		stream := c.sdk.Chat.Completions.NewStreaming(ctx, params)
		defer func() { _ = stream.Close() }()

		toolCalls := make(map[int64]*accTool)
		var finishReason string
		var usage llm.UsageChunk

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				if chunk.Usage.TotalTokens > 0 {
					usage = llm.UsageChunk{
						InputTokens:  int(chunk.Usage.PromptTokens),
						OutputTokens: int(chunk.Usage.CompletionTokens),
						TotalTokens:  int(chunk.Usage.TotalTokens),
					}
				}
				continue
			}

			delta := chunk.Choices[0].Delta
			if delta.Content != "" {
				out <- &llm.TextChunk{Content: delta.Content}
			}
			for _, tc := range delta.ToolCalls {
				idx := tc.Index
				at := toolCalls[idx]
				if at == nil {
					at = &accTool{id: tc.ID}
					toolCalls[idx] = at
				}
				if tc.Function.Name != "" {
					at.name = tc.Function.Name
				}
				if tc.Function.Arguments != "" {
					at.args.WriteString(tc.Function.Arguments)
				}
			}
			if chunk.Choices[0].FinishReason != "" {
				finishReason = chunk.Choices[0].FinishReason
			}
		}

		if err := stream.Err(); err != nil {
			out <- &llm.ErrorChunk{Message: err.Error(), Retryable: isRetryable(err)}
			return
		}

		for _, tc := range toolCalls {
			args := tc.args.String()
			if strings.TrimSpace(args) == "" {
				args = "{}"
			}
			if tc.name != "" {
				out <- &llm.ToolCallChunk{CallID: tc.id, Name: tc.name, Arguments: args}
			}
		}

		out <- &usage
		out <- &llm.DoneChunk{StopReason: adaptFinishReason(finishReason)}
	}()
	return out, nil
}

// Close is a no-op: the SDK client holds no resources that need releasing.
func (c *Client) Close() error { return nil }

func adaptFinishReason(r string) llm.StopReason {
	switch r {
	case "tool_calls":
		return llm.StopReasonToolUse
	case "length":
		return llm.StopReasonMaxTokens
	default:
		return llm.StopReasonEndTurn
	}
}

func adaptMessages(msgs []llm.ConversationMessage) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case llm.RoleSystem:
			out = append(out, sdk.SystemMessage(m.Content))
		case llm.RoleUser:
			out = append(out, sdk.UserMessage(m.Content))
		case llm.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, sdk.AssistantMessage(m.Content))
				continue
			}
			var asst sdk.ChatCompletionAssistantMessageParam
			asst.Content.OfString = sdk.String(m.Content)
			for _, tc := range m.ToolCalls {
				asst.ToolCalls = append(asst.ToolCalls, sdk.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &sdk.ChatCompletionMessageFunctionToolCallParam{
						ID: tc.ID,
						Function: sdk.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      tc.Name,
							Arguments: tc.Arguments,
						},
					},
				})
			}
			out = append(out, sdk.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		case llm.RoleTool:
			out = append(out, sdk.ToolMessage(m.Content, m.ToolCallID))
		}
	}
	return out
}

func adaptTools(tools []llm.ToolDefinition) []sdk.ChatCompletionToolUnionParam {
	out := make([]sdk.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var params map[string]any
		if err := json.Unmarshal([]byte(t.ParametersSchema), &params); err != nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, sdk.ChatCompletionFunctionTool(sdk.FunctionDefinitionParam{
			Name:        t.Name,
			Description: sdk.String(t.Description),
			Parameters:  params,
		}))
	}
	return out
}

func isRetryable(err error) bool {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}

var _ llm.Client = (*Client)(nil)
