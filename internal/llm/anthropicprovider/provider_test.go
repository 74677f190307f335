package anthropicprovider

import (
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"

	"github.com/agentworld/orchestrator/internal/llm"
)

func TestAdaptStopReasonMapsToolUse(t *testing.T) {
	assert.Equal(t, llm.StopReasonToolUse, adaptStopReason(anthropic.StopReasonToolUse))
}

func TestAdaptStopReasonMapsMaxTokens(t *testing.T) {
	assert.Equal(t, llm.StopReasonMaxTokens, adaptStopReason(anthropic.StopReasonMaxTokens))
}

func TestAdaptStopReasonDefaultsToEndTurn(t *testing.T) {
	assert.Equal(t, llm.StopReasonEndTurn, adaptStopReason(anthropic.StopReasonEndTurn))
}

func TestRawJSONParsesObject(t *testing.T) {
	v := rawJSON(`{"path":"a.txt"}`)
	m, ok := v.(map[string]any)
	if assert.True(t, ok) {
		assert.Equal(t, "a.txt", m["path"])
	}
}

func TestRawJSONFallsBackToEmptyObjectOnBlankInput(t *testing.T) {
	v := rawJSON("   ")
	assert.Equal(t, map[string]any{}, v)
}

func TestRawJSONFallsBackToEmptyObjectOnInvalidJSON(t *testing.T) {
	v := rawJSON("not json")
	assert.Equal(t, map[string]any{}, v)
}

func TestNewDefaultsMaxTokensWhenUnset(t *testing.T) {
	c := New(Config{APIKey: "test-key"})
	assert.Equal(t, int64(4096), c.maxTokens)
}

func TestNewHonorsExplicitMaxTokens(t *testing.T) {
	c := New(Config{APIKey: "test-key", MaxTokens: 2048})
	assert.Equal(t, int64(2048), c.maxTokens)
}
