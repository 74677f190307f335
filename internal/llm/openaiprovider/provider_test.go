package openaiprovider

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentworld/orchestrator/internal/llm"
)

func TestAdaptFinishReasonMapsToolCalls(t *testing.T) {
	assert.Equal(t, llm.StopReasonToolUse, adaptFinishReason("tool_calls"))
}

func TestAdaptFinishReasonMapsLength(t *testing.T) {
	assert.Equal(t, llm.StopReasonMaxTokens, adaptFinishReason("length"))
}

func TestAdaptFinishReasonDefaultsToEndTurn(t *testing.T) {
	assert.Equal(t, llm.StopReasonEndTurn, adaptFinishReason("stop"))
	assert.Equal(t, llm.StopReasonEndTurn, adaptFinishReason(""))
}

func TestNewBuildsClientWithoutBaseURL(t *testing.T) {
	c := New(Config{APIKey: "test-key"})
	assert.NotNil(t, c)
}
