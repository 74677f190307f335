package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClient struct {
	closeErr error
	closed   bool
}

func (s *stubClient) Generate(ctx context.Context, input *GenerateInput) (<-chan Chunk, error) {
	ch := make(chan Chunk)
	close(ch)
	return ch, nil
}

func (s *stubClient) Close() error {
	s.closed = true
	return s.closeErr
}

func TestRegistryResolveReturnsRegisteredClient(t *testing.T) {
	c := &stubClient{}
	r := NewRegistry(map[string]Client{"anthropic": c})

	got, ok := r.Resolve("anthropic")
	require.True(t, ok)
	assert.Same(t, Client(c), got)
}

func TestRegistryResolveReturnsFalseForUnknownProvider(t *testing.T) {
	r := NewRegistry(map[string]Client{})
	_, ok := r.Resolve("openai")
	assert.False(t, ok)
}

func TestRegistryCloseClosesEveryClientAndReturnsFirstError(t *testing.T) {
	failing := &stubClient{closeErr: errors.New("boom")}
	ok1 := &stubClient{}
	r := NewRegistry(map[string]Client{"a": failing, "b": ok1})

	err := r.Close()
	assert.Error(t, err)
	assert.True(t, failing.closed)
	assert.True(t, ok1.closed)
}

func TestRegistryCloseReturnsNilWhenAllSucceed(t *testing.T) {
	r := NewRegistry(map[string]Client{"a": &stubClient{}, "b": &stubClient{}})
	assert.NoError(t, r.Close())
}

func TestChunkTypesImplementChunkInterface(t *testing.T) {
	var chunks = []Chunk{
		&TextChunk{Content: "hi"},
		&ToolCallChunk{CallID: "1", Name: "fs.read"},
		&UsageChunk{TotalTokens: 10},
		&DoneChunk{StopReason: StopReasonEndTurn},
		&ErrorChunk{Message: "oops"},
	}
	assert.Len(t, chunks, 5)
}
