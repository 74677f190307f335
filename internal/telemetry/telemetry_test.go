package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitNoopWhenEndpointEmpty(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "test")
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))

	_, span := Tracer().Start(context.Background(), "test-span")
	defer span.End()
	assert.False(t, span.SpanContext().IsValid())
}
