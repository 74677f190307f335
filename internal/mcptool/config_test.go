package mcptool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryGetReturnsRegisteredServer(t *testing.T) {
	r := NewRegistry([]ServerConfig{
		{ID: "fs", Transport: TransportConfig{Type: TransportTypeStdio, Command: "mcp-fs"}},
	})

	cfg, ok := r.Get("fs")
	require.True(t, ok)
	assert.Equal(t, "mcp-fs", cfg.Transport.Command)
}

func TestRegistryGetReturnsFalseForUnknownServer(t *testing.T) {
	r := NewRegistry(nil)
	_, ok := r.Get("fs")
	assert.False(t, ok)
}
