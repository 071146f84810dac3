package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpforge/aggregator/internal/config"
	"github.com/mcpforge/aggregator/internal/mcperrors"
)

func TestNew_RejectsEmptyStdioCommand(t *testing.T) {
	_, err := New("svc", config.TransportConfig{Kind: config.TransportStdio, Stdio: &config.StdioTransportConfig{}})
	require.Error(t, err)
	kind, ok := mcperrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, mcperrors.KindConfig, kind)
}

func TestNew_RejectsEmptySSEURL(t *testing.T) {
	_, err := New("svc", config.TransportConfig{Kind: config.TransportSSE, SSE: &config.SSETransportConfig{}})
	require.Error(t, err)
}

func TestNew_RejectsEmptyStreamableHTTPURL(t *testing.T) {
	_, err := New("svc", config.TransportConfig{Kind: config.TransportStreamableHTTP, StreamableHTTP: &config.StreamableHTTPTransportConfig{}})
	require.Error(t, err)
}

func TestNew_RejectsWebSocketWithoutMode(t *testing.T) {
	_, err := New("svc", config.TransportConfig{Kind: config.TransportWebSocket, WebSocket: &config.WebSocketTransportConfig{}})
	require.Error(t, err)
}

func TestNew_RejectsUnknownKind(t *testing.T) {
	_, err := New("svc", config.TransportConfig{Kind: "carrier-pigeon"})
	require.Error(t, err)
	kind, ok := mcperrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, mcperrors.KindConfig, kind)
}

func TestNew_BuildsStdioTransportForValidConfig(t *testing.T) {
	tr, err := New("svc", config.TransportConfig{
		Kind:  config.TransportStdio,
		Stdio: &config.StdioTransportConfig{Command: "echo", Args: []string{"hi"}},
	})
	require.NoError(t, err)
	require.NotNil(t, tr)
}
