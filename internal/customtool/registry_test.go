package customtool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpforge/aggregator/internal/config"
	"github.com/mcpforge/aggregator/internal/mcperrors"
)

func TestRegister_RejectsDuplicateName(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(config.CustomToolEntry{Name: "greet", Kind: config.CustomToolFunction}))
	err := r.Register(config.CustomToolEntry{Name: "greet", Kind: config.CustomToolFunction})
	require.Error(t, err)
}

func TestCall_DispatchesFunctionKind(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(config.CustomToolEntry{Name: "greet", Kind: config.CustomToolFunction}))
	r.RegisterFunction("greet", func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "hi"}}}, nil
	})

	result, err := r.Call(context.Background(), "greet", nil)
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
}

func TestCall_DispatchesMCPKindThroughCaller(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(config.CustomToolEntry{Name: "weather-alias", Kind: config.CustomToolMCP, MCPServiceName: "weather", MCPToolName: "forecast"}))
	r.SetMCPCaller(func(ctx context.Context, serviceName, toolName string, args map[string]any) (*mcp.CallToolResult, error) {
		assert.Equal(t, "weather", serviceName)
		assert.Equal(t, "forecast", toolName)
		return &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "sunny"}}}, nil
	})

	result, err := r.Call(context.Background(), "weather-alias", nil)
	require.NoError(t, err)
	require.Equal(t, "sunny", result.Content[0].(mcp.TextContent).Text)
}

func TestCall_UnregisteredNameIsNotFound(t *testing.T) {
	r := NewRegistry()
	_, err := r.Call(context.Background(), "missing", nil)
	require.Error(t, err)
	kind, ok := mcperrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, mcperrors.KindToolNotFound, kind)
}

func TestCall_HTTPKindPostsArgsAndReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	r := NewRegistry()
	require.NoError(t, r.Register(config.CustomToolEntry{Name: "webhook", Kind: config.CustomToolHTTP, HTTPURL: srv.URL}))

	result, err := r.Call(context.Background(), "webhook", map[string]any{"x": 1})
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Equal(t, "ok", result.Content[0].(mcp.TextContent).Text)
}

func TestCall_HTTPKindReportsNon2xxAsToolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	r := NewRegistry()
	require.NoError(t, r.Register(config.CustomToolEntry{Name: "webhook", Kind: config.CustomToolHTTP, HTTPURL: srv.URL}))

	result, err := r.Call(context.Background(), "webhook", nil)
	require.NoError(t, err)
	require.True(t, result.IsError)
}

func TestCall_KindWithoutWiredCallerReturnsInternalError(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(config.CustomToolEntry{Name: "weather-alias", Kind: config.CustomToolMCP}))

	_, err := r.Call(context.Background(), "weather-alias", nil)
	require.Error(t, err)
	kind, ok := mcperrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, mcperrors.KindInternal, kind)
}
