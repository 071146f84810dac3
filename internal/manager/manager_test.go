package manager

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpforge/aggregator/internal/config"
	"github.com/mcpforge/aggregator/internal/customtool"
	"github.com/mcpforge/aggregator/internal/mcperrors"
	"github.com/mcpforge/aggregator/internal/mcpservice"
)

// fakeTransport is a minimal transport.Transport double shared by the
// manager's tests; it serves a fixed tool list and fails Connect only when
// connectErr is set.
type fakeTransport struct {
	tools      []mcp.Tool
	callResult *mcp.CallToolResult
	connectErr error
}

func (f *fakeTransport) Connect(ctx context.Context) (*mcp.InitializeResult, error) {
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	return &mcp.InitializeResult{}, nil
}
func (f *fakeTransport) ListTools(ctx context.Context) ([]mcp.Tool, error) { return f.tools, nil }
func (f *fakeTransport) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	if f.callResult != nil {
		return f.callResult, nil
	}
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent{Type: "text", Text: name}}}, nil
}
func (f *fakeTransport) Ping(ctx context.Context) error                              { return nil }
func (f *fakeTransport) OnNotification(handler func(method string, params []byte))   {}
func (f *fakeTransport) OnConnectionLost(handler func(err error))                    {}
func (f *fakeTransport) Close() error                                                { return nil }

func stdioCfg(name string) config.ServiceConfig {
	return config.ServiceConfig{
		Name:      name,
		Transport: config.TransportConfig{Kind: config.TransportStdio, Stdio: &config.StdioTransportConfig{Command: "x"}},
		Reconnect: config.DefaultReconnectPolicy(),
		Conn:      config.DefaultConnectionConfig(),
	}
}

// withFakeService connects a manager-owned service built around a fake
// transport, bypassing StartService's real transport.New call.
func withFakeService(t *testing.T, m *MCPServiceManager, name string, tools []mcp.Tool) {
	t.Helper()
	cfg := stdioCfg(name)
	require.NoError(t, m.AddServiceConfig(cfg))
	svc := mcpservice.NewWithTransport(cfg, &fakeTransport{tools: tools}, nil, m.handleServiceToolsChanged)
	require.NoError(t, svc.Connect(context.Background()))
	m.mu.Lock()
	m.services[name] = svc
	m.mu.Unlock()
}

func TestGetAllTools_UsesCompositeKeys(t *testing.T) {
	m := New(nil, nil, nil)
	withFakeService(t, m, "weather", []mcp.Tool{{Name: "forecast"}})

	tools, conflicts := m.GetAllTools()
	require.Len(t, tools, 1)
	assert.Equal(t, "weather__forecast", tools[0].Name)
	assert.Empty(t, conflicts)
}

func TestGetAllTools_ReportsCollisionDiagnostics(t *testing.T) {
	m := New(nil, nil, nil)
	withFakeService(t, m, "svcA", []mcp.Tool{{Name: "search"}})
	withFakeService(t, m, "svcB", []mcp.Tool{{Name: "search"}})

	tools, conflicts := m.GetAllTools()
	assert.Len(t, tools, 2)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "search", conflicts[0].ToolName)
	assert.ElementsMatch(t, []string{"svcA", "svcB"}, conflicts[0].ConflictsWith)
}

func TestCallTool_CompositeNameRoutesToExactOwner(t *testing.T) {
	m := New(nil, nil, nil)
	withFakeService(t, m, "weather", []mcp.Tool{{Name: "forecast"}})

	result, err := m.CallTool(context.Background(), "weather__forecast", nil)
	require.NoError(t, err)
	require.NotEmpty(t, result.Content)
}

func TestCallTool_BareNameWithSingleOwnerDispatches(t *testing.T) {
	m := New(nil, nil, nil)
	withFakeService(t, m, "weather", []mcp.Tool{{Name: "forecast"}})

	result, err := m.CallTool(context.Background(), "forecast", nil)
	require.NoError(t, err)
	require.NotNil(t, result)
}

func TestCallTool_BareNameWithMultipleOwnersIsAmbiguous(t *testing.T) {
	m := New(nil, nil, nil)
	withFakeService(t, m, "svcA", []mcp.Tool{{Name: "search"}})
	withFakeService(t, m, "svcB", []mcp.Tool{{Name: "search"}})

	_, err := m.CallTool(context.Background(), "search", nil)
	require.Error(t, err)
	kind, ok := mcperrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, mcperrors.KindAmbiguousToolName, kind)
}

func TestCallTool_UnknownNameFallsBackToCustomTool(t *testing.T) {
	reg := customtool.NewRegistry()
	require.NoError(t, reg.Register(config.CustomToolEntry{Name: "greet", Kind: config.CustomToolFunction}))
	reg.RegisterFunction("greet", func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "hi"}}}, nil
	})

	m := New(nil, reg, nil)
	result, err := m.CallTool(context.Background(), "greet", nil)
	require.NoError(t, err)
	require.NotEmpty(t, result.Content)
}

func TestCallTool_UnknownNameWithNoCustomToolIsNotFound(t *testing.T) {
	m := New(nil, nil, nil)
	_, err := m.CallTool(context.Background(), "nonexistent", nil)
	require.Error(t, err)
	kind, ok := mcperrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, mcperrors.KindToolNotFound, kind)
}

func TestStartAllServices_IsolatesPerServiceFailures(t *testing.T) {
	m := New(nil, nil, nil)
	m.newService = func(cfg config.ServiceConfig, logger *slog.Logger, onChanged func(string)) (*mcpservice.MCPService, error) {
		if cfg.Name == "bad" {
			return mcpservice.NewWithTransport(cfg, &fakeTransport{connectErr: fmt.Errorf("unreachable")}, logger, onChanged), nil
		}
		return mcpservice.NewWithTransport(cfg, &fakeTransport{tools: []mcp.Tool{{Name: "t"}}}, logger, onChanged), nil
	}
	require.NoError(t, m.AddServiceConfig(stdioCfg("good")))
	require.NoError(t, m.AddServiceConfig(stdioCfg("bad")))

	failed := m.StartAllServices(context.Background())
	assert.Equal(t, []string{"bad"}, failed)
	assert.Equal(t, []string{"good"}, m.GetConnectedServices())
}

func TestRemoveServiceConfig_StopsRunningService(t *testing.T) {
	m := New(nil, nil, nil)
	withFakeService(t, m, "svc", []mcp.Tool{{Name: "t"}})

	require.NoError(t, m.RemoveServiceConfig("svc"))
	_, ok := m.GetService("svc")
	assert.False(t, ok)
}

func TestStopAllServices_CompletesWithinGrace(t *testing.T) {
	m := New(nil, nil, nil)
	withFakeService(t, m, "svc", []mcp.Tool{{Name: "t"}})

	start := time.Now()
	m.StopAllServices(time.Second)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAddServiceConfig_RejectsDuplicateName(t *testing.T) {
	m := New(nil, nil, nil)
	require.NoError(t, m.AddServiceConfig(stdioCfg("svc")))
	err := m.AddServiceConfig(stdioCfg("svc"))
	require.Error(t, err)
}

func TestAddServiceConfig_RejectsInvalidName(t *testing.T) {
	m := New(nil, nil, nil)
	err := m.AddServiceConfig(stdioCfg("bad__name"))
	require.Error(t, err)
}

func TestGetAllTools_ExcludesDisabledToolOverride(t *testing.T) {
	m := New(nil, nil, nil)
	cfg := stdioCfg("weather")
	cfg.ToolOverrides = map[string]config.ToolOverride{"forecast": {Enabled: false}}
	require.NoError(t, m.AddServiceConfig(cfg))
	svc := mcpservice.NewWithTransport(cfg, &fakeTransport{tools: []mcp.Tool{{Name: "forecast"}, {Name: "radar"}}}, nil, m.handleServiceToolsChanged)
	require.NoError(t, svc.Connect(context.Background()))
	m.mu.Lock()
	m.services["weather"] = svc
	m.mu.Unlock()

	tools, _ := m.GetAllTools()
	require.Len(t, tools, 1)
	assert.Equal(t, "weather__radar", tools[0].Name)
}

func TestCallTool_RejectsDisabledToolOverrideByCompositeName(t *testing.T) {
	m := New(nil, nil, nil)
	cfg := stdioCfg("weather")
	cfg.ToolOverrides = map[string]config.ToolOverride{"forecast": {Enabled: false}}
	require.NoError(t, m.AddServiceConfig(cfg))
	svc := mcpservice.NewWithTransport(cfg, &fakeTransport{tools: []mcp.Tool{{Name: "forecast"}}}, nil, m.handleServiceToolsChanged)
	require.NoError(t, svc.Connect(context.Background()))
	m.mu.Lock()
	m.services["weather"] = svc
	m.mu.Unlock()

	_, err := m.CallTool(context.Background(), "weather__forecast", nil)
	require.Error(t, err)
	kind, ok := mcperrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, mcperrors.KindToolNotFound, kind)
}
