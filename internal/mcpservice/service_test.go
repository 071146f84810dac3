package mcpservice

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpforge/aggregator/internal/config"
	"github.com/mcpforge/aggregator/internal/mcperrors"
)

// fakeTransport is an in-memory transport.Transport double for exercising
// MCPService's handshake, call, and reconnect logic without real I/O.
type fakeTransport struct {
	mu sync.Mutex

	connectErr  error
	listToolsFn func() ([]mcp.Tool, error)
	callToolFn  func(name string, args map[string]any) (*mcp.CallToolResult, error)
	pingErr     error

	notifyHandler func(method string, params []byte)
	lossHandler   func(err error)

	connectCalls int
	closed       bool
}

func (f *fakeTransport) Connect(ctx context.Context) (*mcp.InitializeResult, error) {
	f.mu.Lock()
	f.connectCalls++
	f.mu.Unlock()
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	return &mcp.InitializeResult{}, nil
}

func (f *fakeTransport) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	if f.listToolsFn != nil {
		return f.listToolsFn()
	}
	return []mcp.Tool{{Name: "echo"}}, nil
}

func (f *fakeTransport) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	if f.callToolFn != nil {
		return f.callToolFn(name, args)
	}
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "ok"}}}, nil
}

func (f *fakeTransport) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeTransport) OnNotification(handler func(method string, params []byte)) {
	f.notifyHandler = handler
}

func (f *fakeTransport) OnConnectionLost(handler func(err error)) {
	f.lossHandler = handler
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

func testCfg() config.ServiceConfig {
	return config.ServiceConfig{
		Name:      "svc",
		Transport: config.TransportConfig{Kind: config.TransportStdio, Stdio: &config.StdioTransportConfig{Command: "x"}},
		Reconnect: config.ReconnectPolicy{
			Enabled:         true,
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			Strategy:        config.BackoffFixed,
		},
	}
}

func TestConnect_CachesToolsAndFiresToolsChanged(t *testing.T) {
	ft := &fakeTransport{}
	var changed []string
	svc := newWithTransport(testCfg(), ft, nil, func(name string) { changed = append(changed, name) })

	require.NoError(t, svc.Connect(context.Background()))
	assert.Equal(t, StateConnected, svc.State())
	assert.Len(t, svc.GetTools(), 1)
	assert.Equal(t, []string{"svc"}, changed)
}

func TestConnect_FailureSetsFailedState(t *testing.T) {
	ft := &fakeTransport{connectErr: fmt.Errorf("boom")}
	svc := newWithTransport(testCfg(), ft, nil, nil)

	err := svc.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, svc.State())
}

func TestCallTool_SessionExpiredTriggersReconnectThenRetryOnce(t *testing.T) {
	ft := &fakeTransport{}
	svc := newWithTransport(testCfg(), ft, nil, nil)
	require.NoError(t, svc.Connect(context.Background()))

	calls := 0
	ft.callToolFn = func(name string, args map[string]any) (*mcp.CallToolResult, error) {
		calls++
		if calls == 1 {
			return nil, mcperrors.New(mcperrors.KindSessionExpired, "svc", "tools/call", fmt.Errorf("SessionExpired"))
		}
		return &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "ok"}}}, nil
	}

	result, err := svc.CallTool(context.Background(), "echo", nil)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, ft.connectCalls) // initial connect + reconnect-on-expiry
}

func TestCallTool_NonSessionExpiredErrorPassesThrough(t *testing.T) {
	ft := &fakeTransport{}
	svc := newWithTransport(testCfg(), ft, nil, nil)
	require.NoError(t, svc.Connect(context.Background()))

	ft.callToolFn = func(name string, args map[string]any) (*mcp.CallToolResult, error) {
		return nil, mcperrors.New(mcperrors.KindToolNotFound, "svc", "tools/call", fmt.Errorf("nope"))
	}

	_, err := svc.CallTool(context.Background(), "echo", nil)
	require.Error(t, err)
	kind, ok := mcperrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, mcperrors.KindToolNotFound, kind)
}

func TestCallTool_RejectsWhenNotConnected(t *testing.T) {
	ft := &fakeTransport{}
	svc := newWithTransport(testCfg(), ft, nil, nil)

	_, err := svc.CallTool(context.Background(), "echo", nil)
	require.Error(t, err)
	kind, ok := mcperrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, mcperrors.KindNotConnected, kind)
}

func TestConnectionLost_ReconnectsAutomaticallyAndResetsAttempts(t *testing.T) {
	ft := &fakeTransport{}
	svc := newWithTransport(testCfg(), ft, nil, nil)
	require.NoError(t, svc.Connect(context.Background()))

	ft.lossHandler(fmt.Errorf("connection reset"))

	require.Eventually(t, func() bool {
		return svc.State() == StateConnected
	}, time.Second, time.Millisecond)
	assert.Equal(t, 0, svc.GetStatus().ReconnectAttempts)
}

func TestConnectionLost_GivesUpAfterMaxAttempts(t *testing.T) {
	ft := &fakeTransport{connectErr: fmt.Errorf("still down")}
	cfg := testCfg()
	svc := newWithTransport(cfg, ft, nil, nil)
	svc.state = StateConnected // pretend we were connected before the loss

	ft.lossHandler(fmt.Errorf("connection reset"))

	require.Eventually(t, func() bool {
		return svc.State() == StateFailed
	}, time.Second, time.Millisecond)
	assert.Equal(t, cfg.Reconnect.MaxAttempts, svc.GetStatus().ReconnectAttempts)
}

func TestDisconnect_SuppressesAutomaticReconnect(t *testing.T) {
	ft := &fakeTransport{}
	svc := newWithTransport(testCfg(), ft, nil, nil)
	require.NoError(t, svc.Connect(context.Background()))

	require.NoError(t, svc.Disconnect())
	assert.True(t, ft.closed)

	ft.lossHandler(fmt.Errorf("late notification after manual disconnect"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateDisconnected, svc.State())
}

func TestValidate_ReportsUnreachableOnPingFailure(t *testing.T) {
	ft := &fakeTransport{pingErr: fmt.Errorf("no route")}
	svc := newWithTransport(testCfg(), ft, nil, nil)

	status := svc.Validate(context.Background())
	assert.False(t, status.ConnectionStatus.IsReachable)
}
