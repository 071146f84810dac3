package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcpforge/aggregator/internal/config"
	"github.com/mcpforge/aggregator/internal/mcperrors"
	"github.com/mcpforge/aggregator/internal/rpcsession"
	"github.com/mcpforge/aggregator/internal/wire"
)

const (
	wsKeepaliveInterval = 20 * time.Second
	wsKeepaliveTimeout  = 5 * time.Second
	wsCallTimeout       = 30 * time.Second
)

// websocketClientTransport dials out to a remote MCP server over a raw
// WebSocket using coder/websocket, and layers internal/rpcsession on top for
// id correlation — mcp-go has no websocket client, so this is hand-rolled,
// grounded on MrWong99-glyphoxa/pkg/provider/s2s/gemini/gemini.go's session
// (dial, keepalive ping loop, idempotent Close).
type websocketClientTransport struct {
	name string
	cfg  *config.WebSocketTransportConfig

	mu     sync.Mutex
	conn   *websocket.Conn
	sess   *rpcsession.Session
	closed bool
	done   chan struct{}

	notifyHandler func(method string, params []byte)
	lossHandler   func(err error)
}

func newWebSocketClientTransport(name string, cfg *config.WebSocketTransportConfig) (Transport, error) {
	if cfg == nil || strings.TrimSpace(cfg.URL) == "" {
		return nil, mcperrors.New(mcperrors.KindConfig, name, "connect", fmt.Errorf("websocket client transport requires a non-empty url"))
	}
	return &websocketClientTransport{name: name, cfg: cfg, done: make(chan struct{})}, nil
}

func (t *websocketClientTransport) Connect(ctx context.Context) (*mcp.InitializeResult, error) {
	header := http.Header{}
	for k, v := range t.cfg.Headers {
		header.Set(k, v)
	}
	conn, _, err := websocket.Dial(ctx, t.cfg.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, mcperrors.New(mcperrors.KindConnect, t.name, "connect", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.sess = rpcsession.New(t.wsSend)
	t.sess.OnNotification(func(method string, params json.RawMessage) {
		t.mu.Lock()
		handler := t.notifyHandler
		t.mu.Unlock()
		if handler != nil {
			handler(method, params)
		}
	})
	t.mu.Unlock()

	go t.receiveLoop()
	go t.keepaliveLoop()

	params := wire.InitializeParams{
		ProtocolVersion: wire.ProtocolVersion,
		ClientInfo:      wire.Implementation{Name: clientImplementation.Name, Version: clientImplementation.Version},
	}
	raw, err := t.sess.Call(ctx, wire.MethodInitialize, params, wsCallTimeout)
	if err != nil {
		return nil, err
	}
	var result wire.InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, mcperrors.New(mcperrors.KindHandshake, t.name, "connect", err)
	}
	_ = t.sess.Notify(ctx, wire.MethodInitialized, struct{}{})

	return &mcp.InitializeResult{
		ProtocolVersion: result.ProtocolVersion,
		ServerInfo:      mcp.Implementation{Name: result.ServerInfo.Name, Version: result.ServerInfo.Version},
	}, nil
}

func (t *websocketClientTransport) wsSend(ctx context.Context, data []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("websocket: not connected")
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (t *websocketClientTransport) receiveLoop() {
	for {
		t.mu.Lock()
		conn := t.conn
		closed := t.closed
		t.mu.Unlock()
		if conn == nil || closed {
			return
		}
		_, data, err := conn.Read(context.Background())
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			handler := t.lossHandler
			t.mu.Unlock()
			if !closed && handler != nil {
				handler(err)
			}
			return
		}
		_ = t.sess.HandleMessage(context.Background(), data)
	}
}

func (t *websocketClientTransport) keepaliveLoop() {
	ticker := time.NewTicker(wsKeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.mu.Lock()
			conn := t.conn
			closed := t.closed
			t.mu.Unlock()
			if conn == nil || closed {
				return
			}
			pingCtx, cancel := context.WithTimeout(context.Background(), wsKeepaliveTimeout)
			_ = conn.Ping(pingCtx)
			cancel()
		case <-t.done:
			return
		}
	}
}

func (t *websocketClientTransport) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	raw, err := t.sess.Call(ctx, wire.MethodToolsList, struct{}{}, wsCallTimeout)
	if err != nil {
		return nil, err
	}
	var result wire.ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, mcperrors.New(mcperrors.KindTransport, t.name, "tools/list", err)
	}
	out := make([]mcp.Tool, 0, len(result.Tools))
	for _, tl := range result.Tools {
		out = append(out, mcp.Tool{Name: tl.Name, Description: tl.Description})
	}
	return out, nil
}

func (t *websocketClientTransport) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	raw, err := t.sess.Call(ctx, wire.MethodToolsCall, wire.CallToolParams{Name: name, Arguments: args}, wsCallTimeout)
	if err != nil {
		return nil, err
	}
	var result wire.CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, mcperrors.New(mcperrors.KindTransport, t.name, "tools/call", err)
	}
	content := make([]mcp.Content, 0, len(result.Content))
	for _, c := range result.Content {
		content = append(content, mcp.TextContent{Type: c.Type, Text: c.Text})
	}
	return &mcp.CallToolResult{Content: content, IsError: result.IsError}, nil
}

func (t *websocketClientTransport) Ping(ctx context.Context) error {
	_, err := t.sess.Call(ctx, wire.MethodPing, struct{}{}, wsKeepaliveTimeout)
	return err
}

func (t *websocketClientTransport) OnNotification(handler func(method string, params []byte)) {
	t.mu.Lock()
	t.notifyHandler = handler
	t.mu.Unlock()
}

func (t *websocketClientTransport) OnConnectionLost(handler func(err error)) {
	t.mu.Lock()
	t.lossHandler = handler
	t.mu.Unlock()
}

func (t *websocketClientTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	close(t.done)
	if t.sess != nil {
		t.sess.Shutdown()
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "session closed")
	}
	return nil
}
