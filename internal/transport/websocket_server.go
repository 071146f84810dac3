package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcpforge/aggregator/internal/config"
	"github.com/mcpforge/aggregator/internal/mcperrors"
	"github.com/mcpforge/aggregator/internal/rpcsession"
	"github.com/mcpforge/aggregator/internal/wire"
)

// websocketServerTransport listens for a single inbound WebSocket connection
// from an upstream MCP server that dials in rather than being dialed,
// treating that connection as the channel once accepted. We still occupy
// the MCP client role over it: initialize, tools/list, tools/call.
// Grounded on kadirpekel-hector/a2a/server.go's Upgrader usage, adapted from
// a request/response handler into a long-lived duplex.
type websocketServerTransport struct {
	name string
	cfg  *config.WebSocketTransportConfig

	upgrader websocket.Upgrader
	listener *http.Server

	mu     sync.Mutex
	conn   *websocket.Conn
	sess   *rpcsession.Session
	closed bool
	ready  chan struct{}

	notifyHandler func(method string, params []byte)
	lossHandler   func(err error)
}

func newWebSocketServerTransport(name string, cfg *config.WebSocketTransportConfig) (Transport, error) {
	if cfg == nil || strings.TrimSpace(cfg.ListenAddr) == "" {
		return nil, mcperrors.New(mcperrors.KindConfig, name, "connect", fmt.Errorf("websocket server transport requires a non-empty listen address"))
	}
	return &websocketServerTransport{
		name:     name,
		cfg:      cfg,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		ready:    make(chan struct{}),
	}, nil
}

func (t *websocketServerTransport) Connect(ctx context.Context) (*mcp.InitializeResult, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", t.handleUpgrade)
	t.listener = &http.Server{Addr: t.cfg.ListenAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := t.listener.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-t.ready:
	case err := <-errCh:
		return nil, mcperrors.New(mcperrors.KindConnect, t.name, "connect", err)
	case <-ctx.Done():
		return nil, mcperrors.New(mcperrors.KindCancelled, t.name, "connect", ctx.Err())
	}

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

func (t *websocketServerTransport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	t.mu.Lock()
	if t.conn != nil {
		// Already have the one connection we accept; reject additional dials.
		t.mu.Unlock()
		conn.Close()
		return
	}
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

	close(t.ready)
	go t.readLoop()
}

func (t *websocketServerTransport) wsSend(_ context.Context, data []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("websocket: no peer connected")
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (t *websocketServerTransport) readLoop() {
	for {
		t.mu.Lock()
		conn := t.conn
		closed := t.closed
		t.mu.Unlock()
		if conn == nil || closed {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			closedNow := t.closed
			handler := t.lossHandler
			t.mu.Unlock()
			if !closedNow && handler != nil {
				handler(err)
			}
			return
		}
		_ = t.sess.HandleMessage(context.Background(), data)
	}
}

func (t *websocketServerTransport) ListTools(ctx context.Context) ([]mcp.Tool, error) {
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

func (t *websocketServerTransport) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
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

func (t *websocketServerTransport) Ping(ctx context.Context) error {
	_, err := t.sess.Call(ctx, wire.MethodPing, struct{}{}, wsKeepaliveTimeout)
	return err
}

func (t *websocketServerTransport) OnNotification(handler func(method string, params []byte)) {
	t.mu.Lock()
	t.notifyHandler = handler
	t.mu.Unlock()
}

func (t *websocketServerTransport) OnConnectionLost(handler func(err error)) {
	t.mu.Lock()
	t.lossHandler = handler
	t.mu.Unlock()
}

func (t *websocketServerTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	sess := t.sess
	t.mu.Unlock()

	if sess != nil {
		sess.Shutdown()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if t.listener != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return t.listener.Shutdown(ctx)
	}
	return nil
}
