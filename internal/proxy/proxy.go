// Package proxy implements ProxyMCPServer: a persistent outbound WebSocket
// connection to a remote peer over which this core answers MCP requests
// (initialize/tools/list/tools/call/ping) against the manager's aggregate
// catalog. Unlike internal/transport, which always plays the MCP *client*
// role against an upstream, the proxy plays the MCP *server* role: the
// remote peer calls us. Grounded on the dial/register/readLoop/
// handleMessage/handleToolCall/handleResponse/reconnectLoop/heartbeatLoop
// structure of
// other_examples/ba9d0afb_diane-assistant-diane__server-internal-mcpproxy-ws_client.go.go's
// WSClient, adapted to speak MCP JSON-RPC via internal/wire and
// internal/rpcsession instead of that file's slave-specific envelope.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcpforge/aggregator/internal/config"
	"github.com/mcpforge/aggregator/internal/manager"
	"github.com/mcpforge/aggregator/internal/mcperrors"
	"github.com/mcpforge/aggregator/internal/rpcsession"
	"github.com/mcpforge/aggregator/internal/wire"
)

// serverImplementation identifies this core to the remote peer during the
// initialize handshake it drives against us.
var serverImplementation = wire.Implementation{Name: "mcpforge-aggregator", Version: "0.1.0"}

// ProxyMCPServer dials out to a remote endpoint and serves MCP requests over
// that single long-lived connection, backed by the aggregate tool catalog
// of an MCPServiceManager.
type ProxyMCPServer struct {
	cfg     config.ProxyConfig
	manager *manager.MCPServiceManager
	logger  *slog.Logger
	metrics *metricsRegistry

	mu                sync.Mutex
	conn              *websocket.Conn
	sess              *rpcsession.Session
	state             State
	reconnectAttempts int
	lastConnectedAt   time.Time
	lastErr           error
	lastTraffic       time.Time
	started           bool
	stopCh            chan struct{}

	advertiseMu sync.Mutex
	advertised  map[string]bool // staged-advertisement allow-list; nil means advertise everything
}

// New constructs a ProxyMCPServer. mgr supplies the aggregate tool catalog
// this proxy answers tools/list and tools/call against.
func New(cfg config.ProxyConfig, mgr *manager.MCPServiceManager, logger *slog.Logger) *ProxyMCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	p := &ProxyMCPServer{
		cfg:     cfg,
		manager: mgr,
		logger:  logger.With("component", "proxy"),
		metrics: newMetricsRegistry(),
		state:   StateDisconnected,
	}
	if cfg.StagedAdvertisement != nil && cfg.StagedAdvertisement.Enabled {
		p.advertised = make(map[string]bool, len(cfg.StagedAdvertisement.InitialNames))
		for _, name := range cfg.StagedAdvertisement.InitialNames {
			p.advertised[name] = true
		}
	}
	return p
}

// Start dials the remote endpoint, performs no handshake of its own (the
// remote peer initializes against us), and runs the read/heartbeat/
// reconnect loops until ctx is cancelled or Stop is called.
func (p *ProxyMCPServer) Start(ctx context.Context) error {
	if !p.cfg.Enabled {
		return mcperrors.New(mcperrors.KindConfig, "", "proxy-start", errNotEnabled())
	}

	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return mcperrors.New(mcperrors.KindAlreadyConnected, "", "proxy-start", errAlreadyStarted())
	}
	p.started = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	if err := p.connect(ctx); err != nil {
		p.logger.Error("initial connect failed, entering reconnect loop", "error", err)
		go p.reconnectLoop(ctx)
		return nil
	}

	go p.readLoop(ctx)
	go p.heartbeatLoop(ctx)
	return nil
}

// Stop closes the connection and halts all background loops.
func (p *ProxyMCPServer) Stop() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	close(p.stopCh)
	conn := p.conn
	p.conn = nil
	if p.sess != nil {
		p.sess.Shutdown()
	}
	p.state = StateDisconnected
	p.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// GetStatus returns a diagnostic snapshot of the proxy connection.
func (p *ProxyMCPServer) GetStatus() StatusSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := StatusSnapshot{
		State:             p.state,
		RemoteURL:         p.cfg.RemoteURL,
		ReconnectAttempts: p.reconnectAttempts,
		LastConnectedAt:   p.lastConnectedAt,
	}
	if p.lastErr != nil {
		snap.LastError = p.lastErr.Error()
	}
	return snap
}

// GetMetrics returns the per-tool call metrics accumulated over this
// proxy's lifetime, bounded to the last 100 latency samples per tool.
func (p *ProxyMCPServer) GetMetrics() []ToolMetricsSnapshot {
	return p.metrics.snapshot()
}

// NotifyToolsChanged forwards a tools/list_changed notification to the
// remote peer, used as the manager's onToolsChanged callback.
func (p *ProxyMCPServer) NotifyToolsChanged(ctx context.Context) {
	p.mu.Lock()
	sess := p.sess
	connected := p.state == StateConnected
	p.mu.Unlock()
	if !connected || sess == nil {
		return
	}
	if err := sess.Notify(ctx, wire.MethodToolsListChanged, nil); err != nil {
		p.logger.Warn("failed to forward tools/list_changed to remote peer", "error", err)
	}
}

func (p *ProxyMCPServer) connect(ctx context.Context) error {
	p.mu.Lock()
	p.state = StateConnecting
	p.mu.Unlock()

	header := http.Header{}
	for k, v := range p.cfg.Headers {
		header.Set(k, v)
	}

	dialer := websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, p.cfg.RemoteURL, header)
	if err != nil {
		p.recordFailure(err)
		return mcperrors.New(mcperrors.KindConnect, "", "proxy-connect", err)
	}

	p.mu.Lock()
	p.conn = conn
	p.sess = rpcsession.New(p.wsSend)
	p.sess.OnRequest(p.handleInboundRequest)
	p.state = StateConnected
	p.lastErr = nil
	p.lastConnectedAt = time.Now()
	p.lastTraffic = time.Now()
	p.reconnectAttempts = 0
	p.mu.Unlock()

	p.logger.Info("connected to remote peer", "url", p.cfg.RemoteURL)
	return nil
}

func (p *ProxyMCPServer) recordFailure(err error) {
	p.mu.Lock()
	p.state = StateFailed
	p.lastErr = err
	p.mu.Unlock()
}

func (p *ProxyMCPServer) wsSend(ctx context.Context, data []byte) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("no active connection")
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (p *ProxyMCPServer) readLoop(ctx context.Context) {
	for {
		p.mu.Lock()
		conn := p.conn
		sess := p.sess
		p.mu.Unlock()
		if conn == nil || sess == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-p.stopCh:
				return
			default:
			}
			p.logger.Error("read error, connection lost", "error", err)
			p.handleConnectionLost(ctx, err)
			return
		}

		p.mu.Lock()
		p.lastTraffic = time.Now()
		p.mu.Unlock()

		if err := sess.HandleMessage(ctx, data); err != nil {
			p.logger.Warn("failed to handle inbound message", "error", err)
		}
	}
}

func (p *ProxyMCPServer) handleConnectionLost(ctx context.Context, err error) {
	p.mu.Lock()
	p.state = StateReconnecting
	p.lastErr = err
	started := p.started
	p.mu.Unlock()
	if !started {
		return
	}
	go p.reconnectLoop(ctx)
}

func (p *ProxyMCPServer) reconnectLoop(ctx context.Context) {
	attempt := 0
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		p.mu.Lock()
		started := p.started
		p.mu.Unlock()
		if !started {
			return
		}

		attempt++
		p.mu.Lock()
		p.reconnectAttempts = attempt
		p.mu.Unlock()

		delay := nextInterval(p.cfg.ReconnectInitial, p.cfg.ReconnectMax, attempt)
		select {
		case <-time.After(delay):
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		}

		if err := p.connect(ctx); err != nil {
			p.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}

		go p.readLoop(ctx)
		go p.heartbeatLoop(ctx)
		return
	}
}

// heartbeatLoop sends a WebSocket ping frame every HeartbeatInterval and
// treats SilenceTimeout with no inbound traffic (message or pong) as a
// transport loss, triggering the same reconnect path as a read error.
func (p *ProxyMCPServer) heartbeatLoop(ctx context.Context) {
	interval := p.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	silence := p.cfg.SilenceTimeout
	if silence <= 0 {
		silence = 60 * time.Second
	}

	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn != nil {
		conn.SetPongHandler(func(string) error {
			p.mu.Lock()
			p.lastTraffic = time.Now()
			p.mu.Unlock()
			return nil
		})
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			conn := p.conn
			lastTraffic := p.lastTraffic
			p.mu.Unlock()
			if conn == nil {
				return
			}

			if time.Since(lastTraffic) > silence {
				err := errSilenceExceeded(silence)
				p.logger.Error("heartbeat silence exceeded", "error", err)
				p.handleConnectionLost(ctx, err)
				return
			}

			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				p.logger.Warn("failed to send heartbeat ping", "error", err)
			}
		}
	}
}

// handleInboundRequest answers one JSON-RPC request from the remote peer,
// dispatching initialize/tools/list/tools/call/ping against the manager and
// returning MethodNotFound for anything else.
func (p *ProxyMCPServer) handleInboundRequest(ctx context.Context, req *wire.Request) *wire.Response {
	timeout := p.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch req.Method {
	case wire.MethodInitialize:
		return p.handleInitialize(req)
	case wire.MethodInitialized:
		return nil // notification in practice; no response expected
	case wire.MethodToolsList:
		return p.handleToolsList(req)
	case wire.MethodToolsCall:
		return p.handleToolsCall(reqCtx, req)
	case wire.MethodPing:
		return p.respondResult(req, struct{}{})
	case wire.MethodResourcesList:
		return p.respondResult(req, wire.ListResourcesResult{Resources: []any{}})
	default:
		return p.respondError(req, wire.MethodNotFoundCode, fmt.Sprintf("method %q not found", req.Method))
	}
}

func (p *ProxyMCPServer) handleInitialize(req *wire.Request) *wire.Response {
	result := wire.InitializeResult{
		ProtocolVersion: wire.ProtocolVersion,
		Capabilities: wire.ServerCapabilities{
			Tools: &wire.ToolsCapability{ListChanged: true},
		},
		ServerInfo: serverImplementation,
	}
	return p.respondResult(req, result)
}

func (p *ProxyMCPServer) handleToolsList(req *wire.Request) *wire.Response {
	tools, _ := p.manager.GetAllTools()
	out := make([]wire.Tool, 0, len(tools))
	for _, t := range tools {
		if !p.isAdvertised(t.Name) {
			continue
		}
		out = append(out, wire.Tool{Name: t.Name, Description: t.Description})
	}
	return p.respondResult(req, wire.ListToolsResult{Tools: out})
}

func (p *ProxyMCPServer) isAdvertised(name string) bool {
	p.advertiseMu.Lock()
	defer p.advertiseMu.Unlock()
	if p.advertised == nil {
		return true
	}
	return p.advertised[name]
}

// advertise adds name to the staged allow-list, used once a tool has been
// exercised successfully to widen the catalog incrementally.
func (p *ProxyMCPServer) advertise(name string) {
	p.advertiseMu.Lock()
	defer p.advertiseMu.Unlock()
	if p.advertised == nil {
		return
	}
	p.advertised[name] = true
}

func (p *ProxyMCPServer) handleToolsCall(ctx context.Context, req *wire.Request) *wire.Response {
	var params wire.CallToolParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return p.respondError(req, wire.InvalidParamsCode, err.Error())
		}
	}
	if strings.TrimSpace(params.Name) == "" {
		return p.respondError(req, wire.InvalidParamsCode, "tools/call requires a non-empty name")
	}

	maxAttempts := p.cfg.MaxRetryAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	var result *mcp.CallToolResult
	var err error
	start := time.Now()
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err = p.manager.CallTool(ctx, params.Name, params.Arguments)
		if err == nil || !p.retriable(err) {
			break
		}
		p.logger.Warn("retrying tool call", "tool", params.Name, "attempt", attempt, "error", err)
		time.Sleep(100 * time.Millisecond)
	}
	p.metrics.record(params.Name, time.Since(start), err == nil)

	if err != nil {
		kind, _ := mcperrors.KindOf(err)
		return p.respondError(req, mcperrors.JSONRPCCode(kind), err.Error())
	}

	p.advertise(params.Name)

	content := make([]wire.Content, 0, len(result.Content))
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			content = append(content, wire.Content{Type: tc.Type, Text: tc.Text})
		}
	}
	return p.respondResult(req, wire.CallToolResult{Content: content, IsError: result.IsError})
}

func (p *ProxyMCPServer) retriable(err error) bool {
	kind, ok := mcperrors.KindOf(err)
	if !ok {
		return false
	}
	switch kind {
	case mcperrors.KindTimeout, mcperrors.KindTransport, mcperrors.KindNotConnected:
		return true
	default:
		return false
	}
}

func (p *ProxyMCPServer) respondResult(req *wire.Request, result any) *wire.Response {
	raw, err := json.Marshal(result)
	if err != nil {
		return p.respondError(req, wire.InternalErrorCode, err.Error())
	}
	return &wire.Response{JSONRPC: wire.JSONRPCVersion, ID: req.ID, Result: raw}
}

func (p *ProxyMCPServer) respondError(req *wire.Request, code int, message string) *wire.Response {
	return &wire.Response{
		JSONRPC: wire.JSONRPCVersion,
		ID:      req.ID,
		Error:   &wire.RPCError{Code: code, Message: message},
	}
}
