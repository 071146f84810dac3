// Package transport opens the wire-level channel to a single upstream MCP
// server. It does not speak JSON-RPC id correlation itself (that is
// internal/rpcsession's job) except where the underlying SDK client folds
// both concerns together, as mark3labs/mcp-go's client.Client does for the
// stdio/SSE/streamable-HTTP variants.
package transport

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcpforge/aggregator/internal/config"
)

// Transport is the minimal surface every variant exposes to MCPService.
// Implementations delegate id correlation and notification dispatch to
// whatever sits underneath (mcp-go's client.Client for three of the four
// variants; internal/rpcsession for the hand-rolled websocket variants).
type Transport interface {
	// Connect opens the channel and performs the MCP initialize handshake.
	// A malformed cfg is rejected earlier, by New, with KindConfig before any
	// I/O. Connect returns KindConnect when opening the channel fails; a
	// failed initialize exchange is reported as KindHandshake or with the
	// kind the session layer assigned (e.g. KindTimeout, KindRemote).
	Connect(ctx context.Context) (*mcp.InitializeResult, error)

	// ListTools issues tools/list against the already-connected upstream.
	ListTools(ctx context.Context) ([]mcp.Tool, error)

	// CallTool issues tools/call against the already-connected upstream.
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)

	// Ping issues a liveness probe. Some upstreams respond with
	// "method not found" to ping: the mcp-go backed variants treat that as
	// healthy and return nil (mirrors the teacher's health-loop tolerance),
	// while the websocket variants return it as an error.
	Ping(ctx context.Context) error

	// OnNotification registers a handler invoked for every server-initiated
	// notification, including notifications/tools/list_changed.
	OnNotification(handler func(method string, params []byte))

	// OnConnectionLost registers a handler invoked when the channel
	// terminates unexpectedly (not via Close). MCPService uses this to
	// drive its reconnect state machine.
	OnConnectionLost(handler func(err error))

	// Close tears down the channel. Idempotent.
	Close() error
}

// New builds the Transport variant selected by cfg.Transport.Kind.
func New(name string, cfg config.TransportConfig) (Transport, error) {
	switch cfg.Kind {
	case config.TransportStdio:
		return newStdioTransport(name, cfg.Stdio)
	case config.TransportSSE:
		return newSSETransport(name, cfg.SSE)
	case config.TransportStreamableHTTP:
		return newStreamableHTTPTransport(name, cfg.StreamableHTTP)
	case config.TransportWebSocket:
		switch cfg.WebSocket.Mode {
		case config.WebSocketClient:
			return newWebSocketClientTransport(name, cfg.WebSocket)
		case config.WebSocketServer:
			return newWebSocketServerTransport(name, cfg.WebSocket)
		}
	}
	return nil, unsupportedKindError(name, cfg.Kind)
}
