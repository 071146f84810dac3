package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcpforge/aggregator/internal/config"
	"github.com/mcpforge/aggregator/internal/mcperrors"
)

// clientImplementation identifies this core to every upstream it connects to,
// mirroring the teacher's MCPServer.ClientInfo.
var clientImplementation = mcp.Implementation{
	Name:    "mcpforge-aggregator",
	Version: "0.1.0",
}

// mcpgoTransport adapts mark3labs/mcp-go's client.Client, which already
// folds JSON-RPC id correlation and notification dispatch into its own
// Start/OnNotification machinery, to the Transport interface. It backs the
// stdio, SSE, and streamable-HTTP variants.
type mcpgoTransport struct {
	name   string
	client *client.Client
}

func (t *mcpgoTransport) Connect(ctx context.Context) (*mcp.InitializeResult, error) {
	if err := t.client.Start(ctx); err != nil {
		return nil, mcperrors.New(mcperrors.KindConnect, t.name, "connect", err)
	}
	result, err := t.client.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			Capabilities: mcp.ClientCapabilities{
				Roots: &struct {
					ListChanged bool `json:"listChanged,omitempty"`
				}{ListChanged: true},
			},
			ClientInfo: clientImplementation,
		},
	})
	if err != nil {
		if isSessionExpiredErr(err) {
			return nil, mcperrors.New(mcperrors.KindSessionExpired, t.name, "connect", err)
		}
		if isAuthErr(err) {
			return nil, mcperrors.New(mcperrors.KindAuthentication, t.name, "connect", err)
		}
		return nil, mcperrors.New(mcperrors.KindHandshake, t.name, "connect", err)
	}
	return result, nil
}

func (t *mcpgoTransport) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	res, err := t.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, classifyCallErr(t.name, "tools/list", err)
	}
	return res.Tools, nil
}

func (t *mcpgoTransport) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := t.client.CallTool(ctx, req)
	if err != nil {
		return nil, classifyCallErr(t.name, "tools/call", err)
	}
	return res, nil
}

func (t *mcpgoTransport) Ping(ctx context.Context) error {
	err := t.client.Ping(ctx)
	if err != nil && isMethodNotFound(err) {
		// Some upstreams don't implement ping; absence of a transport error
		// is itself a liveness signal, mirroring the teacher's health loop.
		return nil
	}
	if err != nil {
		return mcperrors.New(mcperrors.KindTransport, t.name, "ping", err)
	}
	return nil
}

func (t *mcpgoTransport) OnNotification(handler func(method string, params []byte)) {
	t.client.OnNotification(func(n mcp.JSONRPCNotification) {
		raw, _ := json.Marshal(n.Params)
		handler(n.Method, raw)
	})
}

func (t *mcpgoTransport) OnConnectionLost(handler func(err error)) {
	t.client.OnConnectionLost(handler)
}

func (t *mcpgoTransport) Close() error {
	return t.client.Close()
}

func newStdioTransport(name string, cfg *config.StdioTransportConfig) (Transport, error) {
	if cfg == nil || strings.TrimSpace(cfg.Command) == "" {
		return nil, mcperrors.New(mcperrors.KindConfig, name, "connect", fmt.Errorf("stdio transport requires a non-empty command"))
	}
	envSlice := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		envSlice = append(envSlice, k+"="+v)
	}
	c, err := client.NewStdioMCPClient(cfg.Command, envSlice, cfg.Args...)
	if err != nil {
		return nil, mcperrors.New(mcperrors.KindConnect, name, "connect", err)
	}
	return &mcpgoTransport{name: name, client: c}, nil
}

func newSSETransport(name string, cfg *config.SSETransportConfig) (Transport, error) {
	if cfg == nil || strings.TrimSpace(cfg.URL) == "" {
		return nil, mcperrors.New(mcperrors.KindConfig, name, "connect", fmt.Errorf("sse transport requires a non-empty url"))
	}
	var opts []mcptransport.ClientOption
	if len(cfg.Headers) > 0 {
		opts = append(opts, client.WithHeaders(cfg.Headers))
	}
	c, err := client.NewSSEMCPClient(cfg.URL, opts...)
	if err != nil {
		return nil, mcperrors.New(mcperrors.KindConnect, name, "connect", err)
	}
	return &mcpgoTransport{name: name, client: c}, nil
}

func newStreamableHTTPTransport(name string, cfg *config.StreamableHTTPTransportConfig) (Transport, error) {
	if cfg == nil || strings.TrimSpace(cfg.URL) == "" {
		return nil, mcperrors.New(mcperrors.KindConfig, name, "connect", fmt.Errorf("streamable-http transport requires a non-empty url"))
	}
	var opts []mcptransport.StreamableHTTPCOption
	if cfg.ContinuousListening {
		opts = append(opts, mcptransport.WithContinuousListening())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, mcptransport.WithHTTPHeaders(cfg.Headers))
	}
	c, err := client.NewStreamableHttpClient(cfg.URL, opts...)
	if err != nil {
		return nil, mcperrors.New(mcperrors.KindConnect, name, "connect", err)
	}
	return &mcpgoTransport{name: name, client: c}, nil
}

func isMethodNotFound(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "method not found")
}

// isSessionExpiredErr reports whether err carries a confirmed session-expiry
// marker (the modelscope-sse variant's renewable-session signal). A bare 401
// with no such marker is an authentication failure, not a recoverable
// session expiry — see isAuthErr.
func isSessionExpiredErr(err error) bool {
	return mcperrors.LooksLikeSessionExpired(err.Error())
}

func isAuthErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden")
}

func classifyCallErr(service, op string, err error) error {
	if isSessionExpiredErr(err) {
		return mcperrors.New(mcperrors.KindSessionExpired, service, op, err)
	}
	if isAuthErr(err) {
		return mcperrors.New(mcperrors.KindAuthentication, service, op, err)
	}
	return mcperrors.New(mcperrors.KindTransport, service, op, err)
}
