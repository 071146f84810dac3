// Package customtool implements the custom-tool side channel: tools served
// directly by this core instead of being aggregated from an upstream MCP
// service's catalog. Each entry is a tagged variant (mcp/proxy_platform/
// http/function) dispatched by Kind, grounded on the boundary-crossing
// dispatch style of internal/broker/broker.go's tool registration and
// other_examples/afbd9fc5_Consensys-ask-o11y-plugin__pkg-mcp-proxy.go.go's
// HandleMCPRequest method switch.
package customtool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcpforge/aggregator/internal/config"
	"github.com/mcpforge/aggregator/internal/mcperrors"
)

// MCPCaller resolves a custom tool of Kind mcp to the real upstream tool it
// proxies, without customtool needing to import the manager (which in turn
// imports customtool).
type MCPCaller func(ctx context.Context, serviceName, toolName string, args map[string]any) (*mcp.CallToolResult, error)

// PlatformCaller resolves a custom tool of Kind proxy_platform, handed to a
// platform-specific dispatcher supplied by the embedding application.
type PlatformCaller func(ctx context.Context, toolName string, args map[string]any) (*mcp.CallToolResult, error)

// FunctionHandler is a directly registered Go implementation of a custom
// tool of Kind function.
type FunctionHandler func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error)

// Registry holds every registered custom tool and dispatches calls to the
// handler matching its Kind.
type Registry struct {
	httpClient *http.Client

	mu       sync.RWMutex
	entries  map[string]config.CustomToolEntry
	funcs    map[string]FunctionHandler
	mcpCall  MCPCaller
	platform PlatformCaller
}

// NewRegistry constructs an empty registry. Wire SetMCPCaller/SetPlatformCaller
// before any Kind mcp / proxy_platform entries are called.
func NewRegistry() *Registry {
	return &Registry{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		entries:    make(map[string]config.CustomToolEntry),
		funcs:      make(map[string]FunctionHandler),
	}
}

// SetMCPCaller wires the resolver used for Kind mcp entries.
func (r *Registry) SetMCPCaller(caller MCPCaller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mcpCall = caller
}

// SetPlatformCaller wires the resolver used for Kind proxy_platform entries.
func (r *Registry) SetPlatformCaller(caller PlatformCaller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.platform = caller
}

// Register adds entry to the registry, validating that its name is non-empty
// and unique. A function entry's handler is attached separately via
// RegisterFunction; Register does not check for it, and Call reports a
// missing handler as KindInternal.
func (r *Registry) Register(entry config.CustomToolEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry.Name == "" {
		return mcperrors.New(mcperrors.KindConfig, "", "register-custom-tool", fmt.Errorf("custom tool name must not be empty"))
	}
	if _, exists := r.entries[entry.Name]; exists {
		return mcperrors.New(mcperrors.KindConfig, "", "register-custom-tool", fmt.Errorf("custom tool %q already registered", entry.Name))
	}
	r.entries[entry.Name] = entry
	return nil
}

// RegisterFunction attaches the Go implementation for a Kind function entry
// previously added via Register.
func (r *Registry) RegisterFunction(name string, handler FunctionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = handler
}

// Has reports whether name is a registered custom tool.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// List returns every registered custom tool as an mcp.Tool for catalog
// aggregation.
func (r *Registry) List() []mcp.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]mcp.Tool, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, mcp.Tool{Name: e.Name, Description: e.Description})
	}
	return out
}

// Call dispatches name to the handler matching its registered Kind.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	r.mu.RLock()
	entry, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, mcperrors.New(mcperrors.KindToolNotFound, "", "tools/call", fmt.Errorf("custom tool %q not registered", name))
	}

	switch entry.Kind {
	case config.CustomToolMCP:
		r.mu.RLock()
		caller := r.mcpCall
		r.mu.RUnlock()
		if caller == nil {
			return nil, mcperrors.New(mcperrors.KindInternal, "", "tools/call", fmt.Errorf("no mcp caller wired for custom tool %q", name))
		}
		return caller(ctx, entry.MCPServiceName, entry.MCPToolName, args)

	case config.CustomToolProxyPlatform:
		r.mu.RLock()
		caller := r.platform
		r.mu.RUnlock()
		if caller == nil {
			return nil, mcperrors.New(mcperrors.KindInternal, "", "tools/call", fmt.Errorf("no platform caller wired for custom tool %q", name))
		}
		return caller(ctx, name, args)

	case config.CustomToolHTTP:
		return r.callHTTP(ctx, entry, args)

	case config.CustomToolFunction:
		r.mu.RLock()
		fn := r.funcs[name]
		r.mu.RUnlock()
		if fn == nil {
			return nil, mcperrors.New(mcperrors.KindInternal, "", "tools/call", fmt.Errorf("no function registered for custom tool %q", name))
		}
		return fn(ctx, args)

	default:
		return nil, mcperrors.New(mcperrors.KindConfig, "", "tools/call", fmt.Errorf("unknown custom tool kind %q", entry.Kind))
	}
}

func (r *Registry) callHTTP(ctx context.Context, entry config.CustomToolEntry, args map[string]any) (*mcp.CallToolResult, error) {
	body, err := json.Marshal(args)
	if err != nil {
		return nil, mcperrors.New(mcperrors.KindInvalidParams, "", "tools/call", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, entry.HTTPURL, bytes.NewReader(body))
	if err != nil {
		return nil, mcperrors.New(mcperrors.KindConfig, "", "tools/call", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range entry.HTTPHeaders {
		req.Header.Set(k, v)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, mcperrors.New(mcperrors.KindConnect, "", "tools/call", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, mcperrors.New(mcperrors.KindTransport, "", "tools/call", err)
	}
	if resp.StatusCode >= 400 {
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(respBody)}},
			IsError: true,
		}, nil
	}
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(respBody)}}}, nil
}
