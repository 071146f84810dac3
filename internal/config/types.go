// Package config defines the validated configuration tree the manager is
// constructed from. Loading it from a file, environment, or remote source is
// an explicit external collaborator's job — this package only models and
// validates an already-assembled Go value, the way internal/config/mcpservers.go
// modeled the teacher's MCPServersConfig.
package config

import "time"

// TransportKind discriminates a TransportConfig's active variant.
type TransportKind string

const (
	TransportStdio          TransportKind = "stdio"
	TransportSSE             TransportKind = "sse"
	TransportStreamableHTTP  TransportKind = "streamable-http"
	TransportWebSocket       TransportKind = "websocket"
)

// StdioTransportConfig launches and speaks MCP over a child process's pipes.
type StdioTransportConfig struct {
	Command string
	Args    []string
	Env     map[string]string
}

// SSETransportConfig speaks MCP over a Server-Sent-Events endpoint.
type SSETransportConfig struct {
	URL     string
	Headers map[string]string
}

// StreamableHTTPTransportConfig speaks MCP over the streamable-HTTP variant.
type StreamableHTTPTransportConfig struct {
	URL                 string
	Headers             map[string]string
	ContinuousListening bool
}

// WebSocketMode selects which side of the socket this service occupies.
type WebSocketMode string

const (
	// WebSocketClient dials out to a remote MCP server (coder/websocket).
	WebSocketClient WebSocketMode = "client"
	// WebSocketServer accepts an inbound connection from the upstream and still acts as the MCP client over it (gorilla/websocket).
	WebSocketServer WebSocketMode = "server"
)

// WebSocketTransportConfig speaks MCP over a raw WebSocket connection.
type WebSocketTransportConfig struct {
	Mode       WebSocketMode
	URL        string            // used when Mode == WebSocketClient
	ListenAddr string            // used when Mode == WebSocketServer
	Headers    map[string]string
}

// TransportConfig is a tagged union over the four supported transports.
// Exactly one of the pointer fields matching Kind must be non-nil.
type TransportConfig struct {
	Kind           TransportKind
	Stdio          *StdioTransportConfig
	SSE            *SSETransportConfig
	StreamableHTTP *StreamableHTTPTransportConfig
	WebSocket      *WebSocketTransportConfig
}

// BackoffStrategy selects how ReconnectPolicy grows the retry interval.
type BackoffStrategy string

const (
	BackoffExponential BackoffStrategy = "exponential"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffFixed       BackoffStrategy = "fixed"
)

// ReconnectPolicy controls the upstream reconnect state machine's backoff.
type ReconnectPolicy struct {
	Enabled           bool
	MaxAttempts       int
	InitialInterval   time.Duration
	MaxInterval       time.Duration
	Strategy          BackoffStrategy
	Multiplier        float64
	Jitter            bool
}

// DefaultReconnectPolicy mirrors spec.md §3's documented defaults.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Enabled:         true,
		MaxAttempts:     10,
		InitialInterval: 2 * time.Second,
		MaxInterval:     60 * time.Second,
		Strategy:        BackoffExponential,
		Multiplier:      2.0,
		Jitter:          true,
	}
}

// ConnectionConfig tunes liveness behavior independent of reconnect backoff.
type ConnectionConfig struct {
	HeartbeatInterval time.Duration
	RequestTimeout    time.Duration
}

// DefaultConnectionConfig mirrors the teacher's health-loop cadence
// (other_examples/95f3e0c4_miken90-goclaw's 30s ticker).
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		HeartbeatInterval: 30 * time.Second,
		RequestTimeout:    30 * time.Second,
	}
}

// ToolOverride adjusts one upstream-advertised tool's presence or
// description, sourced from the configuration surface's optional
// mcpServerConfig layer (spec.md §6). A missing map entry means the tool is
// enabled with its upstream-advertised description unchanged.
type ToolOverride struct {
	Enabled     bool
	Description string // empty keeps the upstream-advertised description
}

// ServiceConfig describes one upstream MCP server the manager aggregates.
type ServiceConfig struct {
	Name      string
	Transport TransportConfig
	Reconnect ReconnectPolicy
	Conn      ConnectionConfig
	// ToolPrefix overrides the name used in composite tool keys; defaults to Name.
	ToolPrefix string
	// ToolOverrides is keyed by the tool's original (non-prefixed) name.
	ToolOverrides map[string]ToolOverride
}

// CustomToolKind discriminates CustomToolEntry's dispatch variant.
type CustomToolKind string

const (
	CustomToolMCP           CustomToolKind = "mcp"
	CustomToolProxyPlatform CustomToolKind = "proxy_platform"
	CustomToolHTTP          CustomToolKind = "http"
	CustomToolFunction      CustomToolKind = "function"
)

// CustomToolEntry describes one tool served through the custom-tool side
// channel instead of an aggregated upstream MCP service.
type CustomToolEntry struct {
	Name        string
	Description string
	InputSchema []byte // raw JSON schema
	Kind        CustomToolKind

	// Populated depending on Kind.
	MCPServiceName string            // CustomToolMCP: which ServiceConfig.Name owns the real tool
	MCPToolName    string            // CustomToolMCP: the real tool name on that service
	HTTPURL        string            // CustomToolHTTP
	HTTPHeaders    map[string]string // CustomToolHTTP
}

// StagedAdvertisementConfig gates the proxy's optional incremental tool
// advertisement (spec.md §9 Open Question, resolved off-by-default).
type StagedAdvertisementConfig struct {
	Enabled      bool
	InitialNames []string
}

// ProxyConfig configures the outbound ProxyMCPServer peer connection.
type ProxyConfig struct {
	Enabled             bool
	RemoteURL           string
	Headers             map[string]string
	HeartbeatInterval   time.Duration
	SilenceTimeout      time.Duration
	RequestTimeout      time.Duration
	MaxRetryAttempts    int
	ReconnectInitial    time.Duration
	ReconnectMax        time.Duration
	StagedAdvertisement *StagedAdvertisementConfig
}

// AggregatorConfig is the fully assembled, validated root configuration the
// manager and proxy are constructed from.
type AggregatorConfig struct {
	Services    []ServiceConfig
	CustomTools []CustomToolEntry
	Proxy       ProxyConfig
}
