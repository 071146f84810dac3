package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mcpforge/aggregator/internal/config"
)

// fileDoc mirrors the configuration surface documented for the external
// config collaborator: a single JSON document naming the proxy's remote
// endpoint, the upstream MCP servers to aggregate, optional per-tool
// enable/description overrides, the custom-tool side channel, and shared
// connection tuning. Loading and parsing it is this command's job — the
// internal/config package only models and validates the resulting Go value.
type fileDoc struct {
	MCPEndpoint     string                            `json:"mcpEndpoint"`
	MCPServers      map[string]transportDoc           `json:"mcpServers"`
	MCPServerConfig map[string]serviceOverrideDoc     `json:"mcpServerConfig"`
	CustomMCP       *customMCPDoc                     `json:"customMCP"`
	Connection      *connectionDoc                    `json:"connection"`
}

type transportDoc struct {
	Type                string            `json:"type"`
	Command             string            `json:"command"`
	Args                []string          `json:"args"`
	Env                 map[string]string `json:"env"`
	URL                 string            `json:"url"`
	Headers             map[string]string `json:"headers"`
	ContinuousListening bool              `json:"continuousListening"`
	Mode                string            `json:"mode"`
	ListenAddr          string            `json:"listenAddr"`
}

type serviceOverrideDoc struct {
	Tools map[string]toolOverrideDoc `json:"tools"`
}

type toolOverrideDoc struct {
	Enable      bool   `json:"enable"`
	Description string `json:"description"`
}

type customMCPDoc struct {
	Tools []customToolDoc `json:"tools"`
}

type customToolDoc struct {
	Name           string            `json:"name"`
	Description    string            `json:"description"`
	Kind           string            `json:"kind"`
	MCPServiceName string            `json:"mcpService"`
	MCPToolName    string            `json:"mcpTool"`
	HTTPURL        string            `json:"httpUrl"`
	HTTPHeaders    map[string]string `json:"httpHeaders"`
}

// connectionDoc fields are documented in milliseconds.
type connectionDoc struct {
	HeartbeatIntervalMS int64 `json:"heartbeatInterval"`
	HeartbeatTimeoutMS  int64 `json:"heartbeatTimeout"`
	ReconnectIntervalMS int64 `json:"reconnectInterval"`
}

// loadConfig reads configDir/config.json and translates it into a validated
// AggregatorConfig.
func loadConfig(configDir string) (*config.AggregatorConfig, error) {
	path := filepath.Join(configDir, "config.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	var doc fileDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	cfg, err := translate(&doc)
	if err != nil {
		return nil, err
	}
	return config.Validate(cfg)
}

func translate(doc *fileDoc) (*config.AggregatorConfig, error) {
	reconnect := config.DefaultReconnectPolicy()
	conn := config.DefaultConnectionConfig()
	proxyHeartbeat := 30 * time.Second
	proxySilence := 60 * time.Second
	proxyReconnectInitial := 2 * time.Second

	if doc.Connection != nil {
		if doc.Connection.HeartbeatIntervalMS > 0 {
			conn.HeartbeatInterval = time.Duration(doc.Connection.HeartbeatIntervalMS) * time.Millisecond
			proxyHeartbeat = conn.HeartbeatInterval
		}
		if doc.Connection.HeartbeatTimeoutMS > 0 {
			proxySilence = time.Duration(doc.Connection.HeartbeatTimeoutMS) * time.Millisecond
		}
		if doc.Connection.ReconnectIntervalMS > 0 {
			reconnect.InitialInterval = time.Duration(doc.Connection.ReconnectIntervalMS) * time.Millisecond
			proxyReconnectInitial = reconnect.InitialInterval
		}
	}

	cfg := &config.AggregatorConfig{}

	for name, td := range doc.MCPServers {
		tc, err := translateTransport(td)
		if err != nil {
			return nil, fmt.Errorf("service %q: %w", name, err)
		}
		svc := config.ServiceConfig{
			Name:      name,
			Transport: tc,
			Reconnect: reconnect,
			Conn:      conn,
		}
		if ov, ok := doc.MCPServerConfig[name]; ok {
			svc.ToolOverrides = make(map[string]config.ToolOverride, len(ov.Tools))
			for toolName, t := range ov.Tools {
				svc.ToolOverrides[toolName] = config.ToolOverride{Enabled: t.Enable, Description: t.Description}
			}
		}
		cfg.Services = append(cfg.Services, svc)
	}

	if doc.CustomMCP != nil {
		for _, ct := range doc.CustomMCP.Tools {
			cfg.CustomTools = append(cfg.CustomTools, config.CustomToolEntry{
				Name:           ct.Name,
				Description:    ct.Description,
				Kind:           config.CustomToolKind(ct.Kind),
				MCPServiceName: ct.MCPServiceName,
				MCPToolName:    ct.MCPToolName,
				HTTPURL:        ct.HTTPURL,
				HTTPHeaders:    ct.HTTPHeaders,
			})
		}
	}

	if doc.MCPEndpoint != "" {
		cfg.Proxy = config.ProxyConfig{
			Enabled:           true,
			RemoteURL:         doc.MCPEndpoint,
			HeartbeatInterval: proxyHeartbeat,
			SilenceTimeout:    proxySilence,
			RequestTimeout:    30 * time.Second,
			MaxRetryAttempts:  3,
			ReconnectInitial:  proxyReconnectInitial,
			ReconnectMax:      60 * time.Second,
		}
	}

	return cfg, nil
}

func translateTransport(td transportDoc) (config.TransportConfig, error) {
	switch config.TransportKind(td.Type) {
	case config.TransportStdio:
		return config.TransportConfig{
			Kind:  config.TransportStdio,
			Stdio: &config.StdioTransportConfig{Command: td.Command, Args: td.Args, Env: td.Env},
		}, nil
	case config.TransportSSE:
		return config.TransportConfig{
			Kind: config.TransportSSE,
			SSE:  &config.SSETransportConfig{URL: td.URL, Headers: td.Headers},
		}, nil
	case config.TransportStreamableHTTP:
		return config.TransportConfig{
			Kind: config.TransportStreamableHTTP,
			StreamableHTTP: &config.StreamableHTTPTransportConfig{
				URL: td.URL, Headers: td.Headers, ContinuousListening: td.ContinuousListening,
			},
		}, nil
	case config.TransportWebSocket:
		return config.TransportConfig{
			Kind: config.TransportWebSocket,
			WebSocket: &config.WebSocketTransportConfig{
				Mode:       config.WebSocketMode(td.Mode),
				URL:        td.URL,
				ListenAddr: td.ListenAddr,
				Headers:    td.Headers,
			},
		}, nil
	default:
		return config.TransportConfig{}, fmt.Errorf("unknown transport type %q", td.Type)
	}
}
