package config

import (
	"fmt"
	"strings"

	"github.com/mcpforge/aggregator/internal/mcperrors"
)

// compositeDelimiter is the separator the manager uses to build collision-free
// tool keys (serviceName + delimiter + originalName). Forbidding it inside a
// service name (Open Question decision #2) makes composite-key parsing
// unambiguous without a reserved-character escape scheme.
const compositeDelimiter = "__"

// ValidateServiceName rejects names that would make composite tool keys
// ambiguous to split back apart.
func ValidateServiceName(name string) error {
	if name == "" {
		return mcperrors.New(mcperrors.KindConfig, "", "validate", fmt.Errorf("service name must not be empty"))
	}
	if strings.Contains(name, compositeDelimiter) {
		return mcperrors.New(mcperrors.KindConfig, name, "validate",
			fmt.Errorf("service name must not contain %q (reserved for composite tool keys)", compositeDelimiter))
	}
	return nil
}

func validateTransport(serviceName string, t TransportConfig) error {
	op := "validate-transport"
	switch t.Kind {
	case TransportStdio:
		if t.Stdio == nil || strings.TrimSpace(t.Stdio.Command) == "" {
			return mcperrors.New(mcperrors.KindConfig, serviceName, op, fmt.Errorf("stdio transport requires a non-empty command"))
		}
	case TransportSSE:
		if t.SSE == nil || strings.TrimSpace(t.SSE.URL) == "" {
			return mcperrors.New(mcperrors.KindConfig, serviceName, op, fmt.Errorf("sse transport requires a non-empty url"))
		}
	case TransportStreamableHTTP:
		if t.StreamableHTTP == nil || strings.TrimSpace(t.StreamableHTTP.URL) == "" {
			return mcperrors.New(mcperrors.KindConfig, serviceName, op, fmt.Errorf("streamable-http transport requires a non-empty url"))
		}
	case TransportWebSocket:
		if t.WebSocket == nil {
			return mcperrors.New(mcperrors.KindConfig, serviceName, op, fmt.Errorf("websocket transport requires a configuration block"))
		}
		switch t.WebSocket.Mode {
		case WebSocketClient:
			if strings.TrimSpace(t.WebSocket.URL) == "" {
				return mcperrors.New(mcperrors.KindConfig, serviceName, op, fmt.Errorf("websocket client mode requires a non-empty url"))
			}
		case WebSocketServer:
			if strings.TrimSpace(t.WebSocket.ListenAddr) == "" {
				return mcperrors.New(mcperrors.KindConfig, serviceName, op, fmt.Errorf("websocket server mode requires a non-empty listen address"))
			}
		default:
			return mcperrors.New(mcperrors.KindConfig, serviceName, op, fmt.Errorf("websocket transport requires mode %q or %q", WebSocketClient, WebSocketServer))
		}
	default:
		return mcperrors.New(mcperrors.KindConfig, serviceName, op, fmt.Errorf("unknown transport kind %q", t.Kind))
	}
	return nil
}

func validateReconnect(serviceName string, r ReconnectPolicy) error {
	if !r.Enabled {
		return nil
	}
	if r.MaxAttempts < 0 {
		return mcperrors.New(mcperrors.KindConfig, serviceName, "validate-reconnect", fmt.Errorf("maxAttempts must not be negative, got %d (0 means unlimited)", r.MaxAttempts))
	}
	if r.InitialInterval <= 0 || r.MaxInterval <= 0 {
		return mcperrors.New(mcperrors.KindConfig, serviceName, "validate-reconnect", fmt.Errorf("initialInterval and maxInterval must be positive"))
	}
	if r.InitialInterval > r.MaxInterval {
		return mcperrors.New(mcperrors.KindConfig, serviceName, "validate-reconnect", fmt.Errorf("initialInterval must not exceed maxInterval"))
	}
	switch r.Strategy {
	case BackoffExponential, BackoffLinear, BackoffFixed:
	default:
		return mcperrors.New(mcperrors.KindConfig, serviceName, "validate-reconnect", fmt.Errorf("unknown backoff strategy %q", r.Strategy))
	}
	if r.Strategy == BackoffExponential && r.Multiplier <= 1.0 {
		return mcperrors.New(mcperrors.KindConfig, serviceName, "validate-reconnect", fmt.Errorf("exponential backoff requires multiplier > 1.0, got %f", r.Multiplier))
	}
	return nil
}

// Validate checks an AggregatorConfig for internal consistency: unique
// service names, well-formed transports, sane reconnect policies, and
// well-formed custom-tool entries. Orphaned custom-tool entries that
// reference a non-existent MCP service are dropped rather than rejected,
// mirroring the teacher's tolerant handling of stale virtual-server
// references in internal/config/mcpservers.go.
func Validate(cfg *AggregatorConfig) (*AggregatorConfig, error) {
	seen := make(map[string]bool, len(cfg.Services))
	for _, svc := range cfg.Services {
		if err := ValidateServiceName(svc.Name); err != nil {
			return nil, err
		}
		if seen[svc.Name] {
			return nil, mcperrors.New(mcperrors.KindConfig, svc.Name, "validate", fmt.Errorf("duplicate service name %q", svc.Name))
		}
		seen[svc.Name] = true

		if err := validateTransport(svc.Name, svc.Transport); err != nil {
			return nil, err
		}
		if err := validateReconnect(svc.Name, svc.Reconnect); err != nil {
			return nil, err
		}
	}

	kept := make([]CustomToolEntry, 0, len(cfg.CustomTools))
	toolNames := make(map[string]bool, len(cfg.CustomTools))
	for _, ct := range cfg.CustomTools {
		if ct.Name == "" {
			return nil, mcperrors.New(mcperrors.KindConfig, "", "validate-custom-tool", fmt.Errorf("custom tool entry must have a name"))
		}
		if toolNames[ct.Name] {
			return nil, mcperrors.New(mcperrors.KindConfig, "", "validate-custom-tool", fmt.Errorf("duplicate custom tool name %q", ct.Name))
		}
		toolNames[ct.Name] = true

		if ct.Kind == CustomToolMCP && !seen[ct.MCPServiceName] {
			// Orphaned reference: discard, don't fail config validation.
			continue
		}
		kept = append(kept, ct)
	}
	cfg.CustomTools = kept

	return cfg, nil
}
