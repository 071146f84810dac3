// Package mcpservice implements MCPService, the per-upstream client: it owns
// one Transport, performs the MCP handshake, caches the tool catalog, and
// runs the reconnect state machine. Grounded on
// internal/broker/upstream/manager.go's MCPManager (manage/registerCallbacks/
// setTools/Validate) and the reconnect loops in
// other_examples/95f3e0c4_miken90-goclaw__internal-mcp-manager.go.go and
// other_examples/ba9d0afb_diane-assistant-diane__server-internal-mcpproxy-ws_client.go.go.
package mcpservice

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcpforge/aggregator/internal/config"
	"github.com/mcpforge/aggregator/internal/mcperrors"
	"github.com/mcpforge/aggregator/internal/transport"
)

// MCPService owns the connection lifecycle for a single upstream MCP server.
type MCPService struct {
	id     string
	name   string
	cfg    config.ServiceConfig
	tr     transport.Transport
	logger *slog.Logger

	onToolsChanged func(serviceName string)

	mu                   sync.RWMutex
	state                State
	tools                []mcp.Tool
	lastErr              error
	reconnectAttempts    int
	lastConnectedAt      time.Time
	manuallyDisconnected bool
	reconnectPolicy      config.ReconnectPolicy

	reconnectMu sync.Mutex
	reconnectRunning bool
}

// New constructs an MCPService for cfg. It does not connect; call Connect.
func New(cfg config.ServiceConfig, logger *slog.Logger, onToolsChanged func(serviceName string)) (*MCPService, error) {
	tr, err := transport.New(cfg.Name, cfg.Transport)
	if err != nil {
		return nil, err
	}
	return newWithTransport(cfg, tr, logger, onToolsChanged), nil
}

// NewWithTransport builds an MCPService around an already-constructed
// Transport, letting callers (notably tests, in this package or others)
// substitute a fake without going through transport.New's real client
// construction.
func NewWithTransport(cfg config.ServiceConfig, tr transport.Transport, logger *slog.Logger, onToolsChanged func(serviceName string)) *MCPService {
	return newWithTransport(cfg, tr, logger, onToolsChanged)
}

func newWithTransport(cfg config.ServiceConfig, tr transport.Transport, logger *slog.Logger, onToolsChanged func(serviceName string)) *MCPService {
	if logger == nil {
		logger = slog.Default()
	}
	svc := &MCPService{
		id:              uuid.NewString(),
		name:            cfg.Name,
		cfg:             cfg,
		tr:              tr,
		logger:          logger.With("component", "mcpservice", "service", cfg.Name),
		onToolsChanged:  onToolsChanged,
		state:           StateDisconnected,
		reconnectPolicy: cfg.Reconnect,
	}
	tr.OnNotification(svc.handleNotification)
	tr.OnConnectionLost(svc.handleConnectionLost)
	return svc
}

// ID returns this service instance's diagnostic UUID.
func (s *MCPService) ID() string { return s.id }

// Name returns the configured service name.
func (s *MCPService) Name() string { return s.name }

// Connect performs the handshake algorithm: open the transport, initialize,
// fetch the tool catalog, and transition to Connected. On failure the state
// becomes Failed and the error is recorded for GetStatus.
func (s *MCPService) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateConnected {
		s.mu.Unlock()
		return mcperrors.New(mcperrors.KindAlreadyConnected, s.name, "connect", nil)
	}
	s.state = StateConnecting
	s.manuallyDisconnected = false
	s.mu.Unlock()

	if _, err := s.tr.Connect(ctx); err != nil {
		s.recordFailure(err)
		return err
	}

	tools, err := s.tr.ListTools(ctx)
	if err != nil {
		s.recordFailure(err)
		return err
	}

	s.mu.Lock()
	s.tools = tools
	s.state = StateConnected
	s.lastErr = nil
	s.reconnectAttempts = 0
	s.lastConnectedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("connected", "tools", len(tools))
	s.fireToolsChanged()
	return nil
}

// Reconnect tears down the transport and re-runs the handshake unconditionally,
// regardless of the current state. Unlike Connect, it does not touch
// manuallyDisconnected: it is driven by CallTool's session-expiry recovery and
// by the background reconnect loop, neither of which represents an operator
// request to stay disconnected.
func (s *MCPService) Reconnect(ctx context.Context) error {
	// A failed attempt made by the background reconnect loop leaves the
	// service Reconnecting; the loop itself moves it to Failed once
	// MaxAttempts is exhausted.
	s.reconnectMu.Lock()
	failState := StateFailed
	if s.reconnectRunning {
		failState = StateReconnecting
	}
	s.reconnectMu.Unlock()
	fail := func(err error) error {
		s.mu.Lock()
		s.state = failState
		s.lastErr = err
		s.mu.Unlock()
		s.logger.Error("connect failed", "error", err)
		return err
	}

	s.mu.Lock()
	s.state = StateConnecting
	s.mu.Unlock()

	_ = s.tr.Close()

	if _, err := s.tr.Connect(ctx); err != nil {
		return fail(err)
	}

	tools, err := s.tr.ListTools(ctx)
	if err != nil {
		return fail(err)
	}

	s.mu.Lock()
	s.tools = tools
	s.state = StateConnected
	s.lastErr = nil
	s.reconnectAttempts = 0
	s.lastConnectedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("reconnected", "tools", len(tools))
	s.fireToolsChanged()
	return nil
}

func (s *MCPService) recordFailure(err error) {
	s.mu.Lock()
	s.state = StateFailed
	s.lastErr = err
	s.mu.Unlock()
	s.logger.Error("connect failed", "error", err)
}

// Disconnect closes the transport and suppresses any further automatic
// reconnection until Connect is called again explicitly.
func (s *MCPService) Disconnect() error {
	s.mu.Lock()
	s.manuallyDisconnected = true
	s.state = StateDisconnected
	s.mu.Unlock()
	return s.tr.Close()
}

// GetTools returns a snapshot copy of the cached tool catalog.
func (s *MCPService) GetTools() []mcp.Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]mcp.Tool, len(s.tools))
	copy(out, s.tools)
	return out
}

// State returns the current lifecycle state.
func (s *MCPService) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// CallTool executes a tool call. On a session-expiry error it reconnects
// once and retries the call exactly once more, per spec.
func (s *MCPService) CallTool(ctx context.Context, toolName string, args map[string]any) (*mcp.CallToolResult, error) {
	s.mu.RLock()
	connected := s.state == StateConnected
	s.mu.RUnlock()
	if !connected {
		return nil, mcperrors.New(mcperrors.KindNotConnected, s.name, "tools/call", nil)
	}

	result, err := s.tr.CallTool(ctx, toolName, args)
	if err == nil {
		return result, nil
	}

	kind, _ := mcperrors.KindOf(err)
	if kind != mcperrors.KindSessionExpired {
		return nil, err
	}

	s.logger.Warn("session expired, reconnecting then retrying once", "tool", toolName)
	if connErr := s.Reconnect(ctx); connErr != nil {
		return nil, connErr
	}
	return s.tr.CallTool(ctx, toolName, args)
}

// Validate performs a point-in-time diagnostic check independent of the
// reconnect state machine, grounded on MCPManager.Validate. Reachability
// comes from a Ping and the capability result from the cached tool count.
// ProtocolValidation is always reported valid with only ExpectedVersion set:
// the version negotiated during Connect is not recorded or compared.
func (s *MCPService) Validate(ctx context.Context) ValidationStatus {
	status := ValidationStatus{Name: s.name, LastValidated: time.Now()}

	if err := s.tr.Ping(ctx); err != nil {
		status.ConnectionStatus = ConnectionStatus{IsReachable: false, Error: err.Error()}
		return status
	}
	status.ConnectionStatus = ConnectionStatus{IsReachable: true}

	tools := s.GetTools()
	status.CapabilitiesValidation = CapabilitiesValidation{IsValid: len(tools) > 0, ToolCount: len(tools)}
	status.ProtocolValidation = ProtocolValidation{IsValid: true, ExpectedVersion: mcp.LATEST_PROTOCOL_VERSION}
	return status
}

// GetStatus returns an immutable diagnostic snapshot of this service.
func (s *MCPService) GetStatus() ServiceStatusSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := ServiceStatusSnapshot{
		Name:              s.name,
		State:             s.state,
		TransportKind:     string(s.cfg.Transport.Kind),
		ToolCount:         len(s.tools),
		ReconnectAttempts: s.reconnectAttempts,
		LastConnectedAt:   s.lastConnectedAt,
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	return snap
}

// EnableReconnect turns on automatic reconnection after a connection loss.
func (s *MCPService) EnableReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnectPolicy.Enabled = true
}

// DisableReconnect turns off automatic reconnection; an in-flight reconnect
// loop completes its current attempt and then stops.
func (s *MCPService) DisableReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnectPolicy.Enabled = false
}

// UpdateReconnectOptions replaces the active reconnect policy.
func (s *MCPService) UpdateReconnectOptions(policy config.ReconnectPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnectPolicy = policy
}

// ResetReconnectState zeroes the attempt counter, e.g. after an operator
// manually confirms the upstream is healthy again.
func (s *MCPService) ResetReconnectState() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnectAttempts = 0
}

func (s *MCPService) handleNotification(method string, _ []byte) {
	if method == "notifications/tools/list_changed" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		tools, err := s.tr.ListTools(ctx)
		if err != nil {
			s.logger.Error("failed to refresh tools after list_changed notification", "error", err)
			return
		}
		s.mu.Lock()
		s.tools = tools
		s.mu.Unlock()
		s.fireToolsChanged()
	}
}

func (s *MCPService) handleConnectionLost(err error) {
	s.mu.Lock()
	manual := s.manuallyDisconnected
	policy := s.reconnectPolicy
	s.state = StateReconnecting
	s.lastErr = err
	s.mu.Unlock()

	s.logger.Error("connection lost", "error", err)
	if manual || !policy.Enabled {
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		return
	}
	s.startReconnectLoop()
}

func (s *MCPService) startReconnectLoop() {
	s.reconnectMu.Lock()
	if s.reconnectRunning {
		s.reconnectMu.Unlock()
		return
	}
	s.reconnectRunning = true
	s.reconnectMu.Unlock()

	go func() {
		defer func() {
			s.reconnectMu.Lock()
			s.reconnectRunning = false
			s.reconnectMu.Unlock()
		}()

		for {
			s.mu.RLock()
			manual := s.manuallyDisconnected
			policy := s.reconnectPolicy
			attempts := s.reconnectAttempts
			s.mu.RUnlock()

			if manual || !policy.Enabled {
				return
			}
			if policy.MaxAttempts > 0 && attempts >= policy.MaxAttempts {
				s.mu.Lock()
				s.state = StateFailed
				s.mu.Unlock()
				s.logger.Error("giving up reconnecting", "attempts", attempts)
				return
			}

			attempts++
			s.mu.Lock()
			s.reconnectAttempts = attempts
			s.mu.Unlock()

			delay := nextInterval(policy, attempts)
			time.Sleep(delay)

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := s.Reconnect(ctx)
			cancel()
			if err == nil {
				return
			}
			s.logger.Warn("reconnect attempt failed", "attempt", attempts, "error", err)
		}
	}()
}

func (s *MCPService) fireToolsChanged() {
	if s.onToolsChanged != nil {
		s.onToolsChanged(s.name)
	}
}
