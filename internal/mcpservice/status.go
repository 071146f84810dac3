package mcpservice

import "time"

// State is a position in the upstream connection lifecycle.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// ConnectionStatus reports whether the upstream is currently reachable,
// grounded on internal/broker/status.go's ConnectionStatus.
type ConnectionStatus struct {
	IsReachable bool
	Error       string
}

// ProtocolValidation reports whether the negotiated protocol version is one
// this core understands, grounded on internal/broker/status.go's
// ProtocolValidation.
type ProtocolValidation struct {
	IsValid          bool
	NegotiatedVersion string
	ExpectedVersion  string
}

// CapabilitiesValidation reports whether the upstream advertised tool
// capabilities, grounded on internal/broker/status.go's CapabilitiesValidation.
type CapabilitiesValidation struct {
	IsValid   bool
	ToolCount int
}

// ValidationStatus is the result of MCPService.Validate, independent of the
// reconnect state machine — it's a point-in-time diagnostic snapshot.
type ValidationStatus struct {
	Name                   string
	ConnectionStatus       ConnectionStatus
	ProtocolValidation     ProtocolValidation
	CapabilitiesValidation CapabilitiesValidation
	LastValidated          time.Time
}

// ServiceStatusSnapshot is an immutable copy-on-read view of one service's
// current connection state, returned by GetStatus. Supplements the
// distilled spec with the teacher's /status endpoint data model, minus the
// HTTP handler itself.
type ServiceStatusSnapshot struct {
	Name              string
	State             State
	TransportKind     string
	ToolCount         int
	LastError         string
	ReconnectAttempts int
	LastConnectedAt   time.Time
}
