package proxy

import "time"

// State mirrors mcpservice.State's lifecycle vocabulary for the outbound
// peer connection, kept as its own type since the proxy's state machine
// answers to a remote peer rather than an upstream MCP server.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// StatusSnapshot is an immutable diagnostic view of the proxy connection.
type StatusSnapshot struct {
	State             State
	RemoteURL         string
	ReconnectAttempts int
	LastConnectedAt   time.Time
	LastError         string
}
