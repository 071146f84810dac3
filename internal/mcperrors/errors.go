// Package mcperrors defines the error taxonomy shared by every layer of the
// aggregator: transport, JSON-RPC session, upstream client, manager, and the
// outbound proxy all report failures as a *mcperrors.Error so callers can
// branch on Kind without parsing message strings.
package mcperrors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind identifies a stable error category. See spec §7 for the full table.
type Kind string

const (
	// KindConfig marks an invalid or missing configuration value. Not recoverable.
	KindConfig Kind = "config_error"
	// KindConnect marks a transport that failed to open. Recoverable via reconnect.
	KindConnect Kind = "connect_error"
	// KindHandshake marks a failed initialize or tools/list exchange. Recoverable via reconnect.
	KindHandshake Kind = "handshake_error"
	// KindSessionExpired marks an upstream-signalled session invalidation. Recoverable via reconnect-then-retry-once.
	KindSessionExpired Kind = "session_expired"
	// KindTimeout marks an operation that exceeded its deadline. Recoverable via retry.
	KindTimeout Kind = "timeout"
	// KindTransport marks a channel that terminated mid-operation. Recoverable via reconnect.
	KindTransport Kind = "transport"
	// KindToolNotFound marks a requested tool name absent from the catalog. Not recoverable.
	KindToolNotFound Kind = "tool_not_found"
	// KindAmbiguousToolName marks a bare tool name matching multiple services. Not recoverable.
	KindAmbiguousToolName Kind = "ambiguous_tool_name"
	// KindInvalidParams marks a request violating the JSON-RPC or schema contract. Not recoverable.
	KindInvalidParams Kind = "invalid_params"
	// KindRemote marks a JSON-RPC error response from upstream. Recoverability depends on code.
	KindRemote Kind = "remote_error"
	// KindAuthentication marks a 401/403 without a session-expiry marker. Not recoverable automatically.
	KindAuthentication Kind = "authentication"
	// KindCancelled marks an operation aborted by shutdown or explicit cancel.
	KindCancelled Kind = "cancelled"
	// KindAlreadyConnected marks a connect() call on an already-Connected service.
	KindAlreadyConnected Kind = "already_connected"
	// KindNotConnected marks an operation attempted while the service isn't Connected.
	KindNotConnected Kind = "not_connected"
	// KindInternal marks a defect that doesn't fit any other category.
	KindInternal Kind = "internal"
)

// RecoveryHint summarizes how a caller should react to an error Kind.
type RecoveryHint string

const (
	HintManual             RecoveryHint = "manual"
	HintReconnect          RecoveryHint = "reconnect"
	HintReconnectThenRetry RecoveryHint = "reconnect-then-retry"
	HintRetry              RecoveryHint = "retry"
	HintSurface            RecoveryHint = "surface"
	HintNone               RecoveryHint = "none"
)

var recoverableKinds = map[Kind]bool{
	KindConnect:        true,
	KindHandshake:      true,
	KindSessionExpired: true,
	KindTimeout:        true,
	KindTransport:      true,
}

var hintByKind = map[Kind]RecoveryHint{
	KindConfig:             HintManual,
	KindConnect:            HintReconnect,
	KindHandshake:          HintReconnect,
	KindSessionExpired:     HintReconnectThenRetry,
	KindTimeout:            HintRetry,
	KindTransport:          HintReconnect,
	KindToolNotFound:       HintSurface,
	KindAmbiguousToolName:  HintSurface,
	KindInvalidParams:      HintSurface,
	KindRemote:             HintSurface,
	KindAuthentication:     HintManual,
	KindCancelled:          HintNone,
	KindAlreadyConnected:   HintSurface,
	KindNotConnected:       HintSurface,
	KindInternal:           HintSurface,
}

// Error is the concrete error type returned by every package in this module.
type Error struct {
	Kind        Kind
	Service     string // owning service name, empty if not applicable
	Operation   string // e.g. "connect", "tools/call"
	Cause       error
	Timestamp   time.Time
	recoverable bool
	hint        RecoveryHint
}

// New constructs an Error of the given Kind with an explicit category assigned
// at the construction site, per REDESIGN FLAGS (no string sniffing of err.Error()).
func New(kind Kind, service, operation string, cause error) *Error {
	return &Error{
		Kind:        kind,
		Service:     service,
		Operation:   operation,
		Cause:       cause,
		Timestamp:   time.Now(),
		recoverable: recoverableKinds[kind],
		hint:        hintByKind[kind],
	}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Service != "" {
		fmt.Fprintf(&b, " service=%s", e.Service)
	}
	if e.Operation != "" {
		fmt.Fprintf(&b, " op=%s", e.Operation)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap exposes the underlying cause for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Cause }

// Recoverable reports whether the reconnect loop should absorb this error.
func (e *Error) Recoverable() bool { return e.recoverable }

// Hint returns the recovery hint associated with this error's Kind.
func (e *Error) Hint() RecoveryHint { return e.hint }

// Is reports whether target is (or wraps) an *Error of the same Kind, so
// errors.Is(err, mcperrors.New(mcperrors.KindTimeout, "", "", nil)) compares
// by kind alone.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error, and false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// sessionExpiredMarkers are the known substrings an upstream uses to signal a
// renewable session invalidation, per spec §4.1 (modelscope-sse). Matched
// case-insensitively against the response body / error message.
var sessionExpiredMarkers = []string{
	"sessionexpired",
	"session has expired",
	"session is expired",
	"session expired",
}

// LooksLikeSessionExpired reports whether body or message carries one of the
// known session-expiry markers. Used by the SSE transport to classify a
// 401 response, and as the substring fallback described in spec §9's
// REDESIGN FLAGS for errors that cross an SDK boundary without a structured
// category.
func LooksLikeSessionExpired(s string) bool {
	lower := strings.ToLower(s)
	for _, marker := range sessionExpiredMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// ClassifyFromMessage is the documented fallback classifier for errors that
// originate below the mcp-go client boundary and arrive as a bare error
// value with no structured category. It should only be reached when the
// producing code could not attach a Kind directly.
func ClassifyFromMessage(service, operation string, err error) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}
	msg := strings.ToLower(err.Error())
	switch {
	case LooksLikeSessionExpired(msg):
		return New(KindSessionExpired, service, operation, err)
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return New(KindTimeout, service, operation, err)
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden"):
		return New(KindAuthentication, service, operation, err)
	case strings.Contains(msg, "eof") || strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe") || strings.Contains(msg, "closed"):
		return New(KindTransport, service, operation, err)
	case strings.Contains(msg, "context canceled") || strings.Contains(msg, "context.canceled"):
		return New(KindCancelled, service, operation, err)
	default:
		return New(KindInternal, service, operation, err)
	}
}

// JSONRPCCode maps a core error Kind to the JSON-RPC error code the proxy
// uses when converting a manager error to a response for the remote peer
// (spec §7).
func JSONRPCCode(kind Kind) int {
	switch kind {
	case KindInvalidParams:
		return -32602
	case KindToolNotFound, KindAmbiguousToolName:
		return -32601
	case KindTimeout:
		return -32002
	case KindNotConnected, KindTransport:
		return -32001
	default:
		return -32603
	}
}
