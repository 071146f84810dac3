// Package rpcsession implements the JSON-RPC 2.0 correlation layer shared by
// every transport that doesn't already get this for free from an SDK client
// (mark3labs/mcp-go's client.Client folds it in for stdio/SSE/streamable-HTTP;
// the hand-rolled websocket transports and the outbound proxy use this
// package directly). Grounded on the pending-id map pattern in
// other_examples/ba9d0afb_diane-assistant-diane__server-internal-mcpproxy-ws_client.go.go
// and the JSON-RPC envelope types in
// other_examples/09a40ab2_bc-dunia-mcpdrill__internal-transport-types.go.go.
package rpcsession

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcpforge/aggregator/internal/mcperrors"
	"github.com/mcpforge/aggregator/internal/wire"
)

// Sender delivers one already-framed JSON-RPC message to the peer. It is the
// only thing a transport needs to provide; everything above id bookkeeping
// and dispatch lives here.
type Sender func(ctx context.Context, data []byte) error

type pendingCall struct {
	resultCh chan *pendingResult
}

// pendingResult wraps a completion delivered to a pendingCall: either a real
// response from the peer, or a cancelled=true marker from Shutdown. Keeping
// these distinct lets Call report KindCancelled for a shutdown instead of
// fabricating a JSON-RPC error response that would surface as KindRemote.
type pendingResult struct {
	resp      *wire.Response
	cancelled bool
}

// Session tracks outstanding JSON-RPC calls for one connection and routes
// incoming frames to either a waiting caller (by id), the notification
// handler, or the request handler.
type Session struct {
	send Sender

	nextID int64 // monotonic, assigned starting at 1

	mu      sync.Mutex
	pending map[string]*pendingCall
	closed  bool

	notifyHandler func(method string, params json.RawMessage)
	requestHandler func(ctx context.Context, req *wire.Request) *wire.Response
}

// New constructs a Session that delivers outgoing frames via send.
func New(send Sender) *Session {
	return &Session{
		send:    send,
		pending: make(map[string]*pendingCall),
	}
}

// OnNotification registers the handler invoked for every inbound message
// with no id (a notification). Only one handler is supported; the latest
// registration wins.
func (s *Session) OnNotification(handler func(method string, params json.RawMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifyHandler = handler
}

// OnRequest registers the handler invoked for every inbound message that
// carries an id and a method (i.e. the peer is calling us, relevant to the
// proxy's server-mode role). The returned *wire.Response is sent back
// verbatim.
func (s *Session) OnRequest(handler func(ctx context.Context, req *wire.Request) *wire.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestHandler = handler
}

// idKey normalizes a JSON-RPC id (number, string, 0, or "") to a comparable
// map key while preserving the distinction between e.g. 0 and "0".
func idKey(id any) string {
	switch v := id.(type) {
	case float64:
		return fmt.Sprintf("n:%v", v)
	case json.Number:
		return "n:" + string(v)
	case string:
		return "s:" + v
	case int:
		return fmt.Sprintf("n:%d", v)
	case int64:
		return fmt.Sprintf("n:%d", v)
	default:
		return fmt.Sprintf("?:%v", v)
	}
}

// Call sends a request and blocks until the matching response arrives, ctx
// is cancelled, or timeout elapses. The request id is a fresh monotonic
// integer starting at 1.
func (s *Session) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := atomic.AddInt64(&s.nextID, 1)

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, mcperrors.New(mcperrors.KindInvalidParams, "", method, err)
	}
	req := wire.Request{JSONRPC: wire.JSONRPCVersion, ID: id, Method: method, Params: raw}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, mcperrors.New(mcperrors.KindInvalidParams, "", method, err)
	}

	call := &pendingCall{resultCh: make(chan *pendingResult, 1)}
	key := idKey(float64(id))

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, mcperrors.New(mcperrors.KindCancelled, "", method, fmt.Errorf("session closed"))
	}
	s.pending[key] = call
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, key)
		s.mu.Unlock()
	}()

	if err := s.send(ctx, data); err != nil {
		return nil, mcperrors.New(mcperrors.KindTransport, "", method, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-call.resultCh:
		if result.cancelled {
			return nil, mcperrors.New(mcperrors.KindCancelled, "", method, fmt.Errorf("session shut down"))
		}
		if result.resp.Error != nil {
			return nil, mcperrors.New(mcperrors.KindRemote, "", method, result.resp.Error)
		}
		return result.resp.Result, nil
	case <-timer.C:
		return nil, mcperrors.New(mcperrors.KindTimeout, "", method, fmt.Errorf("%s timed out after %s", method, timeout))
	case <-ctx.Done():
		return nil, mcperrors.New(mcperrors.KindCancelled, "", method, ctx.Err())
	}
}

// Notify sends a fire-and-forget notification (no id, no response expected).
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return mcperrors.New(mcperrors.KindInvalidParams, "", method, err)
	}
	n := wire.Notification{JSONRPC: wire.JSONRPCVersion, Method: method, Params: raw}
	data, err := json.Marshal(n)
	if err != nil {
		return mcperrors.New(mcperrors.KindInvalidParams, "", method, err)
	}
	if err := s.send(ctx, data); err != nil {
		return mcperrors.New(mcperrors.KindTransport, "", method, err)
	}
	return nil
}

// Respond sends a pre-built response frame, used by the server-mode request
// handler path (the proxy answering a remote tools/call).
func (s *Session) Respond(ctx context.Context, resp *wire.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return mcperrors.New(mcperrors.KindInternal, "", "respond", err)
	}
	return s.send(ctx, data)
}

// envelope peeks at the minimum fields needed to route an inbound frame.
type envelope struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
}

// HandleMessage routes one inbound frame: a response is matched to its
// pending call by id; a frame with a method and an id member present (even
// if its value is null) is a request; a request whose id is null is rejected
// with InvalidParams before any handler runs, echoing the null id back; a
// frame with a method and no id member at all is a notification.
func (s *Session) HandleMessage(ctx context.Context, raw []byte) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return mcperrors.New(mcperrors.KindInvalidParams, "", "handle-message", err)
	}

	idPresent := len(env.ID) > 0
	idIsNull := idPresent && string(env.ID) == "null"

	if env.Method == "" {
		// No method: must be a response to one of our own calls.
		var resp wire.Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			return mcperrors.New(mcperrors.KindInvalidParams, "", "handle-message", err)
		}
		return s.dispatchResponse(&resp)
	}

	if idPresent && idIsNull {
		return s.Respond(ctx, &wire.Response{
			JSONRPC: wire.JSONRPCVersion,
			ID:      nil,
			Error:   &wire.RPCError{Code: wire.InvalidParamsCode, Message: "id must not be null"},
		})
	}

	if idPresent {
		var req wire.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			return mcperrors.New(mcperrors.KindInvalidParams, "", "handle-message", err)
		}
		s.mu.Lock()
		handler := s.requestHandler
		s.mu.Unlock()
		if handler == nil {
			return nil
		}
		resp := handler(ctx, &req)
		if resp == nil {
			return nil
		}
		return s.Respond(ctx, resp)
	}

	// No id member at all, has method: a notification.
	var n wire.Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return mcperrors.New(mcperrors.KindInvalidParams, "", "handle-message", err)
	}
	s.mu.Lock()
	handler := s.notifyHandler
	s.mu.Unlock()
	if handler != nil {
		handler(n.Method, n.Params)
	}
	return nil
}

func (s *Session) dispatchResponse(resp *wire.Response) error {
	key := idKey(normalizeID(resp.ID))
	s.mu.Lock()
	call, ok := s.pending[key]
	s.mu.Unlock()
	if !ok {
		return nil // late or unknown response; drop
	}
	select {
	case call.resultCh <- &pendingResult{resp: resp}:
	default:
	}
	return nil
}

// normalizeID converts a decoded `any` id (json.Unmarshal turns numbers into
// float64) into the same representation idKey uses when a Call assigns it.
func normalizeID(id any) any {
	return id
}

// Shutdown completes every pending call with a Cancelled error and marks the
// session closed; further Call attempts fail immediately.
func (s *Session) Shutdown() {
	s.mu.Lock()
	s.closed = true
	pending := s.pending
	s.pending = make(map[string]*pendingCall)
	s.mu.Unlock()

	for _, call := range pending {
		select {
		case call.resultCh <- &pendingResult{cancelled: true}:
		default:
		}
	}
}
