package rpcsession

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpforge/aggregator/internal/mcperrors"
	"github.com/mcpforge/aggregator/internal/wire"
)

// loopback wires a Session's outgoing frames back into itself as if it were
// talking to an upstream that echoes a crafted response, letting tests drive
// both sides of the correlation without a real socket.
type loopback struct {
	sent chan []byte
}

func newLoopback() *loopback {
	return &loopback{sent: make(chan []byte, 8)}
}

func (l *loopback) send(_ context.Context, data []byte) error {
	l.sent <- data
	return nil
}

func TestCall_MatchesResponseByID(t *testing.T) {
	lb := newLoopback()
	s := New(lb.send)

	resultCh := make(chan json.RawMessage, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := s.Call(context.Background(), "tools/list", struct{}{}, time.Second)
		resultCh <- res
		errCh <- err
	}()

	raw := <-lb.sent
	var req wire.Request
	require.NoError(t, json.Unmarshal(raw, &req))

	resp := wire.Response{JSONRPC: wire.JSONRPCVersion, ID: req.ID, Result: json.RawMessage(`{"tools":[]}`)}
	respData, err := json.Marshal(resp)
	require.NoError(t, err)
	require.NoError(t, s.HandleMessage(context.Background(), respData))

	require.NoError(t, <-errCh)
	assert.JSONEq(t, `{"tools":[]}`, string(<-resultCh))
}

func TestCall_TimesOutWithNoResponse(t *testing.T) {
	lb := newLoopback()
	s := New(lb.send)

	_, err := s.Call(context.Background(), "tools/list", struct{}{}, 10*time.Millisecond)
	require.Error(t, err)
	kind, ok := mcperrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, mcperrors.KindTimeout, kind)
}

func TestCall_ConcurrentCallsDispatchToCorrectWaiter(t *testing.T) {
	lb := newLoopback()
	s := New(lb.send)

	done1 := make(chan json.RawMessage, 1)
	done2 := make(chan json.RawMessage, 1)
	go func() {
		res, _ := s.Call(context.Background(), "tools/call", map[string]any{"name": "a"}, time.Second)
		done1 <- res
	}()
	go func() {
		res, _ := s.Call(context.Background(), "tools/call", map[string]any{"name": "b"}, time.Second)
		done2 <- res
	}()

	var reqs []wire.Request
	for i := 0; i < 2; i++ {
		var req wire.Request
		require.NoError(t, json.Unmarshal(<-lb.sent, &req))
		reqs = append(reqs, req)
	}

	// Answer out of order (second request first) to prove dispatch is keyed
	// on id rather than send order.
	for i := len(reqs) - 1; i >= 0; i-- {
		resp := wire.Response{JSONRPC: wire.JSONRPCVersion, ID: reqs[i].ID, Result: json.RawMessage(`{"ok":true}`)}
		respData, err := json.Marshal(resp)
		require.NoError(t, err)
		require.NoError(t, s.HandleMessage(context.Background(), respData))
	}

	require.NotNil(t, <-done1)
	require.NotNil(t, <-done2)
}

func TestHandleMessage_DispatchesNotification(t *testing.T) {
	lb := newLoopback()
	s := New(lb.send)

	received := make(chan string, 1)
	s.OnNotification(func(method string, params json.RawMessage) {
		received <- method
	})

	n := wire.Notification{JSONRPC: wire.JSONRPCVersion, Method: wire.MethodToolsListChanged}
	data, err := json.Marshal(n)
	require.NoError(t, err)
	require.NoError(t, s.HandleMessage(context.Background(), data))

	select {
	case m := <-received:
		assert.Equal(t, wire.MethodToolsListChanged, m)
	case <-time.After(time.Second):
		t.Fatal("notification handler not invoked")
	}
}

func TestHandleMessage_DispatchesInboundRequestToHandler(t *testing.T) {
	lb := newLoopback()
	s := New(lb.send)

	s.OnRequest(func(ctx context.Context, req *wire.Request) *wire.Response {
		return &wire.Response{JSONRPC: wire.JSONRPCVersion, ID: req.ID, Result: json.RawMessage(`{"ok":true}`)}
	})

	req := wire.Request{JSONRPC: wire.JSONRPCVersion, ID: float64(42), Method: wire.MethodPing}
	data, err := json.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, s.HandleMessage(context.Background(), data))

	sent := <-lb.sent
	var resp wire.Response
	require.NoError(t, json.Unmarshal(sent, &resp))
	assert.InDelta(t, 42, resp.ID.(float64), 0)
}

func TestShutdown_CompletesPendingCallsWithError(t *testing.T) {
	lb := newLoopback()
	s := New(lb.send)

	done := make(chan error, 1)
	go func() {
		_, err := s.Call(context.Background(), "tools/list", struct{}{}, time.Second)
		done <- err
	}()
	<-lb.sent // wait until registered in pending map
	time.Sleep(10 * time.Millisecond)

	s.Shutdown()

	select {
	case err := <-done:
		require.Error(t, err)
		kind, ok := mcperrors.KindOf(err)
		require.True(t, ok)
		assert.Equal(t, mcperrors.KindCancelled, kind)
	case <-time.After(time.Second):
		t.Fatal("shutdown did not complete pending call")
	}
}

func TestHandleMessage_RejectsRequestWithNullID(t *testing.T) {
	lb := newLoopback()
	s := New(lb.send)

	called := false
	s.OnRequest(func(ctx context.Context, req *wire.Request) *wire.Response {
		called = true
		return &wire.Response{JSONRPC: wire.JSONRPCVersion, ID: req.ID, Result: json.RawMessage(`{"ok":true}`)}
	})

	raw := []byte(`{"jsonrpc":"2.0","id":null,"method":"ping"}`)
	require.NoError(t, s.HandleMessage(context.Background(), raw))

	assert.False(t, called, "requestHandler must not run for a null id")

	sent := <-lb.sent
	var resp wire.Response
	require.NoError(t, json.Unmarshal(sent, &resp))
	assert.Nil(t, resp.ID)
	require.NotNil(t, resp.Error)
	assert.Equal(t, wire.InvalidParamsCode, resp.Error.Code)
}

func TestHandleMessage_NotificationWithNoIDMemberIsNotRejected(t *testing.T) {
	lb := newLoopback()
	s := New(lb.send)

	received := make(chan string, 1)
	s.OnNotification(func(method string, params json.RawMessage) {
		received <- method
	})

	raw := []byte(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`)
	require.NoError(t, s.HandleMessage(context.Background(), raw))

	select {
	case m := <-received:
		assert.Equal(t, "notifications/tools/list_changed", m)
	case <-time.After(time.Second):
		t.Fatal("notification handler not invoked")
	}
}

func TestCall_AfterShutdownFailsImmediately(t *testing.T) {
	lb := newLoopback()
	s := New(lb.send)
	s.Shutdown()

	_, err := s.Call(context.Background(), "tools/list", struct{}{}, time.Second)
	require.Error(t, err)
	kind, ok := mcperrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, mcperrors.KindCancelled, kind)
}
