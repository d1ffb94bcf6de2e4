package conn

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/firi/lspwire/dispatch"
	"github.com/firi/lspwire/jsonrpc2"
)

// harness wires a Connection's codec to a raw peer codec over in-memory
// pipes, so tests can play the role of the remote server.
type harness struct {
	conn *Connection
	peer *jsonrpc2.Codec

	// rawToClient is the same pipe writer peerOut feeds, exposed
	// unwrapped so a test can push bytes at the Connection's receive
	// loop without going through the peer codec's own framing (e.g. to
	// simulate a malformed frame).
	rawToClient *io.PipeWriter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clientIn, peerOut := io.Pipe()
	peerIn, clientOut := io.Pipe()

	clientCodec := jsonrpc2.NewCodec(clientIn, clientOut)
	peerCodec := jsonrpc2.NewCodec(peerIn, peerOut)

	c := New(clientCodec, dispatch.New())
	require.NoError(t, c.Open())

	t.Cleanup(func() {
		_ = c.Close()
	})

	return &harness{conn: c, peer: peerCodec, rawToClient: peerOut}
}

func TestSendRequestRoundTrip(t *testing.T) {
	h := newHarness(t)

	go func() {
		env, err := h.peer.ReadMessage()
		if err != nil {
			return
		}
		resp, _ := jsonrpc2.NewResultResponse(env.ID, map[string]string{"value": "42"})
		_ = h.peer.WriteMessage(resp)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := SendRequest[map[string]string](h.conn, ctx, "demo/echo", map[string]string{"value": "42"})
	require.NoError(t, err)
	require.Equal(t, "42", result["value"])
}

func TestSendRequestErrorResponse(t *testing.T) {
	h := newHarness(t)

	go func() {
		env, err := h.peer.ReadMessage()
		if err != nil {
			return
		}
		resp := jsonrpc2.NewErrorResponse(env.ID, jsonrpc2.NewError(jsonrpc2.InvalidParams, "bad params"))
		_ = h.peer.WriteMessage(resp)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := SendRequest[map[string]string](h.conn, ctx, "demo/echo", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "bad params")
}

func TestSendRequestCallerCancellationSendsCancelNotification(t *testing.T) {
	h := newHarness(t)

	cancelSeen := make(chan struct{})
	go func() {
		for {
			env, err := h.peer.ReadMessage()
			if err != nil {
				return
			}
			if env.Method == "$/cancelRequest" {
				close(cancelSeen)
				return
			}
			// never respond to the original request
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_, err := SendRequest[map[string]string](h.conn, ctx, "demo/slow", nil)
		require.ErrorIs(t, err, context.Canceled)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-cancelSeen:
	case <-time.After(2 * time.Second):
		t.Fatal("expected $/cancelRequest to be sent")
	}
	<-done
}

func TestInboundRequestHandledAndCancelable(t *testing.T) {
	h := newHarness(t)

	started := make(chan struct{})
	observedCancel := make(chan struct{})
	_, err := h.conn.RegisterHandler(dispatch.Handler{
		Method: "demo/slow",
		Kind:   dispatch.Request,
		OnRequest: func(ctx context.Context, params json.RawMessage) (any, error) {
			close(started)
			<-ctx.Done()
			close(observedCancel)
			return nil, ctx.Err()
		},
	})
	require.NoError(t, err)

	req, err := jsonrpc2.NewRequest(1, "demo/slow", nil)
	require.NoError(t, err)
	require.NoError(t, h.peer.WriteMessage(req))
	<-started

	idRaw, err := json.Marshal("1")
	require.NoError(t, err)
	cancelNote, err := jsonrpc2.NewNotification("$/cancelRequest", map[string]json.RawMessage{"id": idRaw})
	require.NoError(t, err)
	require.NoError(t, h.peer.WriteMessage(cancelNote))

	select {
	case <-observedCancel:
	case <-time.After(2 * time.Second):
		t.Fatal("expected $/cancelRequest to cancel the handler's context")
	}
}

func TestInboundNotificationDispatched(t *testing.T) {
	h := newHarness(t)

	got := make(chan string, 1)
	_, err := h.conn.RegisterHandler(dispatch.Handler{
		Method: "window/logMessage",
		Kind:   dispatch.Notification,
		OnNotification: func(params json.RawMessage) {
			got <- string(params)
		},
	})
	require.NoError(t, err)

	note, err := jsonrpc2.NewNotification("window/logMessage", map[string]string{"message": "hi"})
	require.NoError(t, err)
	require.NoError(t, h.peer.WriteMessage(note))

	select {
	case params := <-got:
		require.Contains(t, params, "hi")
	case <-time.After(2 * time.Second):
		t.Fatal("notification not dispatched")
	}
}

func TestCloseFailsPendingRequests(t *testing.T) {
	h := newHarness(t)

	ctx := context.Background()
	done := make(chan error, 1)
	go func() {
		_, err := SendRequest[map[string]string](h.conn, ctx, "demo/neverResponds", nil)
		done <- err
	}()

	// Let the request actually get queued before closing.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, h.conn.Close())

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("expected pending request to fail on close")
	}
}

// TestEmptyNotificationRoutedThroughConnection is spec §8 scenario 1: a
// registered EmptyNotification handler fires when the peer sends a
// notification with no params at all, dispatched through the full
// Connection (receive loop -> dispatch loop -> dispatcher), not just the
// Dispatcher in isolation.
func TestEmptyNotificationRoutedThroughConnection(t *testing.T) {
	h := newHarness(t)

	pinged := make(chan struct{})
	_, err := h.conn.RegisterHandler(dispatch.Handler{
		Method:               "ping",
		Kind:                 dispatch.EmptyNotification,
		OnEmptyNotification:  func() { close(pinged) },
	})
	require.NoError(t, err)

	note, err := jsonrpc2.NewNotification("ping", nil)
	require.NoError(t, err)
	require.NoError(t, h.peer.WriteMessage(note))

	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatal("expected empty notification to reach the handler")
	}
}

// TestSendRequestUnknownMethodObservesMethodNotFound is spec §8 scenario
// 4: sending a request for a method the peer doesn't recognize surfaces a
// json-rpc-error to SendRequest's caller carrying MethodNotFound's code,
// exercised end to end through Connection.SendRequest rather than the
// Dispatcher's found/not-found boolean alone.
func TestSendRequestUnknownMethodObservesMethodNotFound(t *testing.T) {
	h := newHarness(t)

	go func() {
		env, err := h.peer.ReadMessage()
		if err != nil {
			return
		}
		resp := jsonrpc2.NewErrorResponse(env.ID, jsonrpc2.NewError(jsonrpc2.MethodNotFound, "method not found: "+env.Method))
		_ = h.peer.WriteMessage(resp)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := SendRequest[map[string]string](h.conn, ctx, "nope", nil)
	require.Error(t, err)
	var rpcErr *jsonrpc2.Error
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, jsonrpc2.MethodNotFound, rpcErr.Code)
}

// TestBadFrameClosesConnectionAndFailsPending is spec §8 scenario 5: a
// frame with a bogus Content-Length followed by stream EOF must make the
// receive loop fail, which closes the Connection and fails every pending
// outbound request with transport-closed, all without an explicit Close()
// call from the test.
func TestBadFrameClosesConnectionAndFailsPending(t *testing.T) {
	h := newHarness(t)

	done := make(chan error, 1)
	go func() {
		_, err := SendRequest[map[string]string](h.conn, context.Background(), "demo/neverResponds", nil)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)

	_, err := h.rawToClient.Write([]byte("Content-Length: 999999999\r\n\r\n"))
	require.NoError(t, err)
	require.NoError(t, h.rawToClient.Close())

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("expected pending request to fail after a bad frame")
	}

	select {
	case <-h.conn.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("expected connection to close after a bad frame")
	}
	require.Equal(t, StateClosed, h.conn.State())
}
