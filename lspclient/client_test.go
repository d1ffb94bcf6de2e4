package lspclient

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/firi/lspwire/dispatch"
	"github.com/firi/lspwire/jsonrpc2"
	"github.com/firi/lspwire/transport"
)

// runFakeServer plays the role of a minimal LSP server over a pipe pair:
// it answers initialize and shutdown, stops on exit, and ignores
// everything else.
func runFakeServer(t *testing.T, codec *jsonrpc2.Codec) {
	t.Helper()
	go func() {
		for {
			env, err := codec.ReadMessage()
			if err != nil {
				return
			}
			switch env.Method {
			case "initialize":
				resp, _ := jsonrpc2.NewResultResponse(env.ID, map[string]any{
					"capabilities": map[string]bool{"hoverProvider": true},
				})
				_ = codec.WriteMessage(resp)
			case "shutdown":
				resp, _ := jsonrpc2.NewResultResponse(env.ID, nil)
				_ = codec.WriteMessage(resp)
			case "exit":
				return
			}
		}
	}()
}

func newTestClient(t *testing.T) (*Client, func()) {
	t.Helper()
	adapter, serverR, serverW := transport.NewPipeAdapter()
	serverCodec := jsonrpc2.NewCodec(serverR, serverW)
	runFakeServer(t, serverCodec)

	c := New(adapter)
	return c, func() {}
}

func TestClientLifecycleHappyPath(t *testing.T) {
	c, cleanup := newTestClient(t)
	defer cleanup()

	require.Equal(t, StateUnstarted, c.State())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, c.Initialize(ctx, "file:///workspace"))
	require.Equal(t, StateInitialized, c.State())

	select {
	case <-c.Ready():
	default:
		t.Fatal("expected Ready() to be closed after Initialize")
	}

	require.NoError(t, c.Shutdown(ctx))
	require.Equal(t, StateShutdown, c.State())

	select {
	case <-c.Done():
	default:
		t.Fatal("expected Done() to be closed after Shutdown")
	}
}

func TestClientDoubleInitializeRejected(t *testing.T) {
	c, cleanup := newTestClient(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, c.Initialize(ctx, "file:///workspace"))
	err := c.Initialize(ctx, "file:///workspace")
	require.Error(t, err)
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)

	_ = c.Shutdown(ctx)
}

func TestClientSendRequestBeforeInitializeRejected(t *testing.T) {
	c, cleanup := newTestClient(t)
	defer cleanup()

	ctx := context.Background()
	_, err := SendRequest[json.RawMessage](c, ctx, "textDocument/hover", nil)
	require.Error(t, err)
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
}

func TestClientRegisterHandlerAfterStartRejected(t *testing.T) {
	c, cleanup := newTestClient(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Initialize(ctx, "file:///workspace"))
	defer c.Shutdown(ctx)

	_, err := c.RegisterHandler(dispatch.Handler{
		Method: "window/logMessage",
		Kind:   dispatch.Notification,
		OnNotification: func(params json.RawMessage) {},
	})
	require.Error(t, err)
}

func TestClientInitializeNullResultIsProtocolViolation(t *testing.T) {
	adapter, serverR, serverW := transport.NewPipeAdapter()
	serverCodec := jsonrpc2.NewCodec(serverR, serverW)
	go func() {
		for {
			env, err := serverCodec.ReadMessage()
			if err != nil {
				return
			}
			if env.Method == "initialize" {
				resp, _ := jsonrpc2.NewResultResponse(env.ID, nil)
				_ = serverCodec.WriteMessage(resp)
			}
		}
	}()

	c := New(adapter)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := c.Initialize(ctx, "file:///workspace")
	require.ErrorIs(t, err, ErrProtocolViolation)
	require.Equal(t, StateUnstarted, c.State())
}

func TestClientShutdownIdempotent(t *testing.T) {
	c, cleanup := newTestClient(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Initialize(ctx, "file:///workspace"))
	require.NoError(t, c.Shutdown(ctx))
	require.NoError(t, c.Shutdown(ctx))
}
