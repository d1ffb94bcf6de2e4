package dispatch

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterDuplicateMethodRejected(t *testing.T) {
	d := New()
	_, err := d.Register(Handler{Method: "foo", Kind: EmptyNotification, OnEmptyNotification: func() {}})
	require.NoError(t, err)

	_, err = d.Register(Handler{Method: "foo", Kind: EmptyNotification, OnEmptyNotification: func() {}})
	require.Error(t, err)
}

func TestTryHandleRequestReturnsResult(t *testing.T) {
	d := New()
	_, err := d.Register(Handler{
		Method: "textDocument/hover",
		Kind:   Request,
		OnRequest: func(ctx context.Context, params json.RawMessage) (any, error) {
			return map[string]string{"ok": "yes"}, nil
		},
	})
	require.NoError(t, err)

	result, err, found := d.TryHandleRequest(context.Background(), "textDocument/hover", nil)
	require.True(t, found)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"ok": "yes"}, result)
}

func TestTryHandleRequestPassesContext(t *testing.T) {
	d := New()
	_, err := d.Register(Handler{
		Method: "demo/slow",
		Kind:   Request,
		OnRequest: func(ctx context.Context, params json.RawMessage) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err, _ := d.TryHandleRequest(ctx, "demo/slow", nil)
		done <- err
	}()
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestTryHandleRequestNotFound(t *testing.T) {
	d := New()
	_, _, found := d.TryHandleRequest(context.Background(), "unknown/method", nil)
	require.False(t, found)
}

func TestReleaseRemovesHandler(t *testing.T) {
	d := New()
	release, err := d.Register(Handler{Method: "ping", Kind: EmptyNotification, OnEmptyNotification: func() {}})
	require.NoError(t, err)

	require.True(t, d.TryHandleEmptyNotification("ping"))
	release()
	require.False(t, d.TryHandleEmptyNotification("ping"))
}

func TestTryHandleNotificationPassesParams(t *testing.T) {
	d := New()
	var got json.RawMessage
	_, err := d.Register(Handler{
		Method: "textDocument/publishDiagnostics",
		Kind:   Notification,
		OnNotification: func(params json.RawMessage) {
			got = params
		},
	})
	require.NoError(t, err)

	ok := d.TryHandleNotification("textDocument/publishDiagnostics", json.RawMessage(`{"uri":"file:///a"}`))
	require.True(t, ok)
	require.JSONEq(t, `{"uri":"file:///a"}`, string(got))
}
