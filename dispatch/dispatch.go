// Package dispatch implements the method-name-keyed handler registry a
// Connection uses to route inbound messages without itself knowing
// anything about LSP method semantics.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Kind tags which of the four handler shapes a registration uses. LSP
// messages come in four flavors that matter to a dispatcher: a
// notification whose handler takes no payload, a notification whose
// handler receives its params, a request whose result is always a bare
// success/failure, and a full request/response with a typed result.
type Kind int

const (
	EmptyNotification Kind = iota
	Notification
	RequestNoResult
	Request
)

// EmptyNotificationFunc handles a notification the caller does not need
// the payload for (e.g. a liveness ping).
type EmptyNotificationFunc func()

// NotificationFunc handles a notification with a payload.
type NotificationFunc func(params json.RawMessage)

// RequestNoResultFunc handles a request that only ever succeeds or fails,
// with no meaningful result payload. ctx is canceled if the connection
// closes or the server sends $/cancelRequest for this request's id; a
// handler that wants to support cancellation should select on ctx.Done().
type RequestNoResultFunc func(ctx context.Context, params json.RawMessage) error

// RequestFunc handles a request and returns a JSON-marshalable result (or
// an error, which the Connection turns into a JSON-RPC error response).
// ctx carries the same cancellation semantics as RequestNoResultFunc's.
type RequestFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Handler is one registered method handler. Exactly one of the four func
// fields is set, matching Kind.
type Handler struct {
	Method string
	Kind   Kind

	OnEmptyNotification EmptyNotificationFunc
	OnNotification      NotificationFunc
	OnRequestNoResult   RequestNoResultFunc
	OnRequest           RequestFunc
}

// Release unregisters the handler it was returned for.
type Release func()

// Dispatcher is a method-name-keyed registry of Handlers. It is safe for
// concurrent use.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// New returns an empty Dispatcher.
func New() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register adds h, keyed by h.Method. It returns an error if a handler
// is already registered for that method, and otherwise a Release that
// removes the registration.
func (d *Dispatcher) Register(h Handler) (Release, error) {
	if h.Method == "" {
		return nil, fmt.Errorf("dispatch: handler method must not be empty")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[h.Method]; exists {
		return nil, fmt.Errorf("dispatch: handler already registered for method %q", h.Method)
	}
	d.handlers[h.Method] = h
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.handlers, h.Method)
	}, nil
}

func (d *Dispatcher) lookup(method string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[method]
	return h, ok
}

// TryHandleEmptyNotification runs the registered EmptyNotification
// handler for method, if any, and reports whether one was found.
func (d *Dispatcher) TryHandleEmptyNotification(method string) bool {
	h, ok := d.lookup(method)
	if !ok || h.Kind != EmptyNotification || h.OnEmptyNotification == nil {
		return false
	}
	h.OnEmptyNotification()
	return true
}

// TryHandleNotification runs the registered Notification handler for
// method, if any, and reports whether one was found.
func (d *Dispatcher) TryHandleNotification(method string, params json.RawMessage) bool {
	h, ok := d.lookup(method)
	if !ok || h.Kind != Notification || h.OnNotification == nil {
		return false
	}
	h.OnNotification(params)
	return true
}

// TryHandleRequest runs the registered request handler (RequestNoResult
// or Request) for method, if any, passing it ctx so it can observe
// cancellation while running. found reports whether a handler exists;
// result and err are only meaningful when found is true.
func (d *Dispatcher) TryHandleRequest(ctx context.Context, method string, params json.RawMessage) (result any, err error, found bool) {
	h, ok := d.lookup(method)
	if !ok {
		return nil, nil, false
	}
	switch h.Kind {
	case RequestNoResult:
		if h.OnRequestNoResult == nil {
			return nil, nil, false
		}
		return nil, h.OnRequestNoResult(ctx, params), true
	case Request:
		if h.OnRequest == nil {
			return nil, nil, false
		}
		result, err = h.OnRequest(ctx, params)
		return result, err, true
	default:
		return nil, nil, false
	}
}
