// Package conn implements the Connection: the three cooperative loops
// (send, receive, dispatch) that move JSON-RPC messages between a local
// caller and a remote language server, plus the bookkeeping — pending
// response correlation and inbound-request cancellation — that makes
// sendRequest and cancellation work across those loops.
package conn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/firi/lspwire/dispatch"
	"github.com/firi/lspwire/jsonrpc2"
)

// State is the Connection's lifecycle state, spec'd as
// Closed -> Open -> Closing -> Closed.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// closeFlushTimeout bounds how long Close waits for the outbound queue to
// drain before giving up and failing whatever is left.
const closeFlushTimeout = 5 * time.Second

const outboundQueueCapacity = 256
const inboundQueueCapacity = 256

type outboundItem struct {
	envelope *jsonrpc2.Envelope
}

type pendingSlot struct {
	resultCh chan pendingResult
}

type pendingResult struct {
	result json.RawMessage
	err    error
}

// cancelRequestParams mirrors LSP's $/cancelRequest notification payload.
type cancelRequestParams struct {
	ID json.RawMessage `json:"id"`
}

// Option configures a Connection at construction time.
type Option func(*Connection)

// WithLogger overrides the default slog.Logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Connection) { c.log = l }
}

// Connection owns one jsonrpc2.Codec and drives the send, receive, and
// dispatch loops over it once Open is called.
type Connection struct {
	codec      *jsonrpc2.Codec
	dispatcher *dispatch.Dispatcher
	log        *slog.Logger

	outbound chan outboundItem
	inbound  chan *jsonrpc2.Envelope

	nextID atomic.Uint64

	pendingMu sync.Mutex
	pending   map[string]*pendingSlot

	inflightMu sync.Mutex
	inflight   map[string]context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc

	state   State
	stateMu sync.Mutex

	closed chan struct{}
}

// New builds a Connection over codec, routing inbound requests and
// notifications through dispatcher. The Connection is not usable until
// Open is called.
func New(codec *jsonrpc2.Codec, dispatcher *dispatch.Dispatcher, opts ...Option) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		codec:      codec,
		dispatcher: dispatcher,
		log:        slog.Default(),
		outbound:   make(chan outboundItem, outboundQueueCapacity),
		inbound:    make(chan *jsonrpc2.Envelope, inboundQueueCapacity),
		pending:    make(map[string]*pendingSlot),
		inflight:   make(map[string]context.CancelFunc),
		ctx:        ctx,
		cancel:     cancel,
		closed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open transitions the Connection to Open and starts the three loops.
// It returns immediately; loop failures surface through Closed()'s
// eventual close and through subsequent SendRequest/SendNotification
// errors.
func (c *Connection) Open() error {
	c.stateMu.Lock()
	if c.state != StateClosed {
		c.stateMu.Unlock()
		return fmt.Errorf("conn: Open called in state %s", c.state)
	}
	c.state = StateOpen
	c.stateMu.Unlock()

	eg, egCtx := errgroup.WithContext(c.ctx)
	eg.Go(func() error { return c.sendLoop(egCtx) })
	eg.Go(func() error { return c.receiveLoop() })
	eg.Go(func() error { return c.dispatchLoop() })

	go func() {
		_ = eg.Wait()
		c.finishClose()
	}()

	c.log.Info("connection opened")
	return nil
}

// Closed is closed once the Connection has fully shut down: all loops
// exited and all pending requests resolved.
func (c *Connection) Closed() <-chan struct{} { return c.closed }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// sendLoop drains the outbound queue and writes frames until the
// connection is canceled.
func (c *Connection) sendLoop(ctx context.Context) error {
	for {
		select {
		case item, ok := <-c.outbound:
			if !ok {
				return nil
			}
			if err := c.codec.WriteMessage(item.envelope); err != nil {
				c.log.Error("send loop write failed", slog.String("error", err.Error()))
				c.beginClose()
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// receiveLoop reads frames and either resolves a pending response or
// enqueues the message for the dispatch loop.
func (c *Connection) receiveLoop() error {
	for {
		env, err := c.codec.ReadMessage()
		if err != nil {
			c.log.Info("receive loop ending", slog.String("reason", err.Error()))
			c.beginClose()
			return err
		}

		switch {
		case env.IsResponse():
			c.resolvePending(env)
		default:
			select {
			case c.inbound <- env:
			case <-c.ctx.Done():
				return nil
			}
		}
	}
}

// dispatchLoop routes inbound requests/notifications to the dispatcher.
// Request handlers run in their own goroutine, with a cancelable context
// wired to $/cancelRequest, so the loop never blocks on them; notification
// handlers run inline on the loop, in arrival order.
func (c *Connection) dispatchLoop() error {
	for {
		select {
		case env, ok := <-c.inbound:
			if !ok {
				return nil
			}
			c.routeInbound(env)
		case <-c.ctx.Done():
			return nil
		}
	}
}

func (c *Connection) routeInbound(env *jsonrpc2.Envelope) {
	if env.IsNotification() {
		if env.Method == "$/cancelRequest" {
			c.handleCancelRequest(env.Params)
			return
		}
		if len(env.Params) == 0 {
			if c.dispatcher.TryHandleEmptyNotification(env.Method) {
				return
			}
		}
		if c.dispatcher.TryHandleNotification(env.Method, env.Params) {
			return
		}
		c.log.Debug("no handler for notification", slog.String("method", env.Method))
		return
	}

	// Request: spawn the handler so the dispatch loop never blocks, and
	// wire up a cancelable context rooted in the connection.
	idKey := string(env.ID)
	reqCtx, cancel := context.WithCancel(c.ctx)
	c.inflightMu.Lock()
	c.inflight[idKey] = cancel
	c.inflightMu.Unlock()

	go func() {
		defer func() {
			c.inflightMu.Lock()
			delete(c.inflight, idKey)
			c.inflightMu.Unlock()
			cancel()
		}()
		c.handleRequest(reqCtx, env)
	}()
}

// handleRequest invokes the dispatcher for env and enqueues the response.
// A handler that panics is treated the same as one that returns an error:
// the panic is recovered here (the dispatch loop must survive a single bad
// handler) and reported as a handler-failure response carrying a stack
// trace, per spec §7's handler-failure taxonomy entry.
func (c *Connection) handleRequest(ctx context.Context, env *jsonrpc2.Envelope) {
	result, err := c.invokeHandler(ctx, env)
	if err == errMethodNotFound {
		c.enqueueResponse(jsonrpc2.NewErrorResponse(env.ID, jsonrpc2.NewError(jsonrpc2.MethodNotFound, "method not found: "+env.Method)))
		return
	}

	// Open Question #1: a canceled inbound request gets no response at
	// all, not an error response — silence is the chosen behavior.
	if ctx.Err() != nil {
		return
	}

	if err != nil {
		if rpcErr, ok := err.(*jsonrpc2.Error); ok {
			c.enqueueResponse(jsonrpc2.NewErrorResponse(env.ID, rpcErr))
		} else {
			c.enqueueResponse(jsonrpc2.NewErrorResponse(env.ID, jsonrpc2.NewErrorWithData(jsonrpc2.HandlerFailureCode, err.Error(), string(debug.Stack()))))
		}
		return
	}

	resp, marshalErr := jsonrpc2.NewResultResponse(env.ID, result)
	if marshalErr != nil {
		c.enqueueResponse(jsonrpc2.NewErrorResponse(env.ID, jsonrpc2.NewErrorWithData(jsonrpc2.HandlerFailureCode, marshalErr.Error(), nil)))
		return
	}
	c.enqueueResponse(resp)
}

// errMethodNotFound is a sentinel used only to signal "no handler" out of
// invokeHandler; it never reaches a caller outside this file.
var errMethodNotFound = fmt.Errorf("dispatch: method not found")

// invokeHandler runs the dispatcher's handler for env, recovering a panic
// into a handler-failure error carrying the stack in its Data field.
func (c *Connection) invokeHandler(ctx context.Context, env *jsonrpc2.Envelope) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("handler panicked", slog.String("method", env.Method), slog.Any("panic", r))
			err = jsonrpc2.NewErrorWithData(jsonrpc2.HandlerFailureCode, fmt.Sprintf("handler panic: %v", r), string(debug.Stack()))
		}
	}()
	var found bool
	result, err, found = c.dispatcher.TryHandleRequest(ctx, env.Method, env.Params)
	if !found {
		return nil, errMethodNotFound
	}
	return result, err
}

func (c *Connection) enqueueResponse(env *jsonrpc2.Envelope) {
	select {
	case c.outbound <- outboundItem{envelope: env}:
	case <-c.ctx.Done():
	}
}

func (c *Connection) handleCancelRequest(params json.RawMessage) {
	var p cancelRequestParams
	if err := json.Unmarshal(params, &p); err != nil {
		c.log.Debug("malformed $/cancelRequest", slog.String("error", err.Error()))
		return
	}
	c.inflightMu.Lock()
	cancel, ok := c.inflight[string(p.ID)]
	c.inflightMu.Unlock()
	if ok {
		cancel()
	}
}

func (c *Connection) resolvePending(env *jsonrpc2.Envelope) {
	c.pendingMu.Lock()
	slot, ok := c.pending[string(env.ID)]
	if ok {
		delete(c.pending, string(env.ID))
	}
	c.pendingMu.Unlock()
	if !ok {
		c.log.Debug("response for unknown request id", slog.String("id", string(env.ID)))
		return
	}
	var err error
	if env.Error != nil {
		err = env.Error
	}
	slot.resultCh <- pendingResult{result: env.Result, err: err}
}

// nextRequestID returns the next monotonically increasing request id,
// formatted as a JSON string per spec §4.4.2.
func (c *Connection) nextRequestID() (uint64, json.RawMessage) {
	id := c.nextID.Add(1)
	raw, _ := json.Marshal(strconv.FormatUint(id, 10))
	return id, raw
}

// SendRequest sends method/params as a request and blocks until a
// response arrives, ctx is done, or the connection closes. It decodes
// the result into a value of type T.
func SendRequest[T any](c *Connection, ctx context.Context, method string, params any) (T, error) {
	var zero T

	if c.State() != StateOpen {
		return zero, fmt.Errorf("conn: SendRequest on connection in state %s", c.State())
	}

	id, idRaw := c.nextRequestID()
	env, err := jsonrpc2.NewRequest(id, method, params)
	if err != nil {
		return zero, err
	}

	slot := &pendingSlot{resultCh: make(chan pendingResult, 1)}
	idKey := string(idRaw)
	c.pendingMu.Lock()
	c.pending[idKey] = slot
	c.pendingMu.Unlock()

	cleanup := func() {
		c.pendingMu.Lock()
		delete(c.pending, idKey)
		c.pendingMu.Unlock()
	}

	select {
	case c.outbound <- outboundItem{envelope: env}:
	case <-c.ctx.Done():
		cleanup()
		return zero, fmt.Errorf("conn: connection closed before request could be sent")
	case <-ctx.Done():
		cleanup()
		return zero, ctx.Err()
	}

	select {
	case res := <-slot.resultCh:
		if res.err != nil {
			return zero, res.err
		}
		if len(res.result) == 0 || string(res.result) == "null" {
			return zero, nil
		}
		var out T
		if err := json.Unmarshal(res.result, &out); err != nil {
			return zero, fmt.Errorf("conn: decode result: %w", err)
		}
		return out, nil
	case <-ctx.Done():
		cleanup()
		c.sendCancelNotification(idRaw)
		return zero, ctx.Err()
	case <-c.ctx.Done():
		cleanup()
		return zero, fmt.Errorf("conn: connection closed: %w", c.ctx.Err())
	}
}

func (c *Connection) sendCancelNotification(idRaw json.RawMessage) {
	env, err := jsonrpc2.NewNotification("$/cancelRequest", cancelRequestParams{ID: idRaw})
	if err != nil {
		return
	}
	select {
	case c.outbound <- outboundItem{envelope: env}:
	default:
		c.log.Debug("dropped outbound $/cancelRequest: queue full")
	}
}

// SendNotification sends a fire-and-forget notification with a payload.
func (c *Connection) SendNotification(method string, params any) error {
	if c.State() != StateOpen {
		return fmt.Errorf("conn: SendNotification on connection in state %s", c.State())
	}
	env, err := jsonrpc2.NewNotification(method, params)
	if err != nil {
		return err
	}
	select {
	case c.outbound <- outboundItem{envelope: env}:
		return nil
	case <-c.ctx.Done():
		return fmt.Errorf("conn: connection closed")
	}
}

// SendEmptyNotification sends a fire-and-forget notification with no
// payload.
func (c *Connection) SendEmptyNotification(method string) error {
	return c.SendNotification(method, nil)
}

// RegisterHandler registers a handler for inbound requests/notifications.
func (c *Connection) RegisterHandler(h dispatch.Handler) (dispatch.Release, error) {
	return c.dispatcher.Register(h)
}

// beginClose moves the connection into Closing without waiting; it is
// called from receiveLoop when the transport itself has gone away, so
// there is nothing left to flush.
func (c *Connection) beginClose() {
	c.stateMu.Lock()
	if c.state == StateClosing {
		c.stateMu.Unlock()
		return
	}
	c.state = StateClosing
	c.stateMu.Unlock()
	c.cancel()
	_ = c.codec.Close()
}

// Close begins the close protocol: stop accepting new work, give the
// outbound queue up to closeFlushTimeout to drain, then cancel the
// cancellation root (failing every pending request and every inflight
// handler context) and wait for the loops to exit. Closing the codec's
// underlying transport is what actually unblocks a loop parked in a
// blocking Read or Write on a stream (such as an io.Pipe or a process
// pipe) that does not itself observe context cancellation.
func (c *Connection) Close() error {
	c.stateMu.Lock()
	if c.state == StateClosed {
		c.stateMu.Unlock()
		return nil
	}
	alreadyClosing := c.state == StateClosing
	c.state = StateClosing
	c.stateMu.Unlock()

	if !alreadyClosing {
		deadline := time.After(closeFlushTimeout)
	flush:
		for {
			select {
			case <-deadline:
				break flush
			default:
				if len(c.outbound) == 0 {
					break flush
				}
				time.Sleep(10 * time.Millisecond)
			}
		}
	}

	c.cancel()
	_ = c.codec.Close()
	<-c.closed
	return nil
}

func (c *Connection) finishClose() {
	c.pendingMu.Lock()
	for id, slot := range c.pending {
		slot.resultCh <- pendingResult{err: fmt.Errorf("conn: transport closed")}
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	c.setState(StateClosed)
	close(c.closed)
	c.log.Info("connection closed")
}
