// Package lspclient implements the Language Client lifecycle state
// machine: a single-use wrapper that takes a server transport through
// Unstarted -> Starting -> Initialized -> ShuttingDown -> Shutdown,
// driving the initialize/initialized handshake and the shutdown/exit
// sequence over a conn.Connection.
package lspclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/firi/lspwire/conn"
	"github.com/firi/lspwire/dispatch"
	"github.com/firi/lspwire/jsonrpc2"
	"github.com/firi/lspwire/transport"
)

// State is the client lifecycle state.
type State int

const (
	StateUnstarted State = iota
	StateStarting
	StateInitialized
	StateShuttingDown
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateStarting:
		return "starting"
	case StateInitialized:
		return "initialized"
	case StateShuttingDown:
		return "shutting-down"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// StateError reports an operation attempted from a state that does not
// allow it.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("lspclient: %s not valid in state %s", e.Op, e.State)
}

// shutdownGrace bounds how long Shutdown waits for the server's reply to
// the shutdown request before going on to the exit notification.
const shutdownGrace = 5 * time.Second

// ErrProtocolViolation is returned by Initialize when the server responds
// to the initialize request with a null result, which spec §4.5 step 3
// calls out as a protocol violation rather than a valid (if minimal)
// capabilities set.
var ErrProtocolViolation = fmt.Errorf("lspclient: server returned null initialize result")

// Option configures a Client at construction time.
type Option func(*Client)

// WithLogger overrides the default slog.Logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithInitializationOptions sets the initializationOptions payload sent
// with the initialize request.
func WithInitializationOptions(opts any) Option {
	return func(c *Client) { c.initOptions = opts }
}

// Client is a single-use Language Client: once Shutdown completes, a new
// Client must be constructed to talk to a (possibly new) server.
type Client struct {
	adapter    transport.Adapter
	dispatcher *dispatch.Dispatcher
	conn       *conn.Connection
	log        *slog.Logger

	initOptions any

	mu                 sync.Mutex
	state              State
	serverCapabilities json.RawMessage

	ready chan struct{}
	done  chan struct{}
}

// New builds a Client over adapter. The Connection and Dispatcher are
// created internally; use RegisterHandler before Initialize to install
// notification/request handlers the server may call.
func New(adapter transport.Adapter, opts ...Option) *Client {
	c := &Client{
		adapter:    adapter,
		dispatcher: dispatch.New(),
		log:        slog.Default(),
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Ready is closed once Initialize has completed successfully.
func (c *Client) Ready() <-chan struct{} { return c.ready }

// ServerCapabilities returns the raw capabilities object the server sent
// in its initialize response. It is only meaningful after Ready is closed.
func (c *Client) ServerCapabilities() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverCapabilities
}

// Done is closed once the client has reached StateShutdown, whether via
// Shutdown or because the server process died unexpectedly.
func (c *Client) Done() <-chan struct{} { return c.done }

// RegisterHandler installs a handler for inbound requests/notifications.
// Must be called before Initialize.
func (c *Client) RegisterHandler(h dispatch.Handler) (dispatch.Release, error) {
	if c.State() != StateUnstarted {
		return nil, &StateError{Op: "RegisterHandler", State: c.State()}
	}
	return c.dispatcher.Register(h)
}

type initializeParams struct {
	ProcessID             *int            `json:"processId"`
	RootURI               string          `json:"rootUri,omitempty"`
	InitializationOptions json.RawMessage `json:"initializationOptions,omitempty"`
	Capabilities          capabilities    `json:"capabilities"`
}

type capabilities struct {
	Workspace    workspaceCapabilities    `json:"workspace,omitempty"`
	TextDocument textDocumentCapabilities `json:"textDocument,omitempty"`
}

type workspaceCapabilities struct {
	DidChangeWatchedFiles struct {
		DynamicRegistration bool `json:"dynamicRegistration"`
	} `json:"didChangeWatchedFiles,omitempty"`
}

type textDocumentCapabilities struct {
	Synchronization struct {
		DidSave bool `json:"didSave"`
	} `json:"synchronization,omitempty"`
	Hover struct {
		ContentFormat []string `json:"contentFormat,omitempty"`
	} `json:"hover,omitempty"`
}

type initializeResult struct {
	Capabilities json.RawMessage `json:"capabilities"`
}

// Initialize starts the server transport, opens the Connection, and runs
// the initialize/initialized handshake against workspaceRoot (a file URI
// or bare path — callers in the protocol package own URI conversion).
func (c *Client) Initialize(ctx context.Context, workspaceRoot string) error {
	c.mu.Lock()
	if c.state != StateUnstarted {
		state := c.state
		c.mu.Unlock()
		return &StateError{Op: "Initialize", State: state}
	}
	c.state = StateStarting
	c.mu.Unlock()

	if err := c.adapter.Start(); err != nil {
		c.setState(StateUnstarted)
		return fmt.Errorf("lspclient: start server: %w", err)
	}

	codec := jsonrpc2.NewCodec(c.adapter.Output(), c.adapter.Input())
	c.conn = conn.New(codec, c.dispatcher, conn.WithLogger(c.log))
	if err := c.conn.Open(); err != nil {
		return fmt.Errorf("lspclient: open connection: %w", err)
	}

	go c.watchServerExit()

	initOptsRaw, err := marshalOptional(c.initOptions)
	if err != nil {
		return fmt.Errorf("lspclient: marshal initialization options: %w", err)
	}

	pid := os.Getpid()
	params := initializeParams{
		ProcessID:             &pid,
		RootURI:               workspaceRoot,
		InitializationOptions: initOptsRaw,
	}
	params.TextDocument.Hover.ContentFormat = []string{"markdown", "plaintext"}
	params.Workspace.DidChangeWatchedFiles.DynamicRegistration = true

	rawResult, err := conn.SendRequest[json.RawMessage](c.conn, ctx, "initialize", params)
	if err != nil {
		c.setState(StateUnstarted)
		return fmt.Errorf("lspclient: initialize request: %w", err)
	}
	if len(rawResult) == 0 || string(rawResult) == "null" {
		c.setState(StateUnstarted)
		return ErrProtocolViolation
	}
	var result initializeResult
	if err := json.Unmarshal(rawResult, &result); err != nil {
		c.setState(StateUnstarted)
		return fmt.Errorf("lspclient: decode initialize result: %w", err)
	}
	c.mu.Lock()
	c.serverCapabilities = result.Capabilities
	c.mu.Unlock()

	if err := c.conn.SendNotification("initialized", struct{}{}); err != nil {
		c.setState(StateUnstarted)
		return fmt.Errorf("lspclient: initialized notification: %w", err)
	}

	c.setState(StateInitialized)
	close(c.ready)
	c.log.Info("language client initialized", slog.String("rootUri", workspaceRoot))
	return nil
}

// watchServerExit auto-transitions the client to Shutdown if the server
// process dies on its own, outside of a requested Shutdown.
func (c *Client) watchServerExit() {
	select {
	case <-c.adapter.Exited():
		if c.State() != StateShuttingDown && c.State() != StateShutdown {
			c.log.Warn("server exited unexpectedly", slog.Any("error", c.adapter.ExitError()))
			c.finalizeShutdown()
		}
	case <-c.done:
	}
}

// Shutdown runs the shutdown/exit sequence: a shutdown request, an exit
// notification, closing the Connection, then stopping the transport via
// the adapter's Stop (which escalates to a forced kill on its own
// deadline if the process lingers).
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateShutdown:
		c.mu.Unlock()
		return nil
	case StateUnstarted, StateStarting:
		c.mu.Unlock()
		return &StateError{Op: "Shutdown", State: c.state}
	}
	c.state = StateShuttingDown
	c.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()

	if _, err := conn.SendRequest[json.RawMessage](c.conn, shutdownCtx, "shutdown", nil); err != nil {
		c.log.Warn("shutdown request failed", slog.String("error", err.Error()))
	}
	if err := c.conn.SendEmptyNotification("exit"); err != nil {
		c.log.Warn("exit notification failed", slog.String("error", err.Error()))
	}

	_ = c.conn.Close()
	if err := c.adapter.Stop(); err != nil {
		c.log.Warn("stop adapter failed", slog.String("error", err.Error()))
	}

	c.finalizeShutdown()
	return nil
}

func (c *Client) finalizeShutdown() {
	c.mu.Lock()
	if c.state == StateShutdown {
		c.mu.Unlock()
		return
	}
	c.state = StateShutdown
	c.mu.Unlock()
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// SendRequest forwards to the underlying Connection, failing with a
// StateError unless the client is Initialized.
func SendRequest[T any](c *Client, ctx context.Context, method string, params any) (T, error) {
	var zero T
	if c.State() != StateInitialized {
		return zero, &StateError{Op: "SendRequest(" + method + ")", State: c.State()}
	}
	return conn.SendRequest[T](c.conn, ctx, method, params)
}

// SendNotification forwards to the underlying Connection.
func (c *Client) SendNotification(method string, params any) error {
	if c.State() != StateInitialized {
		return &StateError{Op: "SendNotification(" + method + ")", State: c.State()}
	}
	return c.conn.SendNotification(method, params)
}

func marshalOptional(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
