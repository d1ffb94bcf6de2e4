// Package jsonrpc2 implements the JSON-RPC 2.0 envelope and the
// Content-Length framing codec that LSP layers on top of it.
package jsonrpc2

import (
	"encoding/json"
	"fmt"
	"strconv"
)

const Version = "2.0"

// Reserved error codes from the JSON-RPC and LSP specifications.
const (
	ParseError           = -32700
	InvalidRequest       = -32600
	MethodNotFound       = -32601
	InvalidParams        = -32602
	InternalError        = -32603
	ServerNotInitialized = -32002
	UnknownErrorCode     = -32001
	RequestCancelled     = -32800
	ContentModified      = -32801
)

// Envelope is the wire shape shared by requests, responses, and
// notifications. Exactly one of Method (request/notification) or
// Result/Error (response) is populated; ID is present on requests and
// responses, absent on notifications.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// IsRequest reports whether the envelope carries a method and an id,
// i.e. expects a response.
func (e *Envelope) IsRequest() bool {
	return e.Method != "" && len(e.ID) > 0
}

// IsNotification reports whether the envelope carries a method and no id.
func (e *Envelope) IsNotification() bool {
	return e.Method != "" && len(e.ID) == 0
}

// IsResponse reports whether the envelope carries no method, i.e. is a
// reply to a previously sent request.
func (e *Envelope) IsResponse() bool {
	return e.Method == "" && len(e.ID) > 0
}

// Error is a JSON-RPC error object. It implements the error interface so
// it can be returned directly from request-sending code.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc2: code %d: %s", e.Code, e.Message)
}

// NewError builds an *Error with the given code and message and no data.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorWithData builds an *Error carrying a JSON-marshalable diagnostic
// payload in its Data field. Marshal failures are swallowed; the error is
// still returned, just without Data.
func NewErrorWithData(code int, message string, data any) *Error {
	raw, err := json.Marshal(data)
	if err != nil {
		return &Error{Code: code, Message: message}
	}
	return &Error{Code: code, Message: message, Data: raw}
}

// HandlerFailureCode is the non-reserved JSON-RPC error code the core uses
// when an inbound request handler returns an error or panics, carrying the
// message and a diagnostic stack trace in Data.
const HandlerFailureCode = 500

// NewRequest builds a request Envelope with the given numeric id, written
// to the wire as a decimal string per spec §4.4.2.
func NewRequest(id uint64, method string, params any) (*Envelope, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	idJSON, err := json.Marshal(strconv.FormatUint(id, 10))
	if err != nil {
		return nil, err
	}
	return &Envelope{JSONRPC: Version, ID: idJSON, Method: method, Params: raw}, nil
}

// NewNotification builds a notification Envelope (no id).
func NewNotification(method string, params any) (*Envelope, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Envelope{JSONRPC: Version, Method: method, Params: raw}, nil
}

// NewResultResponse builds a successful response Envelope for the given
// request id.
func NewResultResponse(id json.RawMessage, result any) (*Envelope, error) {
	raw, err := marshalParams(result)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		raw = json.RawMessage("null")
	}
	return &Envelope{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response Envelope for the given
// request id.
func NewErrorResponse(id json.RawMessage, rpcErr *Error) *Envelope {
	return &Envelope{JSONRPC: Version, ID: id, Error: rpcErr}
}

func marshalParams(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jsonrpc2: marshal: %w", err)
	}
	return b, nil
}
