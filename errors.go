// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package tether

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Sentinel errors reported by the client. Errors returned by [Client.Call]
// and delivered to [Client.CallAsync] callbacks have concrete type
// *CallError and wrap one of these, or a service *Error from the server.
var (
	// ErrTransport reports an I/O or channel failure, including loss of the
	// connection while a call was pending.
	ErrTransport = errors.New("transport error")

	// ErrTimeout reports that no response arrived within the request timeout.
	ErrTimeout = errors.New("request timed out")

	// ErrProtocol reports a malformed or unexpected message.
	ErrProtocol = errors.New("protocol error")

	// ErrSessionInvalid reports that the server rejected the session id.
	ErrSessionInvalid = errors.New("invalid session")

	// ErrClosed reports an operation attempted after Close.
	ErrClosed = errors.New("client is closed")

	// ErrLockTimeout reports that a connect or reconnect section could not be
	// entered in time.
	ErrLockTimeout = errors.New("timed out waiting for connection lock")
)

// Reserved error codes. The JSON-RPC 2.0 codes are used for replies to
// inbound calls; CodeInvalidSession is reported by servers that do not
// recognize a resumed session id.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeInvalidSession = 40007
)

// CallError is the concrete type of errors reported for outbound calls. For
// service errors, Err is nil and Response.Error holds the server's error
// object. Otherwise Err wraps one of the sentinel errors of this package, or
// a context error.
type CallError struct {
	Method   string    // the method that was called
	ID       int64     // the request id, 0 if none was assigned
	Err      error     // nil for service errors
	Response *Response // set if the error came from a response
}

// Unwrap reports the underlying error of c. For service errors this is the
// *Error reported by the server.
func (c *CallError) Unwrap() error {
	if c.Err != nil {
		return c.Err
	} else if c.Response != nil && c.Response.Error != nil {
		return c.Response.Error
	}
	return nil
}

// Error satisfies the error interface.
func (c *CallError) Error() string {
	if c.Err != nil {
		return fmt.Sprintf("call %q: %v", c.Method, c.Err)
	} else if c.Response != nil && c.Response.Error != nil {
		return fmt.Sprintf("call %q: service error: %v", c.Method, c.Response.Error)
	}
	return fmt.Sprintf("call %q failed", c.Method)
}

func callError(method string, id int64, err error) *CallError {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce
	}
	return &CallError{Method: method, ID: id, Err: err}
}

// Error is the JSON-RPC error object. It implements the error interface, so
// a Handler may return an *Error to control the code and data reported to
// the remote caller.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("[code %d] %s", e.Code, e.Message)
	}
	return e.Message
}

// Errorf constructs an *Error with the given code and formatted message.
func Errorf(code int, msg string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(msg, args...)}
}

// isInvalidSession reports whether rsp carries the invalid-session code.
func isInvalidSession(rsp *Response) bool {
	return rsp != nil && rsp.Error != nil && rsp.Error.Code == CodeInvalidSession
}
