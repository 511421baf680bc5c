// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package tether

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Reserved method names used by the client.
const (
	// MethodConnect is the handshake that creates or resumes a session.
	MethodConnect = "connect"

	// MethodPing is the heartbeat probe. The reply result is an object whose
	// "value" member is PongValue.
	MethodPing = "ping"

	// MethodCloseSession is the notification sent before an explicit close,
	// if Config.NotifyOnClose is set.
	MethodCloseSession = "closeSession"

	// PongValue is the expected heartbeat payload.
	PongValue = "pong"
)

const protocolVersion = "2.0"

// wireMessage is the encoded form of every message exchanged with the
// server. Which fields are populated determines the kind of message.
type wireMessage struct {
	Version   string          `json:"jsonrpc,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Error          `json:"error,omitempty"`
	ID        json.RawMessage `json:"id,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// Request is an inbound or outbound request. A request without an ID is a
// notification.
type Request struct {
	ID        json.RawMessage // nil for notifications
	Method    string
	Params    json.RawMessage
	SessionID string
}

// IsNotification reports whether r is a notification.
func (r *Request) IsNotification() bool { return len(r.ID) == 0 || isNull(r.ID) }

// UnmarshalParams decodes the parameters of r into v. If r has no
// parameters, v is not modified.
func (r *Request) UnmarshalParams(v any) error {
	if len(r.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Params, v); err != nil {
		return Errorf(CodeInvalidParams, "invalid parameters: %v", err)
	}
	return nil
}

// String returns a human-friendly rendering of the request.
func (r *Request) String() string {
	if r.IsNotification() {
		return fmt.Sprintf("Notification(Method=%q, Params=%s)", r.Method, abbrev(r.Params))
	}
	return fmt.Sprintf("Request(ID=%s, Method=%q, Params=%s)", r.ID, r.Method, abbrev(r.Params))
}

// Response is a response to an outbound call. Exactly one of Result and
// Error is set.
type Response struct {
	ID        int64
	Result    json.RawMessage
	Error     *Error
	SessionID string
}

// UnmarshalResult decodes the result of r into v.
func (r *Response) UnmarshalResult(v any) error {
	if r.Error != nil {
		return r.Error
	}
	if len(r.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Result, v); err != nil {
		return fmt.Errorf("%w: decoding result: %v", ErrProtocol, err)
	}
	return nil
}

// String returns a human-friendly rendering of the response.
func (r *Response) String() string {
	if r.Error != nil {
		return fmt.Sprintf("Response(ID=%d, Error=%v)", r.ID, r.Error)
	}
	return fmt.Sprintf("Response(ID=%d, Result=%s)", r.ID, abbrev(r.Result))
}

// encodeRequest renders an outbound request. An id ≤ 0 makes a notification.
func encodeRequest(id int64, method string, params any, sessionID string) ([]byte, error) {
	msg := wireMessage{Version: protocolVersion, Method: method, SessionID: sessionID}
	if id > 0 {
		msg.ID = strconv.AppendInt(nil, id, 10)
	}
	if params != nil {
		p, err := marshalValue(params)
		if err != nil {
			return nil, fmt.Errorf("encoding params: %w", err)
		}
		msg.Params = p
	}
	return json.Marshal(msg)
}

// encodeReply renders the reply to an inbound request with the given id.
func encodeReply(id json.RawMessage, result any, rerr *Error, sessionID string) ([]byte, error) {
	msg := wireMessage{Version: protocolVersion, ID: id, SessionID: sessionID}
	if rerr != nil {
		msg.Error = rerr
	} else {
		r, err := marshalValue(result)
		if err != nil {
			return nil, fmt.Errorf("encoding result: %w", err)
		}
		msg.Result = r
	}
	return json.Marshal(msg)
}

func marshalValue(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case json.RawMessage:
		if len(t) == 0 {
			return json.RawMessage("null"), nil
		}
		return t, nil
	case []byte:
		if json.Valid(t) {
			return t, nil
		}
	}
	return json.Marshal(v)
}

// decodeMessage parses and classifies an inbound message. Exactly one of
// the results is non-nil when err == nil.
func decodeMessage(data []byte) (*Request, *Response, error) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, nil, fmt.Errorf("%w: invalid JSON: %v", ErrProtocol, err)
	}
	hasResult := len(msg.Result) != 0
	hasError := msg.Error != nil

	if msg.Method != "" {
		if hasResult || hasError {
			return nil, nil, fmt.Errorf("%w: request with result or error", ErrProtocol)
		}
		return &Request{
			ID:        msg.ID,
			Method:    msg.Method,
			Params:    msg.Params,
			SessionID: msg.SessionID,
		}, nil, nil
	}

	if len(msg.ID) == 0 || isNull(msg.ID) {
		return nil, nil, fmt.Errorf("%w: message has neither method nor id", ErrProtocol)
	} else if hasResult && hasError {
		return nil, nil, fmt.Errorf("%w: response with both result and error", ErrProtocol)
	} else if !hasResult && !hasError {
		return nil, nil, fmt.Errorf("%w: response with neither result nor error", ErrProtocol)
	}
	id, err := strconv.ParseInt(string(bytes.Trim(msg.ID, `"`)), 10, 64)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: invalid response id %s", ErrProtocol, msg.ID)
	}
	return nil, &Response{
		ID:        id,
		Result:    msg.Result,
		Error:     msg.Error,
		SessionID: msg.SessionID,
	}, nil
}

func isNull(v json.RawMessage) bool { return string(bytes.TrimSpace(v)) == "null" }

func abbrev(v json.RawMessage) string {
	if len(v) > 64 {
		return string(v[:64]) + " ..."
	}
	return string(v)
}
