// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package tether

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// State is the connection state of a Client.
type State int

const (
	StateIdle         State = iota // not connected; the next send connects
	StateConnecting                // a connect section is running
	StateConnected                 // the transport is open and a session is bound
	StateReconnecting              // the transport was lost and is being restored
	StateDisconnected              // reconnection failed; only Connect recovers
	StateClosed                    // Close was called; terminal
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("STATE:%d", int(s))
	}
}

// EventKind identifies a connection lifecycle event.
type EventKind int

const (
	EventConnected              EventKind = iota + 1 // first session established
	EventReconnecting                                // unexpected transport loss
	EventReconnectedSameSession                      // session resumed after reconnect
	EventReconnectedNewSession                       // session replaced after reconnect
	EventConnectionFailed                            // an explicit or initial connect failed
	EventDisconnected                                // reconnection policy exhausted
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventReconnecting:
		return "reconnecting"
	case EventReconnectedSameSession:
		return "reconnectedSameSession"
	case EventReconnectedNewSession:
		return "reconnectedNewSession"
	case EventConnectionFailed:
		return "connectionFailed"
	case EventDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("event:%d", int(k))
	}
}

// An Event reports a change in the connection lifecycle.
type Event struct {
	Kind      EventKind
	SessionID string // the session bound after the event, if any
	Err       error  // the cause, for failure events
}

func (e Event) String() string {
	if e.Err != nil {
		return fmt.Sprintf("%v(%q): %v", e.Kind, e.SessionID, e.Err)
	}
	return fmt.Sprintf("%v(%q)", e.Kind, e.SessionID)
}

// listeners is a set of registered event callbacks.
type listeners struct {
	μ    sync.Mutex
	next int
	fns  map[int]func(Event)
}

func (l *listeners) add(f func(Event)) func() {
	l.μ.Lock()
	defer l.μ.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]func(Event))
	}
	l.next++
	id := l.next
	l.fns[id] = f
	return func() {
		l.μ.Lock()
		defer l.μ.Unlock()
		delete(l.fns, id)
	}
}

func (l *listeners) emit(e Event) {
	l.μ.Lock()
	fns := make([]func(Event), 0, len(l.fns))
	for _, f := range l.fns {
		fns = append(fns, f)
	}
	l.μ.Unlock()
	for _, f := range fns {
		f(e)
	}
}

// handshake describes how a connect handshake bound the session.
type handshake struct {
	prior     string // the session id offered, or ""
	sessionID string // the session id bound by the server
	rejected  bool   // the server rejected the prior session
	gen       uint64 // the transport generation it ran on
}

// resumed reports whether the prior session was kept.
func (h handshake) resumed() bool { return h.prior != "" && h.prior == h.sessionID }

// runHandshake executes the connect protocol on the open transport, under
// the connection lock. If the server rejects the offered session id, the id
// is cleared and the handshake is repeated without one.
func (c *Client) runHandshake(ctx context.Context) (handshake, error) {
	c.μ.Lock()
	hs := handshake{prior: c.session}
	c.μ.Unlock()

	rsp, err := c.roundTrip(ctx, MethodConnect, nil, hs.prior)
	if err == nil && isInvalidSession(rsp) && hs.prior != "" {
		c.log.Info("server rejected session, requesting a new one", "session", hs.prior)
		hs.rejected = true
		c.setSession("")
		rsp, err = c.roundTrip(ctx, MethodConnect, nil, "")
	}
	if err != nil {
		return hs, err
	} else if rsp.Error != nil {
		err := &CallError{Method: MethodConnect, ID: rsp.ID, Response: rsp}
		if isInvalidSession(rsp) {
			err.Err = ErrSessionInvalid
		}
		return hs, err
	}

	hs.sessionID = rsp.SessionID
	if hs.sessionID == "" {
		var res struct {
			SessionID string `json:"sessionId"`
		}
		if len(rsp.Result) != 0 && json.Unmarshal(rsp.Result, &res) == nil {
			hs.sessionID = res.SessionID
		}
	}
	if hs.sessionID == "" && !hs.rejected {
		hs.sessionID = hs.prior // the server kept the session without echoing it
	}
	if hs.sessionID == "" {
		return hs, &CallError{
			Method:   MethodConnect,
			ID:       rsp.ID,
			Err:      fmt.Errorf("%w: handshake did not assign a session", ErrProtocol),
			Response: rsp,
		}
	}
	c.setSession(hs.sessionID)
	return hs, nil
}

// roundTrip sends a call on the currently open transport without passing
// through the connection check, and waits for its response. A service error
// is returned in the response rather than as an error.
func (c *Client) roundTrip(ctx context.Context, method string, params any, sessionID string) (*Response, error) {
	if params == nil {
		params = map[string]any{}
	}
	id := c.nextID()
	data, err := encodeRequest(id, method, params, sessionID)
	if err != nil {
		return nil, callError(method, id, err)
	}
	pc := &pendingCall{method: method, done: make(chan Result, 1)}
	if !c.pending.register(id, pc, c.cfg.RequestTimeout, nil) {
		return nil, callError(method, id, ErrClosed)
	}
	if err := c.write(data); err != nil {
		c.pending.remove(id)
		return nil, callError(method, id, err)
	}
	res, err := c.await(ctx, id, pc, c.cfg.RequestTimeout)
	if err != nil {
		return nil, err
	}
	if res.Err != nil {
		var ce *CallError
		if errors.As(res.Err, &ce) && ce.Err == nil {
			return res.Response, nil // service error, inspected by the caller
		}
		return nil, res.Err
	}
	return res.Response, nil
}

// setSession updates the bound session id.
func (c *Client) setSession(id string) {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.session = id
}

// adoptSession binds id if no session is currently bound.
func (c *Client) adoptSession(id string) {
	if id == "" {
		return
	}
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.session == "" && c.state != StateClosed {
		c.session = id
	}
}

// notifySession reports session creation and termination to the handler, if
// it observes sessions. It must not be called with locks held.
func (c *Client) notifySession(closed, opened string) {
	c.μ.Lock()
	h := c.handler
	c.μ.Unlock()
	obs, ok := h.(SessionObserver)
	if !ok {
		return
	}
	ctx := c.handlerContext()
	if closed != "" {
		obs.AfterConnectionClosed(ctx, closed)
	}
	if opened != "" {
		obs.AfterConnectionEstablished(ctx, opened)
	}
}
