// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package tether

import (
	"context"
	"errors"
	"sync"
)

// A Handler processes calls and notifications initiated by the server.
//
// The result value must marshal to JSON; it is ignored for notifications. If
// the handler reports an error of concrete type *Error, that error is sent
// to the server as given. Any other error is reported with the code
// CodeInternalError and the text of the error as its message.
type Handler interface {
	Handle(ctx context.Context, req *Request) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(context.Context, *Request) (any, error)

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, req *Request) (any, error) { return f(ctx, req) }

// A SessionObserver is a Handler that also wants to know when sessions are
// created and destroyed. A client calls AfterConnectionEstablished when a
// new session is bound, and AfterConnectionClosed when a session is replaced
// or the client is closed. A session that is resumed after a reconnect is
// not reported.
type SessionObserver interface {
	Handler
	AfterConnectionEstablished(ctx context.Context, sessionID string)
	AfterConnectionClosed(ctx context.Context, sessionID string)
}

// Mux is a Handler that routes requests by method name. The zero value is
// ready for use and has no methods registered.
type Mux struct {
	μ       sync.RWMutex
	methods map[string]Handler
}

// Register binds h to the specified method. If h == nil, the method is
// removed. The method "" is a wildcard that receives any request for which
// no other method is registered. Register returns m to permit chaining.
func (m *Mux) Register(method string, h Handler) *Mux {
	m.μ.Lock()
	defer m.μ.Unlock()
	if h == nil {
		delete(m.methods, method)
		return m
	}
	if m.methods == nil {
		m.methods = make(map[string]Handler)
	}
	m.methods[method] = h
	return m
}

// Handle implements the Handler interface. A request for a method that is
// not registered reports CodeMethodNotFound.
func (m *Mux) Handle(ctx context.Context, req *Request) (any, error) {
	m.μ.RLock()
	h, ok := m.methods[req.Method]
	if !ok {
		h, ok = m.methods[""]
	}
	m.μ.RUnlock()
	if !ok {
		return nil, Errorf(CodeMethodNotFound, "method %q not found", req.Method)
	}
	return h.Handle(ctx, req)
}

// dispatch routes an inbound request to the handler. Sequential dispatch
// runs the handler on the receive path, so that requests are handled in
// arrival order; otherwise handlers run concurrently on the worker pool.
func (c *Client) dispatch(req *Request) {
	c.metrics.callIn.Add(1)
	if c.cfg.SequentialDispatch {
		c.serve(req)
	} else {
		c.run(func() { c.serve(req) })
	}
}

// serve invokes the handler for req and sends the reply, if one is due.
func (c *Client) serve(req *Request) {
	c.metrics.callActive.Add(1)
	defer c.metrics.callActive.Add(-1)

	c.μ.Lock()
	h, session := c.handler, c.session
	c.μ.Unlock()

	result, err := c.invoke(h, req)
	if err != nil {
		c.metrics.callInErr.Add(1)
	}
	if req.IsNotification() {
		if err != nil {
			c.log.Debug("notification handler failed", "method", req.Method, "err", err)
		}
		return
	}

	var rerr *Error
	if err != nil && !errors.As(err, &rerr) {
		rerr = &Error{Code: CodeInternalError, Message: err.Error()}
	}
	data, err := encodeReply(req.ID, result, rerr, session)
	if err != nil {
		c.log.Error("encoding reply failed", "method", req.Method, "err", err)
		data, err = encodeReply(req.ID, nil, Errorf(CodeInternalError, "%v", err), session)
		if err != nil {
			return
		}
	}
	if err := c.write(data); err != nil {
		c.log.Debug("sending reply failed", "method", req.Method, "err", err)
	}
}

// invoke calls h, converting a panic to an internal error.
func (c *Client) invoke(h Handler, req *Request) (result any, err error) {
	if h == nil {
		return nil, Errorf(CodeMethodNotFound, "method %q not found", req.Method)
	}
	defer func() {
		if x := recover(); x != nil {
			c.log.Error("handler panicked (recovered)", "method", req.Method, "panic", x)
			result, err = nil, Errorf(CodeInternalError, "handler panicked: %v", x)
		}
	}()
	return h.Handle(c.handlerContext(), req)
}

// Compile-time interface checks.
var _ Handler = (*Mux)(nil)
