// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package tethertest provides an in-memory server for testing clients.
//
// A [Server] speaks the session protocol expected by a tether.Client: it
// answers "connect" by creating or resuming a session, "ping" with "pong",
// and removes a session on "closeSession". Other methods are served by
// handlers registered with [Server.Handle]. Each connection is an in-memory
// channel from github.com/creachadair/jrpc2/channel, so tests can drop
// connections, reject sessions, and fail dials on demand.
package tethertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/creachadair/jrpc2/channel"
	"github.com/creachadair/taskgroup"
	"github.com/creachadair/tether"
	"github.com/creachadair/tether/transport"
	"github.com/google/uuid"
)

// ErrNoReply may be returned by a Handler to suppress the reply to a call.
var ErrNoReply = errors.New("no reply")

// A Handler serves a request sent by the client to the server.
type Handler func(ctx context.Context, req *tether.Request) (any, error)

// Server is an in-memory server for tether clients. The zero value is not
// ready for use; call NewServer.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc
	tasks  *taskgroup.Group

	μ        sync.Mutex
	sessions map[string]bool
	handlers map[string]Handler
	conn     *conn // the most recent connection, or nil
	dials    int
	dialErr  error
	pong     any
	received []*tether.Request
	nextID   int64
	pending  map[int64]chan *tether.Response
}

// NewServer constructs a new server with no sessions.
func NewServer() *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		ctx:      ctx,
		cancel:   cancel,
		tasks:    taskgroup.New(nil),
		sessions: make(map[string]bool),
		handlers: make(map[string]Handler),
		pong:     tether.PongValue,
		pending:  make(map[int64]chan *tether.Response),
	}
}

// Transport returns a new client transport that connects to s.
func (s *Server) Transport() *transport.ChannelTransport { return transport.Channel(s.Dial) }

// Dial opens a new connection to s. It reports the error set by SetDialError,
// if any.
func (s *Server) Dial(ctx context.Context) (channel.Channel, error) {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.dials++
	if s.dialErr != nil {
		return nil, s.dialErr
	} else if err := s.ctx.Err(); err != nil {
		return nil, fmt.Errorf("server closed: %w", err)
	}
	cli, srv := channel.Direct()
	c := &conn{ch: srv}
	s.conn = c
	s.tasks.Go(func() error { s.serve(c); return nil })
	return cli, nil
}

// Handle registers h for the specified method, replacing any existing
// handler, including the built-in handling of reserved methods. If h == nil,
// the handler is removed. Handle returns s to permit chaining.
func (s *Server) Handle(method string, h Handler) *Server {
	s.μ.Lock()
	defer s.μ.Unlock()
	if h == nil {
		delete(s.handlers, method)
	} else {
		s.handlers[method] = h
	}
	return s
}

// Dials reports the number of connections attempted so far.
func (s *Server) Dials() int {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.dials
}

// SetDialError causes subsequent dials to fail with err. If err == nil,
// dials succeed again.
func (s *Server) SetDialError(err error) {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.dialErr = err
}

// SetPong sets the value reported by the server in reply to a ping.
func (s *Server) SetPong(v any) {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.pong = v
}

// Sessions reports the ids of the sessions the server currently recognizes.
func (s *Server) Sessions() []string {
	s.μ.Lock()
	defer s.μ.Unlock()
	var out []string
	for id := range s.sessions {
		out = append(out, id)
	}
	return out
}

// InvalidateSessions forgets all sessions, so that a client offering a prior
// session id in its handshake is rejected.
func (s *Server) InvalidateSessions() {
	s.μ.Lock()
	defer s.μ.Unlock()
	clear(s.sessions)
}

// Received returns the requests and notifications received so far, in
// order of arrival.
func (s *Server) Received() []*tether.Request {
	s.μ.Lock()
	defer s.μ.Unlock()
	return append([]*tether.Request(nil), s.received...)
}

// Methods returns the method names of the messages received so far.
func (s *Server) Methods() []string {
	s.μ.Lock()
	defer s.μ.Unlock()
	out := make([]string, len(s.received))
	for i, req := range s.received {
		out[i] = req.Method
	}
	return out
}

// Drop closes the current connection from the server side, as if the
// network had failed. The session is kept.
func (s *Server) Drop() {
	s.μ.Lock()
	c := s.conn
	s.μ.Unlock()
	if c != nil {
		c.close()
	}
}

// SendRaw sends data verbatim to the client on the current connection.
func (s *Server) SendRaw(data []byte) error {
	s.μ.Lock()
	c := s.conn
	s.μ.Unlock()
	if c == nil {
		return errors.New("no connection")
	}
	return c.send(data)
}

// Call sends a call from the server to the client on the current connection
// and waits for the reply.
func (s *Server) Call(ctx context.Context, method string, params any) (*tether.Response, error) {
	s.μ.Lock()
	c := s.conn
	s.nextID++
	id := s.nextID
	done := make(chan *tether.Response, 1)
	s.pending[id] = done
	s.μ.Unlock()
	defer func() {
		s.μ.Lock()
		defer s.μ.Unlock()
		delete(s.pending, id)
	}()

	if c == nil {
		return nil, errors.New("no connection")
	}
	data, err := encode(message{ID: json.RawMessage(strconv.FormatInt(id, 10)), Method: method}, params, c.sessionID())
	if err != nil {
		return nil, err
	}
	if err := c.send(data); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case rsp := <-done:
		if rsp.Error != nil {
			return rsp, rsp.Error
		}
		return rsp, nil
	}
}

// Notify sends a notification from the server to the client on the current
// connection.
func (s *Server) Notify(method string, params any) error {
	s.μ.Lock()
	c := s.conn
	s.μ.Unlock()
	if c == nil {
		return errors.New("no connection")
	}
	data, err := encode(message{Method: method}, params, c.sessionID())
	if err != nil {
		return err
	}
	return c.send(data)
}

// Close closes the current connection and waits for all server goroutines
// to exit. Subsequent dials fail.
func (s *Server) Close() error {
	s.cancel()
	s.Drop()
	s.tasks.Wait()
	return nil
}

// serve reads messages from c until it closes.
func (s *Server) serve(c *conn) {
	defer c.close()
	for {
		data, err := c.ch.Recv()
		if err != nil {
			return
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Method == "" {
			s.deliver(&msg)
			continue
		}
		req := &tether.Request{ID: msg.ID, Method: msg.Method, Params: msg.Params, SessionID: msg.SessionID}
		s.μ.Lock()
		s.received = append(s.received, req)
		h := s.handlers[req.Method]
		s.μ.Unlock()
		s.tasks.Go(func() error {
			s.handle(c, h, req)
			return nil
		})
	}
}

// deliver routes a response from the client to a pending server call.
func (s *Server) deliver(msg *message) {
	id, err := strconv.ParseInt(string(msg.ID), 10, 64)
	if err != nil {
		return
	}
	s.μ.Lock()
	done, ok := s.pending[id]
	delete(s.pending, id)
	s.μ.Unlock()
	if ok {
		done <- &tether.Response{ID: id, Result: msg.Result, Error: msg.Error, SessionID: msg.SessionID}
	}
}

func (s *Server) handle(c *conn, h Handler, req *tether.Request) {
	var result any
	var err error
	if h != nil {
		result, err = h(s.ctx, req)
	} else {
		result, err = s.builtin(c, req)
	}
	if req.IsNotification() || errors.Is(err, ErrNoReply) {
		return
	}

	reply := message{ID: req.ID}
	if err != nil {
		var rerr *tether.Error
		if !errors.As(err, &rerr) {
			rerr = &tether.Error{Code: tether.CodeInternalError, Message: err.Error()}
		}
		reply.Error = rerr
	}
	data, err := encode(reply, result, c.sessionID())
	if err != nil {
		return
	}
	c.send(data) // errors here mean the client went away
}

// builtin implements the reserved methods.
func (s *Server) builtin(c *conn, req *tether.Request) (any, error) {
	switch req.Method {
	case tether.MethodConnect:
		s.μ.Lock()
		defer s.μ.Unlock()
		if req.SessionID != "" {
			if !s.sessions[req.SessionID] {
				return nil, tether.Errorf(tether.CodeInvalidSession, "invalid session %q", req.SessionID)
			}
			c.setSession(req.SessionID)
			return map[string]string{"sessionId": req.SessionID}, nil
		}
		id := uuid.NewString()
		s.sessions[id] = true
		c.setSession(id)
		return map[string]string{"sessionId": id}, nil

	case tether.MethodPing:
		s.μ.Lock()
		defer s.μ.Unlock()
		return map[string]any{"value": s.pong}, nil

	case tether.MethodCloseSession:
		s.μ.Lock()
		defer s.μ.Unlock()
		delete(s.sessions, req.SessionID)
		return nil, nil

	default:
		return nil, tether.Errorf(tether.CodeMethodNotFound, "method %q not found", req.Method)
	}
}

// message is the wire format of a message in either direction.
type message struct {
	Version   string          `json:"jsonrpc"`
	ID        json.RawMessage `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *tether.Error   `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// encode renders msg with the given payload as params (for requests) or the
// result (for successful replies).
func encode(msg message, payload any, sessionID string) ([]byte, error) {
	msg.Version = "2.0"
	msg.SessionID = sessionID
	if msg.Method == "" && msg.Error != nil {
		return json.Marshal(msg)
	}
	p, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if msg.Method != "" {
		if payload != nil {
			msg.Params = p
		}
	} else {
		msg.Result = p
	}
	return json.Marshal(msg)
}

// conn is one server-side connection.
type conn struct {
	ch channel.Channel

	sendμ sync.Mutex
	once  sync.Once

	μ       sync.Mutex
	session string
}

func (c *conn) send(data []byte) error {
	c.sendμ.Lock()
	defer c.sendμ.Unlock()
	return c.ch.Send(data)
}

func (c *conn) close() { c.once.Do(func() { c.ch.Close() }) }

func (c *conn) setSession(id string) {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.session = id
}

func (c *conn) sessionID() string {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.session
}
