// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package tether

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/taskgroup"
	"golang.org/x/time/rate"
)

// A Client maintains a session with a server over a Transport. It issues
// calls and notifications, dispatches calls initiated by the server to a
// Handler, and restores the connection when the transport is lost.
//
// Create a client with NewClient. The client connects lazily on the first
// send, or explicitly with Connect. Call Close to shut it down, and Wait to
// wait for its worker goroutines to exit. The methods of a Client are safe
// for concurrent use by multiple goroutines.
type Client struct {
	trans   Transport
	cfg     Config
	log     *slog.Logger
	plog    MessageLogger
	base    func() context.Context
	metrics *clientMetrics
	limiter *rate.Limiter

	ctx    context.Context // ends when the client closes
	cancel context.CancelFunc

	// Holding a value in connLock grants the right to open the transport.
	connLock chan struct{}

	μ         sync.Mutex
	state     State
	changed   chan struct{} // closed and replaced on each state change
	session   string        // bound session id, or ""
	gen       uint64        // transport generation
	handler   Handler
	connected bool   // whether any session was ever established
	lostGen   uint64 // generation last lost during a handshake
	lostErr   error  // the cause of that loss

	ids    atomic.Int64 // last assigned request id
	lastIO atomic.Int64 // time of last traffic, in Unix nanoseconds

	pending *pendingTable
	events  listeners

	tasks     *taskgroup.Group // callbacks and inbound handlers
	slots     chan struct{}    // bounds concurrency of tasks
	workers   *taskgroup.Group // reconnect and keepalive loops
	reconnect chan uint64      // generations lost, for the reconnect worker
}

// NewClient constructs a client that communicates over t. If opts == nil,
// default options are used. The client does not connect until Connect is
// called or a message is sent.
func NewClient(t Transport, opts *Options) *Client {
	cfg := opts.config()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		trans:     t,
		cfg:       cfg,
		log:       opts.logger(),
		plog:      opts.logMessages(),
		base:      opts.baseContext(),
		limiter:   rate.NewLimiter(rate.Inf, 1),
		ctx:       ctx,
		cancel:    cancel,
		connLock:  make(chan struct{}, 1),
		changed:   make(chan struct{}),
		tasks:     taskgroup.New(nil),
		slots:     make(chan struct{}, cfg.Workers),
		workers:   taskgroup.New(nil),
		reconnect: make(chan uint64, 1),
	}
	if cfg.ReconnectRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.ReconnectRate), 1)
	}
	c.pending = newPendingTable(c.run)
	c.metrics = newClientMetrics(c.pending.len)

	c.workers.Go(func() error { return c.reconnectLoop(ctx) })
	if cfg.HeartbeatInterval > 0 || cfg.IdleTimeout > 0 {
		c.workers.Go(func() error { return c.keepalive(ctx) })
	}
	return c
}

// Metrics returns the metrics map for c. It is safe for the caller to add
// additional metrics to the map while the client is active.
func (c *Client) Metrics() *expvar.Map { return c.metrics.emap }

// State reports the current connection state of c.
func (c *Client) State() State {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.state
}

// SessionID reports the session id currently bound, or "" if none.
func (c *Client) SessionID() string {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.session
}

// SetHandler sets the handler for calls initiated by the server. Passing nil
// removes the handler, so that inbound calls report an unknown method.
// SetHandler returns c to permit chaining.
func (c *Client) SetHandler(h Handler) *Client {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.handler = h
	return c
}

// Listen registers f to be called for each lifecycle event, and returns a
// function that unregisters f.
//
// Events are delivered synchronously on the goroutine that caused them,
// which may be the transport's receive path. A listener that blocks stalls
// all inbound traffic, including handshake replies, so f must not block or
// wait for a call on c to complete.
func (c *Client) Listen(f func(Event)) (cancel func()) { return c.events.add(f) }

// Connect establishes the transport and the session, if they are not already
// established. Unlike an implicit connect by a send, Connect also recovers a
// client that is Disconnected. If a reconnect cycle is running, Connect waits
// for it to finish.
func (c *Client) Connect(ctx context.Context) error { return c.ensure(ctx, true) }

// Close shuts down the client. All pending calls fail with ErrClosed, and
// all later sends fail with ErrClosed without touching the transport. If
// NotifyOnClose is set and the client is connected, a closeSession
// notification is sent first. Close does not wait for running handlers and
// callbacks; use Wait for that.
func (c *Client) Close() error {
	c.μ.Lock()
	if c.state == StateClosed {
		c.μ.Unlock()
		return nil
	}
	prev, session := c.state, c.session
	c.session = ""
	c.gen++
	c.setStateLocked(StateClosed)
	c.μ.Unlock()

	if prev == StateConnected && c.cfg.NotifyOnClose {
		if data, err := encodeRequest(0, MethodCloseSession, nil, session); err == nil {
			if err := c.write(data); err != nil {
				c.log.Debug("close notification failed", "err", err)
			} else {
				c.metrics.notifyOut.Add(1)
			}
		}
	}
	c.cancel()
	n := c.pending.close(func(pc *pendingCall, id int64) error {
		return &CallError{Method: pc.method, ID: id, Err: ErrClosed}
	})
	err := c.trans.Close()
	c.log.Info("client closed", "session", session, "cancelled", n)
	if session != "" {
		c.notifySession(session, "")
	}
	return err
}

// Wait blocks until the worker goroutines of a closed client have exited,
// including any handlers and callbacks still running. It must not be called
// from a handler, callback, or event listener of c.
func (c *Client) Wait() {
	c.workers.Wait()
	c.tasks.Wait()
}

// ensure makes sure the transport is open and a session is bound. A client
// that is Disconnected is reconnected only if explicit is true.
func (c *Client) ensure(ctx context.Context, explicit bool) error {
	for {
		c.μ.Lock()
		state, changed := c.state, c.changed
		c.μ.Unlock()

		switch state {
		case StateConnected:
			return nil
		case StateClosed:
			return ErrClosed
		case StateDisconnected:
			if !explicit {
				return fmt.Errorf("%w: disconnected", ErrTransport)
			}
		case StateReconnecting:
			select {
			case <-changed:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := c.connect(ctx, explicit); !errors.Is(err, errBusy) {
			return err
		}
	}
}

// errBusy is reported by connect when a reconnect cycle owns the connection.
var errBusy = errors.New("reconnect in progress")

// connect runs a connect section: it opens the transport and performs the
// handshake. Concurrent callers are serialized by the connection lock, so
// that only one of them opens the transport.
func (c *Client) connect(ctx context.Context, explicit bool) error {
	if err := c.lock(ctx); err != nil {
		return err
	}
	c.μ.Lock()
	switch c.state {
	case StateConnected:
		c.μ.Unlock()
		c.unlock()
		return nil
	case StateClosed:
		c.μ.Unlock()
		c.unlock()
		return ErrClosed
	case StateReconnecting:
		c.μ.Unlock()
		c.unlock()
		return errBusy
	case StateDisconnected:
		if !explicit {
			c.μ.Unlock()
			c.unlock()
			return fmt.Errorf("%w: disconnected", ErrTransport)
		}
	}
	c.setStateLocked(StateConnecting)
	c.μ.Unlock()

	hs, err := c.establish(ctx)

	c.μ.Lock()
	if c.state == StateClosed {
		c.μ.Unlock()
		c.unlock()
		if err == nil {
			c.trans.Close()
		}
		return ErrClosed
	}
	if err != nil {
		c.setStateLocked(StateDisconnected)
		c.μ.Unlock()
		c.unlock()

		c.log.Warn("connect failed", "err", err)
		c.events.emit(Event{Kind: EventConnectionFailed, SessionID: hs.prior, Err: err})
		return err
	}
	first := !c.connected
	c.connected = true
	c.setStateLocked(StateConnected)
	dropped, cause := c.lostGen == hs.gen, c.lostErr
	c.μ.Unlock()
	c.unlock()

	c.log.Info("connected", "session", hs.sessionID, "resumed", hs.resumed())
	switch {
	case first:
		c.events.emit(Event{Kind: EventConnected, SessionID: hs.sessionID})
	case hs.resumed():
		c.events.emit(Event{Kind: EventReconnectedSameSession, SessionID: hs.sessionID})
	default:
		c.events.emit(Event{Kind: EventReconnectedNewSession, SessionID: hs.sessionID})
	}
	if !hs.resumed() {
		c.notifySession(hs.prior, hs.sessionID)
	}
	if dropped {
		// The transport failed after the server answered the handshake.
		// Treat it as a loss of the new connection and let the caller wait
		// for the reconnect cycle.
		c.lost(hs.gen, cause)
		return errBusy
	}
	return nil
}

// establish opens a new transport generation and runs the handshake. The
// caller must hold the connection lock.
func (c *Client) establish(ctx context.Context) (handshake, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectionTimeout)
	defer cancel()

	c.μ.Lock()
	c.gen++
	gen := c.gen
	prior := c.session
	c.μ.Unlock()

	if c.trans.Connected() {
		c.trans.Close() // discard the stale connection
	}
	if err := c.trans.Connect(ctx, receiver{c: c, gen: gen}); err != nil {
		return handshake{prior: prior}, fmt.Errorf("%w: connect: %v", ErrTransport, err)
	}
	c.lastIO.Store(time.Now().UnixNano())

	hs, err := c.runHandshake(ctx)
	hs.gen = gen
	if err != nil {
		c.trans.Close()
		return hs, err
	}
	return hs, nil
}

// lost handles the loss of transport generation gen. If the client was
// connected on that generation, outstanding calls are cancelled and a
// reconnect cycle is queued. Loss during a connect section fails the calls
// in flight and is recorded, so that a section whose handshake already
// succeeded does not report a dead connection as connected.
func (c *Client) lost(gen uint64, cause error) {
	c.μ.Lock()
	if gen != c.gen {
		c.μ.Unlock()
		return
	}
	switch c.state {
	case StateConnected:
	case StateConnecting, StateReconnecting:
		c.lostGen, c.lostErr = gen, cause
		c.μ.Unlock()
		c.cancelPending(cause)
		return
	default:
		c.μ.Unlock()
		return
	}
	session := c.session
	c.setStateLocked(StateReconnecting)
	c.μ.Unlock()

	c.log.Warn("transport lost", "session", session, "err", cause)
	c.trans.Close()
	c.cancelPending(cause)
	c.events.emit(Event{Kind: EventReconnecting, SessionID: session, Err: cause})
	select {
	case c.reconnect <- gen:
	default:
	}
}

func (c *Client) cancelPending(cause error) {
	err := fmt.Errorf("%w: connection lost", ErrTransport)
	if cause != nil {
		err = fmt.Errorf("%w: connection lost: %v", ErrTransport, cause)
	}
	c.pending.cancelAll(func(pc *pendingCall, id int64) error {
		return &CallError{Method: pc.method, ID: id, Err: err}
	})
}

// lock acquires the connection lock, waiting no longer than the configured
// lock timeout.
func (c *Client) lock(ctx context.Context) error {
	t := time.NewTimer(c.cfg.LockTimeout)
	defer t.Stop()
	select {
	case c.connLock <- struct{}{}:
		return nil
	case <-t.C:
		c.log.Error("connection lock timeout", "timeout", c.cfg.LockTimeout)
		return ErrLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrClosed
	}
}

func (c *Client) unlock() { <-c.connLock }

// setStateLocked records a state transition and wakes goroutines waiting
// for one. The caller must hold c.μ.
func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.log.Debug("state change", "from", c.state, "to", s)
	c.state = s
	close(c.changed)
	c.changed = make(chan struct{})
}

// write sends one encoded message on the transport.
func (c *Client) write(data []byte) error {
	if c.plog != nil {
		c.plog(MessageInfo{Data: data, Sent: true})
	}
	if err := c.trans.Send(data); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	c.metrics.msgSent.Add(1)
	c.lastIO.Store(time.Now().UnixNano())
	return nil
}

// receive handles one inbound message on transport generation gen.
func (c *Client) receive(gen uint64, data []byte) {
	c.metrics.msgRecv.Add(1)
	c.lastIO.Store(time.Now().UnixNano())
	if c.plog != nil {
		c.plog(MessageInfo{Data: data, Sent: false})
	}

	req, rsp, err := decodeMessage(data)
	if err != nil {
		c.metrics.msgDropped.Add(1)
		c.log.Debug("dropped malformed message", "err", err)
		return
	}
	if rsp != nil {
		c.adoptSession(rsp.SessionID)
		ok := c.pending.resolve(rsp.ID, func(pc *pendingCall) Result {
			if rsp.Error != nil {
				return Result{Response: rsp, Err: &CallError{Method: pc.method, ID: rsp.ID, Response: rsp}}
			}
			return Result{Response: rsp}
		})
		if !ok {
			// Unknown, late, or duplicate; the caller already has its answer.
			c.metrics.unmatched.Add(1)
			c.log.Debug("discarded response for unknown request", "id", rsp.ID)
		}
		return
	}

	c.μ.Lock()
	stale := gen != c.gen || c.state == StateClosed
	c.μ.Unlock()
	if stale {
		c.metrics.msgDropped.Add(1)
		return
	}
	c.dispatch(req)
}

// run executes f on the worker pool. It does not block the caller.
func (c *Client) run(f func()) {
	c.tasks.Go(func() error {
		c.slots <- struct{}{}
		defer func() { <-c.slots }()
		defer func() {
			if x := recover(); x != nil {
				c.log.Error("callback panicked (recovered)", "panic", x)
			}
		}()
		f()
		return nil
	})
}

func (c *Client) nextID() int64 { return c.ids.Add(1) }

type clientContextKey struct{}

// ContextClient returns the Client associated with the given context, or nil
// if none is defined. The context passed to a Handler has this value.
func ContextClient(ctx context.Context) *Client {
	if v := ctx.Value(clientContextKey{}); v != nil {
		return v.(*Client)
	}
	return nil
}

func (c *Client) handlerContext() context.Context {
	return context.WithValue(c.base(), clientContextKey{}, c)
}
