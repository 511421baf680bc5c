// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package tether

import (
	"context"
	"fmt"
	"time"
)

// Call sends a call for the specified method and parameters to the server,
// and blocks until ctx ends, the response arrives, or the request timeout
// elapses. The params value must marshal to JSON; if params == nil it is
// omitted from the request.
//
// If the client is not connected, Call connects first. If a reconnect cycle
// is in progress, Call waits for it to finish.
//
// If the server reports a service error, Call returns a nil *Response and a
// *CallError whose Response field holds the error reply. All other errors are
// also of concrete type *CallError, wrapping ErrTransport, ErrTimeout,
// ErrClosed, ErrLockTimeout, or a context error.
func (c *Client) Call(ctx context.Context, method string, params any) (_ *Response, err error) {
	c.metrics.callOut.Add(1)
	defer func() {
		if err != nil {
			c.metrics.callOutErr.Add(1)
		}
	}()
	if err := c.ensure(ctx, false); err != nil {
		return nil, callError(method, 0, err)
	}
	id, pc, err := c.sendRequest(method, params, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.await(ctx, id, pc, c.cfg.RequestTimeout)
	if err != nil {
		return nil, err
	} else if res.Err != nil {
		return nil, res.Err
	}
	return res.Response, nil
}

// CallResult is as Call, but decodes a successful result into result, which
// must be a pointer. If result == nil, the result is discarded.
func (c *Client) CallResult(ctx context.Context, method string, params, result any) error {
	rsp, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	} else if result == nil {
		return nil
	}
	if err := rsp.UnmarshalResult(result); err != nil {
		return &CallError{Method: method, ID: rsp.ID, Err: err, Response: rsp}
	}
	return nil
}

// CallAsync sends a call and returns without waiting for the response. The
// callback is invoked exactly once with the outcome, on the worker pool and
// never on the caller's goroutine. The context governs only the connection
// that may be needed to send the request.
func (c *Client) CallAsync(ctx context.Context, method string, params any, callback func(Result)) {
	c.metrics.callOut.Add(1)
	fail := func(err error) {
		c.metrics.callOutErr.Add(1)
		c.run(func() { callback(Result{Err: err}) })
	}
	if err := c.ensure(ctx, false); err != nil {
		fail(callError(method, 0, err))
		return
	}
	cb := func(r Result) {
		if r.Err != nil {
			c.metrics.callOutErr.Add(1)
		}
		callback(r)
	}
	if _, _, err := c.sendRequest(method, params, cb); err != nil {
		fail(err)
	}
}

// Notify sends a notification for the specified method and parameters to the
// server. No response is expected, and none is tracked. Notify returns once
// the message has been handed to the transport.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	if err := c.ensure(ctx, false); err != nil {
		return callError(method, 0, err)
	}
	data, err := encodeRequest(0, method, params, c.SessionID())
	if err != nil {
		return callError(method, 0, err)
	}
	if err := c.write(data); err != nil {
		return callError(method, 0, err)
	}
	c.metrics.notifyOut.Add(1)
	return nil
}

// sendRequest assigns an id, registers a pending entry, and writes the
// request. If callback != nil the entry is resolved asynchronously and
// expires after the request timeout; otherwise the caller must await it.
func (c *Client) sendRequest(method string, params any, callback func(Result)) (int64, *pendingCall, error) {
	id := c.nextID()
	data, err := encodeRequest(id, method, params, c.SessionID())
	if err != nil {
		return id, nil, callError(method, id, err)
	}

	pc := &pendingCall{method: method, callback: callback}
	var expire func()
	if callback == nil {
		pc.done = make(chan Result, 1)
	} else {
		timeout := c.cfg.RequestTimeout
		expire = func() {
			if c.pending.remove(id) {
				c.run(func() { callback(Result{Err: c.timeoutError(method, id, timeout)}) })
			}
		}
	}
	if !c.pending.register(id, pc, c.cfg.RequestTimeout, expire) {
		return id, nil, callError(method, id, ErrClosed)
	}

	if err := c.write(data); err != nil {
		if c.pending.remove(id) {
			if pc.timer != nil {
				pc.timer.Stop()
			}
			return id, nil, callError(method, id, err)
		}
		// The entry was already resolved, for example by a cancellation
		// that raced with the failed write. Let the waiter observe that.
	}
	return id, pc, nil
}

// await waits for the pending entry pc registered under id. The entry is
// removed if the timeout elapses or ctx ends first.
func (c *Client) await(ctx context.Context, id int64, pc *pendingCall, timeout time.Duration) (Result, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case res := <-pc.done:
		return res, nil
	case <-t.C:
		if c.pending.remove(id) {
			return Result{}, c.timeoutError(pc.method, id, timeout)
		}
	case <-ctx.Done():
		if c.pending.remove(id) {
			return Result{}, &CallError{
				Method: pc.method,
				ID:     id,
				Err:    fmt.Errorf("call interrupted: %w", ctx.Err()),
			}
		}
	}
	// The entry was resolved concurrently; its result is already buffered.
	return <-pc.done, nil
}

func (c *Client) timeoutError(method string, id int64, timeout time.Duration) error {
	c.log.Debug("call timed out", "method", method, "id", id, "timeout", timeout)
	return &CallError{Method: method, ID: id, Err: fmt.Errorf("%w after %v", ErrTimeout, timeout)}
}
