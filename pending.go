// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package tether

import (
	"sync"
	"time"
)

// A Result is the outcome of an asynchronous call. Exactly one of Response
// and Err is set; a service error from the server is reported in Err as a
// *CallError and the Response is also populated.
type Result struct {
	*Response
	Err error
}

// pendingCall is an outstanding outbound call awaiting resolution.  Exactly
// one of done and callback is set.
type pendingCall struct {
	method   string
	done     chan Result  // blocking waiter, buffered
	callback func(Result) // async waiter, run via the dispatch pool
	deadline time.Time
	timer    *time.Timer // expiry for async waiters
}

// pendingTable tracks outbound calls by correlation id. Removing an entry
// from the table is what grants the right to resolve it, so each entry is
// resolved at most once regardless of races between responses, timeouts,
// and cancellation.
type pendingTable struct {
	μ      sync.Mutex
	calls  map[int64]*pendingCall
	closed bool         // no further entries are accepted
	run    func(func()) // runs a callback off the receive path
}

func newPendingTable(run func(func())) *pendingTable {
	return &pendingTable{calls: make(map[int64]*pendingCall), run: run}
}

// register adds pc under id, and reports false without effect if the table
// is closed. If expire != nil, it is called once timeout elapses; it must
// remove the entry itself to claim the right to resolve it.
func (t *pendingTable) register(id int64, pc *pendingCall, timeout time.Duration, expire func()) bool {
	t.μ.Lock()
	defer t.μ.Unlock()
	if t.closed {
		return false
	}
	pc.deadline = time.Now().Add(timeout)
	if expire != nil {
		pc.timer = time.AfterFunc(timeout, expire)
	}
	t.calls[id] = pc
	return true
}

// take removes and returns the entry for id, or nil if there is none.
func (t *pendingTable) take(id int64) *pendingCall {
	t.μ.Lock()
	defer t.μ.Unlock()
	pc, ok := t.calls[id]
	if !ok {
		return nil
	}
	delete(t.calls, id)
	return pc
}

// remove discards the entry for id and reports whether it was present.
func (t *pendingTable) remove(id int64) bool { return t.take(id) != nil }

// resolve delivers the result of mk to the entry for id. It reports false
// without effect if id is unknown or was already resolved.
func (t *pendingTable) resolve(id int64, mk func(*pendingCall) Result) bool {
	pc := t.take(id)
	if pc == nil {
		return false
	}
	t.deliver(pc, mk(pc))
	return true
}

// cancelAll fails every outstanding entry with the result of errf and
// empties the table.
func (t *pendingTable) cancelAll(errf func(*pendingCall, int64) error) int {
	return t.drain(false, errf)
}

// close is like cancelAll, but the table also refuses later registrations.
func (t *pendingTable) close(errf func(*pendingCall, int64) error) int {
	return t.drain(true, errf)
}

func (t *pendingTable) drain(closing bool, errf func(*pendingCall, int64) error) int {
	t.μ.Lock()
	t.closed = t.closed || closing
	calls := t.calls
	t.calls = make(map[int64]*pendingCall)
	t.μ.Unlock()

	for id, pc := range calls {
		t.deliver(pc, Result{Err: errf(pc, id)})
	}
	return len(calls)
}

// len reports the number of outstanding entries.
func (t *pendingTable) len() int {
	t.μ.Lock()
	defer t.μ.Unlock()
	return len(t.calls)
}

// has reports whether id is outstanding.
func (t *pendingTable) has(id int64) bool {
	t.μ.Lock()
	defer t.μ.Unlock()
	_, ok := t.calls[id]
	return ok
}

func (t *pendingTable) deliver(pc *pendingCall, r Result) {
	if pc.timer != nil {
		pc.timer.Stop()
	}
	if pc.done != nil {
		pc.done <- r // does not block
		return
	}
	cb := pc.callback
	t.run(func() { cb(r) })
}
