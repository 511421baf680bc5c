// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package tether

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/google/go-cmp/cmp"
)

func runNow(f func()) { f() }

func TestPendingResolveOnce(t *testing.T) {
	tab := newPendingTable(runNow)
	pc := &pendingCall{method: "m", done: make(chan Result, 1)}
	tab.register(1, pc, time.Minute, nil)

	if !tab.has(1) || tab.len() != 1 {
		t.Fatalf("After register: has=%v len=%d, want true, 1", tab.has(1), tab.len())
	}
	rsp := &Response{ID: 1, Result: json.RawMessage(`true`)}
	mk := func(*pendingCall) Result { return Result{Response: rsp} }
	if !tab.resolve(1, mk) {
		t.Fatal("First resolve: got false, want true")
	}
	if tab.resolve(1, mk) {
		t.Error("Second resolve: got true, want false")
	}
	if tab.resolve(2, mk) {
		t.Error("Resolve unknown id: got true, want false")
	}
	if r := <-pc.done; r.Response != rsp {
		t.Errorf("Result: got %+v, want %+v", r, rsp)
	}
	if tab.len() != 0 {
		t.Errorf("Len after resolve: got %d, want 0", tab.len())
	}
}

func TestPendingCancelAll(t *testing.T) {
	var μ sync.Mutex
	var got []int64
	tab := newPendingTable(runNow)
	for id := int64(1); id <= 3; id++ {
		tab.register(id, &pendingCall{method: "m", callback: func(r Result) {
			var ce *CallError
			if errors.As(r.Err, &ce) && errors.Is(r.Err, ErrClosed) {
				μ.Lock()
				got = append(got, ce.ID)
				μ.Unlock()
			}
		}}, time.Minute, nil)
	}
	n := tab.cancelAll(func(pc *pendingCall, id int64) error {
		return &CallError{Method: pc.method, ID: id, Err: ErrClosed}
	})
	if n != 3 {
		t.Errorf("cancelAll: got %d, want 3", n)
	}
	if tab.len() != 0 {
		t.Errorf("Len after cancelAll: got %d, want 0", tab.len())
	}
	μ.Lock()
	defer μ.Unlock()
	if len(got) != 3 {
		t.Errorf("Callbacks: got %v, want 3 cancellations", got)
	}
}

func TestPendingRace(t *testing.T) {
	// Concurrent resolution, removal, and cancellation deliver exactly one
	// result to each entry.
	const numCalls = 200
	tab := newPendingTable(runNow)
	calls := make([]*pendingCall, numCalls)
	for i := range calls {
		calls[i] = &pendingCall{method: "m", done: make(chan Result, 1)}
		tab.register(int64(i), calls[i], time.Minute, nil)
	}

	var μ sync.Mutex
	claimed := make(map[int64]int)
	claim := func(id int64) {
		μ.Lock()
		defer μ.Unlock()
		claimed[id]++
	}
	g := taskgroup.New(nil)
	g.Go(func() error {
		for i := range numCalls {
			if tab.resolve(int64(i), func(*pendingCall) Result { return Result{Response: &Response{ID: int64(i)}} }) {
				claim(int64(i))
			}
		}
		return nil
	})
	g.Go(func() error {
		for i := numCalls - 1; i >= 0; i-- {
			if tab.remove(int64(i)) {
				claim(int64(i))
			}
		}
		return nil
	})
	g.Wait()

	for i := range numCalls {
		if n := claimed[int64(i)]; n != 1 {
			t.Errorf("Entry %d claimed %d times, want 1", i, n)
		}
	}
}

func TestPendingExpire(t *testing.T) {
	tab := newPendingTable(runNow)
	fired := make(chan bool, 1)
	var pc pendingCall
	pc.method = "m"
	pc.callback = func(Result) { t.Error("Callback invoked for an expired entry") }
	tab.register(1, &pc, 10*time.Millisecond, func() { fired <- tab.remove(1) })

	select {
	case ok := <-fired:
		if !ok {
			t.Error("Expire: entry was not present")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for expiry")
	}
	if tab.resolve(1, func(*pendingCall) Result { return Result{} }) {
		t.Error("Resolve after expiry: got true, want false")
	}
}

func TestPendingClose(t *testing.T) {
	tab := newPendingTable(runNow)
	pc := &pendingCall{method: "m", done: make(chan Result, 1)}
	if !tab.register(1, pc, time.Minute, nil) {
		t.Fatal("Register before close: got false, want true")
	}
	n := tab.close(func(pc *pendingCall, id int64) error {
		return &CallError{Method: pc.method, ID: id, Err: ErrClosed}
	})
	if n != 1 {
		t.Errorf("close: got %d, want 1", n)
	}
	if r := <-pc.done; !errors.Is(r.Err, ErrClosed) {
		t.Errorf("Result: got %v, want %v", r.Err, ErrClosed)
	}

	late := &pendingCall{method: "m", done: make(chan Result, 1)}
	if tab.register(2, late, time.Minute, func() { t.Error("Expiry armed for a rejected entry") }) {
		t.Error("Register after close: got true, want false")
	}
	if late.timer != nil {
		t.Error("Rejected entry has a timer")
	}
	if tab.len() != 0 {
		t.Errorf("Len after close: got %d, want 0", tab.len())
	}

	// Cancellation without closing still accepts new entries.
	open := newPendingTable(runNow)
	open.cancelAll(func(*pendingCall, int64) error { return ErrTransport })
	if !open.register(1, &pendingCall{method: "m", done: make(chan Result, 1)}, time.Minute, nil) {
		t.Error("Register after cancelAll: got false, want true")
	}
}

// sendCounter is a Transport that counts the messages it is asked to send.
type sendCounter struct {
	μ     sync.Mutex
	sends int
}

func (s *sendCounter) Connect(context.Context, Receiver) error { return nil }
func (s *sendCounter) Connected() bool                         { return true }
func (s *sendCounter) Close() error                            { return nil }

func (s *sendCounter) Send([]byte) error {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.sends++
	return nil
}

func TestSendAfterClose(t *testing.T) {
	// A sender that passed its state check before the client closed must not
	// leave an entry behind that nothing will resolve.
	tr := new(sendCounter)
	c := NewClient(tr, nil)
	c.Close()
	defer c.Wait()

	if _, pc, err := c.sendRequest("m", nil, nil); !errors.Is(err, ErrClosed) || pc != nil {
		t.Errorf("sendRequest: got (%v, %v), want %v", pc, err, ErrClosed)
	}
	if _, pc, err := c.sendRequest("m", nil, func(Result) {
		t.Error("Callback invoked for a rejected call")
	}); !errors.Is(err, ErrClosed) || pc != nil {
		t.Errorf("sendRequest async: got (%v, %v), want %v", pc, err, ErrClosed)
	}
	if _, err := c.roundTrip(context.Background(), MethodPing, nil, ""); !errors.Is(err, ErrClosed) {
		t.Errorf("roundTrip: got %v, want %v", err, ErrClosed)
	}
	if n := c.pending.len(); n != 0 {
		t.Errorf("Pending after close: got %d, want 0", n)
	}
	tr.μ.Lock()
	defer tr.μ.Unlock()
	if tr.sends != 0 {
		t.Errorf("Sends after close: got %d, want 0", tr.sends)
	}
}

func TestDecodeMessage(t *testing.T) {
	tests := []struct {
		input string
		req   *Request
		rsp   *Response
		fail  bool
	}{
		{input: `{"jsonrpc":"2.0","id":1,"result":{"ok":true},"sessionId":"s1"}`,
			rsp: &Response{ID: 1, Result: json.RawMessage(`{"ok":true}`), SessionID: "s1"}},
		{input: `{"id":"7","result":null}`,
			rsp: &Response{ID: 7, Result: json.RawMessage(`null`)}},
		{input: `{"id":3,"error":{"code":40007,"message":"gone"}}`,
			rsp: &Response{ID: 3, Error: &Error{Code: CodeInvalidSession, Message: "gone"}}},
		{input: `{"jsonrpc":"2.0","id":4,"method":"hi","params":[1]}`,
			req: &Request{ID: json.RawMessage(`4`), Method: "hi", Params: json.RawMessage(`[1]`)}},
		{input: `{"method":"note","sessionId":"s2"}`,
			req: &Request{Method: "note", SessionID: "s2"}},

		{input: `nonsense`, fail: true},
		{input: `{}`, fail: true},
		{input: `{"id":1}`, fail: true},
		{input: `{"id":1,"result":1,"error":{"code":1,"message":"x"}}`, fail: true},
		{input: `{"id":"x","result":1}`, fail: true},
		{input: `{"method":"m","result":1}`, fail: true},
	}
	for _, test := range tests {
		req, rsp, err := decodeMessage([]byte(test.input))
		if test.fail {
			if !errors.Is(err, ErrProtocol) {
				t.Errorf("Decode %#q: got (%v, %v, %v), want %v", test.input, req, rsp, err, ErrProtocol)
			}
			continue
		} else if err != nil {
			t.Errorf("Decode %#q: unexpected error: %v", test.input, err)
			continue
		}
		if diff := cmp.Diff(test.req, req); diff != "" {
			t.Errorf("Decode %#q request (-want, +got):\n%s", test.input, diff)
		}
		if diff := cmp.Diff(test.rsp, rsp); diff != "" {
			t.Errorf("Decode %#q response (-want, +got):\n%s", test.input, diff)
		}
	}
}

func TestEncodeRequest(t *testing.T) {
	tests := []struct {
		id      int64
		method  string
		params  any
		session string
		want    string
	}{
		{1, "echo", map[string]int{"x": 1}, "abc",
			`{"jsonrpc":"2.0","method":"echo","params":{"x":1},"id":1,"sessionId":"abc"}`},
		{0, "note", nil, "",
			`{"jsonrpc":"2.0","method":"note"}`},
		{2, "raw", json.RawMessage(`[true]`), "",
			`{"jsonrpc":"2.0","method":"raw","params":[true],"id":2}`},
	}
	for _, test := range tests {
		got, err := encodeRequest(test.id, test.method, test.params, test.session)
		if err != nil {
			t.Errorf("encodeRequest(%d, %q): unexpected error: %v", test.id, test.method, err)
			continue
		}
		if string(got) != test.want {
			t.Errorf("encodeRequest(%d, %q):\n got %s\nwant %s", test.id, test.method, got, test.want)
		}
	}

	if _, err := encodeRequest(1, "bad", make(chan int), ""); err == nil {
		t.Error("encodeRequest with unencodable params: got nil error")
	}
}

func TestCallError(t *testing.T) {
	svc := &Error{Code: 5, Message: "nope"}
	tests := []struct {
		err    *CallError
		target error
		text   string
	}{
		{&CallError{Method: "a", Err: ErrTimeout}, ErrTimeout, `call "a": request timed out`},
		{&CallError{Method: "b", Response: &Response{Error: svc}}, svc, `call "b": service error: [code 5] nope`},
	}
	for _, test := range tests {
		if !errors.Is(test.err, test.target) {
			t.Errorf("Is(%v, %v): got false, want true", test.err, test.target)
		}
		if got := test.err.Error(); got != test.text {
			t.Errorf("Error: got %q, want %q", got, test.text)
		}
	}
	ce := &CallError{Method: "c", ID: 9, Err: ErrClosed}
	if got := callError("d", 1, ce); got != ce {
		t.Errorf("callError: got %v, want existing %v", got, ce)
	}
}
