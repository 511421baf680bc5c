// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package transport_test

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/creachadair/jrpc2/channel"
	"github.com/creachadair/taskgroup"
	"github.com/creachadair/tether/transport"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

// recorder is a tether.Receiver that records what it is given.
type recorder struct {
	μ      sync.Mutex
	msgs   []string
	closed chan error
	recv   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{closed: make(chan error, 1), recv: make(chan struct{}, 16)}
}

func (r *recorder) Receive(msg []byte) {
	r.μ.Lock()
	r.msgs = append(r.msgs, string(msg))
	r.μ.Unlock()
	r.recv <- struct{}{}
}

func (r *recorder) Closed(err error) { r.closed <- err }

func (r *recorder) messages() []string {
	r.μ.Lock()
	defer r.μ.Unlock()
	return append([]string(nil), r.msgs...)
}

func (r *recorder) wait(t *testing.T, n int) {
	t.Helper()
	for range n {
		select {
		case <-r.recv:
		case <-time.After(5 * time.Second):
			t.Fatalf("Timed out waiting for messages; have %q", r.messages())
		}
	}
}

func TestChannelDirect(t *testing.T) {
	defer leaktest.Check(t)()

	cli, srv := channel.Direct()
	tr := transport.Channel(transport.Fixed(cli))
	if tr.Connected() {
		t.Error("Connected before Connect")
	}
	if err := tr.Send([]byte("x")); !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("Send before Connect: got %v, want %v", err, transport.ErrNotConnected)
	}

	rec := newRecorder()
	if err := tr.Connect(context.Background(), rec); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !tr.Connected() {
		t.Error("Not connected after Connect")
	}

	// Echo messages from the server side.
	g := taskgroup.New(nil)
	g.Go(func() error {
		defer srv.Close()
		for {
			msg, err := srv.Recv()
			if err != nil {
				return nil
			}
			if err := srv.Send(append([]byte("echo "), msg...)); err != nil {
				return err
			}
		}
	})

	for _, m := range []string{"one", "two", "three"} {
		if err := tr.Send([]byte(m)); err != nil {
			t.Fatalf("Send %q: %v", m, err)
		}
	}
	rec.wait(t, 3)
	if diff := cmp.Diff([]string{"echo one", "echo two", "echo three"}, rec.messages()); diff != "" {
		t.Errorf("Messages (-want, +got):\n%s", diff)
	}

	if err := tr.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if tr.Connected() {
		t.Error("Connected after Close")
	}
	if err := tr.Close(); err != nil {
		t.Errorf("Second Close: %v", err)
	}
	g.Wait()
	<-rec.closed

	// The fixed dialer cannot be reused.
	if err := tr.Connect(context.Background(), rec); err == nil {
		t.Error("Second Connect: got nil error")
	}
}

func TestChannelRemoteClose(t *testing.T) {
	defer leaktest.Check(t)()

	cli, srv := channel.Direct()
	tr := transport.Channel(transport.Fixed(cli))
	rec := newRecorder()
	if err := tr.Connect(context.Background(), rec); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	srv.Close()

	select {
	case err := <-rec.closed:
		t.Logf("Closed OK: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for Closed")
	}
	if tr.Connected() {
		t.Error("Connected after remote close")
	}
	if err := tr.Send([]byte("x")); err == nil {
		t.Error("Send after remote close: got nil error")
	}
}

func TestNet(t *testing.T) {
	defer leaktest.Check(t)()

	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer lst.Close()

	// Serve one connection, replying to each line with its upper-case form.
	g := taskgroup.New(nil)
	g.Go(func() error {
		conn, err := lst.Accept()
		if err != nil {
			return err
		}
		ch := channel.Line(conn, conn)
		defer ch.Close()
		for {
			msg, err := ch.Recv()
			if err != nil {
				return nil
			}
			ch.Send([]byte(strings.ToUpper(string(msg))))
		}
	})

	tr := transport.Channel(transport.Net("tcp", lst.Addr().String(), nil))
	rec := newRecorder()
	if err := tr.Connect(context.Background(), rec); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := tr.Send([]byte(`{"hello":"world"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	rec.wait(t, 1)
	if diff := cmp.Diff([]string{`{"HELLO":"WORLD"}`}, rec.messages()); diff != "" {
		t.Errorf("Messages (-want, +got):\n%s", diff)
	}
	tr.Close()
	g.Wait()
	<-rec.closed
}

func TestNetDialError(t *testing.T) {
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := lst.Addr().String()
	lst.Close()

	tr := transport.Channel(transport.Net("tcp", addr, nil))
	if err := tr.Connect(context.Background(), newRecorder()); err == nil {
		t.Error("Connect to closed listener: got nil error")
	}
	if tr.Connected() {
		t.Error("Connected after failed dial")
	}
}

func TestWebSocket(t *testing.T) {
	defer leaktest.Check(t)()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		for {
			typ, msg, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			if err := conn.Write(r.Context(), typ, msg); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	tr := transport.WebSocket(url, &transport.WebSocketOptions{WriteTimeout: time.Second})
	rec := newRecorder()
	if err := tr.Connect(context.Background(), rec); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	for _, m := range []string{`{"id":1}`, `{"id":2}`} {
		if err := tr.Send([]byte(m)); err != nil {
			t.Fatalf("Send %q: %v", m, err)
		}
	}
	rec.wait(t, 2)
	if diff := cmp.Diff([]string{`{"id":1}`, `{"id":2}`}, rec.messages()); diff != "" {
		t.Errorf("Messages (-want, +got):\n%s", diff)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	select {
	case <-rec.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for Closed")
	}
	srv.CloseClientConnections()
}
