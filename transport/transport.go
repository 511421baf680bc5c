// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package transport provides implementations of the tether.Transport
// interface.
//
// The [ChannelTransport] type adapts any message channel that satisfies the
// [channel.Channel] interface from github.com/creachadair/jrpc2/channel,
// including its line-oriented and header framings. A [Dialer] opens a new
// channel each time the client connects.
package transport

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/creachadair/jrpc2/channel"
	"github.com/creachadair/taskgroup"
	"github.com/creachadair/tether"
)

// ErrNotConnected is reported by Send when no channel is open.
var ErrNotConnected = errors.New("transport is not connected")

// A Dialer opens a new message channel to the server.
type Dialer func(ctx context.Context) (channel.Channel, error)

// Channel constructs a transport that opens channels with dial.
func Channel(dial Dialer) *ChannelTransport { return &ChannelTransport{dial: dial} }

// Net returns a Dialer that connects to addr on the specified network and
// frames the connection with framing. If framing == nil, messages are
// delimited by newlines (channel.Line).
func Net(network, addr string, framing channel.Framing) Dialer {
	if framing == nil {
		framing = channel.Line
	}
	return func(ctx context.Context) (channel.Channel, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		return framing(conn, conn), nil
	}
}

// Fixed returns a Dialer that returns ch on the first call, and reports an
// error on every later call. It is useful for a single connection whose
// channel was opened elsewhere.
func Fixed(ch channel.Channel) Dialer {
	var μ sync.Mutex
	return func(context.Context) (channel.Channel, error) {
		μ.Lock()
		defer μ.Unlock()
		if ch == nil {
			return nil, errors.New("channel already used")
		}
		out := ch
		ch = nil
		return out, nil
	}
}

// ChannelTransport implements the tether.Transport interface over channels
// opened by a Dialer. Each call to Connect opens a new channel and starts a
// goroutine to read from it.
type ChannelTransport struct {
	dial Dialer

	μ   sync.Mutex
	cur *conn // the open channel, or nil

	sendμ sync.Mutex // serializes writers on the channel
}

// Connect implements a method of the tether.Transport interface.
func (t *ChannelTransport) Connect(ctx context.Context, recv tether.Receiver) error {
	ch, err := t.dial(ctx)
	if err != nil {
		return err
	}

	c := &conn{ch: ch}

	t.μ.Lock()
	old := t.cur
	t.cur = c
	t.μ.Unlock()
	if old != nil {
		old.ch.Close()
	}

	taskgroup.Go(func() error {
		for {
			msg, err := ch.Recv()
			if err != nil {
				t.release(c)
				recv.Closed(err)
				return nil
			}
			recv.Receive(msg)
		}
	})
	return nil
}

// conn wraps an open channel so that its identity can be compared.
type conn struct{ ch channel.Channel }

// Connected implements a method of the tether.Transport interface.
func (t *ChannelTransport) Connected() bool {
	t.μ.Lock()
	defer t.μ.Unlock()
	return t.cur != nil
}

// Send implements a method of the tether.Transport interface.
func (t *ChannelTransport) Send(msg []byte) error {
	t.μ.Lock()
	c := t.cur
	t.μ.Unlock()
	if c == nil {
		return ErrNotConnected
	}
	t.sendμ.Lock()
	defer t.sendμ.Unlock()
	return c.ch.Send(msg)
}

// Close implements a method of the tether.Transport interface. It does not
// wait for the reader goroutine to exit.
func (t *ChannelTransport) Close() error {
	t.μ.Lock()
	c := t.cur
	t.cur = nil
	t.μ.Unlock()
	if c == nil {
		return nil
	}
	return c.ch.Close()
}

// release closes c if it is still the current channel. A channel that was
// already replaced or closed is not closed again.
func (t *ChannelTransport) release(c *conn) {
	t.μ.Lock()
	cur := t.cur == c
	if cur {
		t.cur = nil
	}
	t.μ.Unlock()
	if cur {
		c.ch.Close()
	}
}
