// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package tether

import "context"

// A Transport carries complete text messages between the client and the
// server. The client does not depend on any framing: each call to Send
// transmits one message, and each message from the server is delivered whole
// to the Receiver passed to Connect.
//
// The methods of an implementation must be safe for concurrent use.  The
// package tether/transport provides implementations.
type Transport interface {
	// Connect opens the channel and begins delivering inbound messages to
	// recv. Connect may be called again after the channel is lost or closed;
	// the new connection replaces the old one.
	Connect(ctx context.Context, recv Receiver) error

	// Connected reports whether the channel is currently open.
	Connected() bool

	// Send transmits a single message. It reports an error if the channel is
	// not open.
	Send(msg []byte) error

	// Close closes the channel, if it is open. Closing a transport that is
	// not connected is not an error.
	Close() error
}

// A Receiver accepts inbound messages from a Transport.
type Receiver interface {
	// Receive is called for each complete inbound message, in order. The
	// transport does not deliver the next message until Receive returns.
	Receive(msg []byte)

	// Closed is called at most once when the channel opened by the Connect
	// call that supplied this receiver fails or is closed.
	Closed(err error)
}

// receiver binds inbound traffic to the transport generation it belongs to,
// so that events from a replaced connection are ignored.
type receiver struct {
	c   *Client
	gen uint64
}

func (r receiver) Receive(msg []byte) { r.c.receive(r.gen, msg) }
func (r receiver) Closed(err error)   { r.c.lost(r.gen, err) }
