// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package tether implements a resilient JSON-RPC client that keeps a
// logical session with a server across reconnects.
//
// A client exchanges JSON-RPC 2.0 messages with the server over a
// [Transport] that carries complete text messages, such as a WebSocket or a
// line-framed socket. Every outbound message carries the id of the current
// session in a top-level "sessionId" field. When the transport is lost, the
// client reconnects and offers the prior session id in a "connect"
// handshake, so that the server can resume the session rather than start a
// new one.
//
// # Clients
//
// The core type defined by this package is the [Client]. To create a client
// over a WebSocket transport:
//
//	c := tether.NewClient(transport.WebSocket("wss://example.com/rpc", nil), nil)
//	defer c.Close()
//
// The client connects on the first send, or explicitly:
//
//	if err := c.Connect(ctx); err != nil {
//	   log.Fatalf("Connect failed: %v", err)
//	}
//
// # Calls
//
// To issue a call to the server, use the [Client.Call] method:
//
//	rsp, err := c.Call(ctx, "echo", map[string]int{"x": 1})
//	if err != nil {
//	   log.Fatalf("Call failed: %v", err)
//	}
//
// Errors returned by Call have concrete type [*tether.CallError], and wrap
// one of the sentinel errors of the package ([ErrTransport], [ErrTimeout],
// [ErrClosed], [ErrLockTimeout]) or the [*Error] reported by the server:
//
//	if errors.Is(err, tether.ErrTimeout) {
//	   // ... retry later
//	}
//
// Use [Client.CallAsync] to receive the outcome in a callback, and
// [Client.Notify] to send a notification, for which no reply is expected.
//
// # Handlers
//
// The server may also call the client. To handle such calls, register a
// [Handler] with [Client.SetHandler]. A [Mux] routes requests by method:
//
//	mux := new(tether.Mux).Register("hello", tether.HandlerFunc(hello))
//	c.SetHandler(mux)
//
// By default inbound calls are handled concurrently by a bounded pool of
// workers. Set Config.SequentialDispatch to handle them one at a time in
// arrival order. A handler that also implements [SessionObserver] is told
// when sessions are created and destroyed.
//
// # Sessions and Reconnection
//
// When the transport fails unexpectedly, outstanding calls fail with
// ErrTransport and the client begins a reconnect cycle, with exponential
// backoff between attempts. Calls made during the cycle wait for it to
// finish. If the server rejects the prior session with [CodeInvalidSession],
// the client obtains a new session. Use [Client.Listen] to observe these
// transitions as [Event] values.
//
// If Config.HeartbeatInterval is set, the client periodically sends a
// "ping" to the server and treats a missing or incorrect reply as loss of
// the transport.
package tether
