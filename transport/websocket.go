// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package transport

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/creachadair/jrpc2/channel"
)

// WebSocketOptions are settings for a WebSocket transport. A nil
// *WebSocketOptions provides defaults.
type WebSocketOptions struct {
	// Dial, if set, is passed to websocket.Dial.
	Dial *websocket.DialOptions

	// WriteTimeout bounds each message write (default 10s).
	WriteTimeout time.Duration

	// ReadLimit, if positive, sets the maximum size in bytes of an inbound
	// message. Otherwise the websocket package default applies.
	ReadLimit int64
}

func (o *WebSocketOptions) writeTimeout() time.Duration {
	if o == nil || o.WriteTimeout <= 0 {
		return 10 * time.Second
	}
	return o.WriteTimeout
}

// WebSocket constructs a transport that exchanges text messages with a
// WebSocket server at url.
func WebSocket(url string, opts *WebSocketOptions) *ChannelTransport {
	return Channel(WebSocketDialer(url, opts))
}

// WebSocketDialer returns a Dialer that opens a WebSocket connection to url.
// Each message of the resulting channel is one text frame.
func WebSocketDialer(url string, opts *WebSocketOptions) Dialer {
	return func(ctx context.Context) (channel.Channel, error) {
		var dopts *websocket.DialOptions
		if opts != nil {
			dopts = opts.Dial
		}
		conn, _, err := websocket.Dial(ctx, url, dopts)
		if err != nil {
			return nil, err
		}
		if opts != nil && opts.ReadLimit > 0 {
			conn.SetReadLimit(opts.ReadLimit)
		}
		return NewWebSocketChannel(conn, opts.writeTimeout()), nil
	}
}

// NewWebSocketChannel adapts an open WebSocket connection to the
// channel.Channel interface. Writes that take longer than writeTimeout
// fail. Closing the channel closes the connection normally.
func NewWebSocketChannel(conn *websocket.Conn, writeTimeout time.Duration) channel.Channel {
	ctx, cancel := context.WithCancel(context.Background())
	return &wsChannel{conn: conn, ctx: ctx, cancel: cancel, wtimeout: writeTimeout}
}

type wsChannel struct {
	conn     *websocket.Conn
	ctx      context.Context // ends when the channel is closed
	cancel   context.CancelFunc
	wtimeout time.Duration
	once     sync.Once
}

// Send implements a method of the channel.Channel interface.
func (w *wsChannel) Send(msg []byte) error {
	ctx, cancel := context.WithTimeout(w.ctx, w.wtimeout)
	defer cancel()
	return w.conn.Write(ctx, websocket.MessageText, msg)
}

// Recv implements a method of the channel.Channel interface. Binary frames
// are accepted and delivered as-is.
func (w *wsChannel) Recv() ([]byte, error) {
	_, msg, err := w.conn.Read(w.ctx)
	return msg, err
}

// Close implements a method of the channel.Channel interface.
func (w *wsChannel) Close() error {
	var err error
	w.once.Do(func() {
		err = w.conn.Close(websocket.StatusNormalClosure, "client closed")
		w.cancel()
	})
	return err
}
