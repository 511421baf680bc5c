// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package tether

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
)

// errAbandoned reports that a reconnect cycle found the client no longer
// needed it, for example because an explicit Connect succeeded first.
var errAbandoned = errors.New("reconnect abandoned")

// reconnectLoop runs reconnect cycles for lost transport generations until
// ctx ends.
func (c *Client) reconnectLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case gen := <-c.reconnect:
			if err := c.limiter.Wait(ctx); err != nil {
				return nil
			}
			c.reconnectCycle(ctx, gen)
		}
	}
}

// newBackOff returns the delay policy for one reconnect cycle.
func (c *Client) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.ReconnectBackoff
	eb.MaxInterval = c.cfg.ReconnectMaxBackoff
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.cfg.ReconnectAttempts-1)), ctx)
}

// reconnectCycle restores the connection lost at generation gen, making up to
// the configured number of attempts. Each attempt holds the connection lock
// for its duration, so concurrent senders wait rather than opening their own
// connections.
func (c *Client) reconnectCycle(ctx context.Context, gen uint64) {
	if c.cfg.ReconnectAttempts < 0 {
		c.disconnect(fmt.Errorf("%w: reconnection disabled", ErrTransport))
		return
	}
	c.metrics.reconnects.Add(1)
	c.log.Info("reconnecting", "generation", gen)

	var hs handshake
	attempt := 0
	op := func() error {
		attempt++
		if err := c.lock(ctx); err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return backoff.Permanent(ErrClosed)
			}
			return err // lock timeout; try again
		}
		defer c.unlock()

		c.μ.Lock()
		state := c.state
		c.μ.Unlock()
		if state != StateReconnecting {
			return backoff.Permanent(errAbandoned)
		}

		var err error
		hs, err = c.establish(ctx)
		if err != nil {
			c.log.Warn("reconnect attempt failed", "attempt", attempt, "err", err)
			return err
		}

		c.μ.Lock()
		defer c.μ.Unlock()
		if c.state != StateReconnecting {
			// Closed while the handshake was in flight.
			c.trans.Close()
			return backoff.Permanent(errAbandoned)
		}
		if c.lostGen == hs.gen {
			c.trans.Close()
			c.log.Warn("reconnect attempt failed", "attempt", attempt, "err", c.lostErr)
			return fmt.Errorf("%w: connection lost after handshake: %v", ErrTransport, c.lostErr)
		}
		c.setStateLocked(StateConnected)
		return nil
	}

	err := backoff.Retry(op, c.newBackOff(ctx))
	switch {
	case err == nil:
		c.log.Info("reconnected", "session", hs.sessionID, "resumed", hs.resumed(), "attempts", attempt)
		if hs.resumed() {
			c.events.emit(Event{Kind: EventReconnectedSameSession, SessionID: hs.sessionID})
		} else {
			c.events.emit(Event{Kind: EventReconnectedNewSession, SessionID: hs.sessionID})
			c.notifySession(hs.prior, hs.sessionID)
		}
	case errors.Is(err, errAbandoned), errors.Is(err, ErrClosed), ctx.Err() != nil:
		c.log.Debug("reconnect cycle ended", "err", err)
	default:
		c.disconnect(err)
	}
}

// disconnect moves a reconnecting client to the Disconnected state, failing
// any calls that were waiting for the connection.
func (c *Client) disconnect(cause error) {
	c.μ.Lock()
	if c.state != StateReconnecting {
		c.μ.Unlock()
		return
	}
	session := c.session
	c.setStateLocked(StateDisconnected)
	c.μ.Unlock()

	c.log.Error("reconnection failed", "session", session, "err", cause)
	c.cancelPending(cause)
	c.events.emit(Event{Kind: EventDisconnected, SessionID: session, Err: cause})
}
