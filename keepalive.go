// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package tether

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// keepalive runs the heartbeat and idle timers until ctx ends.
func (c *Client) keepalive(ctx context.Context) error {
	var beat, idle <-chan time.Time
	if d := c.cfg.HeartbeatInterval; d > 0 {
		t := time.NewTicker(d)
		defer t.Stop()
		beat = t.C
	}
	if d := c.cfg.IdleTimeout; d > 0 {
		t := time.NewTicker(max(d/4, time.Millisecond))
		defer t.Stop()
		idle = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-beat:
			c.heartbeat(ctx)
		case <-idle:
			c.closeIfIdle()
		}
	}
}

// heartbeat sends one ping to the server, if connected. A probe that fails
// or is answered with anything other than the expected value is treated as
// loss of the transport.
func (c *Client) heartbeat(ctx context.Context) {
	c.μ.Lock()
	state, gen, session := c.state, c.gen, c.session
	c.μ.Unlock()
	if state != StateConnected {
		return
	}

	err := c.ping(ctx, session)
	if err == nil {
		return
	} else if ctx.Err() != nil {
		return // closing
	}
	c.metrics.heartbeatErr.Add(1)
	c.log.Warn("heartbeat failed", "session", session, "err", err)
	c.lost(gen, fmt.Errorf("heartbeat: %w", err))
}

func (c *Client) ping(ctx context.Context, session string) error {
	params := map[string]any{"interval": c.cfg.HeartbeatInterval.Milliseconds()}
	rsp, err := c.roundTrip(ctx, MethodPing, params, session)
	if err != nil {
		return err
	} else if rsp.Error != nil {
		return &CallError{Method: MethodPing, ID: rsp.ID, Response: rsp}
	}
	var res struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(rsp.Result, &res); err != nil || res.Value != PongValue {
		return fmt.Errorf("%w: unexpected ping reply %s", ErrProtocol, abbrev(rsp.Result))
	}
	return nil
}

// closeIfIdle closes the transport if no traffic has passed for the idle
// timeout and no calls are outstanding. The session is kept, so the next
// send reconnects and resumes it.
func (c *Client) closeIfIdle() {
	last := time.Unix(0, c.lastIO.Load())
	if time.Since(last) < c.cfg.IdleTimeout || c.pending.len() != 0 {
		return
	}

	// Do not contend with a connect section; try again on the next tick.
	select {
	case c.connLock <- struct{}{}:
	default:
		return
	}
	defer c.unlock()

	c.μ.Lock()
	if c.state != StateConnected {
		c.μ.Unlock()
		return
	}
	c.gen++
	session := c.session
	c.setStateLocked(StateIdle)
	c.μ.Unlock()

	c.log.Info("closing idle connection", "session", session, "idle", time.Since(last))
	c.trans.Close()
}
