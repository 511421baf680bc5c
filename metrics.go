// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package tether

import "expvar"

// clientMetrics record client activity counters.
type clientMetrics struct {
	msgSent      expvar.Int
	msgRecv      expvar.Int
	msgDropped   expvar.Int // malformed inbound messages
	callOut      expvar.Int // number of outbound calls initiated
	callOutErr   expvar.Int // number of outbound calls reporting an error
	notifyOut    expvar.Int // number of notifications sent
	callIn       expvar.Int // number of inbound calls received
	callInErr    expvar.Int // number of inbound calls reporting an error
	callActive   expvar.Int // inbound
	unmatched    expvar.Int // responses with no pending call
	reconnects   expvar.Int // reconnect cycles started
	heartbeatErr expvar.Int // heartbeats that failed or timed out

	emap *expvar.Map
}

func newClientMetrics(pending func() int) *clientMetrics {
	m := &clientMetrics{emap: new(expvar.Map)}
	m.emap.Set("messages_sent", &m.msgSent)
	m.emap.Set("messages_received", &m.msgRecv)
	m.emap.Set("messages_dropped", &m.msgDropped)
	m.emap.Set("calls_out", &m.callOut)
	m.emap.Set("calls_out_failed", &m.callOutErr)
	m.emap.Set("calls_pending", expvar.Func(func() any { return pending() }))
	m.emap.Set("notifications_out", &m.notifyOut)
	m.emap.Set("calls_in", &m.callIn)
	m.emap.Set("calls_in_failed", &m.callInErr)
	m.emap.Set("calls_active", &m.callActive)
	m.emap.Set("responses_unmatched", &m.unmatched)
	m.emap.Set("reconnect_cycles", &m.reconnects)
	m.emap.Set("heartbeat_failures", &m.heartbeatErr)
	return m
}
