// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package chatsim

import "expvar"

// sessionMetrics record session activity counters, shared by all sessions in
// the process.
type sessionMetrics struct {
	frameRecv     expvar.Int
	frameSent     expvar.Int
	frameDropped  expvar.Int // inbound frames of unknown type
	decodeErr     expvar.Int
	msgSent       expvar.Int // message frames sent
	msgConfirmed  expvar.Int // messages whose echo was observed
	msgTimedOut   expvar.Int // messages whose confirmation lapsed
	active        expvar.Int // sessions with a running listener
	connectFailed expvar.Int
	connLost      expvar.Int // unexpected transport closures

	emap *expvar.Map
}

var rootMetrics = newSessionMetrics()

func newSessionMetrics() *sessionMetrics {
	sm := &sessionMetrics{emap: new(expvar.Map)}
	sm.emap.Set("frames_received", &sm.frameRecv)
	sm.emap.Set("frames_sent", &sm.frameSent)
	sm.emap.Set("frames_dropped", &sm.frameDropped)
	sm.emap.Set("decode_errors", &sm.decodeErr)
	sm.emap.Set("messages_sent", &sm.msgSent)
	sm.emap.Set("messages_confirmed", &sm.msgConfirmed)
	sm.emap.Set("confirm_timeouts", &sm.msgTimedOut)
	sm.emap.Set("sessions_active", &sm.active)
	sm.emap.Set("connect_failures", &sm.connectFailed)
	sm.emap.Set("connections_lost", &sm.connLost)
	return sm
}

// Metrics returns the metrics map shared by all sessions. It is safe for the
// caller to add additional metrics to the map while sessions are active.
func Metrics() *expvar.Map { return rootMetrics.emap }
