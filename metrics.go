// Copyright (C) 2022 CasperLabs. All Rights Reserved.

package signer

import "expvar"

// endpointCounters record endpoint activity counters.
type endpointCounters struct {
	msgRecv     expvar.Int
	msgSent     expvar.Int
	msgDropped  expvar.Int
	callIn      expvar.Int // number of inbound calls received
	callInErr   expvar.Int // number of inbound calls reporting an error
	callOut     expvar.Int // number of outbound calls initiated
	callOutErr  expvar.Int // number of outbound calls reporting an error
	notifyOut   expvar.Int // number of broadcasts sent
	callActive  expvar.Int // inbound
	callPending expvar.Int // outbound

	emap *expvar.Map
}

// Metrics are shared globally among all endpoints in a process.
var endpointMetrics = newEndpointCounters()

func newEndpointCounters() *endpointCounters {
	ec := &endpointCounters{emap: new(expvar.Map)}
	ec.emap.Set("messages_received", &ec.msgRecv)
	ec.emap.Set("messages_sent", &ec.msgSent)
	ec.emap.Set("messages_dropped", &ec.msgDropped)
	ec.emap.Set("calls_in", &ec.callIn)
	ec.emap.Set("calls_in_failed", &ec.callInErr)
	ec.emap.Set("calls_active", &ec.callActive)
	ec.emap.Set("calls_out", &ec.callOut)
	ec.emap.Set("calls_out_failed", &ec.callOutErr)
	ec.emap.Set("notifies_out", &ec.notifyOut)
	ec.emap.Set("calls_pending", &ec.callPending)
	return ec
}

// Metrics returns a metrics map for the endpoint. It is safe for the caller
// to add additional metrics to the map while the endpoint is active.
func (e *Endpoint) Metrics() *expvar.Map { return endpointMetrics.emap }
