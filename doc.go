// Copyright (C) 2022 CasperLabs. All Rights Reserved.

// Package signer implements the cross-context messaging backbone of the
// Casper signing wallet.
//
// The wallet spans several mutually isolated execution contexts: an
// untrusted web page, a relay running alongside it, a privileged background
// process, and a popup window. These contexts can only exchange
// JSON-compatible messages over asynchronous fire-and-forget primitives.
// This package layers duplex request/reply semantics on top of those
// primitives.
//
// # Endpoints
//
// The core type defined by this package is the [Endpoint]. An endpoint is
// one side of a fixed pair of contexts: it stamps every outgoing message
// with its own name and accepts only traffic addressed to it by its peer.
//
// To create and start an endpoint for the popup side of the popup to
// background pair:
//
//	e := signer.New(signer.Popup, signer.Background)
//	e.Start(t)
//
// The endpoint runs until [Endpoint.Stop] is called or the transport
// closes. Call [Endpoint.Wait] to wait for the endpoint to exit and return
// its status.
//
// # Transports
//
// The [Transport] interface defines the ability to send and receive
// messages. The transport package provides the implementations used by the
// wallet: an in-memory broadcast bus modelling the browser's window and
// runtime channels, a connected in-memory pair for tests, and a websocket
// adapter for crossing process boundaries.
//
// # Calls
//
// A call is an exchange between two contexts, consisting of a request and a
// correlated reply. To define method handlers for inbound calls, use the
// [Endpoint.Handle] method to register a handler for a method name:
//
//	e.Handle("echo", func(ctx context.Context, req *signer.Request) (any, error) {
//	    var s string
//	    if err := req.Arg(0, &s); err != nil {
//	        return nil, err
//	    }
//	    return s, nil
//	})
//
// Registering a name that is already registered replaces the prior handler;
// the last registration wins.
//
// To issue a call to the remote context, use the [Endpoint.Call] method:
//
//	v, err := e.Call(ctx, "echo", "hello")
//	if err != nil {
//	    log.Fatalf("Call failed: %v", err)
//	}
//
// Errors returned by e.Call have concrete type [*CallError]. A call whose
// destination context is gone never receives a reply; Call waits until its
// context ends, so callers needing bounded waits must impose a deadline.
//
// # Broadcasts
//
// A broadcast is a call whose reply the caller discards, used to push
// unsolicited state to every endpoint listening under a destination name.
// Use [Endpoint.Notify]:
//
//	e.Notify("popup.updateState", snapshot)
//
// The background process pushes a complete state snapshot this way after
// every state change.
//
// # Metrics
//
// Endpoints maintain a collection of metrics while running. Use the
// [Endpoint.Metrics] method to obtain an [expvar.Map] containing the
// metrics exported by the endpoint. Metrics are shared globally among all
// endpoints in a process.
//
// The metrics currently exported include:
//
//   - messages_received: counter of messages received
//   - messages_sent: counter of messages sent
//   - messages_dropped: counter of messages received and discarded
//   - calls_in: counter of inbound call requests received
//   - calls_in_failed: counter of inbound call requests resulting in errors
//   - calls_active: gauge of inbound calls currently active
//   - calls_out: counter of outbound call requests sent
//   - calls_out_failed: counter of outbound call requests resulting in errors
//   - notifies_out: counter of broadcasts sent
//   - calls_pending: gauge of outbound calls currently pending
package signer
