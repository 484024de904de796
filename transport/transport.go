// Copyright (C) 2022 CasperLabs. All Rights Reserved.

// Package transport provides implementations of the signer.Transport
// interface modelling the messaging primitives available to the wallet's
// execution contexts.
package transport

import (
	"net"

	"github.com/CasperLabs/signer"
)

// Direct constructs a connected pair of in-memory transports that pass
// messages directly without encoding. Messages sent to A are received by B
// and vice versa.
func Direct() (A, B signer.Transport) {
	a2b := make(chan *signer.Message)
	b2a := make(chan *signer.Message)
	A = direct{send: a2b, recv: b2a}
	B = direct{send: b2a, recv: a2b}
	return
}

type direct struct {
	send chan<- *signer.Message
	recv <-chan *signer.Message
}

// Send implements a method of the [signer.Transport] interface.
func (d direct) Send(m *signer.Message) (err error) {
	defer safeClose(&err)
	d.send <- m
	return nil
}

// Recv implements a method of the [signer.Transport] interface.
func (d direct) Recv() (*signer.Message, error) {
	m, ok := <-d.recv
	if !ok {
		return nil, net.ErrClosed
	}
	return m, nil
}

// Close implements a method of the [signer.Transport] interface.
func (d direct) Close() (err error) {
	defer safeClose(&err)
	close(d.send)
	return nil
}

func safeClose(err *error) {
	if x := recover(); x != nil && *err == nil {
		*err = net.ErrClosed
	}
}
