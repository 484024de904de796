// Copyright (C) 2022 CasperLabs. All Rights Reserved.

package transport

import (
	"net"
	"sync"

	"github.com/CasperLabs/signer"
)

// tapBuffer is the receive queue depth of a single tap. A tap whose queue
// is full loses messages rather than stalling the other taps: the browser
// primitives being modelled are fire-and-forget, and delivery is never
// guaranteed.
const tapBuffer = 128

// A Bus is a broadcast message fabric shared by any number of taps. It
// models the two primitives the wallet runs over: the extension-wide
// runtime channel, where a message is delivered to every tap except its
// sender, and a shared window, where a posted message is also looped back
// to the tap that posted it.
//
// A Bus is safe for concurrent use by multiple taps.
type Bus struct {
	μ        sync.Mutex
	taps     map[*Tap]struct{}
	loopback bool
	closed   bool
}

// NewRuntime constructs a bus with the delivery semantics of the
// extension-wide runtime channel: a message is delivered to every tap
// except the one that sent it.
func NewRuntime() *Bus { return &Bus{taps: make(map[*Tap]struct{})} }

// NewWindow constructs a bus with the delivery semantics of a shared
// window: a posted message is delivered to every tap including the poster,
// so listeners must be prepared to observe their own traffic.
func NewWindow() *Bus { return &Bus{taps: make(map[*Tap]struct{}), loopback: true} }

// Attach creates and returns a new tap on b. If b is already closed the new
// tap reports errors for all operations.
func (b *Bus) Attach() *Tap {
	b.μ.Lock()
	defer b.μ.Unlock()
	t := &Tap{bus: b, recv: make(chan *signer.Message, tapBuffer)}
	if b.closed {
		close(t.recv)
	} else {
		b.taps[t] = struct{}{}
	}
	return t
}

// Close detaches all taps and marks the bus closed. Pending receives on the
// taps terminate with an error.
func (b *Bus) Close() error {
	b.μ.Lock()
	defer b.μ.Unlock()
	if b.closed {
		return net.ErrClosed
	}
	b.closed = true
	for t := range b.taps {
		close(t.recv)
	}
	clear(b.taps)
	return nil
}

func (b *Bus) post(from *Tap, m *signer.Message) error {
	b.μ.Lock()
	defer b.μ.Unlock()
	if b.closed {
		return net.ErrClosed
	}
	if _, ok := b.taps[from]; !ok {
		return net.ErrClosed
	}
	for t := range b.taps {
		if t == from && !b.loopback {
			continue
		}
		select {
		case t.recv <- m:
		default:
			// The tap is not draining; the message is lost.
		}
	}
	return nil
}

func (b *Bus) detach(t *Tap) {
	b.μ.Lock()
	defer b.μ.Unlock()
	if _, ok := b.taps[t]; ok {
		delete(b.taps, t)
		close(t.recv)
	}
}

// A Tap is one attachment point on a Bus. It implements signer.Transport:
// sending posts to every other tap on the bus per the bus's delivery
// semantics, and receiving drains the tap's own queue.
type Tap struct {
	bus  *Bus
	recv chan *signer.Message
}

// Send implements a method of the [signer.Transport] interface.
func (t *Tap) Send(m *signer.Message) error { return t.bus.post(t, m) }

// Recv implements a method of the [signer.Transport] interface.
func (t *Tap) Recv() (*signer.Message, error) {
	m, ok := <-t.recv
	if !ok {
		return nil, net.ErrClosed
	}
	return m, nil
}

// Close detaches t from its bus. It implements a method of the
// [signer.Transport] interface.
func (t *Tap) Close() error { t.bus.detach(t); return nil }
