// Copyright (C) 2022 CasperLabs. All Rights Reserved.

// Package relay implements the content-script bridge between the page's
// window transport and the extension-wide runtime transport.
package relay

import (
	"github.com/creachadair/taskgroup"

	"github.com/CasperLabs/signer"
)

// A Relay forwards RPC traffic between the window transport it shares with
// an untrusted page and the runtime transport it shares with the background
// process, making the two behave as one continuous channel for the page and
// background endpoints.
//
// The relay is not an addressable endpoint: it owns no method registry and
// no correlation state. It is a pure pass-through invoked once per observed
// message, and correctness relies on the message id surviving each hop
// unchanged.
type Relay struct {
	local   signer.Transport // shared with the page
	runtime signer.Transport // shared with the background
	tasks   *taskgroup.Group
}

// New constructs an unstarted relay bridging local and runtime.
func New(local, runtime signer.Transport) *Relay {
	return &Relay{local: local, runtime: runtime}
}

// Start begins forwarding in both directions. It does not block; call Wait
// to wait for the forwarding loops to exit. The relay runs until either
// transport closes, at which point it closes the other.
func (r *Relay) Start() *Relay {
	if r.tasks != nil {
		panic("relay is already started")
	}
	g := taskgroup.New(nil)
	r.tasks = g

	g.Go(func() error {
		for {
			m, err := r.local.Recv()
			if err != nil {
				r.runtime.Close()
				return nil
			}
			if !forwardOut(m) {
				continue
			}
			if err := r.runtime.Send(m); err != nil {
				r.local.Close()
				return nil
			}
		}
	})
	g.Go(func() error {
		for {
			m, err := r.runtime.Recv()
			if err != nil {
				r.local.Close()
				return nil
			}
			if !forwardIn(m) {
				continue
			}
			if err := r.local.Send(m); err != nil {
				r.runtime.Close()
				return nil
			}
		}
	})
	return r
}

// Stop closes both transports and blocks until forwarding has finished.
func (r *Relay) Stop() {
	r.local.Close()
	r.runtime.Close()
	r.Wait()
}

// Wait blocks until both forwarding loops have exited.
func (r *Relay) Wait() {
	if r.tasks != nil {
		r.tasks.Wait()
	}
}

// forwardOut reports whether a message observed on the window side should
// cross to the runtime side: only well-formed requests originated by the
// page. Everything else stays put, in particular the relay's own loopback
// of re-posted replies and whatever malformed objects page script posts at
// the window.
func forwardOut(m *signer.Message) bool {
	return m.Valid() && m.Type == signer.KindRequest && m.Source == signer.Page
}

// forwardIn reports whether a message observed on the runtime side should
// be re-posted on the window: only well-formed replies addressed to the
// page. Popup and background traffic sharing the runtime channel is not the
// page's business and never reaches the window.
func forwardIn(m *signer.Message) bool {
	return m.Valid() && m.Type == signer.KindReply && m.Destination == signer.Page
}
