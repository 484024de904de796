// Copyright (C) 2022 CasperLabs. All Rights Reserved.

package transport_test

import (
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"

	"github.com/CasperLabs/signer"
	"github.com/CasperLabs/signer/transport"
)

func testMessage(id string) *signer.Message {
	return &signer.Message{
		Type:        signer.KindRequest,
		ID:          id,
		Method:      "probe",
		Source:      signer.Popup,
		Destination: signer.Background,
	}
}

func TestDirect(t *testing.T) {
	defer leaktest.Check(t)()

	a, b := transport.Direct()

	done := make(chan error, 1)
	go func() { done <- a.Send(testMessage("1")) }()

	got, err := b.Recv()
	if err != nil {
		t.Fatalf("Recv: unexpected error: %v", err)
	}
	if diff := cmp.Diff(testMessage("1"), got); diff != "" {
		t.Errorf("Recv (-want, +got):\n%s", diff)
	}
	if err := <-done; err != nil {
		t.Errorf("Send: unexpected error: %v", err)
	}

	// After closing a side, operations on both sides fail cleanly.
	if err := a.Close(); err != nil {
		t.Errorf("Close: unexpected error: %v", err)
	}
	if _, err := b.Recv(); err == nil {
		t.Error("Recv after close: got nil, want error")
	}
	if err := a.Send(testMessage("2")); err == nil {
		t.Error("Send after close: got nil, want error")
	}
	if err := a.Close(); err == nil {
		t.Error("Second close: got nil, want error")
	}
}

// recvOrTimeout receives one message from tr or fails the test.
func recvOrTimeout(t *testing.T, tr signer.Transport) *signer.Message {
	t.Helper()
	type result struct {
		m   *signer.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		m, err := tr.Recv()
		ch <- result{m, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("Recv: unexpected error: %v", r.err)
		}
		return r.m
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for a message")
		panic("unreachable")
	}
}

func TestRuntimeBus(t *testing.T) {
	defer leaktest.Check(t)()

	bus := transport.NewRuntime()
	defer bus.Close()

	sender := bus.Attach()
	r1 := bus.Attach()
	r2 := bus.Attach()

	if err := sender.Send(testMessage("b1")); err != nil {
		t.Fatalf("Send: unexpected error: %v", err)
	}

	// Every tap except the sender sees the message.
	for i, tap := range []signer.Transport{r1, r2} {
		got := recvOrTimeout(t, tap)
		if got.ID != "b1" {
			t.Errorf("Tap %d: got id %q, want b1", i+1, got.ID)
		}
	}

	// The sender must not see its own traffic. Prove it by sending a second
	// message from r1: the first thing the sender receives is that one.
	if err := r1.Send(testMessage("b2")); err != nil {
		t.Fatalf("Send: unexpected error: %v", err)
	}
	if got := recvOrTimeout(t, sender); got.ID != "b2" {
		t.Errorf("Sender received id %q, want b2 (no loopback)", got.ID)
	}

	// A detached tap no longer receives, and its sends fail.
	if err := r2.Close(); err != nil {
		t.Errorf("Close tap: unexpected error: %v", err)
	}
	if err := r2.Send(testMessage("b3")); err == nil {
		t.Error("Send on detached tap: got nil, want error")
	}
	if _, err := r2.Recv(); err == nil {
		t.Error("Recv on detached tap: got nil, want error")
	}
}

func TestWindowBusLoopback(t *testing.T) {
	defer leaktest.Check(t)()

	bus := transport.NewWindow()
	defer bus.Close()

	poster := bus.Attach()
	other := bus.Attach()

	if err := poster.Send(testMessage("w1")); err != nil {
		t.Fatalf("Send: unexpected error: %v", err)
	}

	// On a window bus the poster observes its own message too.
	if got := recvOrTimeout(t, poster); got.ID != "w1" {
		t.Errorf("Poster received id %q, want w1 (loopback)", got.ID)
	}
	if got := recvOrTimeout(t, other); got.ID != "w1" {
		t.Errorf("Other tap received id %q, want w1", got.ID)
	}
}

func TestBusClose(t *testing.T) {
	defer leaktest.Check(t)()

	bus := transport.NewRuntime()
	tap := bus.Attach()

	if err := bus.Close(); err != nil {
		t.Fatalf("Close: unexpected error: %v", err)
	}
	if _, err := tap.Recv(); err == nil {
		t.Error("Recv after bus close: got nil, want error")
	}
	if err := tap.Send(testMessage("x")); err == nil {
		t.Error("Send after bus close: got nil, want error")
	}
	if err := bus.Close(); err == nil {
		t.Error("Second close: got nil, want error")
	}

	// Attaching to a closed bus yields a dead tap rather than a panic.
	dead := bus.Attach()
	if _, err := dead.Recv(); err == nil {
		t.Error("Recv on tap of closed bus: got nil, want error")
	}
}

func TestBusDropOnFullQueue(t *testing.T) {
	defer leaktest.Check(t)()

	bus := transport.NewRuntime()
	defer bus.Close()

	sender := bus.Attach()
	slow := bus.Attach()

	// Overfill the slow tap's queue. Sends must not block or fail; the
	// overflow is simply lost.
	const queueDepth = 128
	for i := 0; i < queueDepth+16; i++ {
		if err := sender.Send(testMessage("flood")); err != nil {
			t.Fatalf("Send %d: unexpected error: %v", i, err)
		}
	}

	// Exactly a queue's worth survives.
	for i := 0; i < queueDepth; i++ {
		if got := recvOrTimeout(t, slow); got.ID != "flood" {
			t.Fatalf("Received id %q, want flood", got.ID)
		}
	}

	// Detach and verify nothing more was queued.
	if err := slow.Close(); err != nil {
		t.Fatalf("Close tap: unexpected error: %v", err)
	}
	if m, err := slow.Recv(); err == nil {
		t.Errorf("Recv after drain: got %v, want error", m)
	}
}
