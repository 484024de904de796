// Copyright (C) 2022 CasperLabs. All Rights Reserved.

package signer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/creachadair/taskgroup"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// A Transport is a duplex message conduit shared with other execution
// contexts. It abstracts the browser's fire-and-forget primitives: a shared
// window for the page and its relay, the extension-wide runtime channel for
// everything else.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Transport interface {
	// Send delivers the message to the transport.
	Send(*Message) error

	// Receive the next available message from the transport.
	Recv() (*Message, error)

	// Close the transport, causing any pending send or receive operations to
	// terminate and report an error. After a transport is closed, all further
	// operations on it must report an error.
	Close() error
}

// A Handler services one inbound request. Its result is encoded to JSON and
// returned to the caller as the reply value; a reported error crosses the
// wire as an error descriptor with the error's text. A handler can obtain
// the endpoint from its context argument using the ContextEndpoint helper.
//
// Handlers for distinct requests run concurrently with each other and must
// not assume mutual exclusion.
type Handler func(ctx context.Context, req *Request) (any, error)

// A Request is the handler-facing view of an inbound request message.
type Request struct {
	Method string            // the requested method name
	Args   []json.RawMessage // positional arguments, JSON-encoded
	Source Name              // the context the request came from
}

// Arg unmarshals the positional argument at index i into v.
func (r *Request) Arg(i int, v any) error {
	if i < 0 || i >= len(r.Args) {
		return fmt.Errorf("%s: missing argument %d", r.Method, i)
	}
	if err := json.Unmarshal(r.Args[i], v); err != nil {
		return fmt.Errorf("%s: argument %d: %w", r.Method, i, err)
	}
	return nil
}

// A MessageLogger logs a message exchanged with other contexts.
type MessageLogger func(msg MessageInfo)

// A MessageInfo combines a message and a flag indicating whether the message
// was sent or received.
type MessageInfo struct {
	*Message      // the message being logged
	Sent     bool // whether the message was sent (true) or received (false)
}

func (m MessageInfo) dir() string {
	if m.Sent {
		return "send"
	}
	return "recv"
}

func (m MessageInfo) String() string {
	return fmt.Sprintf("%v %v", m.dir(), m.Message)
}

// ZeroLogger adapts a zerolog logger to a MessageLogger. Messages are
// reported at debug level; logging is purely diagnostic and does not affect
// message flow.
func ZeroLogger(log zerolog.Logger) MessageLogger {
	return func(mi MessageInfo) {
		log.Debug().
			Str("dir", mi.dir()).
			Str("type", string(mi.Type)).
			Str("id", mi.ID).
			Str("method", mi.Method).
			Str("source", string(mi.Source)).
			Str("destination", string(mi.Destination)).
			Msg("rpc message")
	}
}

// An Endpoint is one side of a fixed endpoint pair. It owns a registry of
// methods other contexts may call, and a table of calls it has issued that
// have not yet received replies. Every message it sends is stamped with its
// own name as source; every message it receives is filtered to those
// addressed to it by its fixed peer, so an endpoint on a broadcast transport
// ignores loopback of its own traffic and conversations it is not party to.
//
// Construct an endpoint with New, then call Start with a transport to start
// its service routine. Once started, an endpoint runs until Stop is called
// or the transport closes. Use Wait to wait for the endpoint to exit and
// report its status.
//
// Call Handle to add handlers to the local endpoint. Use Call to invoke a
// method on the remote context. Both methods are safe for concurrent use by
// multiple goroutines.
type Endpoint struct {
	source Name
	dest   Name

	in  interface{ Recv() (*Message, error) }
	out struct {
		// Must hold the lock to send to or set tr.
		sync.Mutex
		tr Transport
	}
	tasks *taskgroup.Group

	μ sync.Mutex

	err    error              // transport fatal error
	ocall  map[string]pending // outbound calls pending replies
	imux   map[string]Handler // method name → handler
	mlog   MessageLogger      // what it says on the tin
	cancel context.CancelFunc // stops in-flight handler contexts
}

// New constructs a new unstarted endpoint with the given fixed identity.
// It panics if the names are not distinct members of the protocol's name
// set.
func New(source, destination Name) *Endpoint {
	if !source.valid() || !destination.valid() || source == destination {
		panic(fmt.Sprintf("invalid endpoint identity %q → %q", source, destination))
	}
	return &Endpoint{source: source, dest: destination}
}

// Source reports the name this endpoint stamps on outgoing messages.
func (e *Endpoint) Source() Name { return e.source }

// Start starts the endpoint running on the given transport. The endpoint
// runs until the transport closes. Start does not block; call Wait to wait
// for the endpoint to exit and report its status.
func (e *Endpoint) Start(t Transport) *Endpoint {
	if e.in != nil {
		panic("endpoint is already started")
	}

	g := taskgroup.New(nil)
	rctx, cancel := context.WithCancel(context.Background())
	e.in = t
	e.tasks = g
	e.out.tr = t
	e.err = nil
	e.ocall = make(map[string]pending)
	e.cancel = cancel

	g.Go(func() error {
		for {
			m, err := e.in.Recv()
			if err != nil {
				e.fail(err)
				return nil
			}
			endpointMetrics.msgRecv.Add(1)
			e.dispatch(rctx, m)
		}
	})

	return e
}

// Stop closes the transport and terminates the endpoint. It blocks until
// the endpoint has exited and returns its status. After Stop completes it is
// safe to restart the endpoint with a new transport.
func (e *Endpoint) Stop() error { e.closeOut(); return e.Wait() }

func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// waitTasks blocks until the service routines have finished, and reports
// whether the endpoint was running.
func (e *Endpoint) waitTasks() bool {
	e.μ.Lock()
	t := e.tasks
	e.μ.Unlock()
	if t == nil {
		return false
	}
	t.Wait()
	return true
}

// Wait blocks until e terminates and reports the error that caused it to
// stop. After Wait completes it is safe to restart the endpoint with a new
// transport.
//
// If e is not running, or has stopped because of a closed transport, Wait
// returns nil; otherwise it returns the error that triggered the failure.
func (e *Endpoint) Wait() error {
	if !e.waitTasks() {
		return nil // the endpoint is not running
	}

	// Clean up endpoint state so it can be garbage collected.
	e.μ.Lock()
	defer e.μ.Unlock()
	e.in = nil
	e.tasks = nil
	e.out.Lock()
	e.out.tr = nil
	e.out.Unlock()
	e.ocall = nil

	if treatErrorAsSuccess(e.err) {
		return nil
	}
	return e.err
}

// Call invokes the named method on the remote context with the given
// arguments, each of which must be JSON-marshalable. It blocks until ctx
// ends or until the matching reply is received, and returns the reply's raw
// value.
//
// There is no cancellation on the wire and no built-in timeout: a call whose
// destination context is gone simply never receives a reply. When ctx ends
// the pending call is released locally, so a late reply is dropped as
// unknown. An error reported by Call has concrete type *CallError.
func (e *Endpoint) Call(ctx context.Context, method string, args ...any) (_ json.RawMessage, err error) {
	endpointMetrics.callOut.Add(1)
	defer func() {
		if err != nil {
			endpointMetrics.callOutErr.Add(1)
		}
	}()

	id, pc, err := e.sendReq(method, args)
	if err != nil {
		return nil, &CallError{Method: method, Err: err}
	}
	endpointMetrics.callPending.Add(1)
	defer endpointMetrics.callPending.Add(-1)

	select {
	case <-ctx.Done():
		// Release the id so that a reply arriving after we give up is
		// discarded as unknown rather than delivered to nobody.
		e.μ.Lock()
		delete(e.ocall, id)
		e.μ.Unlock()
		return nil, &CallError{Method: method, Err: ctx.Err()}

	case m, ok := <-pc:
		if !ok {
			// Closed without a reply: the transport failed underneath us.
			e.waitTasks()
			e.μ.Lock()
			cause := e.err
			e.μ.Unlock()
			return nil, &CallError{Method: method, Err: fmt.Errorf("call terminated: %w", cause)}
		}
		if emsg, ok := decodeReplyError(m.Value); ok {
			return nil, &CallError{Method: method, Message: emsg}
		}
		return m.Value, nil
	}
}

// Notify issues a broadcast: a request message whose reply the caller
// discards. The message carries a fresh correlation id, but no pending call
// is recorded for it, so the eventual reply is dropped as unknown. Notify
// does not wait for the destination to act; it returns once the message is
// handed to the transport.
func (e *Endpoint) Notify(method string, args ...any) error {
	enc, err := marshalArgs(args)
	if err != nil {
		return err
	}
	e.μ.Lock()
	err = e.err
	running := e.ocall != nil
	e.μ.Unlock()
	if err != nil {
		return err
	} else if !running {
		return errNotStarted
	}
	endpointMetrics.notifyOut.Add(1)
	return e.send(&Message{
		Type:        KindRequest,
		ID:          uuid.NewString(),
		Method:      method,
		Args:        enc,
		Source:      e.source,
		Destination: e.dest,
	})
}

// Handle registers a handler for the named method, replacing any handler
// previously registered under that name. Last registration wins: replacing
// is an explicit policy (it permits hot-swapping a method surface during
// development), not an error. Passing a nil handler removes any handler for
// the name. It is safe to call Handle while the endpoint is running. Handle
// returns e to permit chaining.
func (e *Endpoint) Handle(method string, handler Handler) *Endpoint {
	e.μ.Lock()
	defer e.μ.Unlock()
	if e.imux == nil {
		e.imux = make(map[string]Handler)
	}
	if handler == nil {
		delete(e.imux, method)
	} else {
		e.imux[method] = handler
	}
	return e
}

// LogMessages registers a callback that will be invoked for each message
// exchanged with other contexts, including messages to be discarded.
//
// Passing a nil callback disables message logging. The logger is invoked
// synchronously with dispatch, prior to sending or handling a message.
func (e *Endpoint) LogMessages(log MessageLogger) *Endpoint {
	e.μ.Lock()
	defer e.μ.Unlock()
	e.mlog = log
	return e
}

// fail terminates all pending calls and updates the failure status.
func (e *Endpoint) fail(err error) {
	e.closeOut()

	e.μ.Lock()
	defer e.μ.Unlock()

	// Terminate all incomplete pending (outbound) calls.
	for _, pc := range e.ocall {
		pc.close()
	}
	e.ocall = nil

	// Signal in-flight handlers to stop.
	if e.cancel != nil {
		e.cancel()
	}
	e.err = err
}

// sendReq sends a request message for the given method and arguments.
// It blocks until the send completes, but does not wait for the reply.
// The reply will be delivered on the returned pending channel.
func (e *Endpoint) sendReq(method string, args []any) (string, pending, error) {
	enc, err := marshalArgs(args)
	if err != nil {
		return "", nil, err
	}

	// Phase 1: Check for fatal errors and acquire state.
	e.μ.Lock()
	if err := e.err; err != nil {
		e.μ.Unlock()
		return "", nil, err
	}
	if e.ocall == nil {
		e.μ.Unlock()
		return "", nil, errNotStarted
	}
	id := uuid.NewString()
	pc := make(pending, 1)
	e.ocall[id] = pc
	e.μ.Unlock()

	// Send the request. Note we MUST NOT hold the state lock while doing
	// this, as that would block the receiver from dispatching messages.
	err = e.send(&Message{
		Type:        KindRequest,
		ID:          id,
		Method:      method,
		Args:        enc,
		Source:      e.source,
		Destination: e.dest,
	})

	// Phase 2: Check for an error in the send, and update state if it failed.
	e.μ.Lock()
	defer e.μ.Unlock()
	if err != nil {
		delete(e.ocall, id)
		return "", nil, err
	}
	return id, pc, nil
}

// dispatch routes one inbound message. Malformed or misaddressed traffic is
// dropped: nothing an incoming message carries may take the receive loop
// down.
func (e *Endpoint) dispatch(rctx context.Context, m *Message) {
	e.μ.Lock()
	mlog := e.mlog
	e.μ.Unlock()
	if mlog != nil {
		mlog(MessageInfo{Message: m, Sent: false})
	}

	// Accept only traffic addressed to this endpoint by its fixed peer. This
	// discards loopback of the endpoint's own broadcasts and conversations
	// between other context pairs sharing the transport.
	if !m.Valid() || m.Destination != e.source || m.Source != e.dest {
		endpointMetrics.msgDropped.Add(1)
		return
	}

	switch m.Type {
	case KindRequest:
		e.dispatchRequest(rctx, m)

	case KindReply:
		e.μ.Lock()
		pc, ok := e.ocall[m.ID]
		if ok {
			delete(e.ocall, m.ID)
		}
		e.μ.Unlock()
		if !ok {
			// A reply nobody is waiting for: the caller gave up, the call
			// was a broadcast, or the reply was addressed to a context that
			// no longer exists. Discard it.
			endpointMetrics.msgDropped.Add(1)
			return
		}
		pc.deliver(m) // does not block
	}
}

// dispatchRequest dispatches an inbound request to its handler in a new
// goroutine, so that handling one request does not block dispatch of the
// next. Unknown methods are reported back to the caller as error replies.
func (e *Endpoint) dispatchRequest(rctx context.Context, m *Message) {
	endpointMetrics.callIn.Add(1)

	e.μ.Lock()
	handler, ok := e.imux[m.Method]
	tasks := e.tasks
	e.μ.Unlock()

	if !ok {
		endpointMetrics.callInErr.Add(1)
		e.sendReply(m, ErrorValue(fmt.Sprintf("unknown method %q", m.Method)))
		return
	}

	req := &Request{Method: m.Method, Args: m.Args, Source: m.Source}
	hctx := context.WithValue(rctx, endpointContextKey{}, e)
	endpointMetrics.callActive.Add(1)

	tasks.Go(func() error {
		defer endpointMetrics.callActive.Add(-1)

		v, err := func() (_ any, err error) {
			// Ensure a panic out of the handler is turned into a graceful reply.
			defer func() {
				if x := recover(); x != nil && err == nil {
					err = fmt.Errorf("handler panicked (recovered): %v", x)
				}
			}()
			return handler(hctx, req)
		}()
		if err != nil {
			endpointMetrics.callInErr.Add(1)
			e.sendReply(m, ErrorValue(err.Error()))
			return nil
		}
		enc, err := json.Marshal(v)
		if err != nil {
			endpointMetrics.callInErr.Add(1)
			e.sendReply(m, ErrorValue(fmt.Sprintf("encoding %s result: %v", m.Method, err)))
			return nil
		}
		e.sendReply(m, enc)
		return nil
	})
}

// sendReply sends the settlement for the request message req back to its
// source. Send failures are transport fatal.
func (e *Endpoint) sendReply(req *Message, value json.RawMessage) {
	e.μ.Lock()
	err := e.err
	e.μ.Unlock()
	if err != nil {
		return
	}

	if err := e.send(&Message{
		Type:        KindReply,
		ID:          req.ID,
		Value:       value,
		Source:      e.source,
		Destination: req.Source,
	}); err != nil {
		e.closeOut()
	}
}

func (e *Endpoint) send(m *Message) error {
	e.out.Lock()
	defer e.out.Unlock()
	endpointMetrics.msgSent.Add(1)
	if e.mlog != nil {
		e.mlog(MessageInfo{Message: m, Sent: true})
	}
	if e.out.tr == nil {
		return errNotStarted
	}
	return e.out.tr.Send(m)
}

func (e *Endpoint) closeOut() {
	e.out.Lock()
	defer e.out.Unlock()
	if e.out.tr != nil {
		e.out.tr.Close()
	}
}

var errNotStarted = errors.New("endpoint is not started")

func marshalArgs(args []any) ([]json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	enc := make([]json.RawMessage, len(args))
	for i, a := range args {
		v, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("encoding argument %d: %w", i, err)
		}
		enc[i] = v
	}
	return enc, nil
}

type pending chan *Message

func (p pending) close() {
	if p != nil {
		close(p)
	}
}

func (p pending) deliver(m *Message) {
	if p != nil {
		p <- m
		close(p)
	}
}

// CallError is the concrete type of errors reported by the Call method of an
// Endpoint. For errors reported by the remote handler, Err is nil and
// Message holds the descriptor text that crossed the wire; otherwise Err
// holds the local cause.
type CallError struct {
	Method  string // the method that was called
	Message string // the remote error descriptor, if any
	Err     error  // nil for remote handler errors
}

// Unwrap reports the underlying error of c. If c.Err == nil, this is nil.
func (c *CallError) Unwrap() error { return c.Err }

// Error satisfies the error interface.
func (c *CallError) Error() string {
	if c.Err != nil {
		return fmt.Sprintf("call %s: %v", c.Method, c.Err)
	}
	return fmt.Sprintf("call %s: %s", c.Method, c.Message)
}

type endpointContextKey struct{}

// ContextEndpoint returns the Endpoint associated with the given context, or
// nil if none is defined. The context passed to a method Handler has this
// value, which lets a handler call back to the context that invoked it.
func ContextEndpoint(ctx context.Context) *Endpoint {
	if v := ctx.Value(endpointContextKey{}); v != nil {
		return v.(*Endpoint)
	}
	return nil
}
