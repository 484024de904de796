// Copyright (C) 2022 CasperLabs. All Rights Reserved.

package transport

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"

	"github.com/creachadair/taskgroup"
	"github.com/gorilla/websocket"

	"github.com/CasperLabs/signer"
)

// A WebSocket wraps a websocket connection as a signer.Transport, carrying
// one JSON-encoded message per text frame. It lets the runtime bus extend
// to a context running out of process, such as a detached popup or a test
// harness driving the background over localhost.
type WebSocket struct {
	μ    sync.Mutex // guards writes
	conn *websocket.Conn
}

// NewWebSocket wraps an established websocket connection.
func NewWebSocket(conn *websocket.Conn) *WebSocket { return &WebSocket{conn: conn} }

// Dial connects to a websocket bridge at url (ws:// or wss://).
func Dial(ctx context.Context, url string) (*WebSocket, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocket(conn), nil
}

// Send implements a method of the [signer.Transport] interface.
func (w *WebSocket) Send(m *signer.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	w.μ.Lock()
	defer w.μ.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// Recv implements a method of the [signer.Transport] interface. Frames that
// do not decode as a message are ignored rather than surfaced as errors;
// arbitrary input must not be able to tear the transport down.
func (w *WebSocket) Recv() (*signer.Message, error) {
	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, net.ErrClosed
			}
			return nil, err
		}
		var m signer.Message
		if err := json.Unmarshal(data, &m); err != nil {
			continue // not a protocol message
		}
		return &m, nil
	}
}

// Close implements a method of the [signer.Transport] interface.
func (w *WebSocket) Close() error { return w.conn.Close() }

// A Bridge is an http.Handler that accepts websocket connections and
// attaches each one to Bus, copying traffic both ways until the remote side
// disconnects or the bus closes.
type Bridge struct {
	Bus      *Bus
	Upgrader websocket.Upgrader
}

// ServeHTTP implements the http.Handler interface.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // the upgrader has already replied
	}
	ws := NewWebSocket(conn)
	tap := b.Bus.Attach()

	taskgroup.Go(func() error {
		defer tap.Close()
		for {
			m, err := ws.Recv()
			if err != nil {
				return nil
			}
			if err := tap.Send(m); err != nil {
				return nil
			}
		}
	})
	taskgroup.Go(func() error {
		defer ws.Close()
		for {
			m, err := tap.Recv()
			if err != nil {
				return nil
			}
			if err := ws.Send(m); err != nil {
				return nil
			}
		}
	})
}
