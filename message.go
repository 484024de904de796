// Copyright (C) 2022 CasperLabs. All Rights Reserved.

package signer

import (
	"encoding/json"
	"fmt"
)

// A Name identifies one of the execution contexts that participate in the
// messaging protocol. The relay is deliberately absent from the set: it
// forwards traffic between transports but is not itself addressable.
type Name string

// The participating execution contexts.
const (
	Page       Name = "page"       // the untrusted injected page
	Background Name = "background" // the privileged background process
	Popup      Name = "popup"      // the wallet popup window
)

func (n Name) valid() bool { return n == Page || n == Background || n == Popup }

// A Kind distinguishes the two message shapes exchanged between endpoints.
type Kind string

const (
	KindRequest Kind = "request" // initiates a call; carries method and args
	KindReply   Kind = "reply"   // settles a call; carries a value
)

// A Message is the unit of traffic between endpoints. Messages are plain
// JSON objects so that they survive the structured-clone transports the
// browser offers, and so that the same framing works across a websocket.
type Message struct {
	Type        Kind              `json:"type"`
	ID          string            `json:"id"`
	Method      string            `json:"method,omitempty"` // requests only
	Args        []json.RawMessage `json:"args,omitempty"`   // requests only
	Value       json.RawMessage   `json:"value,omitempty"`  // replies only
	Source      Name              `json:"source"`
	Destination Name              `json:"destination"`
}

// Valid reports whether m is structurally a protocol message: a known type,
// a nonempty correlation id, distinct known source and destination names, and
// for requests a nonempty method. It does not check that the method is
// registered anywhere or that the value decodes.
func (m *Message) Valid() bool {
	if m == nil || m.ID == "" || !m.Source.valid() || !m.Destination.valid() || m.Source == m.Destination {
		return false
	}
	switch m.Type {
	case KindRequest:
		return m.Method != ""
	case KindReply:
		return true
	}
	return false
}

// String returns a human-friendly rendering of the message.
func (m *Message) String() string {
	switch m.Type {
	case KindRequest:
		return fmt.Sprintf("Request(ID=%s, Method=%s, Args=%d, %s→%s)",
			m.ID, m.Method, len(m.Args), m.Source, m.Destination)
	case KindReply:
		return fmt.Sprintf("Reply(ID=%s, Value=%s, %s→%s)",
			m.ID, previewValue(m.Value), m.Source, m.Destination)
	}
	return fmt.Sprintf("Message(Type=%q, ID=%s, %s→%s)", m.Type, m.ID, m.Source, m.Destination)
}

func previewValue(v json.RawMessage) string {
	if len(v) > 32 {
		return string(v[:32]) + "..."
	}
	return string(v)
}

// errorValue is the wire form of a failed call: a reply whose value is an
// object bearing a string "error" member. That shape is reserved; handlers
// must not produce it as a success value.
type errorValue struct {
	Error string `json:"error"`
}

// ErrorValue encodes msg as a reply error descriptor.
func ErrorValue(msg string) json.RawMessage {
	v, err := json.Marshal(errorValue{Error: msg})
	if err != nil {
		panic(fmt.Errorf("encoding error value: %w", err))
	}
	return v
}

// decodeReplyError reports whether v is an error descriptor, and if so
// returns the error message it carries.
func decodeReplyError(v json.RawMessage) (string, bool) {
	var ev struct {
		Error *string `json:"error"`
	}
	if err := json.Unmarshal(v, &ev); err != nil || ev.Error == nil {
		return "", false
	}
	return *ev.Error, true
}
