package core

import (
	"context"
	"encoding/json"
)

// Frame is a raw encoded envelope.
type Frame []byte

// Event is one decoded inbound envelope.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type Handler func(Event)

// SignalConn abstracts a live realtime connection.
// Owned by the connection manager; it must Close() it.
type SignalConn interface {
	// Emit encodes payload under eventType and queues it for writing.
	Emit(eventType string, payload any) error
	// Subscribe registers h for eventType. Handlers run on the read loop
	// in server emission order. The returned func is idempotent.
	Subscribe(eventType string, h Handler) (unsubscribe func())
	// Done is closed once the connection is gone, for any reason.
	Done() <-chan struct{}
	Close()
}

// Dialer opens a transport-level connection, authenticated by token.
type Dialer interface {
	Dial(ctx context.Context, token string) (SignalConn, error)
}

type SessionID string

// SignalConnection is the server side of a realtime connection.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// Envelope is the wire frame in both directions.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

func Encode(eventType string, data any) (Frame, error) {
	return json.Marshal(Envelope{Type: eventType, Data: data})
}
