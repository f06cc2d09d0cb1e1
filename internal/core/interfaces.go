package core

import (
	"context"
	"encoding/json"

	"github.com/dkeye/Consult/internal/domain"
)

// CredentialProvider returns the current bearer token. An empty token
// with a nil error means no credential is available.
type CredentialProvider interface {
	Token(ctx context.Context) (string, error)
}

type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// StaticToken always returns the same token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// Prober checks reachability of the realtime server before a handshake.
type Prober interface {
	Probe(ctx context.Context) error
}

// DurableChannel is the request/response path for messages.
type DurableChannel interface {
	PostMessage(ctx context.Context, roomRef string, msg domain.OutboundMessage) (serverID string, err error)
	History(ctx context.Context, roomRef string) ([]json.RawMessage, error)
}

// Connector hands out the live connection, establishing it when needed.
type Connector interface {
	Connect(ctx context.Context) (SignalConn, error)
	Generation() uint64
	Role() domain.Role
	ClientID() string
	OnConnected(func(SignalConn)) (unsubscribe func())
}
