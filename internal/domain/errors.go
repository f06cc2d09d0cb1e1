package domain

import (
	"errors"
	"fmt"
)

var (
	ErrCredentialMissing     = errors.New("credential missing")
	ErrHandshakeTimeout      = errors.New("handshake timeout")
	ErrHandshakeRejected     = errors.New("handshake rejected")
	ErrConnectionUnavailable = errors.New("connection unavailable")
	ErrInvalidKey            = errors.New("invalid room key")
	ErrJoinTimeout           = errors.New("join timeout")
	ErrJoinRejected          = errors.New("join rejected")
	ErrJoinThrottled         = errors.New("join throttled")
	ErrSendTimeout           = errors.New("send timeout")
	ErrSendRejected          = errors.New("send rejected")
	ErrMalformedPayload      = errors.New("malformed payload")
	ErrEmptyBody             = errors.New("empty message body")
	ErrBackpressure          = errors.New("backpressure")
	ErrClosed                = errors.New("connection closed")
)

// ServerError carries the server's own message for a semantic rejection.
type ServerError struct {
	Kind    error
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ServerError) Unwrap() error { return e.Kind }

func Rejected(kind error, message string) error {
	return &ServerError{Kind: kind, Message: message}
}
