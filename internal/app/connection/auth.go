package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Consult/internal/app/await"
	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
)

type authFrame struct {
	Token    string      `json:"token"`
	Role     domain.Role `json:"role"`
	ClientID string      `json:"clientId"`
	TS       int64       `json:"ts"`
}

type authOK struct {
	SessionID string `json:"sessionId"`
}

type authError struct {
	Reason string `json:"reason"`
}

// authenticate sends the auth frame and waits for the server's verdict.
func (m *Manager) authenticate(ctx context.Context, conn core.SignalConn, token string) (string, error) {
	timeout := m.opts.HandshakeTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	race := await.Race[string]{
		Timeout: timeout,
		Expired: domain.ErrHandshakeTimeout,
		Log:     m.log,
		Arms: []await.Arm[string]{
			{
				Type: "auth:ok",
				Result: func(ev core.Event) (string, error) {
					var ok authOK
					if err := json.Unmarshal(ev.Data, &ok); err != nil {
						return "", fmt.Errorf("%w: auth:ok: %v", domain.ErrMalformedPayload, err)
					}
					return ok.SessionID, nil
				},
			},
			{
				Type: "auth:error",
				Result: func(ev core.Event) (string, error) {
					var e authError
					if err := json.Unmarshal(ev.Data, &e); err != nil {
						m.log.Warn().Err(err).Msg("unreadable auth:error payload")
					}
					return "", domain.Rejected(domain.ErrHandshakeRejected, e.Reason)
				},
			},
		},
	}
	sid, err := race.Run(ctx, conn, func() error {
		return conn.Emit("auth", authFrame{
			Token:    token,
			Role:     m.opts.Role,
			ClientID: m.opts.ClientID,
			TS:       time.Now().UnixMilli(),
		})
	})
	switch {
	case err == nil:
		return sid, nil
	case errors.Is(err, context.DeadlineExceeded):
		return "", domain.ErrHandshakeTimeout
	case errors.Is(err, domain.ErrClosed), errors.Is(err, context.Canceled):
		return "", fmt.Errorf("%w: closed during auth", domain.ErrConnectionUnavailable)
	}
	return "", err
}
