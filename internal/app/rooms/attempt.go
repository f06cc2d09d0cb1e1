package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Consult/internal/app/await"
	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
	"github.com/google/uuid"
)

type joinFrame struct {
	PrimaryID     string      `json:"primaryId,omitempty"`
	SecondaryID   string      `json:"secondaryId,omitempty"`
	Role          domain.Role `json:"role"`
	ClientID      string      `json:"clientId,omitempty"`
	CorrelationID string      `json:"correlationId"`
}

type joinedReply struct {
	RoomRef       string `json:"roomRef"`
	CorrelationID string `json:"correlationId"`
}

type errorReply struct {
	Message       string `json:"message"`
	Code          string `json:"code,omitempty"`
	CorrelationID string `json:"correlationId"`
}

// CodeRateLimited marks a room:error as a transient throttle rather than a
// rejection of the room.
const CodeRateLimited = "rate_limited"

// Strategies lists the join attempts for key in order: both ids, primary
// only, secondary only. Attempts that would repeat an earlier one or
// carry no id are left out.
func Strategies(key domain.RoomKey) []domain.JoinStrategy {
	var out []domain.JoinStrategy
	if key.PrimaryID != "" && key.SecondaryID != "" && key.PrimaryID != key.SecondaryID {
		out = append(out, domain.StrategyBoth)
	}
	if key.PrimaryID != "" {
		out = append(out, domain.StrategyPrimary)
	}
	if key.SecondaryID != "" && key.SecondaryID != key.PrimaryID {
		out = append(out, domain.StrategySecondary)
	}
	return out
}

func frameFor(key domain.RoomKey, s domain.JoinStrategy) joinFrame {
	var f joinFrame
	switch s {
	case domain.StrategyBoth:
		f.PrimaryID, f.SecondaryID = key.PrimaryID, key.SecondaryID
	case domain.StrategyPrimary:
		f.PrimaryID = key.PrimaryID
	case domain.StrategySecondary:
		f.SecondaryID = key.SecondaryID
	}
	return f
}

// attempt emits one room:join and waits for its outcome.
func (c *Coordinator) attempt(ctx context.Context, conn core.SignalConn, key domain.RoomKey, s domain.JoinStrategy, timeout time.Duration) (string, error) {
	frame := frameFor(key, s)
	frame.Role = c.conns.Role()
	frame.ClientID = c.conns.ClientID()
	frame.CorrelationID = uuid.NewString()

	candidates := map[string]bool{}
	for _, id := range []string{frame.PrimaryID, frame.SecondaryID} {
		if id != "" {
			candidates[id] = true
		}
	}

	race := await.Race[string]{
		Timeout: timeout,
		Expired: domain.ErrJoinTimeout,
		Log:     c.log,
		Arms: []await.Arm[string]{
			{
				Type: "room:joined",
				Match: func(ev core.Event) bool {
					var r joinedReply
					if err := json.Unmarshal(ev.Data, &r); err != nil {
						return false
					}
					if r.CorrelationID != "" {
						return r.CorrelationID == frame.CorrelationID
					}
					return candidates[r.RoomRef]
				},
				Result: func(ev core.Event) (string, error) {
					var r joinedReply
					if err := json.Unmarshal(ev.Data, &r); err != nil {
						return "", fmt.Errorf("%w: room:joined: %v", domain.ErrMalformedPayload, err)
					}
					if r.RoomRef == "" {
						r.RoomRef = key.Ref()
					}
					return r.RoomRef, nil
				},
			},
			{
				Type: "room:error",
				Match: func(ev core.Event) bool {
					var r errorReply
					return json.Unmarshal(ev.Data, &r) == nil && r.CorrelationID == frame.CorrelationID
				},
				Result: func(ev core.Event) (string, error) {
					var r errorReply
					if err := json.Unmarshal(ev.Data, &r); err != nil {
						return "", fmt.Errorf("%w: room:error: %v", domain.ErrMalformedPayload, err)
					}
					if r.Code == CodeRateLimited {
						return "", domain.Rejected(domain.ErrJoinThrottled, r.Message)
					}
					return "", domain.Rejected(domain.ErrJoinRejected, r.Message)
				},
			},
		},
	}

	ref, err := race.Run(ctx, conn, func() error { return conn.Emit("room:join", frame) })
	switch {
	case err == nil:
		return ref, nil
	case errors.Is(err, context.DeadlineExceeded):
		return "", domain.ErrJoinTimeout
	case errors.Is(err, domain.ErrClosed), errors.Is(err, domain.ErrBackpressure), errors.Is(err, context.Canceled):
		return "", fmt.Errorf("%w: %v", domain.ErrConnectionUnavailable, err)
	}
	return "", err
}
