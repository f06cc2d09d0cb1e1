package domain

import (
	"encoding/json"
	"time"
)

const SessionRequestPending = "pending"

// SessionRequest is a new booking/session request pushed by the server.
type SessionRequest struct {
	ResourceID  string          `json:"resourceId" validate:"required"`
	SessionID   string          `json:"sessionId,omitempty"`
	Status      string          `json:"status,omitempty"`
	ClientName  string          `json:"clientName,omitempty"`
	RequestedAt time.Time       `json:"requestedAt"`
	Raw         json.RawMessage `json:"-"`
}
