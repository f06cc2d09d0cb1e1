package domain

import "time"

type OutboundMessage struct {
	CorrelationID string
	Key           RoomKey
	Body          string
	SentAt        time.Time
}

type Transport string

const (
	TransportDurable  Transport = "durable"
	TransportRealtime Transport = "realtime"
)

type SendOutcome struct {
	ServerID      string
	CorrelationID string
	Transport     Transport
}

// InboundMessage is the canonical form of a received chat message.
type InboundMessage struct {
	ServerID   string    `json:"id,omitempty"`
	RoomRef    string    `json:"roomRef,omitempty"`
	Text       string    `json:"text"`
	SentAt     time.Time `json:"sentAt"`
	SenderRole Role      `json:"senderRole,omitempty"`
	Read       bool      `json:"read"`
}

type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxConfirmed OutboxStatus = "confirmed"
	OutboxFailed    OutboxStatus = "failed"
)

// OutboxEvent tracks the optimistic copy of an outbound message. Every
// correlation id sees one pending event followed by exactly one terminal one.
type OutboxEvent struct {
	Status  OutboxStatus
	Message OutboundMessage
	Outcome SendOutcome
	Err     error
}

type TypingEvent struct {
	RoomRef  string `json:"roomRef"`
	IsTyping bool   `json:"isTyping"`
}

type ReadEvent struct {
	RoomRef string `json:"roomRef"`
}

// ChatMessage is a stored message as the server reports it.
type ChatMessage struct {
	ID            string    `json:"id"`
	RoomRef       string    `json:"chatId"`
	Text          string    `json:"text"`
	SenderID      UserID    `json:"senderId"`
	SenderRole    Role      `json:"senderRole"`
	CorrelationID string    `json:"correlationId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	Read          bool      `json:"isRead"`
}
