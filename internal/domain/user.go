// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
)

const (
	MaxUserIDLen = 64
)

var (
	ErrUserIDTooLong = errors.New("user id too long")
	ErrUserIDEmpty   = errors.New("user id empty")
	ErrUnknownRole   = errors.New("unknown role")
)

type UserID string

// Role is the side of a consultation a participant is on.
type Role string

const (
	RoleClient     Role = "client"
	RoleConsultant Role = "consultant"
)

func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleClient:
		return RoleClient, nil
	case RoleConsultant:
		return RoleConsultant, nil
	}
	return "", ErrUnknownRole
}

// Counterpart is the role on the other side of the conversation.
func (r Role) Counterpart() Role {
	if r == RoleConsultant {
		return RoleClient
	}
	return RoleConsultant
}

type User struct {
	ID   UserID `json:"id"`
	Role Role   `json:"role"`
}

func NewUser(id string, role Role) (*User, error) {
	id = strings.TrimSpace(id)
	if len(id) == 0 {
		return nil, ErrUserIDEmpty
	}
	if len(id) > MaxUserIDLen {
		return nil, ErrUserIDTooLong
	}
	return &User{ID: UserID(id), Role: role}, nil
}
