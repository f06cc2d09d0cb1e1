package app

import "github.com/dkeye/Consult/internal/core"

// SlowAction is what the hub does with a member whose send buffer is full.
type SlowAction int

const (
	KeepMember SlowAction = iota
	EvictMember
)

type SlowMemberPolicy interface {
	OnSlowMember(room *Room, member core.SessionID) SlowAction
}

// EvictSlow drops slow members; the client reconnects and rejoins.
type EvictSlow struct{}

func (EvictSlow) OnSlowMember(*Room, core.SessionID) SlowAction { return EvictMember }
