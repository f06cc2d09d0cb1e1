package domain

import (
	"strings"
	"time"
)

// RoomKey addresses a room by one or two correlated ids (session id and
// parent resource id). Either may be missing or stale.
type RoomKey struct {
	PrimaryID   string `json:"primaryId,omitempty"`
	SecondaryID string `json:"secondaryId,omitempty"`
}

func NewRoomKey(primary, secondary string) RoomKey {
	return RoomKey{
		PrimaryID:   strings.TrimSpace(primary),
		SecondaryID: strings.TrimSpace(secondary),
	}
}

// Canonical is the cache key form "primary:secondary".
func (k RoomKey) Canonical() string {
	return strings.TrimSpace(k.PrimaryID) + ":" + strings.TrimSpace(k.SecondaryID)
}

func (k RoomKey) Valid() bool {
	return strings.TrimSpace(k.PrimaryID) != "" || strings.TrimSpace(k.SecondaryID) != ""
}

// Ref returns the id used to address the room on the wire when only one is
// accepted: the primary id if present, the secondary otherwise.
func (k RoomKey) Ref() string {
	if p := strings.TrimSpace(k.PrimaryID); p != "" {
		return p
	}
	return strings.TrimSpace(k.SecondaryID)
}

func (k RoomKey) String() string { return k.Canonical() }

type JoinStrategy string

const (
	StrategyBoth      JoinStrategy = "both"
	StrategyPrimary   JoinStrategy = "primary"
	StrategySecondary JoinStrategy = "secondary"
)

// JoinRecord is the cached terminal outcome of a join attempt.
type JoinRecord struct {
	At         time.Time
	OK         bool
	Err        error
	RoomRef    string
	Strategy   JoinStrategy
	Generation uint64
}

// Fresh reports whether the record is still authoritative at now.
func (r JoinRecord) Fresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(r.At) < ttl
}

type JoinOutcome struct {
	Key      RoomKey
	RoomRef  string
	Strategy JoinStrategy
	Cached   bool
}
