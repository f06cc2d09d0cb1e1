// Package app is the in-memory hub of the dev server: sessions, rooms,
// stored messages and session request fan-out.
package app

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownPair = errors.New("session and resource are not linked")
	ErrNotMember   = errors.New("not a member of the room")
)

type Orchestrator struct {
	Registry *Registry
	Rooms    *RoomManager
	Policy   SlowMemberPolicy

	mu    sync.RWMutex
	links map[string]string
}

func NewOrchestrator(reg *Registry, rooms *RoomManager, policy SlowMemberPolicy) *Orchestrator {
	return &Orchestrator{
		Registry: reg,
		Rooms:    rooms,
		Policy:   policy,
		links:    make(map[string]string),
	}
}

// Link records that sessionID belongs to resourceID, which makes a join
// naming both ids valid.
func (o *Orchestrator) Link(sessionID, resourceID string) {
	if sessionID == "" || resourceID == "" {
		return
	}
	o.mu.Lock()
	o.links[sessionID] = resourceID
	o.mu.Unlock()
}

func (o *Orchestrator) linked(primary, secondary string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.links[primary] == secondary || o.links[secondary] == primary
}

// Join adds sid to the room named by the ids. A single id always names a
// room; two ids must be linked and resolve to the primary one.
func (o *Orchestrator) Join(sid core.SessionID, primary, secondary string) (string, error) {
	primary, secondary = strings.TrimSpace(primary), strings.TrimSpace(secondary)
	var ref string
	switch {
	case primary != "" && secondary != "":
		if primary != secondary && !o.linked(primary, secondary) {
			return "", ErrUnknownPair
		}
		ref = primary
	case primary != "":
		ref = primary
	case secondary != "":
		ref = secondary
	default:
		return "", domain.ErrInvalidKey
	}
	_, conn, ok := o.Registry.Get(sid)
	if !ok {
		return "", domain.ErrClosed
	}
	o.Rooms.GetOrCreate(ref).AddMember(sid, conn)
	o.Registry.AddRoom(sid, ref)
	log.Info().Str("module", "app").Str("sid", string(sid)).Str("room", ref).Msg("joined")
	return ref, nil
}

// Post stores a message and fans it out to the other members. A repeated
// correlation id returns the stored message without a second fan-out.
func (o *Orchestrator) Post(from core.SessionID, user *domain.User, ref, body, correlationID string) (domain.ChatMessage, bool, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return domain.ChatMessage{}, false, domain.ErrEmptyBody
	}
	if from != "" && !o.Registry.InRoom(from, ref) {
		return domain.ChatMessage{}, false, ErrNotMember
	}
	room := o.Rooms.GetOrCreate(ref)
	msg, dup := room.Append(domain.ChatMessage{
		ID:            ulid.Make().String(),
		RoomRef:       ref,
		Text:          body,
		SenderID:      user.ID,
		SenderRole:    user.Role,
		CorrelationID: correlationID,
		CreatedAt:     time.Now().UTC(),
	})
	if dup {
		log.Info().Str("module", "app").Str("room", ref).Str("correlation_id", correlationID).Msg("duplicate message")
		return msg, true, nil
	}
	o.broadcast(room, from, "message:new", map[string]any{"chatId": ref, "message": msg})
	return msg, false, nil
}

func (o *Orchestrator) MarkRead(sid core.SessionID, ref string) {
	user, _, ok := o.Registry.Get(sid)
	if !ok {
		return
	}
	room, ok := o.Rooms.Get(ref)
	if !ok {
		return
	}
	if room.MarkRead(user.ID) > 0 {
		o.broadcast(room, sid, "message:read", domain.ReadEvent{RoomRef: ref})
	}
}

func (o *Orchestrator) Typing(sid core.SessionID, ref string, typing bool) {
	if !o.Registry.InRoom(sid, ref) {
		return
	}
	if room, ok := o.Rooms.Get(ref); ok {
		o.broadcast(room, sid, "message:typing", domain.TypingEvent{RoomRef: ref, IsTyping: typing})
	}
}

func (o *Orchestrator) History(ref string) []domain.ChatMessage {
	room, ok := o.Rooms.Get(ref)
	if !ok {
		return []domain.ChatMessage{}
	}
	return room.Messages()
}

// NotifyRequest links the request ids and pushes it to every connected
// consultant. It returns how many sessions it reached.
func (o *Orchestrator) NotifyRequest(req domain.SessionRequest) int {
	o.Link(req.SessionID, req.ResourceID)
	frame, err := core.Encode("session:newRequest", req)
	if err != nil {
		log.Error().Err(err).Str("module", "app").Msg("encode session request")
		return 0
	}
	n := 0
	for _, snap := range o.Registry.WithRole(domain.RoleConsultant) {
		if err := snap.Conn.TrySend(frame); err != nil {
			log.Warn().Err(err).Str("module", "app").Str("sid", string(snap.SID)).Msg("session request not delivered")
			continue
		}
		n++
	}
	return n
}

func (o *Orchestrator) broadcast(room *Room, from core.SessionID, eventType string, data any) {
	frame, err := core.Encode(eventType, data)
	if err != nil {
		log.Error().Err(err).Str("module", "app").Str("event", eventType).Msg("encode broadcast")
		return
	}
	res := room.Broadcast(from, frame)
	if o.Policy == nil {
		return
	}
	for _, slow := range res.Dropped {
		if o.Policy.OnSlowMember(room, slow) == EvictMember {
			o.Kick(slow)
		}
	}
}

// Kick cancels the session; its controller then calls Leave.
func (o *Orchestrator) Kick(sid core.SessionID) {
	o.Registry.Cancel(sid)
}

// Leave removes sid from every room it joined and forgets it.
func (o *Orchestrator) Leave(sid core.SessionID) {
	for _, ref := range o.Registry.Unbind(sid) {
		if room, ok := o.Rooms.Get(ref); ok {
			room.RemoveMember(sid)
		}
	}
}
