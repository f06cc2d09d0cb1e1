package app

import (
	"sort"
	"sync"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
	"github.com/rs/zerolog/log"
)

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []core.SessionID
}

type RoomInfo struct {
	Ref         string `json:"ref"`
	MemberCount int    `json:"member_count"`
	Messages    int    `json:"messages"`
}

// Room is a threadsafe in-memory chat room.
// It never closes adapter-owned resources.
type Room struct {
	Ref string

	mu            sync.RWMutex
	members       map[core.SessionID]core.SignalConnection
	messages      []domain.ChatMessage
	byCorrelation map[string]int
}

func newRoom(ref string) *Room {
	return &Room{
		Ref:           ref,
		members:       make(map[core.SessionID]core.SignalConnection),
		byCorrelation: make(map[string]int),
	}
}

func (r *Room) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func (r *Room) AddMember(sid core.SessionID, conn core.SignalConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[sid] = conn
	log.Info().Str("module", "app.room").Str("sid", string(sid)).Str("room", r.Ref).Msg("member added")
}

func (r *Room) RemoveMember(sid core.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, sid)
	log.Info().Str("module", "app.room").Str("sid", string(sid)).Str("room", r.Ref).Msg("member removed")
}

// Append stores msg unless a message with the same correlation id is
// already stored, in which case the stored one is returned with dup set.
func (r *Room) Append(msg domain.ChatMessage) (stored domain.ChatMessage, dup bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if msg.CorrelationID != "" {
		if i, ok := r.byCorrelation[msg.CorrelationID]; ok {
			return r.messages[i], true
		}
		r.byCorrelation[msg.CorrelationID] = len(r.messages)
	}
	r.messages = append(r.messages, msg)
	return msg, false
}

func (r *Room) Messages() []domain.ChatMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.ChatMessage{}, r.messages...)
}

// MarkRead flags as read every message not sent by reader.
func (r *Room) MarkRead(reader domain.UserID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i := range r.messages {
		if r.messages[i].SenderID != reader && !r.messages[i].Read {
			r.messages[i].Read = true
			n++
		}
	}
	return n
}

func (r *Room) Broadcast(from core.SessionID, data core.Frame) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	for sid, conn := range r.members {
		if sid == from {
			continue
		}
		if err := conn.TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, sid)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "app.room").Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

type RoomManager struct {
	mu    sync.RWMutex
	rooms map[string]*Room
}

func NewRoomManager() *RoomManager {
	return &RoomManager{rooms: make(map[string]*Room)}
}

func (f *RoomManager) GetOrCreate(ref string) *Room {
	f.mu.RLock()
	room, ok := f.rooms[ref]
	f.mu.RUnlock()
	if ok {
		return room
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if room, ok = f.rooms[ref]; ok {
		return room
	}
	room = newRoom(ref)
	f.rooms[ref] = room
	return room
}

func (f *RoomManager) Get(ref string) (*Room, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	room, ok := f.rooms[ref]
	return room, ok
}

func (f *RoomManager) List() []RoomInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]RoomInfo, 0, len(f.rooms))
	for ref, r := range f.rooms {
		out = append(out, RoomInfo{Ref: ref, MemberCount: r.MemberCount(), Messages: len(r.Messages())})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref < out[j].Ref })
	return out
}
