package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Consult/internal/app/rooms"
	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/core/coretest"
	"github.com/dkeye/Consult/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubJoiner struct{ err error }

func (j stubJoiner) Join(_ context.Context, key domain.RoomKey, _ rooms.JoinOptions) (domain.JoinOutcome, error) {
	if j.err != nil {
		return domain.JoinOutcome{}, j.err
	}
	return domain.JoinOutcome{Key: key, RoomRef: key.Ref()}, nil
}

type fixture struct {
	conn    *coretest.Conn
	conns   *coretest.Connector
	durable *coretest.Durable
	d       *Dispatcher

	mu     sync.Mutex
	outbox []domain.OutboxEvent
}

func newFixture(t *testing.T, durable *coretest.Durable) *fixture {
	t.Helper()
	f := &fixture{conn: coretest.NewConn(), durable: durable}
	f.conns = coretest.NewConnector(f.conn)
	var ch core.DurableChannel
	if durable != nil {
		ch = durable
	}
	f.d = New(f.conns, stubJoiner{}, ch, Options{SendTimeout: 80 * time.Millisecond}, zerolog.Nop(), nil)
	f.d.OnOutbox(func(ev domain.OutboxEvent) {
		f.mu.Lock()
		f.outbox = append(f.outbox, ev)
		f.mu.Unlock()
	})
	f.conns.Swap(f.conn)
	t.Cleanup(f.d.Close)
	return f
}

func (f *fixture) statuses() []domain.OutboxStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.OutboxStatus
	for _, ev := range f.outbox {
		out = append(out, ev.Status)
	}
	return out
}

// ackSends answers every message:send like a healthy server.
func ackSends(c *coretest.Conn, typ string, data json.RawMessage) {
	if typ != EventSend {
		return
	}
	var s sendFrame
	_ = json.Unmarshal(data, &s)
	c.Inject(EventAck, ackReply{CorrelationID: s.CorrelationID, ServerID: "rt-1"})
}

var testKey = domain.NewRoomKey("B1", "")

func TestSendDurableFirst(t *testing.T) {
	f := newFixture(t, &coretest.Durable{})
	f.conn.Respond(ackSends)

	out, err := f.d.Send(context.Background(), testKey, " hello ")
	require.NoError(t, err)

	assert.Equal(t, domain.TransportDurable, out.Transport)
	assert.Equal(t, "srv-"+out.CorrelationID, out.ServerID)
	assert.Empty(t, f.conn.Emitted(EventSend))
	posts := f.durable.Posts()
	require.Len(t, posts, 1)
	assert.Equal(t, "hello", posts[0].Body)
	assert.Equal(t, []domain.OutboxStatus{domain.OutboxPending, domain.OutboxConfirmed}, f.statuses())
}

func TestSendFallsBackToRealtime(t *testing.T) {
	f := newFixture(t, &coretest.Durable{Post: func(string, domain.OutboundMessage) (string, error) {
		return "", domain.ErrConnectionUnavailable
	}})
	f.conn.Respond(ackSends)

	out, err := f.d.Send(context.Background(), testKey, "hello")
	require.NoError(t, err)

	assert.Equal(t, domain.TransportRealtime, out.Transport)
	assert.Equal(t, "rt-1", out.ServerID)
	assert.Len(t, f.durable.Posts(), 1)
	sends := f.conn.Emitted(EventSend)
	require.Len(t, sends, 1)
	var frame sendFrame
	require.NoError(t, json.Unmarshal(sends[0].Data, &frame))
	assert.Equal(t, out.CorrelationID, frame.CorrelationID)
	assert.Equal(t, "B1", frame.RoomRef)
	assert.Equal(t, domain.RoleClient, frame.Role)
	assert.Zero(t, f.conn.Subscribers(EventAck))
}

func TestSendDurableRejectedNoFallback(t *testing.T) {
	f := newFixture(t, &coretest.Durable{Post: func(string, domain.OutboundMessage) (string, error) {
		return "", domain.Rejected(domain.ErrSendRejected, "chat closed")
	}})
	f.conn.Respond(ackSends)

	_, err := f.d.Send(context.Background(), testKey, "hello")
	require.ErrorIs(t, err, domain.ErrSendRejected)
	assert.Empty(t, f.conn.Emitted(EventSend))
	assert.Equal(t, []domain.OutboxStatus{domain.OutboxPending, domain.OutboxFailed}, f.statuses())
}

func TestSendStalledDurableRespectsTimeout(t *testing.T) {
	f := newFixture(t, &coretest.Durable{Post: func(string, domain.OutboundMessage) (string, error) {
		time.Sleep(400 * time.Millisecond)
		return "", domain.ErrConnectionUnavailable
	}})
	f.conn.Respond(ackSends)

	start := time.Now()
	_, err := f.d.Send(context.Background(), testKey, "hello")

	require.ErrorIs(t, err, domain.ErrSendTimeout)
	assert.Less(t, time.Since(start), 250*time.Millisecond)
	assert.Empty(t, f.conn.Emitted(EventSend))
	assert.Equal(t, []domain.OutboxStatus{domain.OutboxPending, domain.OutboxFailed}, f.statuses())
}

func TestSendFallbackSharesBudget(t *testing.T) {
	f := newFixture(t, &coretest.Durable{Post: func(string, domain.OutboundMessage) (string, error) {
		time.Sleep(50 * time.Millisecond)
		return "", domain.ErrConnectionUnavailable
	}})

	start := time.Now()
	_, err := f.d.Send(context.Background(), testKey, "hello")

	require.ErrorIs(t, err, domain.ErrSendTimeout)
	assert.Less(t, time.Since(start), 150*time.Millisecond)
	assert.Len(t, f.conn.Emitted(EventSend), 1)
}

func TestSendRealtimeOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		reply   func(c *coretest.Conn, s sendFrame)
		wantErr error
	}{
		{
			name:    "no ack times out",
			reply:   func(*coretest.Conn, sendFrame) {},
			wantErr: domain.ErrSendTimeout,
		},
		{
			name: "correlated error rejects",
			reply: func(c *coretest.Conn, s sendFrame) {
				c.Inject(EventRoomErr, errorReply{Message: "muted", CorrelationID: s.CorrelationID})
			},
			wantErr: domain.ErrSendRejected,
		},
		{
			name: "garbled ack never succeeds",
			reply: func(c *coretest.Conn, s sendFrame) {
				c.Inject(EventAck, "oops")
			},
			wantErr: domain.ErrSendTimeout,
		},
		{
			name: "uncorrelated error ignored",
			reply: func(c *coretest.Conn, s sendFrame) {
				c.Inject(EventRoomErr, errorReply{Message: "muted"})
				c.Inject(EventAck, ackReply{CorrelationID: "someone-else"})
			},
			wantErr: domain.ErrSendTimeout,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.conn.Respond(func(c *coretest.Conn, typ string, data json.RawMessage) {
				if typ != EventSend {
					return
				}
				var s sendFrame
				_ = json.Unmarshal(data, &s)
				tt.reply(c, s)
			})

			start := time.Now()
			_, err := f.d.Send(context.Background(), testKey, "hello")

			require.ErrorIs(t, err, tt.wantErr)
			assert.Less(t, time.Since(start), time.Second)
			assert.Equal(t, []domain.OutboxStatus{domain.OutboxPending, domain.OutboxFailed}, f.statuses())
			assert.Zero(t, f.conn.Subscribers(EventAck))
			assert.Zero(t, f.conn.Subscribers(EventRoomErr))
		})
	}
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t, &coretest.Durable{})

	_, err := f.d.Send(context.Background(), testKey, "   ")
	require.ErrorIs(t, err, domain.ErrEmptyBody)
	_, err = f.d.Send(context.Background(), domain.RoomKey{}, "hi")
	require.ErrorIs(t, err, domain.ErrInvalidKey)

	assert.Empty(t, f.statuses())
	assert.Empty(t, f.durable.Posts())
}

func TestSendJoinFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.d.rooms = stubJoiner{err: domain.ErrJoinRejected}

	_, err := f.d.Send(context.Background(), testKey, "hello")
	require.ErrorIs(t, err, domain.ErrJoinRejected)
	assert.Empty(t, f.conn.Emitted(EventSend))
}

func TestInboundDelivery(t *testing.T) {
	f := newFixture(t, nil)
	var mu sync.Mutex
	var got []domain.InboundMessage
	f.d.OnInboundMessage(func(m domain.InboundMessage) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	})

	f.conn.Inject(EventNew, map[string]any{"chatId": "B1", "message": map[string]any{"id": "m1", "text": "hi", "senderRole": "consultant"}})
	f.conn.Inject(EventNew, map[string]any{"chatId": "B1", "message": map[string]any{"id": "m2"}})
	f.conn.Inject(EventNew, map[string]any{"chatId": "B1", "text": "mine", "senderRole": "client"})
	f.conn.Inject(EventNew, map[string]any{"chatId": "B1", "text": "seen", "senderRole": "consultant", "isRead": true})
	f.d.Wait()

	mu.Lock()
	require.Len(t, got, 3)
	assert.Equal(t, "hi", got[0].Text)
	assert.Equal(t, "mine", got[1].Text)
	mu.Unlock()

	reads := f.conn.Emitted(EventMarkRead)
	require.Len(t, reads, 1)
	assert.JSONEq(t, `{"roomRef":"B1"}`, string(reads[0].Data))
}

func TestInboundStopsWithConnection(t *testing.T) {
	f := newFixture(t, nil)
	var calls int
	f.d.OnInboundMessage(func(domain.InboundMessage) { calls++ })

	f.conn.Close()
	next := coretest.NewConn()
	f.conns.Swap(next)

	assert.Zero(t, f.conn.Inject(EventNew, map[string]any{"text": "stale"}))
	assert.Equal(t, 1, next.Inject(EventNew, map[string]any{"text": "fresh"}))
	assert.Equal(t, 1, calls)
}

func TestTypingAndRead(t *testing.T) {
	f := newFixture(t, nil)
	var typing []domain.TypingEvent
	var reads []domain.ReadEvent
	f.d.OnTyping(func(ev domain.TypingEvent) { typing = append(typing, ev) })
	f.d.OnRead(func(ev domain.ReadEvent) { reads = append(reads, ev) })

	f.conn.Inject(EventTyping, domain.TypingEvent{RoomRef: "B1", IsTyping: true})
	f.conn.Inject(EventRead, domain.ReadEvent{RoomRef: "B1"})
	require.NoError(t, f.d.SetTyping(context.Background(), testKey, true))

	assert.Equal(t, []domain.TypingEvent{{RoomRef: "B1", IsTyping: true}}, typing)
	assert.Equal(t, []domain.ReadEvent{{RoomRef: "B1"}}, reads)
	up := f.conn.Emitted(EventTypingUp)
	require.Len(t, up, 1)
	assert.JSONEq(t, `{"roomRef":"B1","isTyping":true}`, string(up[0].Data))
}

func TestHistory(t *testing.T) {
	f := newFixture(t, &coretest.Durable{Items: []json.RawMessage{
		json.RawMessage(`{"id":"m1","text":"one","createdAt":"2026-01-01T10:00:00Z"}`),
		json.RawMessage(`{"id":"m2"}`),
		json.RawMessage(`{"id":"m3","content":"three","chatId":"X"}`),
	}})

	msgs, err := f.d.History(context.Background(), testKey)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", msgs[0].Text)
	assert.Equal(t, "B1", msgs[0].RoomRef)
	assert.Equal(t, "X", msgs[1].RoomRef)
}
