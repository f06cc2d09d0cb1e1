// Package dispatch sends chat messages over the durable channel with a
// realtime fallback and delivers normalized inbound messages.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/Consult/internal/app/await"
	"github.com/dkeye/Consult/internal/app/rooms"
	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
	"github.com/dkeye/Consult/internal/eventbus"
	"github.com/dkeye/Consult/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	EventNew      = "message:new"
	EventAck      = "message:ack"
	EventTyping   = "message:typing"
	EventRead     = "message:read"
	EventSend     = "message:send"
	EventMarkRead = "message:markRead"
	EventTypingUp = "typing"
	EventRoomErr  = "room:error"

	topic = "all"
)

// Joiner resolves a room key to a joined room.
type Joiner interface {
	Join(ctx context.Context, key domain.RoomKey, opts rooms.JoinOptions) (domain.JoinOutcome, error)
}

type Options struct {
	SendTimeout time.Duration
}

type Dispatcher struct {
	conns   core.Connector
	rooms   Joiner
	durable core.DurableChannel
	opts    Options
	log     zerolog.Logger
	metrics *metrics.Metrics

	inbound *eventbus.Bus[domain.InboundMessage]
	outbox  *eventbus.Bus[domain.OutboxEvent]
	typing  *eventbus.Bus[domain.TypingEvent]
	reads   *eventbus.Bus[domain.ReadEvent]

	unhook  func()
	pending sync.WaitGroup
}

// New wires the dispatcher to every connection conns establishes. durable
// may be nil, leaving the realtime path only.
func New(conns core.Connector, joiner Joiner, durable core.DurableChannel, opts Options, log zerolog.Logger, m *metrics.Metrics) *Dispatcher {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	if m == nil {
		m = metrics.New(nil)
	}
	log = log.With().Str("module", "dispatch").Logger()
	d := &Dispatcher{
		conns:   conns,
		rooms:   joiner,
		durable: durable,
		opts:    opts,
		log:     log,
		metrics: m,
		inbound: eventbus.New[domain.InboundMessage](log),
		outbox:  eventbus.New[domain.OutboxEvent](log),
		typing:  eventbus.New[domain.TypingEvent](log),
		reads:   eventbus.New[domain.ReadEvent](log),
	}
	d.unhook = conns.OnConnected(d.attach)
	return d
}

func (d *Dispatcher) OnInboundMessage(h func(domain.InboundMessage)) func() {
	return d.inbound.Subscribe(topic, eventbus.Handler[domain.InboundMessage](h))
}

func (d *Dispatcher) OnOutbox(h func(domain.OutboxEvent)) func() {
	return d.outbox.Subscribe(topic, eventbus.Handler[domain.OutboxEvent](h))
}

func (d *Dispatcher) OnTyping(h func(domain.TypingEvent)) func() {
	return d.typing.Subscribe(topic, eventbus.Handler[domain.TypingEvent](h))
}

func (d *Dispatcher) OnRead(h func(domain.ReadEvent)) func() {
	return d.reads.Subscribe(topic, eventbus.Handler[domain.ReadEvent](h))
}

// Send delivers body to the room exactly once from the caller's point of
// view: durable channel first, realtime only if the durable channel is
// unavailable. Never both at the same time.
func (d *Dispatcher) Send(ctx context.Context, key domain.RoomKey, body string) (domain.SendOutcome, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return domain.SendOutcome{}, domain.ErrEmptyBody
	}
	if !key.Valid() {
		return domain.SendOutcome{}, domain.ErrInvalidKey
	}
	msg := domain.OutboundMessage{
		CorrelationID: uuid.NewString(),
		Key:           domain.NewRoomKey(key.PrimaryID, key.SecondaryID),
		Body:          body,
		SentAt:        time.Now(),
	}
	d.outbox.Publish(topic, domain.OutboxEvent{Status: domain.OutboxPending, Message: msg})

	out, err := d.send(ctx, msg)
	if err != nil {
		d.outbox.Publish(topic, domain.OutboxEvent{Status: domain.OutboxFailed, Message: msg, Err: err})
		return domain.SendOutcome{}, err
	}
	d.outbox.Publish(topic, domain.OutboxEvent{Status: domain.OutboxConfirmed, Message: msg, Outcome: out})
	return out, nil
}

// send runs both legs under one send.timeout budget; the realtime
// fallback only gets what the durable leg left.
func (d *Dispatcher) send(ctx context.Context, msg domain.OutboundMessage) (domain.SendOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	defer cancel()

	if d.durable != nil {
		id, err := d.postDurable(ctx, msg)
		if err == nil {
			d.metrics.Sends.WithLabelValues(string(domain.TransportDurable), "ok").Inc()
			return domain.SendOutcome{ServerID: id, CorrelationID: msg.CorrelationID, Transport: domain.TransportDurable}, nil
		}
		if errors.Is(err, domain.ErrSendRejected) {
			d.metrics.Sends.WithLabelValues(string(domain.TransportDurable), "rejected").Inc()
			return domain.SendOutcome{}, err
		}
		if ctx.Err() != nil {
			// The post may still land; falling back now could deliver twice.
			d.metrics.Sends.WithLabelValues(string(domain.TransportDurable), "timeout").Inc()
			return domain.SendOutcome{}, fmt.Errorf("%w: %w", domain.ErrSendTimeout, ctx.Err())
		}
		d.metrics.Sends.WithLabelValues(string(domain.TransportDurable), "unavailable").Inc()
		d.log.Warn().Err(err).Str("correlation_id", msg.CorrelationID).Msg("durable send failed, falling back to realtime")
	}
	return d.sendRealtime(ctx, msg)
}

// postDurable stops waiting when ctx ends even if the channel does not.
func (d *Dispatcher) postDurable(ctx context.Context, msg domain.OutboundMessage) (string, error) {
	type result struct {
		id  string
		err error
	}
	done := make(chan result, 1)
	go func() {
		id, err := d.durable.PostMessage(ctx, msg.Key.Ref(), msg)
		done <- result{id: id, err: err}
	}()
	select {
	case r := <-done:
		return r.id, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type sendFrame struct {
	RoomRef       string      `json:"roomRef"`
	Body          string      `json:"body"`
	CorrelationID string      `json:"correlationId"`
	Role          domain.Role `json:"role"`
}

type ackReply struct {
	CorrelationID string `json:"correlationId"`
	ServerID      string `json:"serverId"`
}

type errorReply struct {
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId"`
}

func (d *Dispatcher) sendRealtime(ctx context.Context, msg domain.OutboundMessage) (domain.SendOutcome, error) {
	label := string(domain.TransportRealtime)

	joined, err := d.rooms.Join(ctx, msg.Key, rooms.JoinOptions{})
	if err != nil {
		d.metrics.Sends.WithLabelValues(label, "join_failed").Inc()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domain.SendOutcome{}, fmt.Errorf("%w: %v", domain.ErrSendTimeout, err)
		}
		return domain.SendOutcome{}, err
	}
	conn, err := d.conns.Connect(ctx)
	if err != nil {
		d.metrics.Sends.WithLabelValues(label, "unavailable").Inc()
		return domain.SendOutcome{}, err
	}

	remaining := d.opts.SendTimeout
	if dl, ok := ctx.Deadline(); ok {
		remaining = time.Until(dl)
	}
	race := await.Race[domain.SendOutcome]{
		Timeout: remaining,
		Expired: domain.ErrSendTimeout,
		Log:     d.log,
		Arms: []await.Arm[domain.SendOutcome]{
			{
				Type: EventAck,
				Match: func(ev core.Event) bool {
					var r ackReply
					return json.Unmarshal(ev.Data, &r) == nil && r.CorrelationID == msg.CorrelationID
				},
				Result: func(ev core.Event) (domain.SendOutcome, error) {
					var r ackReply
					if err := json.Unmarshal(ev.Data, &r); err != nil {
						return domain.SendOutcome{}, fmt.Errorf("%w: message:ack: %v", domain.ErrMalformedPayload, err)
					}
					return domain.SendOutcome{ServerID: r.ServerID, CorrelationID: msg.CorrelationID, Transport: domain.TransportRealtime}, nil
				},
			},
			{
				Type: EventRoomErr,
				Match: func(ev core.Event) bool {
					var r errorReply
					return json.Unmarshal(ev.Data, &r) == nil && r.CorrelationID == msg.CorrelationID
				},
				Result: func(ev core.Event) (domain.SendOutcome, error) {
					var r errorReply
					if err := json.Unmarshal(ev.Data, &r); err != nil {
						return domain.SendOutcome{}, fmt.Errorf("%w: room:error: %v", domain.ErrMalformedPayload, err)
					}
					return domain.SendOutcome{}, domain.Rejected(domain.ErrSendRejected, r.Message)
				},
			},
		},
	}
	out, err := race.Run(ctx, conn, func() error {
		return conn.Emit(EventSend, sendFrame{
			RoomRef:       joined.RoomRef,
			Body:          msg.Body,
			CorrelationID: msg.CorrelationID,
			Role:          d.conns.Role(),
		})
	})
	switch {
	case err == nil:
		d.metrics.Sends.WithLabelValues(label, "ok").Inc()
		return out, nil
	case errors.Is(err, domain.ErrSendRejected):
		d.metrics.Sends.WithLabelValues(label, "rejected").Inc()
		return domain.SendOutcome{}, err
	case errors.Is(err, domain.ErrMalformedPayload):
		d.metrics.Sends.WithLabelValues(label, "malformed").Inc()
		return domain.SendOutcome{}, err
	case errors.Is(err, domain.ErrSendTimeout), errors.Is(err, context.DeadlineExceeded):
		d.metrics.Sends.WithLabelValues(label, "timeout").Inc()
		return domain.SendOutcome{}, domain.ErrSendTimeout
	}
	d.metrics.Sends.WithLabelValues(label, "unavailable").Inc()
	return domain.SendOutcome{}, fmt.Errorf("%w: %v", domain.ErrConnectionUnavailable, err)
}

// SetTyping tells the room whether the user is typing.
func (d *Dispatcher) SetTyping(ctx context.Context, key domain.RoomKey, typing bool) error {
	if !key.Valid() {
		return domain.ErrInvalidKey
	}
	conn, err := d.conns.Connect(ctx)
	if err != nil {
		return err
	}
	return conn.Emit(EventTypingUp, domain.TypingEvent{RoomRef: key.Ref(), IsTyping: typing})
}

// History returns stored messages of the room in canonical form. Items
// that cannot be normalized are skipped.
func (d *Dispatcher) History(ctx context.Context, key domain.RoomKey) ([]domain.InboundMessage, error) {
	if !key.Valid() {
		return nil, domain.ErrInvalidKey
	}
	if d.durable == nil {
		return nil, fmt.Errorf("%w: no durable channel", domain.ErrConnectionUnavailable)
	}
	items, err := d.durable.History(ctx, key.Ref())
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]domain.InboundMessage, 0, len(items))
	for _, raw := range items {
		msg, err := Normalize(raw, now)
		if err != nil {
			d.metrics.InboundDropped.WithLabelValues("history", "malformed").Inc()
			d.log.Warn().Err(err).Msg("history item dropped")
			continue
		}
		if msg.RoomRef == "" {
			msg.RoomRef = key.Ref()
		}
		out = append(out, msg)
	}
	return out, nil
}

// attach subscribes the inbound handlers on a fresh connection. They go
// away with the connection.
func (d *Dispatcher) attach(conn core.SignalConn) {
	conn.Subscribe(EventNew, func(ev core.Event) { d.onMessage(conn, ev) })
	conn.Subscribe(EventTyping, func(ev core.Event) {
		var t domain.TypingEvent
		if err := json.Unmarshal(ev.Data, &t); err != nil {
			d.drop(ev.Type, err)
			return
		}
		d.typing.Publish(topic, t)
	})
	conn.Subscribe(EventRead, func(ev core.Event) {
		var r domain.ReadEvent
		if err := json.Unmarshal(ev.Data, &r); err != nil {
			d.drop(ev.Type, err)
			return
		}
		d.reads.Publish(topic, r)
	})
}

func (d *Dispatcher) onMessage(conn core.SignalConn, ev core.Event) {
	msg, err := Normalize(ev.Data, time.Now())
	if err != nil {
		d.drop(ev.Type, err)
		return
	}
	d.inbound.Publish(topic, msg)

	if msg.SenderRole == d.conns.Role().Counterpart() && !msg.Read && msg.RoomRef != "" {
		d.pending.Add(1)
		go func() {
			defer d.pending.Done()
			if err := conn.Emit(EventMarkRead, domain.ReadEvent{RoomRef: msg.RoomRef}); err != nil {
				d.log.Debug().Err(err).Str("room", msg.RoomRef).Msg("markRead not sent")
				return
			}
			d.metrics.ReadReceiptsSent.Inc()
		}()
	}
}

func (d *Dispatcher) drop(event string, err error) {
	d.metrics.InboundDropped.WithLabelValues(event, "malformed").Inc()
	d.log.Warn().Err(err).Str("event", event).Msg("inbound payload dropped")
}

// Close stops delivery to subscribers.
func (d *Dispatcher) Close() {
	d.unhook()
	d.pending.Wait()
	d.inbound.Close()
	d.outbox.Close()
	d.typing.Close()
	d.reads.Close()
}

// Wait blocks until fire-and-forget read receipts have been handed to the
// connection.
func (d *Dispatcher) Wait() { d.pending.Wait() }
