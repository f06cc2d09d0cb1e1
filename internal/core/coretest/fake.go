// Package coretest provides in-memory fakes of the core transport
// interfaces for tests.
package coretest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
	"github.com/dkeye/Consult/internal/eventbus"
	"github.com/rs/zerolog"
)

type Emitted struct {
	Type string
	Data json.RawMessage
}

// Responder is called synchronously for every emitted frame.
type Responder func(c *Conn, eventType string, data json.RawMessage)

// Conn is a scripted core.SignalConn.
type Conn struct {
	bus *eventbus.Bus[core.Event]

	mu        sync.Mutex
	emitted   []Emitted
	responder Responder
	emitErr   error

	done      chan struct{}
	closeOnce sync.Once
}

func NewConn() *Conn {
	return &Conn{
		bus:  eventbus.New[core.Event](zerolog.Nop()),
		done: make(chan struct{}),
	}
}

func (c *Conn) Respond(r Responder) *Conn {
	c.mu.Lock()
	c.responder = r
	c.mu.Unlock()
	return c
}

func (c *Conn) FailEmits(err error) {
	c.mu.Lock()
	c.emitErr = err
	c.mu.Unlock()
}

func (c *Conn) Emit(eventType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return domain.ErrClosed
	default:
	}
	c.mu.Lock()
	if c.emitErr != nil {
		err := c.emitErr
		c.mu.Unlock()
		return err
	}
	c.emitted = append(c.emitted, Emitted{Type: eventType, Data: raw})
	r := c.responder
	c.mu.Unlock()
	if r != nil {
		r(c, eventType, raw)
	}
	return nil
}

func (c *Conn) Subscribe(eventType string, h core.Handler) func() {
	return c.bus.Subscribe(eventType, eventbus.Handler[core.Event](h))
}

// Inject delivers a server event and returns how many handlers saw it.
func (c *Conn) Inject(eventType string, payload any) int {
	raw, _ := json.Marshal(payload)
	return c.bus.Publish(eventType, core.Event{Type: eventType, Data: raw})
}

func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.bus.Close()
	})
}

func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) Subscribers(eventType string) int { return c.bus.Count(eventType) }

// Emitted returns the frames emitted so far, optionally filtered by type.
func (c *Conn) Emitted(eventType string) []Emitted {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Emitted
	for _, e := range c.emitted {
		if eventType == "" || e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Connector hands out a fixed connection.
type Connector struct {
	mu       sync.Mutex
	conn     core.SignalConn
	err      error
	gen      uint64
	calls    int
	hooks    *eventbus.Bus[core.SignalConn]
	Client   string
	UserRole domain.Role
}

func NewConnector(conn core.SignalConn) *Connector {
	return &Connector{
		conn:     conn,
		gen:      1,
		hooks:    eventbus.New[core.SignalConn](zerolog.Nop()),
		Client:   "client-1",
		UserRole: domain.RoleClient,
	}
}

func (f *Connector) Connect(context.Context) (core.SignalConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.conn, nil
}

func (f *Connector) Fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// Swap installs a new connection, bumps the generation and fires the
// connected hooks.
func (f *Connector) Swap(conn core.SignalConn) {
	f.mu.Lock()
	f.conn = conn
	f.gen++
	f.mu.Unlock()
	f.hooks.Publish("connected", conn)
}

func (f *Connector) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *Connector) Generation() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gen
}

func (f *Connector) Role() domain.Role { return f.UserRole }

func (f *Connector) ClientID() string { return f.Client }

func (f *Connector) OnConnected(h func(core.SignalConn)) func() {
	return f.hooks.Subscribe("connected", eventbus.Handler[core.SignalConn](h))
}

// Durable is a scripted core.DurableChannel.
type Durable struct {
	mu      sync.Mutex
	posts   []domain.OutboundMessage
	Post    func(roomRef string, msg domain.OutboundMessage) (string, error)
	Items   []json.RawMessage
	ListErr error
}

func (d *Durable) PostMessage(_ context.Context, roomRef string, msg domain.OutboundMessage) (string, error) {
	d.mu.Lock()
	d.posts = append(d.posts, msg)
	post := d.Post
	d.mu.Unlock()
	if post == nil {
		return "srv-" + msg.CorrelationID, nil
	}
	return post(roomRef, msg)
}

func (d *Durable) History(context.Context, string) ([]json.RawMessage, error) {
	return d.Items, d.ListErr
}

func (d *Durable) Posts() []domain.OutboundMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.OutboundMessage(nil), d.posts...)
}
