package realtime

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
	"github.com/dkeye/Consult/internal/eventbus"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Conn is a client websocket connection with one read loop and one
// write loop. Inbound events are fanned out to subscribers by type.
type Conn struct {
	ws   *websocket.Conn
	send chan core.Frame
	bus  *eventbus.Bus[core.Event]
	opts Options
	log  zerolog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func newConn(ws *websocket.Conn, opts Options, log zerolog.Logger) *Conn {
	return &Conn{
		ws:   ws,
		send: make(chan core.Frame, opts.SendBuffer),
		bus:  eventbus.New[core.Event](log),
		opts: opts,
		log:  log,
		done: make(chan struct{}),
	}
}

func (c *Conn) Emit(eventType string, payload any) error {
	b, err := core.Encode(eventType, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", eventType, err)
	}
	return c.TrySend(b)
}

func (c *Conn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return domain.ErrClosed
	}
	select {
	case c.send <- f:
	default:
		return domain.ErrBackpressure
	}
	return nil
}

func (c *Conn) Subscribe(eventType string, h core.Handler) func() {
	return c.bus.Subscribe(eventType, eventbus.Handler[core.Event](h))
}

func (c *Conn) Done() <-chan struct{} { return c.done }

// Close tears the connection down and drops every subscription. Safe to
// call more than once.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	close(c.done)
	_ = c.ws.Close()
	c.mu.Unlock()
	c.bus.Close()
}

func (c *Conn) writePump() {
	var tick <-chan time.Time
	if c.opts.PingPeriod > 0 {
		ticker := time.NewTicker(c.opts.PingPeriod)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.log.Error().Err(err).Msg("writePump set deadline")
				c.Close()
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Error().Err(err).Msg("writePump write error")
				c.Close()
				return
			}
		case <-tick:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.log.Warn().Err(err).Msg("ping failed")
				c.Close()
				return
			}
		}
	}
}

func (c *Conn) readPump() {
	defer func() {
		c.log.Debug().Msg("readPump closing")
		c.Close()
	}()

	if c.opts.ReadLimit > 0 {
		c.ws.SetReadLimit(c.opts.ReadLimit)
	}
	if c.opts.PingPeriod > 0 {
		wait := 2 * c.opts.PingPeriod
		_ = c.ws.SetReadDeadline(time.Now().Add(wait))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(wait))
		})
	}

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn().Err(err).Msg("readPump read error")
			}
			return
		}
		c.dispatch(data)
	}
}

func (c *Conn) dispatch(data []byte) {
	var ev core.Event
	if err := json.Unmarshal(data, &ev); err != nil || ev.Type == "" {
		c.log.Warn().Err(err).Msg("bad frame")
		return
	}
	if n := c.bus.Publish(ev.Type, ev); n == 0 {
		c.log.Debug().Str("event", ev.Type).Msg("no subscriber, event discarded")
	}
}
