package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dkeye/Consult/internal/core"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	var tick <-chan time.Time
	if ctl.Opts.PingPeriod > 0 {
		ticker := time.NewTicker(ctl.Opts.PingPeriod)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer func() { _ = c.conn.Close() }()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("sid", string(c.sid)).Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-tick:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(c.sid)).Msg("readPump closing")
		ctl.Orch.Leave(c.sid)
		c.Close()
		cancel()
	}()

	if ctl.Opts.ReadLimit > 0 {
		c.conn.SetReadLimit(ctl.Opts.ReadLimit)
	}
	if ctl.Opts.PingPeriod > 0 {
		wait := 2 * ctl.Opts.PingPeriod
		_ = c.conn.SetReadDeadline(time.Now().Add(wait))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(wait))
		})
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("sid", string(c.sid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Error().Err(err).Str("module", "signal").Str("sid", string(c.sid)).Msg("readPump read error")
				}
				return
			}
			ctl.handleSignal(ctx, cancel, c, data)
		}
	}
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, cancel context.CancelFunc, c *WsSignalConn, data []byte) {
	var ev core.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return
	}

	if !c.Authed() && ev.Type != "auth" {
		ctl.sendEvent(c, "auth:error", map[string]string{"reason": "auth required"})
		c.Close()
		return
	}

	switch ev.Type {
	case "auth":
		ctl.handleAuth(cancel, c, ev.Data)
	case "room:join":
		ctl.handleJoin(c, ev.Data)
	case "message:send":
		ctl.handleSend(c, ev.Data)
	case "typing":
		ctl.handleTyping(c, ev.Data)
	case "message:markRead":
		ctl.handleMarkRead(c, ev.Data)
	case "ping":
		ctl.sendEvent(c, "pong", nil)
	default:
		log.Warn().Str("module", "signal").Str("type", ev.Type).Msg("unknown signal")
	}
}

func (ctl *SignalWSController) sendEvent(c *WsSignalConn, eventType string, v any) {
	b, err := core.Encode(eventType, v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendEvent marshal")
		return
	}
	if err := c.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(c.sid)).Str("type", eventType).Msg("sendEvent dropped")
	}
}
