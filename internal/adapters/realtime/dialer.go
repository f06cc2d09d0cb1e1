// Package realtime is the gorilla/websocket client transport.
package realtime

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dkeye/Consult/internal/config"
	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type Options struct {
	URL          string
	PingPeriod   time.Duration
	WriteTimeout time.Duration
	ReadLimit    int64
	SendBuffer   int
}

func OptionsFrom(cfg config.RealtimeConfig) Options {
	return Options{
		URL:          cfg.URL,
		PingPeriod:   cfg.PingPeriod,
		WriteTimeout: cfg.WriteTimeout,
		ReadLimit:    cfg.ReadLimit,
		SendBuffer:   cfg.SendBuffer,
	}
}

type Dialer struct {
	opts Options
	ws   *websocket.Dialer
	log  zerolog.Logger
}

func NewDialer(opts Options, log zerolog.Logger) *Dialer {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 32
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return &Dialer{
		opts: opts,
		ws:   &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 45 * time.Second},
		log:  log.With().Str("module", "realtime").Logger(),
	}
}

// Dial opens the websocket with token as a bearer credential. An HTTP
// 401/403 answer is a rejection; any other failure means the server is
// unavailable.
func (d *Dialer) Dial(ctx context.Context, token string) (core.SignalConn, error) {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)

	ws, resp, err := d.ws.DialContext(ctx, d.opts.URL, h)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: http %d", domain.ErrHandshakeRejected, resp.StatusCode)
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrConnectionUnavailable, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrConnectionUnavailable, err)
	}

	c := newConn(ws, d.opts, d.log)
	go c.writePump()
	go c.readPump()
	d.log.Debug().Str("url", d.opts.URL).Msg("dialed")
	return c, nil
}
