// Package signal is the dev server's websocket controller.
package signal

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/Consult/internal/app"
	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	SendBuffer int
}

type SignalWSController struct {
	Orch    *app.Orchestrator
	Auth    *app.Auth
	Limiter *JoinRateLimiter
	Opts    Options
}

func NewSignalWSController(orch *app.Orchestrator, auth *app.Auth, limiter *JoinRateLimiter, opts Options) *SignalWSController {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 32
	}
	return &SignalWSController{
		Orch:    orch,
		Auth:    auth,
		Limiter: limiter,
		Opts:    opts,
	}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame
	sid  core.SessionID
	// token and user come from the upgrade request; the auth frame must
	// present the same token before anything else is accepted.
	token string
	user  *domain.User

	mu     sync.RWMutex
	closed bool
	authed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
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

// Close stops accepting frames; the write pump flushes what is queued and
// then closes the socket.
func (c *WsSignalConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *WsSignalConn) Authed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authed
}

func (c *WsSignalConn) markAuthed() {
	c.mu.Lock()
	c.authed = true
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if t, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(t)
	}
	return r.URL.Query().Get("token")
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	token := BearerToken(c.Request)
	user, err := ctl.Auth.Verify(token)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("ws rejected")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}

	conn := &WsSignalConn{
		conn:  ws,
		send:  make(chan core.Frame, ctl.Opts.SendBuffer),
		sid:   core.SessionID(uuid.NewString()),
		token: token,
		user:  user,
	}
	log.Info().Str("module", "signal").Str("sid", string(conn.sid)).Str("client_token", c.GetString("client_token")).Msg("new WS connection")

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, conn)
}
