package orch

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	router "github.com/dkeye/Consult/internal/adapters/http"
	"github.com/dkeye/Consult/internal/adapters/signal"
	"github.com/dkeye/Consult/internal/app"
	"github.com/dkeye/Consult/internal/app/rooms"
	"github.com/dkeye/Consult/internal/config"
	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	srv  *httptest.Server
	auth *app.Auth
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{Mode: "test", Server: config.ServerConfig{Secret: "e2e"}}
	hub := app.NewOrchestrator(app.NewRegistry(), app.NewRoomManager(), app.EvictSlow{})
	auth := app.NewAuth(cfg.Server.Secret, time.Hour)
	ctl := signal.NewSignalWSController(hub, auth, nil, signal.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(router.SetupRouter(ctx, cfg, &router.Server{Orch: hub, Auth: auth, Signal: ctl}))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return &env{srv: srv, auth: auth}
}

func (e *env) token(t *testing.T, id string, role domain.Role) string {
	t.Helper()
	u, err := domain.NewUser(id, role)
	require.NoError(t, err)
	tok, err := e.auth.Issue(u)
	require.NoError(t, err)
	return tok
}

// client builds a Client against the test server; durable toggles the
// REST channel.
func (e *env) client(t *testing.T, token string, role domain.Role, durable bool) *Client {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	v.Set("realtime.url", "ws"+strings.TrimPrefix(e.srv.URL, "http")+"/api/ws")
	v.Set("realtime.probe_url", e.srv.URL+"/healthz")
	v.Set("realtime.role", string(role))
	v.Set("realtime.min_connect_interval", "0s")
	v.Set("join.timeout", "3s")
	v.Set("join.attempt_timeout", "1s")
	v.Set("send.timeout", "3s")
	v.Set("rest.base_url", "")
	if durable {
		v.Set("rest.base_url", e.srv.URL+"/api")
	}
	cfg, err := config.FromViper(v)
	require.NoError(t, err)

	c, err := New(cfg, Deps{
		Credentials: core.StaticToken(token),
		Registerer:  prometheus.NewRegistry(),
		Log:         zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func (e *env) post(t *testing.T, token, path string, body any) int {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+path, bytes.NewReader(b))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %T", *new(T))
	}
	var zero T
	return zero
}

func TestNewRequiresCredentials(t *testing.T) {
	v := viper.New()
	config.SetDefaults(v)
	cfg, err := config.FromViper(v)
	require.NoError(t, err)
	_, err = New(cfg, Deps{Log: zerolog.Nop()})
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestClientEndToEnd(t *testing.T) {
	e := newEnv(t)
	aliceTok := e.token(t, "alice", domain.RoleClient)
	bobTok := e.token(t, "bob", domain.RoleConsultant)
	alice := e.client(t, aliceTok, domain.RoleClient, true)
	bob := e.client(t, bobTok, domain.RoleConsultant, true)

	notes := make(chan domain.SessionRequest, 4)
	bob.OnNotification(func(r domain.SessionRequest) { notes <- r })
	inbound := make(chan domain.InboundMessage, 4)
	bob.OnInboundMessage(func(m domain.InboundMessage) { inbound <- m })
	reads := make(chan domain.ReadEvent, 4)
	alice.OnRead(func(r domain.ReadEvent) { reads <- r })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, alice.Connect(ctx))
	require.NoError(t, bob.Connect(ctx))
	assert.True(t, alice.IsConnected())
	assert.NotEmpty(t, alice.SessionID())

	require.Equal(t, http.StatusAccepted, e.post(t, bobTok, "/api/session-requests",
		map[string]string{"resourceId": "res-1", "sessionId": "sess-1", "clientName": "Ann"}))
	note := recv(t, notes)
	assert.Equal(t, "res-1", note.ResourceID)
	assert.Equal(t, "Ann", note.ClientName)

	linked, err := alice.JoinRoom(ctx, domain.NewRoomKey("sess-1", "res-1"), rooms.JoinOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.StrategyBoth, linked.Strategy)
	assert.Equal(t, "sess-1", linked.RoomRef)

	key := domain.NewRoomKey("sess-2", "res-2")
	joined, err := alice.JoinRoom(ctx, key, rooms.JoinOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.StrategyPrimary, joined.Strategy)
	assert.Equal(t, "sess-2", joined.RoomRef)

	again, err := alice.JoinRoom(ctx, key, rooms.JoinOptions{})
	require.NoError(t, err)
	assert.True(t, again.Cached)

	_, err = bob.JoinRoom(ctx, domain.NewRoomKey("sess-2", ""), rooms.JoinOptions{})
	require.NoError(t, err)

	out, err := alice.SendMessage(ctx, key, "hello")
	require.NoError(t, err)
	assert.Equal(t, domain.TransportDurable, out.Transport)
	assert.NotEmpty(t, out.ServerID)

	msg := recv(t, inbound)
	assert.Equal(t, "hello", msg.Text)
	assert.Equal(t, out.ServerID, msg.ServerID)
	assert.Equal(t, domain.RoleClient, msg.SenderRole)
	assert.Equal(t, "sess-2", msg.RoomRef)

	read := recv(t, reads)
	assert.Equal(t, "sess-2", read.RoomRef)

	history, err := bob.History(ctx, domain.NewRoomKey("sess-2", ""))
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hello", history[0].Text)
	assert.True(t, history[0].Read)
}

func TestClientRealtimeSend(t *testing.T) {
	e := newEnv(t)
	aliceTok := e.token(t, "alice", domain.RoleClient)
	bobTok := e.token(t, "bob", domain.RoleConsultant)
	alice := e.client(t, aliceTok, domain.RoleClient, false)
	bob := e.client(t, bobTok, domain.RoleConsultant, false)

	inbound := make(chan domain.InboundMessage, 4)
	bob.OnInboundMessage(func(m domain.InboundMessage) { inbound <- m })
	outbox := make(chan domain.OutboxEvent, 4)
	alice.OnOutbox(func(ev domain.OutboxEvent) { outbox <- ev })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	key := domain.NewRoomKey("room-7", "")
	_, err := bob.JoinRoom(ctx, key, rooms.JoinOptions{})
	require.NoError(t, err)

	// SendMessage joins and connects on demand.
	out, err := alice.SendMessage(ctx, key, "ping")
	require.NoError(t, err)
	assert.Equal(t, domain.TransportRealtime, out.Transport)
	assert.NotEmpty(t, out.ServerID)

	assert.Equal(t, domain.OutboxPending, recv(t, outbox).Status)
	assert.Equal(t, domain.OutboxConfirmed, recv(t, outbox).Status)

	msg := recv(t, inbound)
	assert.Equal(t, "ping", msg.Text)
}

func TestClientRejectedToken(t *testing.T) {
	e := newEnv(t)
	c := e.client(t, "not-a-token", domain.RoleClient, false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.Connect(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrHandshakeRejected)
	assert.False(t, c.IsConnected())
}

func TestClientStateChanges(t *testing.T) {
	e := newEnv(t)
	tok := e.token(t, "alice", domain.RoleClient)
	c := e.client(t, tok, domain.RoleClient, false)

	states := make(chan domain.ConnState, 8)
	c.OnStateChange(func(s domain.ConnState) { states <- s })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	assert.Equal(t, domain.StateConnecting, recv(t, states))
	assert.Equal(t, domain.StateConnected, recv(t, states))

	c.Disconnect()
	assert.Equal(t, domain.StateDisconnected, recv(t, states))
	assert.False(t, c.IsConnected())
}
