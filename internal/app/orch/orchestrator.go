// Package orch assembles the connection manager, join coordinator,
// message dispatcher and notification router into one client handle.
package orch

import (
	"context"
	"errors"
	"net/http"

	"github.com/dkeye/Consult/internal/adapters/realtime"
	"github.com/dkeye/Consult/internal/adapters/rest"
	"github.com/dkeye/Consult/internal/app/connection"
	"github.com/dkeye/Consult/internal/app/dispatch"
	"github.com/dkeye/Consult/internal/app/notify"
	"github.com/dkeye/Consult/internal/app/rooms"
	"github.com/dkeye/Consult/internal/config"
	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
	"github.com/dkeye/Consult/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var ErrNoCredentials = errors.New("credential provider is required")

// Deps are the collaborators of a Client. Nil transports are built from
// the config; a nil Durable with an empty rest.base_url leaves the
// realtime path only.
type Deps struct {
	Credentials core.CredentialProvider
	Registerer  prometheus.Registerer
	Log         zerolog.Logger

	Dialer  core.Dialer
	Durable core.DurableChannel
	Prober  core.Prober
}

type Client struct {
	conns    *connection.Manager
	rooms    *rooms.Coordinator
	dispatch *dispatch.Dispatcher
	notify   *notify.Router
	metrics  *metrics.Metrics
}

func New(cfg *config.Config, deps Deps) (*Client, error) {
	if deps.Credentials == nil {
		return nil, ErrNoCredentials
	}
	opts, err := connection.OptionsFrom(cfg.Realtime)
	if err != nil {
		return nil, err
	}
	m := metrics.New(deps.Registerer)

	dialer := deps.Dialer
	if dialer == nil {
		dialer = realtime.NewDialer(realtime.OptionsFrom(cfg.Realtime), deps.Log)
	}
	prober := deps.Prober
	if prober == nil && (cfg.Realtime.ProbeURL != "" || cfg.Realtime.FallbackProbeURL != "") {
		prober = rest.NewProbe(&http.Client{Timeout: cfg.Realtime.HandshakeTimeout},
			cfg.Realtime.ProbeURL, cfg.Realtime.FallbackProbeURL)
	}
	durable := deps.Durable
	if durable == nil && cfg.Rest.BaseURL != "" {
		durable = rest.New(cfg.Rest, deps.Credentials, deps.Log)
	}

	conns := connection.New(dialer, deps.Credentials, prober, opts, deps.Log, m)
	coord := rooms.New(conns, rooms.OptionsFrom(cfg.Join), deps.Log, m)
	return &Client{
		conns:    conns,
		rooms:    coord,
		dispatch: dispatch.New(conns, coord, durable, dispatch.Options{SendTimeout: cfg.Send.Timeout}, deps.Log, m),
		notify:   notify.New(conns, deps.Log, m),
		metrics:  m,
	}, nil
}

func (c *Client) Connect(ctx context.Context) error {
	_, err := c.conns.Connect(ctx)
	return err
}

func (c *Client) Disconnect() { c.conns.Disconnect() }

func (c *Client) IsConnected() bool { return c.conns.IsConnected() }

func (c *Client) State() domain.ConnState { return c.conns.State() }

func (c *Client) SessionID() string { return c.conns.SessionID() }

func (c *Client) OnStateChange(h func(domain.ConnState)) func() {
	return c.conns.OnStateChange(h)
}

// Close stops background work and drops the connection. The client is
// unusable afterwards.
func (c *Client) Close() {
	c.notify.Close()
	c.dispatch.Close()
	c.rooms.Close()
	c.conns.Close()
}
