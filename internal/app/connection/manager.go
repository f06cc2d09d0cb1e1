// Package connection owns the single realtime connection of the client:
// single-flight handshakes, throttling, auto-reconnect and state reporting.
package connection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dkeye/Consult/internal/config"
	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
	"github.com/dkeye/Consult/internal/eventbus"
	"github.com/dkeye/Consult/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	topicConnected = "connected"
	topicState     = "state"
)

var allStates = []string{
	string(domain.StateDisconnected),
	string(domain.StateConnecting),
	string(domain.StateConnected),
}

type Options struct {
	Role                 domain.Role
	ClientID             string
	HandshakeTimeout     time.Duration
	MinConnectInterval   time.Duration
	ReconnectMaxAttempts int
	ReconnectInitial     time.Duration
	ReconnectMax         time.Duration
}

func OptionsFrom(cfg config.RealtimeConfig) (Options, error) {
	role, err := domain.ParseRole(cfg.Role)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Role:                 role,
		ClientID:             cfg.ClientID,
		HandshakeTimeout:     cfg.HandshakeTimeout,
		MinConnectInterval:   cfg.MinConnectInterval,
		ReconnectMaxAttempts: cfg.ReconnectMaxAttempts,
		ReconnectInitial:     cfg.ReconnectInitial,
		ReconnectMax:         cfg.ReconnectMax,
	}, nil
}

type Manager struct {
	dialer  core.Dialer
	creds   core.CredentialProvider
	prober  core.Prober
	opts    Options
	log     zerolog.Logger
	metrics *metrics.Metrics

	flights   singleflight.Group
	connected *eventbus.Bus[core.SignalConn]
	states    *eventbus.Bus[domain.ConnState]

	mu          sync.Mutex
	state       domain.ConnState
	conn        core.SignalConn
	sessionID   string
	lastAttempt time.Time
	attempts    int
	generation  uint64
	// epoch changes on every Disconnect; work started in an older epoch
	// must not install its result.
	epoch       uint64
	epochCtx    context.Context
	cancelEpoch context.CancelFunc
}

// New builds a Manager. prober may be nil.
func New(dialer core.Dialer, creds core.CredentialProvider, prober core.Prober, opts Options, log zerolog.Logger, m *metrics.Metrics) *Manager {
	if opts.ClientID == "" {
		opts.ClientID = uuid.NewString()
	}
	if opts.Role == "" {
		opts.Role = domain.RoleClient
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = 500 * time.Millisecond
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 10 * time.Second
	}
	if m == nil {
		m = metrics.New(nil)
	}
	log = log.With().Str("module", "connection").Logger()
	ctx, cancel := context.WithCancel(context.Background())
	mgr := &Manager{
		dialer:      dialer,
		creds:       creds,
		prober:      prober,
		opts:        opts,
		log:         log,
		metrics:     m,
		connected:   eventbus.New[core.SignalConn](log),
		states:      eventbus.New[domain.ConnState](log),
		state:       domain.StateDisconnected,
		epochCtx:    ctx,
		cancelEpoch: cancel,
	}
	m.SetState(string(domain.StateDisconnected), allStates...)
	return mgr
}

func (m *Manager) Role() domain.Role { return m.opts.Role }
func (m *Manager) ClientID() string  { return m.opts.ClientID }

func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == domain.StateConnected && m.conn != nil
}

func (m *Manager) State() domain.ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Generation counts successful handshakes.
func (m *Manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Attempts is the number of automatic reconnect attempts since the last
// successful handshake or Disconnect.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// OnConnected is called after every successful handshake with the fresh
// connection, before Connect returns it.
func (m *Manager) OnConnected(h func(core.SignalConn)) func() {
	return m.connected.Subscribe(topicConnected, eventbus.Handler[core.SignalConn](h))
}

func (m *Manager) OnStateChange(h func(domain.ConnState)) func() {
	return m.states.Subscribe(topicState, eventbus.Handler[domain.ConnState](h))
}

// Connect returns the live connection, running a handshake if there is
// none. Concurrent callers share one handshake; each may stop waiting when
// its own ctx ends without aborting it for the others.
func (m *Manager) Connect(ctx context.Context) (core.SignalConn, error) {
	m.mu.Lock()
	if m.conn != nil {
		c := m.conn
		m.mu.Unlock()
		return c, nil
	}
	key := fmt.Sprintf("connect-%d", m.epoch)
	m.mu.Unlock()

	ch := m.flights.DoChan(key, func() (any, error) { return m.handshake() })
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(core.SignalConn), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", domain.ErrConnectionUnavailable, ctx.Err())
	}
}

func (m *Manager) handshake() (core.SignalConn, error) {
	m.mu.Lock()
	if m.conn != nil {
		c := m.conn
		m.mu.Unlock()
		return c, nil
	}
	epoch, epochCtx := m.epoch, m.epochCtx
	var wait time.Duration
	if !m.lastAttempt.IsZero() {
		wait = m.opts.MinConnectInterval - time.Since(m.lastAttempt)
	}
	changed := m.setStateLocked(domain.StateConnecting)
	m.mu.Unlock()
	m.announce(changed, domain.StateConnecting)

	if wait > 0 {
		m.log.Debug().Dur("delay", wait).Msg("connect throttled")
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-epochCtx.Done():
			t.Stop()
			return nil, m.fail(epoch, fmt.Errorf("%w: disconnected", domain.ErrConnectionUnavailable))
		}
	}

	m.mu.Lock()
	m.lastAttempt = time.Now()
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(epochCtx, m.opts.HandshakeTimeout)
	defer cancel()

	token, err := m.creds.Token(ctx)
	if err != nil || strings.TrimSpace(token) == "" {
		if err == nil {
			err = errors.New("empty token")
		}
		return nil, m.fail(epoch, fmt.Errorf("%w: %v", domain.ErrCredentialMissing, err))
	}

	m.probe(ctx)

	conn, err := m.dialer.Dial(ctx, token)
	if err != nil {
		if !errors.Is(err, domain.ErrHandshakeRejected) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", domain.ErrHandshakeTimeout, err)
		}
		return nil, m.fail(epoch, err)
	}

	sessionID, err := m.authenticate(ctx, conn, token)
	if err != nil {
		conn.Close()
		return nil, m.fail(epoch, err)
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		conn.Close()
		m.log.Info().Msg("handshake finished after disconnect, discarded")
		m.metrics.Handshakes.WithLabelValues("discarded").Inc()
		return nil, fmt.Errorf("%w: disconnected during handshake", domain.ErrConnectionUnavailable)
	}
	m.conn = conn
	m.sessionID = sessionID
	m.generation++
	m.attempts = 0
	gen := m.generation
	changed = m.setStateLocked(domain.StateConnected)
	m.mu.Unlock()

	m.metrics.Handshakes.WithLabelValues("ok").Inc()
	m.log.Info().Str("sid", sessionID).Uint64("generation", gen).Msg("connected")
	go m.watch(conn, epoch)
	m.connected.Publish(topicConnected, conn)
	m.announce(changed, domain.StateConnected)
	return conn, nil
}

func (m *Manager) probe(ctx context.Context) {
	if m.prober == nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, m.opts.HandshakeTimeout/2)
	defer cancel()
	if err := m.prober.Probe(pctx); err != nil {
		m.metrics.ProbeFailures.Inc()
		m.log.Warn().Err(err).Msg("reachability pre-check failed, handshake may fail")
	}
}

func (m *Manager) fail(epoch uint64, err error) error {
	m.metrics.Handshakes.WithLabelValues(resultLabel(err)).Inc()
	m.log.Warn().Err(err).Msg("handshake failed")
	m.mu.Lock()
	changed := false
	if m.epoch == epoch && m.conn == nil {
		changed = m.setStateLocked(domain.StateDisconnected)
	}
	m.mu.Unlock()
	m.announce(changed, domain.StateDisconnected)
	return err
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, domain.ErrHandshakeRejected):
		return "rejected"
	case errors.Is(err, domain.ErrHandshakeTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrCredentialMissing):
		return "no_credential"
	case errors.Is(err, domain.ErrMalformedPayload):
		return "malformed"
	default:
		return "unavailable"
	}
}

// watch waits for conn to drop and starts auto-reconnect unless the drop
// was caused by Disconnect.
func (m *Manager) watch(conn core.SignalConn, epoch uint64) {
	<-conn.Done()

	m.mu.Lock()
	if m.conn != conn || m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	changed := m.setStateLocked(domain.StateDisconnected)
	ctx := m.epochCtx
	m.mu.Unlock()

	m.log.Warn().Msg("connection lost")
	m.announce(changed, domain.StateDisconnected)
	go m.reconnect(ctx)
}

func (m *Manager) reconnect(ctx context.Context) {
	if m.opts.ReconnectMaxAttempts <= 0 {
		return
	}
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(m.opts.ReconnectInitial),
		backoff.WithMaxInterval(m.opts.ReconnectMax),
		backoff.WithMaxElapsedTime(0),
	)
	for {
		m.mu.Lock()
		if m.conn != nil {
			m.mu.Unlock()
			return
		}
		if m.attempts >= m.opts.ReconnectMaxAttempts {
			m.mu.Unlock()
			m.log.Error().Int("attempts", m.opts.ReconnectMaxAttempts).Msg("reconnect attempts exhausted")
			return
		}
		m.attempts++
		attempt := m.attempts
		m.mu.Unlock()

		t := time.NewTimer(b.NextBackOff())
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}

		m.metrics.Reconnects.Inc()
		_, err := m.Connect(ctx)
		if err == nil {
			return
		}
		if errors.Is(err, domain.ErrHandshakeRejected) || errors.Is(err, domain.ErrCredentialMissing) {
			m.log.Error().Err(err).Msg("reconnect stopped")
			return
		}
		m.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
	}
}

// Disconnect closes the connection and invalidates any in-flight handshake
// and pending reconnect. Safe when already disconnected.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.epoch++
	m.cancelEpoch()
	m.epochCtx, m.cancelEpoch = context.WithCancel(context.Background())
	conn := m.conn
	m.conn = nil
	m.sessionID = ""
	m.attempts = 0
	changed := m.setStateLocked(domain.StateDisconnected)
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
		m.log.Info().Msg("disconnected")
	}
	m.announce(changed, domain.StateDisconnected)
}

// Close disconnects and drops every hook.
func (m *Manager) Close() {
	m.Disconnect()
	m.mu.Lock()
	m.cancelEpoch()
	m.mu.Unlock()
	m.connected.Close()
	m.states.Close()
}

func (m *Manager) setStateLocked(s domain.ConnState) bool {
	if m.state == s {
		return false
	}
	m.state = s
	return true
}

func (m *Manager) announce(changed bool, s domain.ConnState) {
	if !changed {
		return
	}
	m.log.Debug().Str("state", string(s)).Msg("state changed")
	m.metrics.SetState(string(s), allStates...)
	m.states.Publish(topicState, s)
}
