package connection

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/core/coretest"
	"github.com/dkeye/Consult/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDialer hands out coretest connections that answer the auth frame
// according to reply.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*coretest.Conn
	dials atomic.Int32
	err   error
	reply string // "ok", "error", "garbled" or "" for silence
	gate  chan struct{}
	delay time.Duration
}

func newFakeDialer() *fakeDialer { return &fakeDialer{reply: "ok"} }

func (d *fakeDialer) Dial(ctx context.Context, token string) (core.SignalConn, error) {
	d.dials.Add(1)
	if d.gate != nil {
		<-d.gate
	}
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	reply := d.reply
	c := coretest.NewConn().Respond(func(c *coretest.Conn, typ string, _ json.RawMessage) {
		if typ != "auth" {
			return
		}
		switch reply {
		case "ok":
			c.Inject("auth:ok", map[string]string{"sessionId": "sid-1"})
		case "error":
			c.Inject("auth:error", map[string]string{"reason": "token expired"})
		case "garbled":
			c.Inject("auth:ok", "oops")
		}
	})
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) conn(i int) *coretest.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

type failingProbe struct{ calls atomic.Int32 }

func (p *failingProbe) Probe(context.Context) error {
	p.calls.Add(1)
	return errors.New("unreachable")
}

func testOptions() Options {
	return Options{
		Role:                 domain.RoleClient,
		ClientID:             "c-1",
		HandshakeTimeout:     200 * time.Millisecond,
		ReconnectMaxAttempts: 3,
		ReconnectInitial:     5 * time.Millisecond,
		ReconnectMax:         20 * time.Millisecond,
	}
}

func newManager(d core.Dialer, token string, opts Options) *Manager {
	return New(d, core.StaticToken(token), nil, opts, zerolog.Nop(), nil)
}

func TestConcurrentConnectSingleHandshake(t *testing.T) {
	d := newFakeDialer()
	d.delay = 20 * time.Millisecond
	m := newManager(d, "tok", testOptions())
	defer m.Close()

	var wg sync.WaitGroup
	conns := make([]core.SignalConn, 20)
	for i := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := m.Connect(context.Background())
			assert.NoError(t, err)
			conns[i] = c
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, d.dials.Load())
	for _, c := range conns {
		assert.Same(t, conns[0], c)
	}
	assert.True(t, m.IsConnected())
	assert.Equal(t, "sid-1", m.SessionID())
	assert.EqualValues(t, 1, m.Generation())
	auth := d.conn(0).Emitted("auth")
	require.Len(t, auth, 1)
	assert.JSONEq(t, `"c-1"`, mustField(t, auth[0].Data, "clientId"))
}

func mustField(t *testing.T, raw json.RawMessage, key string) string {
	t.Helper()
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &m))
	return string(m[key])
}

func TestConnectReturnsLiveConnection(t *testing.T) {
	d := newFakeDialer()
	m := newManager(d, "tok", testOptions())
	defer m.Close()

	first, err := m.Connect(context.Background())
	require.NoError(t, err)
	second, err := m.Connect(context.Background())
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.EqualValues(t, 1, d.dials.Load())
}

func TestConnectErrors(t *testing.T) {
	tests := []struct {
		name    string
		token   string
		reply   string
		dialErr error
		wantErr error
		dials   int32
	}{
		{name: "missing credential", token: "", reply: "ok", wantErr: domain.ErrCredentialMissing, dials: 0},
		{name: "auth error", token: "tok", reply: "error", wantErr: domain.ErrHandshakeRejected, dials: 1},
		{name: "garbled auth ok", token: "tok", reply: "garbled", wantErr: domain.ErrMalformedPayload, dials: 1},
		{name: "no auth answer", token: "tok", reply: "", wantErr: domain.ErrHandshakeTimeout, dials: 1},
		{name: "http 401", token: "tok", dialErr: domain.ErrHandshakeRejected, wantErr: domain.ErrHandshakeRejected, dials: 1},
		{name: "server down", token: "tok", dialErr: domain.ErrConnectionUnavailable, wantErr: domain.ErrConnectionUnavailable, dials: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newFakeDialer()
			d.reply = tt.reply
			d.err = tt.dialErr
			opts := testOptions()
			opts.HandshakeTimeout = 50 * time.Millisecond
			m := newManager(d, tt.token, opts)
			defer m.Close()

			_, err := m.Connect(context.Background())

			require.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.dials, d.dials.Load())
			assert.False(t, m.IsConnected())
			assert.Equal(t, domain.StateDisconnected, m.State())
		})
	}
}

func TestAuthErrorCarriesReason(t *testing.T) {
	d := newFakeDialer()
	d.reply = "error"
	m := newManager(d, "tok", testOptions())
	defer m.Close()

	_, err := m.Connect(context.Background())
	var serr *domain.ServerError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "token expired", serr.Message)
	assert.True(t, d.conn(0).Closed())
}

func TestDisconnectThenConnectNewHandshake(t *testing.T) {
	d := newFakeDialer()
	m := newManager(d, "tok", testOptions())
	defer m.Close()

	first, err := m.Connect(context.Background())
	require.NoError(t, err)
	first.Subscribe("message:new", func(core.Event) {})

	m.Disconnect()
	m.Disconnect()
	assert.False(t, m.IsConnected())
	assert.True(t, d.conn(0).Closed())
	assert.Zero(t, d.conn(0).Subscribers("message:new"))

	second, err := m.Connect(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.EqualValues(t, 2, d.dials.Load())
	assert.EqualValues(t, 2, m.Generation())
	assert.Zero(t, d.conn(1).Subscribers("message:new"))
	assert.Zero(t, d.conn(1).Subscribers("auth:ok"))
}

func TestDisconnectDiscardsInFlightHandshake(t *testing.T) {
	d := newFakeDialer()
	d.gate = make(chan struct{})
	m := newManager(d, "tok", testOptions())
	defer m.Close()

	errc := make(chan error, 1)
	go func() {
		_, err := m.Connect(context.Background())
		errc <- err
	}()
	require.Eventually(t, func() bool { return d.dials.Load() == 1 }, time.Second, time.Millisecond)

	m.Disconnect()
	close(d.gate)

	require.ErrorIs(t, <-errc, domain.ErrConnectionUnavailable)
	assert.False(t, m.IsConnected())
	assert.True(t, d.conn(0).Closed())
}

func TestThrottleDelaysAttempt(t *testing.T) {
	d := newFakeDialer()
	opts := testOptions()
	opts.MinConnectInterval = 80 * time.Millisecond
	m := newManager(d, "tok", opts)
	defer m.Close()

	_, err := m.Connect(context.Background())
	require.NoError(t, err)
	m.Disconnect()

	start := time.Now()
	_, err = m.Connect(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestAutoReconnectAfterDrop(t *testing.T) {
	d := newFakeDialer()
	m := newManager(d, "tok", testOptions())
	defer m.Close()

	var hooks atomic.Int32
	m.OnConnected(func(core.SignalConn) { hooks.Add(1) })

	_, err := m.Connect(context.Background())
	require.NoError(t, err)

	d.conn(0).Close()

	require.Eventually(t, func() bool { return d.dials.Load() == 2 && m.IsConnected() }, time.Second, time.Millisecond)
	assert.EqualValues(t, 2, hooks.Load())
	assert.EqualValues(t, 2, m.Generation())
	assert.Zero(t, m.Attempts())
}

func TestAutoReconnectBounded(t *testing.T) {
	d := newFakeDialer()
	m := newManager(d, "tok", testOptions())
	defer m.Close()

	_, err := m.Connect(context.Background())
	require.NoError(t, err)

	d.setErr(domain.ErrConnectionUnavailable)
	d.conn(0).Close()

	require.Eventually(t, func() bool { return m.Attempts() == 3 && m.State() == domain.StateDisconnected }, 2*time.Second, time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 4, d.dials.Load())
	assert.False(t, m.IsConnected())
}

func TestAutoReconnectStopsOnRejection(t *testing.T) {
	d := newFakeDialer()
	m := newManager(d, "tok", testOptions())
	defer m.Close()

	_, err := m.Connect(context.Background())
	require.NoError(t, err)

	d.setErr(domain.ErrHandshakeRejected)
	d.conn(0).Close()

	require.Eventually(t, func() bool { return d.dials.Load() == 2 }, time.Second, time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 2, d.dials.Load())
	assert.Equal(t, 1, m.Attempts())
}

func TestDisconnectStopsReconnect(t *testing.T) {
	d := newFakeDialer()
	opts := testOptions()
	opts.ReconnectInitial = 50 * time.Millisecond
	m := newManager(d, "tok", opts)
	defer m.Close()

	_, err := m.Connect(context.Background())
	require.NoError(t, err)
	d.conn(0).Close()
	require.Eventually(t, func() bool { return m.State() == domain.StateDisconnected }, time.Second, time.Millisecond)

	m.Disconnect()
	time.Sleep(150 * time.Millisecond)
	assert.EqualValues(t, 1, d.dials.Load())
}

func TestStateChangesReportedOnce(t *testing.T) {
	d := newFakeDialer()
	m := newManager(d, "tok", testOptions())
	defer m.Close()

	var mu sync.Mutex
	var got []domain.ConnState
	m.OnStateChange(func(s domain.ConnState) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	})

	_, err := m.Connect(context.Background())
	require.NoError(t, err)
	_, err = m.Connect(context.Background())
	require.NoError(t, err)
	m.Disconnect()
	m.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []domain.ConnState{domain.StateConnecting, domain.StateConnected, domain.StateDisconnected}, got)
}

func TestReachabilityFailureDoesNotBlock(t *testing.T) {
	d := newFakeDialer()
	p := &failingProbe{}
	m := New(d, core.StaticToken("tok"), p, testOptions(), zerolog.Nop(), nil)
	defer m.Close()

	_, err := m.Connect(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, p.calls.Load())
}

func TestCallerContextDoesNotAbortSharedHandshake(t *testing.T) {
	d := newFakeDialer()
	d.delay = 50 * time.Millisecond
	m := newManager(d, "tok", testOptions())
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := m.Connect(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	c, err := m.Connect(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, c)
	assert.EqualValues(t, 1, d.dials.Load())
}
