// Package notify fans out session request notifications to local
// listeners over a single upstream subscription.
package notify

import (
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
	"github.com/dkeye/Consult/internal/eventbus"
	"github.com/dkeye/Consult/internal/metrics"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const (
	EventNewRequest = "session:newRequest"

	topic   = "requests"
	maxSeen = 512
)

type Router struct {
	log      zerolog.Logger
	metrics  *metrics.Metrics
	validate *validator.Validate
	subs     *eventbus.Bus[domain.SessionRequest]
	unhook   func()

	mu       sync.Mutex
	current  core.SignalConn
	upstream func()
	seen     map[string]uint64
	order    []string
}

// New follows every connection conns establishes.
func New(conns core.Connector, log zerolog.Logger, m *metrics.Metrics) *Router {
	if m == nil {
		m = metrics.New(nil)
	}
	log = log.With().Str("module", "notify").Logger()
	r := &Router{
		log:      log,
		metrics:  m,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		subs:     eventbus.New[domain.SessionRequest](log),
		seen:     make(map[string]uint64),
	}
	r.unhook = conns.OnConnected(r.onConnected)
	return r
}

// Subscribe registers h. The returned func removes exactly this
// registration; it is idempotent and takes effect even while a delivery
// is in progress.
func (r *Router) Subscribe(h func(domain.SessionRequest)) (unsubscribe func()) {
	unsub := r.subs.Subscribe(topic, eventbus.Handler[domain.SessionRequest](h))

	r.mu.Lock()
	if r.upstream == nil && r.current != nil {
		r.bindLocked(r.current)
	}
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			unsub()
			r.releaseIfIdle()
		})
	}
}

// Listeners is the number of live subscriptions.
func (r *Router) Listeners() int { return r.subs.Count(topic) }

func (r *Router) onConnected(conn core.SignalConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = conn
	if r.subs.Count(topic) > 0 {
		r.bindLocked(conn)
	}
}

// bindLocked moves the single upstream subscription to conn.
func (r *Router) bindLocked(conn core.SignalConn) {
	if r.upstream != nil {
		r.upstream()
	}
	r.upstream = conn.Subscribe(EventNewRequest, r.handle)
	r.log.Debug().Msg("upstream subscribed")
}

func (r *Router) releaseIfIdle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs.Count(topic) == 0 && r.upstream != nil {
		r.upstream()
		r.upstream = nil
		r.log.Debug().Msg("upstream released")
	}
}

func (r *Router) handle(ev core.Event) {
	req, ok := r.decode(ev.Data)
	if !ok {
		return
	}
	if req.Status != "" && !strings.EqualFold(req.Status, domain.SessionRequestPending) {
		r.metrics.Notifications.WithLabelValues("not_pending").Inc()
		r.log.Debug().Str("resource_id", req.ResourceID).Str("status", req.Status).Msg("non-pending request skipped")
		return
	}
	if !r.changed(req.ResourceID, ev.Data) {
		r.metrics.Notifications.WithLabelValues("duplicate").Inc()
		return
	}
	n := r.subs.Publish(topic, req)
	r.metrics.Notifications.WithLabelValues("delivered").Add(float64(n))
}

func (r *Router) decode(raw []byte) (domain.SessionRequest, bool) {
	if !gjson.ValidBytes(raw) {
		r.drop("invalid json", nil)
		return domain.SessionRequest{}, false
	}
	doc := gjson.ParseBytes(raw)
	req := domain.SessionRequest{
		ResourceID: firstString(doc, "resourceId", "bookingId", "id"),
		SessionID:  firstString(doc, "sessionId"),
		Status:     firstString(doc, "status"),
		ClientName: firstString(doc, "clientName", "client.name"),
		Raw:        append([]byte(nil), raw...),
	}
	for _, p := range []string{"requestedAt", "createdAt"} {
		if v := doc.Get(p); v.Exists() {
			if t, err := time.Parse(time.RFC3339Nano, v.String()); err == nil {
				req.RequestedAt = t
				break
			}
			if v.Type == gjson.Number {
				req.RequestedAt = time.UnixMilli(v.Int())
				break
			}
		}
	}
	if err := r.validate.Struct(req); err != nil {
		r.drop("invalid payload", err)
		return domain.SessionRequest{}, false
	}
	return req, true
}

func (r *Router) drop(reason string, err error) {
	r.metrics.InboundDropped.WithLabelValues(EventNewRequest, "malformed").Inc()
	r.log.Warn().Err(err).Msg(reason)
}

// changed reports whether raw differs from the last payload delivered for
// id, and remembers it.
func (r *Router) changed(id string, raw []byte) bool {
	h := xxhash.Sum64(raw)
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.seen[id]; ok {
		if prev == h {
			return false
		}
	} else {
		r.order = append(r.order, id)
		if len(r.order) > maxSeen {
			delete(r.seen, r.order[0])
			r.order = r.order[1:]
		}
	}
	r.seen[id] = h
	return true
}

func firstString(doc gjson.Result, paths ...string) string {
	for _, p := range paths {
		v := doc.Get(p)
		switch v.Type {
		case gjson.String:
			if s := strings.TrimSpace(v.String()); s != "" {
				return s
			}
		case gjson.Number:
			return v.Raw
		}
	}
	return ""
}

func (r *Router) Close() {
	r.unhook()
	r.mu.Lock()
	if r.upstream != nil {
		r.upstream()
		r.upstream = nil
	}
	r.current = nil
	r.mu.Unlock()
	r.subs.Close()
}
