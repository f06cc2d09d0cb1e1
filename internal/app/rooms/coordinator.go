// Package rooms joins logical rooms over the realtime connection with
// strategy fallback, single-flight per key and a TTL'd outcome cache.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Consult/internal/config"
	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
	"github.com/dkeye/Consult/internal/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

type Options struct {
	Timeout           time.Duration
	AttemptTimeout    time.Duration
	PrejoinTimeout    time.Duration
	BackgroundTimeout time.Duration
	CacheTTL          time.Duration
}

func OptionsFrom(cfg config.JoinConfig) Options {
	return Options{
		Timeout:           cfg.Timeout,
		AttemptTimeout:    cfg.AttemptTimeout,
		PrejoinTimeout:    cfg.PrejoinTimeout,
		BackgroundTimeout: cfg.BackgroundTimeout,
		CacheTTL:          cfg.CacheTTL,
	}
}

type JoinOptions struct {
	// PreJoin makes a single short attempt and schedules a full join in
	// the background.
	PreJoin bool
}

// request is the internal form of a join.
type request struct {
	prejoin bool
	// force ignores cached failures.
	force  bool
	budget time.Duration
}

type Coordinator struct {
	conns   core.Connector
	opts    Options
	log     zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	flights singleflight.Group
	ctx     context.Context
	cancel  context.CancelFunc
	bg      sync.WaitGroup

	mu      sync.Mutex
	records map[string]domain.JoinRecord
}

func New(conns core.Connector, opts Options, log zerolog.Logger, m *metrics.Metrics) *Coordinator {
	if m == nil {
		m = metrics.New(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		conns:   conns,
		opts:    opts,
		log:     log.With().Str("module", "rooms").Logger(),
		metrics: m,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		records: make(map[string]domain.JoinRecord),
	}
}

// Join makes the client a member of the room addressed by key.
func (c *Coordinator) Join(ctx context.Context, key domain.RoomKey, opts JoinOptions) (domain.JoinOutcome, error) {
	req := request{prejoin: opts.PreJoin, budget: c.opts.Timeout}
	if opts.PreJoin {
		req.budget = c.opts.PrejoinTimeout
	}
	return c.join(ctx, key, req)
}

func (c *Coordinator) join(ctx context.Context, key domain.RoomKey, req request) (domain.JoinOutcome, error) {
	if !key.Valid() {
		return domain.JoinOutcome{}, domain.ErrInvalidKey
	}
	key = domain.NewRoomKey(key.PrimaryID, key.SecondaryID)

	if out, err, ok := c.cached(key, req.force); ok {
		return out, err
	}

	// One flight per canonical key. A pre-join caller waits at most its own
	// budget on whatever flight is running.
	wait := ctx
	if req.prejoin {
		var cancel context.CancelFunc
		wait, cancel = context.WithTimeout(ctx, req.budget)
		defer cancel()
	}
	for {
		ch := c.flights.DoChan(key.Canonical(), func() (any, error) {
			out, err := c.run(key, req)
			return flight{out: out, prejoin: req.prejoin}, err
		})
		select {
		case r := <-ch:
			f := r.Val.(flight)
			if r.Err != nil {
				if f.prejoin && !req.prejoin {
					// a short pre-join answered a full join; run the full one
					continue
				}
				return domain.JoinOutcome{}, r.Err
			}
			return f.out, nil
		case <-wait.Done():
			return domain.JoinOutcome{}, fmt.Errorf("join %s: %w: %w", key, domain.ErrJoinTimeout, wait.Err())
		}
	}
}

type flight struct {
	out     domain.JoinOutcome
	prejoin bool
}

// cached answers from a fresh record. A success only counts for the
// connection it was obtained on.
func (c *Coordinator) cached(key domain.RoomKey, force bool) (domain.JoinOutcome, error, bool) {
	c.mu.Lock()
	rec, ok := c.records[key.Canonical()]
	c.mu.Unlock()
	if !ok || !rec.Fresh(c.now(), c.opts.CacheTTL) {
		return domain.JoinOutcome{}, nil, false
	}
	if rec.OK {
		if rec.Generation != c.conns.Generation() {
			return domain.JoinOutcome{}, nil, false
		}
		c.metrics.JoinCacheHits.WithLabelValues("ok").Inc()
		return domain.JoinOutcome{Key: key, RoomRef: rec.RoomRef, Strategy: rec.Strategy, Cached: true}, nil, true
	}
	if force {
		return domain.JoinOutcome{}, nil, false
	}
	c.metrics.JoinCacheHits.WithLabelValues("failed").Inc()
	return domain.JoinOutcome{}, rec.Err, true
}

func (c *Coordinator) run(key domain.RoomKey, req request) (domain.JoinOutcome, error) {
	if out, err, ok := c.cached(key, req.force); ok {
		return out, err
	}

	ctx, cancel := context.WithTimeout(c.ctx, req.budget)
	defer cancel()

	conn, err := c.conns.Connect(ctx)
	if err != nil {
		if req.prejoin {
			c.background(key)
		}
		return domain.JoinOutcome{}, fmt.Errorf("join %s: %w: %v", key, domain.ErrConnectionUnavailable, err)
	}
	gen := c.conns.Generation()

	strategies := Strategies(key)
	if req.prejoin {
		strategies = strategies[:1]
	}

	var rejected error
	for _, s := range strategies {
		remaining := time.Until(deadlineOf(ctx))
		if remaining <= 0 {
			break
		}
		ref, err := c.attempt(ctx, conn, key, s, min(c.opts.AttemptTimeout, remaining))
		if err == nil {
			c.metrics.Joins.WithLabelValues(string(s), "ok").Inc()
			c.store(key, domain.JoinRecord{At: c.now(), OK: true, RoomRef: ref, Strategy: s, Generation: gen})
			c.log.Info().Str("key", key.Canonical()).Str("strategy", string(s)).Str("room", ref).Msg("joined")
			out := domain.JoinOutcome{Key: key, RoomRef: ref, Strategy: s}
			if req.prejoin {
				c.background(key)
			}
			return out, nil
		}
		c.log.Warn().Err(err).Str("key", key.Canonical()).Str("strategy", string(s)).Msg("join attempt failed")
		switch {
		case errors.Is(err, domain.ErrJoinRejected):
			c.metrics.Joins.WithLabelValues(string(s), "rejected").Inc()
			rejected = err
		case errors.Is(err, domain.ErrJoinThrottled):
			c.metrics.Joins.WithLabelValues(string(s), "throttled").Inc()
			return domain.JoinOutcome{}, fmt.Errorf("join %s: %w", key, err)
		case errors.Is(err, domain.ErrConnectionUnavailable):
			c.metrics.Joins.WithLabelValues(string(s), "unavailable").Inc()
			if req.prejoin {
				c.background(key)
			}
			return domain.JoinOutcome{}, fmt.Errorf("join %s: %w", key, err)
		case errors.Is(err, domain.ErrMalformedPayload):
			c.metrics.Joins.WithLabelValues(string(s), "malformed").Inc()
		default:
			c.metrics.Joins.WithLabelValues(string(s), "timeout").Inc()
		}
	}

	final := rejected
	if final == nil {
		final = domain.ErrJoinTimeout
	}
	final = fmt.Errorf("join %s: %w", key, final)
	if req.prejoin {
		c.background(key)
		return domain.JoinOutcome{}, final
	}
	c.store(key, domain.JoinRecord{At: c.now(), Err: final, Generation: gen})
	return domain.JoinOutcome{}, final
}

// background schedules a detached full join that ignores cached failures.
func (c *Coordinator) background(key domain.RoomKey) {
	if c.ctx.Err() != nil {
		return
	}
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		_, err := c.join(c.ctx, key, request{force: true, budget: c.opts.BackgroundTimeout})
		if err != nil {
			c.log.Warn().Err(err).Str("key", key.Canonical()).Msg("background join failed")
		}
	}()
}

func (c *Coordinator) store(key domain.RoomKey, rec domain.JoinRecord) {
	c.mu.Lock()
	c.records[key.Canonical()] = rec
	c.mu.Unlock()
}

// Record returns the cached outcome for key, fresh or not.
func (c *Coordinator) Record(key domain.RoomKey) (domain.JoinRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[key.Canonical()]
	return rec, ok
}

// Wait blocks until scheduled background joins finish.
func (c *Coordinator) Wait() { c.bg.Wait() }

func (c *Coordinator) Close() {
	c.cancel()
	c.bg.Wait()
}

func deadlineOf(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return time.Now().Add(time.Hour)
}
