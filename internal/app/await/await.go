// Package await resolves the first of several correlated replies to a
// request sent over a realtime connection, or a timeout.
package await

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
	"github.com/rs/zerolog"
)

var ErrTimeout = errors.New("await: timeout")

// Arm is one possible reply. Match filters events of Type; a nil Match
// accepts all of them. Result turns the winning event into the outcome.
type Arm[T any] struct {
	Type   string
	Match  func(core.Event) bool
	Result func(core.Event) (T, error)
}

type Race[T any] struct {
	Arms    []Arm[T]
	Timeout time.Duration
	// Expired is returned when Timeout elapses first. Defaults to ErrTimeout.
	Expired error
	Log     zerolog.Logger
}

type outcome[T any] struct {
	v   T
	err error
}

// Run subscribes every arm, calls start (typically the Emit of the request),
// and waits. Exactly one of {an arm, the timeout, ctx, the connection
// closing} decides the result. All arm subscriptions are released before
// Run returns; replies arriving after the decision are logged and dropped.
func (r Race[T]) Run(ctx context.Context, conn core.SignalConn, start func() error) (T, error) {
	var zero T
	var decided atomic.Bool
	results := make(chan outcome[T], 1)

	unsubs := make([]func(), 0, len(r.Arms))
	defer func() {
		for _, u := range unsubs {
			u()
		}
	}()
	for _, arm := range r.Arms {
		unsubs = append(unsubs, conn.Subscribe(arm.Type, func(ev core.Event) {
			if arm.Match != nil && !arm.Match(ev) {
				return
			}
			if !decided.CompareAndSwap(false, true) {
				r.Log.Debug().Str("event", ev.Type).Msg("late reply discarded")
				return
			}
			v, err := arm.Result(ev)
			results <- outcome[T]{v: v, err: err}
		}))
	}

	if start != nil {
		if err := start(); err != nil {
			decided.Store(true)
			return zero, err
		}
	}

	timer := time.NewTimer(r.Timeout)
	defer timer.Stop()

	var lost error
	select {
	case o := <-results:
		return o.v, o.err
	case <-timer.C:
		lost = r.Expired
		if lost == nil {
			lost = ErrTimeout
		}
	case <-ctx.Done():
		lost = ctx.Err()
	case <-conn.Done():
		lost = domain.ErrClosed
	}
	if decided.CompareAndSwap(false, true) {
		return zero, lost
	}
	// An arm won the race while we were waking up.
	o := <-results
	return o.v, o.err
}
