// Package eventbus is a typed topic publish/subscribe bus.
package eventbus

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
)

type Handler[T any] func(T)

type Bus[T any] struct {
	log zerolog.Logger

	mu     sync.RWMutex
	next   uint64
	subs   map[string]map[uint64]Handler[T]
	closed bool
}

func New[T any](log zerolog.Logger) *Bus[T] {
	return &Bus[T]{
		log:  log,
		subs: make(map[string]map[uint64]Handler[T]),
	}
}

// Subscribe registers h on topic. The returned func removes exactly this
// registration and may be called any number of times. Subscribing on a
// closed bus is a no-op.
func (b *Bus[T]) Subscribe(topic string, h Handler[T]) (unsubscribe func()) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.next++
	id := b.next
	byID, ok := b.subs[topic]
	if !ok {
		byID = make(map[uint64]Handler[T])
		b.subs[topic] = byID
	}
	byID[id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(topic, id) })
	}
}

func (b *Bus[T]) remove(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	byID, ok := b.subs[topic]
	if !ok {
		return
	}
	delete(byID, id)
	if len(byID) == 0 {
		delete(b.subs, topic)
	}
}

func (b *Bus[T]) lookup(topic string, id uint64) (Handler[T], bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.subs[topic][id]
	return h, ok
}

// Publish delivers v to the handlers of topic in registration order and
// returns how many were called. A handler removed while an earlier one is
// running is skipped. A panicking handler is logged and does not stop
// delivery to the rest.
func (b *Bus[T]) Publish(topic string, v T) int {
	b.mu.RLock()
	ids := make([]uint64, 0, len(b.subs[topic]))
	for id := range b.subs[topic] {
		ids = append(ids, id)
	}
	b.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	delivered := 0
	for _, id := range ids {
		h, ok := b.lookup(topic, id)
		if !ok {
			continue
		}
		delivered++
		if r := panics.Try(func() { h(v) }); r != nil {
			b.log.Error().Err(r.AsError()).Str("topic", topic).Msg("subscriber panicked")
		}
	}
	return delivered
}

// Count is the number of live registrations on topic.
func (b *Bus[T]) Count(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Close drops every registration. Later Subscribe calls are ignored.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	b.closed = true
	b.subs = make(map[string]map[uint64]Handler[T])
	b.mu.Unlock()
}
