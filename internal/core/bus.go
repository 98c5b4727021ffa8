package core

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// Handler receives events from the bus. Handlers run synchronously on the
// publisher's goroutine and must not block.
type Handler func(event *Event)

// Flusher is implemented by bus sinks that buffer events (e.g. the NATS
// bridge). Flush is called before the process terminates.
type Flusher interface {
	Flush(ctx context.Context) error
}

type subscription struct {
	id      int
	handler Handler
}

// EventBus is a typed in-process publish/subscribe bus. It is constructed
// once and passed to every component that publishes or consumes events.
type EventBus struct {
	mu       sync.RWMutex
	logger   zerolog.Logger
	byKind   map[EventKind][]subscription
	all      []subscription
	nextID   int
	flushers []Flusher

	// Metrics
	metrics *BusMetrics
}

// BusMetrics tracks event bus counters.
type BusMetrics struct {
	mu              sync.Mutex
	EventsPublished int64
	HandlerPanics   int64
	ByKind          map[EventKind]int64
}

// NewEventBus creates an empty bus.
func NewEventBus(logger zerolog.Logger) *EventBus {
	return &EventBus{
		logger:  logger.With().Str("component", "event_bus").Logger(),
		byKind:  make(map[EventKind][]subscription),
		metrics: &BusMetrics{ByKind: make(map[EventKind]int64)},
	}
}

// Subscribe registers handler for one event kind. The returned function
// removes the subscription.
func (b *EventBus) Subscribe(kind EventKind, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.byKind[kind] = append(b.byKind[kind], subscription{id: id, handler: handler})
	b.logger.Debug().Str("kind", string(kind)).Int("subscription", id).Msg("subscribed")
	return func() { b.unsubscribe(kind, id) }
}

// SubscribeAll registers handler for every event kind.
func (b *EventBus) SubscribeAll(handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.all = append(b.all, subscription{id: id, handler: handler})
	return func() { b.unsubscribe("", id) }
}

func (b *EventBus) unsubscribe(kind EventKind, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if kind == "" {
		b.all = removeSubscription(b.all, id)
		return
	}
	b.byKind[kind] = removeSubscription(b.byKind[kind], id)
}

func removeSubscription(subs []subscription, id int) []subscription {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// AddFlusher registers a sink to be flushed by Flush.
func (b *EventBus) AddFlusher(f Flusher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushers = append(b.flushers, f)
}

// Publish delivers event to every matching subscriber. A panicking handler is
// recovered and logged so it cannot take the publisher down with it.
func (b *EventBus) Publish(event *Event) {
	if event == nil {
		return
	}
	b.mu.RLock()
	targets := make([]subscription, 0, len(b.byKind[event.Kind])+len(b.all))
	targets = append(targets, b.byKind[event.Kind]...)
	targets = append(targets, b.all...)
	b.mu.RUnlock()

	b.metrics.mu.Lock()
	b.metrics.EventsPublished++
	b.metrics.ByKind[event.Kind]++
	b.metrics.mu.Unlock()

	for _, s := range targets {
		b.safeDeliver(s, event)
	}

	b.logger.Debug().
		Str("event_id", event.ID).
		Str("kind", string(event.Kind)).
		Str("severity", event.Severity.String()).
		Int("subscribers", len(targets)).
		Msg("event published")
}

func (b *EventBus) safeDeliver(s subscription, event *Event) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Error().
				Int("subscription", s.id).
				Str("event_id", event.ID).
				Str("kind", string(event.Kind)).
				Interface("panic", rec).
				Msg("event handler panic recovered")
			b.metrics.mu.Lock()
			b.metrics.HandlerPanics++
			b.metrics.mu.Unlock()
		}
	}()
	s.handler(event)
}

// Flush asks every registered sink to push out buffered events.
func (b *EventBus) Flush(ctx context.Context) error {
	b.mu.RLock()
	flushers := make([]Flusher, len(b.flushers))
	copy(flushers, b.flushers)
	b.mu.RUnlock()

	var errs []error
	for _, f := range flushers {
		if err := f.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// GetMetrics returns a snapshot of bus metrics.
func (b *EventBus) GetMetrics() map[string]int64 {
	b.metrics.mu.Lock()
	defer b.metrics.mu.Unlock()
	out := map[string]int64{
		"events_published": b.metrics.EventsPublished,
		"handler_panics":   b.metrics.HandlerPanics,
	}
	for kind, n := range b.metrics.ByKind {
		out["kind."+string(kind)] = n
	}
	return out
}
