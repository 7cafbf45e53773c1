// Package bus delivers domain events to in-process subscribers. Publish
// never blocks the engine: each subscriber drains its own queue on a
// single task, so one subscriber sees events in publish order, and a
// panicking subscriber is isolated and logged.
package bus

import (
	"log/slog"
	"sync"

	"github.com/praxhq/prax/internal/util"
	"github.com/praxhq/prax/pkg/api"
)

type (
	// Handler consumes a single domain event
	Handler func(api.Event)

	// Bus fans events out to registered subscribers
	Bus struct {
		logger *slog.Logger
		mu     sync.RWMutex
		subs   []*subscription
		wg     sync.WaitGroup
	}

	subscription struct {
		types util.Set[api.EventType]
		fn    Handler

		mu       sync.Mutex
		queue    []api.Event
		draining bool
	}
)

// New creates an event bus
func New(logger *slog.Logger) *Bus {
	return &Bus{logger: logger}
}

// Subscribe registers a handler for the given event types
func (b *Bus) Subscribe(fn Handler, types ...api.EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, &subscription{
		types: util.SetOf(types...),
		fn:    fn,
	})
}

// SubscribeAll registers a handler for every event type
func (b *Bus) SubscribeAll(fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, &subscription{fn: fn})
}

// Publish delivers an event to all matching subscribers without blocking
func (b *Bus) Publish(e api.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.types != nil && !sub.types.Contains(e.EventType()) {
			continue
		}
		b.enqueue(sub, e)
	}
}

// Wait blocks until all enqueued deliveries have finished
func (b *Bus) Wait() {
	b.wg.Wait()
}

// enqueue appends the event to the subscriber's queue and starts a drain
// task when none is running. One drain task per subscriber keeps delivery
// in publish order
func (b *Bus) enqueue(sub *subscription, e api.Event) {
	sub.mu.Lock()
	sub.queue = append(sub.queue, e)
	if sub.draining {
		sub.mu.Unlock()
		return
	}
	sub.draining = true
	sub.mu.Unlock()

	b.wg.Add(1)
	go b.drain(sub)
}

func (b *Bus) drain(sub *subscription) {
	defer b.wg.Done()
	for {
		sub.mu.Lock()
		if len(sub.queue) == 0 {
			sub.draining = false
			sub.mu.Unlock()
			return
		}
		e := sub.queue[0]
		sub.queue = sub.queue[1:]
		sub.mu.Unlock()

		b.deliver(sub.fn, e)
	}
}

func (b *Bus) deliver(fn Handler, e api.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				slog.String("event_type", string(e.EventType())),
				slog.Any("panic", r),
			)
		}
	}()
	fn(e)
}
