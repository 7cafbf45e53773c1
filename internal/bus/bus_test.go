package bus_test

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/praxhq/prax/internal/bus"
	"github.com/praxhq/prax/pkg/api"
)

func newEvent(t api.EventType) api.Event {
	base := api.NewEventBase(api.NewExecutionID(), time.Now())
	switch t {
	case api.EventProcessStarted:
		return &api.ProcessStartedEvent{EventBase: base}
	default:
		return &api.ProcessCompletedEvent{EventBase: base}
	}
}

func TestSubscribeReceivesMatchingTypes(t *testing.T) {
	b := bus.New(slog.Default())

	var mu sync.Mutex
	var seen []api.EventType
	b.Subscribe(func(e api.Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.EventType())
	}, api.EventProcessStarted)

	b.Publish(newEvent(api.EventProcessStarted))
	b.Publish(newEvent(api.EventProcessCompleted))
	b.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []api.EventType{api.EventProcessStarted}, seen)
}

func TestSubscribeAllReceivesEverything(t *testing.T) {
	b := bus.New(slog.Default())

	var mu sync.Mutex
	count := 0
	b.SubscribeAll(func(api.Event) {
		mu.Lock()
		defer mu.Unlock()
		count++
	})

	b.Publish(newEvent(api.EventProcessStarted))
	b.Publish(newEvent(api.EventProcessCompleted))
	b.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, count)
}

func TestPanickingSubscriberIsIsolated(t *testing.T) {
	b := bus.New(slog.Default())

	b.SubscribeAll(func(api.Event) {
		panic("boom")
	})

	var mu sync.Mutex
	delivered := false
	b.SubscribeAll(func(api.Event) {
		mu.Lock()
		defer mu.Unlock()
		delivered = true
	})

	b.Publish(newEvent(api.EventProcessStarted))
	b.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, delivered)
}

func TestSubscriberSeesPublishOrder(t *testing.T) {
	b := bus.New(slog.Default())

	var mu sync.Mutex
	started := map[api.StepID]bool{}
	inversions := 0
	b.SubscribeAll(func(e api.Event) {
		mu.Lock()
		defer mu.Unlock()
		switch ev := e.(type) {
		case *api.StepStartedEvent:
			started[ev.StepID] = true
		case *api.StepCompletedEvent:
			if !started[ev.StepID] {
				inversions++
			}
		}
	})

	base := api.NewEventBase(api.NewExecutionID(), time.Now())
	const pairs = 500
	for i := 0; i < pairs; i++ {
		id := api.StepID(fmt.Sprintf("step-%d", i))
		b.Publish(&api.StepStartedEvent{EventBase: base, StepID: id})
		b.Publish(&api.StepCompletedEvent{EventBase: base, StepID: id})
	}
	b.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, started, pairs)
	assert.Zero(t, inversions, "completed delivered before started")
}

func TestPublishDoesNotBlock(t *testing.T) {
	b := bus.New(slog.Default())

	release := make(chan struct{})
	b.SubscribeAll(func(api.Event) {
		<-release
	})

	done := make(chan struct{})
	go func() {
		b.Publish(newEvent(api.EventProcessStarted))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	close(release)
	b.Wait()
}
