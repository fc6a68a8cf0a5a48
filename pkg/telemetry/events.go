package telemetry

import (
	"context"
	"fmt"
	"sync"

	"github.com/devkiln/kiln/pkg/engine"
)

// EventSubscriber receives lifecycle events.
type EventSubscriber func(event engine.Event)

// EventFilter determines whether a subscriber sees an event.
type EventFilter func(event engine.Event) bool

// EventPublisher fans ledger events out to in-process subscribers. Delivery
// is asynchronous and ordered; a full buffer drops events rather than block
// the writer.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan engine.Event
	subscribers []subscriberEntry
	mu          sync.RWMutex
	done        chan struct{}
	closeOnce   sync.Once
	dropped     int
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a publisher and starts its delivery goroutine.
func NewEventPublisher(cfg EventsConfig) *EventPublisher {
	ep := &EventPublisher{config: cfg, done: make(chan struct{})}
	if !cfg.Enabled {
		close(ep.done)
		return ep
	}

	ep.buffer = make(chan engine.Event, cfg.BufferSize)
	go ep.processEvents(ep.buffer)
	return ep
}

// Publish queues an event for delivery. A nil publisher is a no-op.
func (ep *EventPublisher) Publish(event engine.Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.buffer == nil {
		return fmt.Errorf("event publisher stopped")
	}
	select {
	case ep.buffer <- event:
		return nil
	default:
		ep.dropped++
		return fmt.Errorf("event buffer full, event dropped")
	}
}

// Subscribe registers a subscriber with an optional filter.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, subscriberEntry{subscriber: subscriber, filter: filter})
}

// Dropped returns the number of events dropped because the buffer was full.
func (ep *EventPublisher) Dropped() int {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	return ep.dropped
}

func (ep *EventPublisher) processEvents(buffer <-chan engine.Event) {
	defer close(ep.done)
	for event := range buffer {
		ep.deliverEvent(event)
	}
}

func (ep *EventPublisher) deliverEvent(event engine.Event) {
	ep.mu.RLock()
	subs := ep.subscribers
	ep.mu.RUnlock()

	for _, entry := range subs {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops accepting events and waits for queued ones to be delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil {
		return nil
	}
	ep.closeOnce.Do(func() {
		ep.mu.Lock()
		if ep.buffer != nil {
			close(ep.buffer)
			ep.buffer = nil
		}
		ep.mu.Unlock()
	})

	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByTarget selects events of one target.
func FilterByTarget(target string) EventFilter {
	return func(event engine.Event) bool {
		return event.Target == target
	}
}

// FilterByRunID selects events of one run.
func FilterByRunID(runID string) EventFilter {
	return func(event engine.Event) bool {
		return event.RunID == runID
	}
}

// FilterByPhase selects events entering any of phases.
func FilterByPhase(phases ...engine.Phase) EventFilter {
	set := make(map[engine.Phase]bool, len(phases))
	for _, p := range phases {
		set[p] = true
	}
	return func(event engine.Event) bool {
		return set[event.Phase]
	}
}
