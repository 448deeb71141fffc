package notify

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/whisperforge/wf-engine/internal/metrics"
	"github.com/whisperforge/wf-engine/internal/pipeline"
)

// SSEEvent is a pipeline event stamped with a replayable stream ID.
type SSEEvent struct {
	ID    string
	Event pipeline.Event
}

// Filter restricts which events a subscriber receives. Zero value matches
// everything.
type Filter struct {
	RunID string
	Types []string
}

// EventBus distributes pipeline events to SSE subscribers. A ring buffer
// keeps recent events for replay on reconnect. Publishing never blocks; a
// slow subscriber drops events instead of stalling the pipeline.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[uint64]busSubscriber
	nextID      uint64
	seq         atomic.Uint64

	ring     []SSEEvent
	ringSize int
	ringHead int
	ringMu   sync.RWMutex
}

type busSubscriber struct {
	ch     chan SSEEvent
	filter Filter
}

// NewEventBus creates a bus with the given replay buffer size.
func NewEventBus(ringSize int) *EventBus {
	if ringSize <= 0 {
		ringSize = 256
	}
	return &EventBus{
		subscribers: make(map[uint64]busSubscriber),
		ring:        make([]SSEEvent, ringSize),
		ringSize:    ringSize,
	}
}

// Subscribe registers a subscriber and returns its channel and a cancel
// function.
func (eb *EventBus) Subscribe(filter Filter) (<-chan SSEEvent, func()) {
	eb.mu.Lock()
	id := eb.nextID
	eb.nextID++
	ch := make(chan SSEEvent, 64)
	eb.subscribers[id] = busSubscriber{ch: ch, filter: filter}
	eb.mu.Unlock()

	cancel := func() {
		eb.mu.Lock()
		delete(eb.subscribers, id)
		eb.mu.Unlock()
	}
	return ch, cancel
}

// ReplaySince returns buffered events after the given event ID, oldest
// first. An empty lastEventID replays the whole buffer.
func (eb *EventBus) ReplaySince(lastEventID string, filter Filter) []SSEEvent {
	eb.ringMu.RLock()
	defer eb.ringMu.RUnlock()

	var events []SSEEvent
	found := lastEventID == ""
	for i := 0; i < eb.ringSize; i++ {
		idx := (eb.ringHead + i) % eb.ringSize
		e := eb.ring[idx]
		if e.ID == "" {
			continue
		}
		if !found {
			if e.ID == lastEventID {
				found = true
			}
			continue
		}
		if matchesFilter(e, filter) {
			events = append(events, e)
		}
	}
	return events
}

// Publish stamps the event, buffers it, and fans it out to matching
// subscribers. Implements pipeline.Notifier.
func (eb *EventBus) Publish(ev pipeline.Event) {
	metrics.EventsPublishedTotal.Inc()
	seq := eb.seq.Add(1)
	event := SSEEvent{
		ID:    fmt.Sprintf("%d-%d", time.Now().UnixMilli(), seq),
		Event: ev,
	}

	eb.ringMu.Lock()
	eb.ring[eb.ringHead] = event
	eb.ringHead = (eb.ringHead + 1) % eb.ringSize
	eb.ringMu.Unlock()

	eb.mu.RLock()
	for _, sub := range eb.subscribers {
		if matchesFilter(event, sub.filter) {
			select {
			case sub.ch <- event:
			default:
				// Drop if subscriber is slow
			}
		}
	}
	eb.mu.RUnlock()
}

func matchesFilter(e SSEEvent, f Filter) bool {
	if f.RunID != "" && e.Event.RunID != f.RunID {
		return false
	}
	if len(f.Types) > 0 {
		match := false
		for _, t := range f.Types {
			if t == e.Event.Type {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	return true
}
