// Package events carries operational events from the turn loop, the
// admin API and the health watcher to the WebSocket feed and the MQTT
// mirror. A nil *Bus accepts and discards events, so publishers never
// check for one.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Sources.
const (
	// SourceAgent identifies events from the turn loop.
	SourceAgent = "agent"
	// SourceAdmin identifies administrative changes made through the
	// API or the CLI.
	SourceAdmin = "admin"
	// SourceHealth identifies backend reachability changes.
	SourceHealth = "health"
)

// Kinds, with the keys each one carries in Data.
const (
	// KindTurnStart signals the beginning of a user turn.
	// Data: turn_id, session_id, has_image.
	KindTurnStart = "turn_start"
	// KindLLMCall signals the start of a model call.
	// Data: turn_id, iter.
	KindLLMCall = "llm_call"
	// KindLLMResponse signals completion of a model call.
	// Data: turn_id, iter, tool_type, elapsed_ms.
	KindLLMResponse = "llm_response"
	// KindToolCall signals the start of a tool dispatch.
	// Data: turn_id, tool_type.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool dispatch.
	// Data: turn_id, tool_type, ok, duration_ms, error (when !ok).
	KindToolDone = "tool_done"
	// KindTurnComplete signals the end of a turn.
	// Data: turn_id, session_id, state, iterations, elapsed_ms.
	KindTurnComplete = "turn_complete"

	// KindToolDisabled signals a tool type was added to the disabled set.
	// Data: tool_type.
	KindToolDisabled = "tool_disabled"
	// KindToolEnabled signals a tool type was removed from the disabled set.
	// Data: tool_type.
	KindToolEnabled = "tool_enabled"

	// KindServiceUp signals a watched backend became reachable.
	// Data: service.
	KindServiceUp = "service_up"
	// KindServiceDown signals a watched backend became unreachable.
	// Data: service, error.
	KindServiceDown = "service_down"
)

// Event is one operational event. It is sent as-is on the WebSocket
// feed and as the MQTT payload.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus fans events out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the event and has it counted
// against it instead.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]*subscriber
}

type subscriber struct {
	ch      chan Event
	dropped atomic.Uint64
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]*subscriber)}
}

// Publish delivers e to every subscriber with buffer room. A nil bus
// discards it.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

// Emit publishes an event of the given source and kind stamped with the
// current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe registers a subscriber with a buffer of size events. Every
// Subscribe must be paired with an Unsubscribe.
func (b *Bus) Subscribe(size int) <-chan Event {
	s := &subscriber{ch: make(chan Event, size)}
	b.mu.Lock()
	b.subs[s.ch] = s
	b.mu.Unlock()
	return s.ch
}

// Unsubscribe removes the subscriber and closes its channel. Unknown or
// already removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(s.ch)
	}
}

// Dropped reports how many events the subscriber missed because its
// buffer was full.
func (b *Bus) Dropped(ch <-chan Event) uint64 {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if s, ok := b.subs[ch]; ok {
		return s.dropped.Load()
	}
	return 0
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
