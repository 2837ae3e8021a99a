// Package events broadcasts turn progress (model calls, tool calls,
// completion) so front ends can show what the assistant is doing while
// a turn runs. Publishing on a nil *Bus is a no-op, so components do
// not need guard checks.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event kinds.
const (
	// KindTurnStart: a turn began. Data: history, model.
	KindTurnStart = "turn_start"
	// KindLLMResponse: a model call returned. Data: tool_calls.
	KindLLMResponse = "llm_response"
	// KindToolCall: a tool started. Data: tool, call_id.
	KindToolCall = "tool_call"
	// KindToolDone: a tool finished. Data: tool, call_id, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindFallback: an iteration cap ended the turn. Data: llm_calls, tool_calls.
	KindFallback = "fallback"
	// KindTurnComplete: a turn finished and was checkpointed. Data:
	// llm_calls, tool_calls, total_tokens, total_cost_usd, elapsed_ms.
	KindTurnComplete = "turn_complete"
	// KindTurnFailed: a turn aborted without saving. Data: error.
	KindTurnFailed = "turn_failed"
	// KindThreadReset: a thread's history was deleted.
	KindThreadReset = "thread_reset"
)

// Event is one progress notification.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Kind      string         `json:"kind"`
	ThreadID  string         `json:"thread_id"`
	Data      map[string]any `json:"data,omitempty"`
}

// Subscription receives events until Close is called.
type Subscription struct {
	C <-chan Event

	ch     chan Event
	thread string // empty means every thread
	bus    *Bus
	once   sync.Once
}

// Close stops delivery and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

// Bus is a non-blocking broadcast bus. A subscriber whose buffer is
// full misses events rather than stalling the turn that published them.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	dropped atomic.Uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Publish delivers e to every matching subscriber. A zero Timestamp is
// set to now.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if s.thread != "" && s.thread != e.ThreadID {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscriber with a buffer of bufSize events.
// A non-empty thread limits delivery to that thread's events.
func (b *Bus) Subscribe(bufSize int, thread string) *Subscription {
	if bufSize <= 0 {
		bufSize = 64
	}
	ch := make(chan Event, bufSize)
	s := &Subscription{C: ch, ch: ch, thread: thread, bus: b}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// SubscriberCount returns the number of open subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a
// subscriber's buffer was full.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
