// Package events carries operational events from the solve pipeline to
// live observers such as the /v1/events WebSocket stream. The bus is
// nil-safe: Publish on a nil *Bus does nothing, so producers never need
// a guard.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	// SourceRequest identifies request lifecycle events.
	SourceRequest = "request"
	// SourceRace identifies per-attempt events from the fork race.
	SourceRace = "race"
	// SourceIdentity identifies identity probe events.
	SourceIdentity = "identity"
)

// Kinds.
const (
	// KindRequestStart: request_id, url, command, attempts.
	KindRequestStart = "request_start"
	// KindRequestComplete: request_id, status, error_code, winner, elapsed_ms.
	KindRequestComplete = "request_complete"

	// KindAttemptStart: request_id, attempt, delay_ms.
	KindAttemptStart = "attempt_start"
	// KindAttemptFailed: request_id, attempt, error.
	KindAttemptFailed = "attempt_failed"
	// KindAttemptWon: request_id, attempt, elapsed_ms.
	KindAttemptWon = "attempt_won"

	// KindIdentityDone: request_id, ok, elapsed_ms.
	KindIdentityDone = "identity_done"
)

// Event is a single operational event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. A subscriber whose buffer is
// full misses events instead of stalling the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend lets Unsubscribe accept the receive-only view handed
	// out by Subscribe.
	recvToSend map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish delivers e to every subscriber with room in its buffer.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel of published events with the given
// buffer size. Call Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes and closes a subscription. Unknown channels are
// ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
