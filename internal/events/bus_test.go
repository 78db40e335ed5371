package events

import (
	"sync"
	"testing"
	"time"
)

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(Event{Source: SourceRace, Kind: KindAttemptStart})
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
}

func TestPublish_FillsTimestamp(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	b.Publish(Event{Source: SourceRequest, Kind: KindRequestStart, Data: map[string]any{"request_id": "r1"}})

	select {
	case got := <-ch:
		if got.Timestamp.IsZero() {
			t.Error("Timestamp not filled in")
		}
		if got.Data["request_id"] != "r1" {
			t.Errorf("request_id = %v", got.Data["request_id"])
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublish_MultipleSubscribers(t *testing.T) {
	b := New()
	const n = 4
	channels := make([]<-chan Event, n)
	for i := range n {
		channels[i] = b.Subscribe(4)
	}

	b.Publish(Event{Source: SourceRace, Kind: KindAttemptWon})

	for i, ch := range channels {
		select {
		case got := <-ch:
			if got.Kind != KindAttemptWon {
				t.Errorf("subscriber %d got %q", i, got.Kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
		b.Unsubscribe(ch)
	}
	if b.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount() = %d after unsubscribing all", b.SubscriberCount())
	}
}

func TestPublish_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		for range 100 {
			b.Publish(Event{Source: SourceRace, Kind: KindAttemptFailed})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if len(ch) != 1 {
		t.Errorf("buffered = %d, want 1", len(ch))
	}
}

func TestUnsubscribe_ClosesAndIsIdempotent(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	b.Unsubscribe(ch)
	b.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Error("channel still open after Unsubscribe")
	}
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ch := b.Subscribe(2)
			b.Unsubscribe(ch)
		}()
		go func() {
			defer wg.Done()
			b.Publish(Event{Source: SourceIdentity, Kind: KindIdentityDone})
		}()
	}
	wg.Wait()
}
