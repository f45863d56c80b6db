package events

import (
	"sync"
	"testing"
	"time"
)

func TestPublishReachesTopicSubscribers(t *testing.T) {
	r := NewRouter(16)
	defer r.Close()

	var mu sync.Mutex
	var got []Event
	done := make(chan struct{}, 2)
	cancel := r.Subscribe(TopicMessageDeleted, func(e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		done <- struct{}{}
	})
	defer cancel()
	other := r.Subscribe(TopicDraftSendFailed, func(e Event) {
		t.Errorf("wrong topic delivered: %s", e.Topic)
	})
	defer other()

	r.Publish(TopicMessageDeleted, "m1")
	r.Publish(TopicMessageDeleted, "m2")

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("subscriber never saw the events")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0].Payload != "m1" || got[1].Payload != "m2" {
		t.Fatalf("got = %+v", got)
	}
	if got[0].Seq >= got[1].Seq {
		t.Fatal("per-topic ordering lost")
	}
}

func TestHistoryBounded(t *testing.T) {
	r := NewRouter(3)
	defer r.Close()
	for i := 0; i < 10; i++ {
		r.Publish(TopicMessageCreated, i)
	}
	if got := r.BacklogSize(); got != 3 {
		t.Fatalf("backlog = %d, want 3", got)
	}
	replay := r.Replay(TopicMessageCreated, 0)
	if len(replay) != 3 || replay[0].Payload != 7 {
		t.Fatalf("replay = %+v", replay)
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	r := NewRouter(16)
	defer r.Close()

	delivered := make(chan Event, 8)
	cancel := r.Subscribe("", func(e Event) { delivered <- e })
	r.Publish(TopicMessageCreated, 1)
	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("first event never delivered")
	}
	cancel()
	r.Publish(TopicMessageCreated, 2)
	select {
	case e := <-delivered:
		t.Fatalf("event after cancel: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	r := NewRouter(16)
	defer r.Close()

	block := make(chan struct{})
	r.Subscribe(TopicMessageCreated, func(Event) { <-block })

	done := make(chan struct{})
	go func() {
		// 128 buffered plus one in the stalled handler, then the drop path
		for i := 0; i < 300; i++ {
			r.Publish(TopicMessageCreated, i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	close(block)
}
