// Package events is the notification bus between the host app, the engine
// callbacks, and this core. Delivery is fire-and-forget and at-least-once
// for live subscribers; ordering is only guaranteed within a topic. A slow
// subscriber is dropped rather than allowed to stall publishers.
package events

import (
	"sync"
	"time"
)

type Event struct {
	Seq       int64
	Topic     string
	Payload   any
	Timestamp time.Time
}

type subscriber struct {
	topic string
	ch    chan Event
}

type Router struct {
	mu      sync.Mutex
	nextSeq int64
	limit   int
	history []Event
	subs    map[int]*subscriber
	nextSub int
	wg      sync.WaitGroup
}

func NewRouter(historyLimit int) *Router {
	if historyLimit < 1 {
		historyLimit = 1
	}
	return &Router{
		limit: historyLimit,
		subs:  make(map[int]*subscriber),
	}
}

// Publish fans the event out to every live subscriber of the topic and
// records it in the bounded history. Never blocks: a subscriber whose
// buffer is full is closed and dropped.
func (r *Router) Publish(topic string, payload any) Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextSeq++
	event := Event{
		Seq:       r.nextSeq,
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	r.history = append(r.history, event)
	if len(r.history) > r.limit {
		r.history = append([]Event(nil), r.history[len(r.history)-r.limit:]...)
	}

	for id, sub := range r.subs {
		if sub.topic != "" && sub.topic != topic {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			close(sub.ch)
			delete(r.subs, id)
		}
	}
	return event
}

// Subscribe registers a handler for the topic; an empty topic receives
// everything. The handler runs on its own goroutine, one event at a time.
// The returned cancel stops delivery and waits for the handler to drain.
func (r *Router) Subscribe(topic string, handler func(Event)) func() {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	sub := &subscriber{topic: topic, ch: make(chan Event, 128)}
	r.subs[id] = sub
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for event := range sub.ch {
			handler(event)
		}
	}()

	return func() {
		r.mu.Lock()
		if s, ok := r.subs[id]; ok {
			close(s.ch)
			delete(r.subs, id)
		}
		r.mu.Unlock()
	}
}

// Replay returns the retained events for the topic after fromSeq, oldest
// first. Used by late subscribers to catch up before going live.
func (r *Router) Replay(topic string, fromSeq int64) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, 0)
	for _, event := range r.history {
		if event.Seq <= fromSeq {
			continue
		}
		if topic != "" && event.Topic != topic {
			continue
		}
		out = append(out, event)
	}
	return out
}

func (r *Router) BacklogSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.history)
}

// Close drops every subscriber and waits for their handlers to finish.
func (r *Router) Close() {
	r.mu.Lock()
	for id, sub := range r.subs {
		close(sub.ch)
		delete(r.subs, id)
	}
	r.mu.Unlock()
	r.wg.Wait()
}
