package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// EventKind names a thread lifecycle transition.
type EventKind string

const (
	EventNew     EventKind = "new"
	EventRestore EventKind = "restore"
	EventAsk     EventKind = "ask"
	EventChunk   EventKind = "chunk"
	EventDone    EventKind = "done"
	EventError   EventKind = "error"
	EventAbort   EventKind = "abort"
	EventPause   EventKind = "pause"
	EventTitle   EventKind = "title"
	EventUpdate  EventKind = "update"
	EventEvict   EventKind = "evict"
)

// ThreadEvents matches every thread event subject.
const ThreadEvents = "threadline.thread.>"

// Event is the payload published for each thread transition. Listeners read
// current state from the store; the event only says what changed.
type Event struct {
	Kind     EventKind `json:"kind"`
	ThreadID string    `json:"thread_id"`
	StreamID string    `json:"stream_id,omitempty"`
	Seq      uint64    `json:"seq,omitempty"`
	Active   bool      `json:"active"`
	Error    string    `json:"error,omitempty"`
	Time     time.Time `json:"time"`
}

// ThreadSubject returns the subject an event for threadID is published on.
func ThreadSubject(threadID string, kind EventKind) string {
	return fmt.Sprintf("threadline.thread.%s.%s", threadID, kind)
}

// KindSubject matches one kind of event across all threads.
func KindSubject(kind EventKind) string {
	return "threadline.thread.*." + string(kind)
}

// PublishEvent encodes ev and publishes it on its thread subject.
func PublishEvent(ctx context.Context, b MessageBus, ev Event) error {
	if b == nil {
		return nil
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return b.Publish(ctx, ThreadSubject(ev.ThreadID, ev.Kind), data)
}

// SubscribeEvents decodes events on pattern and passes them to fn.
// Undecodable payloads are skipped.
func SubscribeEvents(ctx context.Context, b MessageBus, pattern string, fn func(Event)) (Subscription, error) {
	return b.Subscribe(ctx, pattern, decodeEvents(fn))
}

// QueueSubscribeEvents is SubscribeEvents for a queue group, so that one
// member of the group handles each event.
func QueueSubscribeEvents(ctx context.Context, b MessageBus, pattern, queue string, fn func(Event)) (Subscription, error) {
	return b.QueueSubscribe(ctx, pattern, queue, decodeEvents(fn))
}

func decodeEvents(fn func(Event)) MessageHandler {
	return func(msg *Message) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		fn(ev)
	}
}
