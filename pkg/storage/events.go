package storage

// EventType names a write.
type EventType string

const (
	EventKeyPut     EventType = "kv.put"
	EventKeyDeleted EventType = "kv.deleted"
)

// Event describes one write to the KV.
type Event struct {
	Type      EventType
	Namespace string
	Key       string
	Size      int
}

// Observer reacts to storage events.
type Observer interface {
	HandleStorageEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) HandleStorageEvent(e Event) {
	f(e)
}

func newEvent(eventType EventType, namespace, key string, size int) Event {
	return Event{Type: eventType, Namespace: namespace, Key: key, Size: size}
}
