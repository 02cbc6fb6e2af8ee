package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is the per-subscription queue length of a MemoryBus.
const DefaultBufferSize = 1024

// MemoryBus is an in-process MessageBus. A subscriber that falls a full
// buffer behind loses messages; Dropped reports how many.
type MemoryBus struct {
	mu            sync.RWMutex
	subscriptions map[string][]*memorySubscription
	groups        map[string]*queueGroup
	bufferSize    int
	closed        atomic.Bool
	subCounter    atomic.Uint64
	dropped       atomic.Uint64
}

type queueGroup struct {
	subject string
	members []*memorySubscription
	next    atomic.Uint64
}

// NewMemoryBus creates an in-memory bus with DefaultBufferSize.
func NewMemoryBus() *MemoryBus {
	return NewMemoryBusWithBuffer(DefaultBufferSize)
}

// NewMemoryBusWithBuffer creates an in-memory bus with the given
// per-subscription buffer.
func NewMemoryBusWithBuffer(size int) *MemoryBus {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &MemoryBus{
		subscriptions: make(map[string][]*memorySubscription),
		groups:        make(map[string]*queueGroup),
		bufferSize:    size,
	}
}

// Dropped returns the number of messages discarded because a subscriber
// buffer was full.
func (b *MemoryBus) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *MemoryBus) Publish(ctx context.Context, subject string, data []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}

	msg := &Message{Subject: subject, Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for pattern, subs := range b.subscriptions {
		if !matchSubject(pattern, subject) {
			continue
		}
		for _, sub := range subs {
			b.deliver(sub, msg)
		}
	}
	for _, g := range b.groups {
		if len(g.members) == 0 || !matchSubject(g.subject, subject) {
			continue
		}
		n := g.next.Add(1) - 1
		b.deliver(g.members[n%uint64(len(g.members))], msg)
	}
	return nil
}

func (b *MemoryBus) deliver(sub *memorySubscription, msg *Message) {
	if sub.closed.Load() {
		return
	}
	select {
	case sub.messages <- msg:
	default:
		b.dropped.Add(1)
	}
}

func (b *MemoryBus) newSubscription(subject, queue string, handler MessageHandler) *memorySubscription {
	return &memorySubscription{
		id:       fmt.Sprintf("sub-%d", b.subCounter.Add(1)),
		subject:  subject,
		queue:    queue,
		messages: make(chan *Message, b.bufferSize),
		done:     make(chan struct{}),
		handler:  handler,
		bus:      b,
	}
}

func (b *MemoryBus) Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := b.newSubscription(subject, "", handler)

	b.mu.Lock()
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)
	b.mu.Unlock()

	go sub.run(ctx)
	return sub, nil
}

func (b *MemoryBus) QueueSubscribe(ctx context.Context, subject, queue string, handler MessageHandler) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := b.newSubscription(subject, queue, handler)
	key := groupKey(subject, queue)

	b.mu.Lock()
	g, ok := b.groups[key]
	if !ok {
		g = &queueGroup{subject: subject}
		b.groups[key] = g
	}
	g.members = append(g.members, sub)
	b.mu.Unlock()

	go sub.run(ctx)
	return sub, nil
}

func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.stop()
		}
	}
	for _, g := range b.groups {
		for _, sub := range g.members {
			sub.stop()
		}
	}
	b.subscriptions = make(map[string][]*memorySubscription)
	b.groups = make(map[string]*queueGroup)
	return nil
}

func groupKey(subject, queue string) string {
	return queue + "\x00" + subject
}

type memorySubscription struct {
	id       string
	subject  string
	queue    string
	messages chan *Message
	done     chan struct{}
	handler  MessageHandler
	bus      *MemoryBus
	closed   atomic.Bool
}

func (s *memorySubscription) stop() {
	if s.closed.Swap(true) {
		return
	}
	close(s.done)
}

func (s *memorySubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if s.closed.Load() {
		return nil
	}
	s.stop()

	if s.queue != "" {
		if g, ok := s.bus.groups[groupKey(s.subject, s.queue)]; ok {
			g.members = removeSub(g.members, s.id)
		}
		return nil
	}
	s.bus.subscriptions[s.subject] = removeSub(s.bus.subscriptions[s.subject], s.id)
	if len(s.bus.subscriptions[s.subject]) == 0 {
		delete(s.bus.subscriptions, s.subject)
	}
	return nil
}

func removeSub(subs []*memorySubscription, id string) []*memorySubscription {
	for i, sub := range subs {
		if sub.id == id {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}

func (s *memorySubscription) Subject() string {
	return s.subject
}

func (s *memorySubscription) run(ctx context.Context) {
	for {
		select {
		case msg := <-s.messages:
			s.handler(msg)
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// matchSubject checks a subject against a pattern.
// "*" matches exactly one token, ">" matches one or more trailing tokens.
func matchSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}

	patternParts := strings.Split(pattern, ".")
	subjectParts := strings.Split(subject, ".")

	pi, si := 0, 0
	for pi < len(patternParts) && si < len(subjectParts) {
		switch patternParts[pi] {
		case "*":
			pi++
			si++
		case ">":
			return pi == len(patternParts)-1
		default:
			if patternParts[pi] != subjectParts[si] {
				return false
			}
			pi++
			si++
		}
	}
	return pi == len(patternParts) && si == len(subjectParts)
}
