package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	received := make(chan *Message, 1)

	sub, err := bus.Subscribe(ctx, "test.subject", func(msg *Message) {
		received <- msg
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, bus.Publish(ctx, "test.subject", []byte("hello")))

	select {
	case msg := <-received:
		assert.Equal(t, "hello", string(msg.Data))
		assert.Equal(t, "test.subject", msg.Subject)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestMemoryBus_DeliversInPublishOrder(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	const n = 200
	var (
		mu  sync.Mutex
		got []string
	)
	done := make(chan struct{})
	_, err := bus.Subscribe(ctx, "threadline.thread.>", func(msg *Message) {
		mu.Lock()
		got = append(got, string(msg.Data))
		if len(got) == n {
			close(done)
		}
		mu.Unlock()
	})
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		require.NoError(t, bus.Publish(ctx, "threadline.thread.a.chunk", []byte(fmt.Sprint(i))))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for messages")
	}
	for i, v := range got {
		assert.Equal(t, fmt.Sprint(i), v)
	}
}

func TestMemoryBus_QueueSubscribeDeliversOnce(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	var a, b atomic.Int32
	var wg sync.WaitGroup
	wg.Add(10)

	_, err := bus.QueueSubscribe(ctx, "jobs.*", "workers", func(*Message) { a.Add(1); wg.Done() })
	require.NoError(t, err)
	_, err = bus.QueueSubscribe(ctx, "jobs.*", "workers", func(*Message) { b.Add(1); wg.Done() })
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, bus.Publish(ctx, "jobs.run", nil))
	}

	waitTimeout(t, &wg)
	assert.Equal(t, int32(10), a.Load()+b.Load())
	assert.Equal(t, int32(5), a.Load())
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	var count atomic.Int32
	sub, err := bus.Subscribe(ctx, "x", func(*Message) { count.Add(1) })
	require.NoError(t, err)

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, bus.Publish(ctx, "x", nil))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), count.Load())
}

func TestMemoryBus_DropsWhenBufferFull(t *testing.T) {
	bus := NewMemoryBusWithBuffer(1)
	defer bus.Close()

	ctx := context.Background()
	block := make(chan struct{})
	_, err := bus.Subscribe(ctx, "x", func(*Message) { <-block })
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, bus.Publish(ctx, "x", nil))
	}
	close(block)
	assert.Greater(t, bus.Dropped(), uint64(0))
}

func TestMemoryBus_ClosedOperations(t *testing.T) {
	bus := NewMemoryBus()
	require.NoError(t, bus.Close())

	ctx := context.Background()
	assert.ErrorIs(t, bus.Close(), ErrClosed)
	assert.ErrorIs(t, bus.Publish(ctx, "x", nil), ErrClosed)
	_, err := bus.Subscribe(ctx, "x", func(*Message) {})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = bus.QueueSubscribe(ctx, "x", "q", func(*Message) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMatchSubject(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"a.b.c", "a.b.c", true},
		{"a.*.c", "a.b.c", true},
		{"a.*", "a.b.c", false},
		{"a.>", "a.b.c", true},
		{"a.>", "a", false},
		{"threadline.thread.*.done", "threadline.thread.01j.done", true},
		{"threadline.thread.*.done", "threadline.thread.01j.chunk", false},
		{"threadline.thread.>", "threadline.thread.01j.title", true},
		{"a.b", "a.b.c", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, matchSubject(tt.pattern, tt.subject), "%s vs %s", tt.pattern, tt.subject)
	}
}

func TestEventsRoundTrip(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	got := make(chan Event, 2)
	_, err := SubscribeEvents(ctx, bus, KindSubject(EventDone), func(ev Event) { got <- ev })
	require.NoError(t, err)

	require.NoError(t, PublishEvent(ctx, bus, Event{Kind: EventChunk, ThreadID: "t1"}))
	require.NoError(t, PublishEvent(ctx, bus, Event{Kind: EventDone, ThreadID: "t1", Active: true}))
	require.NoError(t, bus.Publish(ctx, ThreadSubject("t1", EventDone), []byte("not json")))

	select {
	case ev := <-got:
		assert.Equal(t, EventDone, ev.Kind)
		assert.Equal(t, "t1", ev.ThreadID)
		assert.True(t, ev.Active)
		assert.False(t, ev.Time.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	select {
	case ev := <-got:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(30 * time.Millisecond):
	}

	assert.NoError(t, PublishEvent(ctx, nil, Event{Kind: EventDone}))
}

func waitTimeout(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	ch := make(chan struct{})
	go func() {
		wg.Wait()
		close(ch)
	}()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for handlers")
	}
}
