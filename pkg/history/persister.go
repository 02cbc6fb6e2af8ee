package history

import (
	"context"

	"github.com/odvcencio/threadline/pkg/bus"
	"github.com/odvcencio/threadline/pkg/logging"
	"github.com/odvcencio/threadline/pkg/thread"
)

// QueueGroup is the queue every persister joins, so that with several
// processes on one NATS server each event is written once.
const QueueGroup = "threadline-history"

// Source is where the persister reads current thread state.
type Source interface {
	Get(id string) (thread.State, bool)
}

// Persister writes threads to history as their lifecycle events arrive.
type Persister struct {
	repo   *Repository
	source Source
	logger *logging.Logger
}

// NewPersister creates a persister reading from source.
func NewPersister(repo *Repository, source Source, logger *logging.Logger) *Persister {
	return &Persister{repo: repo, source: source, logger: logger}
}

// Listen subscribes to thread events on b until ctx is done.
func (p *Persister) Listen(ctx context.Context, b bus.MessageBus) (bus.Subscription, error) {
	return bus.QueueSubscribeEvents(ctx, b, bus.ThreadEvents, QueueGroup, func(ev bus.Event) {
		p.Handle(ctx, ev)
	})
}

// Handle persists the thread named by ev. Chunks are skipped; the thread is
// written when its round settles.
func (p *Persister) Handle(ctx context.Context, ev bus.Event) {
	switch ev.Kind {
	case bus.EventChunk, bus.EventNew, bus.EventEvict:
		return
	}
	st, ok := p.source.Get(ev.ThreadID)
	if !ok {
		return
	}
	log := p.logger.Thread(ev.ThreadID)

	if err := p.repo.Save(ctx, st.Thread); err != nil {
		log.Warn(logging.CategoryStorage, "save_failed", err.Error(), map[string]any{"event": string(ev.Kind)})
		return
	}
	log.Debug(logging.CategoryStorage, "saved", "thread saved", map[string]any{
		"event":    string(ev.Kind),
		"messages": len(st.Thread.Messages),
	})
}
