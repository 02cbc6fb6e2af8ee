// Package chat drives requests for threads held in a thread.Store: it builds
// payloads, consumes the streamed reply, resubmits while the model asks for
// tools, pauses on tool calls that need consent and names new threads.
package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/odvcencio/threadline/pkg/bus"
	"github.com/odvcencio/threadline/pkg/conversation"
	apperrors "github.com/odvcencio/threadline/pkg/errors"
	"github.com/odvcencio/threadline/pkg/logging"
	"github.com/odvcencio/threadline/pkg/session"
	"github.com/odvcencio/threadline/pkg/thread"
	"github.com/odvcencio/threadline/pkg/tool"
)

// DefaultTitleTimeout bounds a title request.
const DefaultTitleTimeout = 30 * time.Second

var errAborted = errors.New("aborted by user")

// Options configures an Orchestrator.
type Options struct {
	Service  ChatService
	Store    *thread.Store
	Logger   *logging.Logger
	Recorder Recorder
	// Backups, when set, receives the outgoing log before each request.
	Backups BackupWriter

	// MaxTokens is sent with every request when positive.
	MaxTokens int
	// MaxToolIterations caps automatic resubmissions per submit. Zero means
	// no cap.
	MaxToolIterations int
	// AllowedTools restricts the backend tool list by name when non-empty.
	AllowedTools []string
	TitleTimeout time.Duration
}

// Limits are the settings that can change while running.
type Limits struct {
	MaxTokens         int
	MaxToolIterations int
	AllowedTools      []string
}

// BackupWriter records the log sent with a request so an interrupted round
// can be rolled back.
type BackupWriter interface {
	SaveBackup(ctx context.Context, id string, messages conversation.Messages) error
}

type round struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Orchestrator is safe for concurrent use. Each thread has at most one
// round goroutine at a time.
type Orchestrator struct {
	svc      ChatService
	store    *thread.Store
	logger   *logging.Logger
	recorder Recorder
	backups  BackupWriter
	tools    *toolCache

	titleTimeout time.Duration
	titles       sync.WaitGroup

	mu     sync.Mutex
	rounds map[string]*round
	limits Limits
}

// New creates an orchestrator over opts.Store.
func New(opts Options) *Orchestrator {
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.TitleTimeout <= 0 {
		opts.TitleTimeout = DefaultTitleTimeout
	}
	return &Orchestrator{
		svc:          opts.Service,
		store:        opts.Store,
		logger:       opts.Logger,
		recorder:     opts.Recorder,
		backups:      opts.Backups,
		tools:        &toolCache{svc: opts.Service},
		titleTimeout: opts.TitleTimeout,
		rounds:       make(map[string]*round),
		limits: Limits{
			MaxTokens:         opts.MaxTokens,
			MaxToolIterations: opts.MaxToolIterations,
			AllowedTools:      append([]string(nil), opts.AllowedTools...),
		},
	}
}

// Store returns the underlying thread store.
func (o *Orchestrator) Store() *thread.Store {
	return o.store
}

// Snapshot returns the current session.
func (o *Orchestrator) Snapshot() thread.Session {
	return o.store.Snapshot()
}

// SetLimits replaces the runtime limits. Rounds already running pick the
// new values up on their next iteration.
func (o *Orchestrator) SetLimits(l Limits) {
	o.mu.Lock()
	o.limits = Limits{
		MaxTokens:         l.MaxTokens,
		MaxToolIterations: l.MaxToolIterations,
		AllowedTools:      append([]string(nil), l.AllowedTools...),
	}
	o.mu.Unlock()
}

func (o *Orchestrator) currentLimits() Limits {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.limits
}

// Listen resets the tool cache whenever a thread is created or restored.
func (o *Orchestrator) Listen(ctx context.Context, b bus.MessageBus) (bus.Subscription, error) {
	return bus.SubscribeEvents(ctx, b, bus.ThreadEvents, func(ev bus.Event) {
		switch ev.Kind {
		case bus.EventNew, bus.EventRestore:
			o.tools.reset()
		}
	})
}

// ResetTools drops the cached tool list.
func (o *Orchestrator) ResetTools() {
	o.tools.reset()
}

// Submit appends a user message to thread id and sends it. It returns once
// the message is in the store and the thread is waiting; the reply streams
// in the background.
func (o *Orchestrator) Submit(ctx context.Context, id, text string) error {
	st, ok := o.store.Get(id)
	if !ok {
		return notFound(id)
	}
	if err := sendable(st); err != nil {
		return err
	}

	msgs := st.Thread.Messages.Clone()
	if len(msgs) == 0 {
		if prompt := o.store.SystemPrompt(); prompt != "" {
			msgs = append(msgs, conversation.SystemMessage{Content: prompt})
		}
	}
	msgs = append(msgs, conversation.UserMessage{Content: text})
	return o.start(ctx, id, msgs)
}

// SendMessages sends messages as the full log of thread id.
func (o *Orchestrator) SendMessages(ctx context.Context, id string, messages conversation.Messages) error {
	st, ok := o.store.Get(id)
	if !ok {
		return notFound(id)
	}
	if err := sendable(st); err != nil {
		return err
	}
	return o.start(ctx, id, messages)
}

// Retry aborts whatever thread id is doing, waits for it to unwind and sends
// messages, or the current log when messages is nil. It bypasses
// preventSend and clears the error. A paused thread must be confirmed or
// rejected first.
func (o *Orchestrator) Retry(ctx context.Context, id string, messages conversation.Messages) error {
	st, ok := o.store.Get(id)
	if !ok {
		return notFound(id)
	}
	if st.Paused() {
		return pausedErr(id)
	}
	o.Abort(id)
	if err := o.Wait(ctx, id); err != nil {
		return err
	}
	st, ok = o.store.Get(id)
	if !ok {
		return notFound(id)
	}
	// The round may have paused while it unwound.
	if st.Paused() {
		return pausedErr(id)
	}
	if messages == nil {
		messages = st.Thread.Messages
	}
	return o.start(ctx, id, messages)
}

// Abort cancels the request of thread id. It reports whether a request was
// in flight; when none was this is a no-op.
func (o *Orchestrator) Abort(id string) bool {
	aborted, err := o.store.Abort(id)
	if err != nil || !aborted {
		return false
	}
	o.mu.Lock()
	r := o.rounds[id]
	o.mu.Unlock()
	if r != nil {
		r.cancel(errAborted)
	}
	o.logger.Thread(id).Info(logging.CategoryChat, "aborted", "request aborted by user", nil)
	return true
}

// Wait blocks until the round goroutine of thread id has exited.
func (o *Orchestrator) Wait(ctx context.Context, id string) error {
	o.mu.Lock()
	r := o.rounds[id]
	o.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnableSend clears preventSend on thread id.
func (o *Orchestrator) EnableSend(id string) error {
	return o.store.EnableSend(id)
}

// NewChat activates a fresh thread. A streaming outgoing thread keeps
// streaming in the background.
func (o *Orchestrator) NewChat() thread.State {
	return o.store.NewChat()
}

// RestoreChat activates t, preferring the live copy if t is still open.
func (o *Orchestrator) RestoreChat(t conversation.Thread) thread.State {
	return o.store.RestoreChat(t)
}

// Evict cancels any request of a backgrounded thread and drops it.
func (o *Orchestrator) Evict(ctx context.Context, id string) error {
	if id == o.store.ActiveID() {
		return apperrors.New(apperrors.ErrCodeActiveEvict, "cannot evict the active thread").
			WithContext("thread_id", id)
	}
	o.Abort(id)
	if err := o.Wait(ctx, id); err != nil {
		return err
	}
	return o.store.Evict(id)
}

// SetToolUse changes the session tool mode.
func (o *Orchestrator) SetToolUse(mode tool.Mode) error {
	if !mode.Valid() {
		return apperrors.Newf(apperrors.ErrCodeInvalidInput, "unknown tool mode %q", mode)
	}
	o.store.SetToolUse(mode)
	return nil
}

// SetModel changes the session model.
func (o *Orchestrator) SetModel(name string) {
	o.store.SetModel(name)
}

// SetSystemPrompt changes the prompt prepended to new threads.
func (o *Orchestrator) SetSystemPrompt(prompt string) {
	o.store.SetSystemPrompt(prompt)
}

// Close cancels every round and waits for rounds and title requests.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	ids := make([]string, 0, len(o.rounds))
	for id := range o.rounds {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	for _, id := range ids {
		o.Abort(id)
	}
	for _, id := range ids {
		if err := o.Wait(ctx, id); err != nil {
			return err
		}
	}

	done := make(chan struct{})
	go func() {
		o.titles.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// start moves the thread to waiting and launches its round goroutine. The
// goroutine outlives ctx; only Abort, Retry, Evict and Close cancel it.
func (o *Orchestrator) start(ctx context.Context, id string, messages conversation.Messages) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if r, ok := o.rounds[id]; ok {
		select {
		case <-r.done:
		default:
			return apperrors.New(apperrors.ErrCodeBusy, "thread has a round in progress").
				WithContext("thread_id", id)
		}
	}

	streamID := session.NewStreamID()
	if err := o.store.AskQuestion(id, messages, streamID); err != nil {
		return err
	}

	roundCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	r := &round{cancel: cancel, done: make(chan struct{})}
	o.rounds[id] = r

	go o.loop(roundCtx, id, streamID, r)
	return nil
}

func (o *Orchestrator) finish(id string, r *round) {
	o.mu.Lock()
	if o.rounds[id] == r {
		delete(o.rounds, id)
	}
	o.mu.Unlock()
	r.cancel(nil)
	close(r.done)
}

func sendable(st thread.State) error {
	id := st.Thread.ID
	switch {
	case st.Busy():
		return apperrors.New(apperrors.ErrCodeBusy, "thread already has a request in flight").
			WithContext("thread_id", id)
	case st.PreventSend:
		return apperrors.New(apperrors.ErrCodeSendBlocked, "sending is disabled until re-enabled or retried").
			WithContext("thread_id", id)
	case st.Paused():
		return pausedErr(id)
	}
	return nil
}

func pausedErr(id string) error {
	return apperrors.New(apperrors.ErrCodeSendBlocked, "confirm or reject the pending tool calls first").
		WithContext("thread_id", id)
}

func notFound(id string) error {
	return apperrors.New(apperrors.ErrCodeThreadNotFound, "thread not found").WithContext("thread_id", id)
}

func (o *Orchestrator) backup(ctx context.Context, id string, messages conversation.Messages) {
	if o.backups == nil {
		return
	}
	if err := o.backups.SaveBackup(ctx, id, messages); err != nil {
		o.logger.Thread(id).Warn(logging.CategoryStorage, "backup_failed", err.Error(), nil)
	}
}
