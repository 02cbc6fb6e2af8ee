package thread

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/odvcencio/threadline/pkg/bus"
	"github.com/odvcencio/threadline/pkg/conversation"
	apperrors "github.com/odvcencio/threadline/pkg/errors"
	"github.com/odvcencio/threadline/pkg/logging"
	"github.com/odvcencio/threadline/pkg/model"
	"github.com/odvcencio/threadline/pkg/tool"
)

// ChunkObserver receives merge outcomes, typically for metrics.
type ChunkObserver interface {
	ChunkApplied(threadID string)
	ChunkDropped(threadID, reason string)
}

// Options configures a Store.
type Options struct {
	Model           string
	ToolUse         tool.Mode
	SystemPrompt    string
	SendImmediately bool
	Bus             bus.MessageBus
	Logger          *logging.Logger
	Observer        ChunkObserver
}

type entry struct {
	state          State
	lastSeq        uint64
	titleRequested bool
}

// Store is the thread arena. All methods are safe for concurrent use.
// Events are published after the lock is released.
type Store struct {
	mu              sync.RWMutex
	entries         map[string]*entry
	activeID        string
	toolUse         tool.Mode
	model           string
	systemPrompt    string
	sendImmediately bool

	bus      bus.MessageBus
	logger   *logging.Logger
	observer ChunkObserver
}

// NewStore creates a store whose active thread is a fresh, empty one.
func NewStore(opts Options) *Store {
	if opts.ToolUse == "" {
		opts.ToolUse = tool.ModeAgent
	}
	s := &Store{
		entries:         make(map[string]*entry),
		toolUse:         opts.ToolUse,
		model:           opts.Model,
		systemPrompt:    opts.SystemPrompt,
		sendImmediately: opts.SendImmediately,
		bus:             opts.Bus,
		logger:          opts.Logger,
		observer:        opts.Observer,
	}
	t := conversation.NewThread(s.model, s.toolUse)
	s.entries[t.ID] = &entry{state: State{Thread: t}}
	s.activeID = t.ID
	return s
}

// ActiveID returns the id of the active thread.
func (s *Store) ActiveID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeID
}

// Active returns a copy of the active thread state.
func (s *Store) Active() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[s.activeID].state.clone()
}

// Get returns a copy of the state for id.
func (s *Store) Get(id string) (State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return State{}, false
	}
	return e.state.clone(), true
}

// Snapshot copies the whole session.
func (s *Store) Snapshot() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := Session{
		ToolUse:         s.toolUse,
		Model:           s.model,
		SystemPrompt:    s.systemPrompt,
		SendImmediately: s.sendImmediately,
		Background:      make([]State, 0, len(s.entries)-1),
	}
	for id, e := range s.entries {
		if id == s.activeID {
			out.Active = e.state.clone()
			continue
		}
		out.Background = append(out.Background, e.state.clone())
	}
	sortStates(out.Background)
	return out
}

// ToolUse returns the session tool mode.
func (s *Store) ToolUse() tool.Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.toolUse
}

// Model returns the session model.
func (s *Store) Model() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model
}

// SystemPrompt returns the session system prompt.
func (s *Store) SystemPrompt() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.systemPrompt
}

// AskQuestion moves an idle or failed thread to waiting. messages replaces
// the log and is the backup of what is about to be sent.
func (s *Store) AskQuestion(id string, messages conversation.Messages, streamID string) error {
	s.mu.Lock()
	e, err := s.lookup(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if e.state.Busy() {
		s.mu.Unlock()
		return apperrors.New(apperrors.ErrCodeBusy, "thread already has a request in flight").
			WithContext("thread_id", id)
	}
	st := &e.state
	st.Thread.Messages = messages.Clone()
	st.Thread.Read = false
	st.Thread.UpdatedAt = time.Now().UTC()
	st.Error = ""
	st.PreventSend = false
	st.PauseReasons = nil
	st.Waiting = true
	st.Streaming = true
	st.StreamID = streamID
	e.lastSeq = 0
	ev := s.event(bus.EventAsk, id, streamID)
	s.mu.Unlock()

	s.publish(ev)
	return nil
}

// ApplyChunk merges one chunk into the thread. Chunks from a superseded
// stream, or with a sequence number already applied, are ignored so that a
// redelivered chunk never duplicates content. The returned bool reports
// whether the message log changed.
func (s *Store) ApplyChunk(id, streamID string, chunk model.ChatResponseChunk) (bool, error) {
	s.mu.Lock()
	e, err := s.lookup(id)
	if err != nil {
		s.mu.Unlock()
		return false, err
	}
	st := &e.state
	if streamID != st.StreamID || !st.Busy() {
		s.mu.Unlock()
		return false, nil
	}
	if chunk.Seq != 0 {
		if chunk.Seq <= e.lastSeq {
			s.mu.Unlock()
			return false, nil
		}
		e.lastSeq = chunk.Seq
	}

	res := merge(st.Thread.Messages, chunk)
	var events []bus.Event
	switch res.outcome {
	case outcomeFailed:
		s.fail(e, res.reason)
		events = append(events, s.event(bus.EventError, id, streamID))
	case outcomeDropped:
		st.Streaming = true
		st.Waiting = false
	default:
		st.Thread.Messages = res.messages
		st.Thread.UpdatedAt = time.Now().UTC()
		st.Streaming = true
		st.Waiting = false
		ev := s.event(bus.EventChunk, id, streamID)
		ev.Seq = chunk.Seq
		events = append(events, ev)
	}
	s.mu.Unlock()

	switch res.outcome {
	case outcomeDropped:
		s.logger.Thread(id).Stream(streamID).Warn(logging.CategoryStream, "chunk_dropped", res.reason,
			map[string]any{"seq": chunk.Seq})
		if s.observer != nil {
			s.observer.ChunkDropped(id, res.reason)
		}
	case outcomeApplied:
		if s.observer != nil {
			s.observer.ChunkApplied(id)
		}
	case outcomeFailed:
		s.logger.Thread(id).Stream(streamID).Error(logging.CategoryStream, "backend_error", res.reason, nil)
	}
	s.publish(events...)
	return res.outcome == outcomeApplied, nil
}

// DoneStreaming ends the stream. Only the active thread is marked read;
// a backgrounded thread stays unread until the user returns to it.
func (s *Store) DoneStreaming(id, streamID string) error {
	s.mu.Lock()
	e, err := s.lookup(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	st := &e.state
	if streamID != st.StreamID || !st.Busy() {
		s.mu.Unlock()
		return nil
	}
	st.Streaming = false
	st.Waiting = false
	st.Thread.Read = id == s.activeID
	ev := s.event(bus.EventDone, id, streamID)
	s.mu.Unlock()

	s.publish(ev)
	return nil
}

// Fail records a terminal failure. A non-empty streamID that no longer
// matches the thread is ignored, so an aborted stream cannot fail the
// thread after the fact.
func (s *Store) Fail(id, streamID, message string) error {
	s.mu.Lock()
	e, err := s.lookup(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if streamID != "" && streamID != e.state.StreamID {
		s.mu.Unlock()
		return nil
	}
	s.fail(e, message)
	ev := s.event(bus.EventError, id, streamID)
	ev.Error = message
	s.mu.Unlock()

	s.publish(ev)
	return nil
}

func (s *Store) fail(e *entry, message string) {
	if strings.TrimSpace(message) == "" {
		message = "request failed"
	}
	e.state.Streaming = false
	e.state.Waiting = false
	e.state.PreventSend = true
	e.state.Error = message
	e.state.StreamID = ""
}

// Abort marks a user cancellation: preventSend is set and error is left
// empty. It returns false when nothing was in flight.
func (s *Store) Abort(id string) (bool, error) {
	s.mu.Lock()
	e, err := s.lookup(id)
	if err != nil {
		s.mu.Unlock()
		return false, err
	}
	st := &e.state
	if !st.Busy() {
		s.mu.Unlock()
		return false, nil
	}
	streamID := st.StreamID
	st.Streaming = false
	st.Waiting = false
	st.PreventSend = true
	st.StreamID = ""
	ev := s.event(bus.EventAbort, id, streamID)
	s.mu.Unlock()

	s.publish(ev)
	return true, nil
}

// EnableSend clears preventSend.
func (s *Store) EnableSend(id string) error {
	return s.update(id, bus.EventUpdate, func(st *State) {
		st.PreventSend = false
	})
}

// NewChat activates a fresh thread carrying over the session model and tool
// mode.
func (s *Store) NewChat() State {
	s.mu.Lock()
	s.backgroundActive()
	t := conversation.NewThread(s.model, s.toolUse)
	s.entries[t.ID] = &entry{state: State{Thread: t}}
	s.activeID = t.ID
	out := s.entries[t.ID].state.clone()
	ev := s.event(bus.EventNew, t.ID, "")
	s.mu.Unlock()

	s.publish(ev)
	return out
}

// RestoreChat activates target. If target is still in the arena the arena
// copy wins, flags included, since it may have kept streaming in the
// background; otherwise target is inserted idle.
func (s *Store) RestoreChat(target conversation.Thread) State {
	s.mu.Lock()
	if target.ID != s.activeID {
		s.backgroundActive()
	}
	e, ok := s.entries[target.ID]
	if !ok {
		t := target.Clone()
		if t.ToolUse == "" {
			t.ToolUse = s.toolUse
		}
		e = &entry{state: State{Thread: t}, titleRequested: t.Title != ""}
		s.entries[t.ID] = e
	}
	if !e.state.Busy() {
		e.state.Thread.Read = true
	}
	s.activeID = target.ID
	out := e.state.clone()
	ev := s.event(bus.EventRestore, target.ID, e.state.StreamID)
	s.mu.Unlock()

	s.publish(ev)
	return out
}

// backgroundActive keeps the outgoing active thread in the arena only while
// it has a request in flight. Caller holds the lock.
func (s *Store) backgroundActive() {
	e, ok := s.entries[s.activeID]
	if !ok {
		return
	}
	if e.state.Busy() {
		e.state.Thread.Read = false
		return
	}
	delete(s.entries, s.activeID)
}

// Evict removes a backgrounded thread.
func (s *Store) Evict(id string) error {
	s.mu.Lock()
	if id == s.activeID {
		s.mu.Unlock()
		return apperrors.New(apperrors.ErrCodeActiveEvict, "cannot evict the active thread").
			WithContext("thread_id", id)
	}
	if _, err := s.lookup(id); err != nil {
		s.mu.Unlock()
		return err
	}
	delete(s.entries, id)
	ev := s.event(bus.EventEvict, id, "")
	s.mu.Unlock()

	s.publish(ev)
	return nil
}

// SetPauseReasons stores the reasons the last round stopped on.
func (s *Store) SetPauseReasons(id string, reasons []model.PauseReason) error {
	return s.update(id, bus.EventPause, func(st *State) {
		st.PauseReasons = append([]model.PauseReason(nil), reasons...)
	})
}

// TakePauseReasons clears and returns the stored reasons.
func (s *Store) TakePauseReasons(id string) ([]model.PauseReason, error) {
	var out []model.PauseReason
	err := s.update(id, bus.EventUpdate, func(st *State) {
		out = st.PauseReasons
		st.PauseReasons = nil
	})
	return out, err
}

// ResolvePause records a partial answer to a pause: messages replaces the
// log and remaining becomes the set of reasons still waiting. The thread
// stays idle.
func (s *Store) ResolvePause(id string, messages conversation.Messages, remaining []model.PauseReason) error {
	s.mu.Lock()
	e, err := s.lookup(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if e.state.Busy() {
		s.mu.Unlock()
		return apperrors.New(apperrors.ErrCodeBusy, "thread already has a request in flight").
			WithContext("thread_id", id)
	}
	e.state.Thread.Messages = messages.Clone()
	e.state.Thread.UpdatedAt = time.Now().UTC()
	e.state.PauseReasons = append([]model.PauseReason(nil), remaining...)
	ev := s.event(bus.EventPause, id, e.state.StreamID)
	s.mu.Unlock()

	s.publish(ev)
	return nil
}

// SetTitle sets the thread title.
func (s *Store) SetTitle(id, title string) error {
	return s.update(id, bus.EventTitle, func(st *State) {
		st.Thread.Title = title
	})
}

// SetAutomaticPatch sets the per-thread automatic patch flag.
func (s *Store) SetAutomaticPatch(id string, enabled bool) error {
	return s.update(id, bus.EventUpdate, func(st *State) {
		st.Thread.AutomaticPatch = enabled
	})
}

// SetToolUse changes the session mode and the active thread's mode.
func (s *Store) SetToolUse(mode tool.Mode) {
	s.mu.Lock()
	s.toolUse = mode
	s.entries[s.activeID].state.Thread.ToolUse = mode
	ev := s.event(bus.EventUpdate, s.activeID, "")
	s.mu.Unlock()
	s.publish(ev)
}

// SetModel changes the session model and the active thread's model.
func (s *Store) SetModel(name string) {
	s.mu.Lock()
	s.model = name
	s.entries[s.activeID].state.Thread.Model = name
	ev := s.event(bus.EventUpdate, s.activeID, "")
	s.mu.Unlock()
	s.publish(ev)
}

// SetSystemPrompt changes the prompt used for new conversations.
func (s *Store) SetSystemPrompt(prompt string) {
	s.mu.Lock()
	s.systemPrompt = prompt
	s.mu.Unlock()
}

// PendingToolCalls returns the tool calls the auto-loop should act on. It
// returns false unless the thread is idle, error free, allowed to send and
// ends in an assistant message with tool calls.
func (s *Store) PendingToolCalls(id string) ([]model.ToolCall, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	st := e.state
	if st.Busy() || st.Error != "" || st.PreventSend {
		return nil, false
	}
	calls := st.Thread.Messages.PendingToolCalls()
	if len(calls) == 0 {
		return nil, false
	}
	return append([]model.ToolCall(nil), calls...), true
}

// ClaimTitle reports whether a title should be generated now and marks the
// request so it is made at most once per thread.
func (s *Store) ClaimTitle(id string) (conversation.Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.titleRequested || e.state.Thread.Title != "" {
		return conversation.Thread{}, false
	}
	if !e.state.Thread.FirstRoundComplete() {
		return conversation.Thread{}, false
	}
	e.titleRequested = true
	return e.state.Thread.Clone(), true
}

func (s *Store) update(id string, kind bus.EventKind, fn func(*State)) error {
	s.mu.Lock()
	e, err := s.lookup(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	fn(&e.state)
	e.state.Thread.UpdatedAt = time.Now().UTC()
	ev := s.event(kind, id, e.state.StreamID)
	s.mu.Unlock()

	s.publish(ev)
	return nil
}

func (s *Store) lookup(id string) (*entry, error) {
	e, ok := s.entries[id]
	if !ok {
		return nil, apperrors.New(apperrors.ErrCodeThreadNotFound, "thread not found").
			WithContext("thread_id", id)
	}
	return e, nil
}

// event builds an event under the lock so Active is consistent.
func (s *Store) event(kind bus.EventKind, id, streamID string) bus.Event {
	return bus.Event{
		Kind:     kind,
		ThreadID: id,
		StreamID: streamID,
		Active:   id == s.activeID,
		Error:    s.errorOf(id),
		Time:     time.Now().UTC(),
	}
}

func (s *Store) errorOf(id string) string {
	if e, ok := s.entries[id]; ok {
		return e.state.Error
	}
	return ""
}

func (s *Store) publish(events ...bus.Event) {
	if s.bus == nil {
		return
	}
	for _, ev := range events {
		if err := bus.PublishEvent(context.Background(), s.bus, ev); err != nil {
			s.logger.Thread(ev.ThreadID).Warn(logging.CategoryBus, "publish_failed", err.Error(),
				map[string]any{"kind": string(ev.Kind)})
		}
	}
}
