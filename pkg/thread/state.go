// Package thread holds every open conversation in one arena and applies
// streaming transitions to them. Exactly one thread is active; the rest are
// backgrounded but keep streaming through the same update path.
package thread

import (
	"sort"

	"github.com/odvcencio/threadline/pkg/conversation"
	"github.com/odvcencio/threadline/pkg/model"
	"github.com/odvcencio/threadline/pkg/tool"
)

// Phase is the derived request phase of a thread.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseWaiting   Phase = "waiting"
	PhaseStreaming Phase = "streaming"
	PhaseError     Phase = "error"
)

// State is a thread plus its request flags.
type State struct {
	Thread       conversation.Thread `json:"thread"`
	Streaming    bool                `json:"streaming"`
	Waiting      bool                `json:"waiting_for_response"`
	PreventSend  bool                `json:"prevent_send"`
	Error        string              `json:"error,omitempty"`
	PauseReasons []model.PauseReason `json:"pause_reasons,omitempty"`
	StreamID     string              `json:"stream_id,omitempty"`
}

// Phase derives the state machine phase from the flags.
func (s State) Phase() Phase {
	switch {
	case s.Error != "":
		return PhaseError
	case s.Waiting:
		return PhaseWaiting
	case s.Streaming:
		return PhaseStreaming
	default:
		return PhaseIdle
	}
}

// Busy reports whether a request is in flight.
func (s State) Busy() bool {
	return s.Streaming || s.Waiting
}

// Paused reports whether the thread waits on the user.
func (s State) Paused() bool {
	return len(s.PauseReasons) > 0
}

func (s State) clone() State {
	s.Thread = s.Thread.Clone()
	if s.PauseReasons != nil {
		s.PauseReasons = append([]model.PauseReason(nil), s.PauseReasons...)
	}
	return s
}

// Session is a consistent copy of the whole arena.
type Session struct {
	Active          State     `json:"active"`
	Background      []State   `json:"background"`
	ToolUse         tool.Mode `json:"tool_use"`
	Model           string    `json:"model"`
	SystemPrompt    string    `json:"system_prompt,omitempty"`
	SendImmediately bool      `json:"send_immediately"`
}

// BackgroundIDs lists backgrounded thread ids.
func (s Session) BackgroundIDs() []string {
	ids := make([]string, 0, len(s.Background))
	for _, st := range s.Background {
		ids = append(ids, st.Thread.ID)
	}
	return ids
}

func sortStates(states []State) {
	sort.Slice(states, func(i, j int) bool {
		return states[i].Thread.ID < states[j].Thread.ID
	})
}
