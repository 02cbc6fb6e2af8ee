package conversation

import (
	"time"

	"github.com/odvcencio/threadline/pkg/session"
	"github.com/odvcencio/threadline/pkg/tool"
)

// Thread is one conversation. ID never changes after creation.
type Thread struct {
	ID             string    `json:"id"`
	Title          string    `json:"title,omitempty"`
	Model          string    `json:"model"`
	Messages       Messages  `json:"messages"`
	ToolUse        tool.Mode `json:"tool_use"`
	Read           bool      `json:"read"`
	AutomaticPatch bool      `json:"automatic_patch,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NewThread creates an empty thread with a fresh id.
func NewThread(modelName string, mode tool.Mode) Thread {
	now := time.Now().UTC()
	return Thread{
		ID:        session.NewThreadID(),
		Model:     modelName,
		ToolUse:   mode,
		Read:      true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone copies the thread so the message slice can be appended to
// without affecting the original.
func (t Thread) Clone() Thread {
	t.Messages = t.Messages.Clone()
	return t
}

// FirstRoundComplete reports whether the thread holds exactly one
// assistant message, it has content, and no tool calls are pending. This
// is the point at which a title is generated.
func (t Thread) FirstRoundComplete() bool {
	var only *AssistantMessage
	for _, m := range t.Messages {
		if a, ok := m.(AssistantMessage); ok {
			if only != nil {
				return false
			}
			only = &a
		}
	}
	if only == nil || only.Content == nil {
		return false
	}
	return len(t.Messages.PendingToolCalls()) == 0
}

// Summary is the listing form of a thread.
type Summary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Model        string    `json:"model"`
	MessageCount int       `json:"message_count"`
	Tokens       int       `json:"tokens"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Summarize builds a Summary, falling back to the first user line for
// untitled threads.
func (t Thread) Summarize() Summary {
	title := t.Title
	if title == "" {
		for _, m := range t.Messages {
			if u, ok := m.(UserMessage); ok {
				title = firstLine(u.Content, 60)
				break
			}
		}
	}
	return Summary{
		ID:           t.ID,
		Title:        title,
		Model:        t.Model,
		MessageCount: len(t.Messages),
		Tokens:       CountTokensForMessages(t.Messages),
		UpdatedAt:    t.UpdatedAt,
	}
}

func firstLine(s string, limit int) string {
	for i, r := range s {
		if r == '\n' {
			s = s[:i]
			break
		}
	}
	runes := []rune(s)
	if len(runes) > limit {
		return string(runes[:limit]) + "…"
	}
	return s
}
