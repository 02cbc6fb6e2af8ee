package conversation

import (
	"encoding/json"
	"fmt"

	"github.com/odvcencio/threadline/pkg/model"
)

// Role tags a message variant.
type Role string

const (
	RoleUser          Role = "user"
	RoleSystem        Role = "system"
	RoleAssistant     Role = "assistant"
	RoleTool          Role = "tool"
	RoleContextFile   Role = "context_file"
	RoleContextMemory Role = "context_memory"
)

// Message is one turn. The set of implementations is closed; switch on the
// concrete type to handle every role.
type Message interface {
	Role() Role
	isMessage()
}

// UserMessage is text typed by the user.
type UserMessage struct {
	Content string
}

// SystemMessage is the system prompt.
type SystemMessage struct {
	Content string
}

// AssistantMessage is model output. Content is nil when the turn only
// requested tools.
type AssistantMessage struct {
	Content   *string
	ToolCalls []model.ToolCall
}

// ToolMessage is the result of one tool call.
type ToolMessage struct {
	ToolCallID   string
	Content      string
	FinishReason string
}

// ContextFileMessage carries file excerpts attached by the backend.
type ContextFileMessage struct {
	Files []ContextFile
}

// ContextFile is one excerpt.
type ContextFile struct {
	FileName    string   `json:"file_name"`
	FileContent string   `json:"file_content"`
	Line1       int      `json:"line1"`
	Line2       int      `json:"line2"`
	Usefulness  *float64 `json:"usefulness,omitempty"`
}

// ContextMemoryMessage carries stored memories surfaced by the backend.
type ContextMemoryMessage struct {
	Memories []Memory
}

// Memory is one stored note.
type Memory struct {
	MemoID   string `json:"memo_id"`
	MemoText string `json:"memo_text"`
}

func (UserMessage) Role() Role          { return RoleUser }
func (SystemMessage) Role() Role        { return RoleSystem }
func (AssistantMessage) Role() Role     { return RoleAssistant }
func (ToolMessage) Role() Role          { return RoleTool }
func (ContextFileMessage) Role() Role   { return RoleContextFile }
func (ContextMemoryMessage) Role() Role { return RoleContextMemory }

func (UserMessage) isMessage()          {}
func (SystemMessage) isMessage()        {}
func (AssistantMessage) isMessage()     {}
func (ToolMessage) isMessage()          {}
func (ContextFileMessage) isMessage()   {}
func (ContextMemoryMessage) isMessage() {}

// Text returns the assistant content or "".
func (a AssistantMessage) Text() string {
	if a.Content == nil {
		return ""
	}
	return *a.Content
}

// WithDelta returns a copy with content appended and tool-call deltas
// accumulated by index. The receiver is left untouched so earlier
// snapshots stay valid.
func (a AssistantMessage) WithDelta(content string, deltas []model.ToolCallDelta) AssistantMessage {
	out := AssistantMessage{Content: a.Content}
	if content != "" {
		joined := a.Text() + content
		out.Content = &joined
	}
	if len(a.ToolCalls) > 0 || len(deltas) > 0 {
		out.ToolCalls = append([]model.ToolCall(nil), a.ToolCalls...)
	}
	for _, delta := range deltas {
		out.ToolCalls = accumulateToolCall(out.ToolCalls, delta)
	}
	return out
}

// ValidToolCallDelta reports whether delta can extend calls: its index must
// address an existing call or the next new one.
func ValidToolCallDelta(calls []model.ToolCall, delta model.ToolCallDelta) bool {
	return delta.Index >= 0 && delta.Index <= len(calls)
}

func accumulateToolCall(calls []model.ToolCall, delta model.ToolCallDelta) []model.ToolCall {
	if !ValidToolCallDelta(calls, delta) {
		return calls
	}
	if delta.Index == len(calls) {
		calls = append(calls, model.ToolCall{Type: "function"})
	}
	tc := &calls[delta.Index]
	if delta.ID != "" {
		tc.ID = delta.ID
	}
	if delta.Type != "" {
		tc.Type = delta.Type
	}
	if delta.Function != nil {
		tc.Function.Name += delta.Function.Name
		tc.Function.Arguments += delta.Function.Arguments
	}
	return calls
}

// envelope is the persisted JSON shape shared by all variants.
type envelope struct {
	Role         Role             `json:"role"`
	Content      json.RawMessage  `json:"content"`
	ToolCalls    []model.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID   string           `json:"tool_call_id,omitempty"`
	FinishReason string           `json:"finish_reason,omitempty"`
}

func marshalEnvelope(role Role, content any, fill func(*envelope)) ([]byte, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	env := envelope{Role: role, Content: raw}
	if fill != nil {
		fill(&env)
	}
	return json.Marshal(env)
}

func (m UserMessage) MarshalJSON() ([]byte, error) {
	return marshalEnvelope(RoleUser, m.Content, nil)
}

func (m SystemMessage) MarshalJSON() ([]byte, error) {
	return marshalEnvelope(RoleSystem, m.Content, nil)
}

func (m AssistantMessage) MarshalJSON() ([]byte, error) {
	return marshalEnvelope(RoleAssistant, m.Content, func(e *envelope) { e.ToolCalls = m.ToolCalls })
}

func (m ToolMessage) MarshalJSON() ([]byte, error) {
	return marshalEnvelope(RoleTool, m.Content, func(e *envelope) {
		e.ToolCallID = m.ToolCallID
		e.FinishReason = m.FinishReason
	})
}

func (m ContextFileMessage) MarshalJSON() ([]byte, error) {
	return marshalEnvelope(RoleContextFile, m.Files, nil)
}

func (m ContextMemoryMessage) MarshalJSON() ([]byte, error) {
	return marshalEnvelope(RoleContextMemory, m.Memories, nil)
}

// UnmarshalMessage decodes one role-tagged message.
func UnmarshalMessage(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	isNull := len(env.Content) == 0 || string(env.Content) == "null"

	text := func() (string, error) {
		if isNull {
			return "", nil
		}
		var s string
		err := json.Unmarshal(env.Content, &s)
		return s, err
	}

	switch env.Role {
	case RoleUser:
		s, err := text()
		return UserMessage{Content: s}, err
	case RoleSystem:
		s, err := text()
		return SystemMessage{Content: s}, err
	case RoleAssistant:
		msg := AssistantMessage{ToolCalls: env.ToolCalls}
		if !isNull {
			s, err := text()
			if err != nil {
				return nil, err
			}
			msg.Content = &s
		}
		return msg, nil
	case RoleTool:
		s, err := text()
		return ToolMessage{ToolCallID: env.ToolCallID, Content: s, FinishReason: env.FinishReason}, err
	case RoleContextFile:
		files, err := ParseContextFiles(env.Content)
		return ContextFileMessage{Files: files}, err
	case RoleContextMemory:
		memories, err := ParseMemories(env.Content)
		return ContextMemoryMessage{Memories: memories}, err
	default:
		return nil, fmt.Errorf("unknown message role %q", env.Role)
	}
}

// ParseContextFiles accepts an inline array or a JSON-encoded string of one.
func ParseContextFiles(raw json.RawMessage) ([]ContextFile, error) {
	var files []ContextFile
	err := decodeEntries(raw, &files)
	return files, err
}

// ParseMemories accepts an inline array or a JSON-encoded string of one.
func ParseMemories(raw json.RawMessage) ([]Memory, error) {
	var memories []Memory
	err := decodeEntries(raw, &memories)
	return memories, err
}

func decodeEntries(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err == nil {
		raw = json.RawMessage(encoded)
	}
	return json.Unmarshal(raw, dst)
}

// Messages is an ordered message log with role-tagged JSON.
type Messages []Message

func (ms Messages) MarshalJSON() ([]byte, error) {
	if ms == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Message(ms))
}

func (ms *Messages) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(Messages, 0, len(raws))
	for i, raw := range raws {
		msg, err := UnmarshalMessage(raw)
		if err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
		out = append(out, msg)
	}
	*ms = out
	return nil
}

// Clone returns a copy of the slice. Elements are values and are never
// mutated in place, so a shallow copy is enough.
func (ms Messages) Clone() Messages {
	if ms == nil {
		return nil
	}
	return append(Messages(make([]Message, 0, len(ms))), ms...)
}

// Last returns the final message.
func (ms Messages) Last() (Message, bool) {
	if len(ms) == 0 {
		return nil, false
	}
	return ms[len(ms)-1], true
}

// PendingToolCalls returns the tool calls of a trailing assistant message.
func (ms Messages) PendingToolCalls() []model.ToolCall {
	last, ok := ms.Last()
	if !ok {
		return nil
	}
	if a, ok := last.(AssistantMessage); ok {
		return a.ToolCalls
	}
	return nil
}

// HasToolResult reports whether a tool message answers callID.
func (ms Messages) HasToolResult(callID string) bool {
	for _, m := range ms {
		if t, ok := m.(ToolMessage); ok && t.ToolCallID == callID {
			return true
		}
	}
	return false
}

// LastUserText returns the content of the latest user message.
func (ms Messages) LastUserText() (string, bool) {
	for i := len(ms) - 1; i >= 0; i-- {
		if u, ok := ms[i].(UserMessage); ok {
			return u.Content, true
		}
	}
	return "", false
}

// ToWire converts the log into request messages. Context entries travel
// JSON-encoded in content.
func (ms Messages) ToWire() []model.Message {
	out := make([]model.Message, 0, len(ms))
	for _, m := range ms {
		out = append(out, ToWire(m))
	}
	return out
}

// ToWire converts one message.
func ToWire(m Message) model.Message {
	switch v := m.(type) {
	case UserMessage:
		return model.Message{Role: string(RoleUser), Content: model.StringPtr(v.Content)}
	case SystemMessage:
		return model.Message{Role: string(RoleSystem), Content: model.StringPtr(v.Content)}
	case AssistantMessage:
		return model.Message{Role: string(RoleAssistant), Content: v.Content, ToolCalls: v.ToolCalls}
	case ToolMessage:
		return model.Message{Role: string(RoleTool), Content: model.StringPtr(v.Content), ToolCallID: v.ToolCallID}
	case ContextFileMessage:
		return model.Message{Role: string(RoleContextFile), Content: encodeEntries(v.Files)}
	case ContextMemoryMessage:
		return model.Message{Role: string(RoleContextMemory), Content: encodeEntries(v.Memories)}
	default:
		return model.Message{Role: string(m.Role())}
	}
}

func encodeEntries(entries any) *string {
	data, err := json.Marshal(entries)
	if err != nil {
		return model.StringPtr("[]")
	}
	return model.StringPtr(string(data))
}

// Text renders a message as plain text for export and token counting.
func Text(m Message) string {
	switch v := m.(type) {
	case UserMessage:
		return v.Content
	case SystemMessage:
		return v.Content
	case AssistantMessage:
		return v.Text()
	case ToolMessage:
		return v.Content
	case ContextFileMessage:
		return *encodeEntries(v.Files)
	case ContextMemoryMessage:
		return *encodeEntries(v.Memories)
	default:
		return ""
	}
}
