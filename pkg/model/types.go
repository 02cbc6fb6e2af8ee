package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Message is the wire form of one turn (LspMessage). Content is a pointer so
// an assistant turn that only carries tool calls serializes as null.
type Message struct {
	Role       string     `json:"role"`
	Content    *string    `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// Text returns the content or "" when null.
func (m Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// StringPtr is a convenience for building messages.
func StringPtr(s string) *string {
	return &s
}

// ToolCall is a completed function invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the tool and carries its JSON arguments as text.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool describes one tool the backend can execute. Agentic is catalog
// metadata and is cleared before a tool is sent back in a request.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction is the function half of a Tool.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Agentic     bool            `json:"agentic,omitempty"`
}

// ChatRequest is the outbound chat body.
type ChatRequest struct {
	Messages       []Message `json:"messages"`
	Model          string    `json:"model"`
	Tools          []Tool    `json:"tools"`
	Stream         bool      `json:"stream"`
	ChatID         string    `json:"chat_id"`
	MaxTokens      int       `json:"max_tokens,omitempty"`
	AutomaticPatch bool      `json:"automatic_patch,omitempty"`
}

// ChunkKind classifies a decoded stream fragment.
type ChunkKind int

const (
	ChunkKindUnknown ChunkKind = iota
	// ChunkKindDelta carries choices with incremental assistant output.
	ChunkKindDelta
	// ChunkKindEcho is a complete non-assistant message (user, tool, context).
	ChunkKindEcho
	// ChunkKindError is a backend-reported failure.
	ChunkKindError
)

// ChatResponseChunk is one decoded fragment of a streamed response. The
// backend sends three shapes: choice deltas, plain message echoes and
// {"detail": ...} errors.
type ChatResponseChunk struct {
	ID      string        `json:"id,omitempty"`
	Choices []ChunkChoice `json:"choices,omitempty"`

	Role         string          `json:"role,omitempty"`
	Content      json.RawMessage `json:"content,omitempty"`
	ToolCallID   string          `json:"tool_call_id,omitempty"`
	FinishReason string          `json:"finish_reason,omitempty"`

	Detail string `json:"detail,omitempty"`

	// Seq is assigned by the StreamReader, starting at 1.
	Seq uint64 `json:"-"`
}

// Kind reports which of the three shapes the chunk has.
func (c ChatResponseChunk) Kind() ChunkKind {
	switch {
	case c.Detail != "":
		return ChunkKindError
	case len(c.Choices) > 0:
		return ChunkKindDelta
	case c.Role != "":
		return ChunkKindEcho
	default:
		return ChunkKindUnknown
	}
}

// ContentString decodes Content when it is a JSON string. Context-file
// echoes may carry the entry list either as a string or inline.
func (c ChatResponseChunk) ContentString() (string, bool) {
	raw := strings.TrimSpace(string(c.Content))
	if raw == "" || raw == "null" {
		return "", true
	}
	var s string
	if err := json.Unmarshal(c.Content, &s); err != nil {
		return "", false
	}
	return s, true
}

// ContentJSON returns Content as raw JSON, unwrapping a JSON-encoded string.
func (c ChatResponseChunk) ContentJSON() json.RawMessage {
	if s, ok := c.ContentString(); ok {
		return json.RawMessage(s)
	}
	return c.Content
}

// ChunkChoice is one choice inside a delta chunk.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChunkDelta is the incremental part of a choice.
type ChunkDelta struct {
	Role      string          `json:"role,omitempty"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []ToolCallDelta `json:"tool_calls,omitempty"`
}

// ToolCallDelta is a partial tool call keyed by Index.
type ToolCallDelta struct {
	Index    int                `json:"index"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function *FunctionCallDelta `json:"function,omitempty"`
}

// FunctionCallDelta carries name and argument fragments.
type FunctionCallDelta struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// ChatResponse is the non-streaming reply used for title generation.
type ChatResponse struct {
	ID      string           `json:"id,omitempty"`
	Choices []ResponseChoice `json:"choices"`
}

// ResponseChoice carries a complete message.
type ResponseChoice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

// PauseReason is a backend-reported condition that blocks tool execution
// until the user decides.
type PauseReason struct {
	Command          string `json:"command"`
	Rule             string `json:"rule"`
	Type             string `json:"type"`
	ToolCallID       string `json:"tool_call_id"`
	IntegrConfigPath string `json:"integr_config_path,omitempty"`
}

const (
	PauseConfirmation = "confirmation"
	PauseDenial       = "denial"
)

// ConfirmationRequest asks whether pending tool calls may run.
type ConfirmationRequest struct {
	ToolCalls []ToolCall `json:"tool_calls"`
	Messages  []Message  `json:"messages"`
}

// ConfirmationResponse lists the reasons to pause, if any.
type ConfirmationResponse struct {
	Pause        bool          `json:"pause"`
	PauseReasons []PauseReason `json:"pause_reasons"`
}

// TitleRequest carries the conversation to summarize.
type TitleRequest struct {
	Messages []Message
	Model    string
	ChatID   string
}

// ErrorResponse is the OpenAI-style error body.
type ErrorResponse struct {
	Error  ErrorDetail `json:"error"`
	Detail string      `json:"detail,omitempty"`
}

// ErrorDetail contains error information
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// APIError is a non-2xx response from the chat backend.
type APIError struct {
	StatusCode int
	Message    string
	Type       string
	Code       string
	Retryable  bool
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Type != "" && e.Code != "" {
		return fmt.Sprintf("HTTP %d: %s (type: %s, code: %s)", e.StatusCode, e.Message, e.Type, e.Code)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IsRateLimitError reports a 429.
func (e *APIError) IsRateLimitError() bool {
	return e.StatusCode == 429
}
