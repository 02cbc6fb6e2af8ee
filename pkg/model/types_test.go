package model

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestAPIError_IsRateLimitError(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		want       bool
	}{
		{"rate_limit", 429, true},
		{"bad_request", 400, false},
		{"unauthorized", 401, false},
		{"internal_error", 500, false},
		{"success", 200, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &APIError{StatusCode: tt.statusCode}
			got := err.IsRateLimitError()
			if got != tt.want {
				t.Errorf("IsRateLimitError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAPIError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *APIError
		expected string
	}{
		{
			name: "with_type_and_code",
			err: &APIError{
				StatusCode: 400,
				Message:    "Invalid request",
				Type:       "validation_error",
				Code:       "invalid_param",
			},
			expected: "HTTP 400: Invalid request (type: validation_error, code: invalid_param)",
		},
		{
			name: "without_type_and_code",
			err: &APIError{
				StatusCode: 500,
				Message:    "Internal error",
			},
			expected: "HTTP 500: Internal error",
		},
		{
			name: "with_type_only",
			err: &APIError{
				StatusCode: 403,
				Message:    "Forbidden",
				Type:       "permission_error",
			},
			expected: "HTTP 403: Forbidden",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.err.Error()
			if got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestChatResponseChunkKind(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want ChunkKind
	}{
		{"delta", `{"choices":[{"index":0,"delta":{"content":"hi"}}]}`, ChunkKindDelta},
		{"echo", `{"role":"tool","tool_call_id":"1","content":"ok"}`, ChunkKindEcho},
		{"error", `{"detail":"model overloaded"}`, ChunkKindError},
		{"error wins", `{"detail":"bad","choices":[{"index":0,"delta":{}}]}`, ChunkKindError},
		{"unknown", `{"id":"x"}`, ChunkKindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c ChatResponseChunk
			if err := json.Unmarshal([]byte(tt.raw), &c); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got := c.Kind(); got != tt.want {
				t.Errorf("Kind() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestChatResponseChunkContent(t *testing.T) {
	var str ChatResponseChunk
	if err := json.Unmarshal([]byte(`{"role":"context_file","content":"[{\"file_name\":\"a.go\"}]"}`), &str); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := string(str.ContentJSON()); got != `[{"file_name":"a.go"}]` {
		t.Errorf("ContentJSON() = %s", got)
	}

	var inline ChatResponseChunk
	if err := json.Unmarshal([]byte(`{"role":"context_file","content":[{"file_name":"b.go"}]}`), &inline); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := inline.ContentString(); ok {
		t.Error("ContentString() ok for inline array")
	}
	if got := string(inline.ContentJSON()); got != `[{"file_name":"b.go"}]` {
		t.Errorf("ContentJSON() = %s", got)
	}

	var empty ChatResponseChunk
	if s, ok := empty.ContentString(); !ok || s != "" {
		t.Errorf("ContentString() = %q, %v", s, ok)
	}
}

func TestMessageNullContent(t *testing.T) {
	blob, err := json.Marshal(Message{Role: "assistant", ToolCalls: []ToolCall{{ID: "1", Type: "function"}}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(blob), `"content":null`) {
		t.Fatalf("json = %s, want null content", blob)
	}

	var msg Message
	if err := json.Unmarshal([]byte(`{"role":"assistant","content":"done"}`), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Text() != "done" {
		t.Errorf("Text() = %q", msg.Text())
	}
	if (Message{}).Text() != "" {
		t.Error("Text() of nil content should be empty")
	}
}
