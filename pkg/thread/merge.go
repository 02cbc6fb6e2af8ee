package thread

import (
	"github.com/odvcencio/threadline/pkg/conversation"
	"github.com/odvcencio/threadline/pkg/model"
)

type outcome int

const (
	// outcomeApplied means the message log changed.
	outcomeApplied outcome = iota
	// outcomeIgnored means the chunk was valid but carried nothing new.
	outcomeIgnored
	// outcomeDropped means the chunk failed validation.
	outcomeDropped
	// outcomeFailed means the backend reported an error in-stream.
	outcomeFailed
)

type mergeResult struct {
	messages conversation.Messages
	outcome  outcome
	reason   string
}

func applied(ms conversation.Messages) mergeResult {
	return mergeResult{messages: ms, outcome: outcomeApplied}
}

func ignored(ms conversation.Messages, reason string) mergeResult {
	return mergeResult{messages: ms, outcome: outcomeIgnored, reason: reason}
}

func dropped(ms conversation.Messages, reason string) mergeResult {
	return mergeResult{messages: ms, outcome: outcomeDropped, reason: reason}
}

// merge folds one chunk into the log. The input slice is never written
// through; callers may hold earlier snapshots of it.
func merge(ms conversation.Messages, chunk model.ChatResponseChunk) mergeResult {
	switch chunk.Kind() {
	case model.ChunkKindError:
		return mergeResult{messages: ms, outcome: outcomeFailed, reason: chunk.Detail}
	case model.ChunkKindEcho:
		return mergeEcho(ms, chunk)
	case model.ChunkKindDelta:
		return mergeDelta(ms, chunk)
	default:
		return dropped(ms, "chunk has no choices, role or detail")
	}
}

func mergeEcho(ms conversation.Messages, chunk model.ChatResponseChunk) mergeResult {
	switch conversation.Role(chunk.Role) {
	case conversation.RoleContextFile:
		return appendContextFiles(ms, chunk.ContentJSON())
	case conversation.RoleContextMemory:
		return appendMemories(ms, chunk.ContentJSON())
	case conversation.RoleTool:
		if chunk.ToolCallID == "" {
			return dropped(ms, "tool echo without tool_call_id")
		}
		if ms.HasToolResult(chunk.ToolCallID) {
			return ignored(ms, "tool result already present")
		}
		content, ok := chunk.ContentString()
		if !ok {
			content = string(chunk.Content)
		}
		return applied(append(ms.Clone(), conversation.ToolMessage{
			ToolCallID:   chunk.ToolCallID,
			Content:      content,
			FinishReason: chunk.FinishReason,
		}))
	case conversation.RoleUser:
		content, ok := chunk.ContentString()
		if !ok {
			return dropped(ms, "user echo content is not a string")
		}
		if last, ok := ms.LastUserText(); ok && last == content {
			return ignored(ms, "user echo")
		}
		return applied(append(ms.Clone(), conversation.UserMessage{Content: content}))
	case conversation.RoleAssistant:
		content, ok := chunk.ContentString()
		if !ok {
			return dropped(ms, "assistant echo content is not a string")
		}
		return continueAssistant(ms, content, nil)
	case conversation.RoleSystem:
		return ignored(ms, "system echo")
	default:
		return dropped(ms, "unknown echo role "+chunk.Role)
	}
}

func mergeDelta(ms conversation.Messages, chunk model.ChatResponseChunk) mergeResult {
	choice := chunk.Choices[0]
	delta := choice.Delta

	switch conversation.Role(delta.Role) {
	case conversation.RoleContextFile:
		return appendContextFiles(ms, []byte(delta.Content))
	case conversation.RoleContextMemory:
		return appendMemories(ms, []byte(delta.Content))
	case "", conversation.RoleAssistant:
	default:
		return dropped(ms, "unexpected delta role "+delta.Role)
	}

	if delta.Content == "" && len(delta.ToolCalls) == 0 {
		return ignored(ms, "empty delta")
	}

	var existing []model.ToolCall
	if last, ok := ms.Last(); ok {
		if a, ok := last.(conversation.AssistantMessage); ok {
			existing = a.ToolCalls
		}
	}
	if !validToolCallDeltas(existing, delta.ToolCalls) {
		return dropped(ms, "tool call delta index out of range")
	}
	return continueAssistant(ms, delta.Content, delta.ToolCalls)
}

// continueAssistant extends a trailing assistant message or starts a new one.
func continueAssistant(ms conversation.Messages, content string, calls []model.ToolCallDelta) mergeResult {
	out := ms.Clone()
	if last, ok := out.Last(); ok {
		if a, ok := last.(conversation.AssistantMessage); ok {
			out[len(out)-1] = a.WithDelta(content, calls)
			return applied(out)
		}
	}
	return applied(append(out, conversation.AssistantMessage{}.WithDelta(content, calls)))
}

func validToolCallDeltas(existing []model.ToolCall, deltas []model.ToolCallDelta) bool {
	n := len(existing)
	for _, d := range deltas {
		if d.Index < 0 || d.Index > n {
			return false
		}
		if d.Index == n {
			n++
		}
	}
	return true
}

func appendContextFiles(ms conversation.Messages, raw []byte) mergeResult {
	files, err := conversation.ParseContextFiles(raw)
	if err != nil {
		return dropped(ms, "context_file entries: "+err.Error())
	}
	if len(files) == 0 {
		return ignored(ms, "empty context_file")
	}
	return applied(append(ms.Clone(), conversation.ContextFileMessage{Files: files}))
}

func appendMemories(ms conversation.Messages, raw []byte) mergeResult {
	memories, err := conversation.ParseMemories(raw)
	if err != nil {
		return dropped(ms, "context_memory entries: "+err.Error())
	}
	if len(memories) == 0 {
		return ignored(ms, "empty context_memory")
	}
	return applied(append(ms.Clone(), conversation.ContextMemoryMessage{Memories: memories}))
}
