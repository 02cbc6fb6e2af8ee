package conversation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/odvcencio/threadline/pkg/tool"
)

// ExportFormat specifies the thread export format.
type ExportFormat string

const (
	ExportMarkdown ExportFormat = "markdown"
	ExportJSON     ExportFormat = "json"
)

// ParseExportFormat maps a query value to a format, defaulting to markdown.
func ParseExportFormat(s string) (ExportFormat, error) {
	switch ExportFormat(strings.ToLower(strings.TrimSpace(s))) {
	case "", ExportMarkdown, "md":
		return ExportMarkdown, nil
	case ExportJSON:
		return ExportJSON, nil
	default:
		return "", fmt.Errorf("unsupported export format: %s", s)
	}
}

// ExportOptions configures export behavior.
type ExportOptions struct {
	Format           ExportFormat
	IncludeSystem    bool
	IncludeToolCalls bool
	IncludeContext   bool
}

// Export serializes a thread. JSON output always contains every message so
// it can be imported again; the include flags only shape markdown.
func Export(t Thread, opts ExportOptions) ([]byte, error) {
	switch opts.Format {
	case ExportJSON:
		return json.MarshalIndent(t, "", "  ")
	case ExportMarkdown, "":
		return exportMarkdown(t, opts), nil
	default:
		return nil, fmt.Errorf("unsupported export format: %s", opts.Format)
	}
}

func exportMarkdown(t Thread, opts ExportOptions) []byte {
	var b strings.Builder
	title := t.Title
	if title == "" {
		title = "Untitled thread"
	}
	b.WriteString("# " + title + "\n\n")
	b.WriteString("Thread: " + t.ID + "\n")
	if t.Model != "" {
		b.WriteString("Model: " + t.Model + "\n")
	}
	b.WriteString("Exported: " + time.Now().UTC().Format(time.RFC3339) + "\n")
	b.WriteString("\n---\n\n")

	for _, m := range t.Messages {
		switch v := m.(type) {
		case SystemMessage:
			if !opts.IncludeSystem {
				continue
			}
			writeSection(&b, "SYSTEM", v.Content)
		case UserMessage:
			writeSection(&b, "USER", v.Content)
		case AssistantMessage:
			body := v.Text()
			if opts.IncludeToolCalls {
				for _, call := range v.ToolCalls {
					body += fmt.Sprintf("\n\n`%s(%s)` id=%s", call.Function.Name, call.Function.Arguments, call.ID)
				}
			}
			if strings.TrimSpace(body) == "" {
				continue
			}
			writeSection(&b, "ASSISTANT", strings.TrimLeft(body, "\n"))
		case ToolMessage:
			if !opts.IncludeToolCalls {
				continue
			}
			writeSection(&b, "TOOL "+v.ToolCallID, v.Content)
		case ContextFileMessage:
			if !opts.IncludeContext {
				continue
			}
			var files []string
			for _, f := range v.Files {
				files = append(files, fmt.Sprintf("- %s:%d-%d", f.FileName, f.Line1, f.Line2))
			}
			writeSection(&b, "CONTEXT FILES", strings.Join(files, "\n"))
		case ContextMemoryMessage:
			if !opts.IncludeContext {
				continue
			}
			var memos []string
			for _, mem := range v.Memories {
				memos = append(memos, "- "+mem.MemoText)
			}
			writeSection(&b, "MEMORIES", strings.Join(memos, "\n"))
		}
	}
	return []byte(b.String())
}

func writeSection(b *strings.Builder, heading, body string) {
	b.WriteString("### " + heading + "\n\n")
	b.WriteString(body)
	b.WriteString("\n\n")
}

// ImportJSON parses a thread produced by Export with ExportJSON.
func ImportJSON(data []byte) (Thread, error) {
	var t Thread
	if err := json.Unmarshal(data, &t); err != nil {
		return Thread{}, fmt.Errorf("decoding thread: %w", err)
	}
	if strings.TrimSpace(t.ID) == "" {
		return Thread{}, fmt.Errorf("thread id required")
	}
	if t.ToolUse == "" {
		t.ToolUse = tool.ModeAgent
	}
	return t, nil
}
