package conversation

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	tokenEncoder *tiktoken.Tiktoken
	encoderOnce  sync.Once
	encoderErr   error
)

func initTokenEncoder() error {
	encoderOnce.Do(func() {
		tokenEncoder, encoderErr = tiktoken.GetEncoding("cl100k_base")
	})
	return encoderErr
}

// CountTokens counts cl100k tokens, falling back to an estimate when the
// encoding cannot be loaded.
func CountTokens(text string) int {
	if text == "" {
		return 0
	}
	if err := initTokenEncoder(); err != nil {
		return estimateTokens(text)
	}
	return len(tokenEncoder.Encode(text, nil, nil))
}

// CountTokensForMessages includes the per-message framing overhead.
func CountTokensForMessages(messages Messages) int {
	if len(messages) == 0 {
		return 0
	}
	total := 2
	for _, m := range messages {
		total += 4
		total += CountTokens(string(m.Role()))
		total += CountTokens(Text(m))
		if a, ok := m.(AssistantMessage); ok {
			for _, call := range a.ToolCalls {
				total += CountTokens(call.Function.Name) + CountTokens(call.Function.Arguments)
			}
		}
	}
	return total
}

// estimateTokens approximates four characters per token.
func estimateTokens(text string) int {
	n := len([]rune(text))
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}
