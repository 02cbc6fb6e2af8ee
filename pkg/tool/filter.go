package tool

import (
	"fmt"
	"strings"

	"github.com/odvcencio/threadline/pkg/model"
)

// Mode selects how many tools a thread may use.
type Mode string

const (
	// ModeQuick sends no tools.
	ModeQuick Mode = "quick"
	// ModeExplore sends read-only (non-agentic) tools.
	ModeExplore Mode = "explore"
	// ModeAgent sends every tool.
	ModeAgent Mode = "agent"
)

// ParseMode validates a mode name. Empty selects agent.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeAgent:
		return ModeAgent, nil
	case ModeExplore:
		return ModeExplore, nil
	case ModeQuick:
		return ModeQuick, nil
	default:
		return "", fmt.Errorf("unknown tool use mode %q (want quick, explore or agent)", s)
	}
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	_, err := ParseMode(string(m))
	return err == nil && m != ""
}

// ForMode returns the tools to send for mode with catalog-only metadata
// cleared. A nil result means the request carries no tools.
func ForMode(tools []model.Tool, mode Mode) []model.Tool {
	if mode == ModeQuick || len(tools) == 0 {
		return nil
	}
	out := make([]model.Tool, 0, len(tools))
	for _, t := range tools {
		if mode == ModeExplore && t.Function.Agentic {
			continue
		}
		t.Function.Agentic = false
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// IsToolAllowed returns true if the tool name is allowed by the filter.
// An empty allowed list means all tools are allowed.
func IsToolAllowed(name string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	name = strings.TrimSpace(name)
	for _, allowedName := range allowed {
		if name == strings.TrimSpace(allowedName) {
			return true
		}
	}
	return false
}

// Restrict drops tools whose names are not in allowed.
func Restrict(tools []model.Tool, allowed []string) []model.Tool {
	if len(allowed) == 0 {
		return tools
	}
	out := tools[:0:0]
	for _, t := range tools {
		if IsToolAllowed(t.Function.Name, allowed) {
			out = append(out, t)
		}
	}
	return out
}
