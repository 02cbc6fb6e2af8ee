// Package approval decides what happens when the backend pauses a round on
// tool calls that need the user's consent.
//
// Each pause reason is classified as one of:
//   - Allow: auto-accepted (patch-like command on a thread with automatic patch)
//   - Deny: the backend's rules refuse the command outright
//   - Prompt: the user must confirm or reject
package approval

import (
	"fmt"
	"sort"
	"strings"

	"github.com/odvcencio/threadline/pkg/conversation"
	"github.com/odvcencio/threadline/pkg/model"
)

// DeclinedContent is the tool result recorded for a rejected tool call.
const DeclinedContent = "The user declined to run this tool call."

// Decision is the outcome for one pause reason.
type Decision int

const (
	DecisionAllow Decision = iota
	DecisionDeny
	DecisionPrompt
)

// String returns the decision name.
func (d Decision) String() string {
	switch d {
	case DecisionAllow:
		return "allow"
	case DecisionDeny:
		return "deny"
	case DecisionPrompt:
		return "prompt"
	default:
		return "unknown"
	}
}

// patchCommands are the commands that edit files in place.
var patchCommands = map[string]bool{
	"patch":           true,
	"apply_edit":      true,
	"replace_textdoc": true,
	"update_textdoc":  true,
	"create_textdoc":  true,
}

// IsPatchLike reports whether command edits files and therefore gets the
// three-way patch choice.
func IsPatchLike(command string) bool {
	name := strings.ToLower(strings.TrimSpace(command))
	if i := strings.IndexAny(name, " ("); i >= 0 {
		name = name[:i]
	}
	return patchCommands[name]
}

// Classify decides a single reason.
func Classify(reason model.PauseReason, automaticPatch bool) Decision {
	if reason.Type == model.PauseDenial {
		return DecisionDeny
	}
	if automaticPatch && IsPatchLike(reason.Command) {
		return DecisionAllow
	}
	return DecisionPrompt
}

// Filter drops reasons the thread has already consented to. An empty result
// means the round can continue without asking.
func Filter(reasons []model.PauseReason, automaticPatch bool) []model.PauseReason {
	var out []model.PauseReason
	for _, r := range reasons {
		if Classify(r, automaticPatch) != DecisionAllow {
			out = append(out, r)
		}
	}
	return out
}

// Summary splits pause reasons into the two sets shown to the user.
type Summary struct {
	NeedsConfirmation []model.PauseReason `json:"needs_confirmation,omitempty"`
	Denied            []model.PauseReason `json:"denied,omitempty"`
}

// Summarize groups reasons by type. Unknown types are treated as
// confirmations.
func Summarize(reasons []model.PauseReason) Summary {
	var s Summary
	for _, r := range reasons {
		if r.Type == model.PauseDenial {
			s.Denied = append(s.Denied, r)
			continue
		}
		s.NeedsConfirmation = append(s.NeedsConfirmation, r)
	}
	return s
}

// Empty reports whether there is nothing to show.
func (s Summary) Empty() bool {
	return len(s.NeedsConfirmation) == 0 && len(s.Denied) == 0
}

// PatchOnly reports whether every reason is a patch-like confirmation, in
// which case the caller offers allow once / allow for thread / stop.
func (s Summary) PatchOnly() bool {
	if len(s.NeedsConfirmation) == 0 || len(s.Denied) > 0 {
		return false
	}
	for _, r := range s.NeedsConfirmation {
		if !IsPatchLike(r.Command) {
			return false
		}
	}
	return true
}

// CanConfirm reports whether confirming would let the round proceed. Denied
// commands can only be rejected.
func (s Summary) CanConfirm() bool {
	return len(s.Denied) == 0 && len(s.NeedsConfirmation) > 0
}

// ToolCallIDs returns the distinct ids across both sets in sorted order.
func (s Summary) ToolCallIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, set := range [][]model.PauseReason{s.NeedsConfirmation, s.Denied} {
		for _, r := range set {
			if r.ToolCallID == "" || seen[r.ToolCallID] {
				continue
			}
			seen[r.ToolCallID] = true
			ids = append(ids, r.ToolCallID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Text renders the message shown with the pause.
func (s Summary) Text() string {
	var b strings.Builder
	writeSet(&b, confirmationHeading(len(s.NeedsConfirmation)), s.NeedsConfirmation)
	writeSet(&b, denialHeading(len(s.Denied)), s.Denied)
	return strings.TrimRight(b.String(), "\n")
}

func confirmationHeading(n int) string {
	if n == 1 {
		return "This command needs confirmation:"
	}
	return fmt.Sprintf("These %d commands need confirmation:", n)
}

func denialHeading(n int) string {
	if n == 1 {
		return "This command was denied:"
	}
	return fmt.Sprintf("These %d commands were denied:", n)
}

func writeSet(b *strings.Builder, heading string, reasons []model.PauseReason) {
	if len(reasons) == 0 {
		return
	}
	b.WriteString(heading + "\n")
	for _, r := range reasons {
		b.WriteString("  - " + r.Command)
		if r.Rule != "" {
			b.WriteString(" (rule: " + r.Rule + ")")
		}
		if r.IntegrConfigPath != "" {
			b.WriteString(" [" + r.IntegrConfigPath + "]")
		}
		b.WriteString("\n")
	}
}

// Without drops the reasons for the given tool call ids.
func Without(reasons []model.PauseReason, ids []string) []model.PauseReason {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	var out []model.PauseReason
	for _, r := range reasons {
		if !drop[r.ToolCallID] {
			out = append(out, r)
		}
	}
	return out
}

// DenialMessages builds the declined tool results for ids.
func DenialMessages(ids []string) conversation.Messages {
	out := make(conversation.Messages, 0, len(ids))
	for _, id := range ids {
		out = append(out, conversation.ToolMessage{
			ToolCallID: id,
			Content:    DeclinedContent,
		})
	}
	return out
}

// PatchChoice is the answer to a patch-only pause.
type PatchChoice string

const (
	PatchAllowOnce      PatchChoice = "once"
	PatchAllowForThread PatchChoice = "thread"
	PatchStop           PatchChoice = "stop"
)

// ParsePatchChoice accepts the choice names and a few aliases.
func ParsePatchChoice(s string) (PatchChoice, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "once", "allow", "allow_once", "y", "yes":
		return PatchAllowOnce, nil
	case "thread", "always", "allow_for_thread", "a":
		return PatchAllowForThread, nil
	case "stop", "reject", "no", "n":
		return PatchStop, nil
	default:
		return "", fmt.Errorf("unknown patch choice: %s (valid: once, thread, stop)", s)
	}
}
