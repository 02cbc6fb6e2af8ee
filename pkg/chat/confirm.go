package chat

import (
	"context"
	"slices"

	"github.com/odvcencio/threadline/pkg/approval"
	apperrors "github.com/odvcencio/threadline/pkg/errors"
	"github.com/odvcencio/threadline/pkg/logging"
	"github.com/odvcencio/threadline/pkg/thread"
)

// PauseSummary returns the grouped pause reasons of thread id.
func (o *Orchestrator) PauseSummary(id string) (approval.Summary, error) {
	st, ok := o.store.Get(id)
	if !ok {
		return approval.Summary{}, notFound(id)
	}
	return approval.Summarize(st.PauseReasons), nil
}

// ConfirmToolUsage accepts every pending pause reason and resubmits the
// log so the backend runs the tool calls.
func (o *Orchestrator) ConfirmToolUsage(ctx context.Context, id string) error {
	st, err := o.paused(id)
	if err != nil {
		return err
	}
	if !approval.Summarize(st.PauseReasons).CanConfirm() {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "denied tool calls can only be rejected").
			WithContext("thread_id", id)
	}
	if _, err := o.store.TakePauseReasons(id); err != nil {
		return err
	}
	o.logger.Thread(id).Info(logging.CategoryTool, "confirmed", "tool usage confirmed", nil)
	return o.start(ctx, id, st.Thread.Messages)
}

// RejectToolUsage records declined results for ids, or for every paused
// call when ids is empty. The log is resubmitted only once no pause reason
// is left; until then the thread stays paused on the remaining calls.
func (o *Orchestrator) RejectToolUsage(ctx context.Context, id string, ids []string) error {
	st, err := o.paused(id)
	if err != nil {
		return err
	}
	paused := approval.Summarize(st.PauseReasons).ToolCallIDs()
	if len(ids) == 0 {
		ids = paused
	}
	for _, callID := range ids {
		if !slices.Contains(paused, callID) {
			return apperrors.Newf(apperrors.ErrCodeInvalidInput, "tool call %q is not paused", callID).
				WithContext("thread_id", id)
		}
	}

	msgs := st.Thread.Messages.Clone()
	var declined []string
	for _, callID := range ids {
		if !msgs.HasToolResult(callID) && !slices.Contains(declined, callID) {
			declined = append(declined, callID)
		}
	}
	msgs = append(msgs, approval.DenialMessages(declined)...)
	remaining := approval.Without(st.PauseReasons, ids)
	o.logger.Thread(id).Info(logging.CategoryTool, "rejected", "tool usage rejected",
		map[string]any{"tool_call_ids": declined, "remaining": len(remaining)})

	if !approval.Summarize(remaining).Empty() {
		return o.store.ResolvePause(id, msgs, remaining)
	}
	if _, err := o.store.TakePauseReasons(id); err != nil {
		return err
	}
	return o.start(ctx, id, msgs)
}

// ConfirmPatch answers a pause made only of patch-like commands.
func (o *Orchestrator) ConfirmPatch(ctx context.Context, id string, choice approval.PatchChoice) error {
	st, err := o.paused(id)
	if err != nil {
		return err
	}
	if !approval.Summarize(st.PauseReasons).PatchOnly() {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "pause is not limited to patch commands").
			WithContext("thread_id", id)
	}

	switch choice {
	case approval.PatchAllowOnce:
		return o.ConfirmToolUsage(ctx, id)
	case approval.PatchAllowForThread:
		if err := o.store.SetAutomaticPatch(id, true); err != nil {
			return err
		}
		return o.ConfirmToolUsage(ctx, id)
	case approval.PatchStop:
		return o.RejectToolUsage(ctx, id, nil)
	default:
		return apperrors.Newf(apperrors.ErrCodeInvalidInput, "unknown patch choice %q", choice)
	}
}

func (o *Orchestrator) paused(id string) (thread.State, error) {
	st, ok := o.store.Get(id)
	if !ok {
		return thread.State{}, notFound(id)
	}
	if !st.Paused() {
		return thread.State{}, apperrors.New(apperrors.ErrCodeNoPause, "thread is not waiting for tool confirmation").
			WithContext("thread_id", id)
	}
	if st.Busy() {
		return thread.State{}, apperrors.New(apperrors.ErrCodeBusy, "thread already has a request in flight").
			WithContext("thread_id", id)
	}
	return st, nil
}
