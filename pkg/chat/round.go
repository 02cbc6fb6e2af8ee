package chat

import (
	"context"
	"errors"
	"time"

	"github.com/odvcencio/threadline/pkg/approval"
	apperrors "github.com/odvcencio/threadline/pkg/errors"
	"github.com/odvcencio/threadline/pkg/logging"
	"github.com/odvcencio/threadline/pkg/model"
	"github.com/odvcencio/threadline/pkg/session"
	"github.com/odvcencio/threadline/pkg/telemetry"
	"github.com/odvcencio/threadline/pkg/tool"
)

const (
	outcomeDone    = "done"
	outcomeError   = "error"
	outcomeAborted = "aborted"
)

// loop runs rounds for one thread until nothing is pending. Every pass is
// the explicit transition idle-with-pending-tool-calls -> waiting; it stops
// when the thread errors, is aborted, pauses on pause reasons or hits the
// iteration cap.
func (o *Orchestrator) loop(ctx context.Context, id, streamID string, r *round) {
	defer o.finish(id, r)

	for iteration := 0; ; iteration++ {
		ok := o.runRound(ctx, id, streamID, iteration)
		o.maybeTitle(id)
		if !ok {
			return
		}

		calls, pending := o.store.PendingToolCalls(id)
		if !pending {
			return
		}
		if o.pauseIfNeeded(ctx, id, calls) {
			return
		}

		limit := o.currentLimits().MaxToolIterations
		if limit > 0 && iteration+1 >= limit {
			err := apperrors.Newf(apperrors.ErrCodeToolLoopLimit, "stopped after %d automatic tool rounds", limit)
			o.logger.Thread(id).Warn(logging.CategoryTool, "loop_limit", err.Error(), map[string]any{"limit": limit})
			_ = o.store.Fail(id, "", apperrors.UserMessage(err))
			return
		}

		st, exists := o.store.Get(id)
		if !exists {
			return
		}
		streamID = session.NewStreamID()
		if err := o.store.AskQuestion(id, st.Thread.Messages, streamID); err != nil {
			o.logger.Thread(id).Warn(logging.CategoryTool, "resubmit_failed", err.Error(), nil)
			return
		}
		o.recorder.ToolIteration()
		o.logger.Thread(id).Stream(streamID).Info(logging.CategoryTool, "resubmit", "resubmitting for pending tool calls",
			map[string]any{"tool_calls": len(calls), "iteration": iteration + 1})
	}
}

// runRound sends the thread's log and streams the reply into the store. It
// reports whether the round ended cleanly.
func (o *Orchestrator) runRound(ctx context.Context, id, streamID string, iteration int) bool {
	log := o.logger.Thread(id).Stream(streamID)
	started := time.Now()

	st, exists := o.store.Get(id)
	if !exists {
		return false
	}
	limits := o.currentLimits()

	ctx, span := telemetry.StartSpan(ctx, "chat.round",
		telemetry.AttrThreadID.String(id),
		telemetry.AttrStreamID.String(streamID),
		telemetry.AttrModel.String(st.Thread.Model),
		telemetry.AttrToolUse.String(string(st.Thread.ToolUse)),
		telemetry.AttrIteration.Int(iteration),
	)
	defer span.End()

	tools, err := o.tools.forMode(ctx, st.Thread.ToolUse)
	if err != nil {
		log.Warn(logging.CategoryTool, "tools_unavailable", err.Error(), nil)
	}
	tools = tool.Restrict(tools, limits.AllowedTools)

	req := model.ChatRequest{
		Messages:       st.Thread.Messages.ToWire(),
		Model:          st.Thread.Model,
		Tools:          tools,
		Stream:         true,
		ChatID:         id,
		MaxTokens:      limits.MaxTokens,
		AutomaticPatch: st.Thread.AutomaticPatch,
	}
	o.backup(ctx, id, st.Thread.Messages)
	log.Debug(logging.CategoryChat, "send", "sending chat request",
		map[string]any{"messages": len(req.Messages), "tools": len(req.Tools)})

	o.recorder.StreamsInFlight(1)
	defer o.recorder.StreamsInFlight(-1)

	body, err := o.svc.SendChat(ctx, req)
	if err != nil {
		return o.roundFailed(ctx, id, streamID, started, err)
	}
	defer body.Close()

	chunks := 0
	err = model.Consume(ctx, body, model.StreamHandlers{
		OnChunk: func(chunk model.ChatResponseChunk) {
			chunks++
			if _, err := o.store.ApplyChunk(id, streamID, chunk); err != nil {
				log.Warn(logging.CategoryStream, "apply_failed", err.Error(), nil)
			}
		},
		OnAbort: func() {
			log.Debug(logging.CategoryStream, "stream_aborted", "stopped reading stream",
				map[string]any{"chunks": chunks})
		},
	})
	span.SetAttributes(telemetry.AttrChunks.Int(chunks))
	if err != nil {
		return o.roundFailed(ctx, id, streamID, started, err)
	}

	if err := o.store.DoneStreaming(id, streamID); err != nil {
		return false
	}
	after, exists := o.store.Get(id)
	if !exists || after.Error != "" {
		o.recorder.RoundFinished(outcomeError, time.Since(started))
		span.SetAttributes(telemetry.AttrOutcome.String(outcomeError))
		return false
	}
	o.recorder.RoundFinished(outcomeDone, time.Since(started))
	span.SetAttributes(telemetry.AttrOutcome.String(outcomeDone))
	log.Info(logging.CategoryChat, "done", "round complete",
		map[string]any{"chunks": chunks, "duration_ms": time.Since(started).Milliseconds()})
	return true
}

func (o *Orchestrator) roundFailed(ctx context.Context, id, streamID string, started time.Time, err error) bool {
	log := o.logger.Thread(id).Stream(streamID)
	if apperrors.IsCode(err, apperrors.ErrCodeAborted) || errors.Is(context.Cause(ctx), errAborted) {
		// Abort already updated the store. A cancellation from anywhere
		// else, such as shutdown, still has to release the thread.
		if st, ok := o.store.Get(id); ok && st.StreamID == streamID {
			_, _ = o.store.Abort(id)
		}
		o.recorder.RoundFinished(outcomeAborted, time.Since(started))
		return false
	}

	telemetry.RecordError(ctx, err)
	log.Error(logging.CategoryChat, "round_failed", err.Error(),
		map[string]any{"code": string(apperrors.GetCode(err))})
	o.recorder.RoundFinished(outcomeError, time.Since(started))
	_ = o.store.Fail(id, streamID, apperrors.UserMessage(err))
	return false
}

// pauseIfNeeded asks the backend whether calls may run and stores any
// reasons the thread has not already consented to. It reports whether the
// loop must stop.
func (o *Orchestrator) pauseIfNeeded(ctx context.Context, id string, calls []model.ToolCall) bool {
	st, ok := o.store.Get(id)
	if !ok {
		return true
	}
	resp, err := o.svc.CheckToolConfirmation(ctx, model.ConfirmationRequest{
		ToolCalls: calls,
		Messages:  st.Thread.Messages.ToWire(),
	})
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		o.logger.Thread(id).Error(logging.CategoryTool, "confirmation_failed", err.Error(), nil)
		_ = o.store.Fail(id, "", apperrors.UserMessage(err))
		return true
	}
	if !resp.Pause && len(resp.PauseReasons) == 0 {
		return false
	}

	reasons := approval.Filter(resp.PauseReasons, st.Thread.AutomaticPatch)
	if len(reasons) == 0 {
		o.logger.Thread(id).Info(logging.CategoryTool, "auto_accepted", "patch calls accepted for thread", nil)
		return false
	}

	summary := approval.Summarize(reasons)
	o.recorder.Paused(len(summary.NeedsConfirmation), len(summary.Denied))
	o.logger.Thread(id).Info(logging.CategoryTool, "paused", summary.Text(),
		map[string]any{"tool_call_ids": summary.ToolCallIDs()})
	if err := o.store.SetPauseReasons(id, reasons); err != nil {
		o.logger.Thread(id).Warn(logging.CategoryTool, "pause_store_failed", err.Error(), nil)
	}
	return true
}
