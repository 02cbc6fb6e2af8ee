package chat

import (
	"context"

	"github.com/odvcencio/threadline/pkg/logging"
	"github.com/odvcencio/threadline/pkg/model"
	"github.com/odvcencio/threadline/pkg/telemetry"
)

// maybeTitle fires the one-shot title request once the first round of a
// thread has produced a complete answer. Failures are logged and never
// reach the thread.
func (o *Orchestrator) maybeTitle(id string) {
	th, ok := o.store.ClaimTitle(id)
	if !ok {
		return
	}

	o.titles.Add(1)
	go func() {
		defer o.titles.Done()

		ctx, cancel := context.WithTimeout(context.Background(), o.titleTimeout)
		defer cancel()
		ctx, span := telemetry.StartSpan(ctx, "chat.title", telemetry.AttrThreadID.String(id))
		defer span.End()

		log := o.logger.Thread(id)
		title, err := o.svc.GenerateChatTitle(ctx, model.TitleRequest{
			Messages: th.Messages.ToWire(),
			Model:    th.Model,
			ChatID:   id,
		})
		o.recorder.TitleGenerated(err)
		if err != nil {
			telemetry.RecordError(ctx, err)
			log.Warn(logging.CategoryTitle, "title_failed", err.Error(), nil)
			return
		}
		if title == "" {
			log.Debug(logging.CategoryTitle, "title_empty", "backend returned an empty title", nil)
			return
		}
		if err := o.store.SetTitle(id, title); err != nil {
			log.Debug(logging.CategoryTitle, "title_dropped", err.Error(), nil)
			return
		}
		log.Info(logging.CategoryTitle, "title_set", title, nil)
	}()
}
