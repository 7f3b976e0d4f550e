package workflow

import (
	"context"
	"errors"
	"log/slog"

	"fathom/internal/logging"
	"fathom/internal/notify"
	"fathom/internal/store"
)

func (m *Manager) notifyJobCompleted(ctx context.Context, logger *slog.Logger, job *store.Job) {
	if m.notifier == nil {
		return
	}
	event := notify.EventJobCompleted
	if job.SummaryCached {
		event = notify.EventJobCached
	}
	if err := m.notifier.Publish(ctx, event, notify.Payload{
		"jobID": job.ID,
		"title": job.Title,
	}); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Debug("daemon shutting down, could not send completion notification")
		} else {
			logger.Debug("completion notification failed", logging.Error(err))
		}
	}
}

func (m *Manager) notifyJobFailed(ctx context.Context, logger *slog.Logger, job *store.Job) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Publish(ctx, notify.EventJobFailed, notify.Payload{
		"jobID": job.ID,
		"title": job.Title,
		"error": job.ErrorMessage,
	}); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Debug("daemon shutting down, could not send failure notification")
		} else {
			logger.Debug("failure notification failed", logging.Error(err))
		}
	}
}
