package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"fathom/internal/logging"
	"fathom/internal/services"
	"fathom/internal/store"
)

// failOrRetry decides what a stage error means for the job: permanent errors
// and exhausted attempts mark it failed, anything else schedules a retry with
// exponential backoff.
func (m *Manager) failOrRetry(ctx context.Context, logger *slog.Logger, job *store.Job, stageErr error) {
	message := failureMessage(job, stageErr)
	code := services.JobErrorCode(stageErr)

	if !services.IsPermanent(stageErr) && job.Attempts < m.maxAttempts() {
		backoff := m.retryBackoff(job.Attempts)
		nextAttempt := time.Now().UTC().Add(backoff)
		if err := m.store.RequeueForRetry(ctx, job.ID, nextAttempt, message, code); err != nil {
			if errors.Is(err, context.Canceled) {
				logger.Debug("daemon shutting down, could not schedule retry")
			} else {
				logger.Error("failed to schedule retry", logging.Error(err))
			}
			return
		}
		m.instruments.JobsRequeued(ctx, 1)
		logger.Warn("stage failed, retry scheduled",
			logging.Error(stageErr),
			logging.String(logging.FieldEventType, "stage_retry"),
			logging.String(logging.FieldErrorCode, code),
			logging.Int("attempt", job.Attempts),
			logging.Duration("backoff", backoff),
		)
		if updated, err := m.store.GetJob(ctx, job.ID); err == nil && updated != nil {
			m.setLastJob(updated)
		}
		return
	}

	logger.Error("stage failed",
		logging.Args(
			logging.Error(stageErr),
			logging.Alert("stage_failure"),
			logging.String(logging.FieldEventType, "stage_failure"),
			logging.String(logging.FieldErrorCode, code),
			logging.String("error_message", message),
			logging.Int("attempt", job.Attempts),
		)...,
	)
	m.failJob(ctx, logger, job, message, code)
}

// failJob marks the job terminally failed and fans the outcome out to
// metrics and notifications.
func (m *Manager) failJob(ctx context.Context, logger *slog.Logger, job *store.Job, message, code string) {
	job.SetFailed(message, code)
	if err := m.store.Update(ctx, job); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Debug("daemon shutting down, could not persist job failure")
		} else {
			logger.Error("failed to persist job failure", logging.Error(err))
		}
	}
	m.instruments.JobFailed(ctx)
	m.setLastJob(job)
	m.notifyJobFailed(ctx, logger, job)
}

func (m *Manager) retryBackoff(attempts int) time.Duration {
	base := 5
	if m.cfg != nil && m.cfg.Workflow.RetryBackoffSeconds > 0 {
		base = m.cfg.Workflow.RetryBackoffSeconds
	}
	if attempts < 1 {
		attempts = 1
	}
	return time.Duration(base) * time.Second * (1 << (attempts - 1))
}

func failureMessage(job *store.Job, stageErr error) string {
	if stageErr == nil {
		return fmt.Sprintf("Stage for status %s failed without error detail", job.Status)
	}
	if message := strings.TrimSpace(stageErr.Error()); message != "" {
		return message
	}
	return fmt.Sprintf("Stage for status %s failed", job.Status)
}
