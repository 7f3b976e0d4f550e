package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fathom/internal/logging"
	"fathom/internal/services"
	"fathom/internal/stage"
	"fathom/internal/store"
)

// Messages recorded on jobs that reach the end of the pipeline.
const (
	CompletedMessage       = "Summary ready"
	CompletedCachedMessage = "Summary ready (cached)"
)

func (m *Manager) processJob(ctx context.Context, workerLog *slog.Logger, job *store.Job) error {
	m.instruments.JobClaimed(ctx)

	stg, ok := m.stageFor(job.Status)
	if !ok {
		if workerLog == nil {
			workerLog = logging.NewNop()
		}
		workerLog.Warn("no stage configured for status", logging.String("status", string(job.Status)))
		m.failJob(ctx, workerLog, job, fmt.Sprintf("No stage configured for status %s", job.Status), services.CodeInternalError)
		return nil
	}

	requestID := uuid.NewString()
	jobCtx := withJobContext(ctx, stg.name, job, requestID)
	logger := m.jobLogger(jobCtx, workerLog, stg.name)

	jobCtx, span := m.tracer.Start(jobCtx, "process_job",
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("job.stage", stg.name),
			attribute.Int("job.attempt", job.Attempts),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	if strings.TrimSpace(job.URL) == "" || strings.TrimSpace(job.UserID) == "" {
		span.SetStatus(codes.Error, "invalid job payload")
		m.failJob(jobCtx, logger, job, "Job is missing required fields (url or user_id).", services.CodeInvalidJobPayload)
		return nil
	}
	if max := m.maxAttempts(); job.Attempts > max {
		span.SetStatus(codes.Error, "max attempts exceeded")
		m.failJob(jobCtx, logger, job, "Job exceeded maximum retry attempts.", services.CodeMaxAttemptsExceeded)
		return nil
	}

	return m.executeStage(jobCtx, span, logger, stg, job)
}

func (m *Manager) executeStage(ctx context.Context, span trace.Span, stageLogger *slog.Logger, stg pipelineStage, job *store.Job) error {
	stageStart := time.Now()
	stageLogger.Info(
		"stage started",
		logging.String(logging.FieldEventType, "stage_start"),
		logging.String("url", job.URL),
		logging.Int("attempt", job.Attempts),
	)

	handler := stg.handler
	if handler == nil {
		stageLogger.Warn("missing stage handler", logging.String(logging.FieldStage, stg.name))
		m.failJob(ctx, stageLogger, job, fmt.Sprintf("Stage %s has no handler", stg.name), services.CodeInternalError)
		m.setLastError(errors.New("stage handler unavailable"))
		return errors.New("stage handler unavailable")
	}

	if err := handler.Prepare(ctx, job); err != nil {
		span.RecordError(err)
		m.failOrRetry(ctx, stageLogger, job, err)
		m.setLastError(err)
		return err
	}
	if err := m.store.Update(ctx, job); err != nil {
		wrapped := fmt.Errorf("persist stage preparation: %w", err)
		stageLogger.Error("failed to persist stage preparation", logging.Error(wrapped))
		m.setLastError(wrapped)
		return wrapped
	}

	execErr := m.executeWithHeartbeat(ctx, handler, job)
	m.observeStageDuration(ctx, stg, time.Since(stageStart))
	if execErr != nil {
		if errors.Is(execErr, context.Canceled) {
			stageLogger.Debug("stage interrupted by shutdown")
			return execErr
		}
		span.RecordError(execErr)
		span.SetStatus(codes.Error, "stage failed")
		m.failOrRetry(ctx, stageLogger, job, execErr)
		m.setLastError(execErr)
		return execErr
	}

	m.recordCacheHit(ctx, stg, job)
	if stg.final {
		m.completeJob(ctx, stageLogger, job, stageStart)
		return nil
	}
	m.advanceJob(ctx, stageLogger, stg, job, stageStart)
	return nil
}

// advanceJob hands an intermediate job back to the queue in its done status.
// Attempts reset so the next stage gets the full retry budget.
func (m *Manager) advanceJob(ctx context.Context, stageLogger *slog.Logger, stg pipelineStage, job *store.Job, stageStart time.Time) {
	job.Status = stg.doneStatus
	job.Attempts = 0
	job.ClaimedBy = ""
	job.LastHeartbeat = nil
	job.NextAttemptAt = nil
	if err := m.store.Update(ctx, job); err != nil {
		wrapped := fmt.Errorf("persist stage result: %w", err)
		stageLogger.Error("failed to persist stage result", logging.Error(wrapped))
		m.setLastError(wrapped)
		return
	}
	stageLogger.Info(
		"stage completed",
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.String("next_status", string(job.Status)),
		logging.String(logging.FieldProgressMessage, strings.TrimSpace(job.ProgressMessage)),
		logging.Duration("stage_duration", time.Since(stageStart)),
	)
	m.setLastJob(job)
	m.Wake()
}

// completeJob finishes the final stage: terminal status, usage debit,
// metrics, and the completion notification.
func (m *Manager) completeJob(ctx context.Context, stageLogger *slog.Logger, job *store.Job, stageStart time.Time) {
	message := CompletedMessage
	if job.SummaryCached {
		message = CompletedCachedMessage
	}
	job.SetCompleted(message)
	if job.SummaryCached {
		job.ProgressStage = store.ProgressStageCached
	}
	if err := m.store.Update(ctx, job); err != nil {
		wrapped := fmt.Errorf("persist job completion: %w", err)
		stageLogger.Error("failed to persist job completion", logging.Error(wrapped))
		m.setLastError(wrapped)
		return
	}
	m.instruments.JobSucceeded(ctx)
	stageLogger.Info(
		"job completed",
		logging.String(logging.FieldEventType, "job_complete"),
		logging.String(logging.FieldProgressMessage, message),
		logging.Duration("stage_duration", time.Since(stageStart)),
	)
	m.setLastJob(job)

	if m.recordUsage(ctx, stageLogger, job) {
		job.SecondsDebited = job.DurationSeconds
		if err := m.store.Update(ctx, job); err != nil {
			stageLogger.Warn("failed to persist debited seconds", logging.Error(err))
		}
		m.setLastJob(job)
	}
	m.notifyJobCompleted(ctx, stageLogger, job)
}

// recordUsage debits the owner's credit balance for the job's audio duration.
// Failures are logged, never propagated: the summary is already delivered and
// billing drift is cheaper than a falsely failed job.
func (m *Manager) recordUsage(ctx context.Context, logger *slog.Logger, job *store.Job) bool {
	if m.engine == nil || job.DurationSeconds <= 0 {
		return false
	}
	if _, err := m.engine.RecordUsage(ctx, job.UserID, job.ID, job.DurationSeconds); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Debug("daemon shutting down, usage recording skipped")
		} else {
			logger.Warn("usage recording failed",
				logging.Error(err),
				logging.String(logging.FieldEventType, "usage_record_failed"),
				logging.String(logging.FieldErrorHint, "credit ledger may undercount this job"),
			)
		}
		return false
	}
	m.instruments.UsageDebited(ctx, job.DurationSeconds)
	return true
}

func (m *Manager) recordCacheHit(ctx context.Context, stg pipelineStage, job *store.Job) {
	switch stg.claimedStatus {
	case store.StatusTranscribing:
		if job.TranscriptCached {
			m.instruments.CacheHit(ctx, "transcript")
		}
	case store.StatusSummarizing:
		if job.SummaryCached {
			m.instruments.CacheHit(ctx, "summary")
		}
	}
}

func (m *Manager) observeStageDuration(ctx context.Context, stg pipelineStage, elapsed time.Duration) {
	switch stg.claimedStatus {
	case store.StatusTranscribing:
		m.instruments.ObserveTranscribe(ctx, elapsed.Seconds())
	case store.StatusSummarizing:
		m.instruments.ObserveSummarize(ctx, elapsed.Seconds())
	}
}

func (m *Manager) executeWithHeartbeat(ctx context.Context, handler stage.Handler, job *store.Job) error {
	hbCtx, hbCancel := context.WithCancel(ctx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go m.heartbeat.StartLoop(hbCtx, &hbWG, job.ID)

	execErr := handler.Execute(ctx, job)
	hbCancel()
	hbWG.Wait()
	return execErr
}

func (m *Manager) maxAttempts() int {
	if m.cfg != nil && m.cfg.Workflow.MaxAttempts > 0 {
		return m.cfg.Workflow.MaxAttempts
	}
	return 3
}
