package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewJobParams carries the caller-supplied fields for a job submission.
// Model and prompt settings are pinned at enqueue so cache keys stay stable
// even if the configuration changes while the job waits.
type NewJobParams struct {
	UserID           string
	URL              string
	URLHash          string
	Title            string
	PromptKey        string
	TranscriberModel string
	SummarizerModel  string
}

// NewJob inserts a queued job and returns the stored row.
func (s *Store) NewJob(ctx context.Context, params NewJobParams) (*Job, error) {
	if params.UserID == "" {
		return nil, errors.New("user id is required")
	}
	if params.URL == "" || params.URLHash == "" {
		return nil, errors.New("url and url hash are required")
	}
	if params.PromptKey == "" || params.TranscriberModel == "" || params.SummarizerModel == "" {
		return nil, errors.New("prompt key and models are required")
	}

	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)
	id := uuid.NewString()

	if _, err := s.execWithRetry(
		ctx,
		`INSERT INTO jobs (
            id, user_id, url, url_hash, title, status,
            prompt_key, transcriber_model, summarizer_model,
            progress_stage, progress_percent, progress_message,
            created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		params.UserID,
		params.URL,
		params.URLHash,
		nullableString(params.Title),
		StatusQueued,
		params.PromptKey,
		params.TranscriberModel,
		params.SummarizerModel,
		ProgressStageQueued,
		float64(ProgressPercentQueued),
		QueuedMessage,
		timestamp,
		timestamp,
	); err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	s.notifyJob(job)
	return job, nil
}

// GetJob fetches a job by identifier.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// GetJobForUser fetches a job only when it belongs to the given user.
func (s *Store) GetJobForUser(ctx context.Context, id, userID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ? AND user_id = ?`, id, userID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job for user: %w", err)
	}
	return job, nil
}

// FindActiveJobForURL returns the user's newest non-terminal job for a URL
// hash, letting repeat submissions attach to the in-flight job instead of
// enqueueing a duplicate.
func (s *Store) FindActiveJobForURL(ctx context.Context, userID, urlHash string) (*Job, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs
         WHERE user_id = ? AND url_hash = ? AND status IN (?, ?, ?, ?)
         ORDER BY created_at DESC LIMIT 1`,
		userID,
		urlHash,
		StatusQueued,
		StatusTranscribing,
		StatusTranscribed,
		StatusSummarizing,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active job: %w", err)
	}
	return job, nil
}

// Update persists changes to an existing job.
func (s *Store) Update(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	job.UpdatedAt = time.Now().UTC()
	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE jobs
         SET user_id = ?, url = ?, url_hash = ?, title = ?, status = ?,
             prompt_key = ?, transcriber_model = ?, summarizer_model = ?,
             transcript_id = ?, summary_id = ?, audio_object_key = ?,
             audio_bytes = ?, duration_seconds = ?, transcript_cached = ?,
             summary_cached = ?, seconds_debited = ?, partial_summary = ?,
             error_message = ?, error_code = ?, attempts = ?, next_attempt_at = ?,
             claimed_by = ?, last_heartbeat = ?, progress_stage = ?,
             progress_percent = ?, progress_message = ?, updated_at = ?, completed_at = ?
         WHERE id = ?`,
		job.UserID,
		job.URL,
		job.URLHash,
		nullableString(job.Title),
		job.Status,
		job.PromptKey,
		job.TranscriberModel,
		job.SummarizerModel,
		nullableInt64(job.TranscriptID),
		nullableInt64(job.SummaryID),
		nullableString(job.AudioObjectKey),
		job.AudioBytes,
		job.DurationSeconds,
		boolToInt(job.TranscriptCached),
		boolToInt(job.SummaryCached),
		job.SecondsDebited,
		nullableString(job.PartialSummary),
		nullableString(job.ErrorMessage),
		nullableString(job.ErrorCode),
		job.Attempts,
		nullableTime(job.NextAttemptAt),
		nullableString(job.ClaimedBy),
		nullableTime(job.LastHeartbeat),
		nullableString(job.ProgressStage),
		job.ProgressPercent,
		nullableString(job.ProgressMessage),
		job.UpdatedAt.Format(time.RFC3339Nano),
		nullableTime(job.CompletedAt),
		job.ID,
	); err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	s.notifyJob(job)
	return nil
}

// UpdateProgress persists only the progress fields and streamed text,
// preserving heartbeat and claim state.
func (s *Store) UpdateProgress(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	job.UpdatedAt = time.Now().UTC()
	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE jobs
         SET progress_stage = ?, progress_percent = ?, progress_message = ?,
             partial_summary = ?, updated_at = ?
         WHERE id = ?`,
		nullableString(job.ProgressStage),
		job.ProgressPercent,
		nullableString(job.ProgressMessage),
		nullableString(job.PartialSummary),
		job.UpdatedAt.Format(time.RFC3339Nano),
		job.ID,
	); err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	s.notifyJob(job)
	return nil
}

// ClaimNextJob atomically claims the oldest ready job for a worker. Queued
// jobs move to transcribing and transcribed jobs move to summarizing in the
// same statement that selects them, so two workers can never claim the same
// row. Returns nil when nothing is ready.
func (s *Store) ClaimNextJob(ctx context.Context, workerID string, now time.Time) (*Job, error) {
	ctx = ensureContext(ctx)
	timestamp := now.UTC().Format(time.RFC3339Nano)

	var (
		job     *Job
		scanErr error
	)
	err := retryOnBusy(ctx, func() error {
		row := s.db.QueryRowContext(
			ctx,
			`UPDATE jobs
             SET status = CASE status WHEN ? THEN ? WHEN ? THEN ? ELSE status END,
                 attempts = attempts + 1,
                 claimed_by = ?,
                 last_heartbeat = ?,
                 next_attempt_at = NULL,
                 updated_at = ?
             WHERE id IN (
                 SELECT id FROM jobs
                 WHERE status IN (?, ?)
                   AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
                 ORDER BY created_at
                 LIMIT 1
             )
             RETURNING `+jobColumns,
			StatusQueued, StatusTranscribing,
			StatusTranscribed, StatusSummarizing,
			workerID,
			timestamp,
			timestamp,
			StatusQueued,
			StatusTranscribed,
			timestamp,
		)
		job, scanErr = scanJob(row)
		return scanErr
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	s.notifyJob(job)
	return job, nil
}

// UpdateHeartbeat updates the last heartbeat timestamp for an in-flight job.
func (s *Store) UpdateHeartbeat(ctx context.Context, id string) error {
	now := time.Now().UTC()
	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE jobs SET last_heartbeat = ?, updated_at = ? WHERE id = ?`,
		now.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
		id,
	); err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return nil
}

// RequeueStaleJobs rolls jobs whose heartbeats expired back to the start of
// their current stage so another worker can claim them. Attempts are not
// incremented here; the claim that picks the job up again counts it.
func (s *Store) RequeueStaleJobs(ctx context.Context, cutoff time.Time) ([]string, error) {
	ctx = ensureContext(ctx)
	now := time.Now().UTC()

	var ids []string
	err := retryOnBusy(ctx, func() error {
		ids = ids[:0]
		rows, err := s.db.QueryContext(
			ctx,
			`UPDATE jobs
             SET status = CASE status WHEN ? THEN ? WHEN ? THEN ? ELSE status END,
                 progress_stage = CASE status WHEN ? THEN ? WHEN ? THEN ? ELSE progress_stage END,
                 progress_percent = CASE status WHEN ? THEN ? WHEN ? THEN ? ELSE progress_percent END,
                 progress_message = 'stale job requeued',
                 claimed_by = NULL, last_heartbeat = NULL, updated_at = ?
             WHERE status IN (?, ?) AND last_heartbeat IS NOT NULL AND last_heartbeat < ?
             RETURNING id`,
			StatusTranscribing, StatusQueued,
			StatusSummarizing, StatusTranscribed,
			StatusTranscribing, ProgressStageQueued,
			StatusSummarizing, ProgressStageCheckingCache,
			StatusTranscribing, float64(ProgressPercentQueued),
			StatusSummarizing, float64(ProgressPercentCheckingCache),
			now.Format(time.RFC3339Nano),
			StatusTranscribing,
			StatusSummarizing,
			cutoff.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("requeue stale jobs: %w", err)
	}
	for _, id := range ids {
		s.notifyJobByID(ctx, id)
	}
	return ids, nil
}

// RequeueForRetry rolls a processing job back to the start of its current
// stage with a retry delay. The claim that picks it up again increments the
// attempt counter.
func (s *Store) RequeueForRetry(ctx context.Context, id string, nextAttempt time.Time, errMessage, errCode string) error {
	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE jobs
         SET status = CASE status WHEN ? THEN ? WHEN ? THEN ? ELSE status END,
             progress_stage = CASE status WHEN ? THEN ? WHEN ? THEN ? ELSE progress_stage END,
             progress_percent = CASE status WHEN ? THEN ? WHEN ? THEN ? ELSE progress_percent END,
             progress_message = ?, error_message = ?, error_code = ?,
             next_attempt_at = ?, claimed_by = NULL, last_heartbeat = NULL, updated_at = ?
         WHERE id = ? AND status IN (?, ?)`,
		StatusTranscribing, StatusQueued,
		StatusSummarizing, StatusTranscribed,
		StatusTranscribing, ProgressStageQueued,
		StatusSummarizing, ProgressStageCheckingCache,
		StatusTranscribing, float64(ProgressPercentQueued),
		StatusSummarizing, float64(ProgressPercentCheckingCache),
		RetryMessage,
		nullableString(errMessage),
		nullableString(errCode),
		nextAttempt.UTC().Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
		StatusTranscribing,
		StatusSummarizing,
	); err != nil {
		return fmt.Errorf("requeue for retry: %w", err)
	}
	s.notifyJobByID(ctx, id)
	return nil
}

// ResetStuckProcessing rolls jobs left in processing states back to the
// start of their current stage. Used on daemon startup.
func (s *Store) ResetStuckProcessing(ctx context.Context) (int64, error) {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs
         SET status = CASE status WHEN ? THEN ? WHEN ? THEN ? ELSE status END,
             progress_stage = CASE status WHEN ? THEN ? WHEN ? THEN ? ELSE progress_stage END,
             progress_percent = CASE status WHEN ? THEN ? WHEN ? THEN ? ELSE progress_percent END,
             progress_message = 'Reset from stuck processing',
             claimed_by = NULL, last_heartbeat = NULL, updated_at = ?
         WHERE status IN (?, ?)`,
		StatusTranscribing, StatusQueued,
		StatusSummarizing, StatusTranscribed,
		StatusTranscribing, ProgressStageQueued,
		StatusSummarizing, ProgressStageCheckingCache,
		StatusTranscribing, float64(ProgressPercentQueued),
		StatusSummarizing, float64(ProgressPercentCheckingCache),
		time.Now().UTC().Format(time.RFC3339Nano),
		StatusTranscribing,
		StatusSummarizing,
	)
	if err != nil {
		return 0, fmt.Errorf("reset stuck jobs: %w", err)
	}
	return res.RowsAffected()
}

// RetryFailed moves failed jobs back to queued for reprocessing. With no IDs
// every failed job is retried. Attempt counters restart from zero.
func (s *Store) RetryFailed(ctx context.Context, ids ...string) (int64, error) {
	timestamp := time.Now().UTC().Format(time.RFC3339Nano)
	if len(ids) == 0 {
		res, err := s.execWithRetry(
			ctx,
			`UPDATE jobs
            SET status = ?, progress_stage = ?, progress_percent = ?,
                progress_message = 'Retry requested', error_message = NULL, error_code = NULL,
                attempts = 0, next_attempt_at = NULL, updated_at = ?
            WHERE status = ?`,
			StatusQueued,
			ProgressStageQueued,
			float64(ProgressPercentQueued),
			timestamp,
			StatusFailed,
		)
		if err != nil {
			return 0, fmt.Errorf("retry failed jobs: %w", err)
		}
		return res.RowsAffected()
	}

	placeholders := makePlaceholders(len(ids))
	args := make([]any, 0, len(ids)+4)
	args = append(args, StatusQueued, ProgressStageQueued, float64(ProgressPercentQueued), timestamp)
	for _, id := range ids {
		args = append(args, id)
	}
	query := `UPDATE jobs
        SET status = ?, progress_stage = ?, progress_percent = ?,
            progress_message = 'Retry requested', error_message = NULL, error_code = NULL,
            attempts = 0, next_attempt_at = NULL, updated_at = ?
        WHERE id IN (` + placeholders + `) AND status = '` + string(StatusFailed) + `'`
	res, err := s.execWithRetry(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("retry selected jobs: %w", err)
	}
	for _, id := range ids {
		s.notifyJobByID(ctx, id)
	}
	return res.RowsAffected()
}

// CancelJob cancels a job that is waiting between stages. In-flight jobs are
// left alone; their worker owns the row until it finishes or fails.
func (s *Store) CancelJob(ctx context.Context, id, userID string) (bool, error) {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs
         SET status = ?, error_message = ?, progress_stage = ?, progress_message = ?, updated_at = ?
         WHERE id = ? AND user_id = ? AND status IN (?, ?)`,
		StatusCancelled,
		UserCancelReason,
		ProgressStageFailed,
		UserCancelReason,
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
		userID,
		StatusQueued,
		StatusTranscribed,
	)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		s.notifyJobByID(ctx, id)
	}
	return affected > 0, nil
}

// ListJobsForUser returns a user's jobs, newest first.
func (s *Store) ListJobsForUser(ctx context.Context, userID string, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs for user: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// List returns jobs filtered by status set (or all jobs when no status is provided).
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Job, error) {
	var (
		rows *sql.Rows
		err  error
	)

	baseQuery := `SELECT ` + jobColumns + ` FROM jobs`
	orderClause := ` ORDER BY created_at`

	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(statuses))
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = status
		}
		query := baseQuery + ` WHERE status IN (` + placeholders + `)` + orderClause
		rows, err = s.db.QueryContext(ctx, query, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Remove deletes a job by identifier.
func (s *Store) Remove(ctx context.Context, id string) (bool, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// ClearCompleted removes only completed jobs.
func (s *Store) ClearCompleted(ctx context.Context) (int64, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM jobs WHERE status = ?`, StatusCompleted)
	if err != nil {
		return 0, fmt.Errorf("clear completed: %w", err)
	}
	return res.RowsAffected()
}

// ClearFailed removes only failed jobs.
func (s *Store) ClearFailed(ctx context.Context) (int64, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM jobs WHERE status = ?`, StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("clear failed: %w", err)
	}
	return res.RowsAffected()
}
