package store

import (
	"database/sql"
	"errors"
	"strings"
	"time"
)

const jobColumns = "id, user_id, url, url_hash, title, status, prompt_key, transcriber_model, summarizer_model, transcript_id, summary_id, audio_object_key, audio_bytes, duration_seconds, transcript_cached, summary_cached, seconds_debited, partial_summary, error_message, error_code, attempts, next_attempt_at, claimed_by, last_heartbeat, progress_stage, progress_percent, progress_message, created_at, updated_at, completed_at"

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		id               string
		userID           string
		url              string
		urlHash          string
		title            sql.NullString
		statusStr        string
		promptKey        string
		transcriberModel string
		summarizerModel  string
		transcriptID     sql.NullInt64
		summaryID        sql.NullInt64
		audioObjectKey   sql.NullString
		audioBytes       sql.NullInt64
		durationSeconds  sql.NullInt64
		transcriptCached sql.NullInt64
		summaryCached    sql.NullInt64
		secondsDebited   sql.NullInt64
		partialSummary   sql.NullString
		errorMessage     sql.NullString
		errorCode        sql.NullString
		attempts         sql.NullInt64
		nextAttemptRaw   sql.NullString
		claimedBy        sql.NullString
		lastHeartbeatRaw sql.NullString
		progressStage    sql.NullString
		progressPercent  sql.NullFloat64
		progressMessage  sql.NullString
		createdRaw       sql.NullString
		updatedRaw       sql.NullString
		completedRaw     sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&userID,
		&url,
		&urlHash,
		&title,
		&statusStr,
		&promptKey,
		&transcriberModel,
		&summarizerModel,
		&transcriptID,
		&summaryID,
		&audioObjectKey,
		&audioBytes,
		&durationSeconds,
		&transcriptCached,
		&summaryCached,
		&secondsDebited,
		&partialSummary,
		&errorMessage,
		&errorCode,
		&attempts,
		&nextAttemptRaw,
		&claimedBy,
		&lastHeartbeatRaw,
		&progressStage,
		&progressPercent,
		&progressMessage,
		&createdRaw,
		&updatedRaw,
		&completedRaw,
	); err != nil {
		return nil, err
	}

	job := &Job{
		ID:               id,
		UserID:           userID,
		URL:              url,
		URLHash:          urlHash,
		Title:            title.String,
		Status:           Status(statusStr),
		PromptKey:        promptKey,
		TranscriberModel: transcriberModel,
		SummarizerModel:  summarizerModel,
		AudioObjectKey:   audioObjectKey.String,
		AudioBytes:       audioBytes.Int64,
		DurationSeconds:  durationSeconds.Int64,
		TranscriptCached: transcriptCached.Int64 != 0,
		SummaryCached:    summaryCached.Int64 != 0,
		SecondsDebited:   secondsDebited.Int64,
		PartialSummary:   partialSummary.String,
		ErrorMessage:     errorMessage.String,
		ErrorCode:        errorCode.String,
		Attempts:         int(attempts.Int64),
		ClaimedBy:        claimedBy.String,
		ProgressStage:    progressStage.String,
		ProgressPercent:  progressPercent.Float64,
		ProgressMessage:  progressMessage.String,
	}
	if transcriptID.Valid {
		v := transcriptID.Int64
		job.TranscriptID = &v
	}
	if summaryID.Valid {
		v := summaryID.Int64
		job.SummaryID = &v
	}

	if created, err := parseTimeString(createdRaw.String); err == nil {
		job.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		job.UpdatedAt = updated
	}
	if nextAttemptRaw.Valid {
		if next, err := parseTimeString(nextAttemptRaw.String); err == nil {
			job.NextAttemptAt = &next
		}
	}
	if lastHeartbeatRaw.Valid {
		if heartbeat, err := parseTimeString(lastHeartbeatRaw.String); err == nil {
			job.LastHeartbeat = &heartbeat
		}
	}
	if completedRaw.Valid {
		if completed, err := parseTimeString(completedRaw.String); err == nil {
			job.CompletedAt = &completed
		}
	}
	return job, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	v := value.UTC().Format(time.RFC3339Nano)
	return v
}

func nullableInt64(value *int64) any {
	if value == nil {
		return nil
	}
	return *value
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func qualifyColumns(alias, columns string) string {
	parts := strings.Split(columns, ", ")
	for i, part := range parts {
		parts[i] = alias + "." + part
	}
	return strings.Join(parts, ", ")
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
