package api

import (
	"slices"
	"time"

	"fathom/internal/stage"
	"fathom/internal/store"
	"fathom/internal/workflow"
)

// Public status vocabulary served to clients. Internal queue statuses
// collapse onto these four values; progress.stage keeps the detail.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// PublicStatus collapses an internal queue status into the public status
// vocabulary. Cancelled jobs read as failed; their cancellation reason is
// already stored in the job's error message.
func PublicStatus(status store.Status) string {
	switch status {
	case store.StatusQueued:
		return StatusQueued
	case store.StatusTranscribing, store.StatusTranscribed, store.StatusSummarizing:
		return StatusRunning
	case store.StatusCompleted:
		return StatusSucceeded
	case store.StatusFailed, store.StatusCancelled:
		return StatusFailed
	default:
		return string(status)
	}
}

// TerminalStatus reports whether a public status value is final.
func TerminalStatus(status string) bool {
	return status == StatusSucceeded || status == StatusFailed
}

// FromJob converts a job record to its API representation.
func FromJob(job *store.Job) JobView {
	if job == nil {
		return JobView{}
	}

	dto := JobView{
		ID:     job.ID,
		Status: PublicStatus(job.Status),
		Title:  job.Title,
		URL:    job.URL,
		Progress: JobProgress{
			Stage:   job.ProgressStage,
			Percent: job.ProgressPercent,
			Message: job.ProgressMessage,
		},
		DurationSeconds:  job.DurationSeconds,
		TranscriptCached: job.TranscriptCached,
		SummaryCached:    job.SummaryCached,
		PartialSummary:   job.PartialSummary,
		ErrorCode:        job.ErrorCode,
		ErrorMessage:     job.ErrorMessage,
		Attempts:         job.Attempts,
	}
	if job.SummaryID != nil {
		id := *job.SummaryID
		dto.SummaryID = &id
	}
	if !job.CreatedAt.IsZero() {
		dto.CreatedAt = job.CreatedAt.UTC().Format(dateTimeFormat)
	}
	if !job.UpdatedAt.IsZero() {
		dto.UpdatedAt = job.UpdatedAt.UTC().Format(dateTimeFormat)
	}
	if job.CompletedAt != nil && !job.CompletedAt.IsZero() {
		dto.CompletedAt = job.CompletedAt.UTC().Format(dateTimeFormat)
	}
	return dto
}

// FromJobs converts a slice of job records into API DTOs.
func FromJobs(jobs []*store.Job) []JobView {
	if len(jobs) == 0 {
		return nil
	}
	out := make([]JobView, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, FromJob(job))
	}
	return out
}

// FromStatusSummary converts a workflow status summary to API payload.
func FromStatusSummary(summary workflow.StatusSummary) WorkflowStatus {
	wf := WorkflowStatus{
		Running:     summary.Running,
		QueueStats:  MergeQueueStats(summary.QueueStats),
		StageHealth: StageHealthSlice(summary.StageHealth),
	}
	if summary.LastError != "" {
		wf.LastError = summary.LastError
	}
	if summary.LastJob != nil {
		last := FromJob(summary.LastJob)
		wf.LastJob = &last
	}
	return wf
}

// MergeQueueStats produces a string-keyed representation of queue stats.
func MergeQueueStats(stats map[store.Status]int) map[string]int {
	out := make(map[string]int, len(stats))
	for status, count := range stats {
		out[string(status)] = count
	}
	return out
}

// StageHealthSlice converts a stage health map into a deterministic slice.
func StageHealthSlice(health map[string]stage.Health) []StageHealth {
	if len(health) == 0 {
		return nil
	}
	names := make([]string, 0, len(health))
	for name := range health {
		names = append(names, name)
	}
	slices.Sort(names)

	out := make([]StageHealth, 0, len(names))
	for _, name := range names {
		h := health[name]
		out = append(out, StageHealth{Name: name, Ready: h.Ready, Detail: h.Detail})
	}
	return out
}

// FormatTime converts a time to RFC3339 or returns empty string.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}

// FormatTimePtr formats an optional time, returning empty string for nil.
func FormatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return FormatTime(*t)
}
