package store

import (
	"strings"
	"time"
)

// Status represents the lifecycle of a job.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusTranscribing Status = "transcribing"
	StatusTranscribed  Status = "transcribed"
	StatusSummarizing  Status = "summarizing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// UserCancelReason is the error message set when a user explicitly cancels a job.
const UserCancelReason = "Cancelled by user"

// DaemonStopReason is the message recorded when in-flight jobs are requeued at shutdown.
const DaemonStopReason = "Daemon stopped"

var allStatuses = []Status{
	StatusQueued,
	StatusTranscribing,
	StatusTranscribed,
	StatusSummarizing,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

var processingStatuses = map[Status]struct{}{
	StatusTranscribing: {},
	StatusSummarizing:  {},
}

// Progress stage vocabulary shared by workers, the API, and notifications.
const (
	ProgressStageQueued        = "queued"
	ProgressStageWarming       = "warming"
	ProgressStageTranscribing  = "transcribing"
	ProgressStageCheckingCache = "checking_cache"
	ProgressStageSummarizing   = "summarizing"
	ProgressStageCached        = "cached"
	ProgressStageCompleted     = "completed"
	ProgressStageFailed        = "failed"
)

// Canonical status messages for queue transitions the store performs itself.
const (
	QueuedMessage = "Queued - waiting for a worker"
	RetryMessage  = "Queued for retry"
	FailedMessage = "Summary failed"
)

// Percent anchors for each progress stage. Streaming flushes advance from the
// summarizing anchor toward ProgressPercentStreamCeiling without reaching 100.
const (
	ProgressPercentQueued        = 5
	ProgressPercentWarming       = 10
	ProgressPercentTranscribing  = 30
	ProgressPercentCheckingCache = 45
	ProgressPercentSummarizing   = 60
	ProgressPercentStreamCeiling = 92
)

// Job represents a submitted audio URL moving through transcription and
// summarization, persisted in SQLite.
type Job struct {
	ID               string
	UserID           string
	URL              string
	URLHash          string
	Title            string
	Status           Status
	PromptKey        string
	TranscriberModel string
	SummarizerModel  string
	TranscriptID     *int64
	SummaryID        *int64
	AudioObjectKey   string
	AudioBytes       int64
	DurationSeconds  int64
	TranscriptCached bool
	SummaryCached    bool
	SecondsDebited   int64
	PartialSummary   string
	ErrorMessage     string
	ErrorCode        string
	Attempts         int
	NextAttemptAt    *time.Time
	ClaimedBy        string
	LastHeartbeat    *time.Time
	ProgressStage    string
	ProgressPercent  float64
	ProgressMessage  string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CompletedAt      *time.Time
}

// HealthSummary describes aggregated job counts per key lifecycle states.
type HealthSummary struct {
	Total      int
	Queued     int
	Processing int
	Failed     int
	Completed  int
}

// DatabaseHealth captures diagnostic information about the database.
type DatabaseHealth struct {
	DBPath           string
	DatabaseExists   bool
	DatabaseReadable bool
	SchemaVersion    string
	TableExists      bool
	ColumnsPresent   []string
	MissingColumns   []string
	IntegrityCheck   bool
	TotalJobs        int
	Error            string
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsProcessing returns true when the status reflects an in-flight operation.
func (j Job) IsProcessing() bool {
	_, ok := processingStatuses[j.Status]
	return ok
}

// IsProcessingStatus reports whether a status reflects an in-flight operation.
func IsProcessingStatus(status Status) bool {
	_, ok := processingStatuses[status]
	return ok
}

// IsTerminal reports whether a status admits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// SetProgress updates all three progress fields together.
// Use this instead of setting ProgressStage, ProgressPercent, and ProgressMessage individually.
func (j *Job) SetProgress(stage, message string, percent float64) {
	j.ProgressStage = stage
	j.ProgressMessage = message
	j.ProgressPercent = percent
}

// SetFailed marks the job as failed with the given error message and code.
// The progress bar completes at 100 with the generic failure message; the
// detail lives in ErrorMessage. Clears heartbeat and claim so the row reads
// cleanly from the API.
func (j *Job) SetFailed(message, code string) {
	j.Status = StatusFailed
	j.ErrorMessage = message
	j.ErrorCode = code
	j.ProgressStage = ProgressStageFailed
	j.ProgressPercent = 100
	j.ProgressMessage = FailedMessage
	j.LastHeartbeat = nil
	j.ClaimedBy = ""
	j.NextAttemptAt = nil
}

// SetCompleted marks the job finished at 100 percent.
func (j *Job) SetCompleted(message string) {
	now := time.Now().UTC()
	j.Status = StatusCompleted
	j.ProgressStage = ProgressStageCompleted
	j.ProgressPercent = 100
	j.ProgressMessage = message
	j.ErrorMessage = ""
	j.ErrorCode = ""
	j.LastHeartbeat = nil
	j.ClaimedBy = ""
	j.NextAttemptAt = nil
	j.CompletedAt = &now
}
