package api

import (
	"time"

	"fathom/internal/fanout"
	"fathom/internal/logging"
)

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// SummarizeRequest is the body of a job submission.
type SummarizeRequest struct {
	URL string `json:"url"`
}

// JobView describes a job in a transport-friendly format. Status uses the
// public queued/running/succeeded/failed vocabulary; Progress.Stage carries
// the fine-grained pipeline position.
type JobView struct {
	ID               string      `json:"id"`
	Status           string      `json:"status"`
	Title            string      `json:"title,omitempty"`
	URL              string      `json:"url,omitempty"`
	Progress         JobProgress `json:"progress"`
	SummaryID        *int64      `json:"summaryId,omitempty"`
	DurationSeconds  int64       `json:"durationSeconds,omitempty"`
	TranscriptCached bool        `json:"transcriptCached"`
	SummaryCached    bool        `json:"summaryCached"`
	PartialSummary   string      `json:"partialSummary,omitempty"`
	ErrorCode        string      `json:"errorCode,omitempty"`
	ErrorMessage     string      `json:"errorMessage,omitempty"`
	Attempts         int         `json:"attempts,omitempty"`
	CreatedAt        string      `json:"createdAt,omitempty"`
	UpdatedAt        string      `json:"updatedAt,omitempty"`
	CompletedAt      string      `json:"completedAt,omitempty"`
}

// JobProgress captures stage progress information for a job.
type JobProgress struct {
	Stage   string  `json:"stage"`
	Percent float64 `json:"percent"`
	Message string  `json:"message"`
}

// JobResponse wraps a single job.
type JobResponse struct {
	Job JobView `json:"job"`
}

// JobListResponse wraps a collection of jobs for API responses.
type JobListResponse struct {
	Jobs []JobView `json:"jobs"`
}

// JobStatsResponse provides a normalized queue stats payload keyed by the
// internal status names. Served on admin surfaces only.
type JobStatsResponse struct {
	Counts map[string]int `json:"counts"`
}

// SummaryView returns summary markdown plus a signed PDF URL when a PDF has
// already been rendered.
type SummaryView struct {
	SummaryID int64  `json:"summaryId"`
	Markdown  string `json:"markdown"`
	PDFURL    string `json:"pdfUrl,omitempty"`
}

// SummaryPDFView returns the signed URL for a rendered summary PDF.
type SummaryPDFView struct {
	SummaryID int64  `json:"summaryId"`
	PDFURL    string `json:"pdfUrl"`
}

// PlanView describes one purchasable catalog entry.
type PlanView struct {
	Code           string `json:"code"`
	Name           string `json:"name"`
	Kind           string `json:"kind"`
	PriceCents     int64  `json:"priceCents"`
	Currency       string `json:"currency"`
	SecondsGranted int64  `json:"secondsGranted"`
}

// PlanListResponse wraps the purchasable plan catalog.
type PlanListResponse struct {
	Plans []PlanView `json:"plans"`
}

// UsageView summarizes a user's credit position.
type UsageView struct {
	PlanCode              string `json:"planCode,omitempty"`
	PlanName              string `json:"planName,omitempty"`
	SubscriptionActive    bool   `json:"subscriptionActive"`
	SubscriptionRemaining int64  `json:"subscriptionRemainingSeconds"`
	FreeRemaining         int64  `json:"freeRemainingSeconds"`
	PackRemaining         int64  `json:"packRemainingSeconds"`
	TotalRemaining        int64  `json:"totalRemainingSeconds"`
	PackExpiresAt         string `json:"packExpiresAt,omitempty"`
	DebtSeconds           int64  `json:"debtSeconds"`
	DebtCapSeconds        int64  `json:"debtCapSeconds"`
	Blocked               bool   `json:"blocked"`
}

// CreditLotView describes one credit grant and its remaining balance.
type CreditLotView struct {
	ID               int64  `json:"id"`
	LotType          string `json:"lotType"`
	Seconds          int64  `json:"seconds"`
	RemainingSeconds int64  `json:"remainingSeconds"`
	Frozen           bool   `json:"frozen"`
	ExpiresAt        string `json:"expiresAt,omitempty"`
	CreatedAt        string `json:"createdAt,omitempty"`
}

// OrderView describes one checkout order and its settlement state.
type OrderView struct {
	ID              int64  `json:"id"`
	PlanCode        string `json:"planCode"`
	Kind            string `json:"kind"`
	Status          string `json:"status"`
	AmountCents     int64  `json:"amountCents"`
	Currency        string `json:"currency"`
	RefundedCents   int64  `json:"refundedCents,omitempty"`
	SecondsGranted  int64  `json:"secondsGranted"`
	ProviderOrderID string `json:"providerOrderId,omitempty"`
	CreatedAt       string `json:"createdAt,omitempty"`
}

// UsageEventView describes one ledger entry.
type UsageEventView struct {
	ID        int64  `json:"id"`
	JobID     string `json:"jobId,omitempty"`
	Kind      string `json:"kind"`
	Seconds   int64  `json:"seconds"`
	Note      string `json:"note,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
}

// AccountView aggregates a user's credit position and billing history.
type AccountView struct {
	Usage  UsageView        `json:"usage"`
	Lots   []CreditLotView  `json:"lots,omitempty"`
	Orders []OrderView      `json:"orders,omitempty"`
	Events []UsageEventView `json:"events,omitempty"`
}

// CheckoutRequest names the plan a user wants to buy.
type CheckoutRequest struct {
	PlanCode string `json:"planCode"`
}

// CheckoutView returns the provider-hosted checkout session.
type CheckoutView struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

// PortalView returns the provider-hosted self-service portal session.
type PortalView struct {
	URL string `json:"url"`
}

// RefundRequest names the pack order to refund.
type RefundRequest struct {
	ProviderOrderID string `json:"providerOrderId"`
}

// RefundView reports the outcome of a pack refund request.
type RefundView struct {
	ProviderOrderID string `json:"providerOrderId"`
	RefundedCents   int64  `json:"refundedCents"`
	Currency        string `json:"currency"`
	Status          string `json:"status"`
}

// WorkflowStatus summarizes workflow execution state.
type WorkflowStatus struct {
	Running     bool           `json:"running"`
	QueueStats  map[string]int `json:"queueStats"`
	LastError   string         `json:"lastError,omitempty"`
	LastJob     *JobView       `json:"lastJob,omitempty"`
	StageHealth []StageHealth  `json:"stageHealth"`
}

// StageHealth mirrors readiness reporting for workflow stages.
type StageHealth struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// DependencyStatus captures availability of an external dependency.
type DependencyStatus struct {
	Name        string `json:"name"`
	Command     string `json:"command"`
	Description string `json:"description"`
	Optional    bool   `json:"optional"`
	Available   bool   `json:"available"`
	Detail      string `json:"detail,omitempty"`
}

// StatusLine is one labeled, graded row in a status display.
type StatusLine struct {
	Label    string `json:"label"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
}

// DependencySummary aggregates binary dependency readiness.
type DependencySummary struct {
	Total           int    `json:"total"`
	Available       int    `json:"available"`
	MissingRequired int    `json:"missingRequired"`
	MissingOptional int    `json:"missingOptional"`
	Severity        string `json:"severity"`
	Detail          string `json:"detail"`
}

// DaemonStatus aggregates daemon runtime information for API consumers.
type DaemonStatus struct {
	Running      bool               `json:"running"`
	PID          int                `json:"pid"`
	DBPath       string             `json:"dbPath"`
	LockFilePath string             `json:"lockFilePath"`
	Workflow     WorkflowStatus     `json:"workflow"`
	Dependencies []DependencyStatus `json:"dependencies"`
}

// EventFeedResponse carries a page of job events plus the cursor for the
// next poll. Event payloads keep their snake_case stream form.
type EventFeedResponse struct {
	Events []fanout.JobEvent `json:"events"`
	Next   uint64            `json:"next"`
}

// LogEvent is the wire form of one structured log line.
type LogEvent struct {
	Sequence  uint64            `json:"seq"`
	Timestamp time.Time         `json:"ts"`
	Level     string            `json:"level"`
	Message   string            `json:"msg"`
	Component string            `json:"component,omitempty"`
	Stage     string            `json:"stage,omitempty"`
	JobID     string            `json:"job_id,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	Details   []DetailField     `json:"details,omitempty"`
}

// DetailField mirrors the console handler's info bullet lines.
type DetailField struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// LogStreamResponse carries a page of log events plus the cursor for the next
// fetch.
type LogStreamResponse struct {
	Events []LogEvent `json:"events"`
	Next   uint64     `json:"next"`
}

// FromLogEvents converts hub log events into their wire form.
func FromLogEvents(events []logging.LogEvent) []LogEvent {
	if len(events) == 0 {
		return nil
	}
	out := make([]LogEvent, 0, len(events))
	for _, evt := range events {
		details := make([]DetailField, 0, len(evt.Details))
		for _, detail := range evt.Details {
			details = append(details, DetailField{Label: detail.Label, Value: detail.Value})
		}
		out = append(out, LogEvent{
			Sequence:  evt.Sequence,
			Timestamp: evt.Timestamp,
			Level:     evt.Level,
			Message:   evt.Message,
			Component: evt.Component,
			Stage:     evt.Stage,
			JobID:     evt.JobID,
			UserID:    evt.UserID,
			RequestID: evt.RequestID,
			Fields:    evt.Fields,
			Details:   details,
		})
	}
	return out
}
