// Package api defines wire-format types, converters, and facade services for
// the HTTP and IPC API layer. It translates internal job, summary, and billing
// models into transport-friendly DTOs that web clients can render without
// coupling to internal types.
//
// # Key Types
//
// JobView: transport representation of a job with its public status, progress,
// cache provenance, and error details.
//
// SummaryView/SummaryPDFView: summary markdown plus an optional signed PDF URL.
//
// UsageView/AccountView: a user's credit position and billing history.
//
// WorkflowStatus: daemon running state, queue stats, stage health, and last job.
//
// LogEvent/LogStreamResponse: structured log payloads for live tailing.
//
// # Services
//
// JobsService validates a submission (YouTube URL, playlist rejection, duration
// ceiling), runs the entitlement admission check, reuses an active job for the
// same URL, and enqueues new work.
//
// SummariesService serves summary reads and renders PDFs on demand, attaching
// the object key so concurrent renders converge on one stored document.
//
// # Converters
//
// FromJob: store.Job -> JobView, collapsing internal queue statuses into the
// public queued/running/succeeded/failed vocabulary.
//
// FromStatusSummary: workflow.StatusSummary -> WorkflowStatus.
//
// StageHealthSlice: deterministic ordering of stage health map.
//
// # Design Notes
//
// DTOs use camelCase JSON tags for JavaScript/TypeScript consumers. Timestamps
// use RFC3339 with milliseconds. The change-feed events served under
// /api/events keep the store's snake_case field vocabulary; only the DTOs here
// are camelCased.
//
// A job's public status is the coarse four-value lane; the exact pipeline
// position lives in progress.stage. Cancelled jobs read as failed with their
// cancellation reason in errorMessage.
package api
