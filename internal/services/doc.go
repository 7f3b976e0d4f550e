// Package services defines shared utilities consumed by the pipeline stage
// handlers and external integrations.
//
// Key responsibilities:
//   - Context helpers that stamp job IDs, owner IDs, stage names, and request
//     identifiers for logging and tracing.
//   - Structured error markers plus the Wrap helper that classify failures
//     for retry policy, job error codes, and API status mapping.
//
// Use these helpers when wiring new stage logic so operational behaviour (error
// handling, observability, retries) stays uniform across the pipeline.
package services
