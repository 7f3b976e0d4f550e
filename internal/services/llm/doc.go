// Package llm provides an OpenRouter chat client for drafting summaries.
//
// This package is used by:
//   - Summarize stage: turn a transcript into a Markdown briefing
//   - Health checks: verify the API key and model before accepting work
//
// # Entry Points
//
// NewClient: construct client from Config.
// Client.Complete: blocking completion, full response text.
// Client.CompleteStream: streaming completion, content deltas via callback.
// Client.HealthCheck: verify API key and model availability.
//
// # Configuration
//
// Requires api_key; base_url, model, referer, title, and timeout are
// optional. BaseURL is the API root (the chat completions path is appended),
// defaulting to the public OpenRouter endpoint.
//
// # Retry Behaviour
//
// Complete retries on HTTP 408/429/5xx errors, empty responses, and network
// timeouts with exponential backoff (base 1s, max 10s, up to 5 attempts by
// default), honoring Retry-After when the server sends one. Context
// cancellation aborts retries immediately.
//
// # Streaming
//
// CompleteStream is a single attempt over server-sent events. Keep-alive
// comment lines are skipped, and a stream that ends without the completion
// marker reports a transient error so the caller can fall back to Complete.
package llm
