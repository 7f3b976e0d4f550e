// Package workflow advances queued jobs through transcription and
// summarization.
//
// The Manager runs a small pool of workers that claim ready jobs straight
// from the store; the claim statement itself moves queued jobs to
// transcribing and transcribed jobs to summarizing, so workers never race
// over a row and a single pool drains both lanes. Each claimed job runs
// under a heartbeat loop, and a janitor goroutine requeues jobs whose
// heartbeats expired so work survives worker crashes.
//
// The manager owns everything that happens around a stage: retry scheduling
// with exponential backoff, terminal failure bookkeeping, usage debiting on
// completion, push notifications, and the pipeline metrics. Stage handlers
// stay focused on their own side effects.
package workflow
