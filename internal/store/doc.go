// Package store persists Fathom state in SQLite and exposes helpers for
// driving job, cache, and billing lifecycles.
//
// The Store manages database connections, schema initialization, atomic job
// claims, heartbeat tracking, stale-job recovery, and the content caches for
// transcripts and summaries. The billing side lives in the same database:
// credit lots, the entitlement snapshot, orders, the webhook ledger, and the
// append-only usage ledger, so debits and grants coordinate with job state
// through a single writer.
//
// All multi-row money movements run inside transactions retried on
// SQLITE_BUSY. Job claims are single UPDATE statements so two workers can
// never take the same row.
//
// Treat this package as the single source of truth for queue and ledger
// semantics; when you add new statuses or tables, update schema.sql and bump
// schemaVersion.
package store
