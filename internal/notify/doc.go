// Package notify delivers push notifications for job and billing events.
//
// The default implementation publishes to ntfy using the topic configured in
// config.toml and degrades to a no-op when no topic is set. Enumerated event
// types cover job completion, failure, and billing alerts so callers emit
// consistent messages without duplicating HTTP glue. Per-event toggles in the
// notifications config section let operators silence categories they do not
// want pushed.
//
// Extend this package if you need alternative transports; all callers depend
// only on the simple Service interface.
package notify
