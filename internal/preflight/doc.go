// Package preflight provides readiness checks for external services
// and filesystem paths that Fathom depends on.
//
// These checks run in two contexts:
//   - Daemon startup calls RunAll and logs any failures before workers
//     begin claiming jobs, so a dead API key surfaces immediately.
//   - The CLI "fathom status" command uses the FromConfig variants
//     (CheckSummarizerFromConfig, CheckObjectStoreFromConfig) to display
//     service health.
//
// Each check is gated by its config value -- unconfigured services are skipped.
package preflight
