// Package daemon coordinates the long-running Fathom process and its public
// surfaces.
//
// It wires configuration, job storage, the workflow manager, and the HTTP API
// into a single lifecycle with flock-based locking to prevent multiple
// instances. The daemon exposes queue maintenance helpers, billing and usage
// lookups for the control channel, emits dependency health summaries, and owns
// the notification test hook.
//
// Keep orchestration logic here: individual pipeline stages should live in
// their respective packages while the daemon focuses on startup, shutdown, and
// high level coordination.
package daemon
