// Package logs provides file tailing and offset helpers shared by the CLI and
// daemon diagnostics.
//
// It streams log files with bounded memory usage, supports negative offsets
// for "tail last N lines" operations, and powers follow-mode updates for
// `fathom logs --follow`. Callers supply context deadlines so background
// polling shuts down cleanly when the CLI exits.
package logs
