// Package logging assembles the structured slog loggers used across the
// printlapse daemon and CLI.
//
// It owns the console/JSON handlers, centralizes level and output plumbing,
// and exposes attribute helpers so loop code tags log lines with the same
// component, session, and event fields everywhere. The package also provides
// a no-op logger for tests and wiring code that cannot fail.
package logging
