// Package ledger records session and encode outcomes in a local SQLite
// database for the history command and status reporting.
//
// The ledger is observability only: the marker files on the store remain
// the single source of truth for cross-process coordination, and every
// recording call is best effort from the caller's point of view. The
// daemon is the only writer; the CLI reads.
package ledger
