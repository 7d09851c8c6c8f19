package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/printlapse/printlapse/internal/config"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is the current schema version. Bump this when the schema
// changes; the ledger carries no coordination state, so clearing it on a
// mismatch loses nothing but history.
const schemaVersion = 1

// ErrSchemaMismatch indicates the database was created by an incompatible
// version.
var ErrSchemaMismatch = errors.New("schema version mismatch")

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// Ledger persists session history rows.
type Ledger struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the ledger database under the daemon's
// log directory.
func Open(cfg *config.Config) (*Ledger, error) {
	return OpenPath(cfg.LedgerPath())
}

// OpenPath initializes or connects to a ledger database at an explicit
// location.
func OpenPath(dbPath string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	ledger := &Ledger{db: db, path: dbPath}
	if err := ledger.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return ledger, nil
}

// Close closes the underlying database connection.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Path returns the database file location.
func (l *Ledger) Path() string {
	return l.path
}

func (l *Ledger) initSchema(ctx context.Context) error {
	var tableExists int
	err := l.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	if tableExists == 0 {
		return l.createSchema(ctx)
	}

	var version int
	err = l.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d (delete %s to reset)",
			ErrSchemaMismatch, version, schemaVersion, l.path)
	}
	return nil
}

func (l *Ledger) createSchema(ctx context.Context) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (l *Ledger) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = l.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

// RecordSessionStarted inserts a new history row for the session.
func (l *Ledger) RecordSessionStarted(ctx context.Context, session, origin string, jobID *int64) error {
	_, err := l.execWithRetry(ctx,
		`INSERT INTO session_history (id, session, origin, job_id, started_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), session, origin, jobID, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("record session start: %w", err)
	}
	return nil
}

// RecordSessionFinalized stamps the session's row with its capture tallies.
// A session the daemon never saw start (recovered after a restart) gets a
// fresh row so the history stays complete.
func (l *Ledger) RecordSessionFinalized(ctx context.Context, session string, frames, failed int, reason string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := l.execWithRetry(ctx,
		`UPDATE session_history
		 SET finalized_at = ?, frames = ?, failed_captures = ?, finalize_reason = ?
		 WHERE id = (SELECT id FROM session_history WHERE session = ? ORDER BY rowid DESC LIMIT 1)`,
		now, frames, failed, reason, session)
	if err != nil {
		return fmt.Errorf("record session finalize: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		return nil
	}
	_, err = l.execWithRetry(ctx,
		`INSERT INTO session_history (id, session, started_at, finalized_at, frames, failed_captures, finalize_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), session, now, now, frames, failed, reason)
	if err != nil {
		return fmt.Errorf("record session finalize: %w", err)
	}
	return nil
}

// RecordEncodeFinished stamps the session's row with the encode outcome.
func (l *Ledger) RecordEncodeFinished(ctx context.Context, session, outcome string, elapsed time.Duration, detail string) error {
	res, err := l.execWithRetry(ctx,
		`UPDATE session_history
		 SET encode_outcome = ?, encode_seconds = ?, encode_detail = ?
		 WHERE id = (SELECT id FROM session_history WHERE session = ? ORDER BY rowid DESC LIMIT 1)`,
		outcome, elapsed.Seconds(), detail, session)
	if err != nil {
		return fmt.Errorf("record encode outcome: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		return nil
	}
	_, err = l.execWithRetry(ctx,
		`INSERT INTO session_history (id, session, started_at, encode_outcome, encode_seconds, encode_detail)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), session, time.Now().UTC().Format(time.RFC3339), outcome, elapsed.Seconds(), detail)
	if err != nil {
		return fmt.Errorf("record encode outcome: %w", err)
	}
	return nil
}

// Entry is one session's history row.
type Entry struct {
	ID             string
	Session        string
	Origin         string
	JobID          *int64
	StartedAt      time.Time
	FinalizedAt    *time.Time
	Frames         int
	FailedCaptures int
	FinalizeReason string
	EncodeOutcome  string
	EncodeSeconds  float64
	EncodeDetail   string
}

// History returns the most recent entries, newest first.
func (l *Ledger) History(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, session, origin, job_id, started_at, finalized_at,
		        frames, failed_captures, finalize_reason,
		        encode_outcome, encode_seconds, encode_detail
		 FROM session_history ORDER BY rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			entry       Entry
			jobID       sql.NullInt64
			startedAt   string
			finalizedAt sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.Session, &entry.Origin, &jobID, &startedAt, &finalizedAt,
			&entry.Frames, &entry.FailedCaptures, &entry.FinalizeReason,
			&entry.EncodeOutcome, &entry.EncodeSeconds, &entry.EncodeDetail); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		if jobID.Valid {
			id := jobID.Int64
			entry.JobID = &id
		}
		if ts, err := time.Parse(time.RFC3339, startedAt); err == nil {
			entry.StartedAt = ts
		}
		if finalizedAt.Valid {
			if ts, err := time.Parse(time.RFC3339, finalizedAt.String); err == nil {
				entry.FinalizedAt = &ts
			}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return entries, nil
}
