package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Both MeetScribe databases have a single writing process, but WAL
// checkpoints and parallel tests can still surface transient SQLITE_BUSY
// errors. Writes go through a short linear backoff before giving up.
const (
	busyAttempts = 3
	busyBackoff  = 100 * time.Millisecond
)

// IsBusy reports whether err is a transient SQLite lock contention error.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// withRetry runs op, retrying busy errors with 100/200/300 ms pauses.
func withRetry(ctx context.Context, label string, op func() error) error {
	for attempt := 1; ; attempt++ {
		err := op()
		if err == nil || !IsBusy(err) || attempt == busyAttempts {
			return err
		}
		timer := time.NewTimer(time.Duration(attempt) * busyBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("dbopen: %s interrupted during busy retry: %w", label, ctx.Err())
		case <-timer.C:
		}
	}
}

// Exec runs one statement, absorbing transient busy errors.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := withRetry(ctx, "exec", func() error {
		var err error
		res, err = db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// RunTx runs fn inside a transaction, retrying the whole transaction when
// SQLite reports lock contention. fn must be safe to run again from scratch.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	return withRetry(ctx, "tx", func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("dbopen: begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("dbopen: commit: %w", err)
		}
		return nil
	})
}
