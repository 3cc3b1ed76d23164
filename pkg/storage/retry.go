package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// busyDelays are the waits between attempts of a statement or transaction
// that hit a locked database. The busy_timeout pragma already waits inside
// SQLite; these cover the cases it cannot, such as a deferred transaction
// upgrading to a write lock.
var busyDelays = []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}

// IsBusy reports whether err means the database or a table was locked by
// another connection.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	// Errors that crossed a boundary without their type keep the text only.
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// withBusyRetry runs fn until it succeeds, fails with a non-busy error, or
// busyDelays are used up.
func withBusyRetry(ctx context.Context, fn func() error) error {
	err := fn()
	for _, d := range busyDelays {
		if !IsBusy(err) {
			return err
		}
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("storage: retry after busy: %w", ctx.Err())
		case <-t.C:
		}
		err = fn()
	}
	return err
}

// RunTx runs fn in a transaction, retrying the whole transaction while the
// database is busy. fn must be safe to run more than once.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	return withBusyRetry(ctx, func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("storage: begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("storage: commit: %w", err)
		}
		return nil
	})
}

// Exec runs a single statement, retrying while the database is busy.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := withBusyRetry(ctx, func() error {
		var err error
		res, err = db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
