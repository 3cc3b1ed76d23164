package storage

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"modernc.org/sqlite"
)

func TestMigrateIsIdempotent(t *testing.T) {
	db := OpenMemory(t)
	ctx := context.Background()

	require.NoError(t, Migrate(ctx, db))
	require.NoError(t, Migrate(ctx, db))

	for _, table := range []string{TableClients, TableResources, TableStrings, TableTranslations, TableQueue} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		require.NoError(t, err, "table %s should exist", table)
		assert.Equal(t, table, name)
	}
}

func TestOpenFileCreatesParentDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "bundles.db")
	db, err := Open(path, WithMkdirAll(), WithMigrate())
	require.NoError(t, err)
	defer db.Close()

	var mode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestIsUniqueViolation(t *testing.T) {
	db := OpenMemory(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `INSERT INTO clients (client_code, variant, created_at) VALUES ('site', NULL, 1)`)
	require.NoError(t, err)

	// The expression index treats NULL variants as equal.
	_, err = db.ExecContext(ctx, `INSERT INTO clients (client_code, variant, created_at) VALUES ('site', NULL, 2)`)
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))

	assert.False(t, IsUniqueViolation(nil))
	assert.False(t, IsUniqueViolation(errors.New("no such table: nope")))
}

func TestRunTxRollsBackOnError(t *testing.T) {
	db := OpenMemory(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := RunTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO clients (client_code, created_at) VALUES ('x', 1)`); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM clients`).Scan(&n))
	assert.Zero(t, n)
}

func TestIsBusy(t *testing.T) {
	assert.True(t, IsBusy(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.False(t, IsBusy(errors.New("constraint failed")))
	assert.False(t, IsBusy(nil))
}

func TestExecRetriesWhileWriterHoldsLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "busy.db")
	ctx := context.Background()

	holder, err := Open(path, WithMigrate())
	require.NoError(t, err)
	defer holder.Close()
	other, err := Open(path, WithBusyTimeout(0))
	require.NoError(t, err)
	defer other.Close()

	conn, err := holder.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.ExecContext(ctx, "BEGIN IMMEDIATE")
	require.NoError(t, err)

	insert := `INSERT INTO clients (client_code, created_at) VALUES (?, 1)`
	_, err = other.ExecContext(ctx, insert, "first")
	require.Error(t, err)
	var se *sqlite.Error
	require.True(t, errors.As(err, &se), "%T", err)
	assert.True(t, IsBusy(err))

	released := make(chan error, 1)
	go func() {
		time.Sleep(30 * time.Millisecond)
		_, err := conn.ExecContext(ctx, "COMMIT")
		released <- err
	}()

	_, err = Exec(ctx, other, insert, "second")
	require.NoError(t, err)
	require.NoError(t, <-released)

	var n int
	require.NoError(t, other.QueryRow(`SELECT COUNT(*) FROM clients`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestPragmasApplyToEveryConnection(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "pool.db"), WithBusyTimeout(5000))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	conns := make([]*sql.Conn, 3)
	for i := range conns {
		c, err := db.Conn(ctx)
		require.NoError(t, err)
		conns[i] = c
	}
	for _, c := range conns {
		var ms, fk int
		require.NoError(t, c.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&ms))
		require.NoError(t, c.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk))
		assert.Equal(t, 5000, ms)
		assert.Equal(t, 1, fk)
		c.Close()
	}
}
