// Package db provides the durable store for queued records, mutations and
// attachments.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	_ "modernc.org/sqlite"

	apperrors "github.com/yaroing/feedback-platform/internal/errors"
)

// FileName is the database file created inside the data directory.
const FileName = "feedbacksync.db"

var memSeq atomic.Int64

// DB wraps the sql.DB with the sync engine's SQLite configuration.
type DB struct {
	*sql.DB
	path string
}

// Open opens (creating if needed) the store under dataDir and applies all
// pending migrations. The database is opened with:
// - WAL mode for concurrent reads/writes
// - Foreign key constraints enabled
// - A busy timeout so concurrent writers wait instead of failing
// - Immediate transactions so the write lock is taken at BEGIN
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to create data directory", err)
	}

	dbPath := filepath.Join(dataDir, FileName)
	return open(dbPath+"?_txlock=immediate", dbPath, true)
}

// OpenMemory opens a private in-memory store. Each call returns an
// independent database.
func OpenMemory() (*DB, error) {
	name := fmt.Sprintf("file:feedbacksync-mem-%d?mode=memory&cache=shared&_txlock=immediate", memSeq.Add(1))
	return open(name, "", false)
}

func open(dsn, path string, wal bool) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to open database", err)
	}

	// SQLite doesn't support multiple writers
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if err := applyPragmas(sqlDB, wal); err != nil {
		sqlDB.Close()
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to configure database", err)
	}

	db := &DB{DB: sqlDB, path: path}
	if err := NewMigrator(sqlDB, Migrations()).Up(context.Background()); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func applyPragmas(db *sql.DB, wal bool) error {
	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	if wal {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL")
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// Path returns the database file path, or "" for in-memory stores.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
