package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

const (
	sqliteScheme = "sqlite://"
	sqliteMemory = "sqlite::memory:"
)

// IsSQLiteURL reports whether databaseURL selects the embedded sqlite store
// ("sqlite://path/to/file.db" or "sqlite::memory:").
func IsSQLiteURL(databaseURL string) bool {
	return databaseURL == sqliteMemory || strings.HasPrefix(databaseURL, sqliteScheme)
}

func sqliteDSN(databaseURL string) (string, error) {
	if databaseURL == sqliteMemory {
		return "file::memory:?_foreign_keys=on", nil
	}
	path := strings.TrimPrefix(databaseURL, sqliteScheme)
	if path == "" {
		return "", fmt.Errorf("sqlite url %q has no file path", databaseURL)
	}
	return "file:" + path + "?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", nil
}

// OpenSQLite opens the sqlite store and applies ddl, which must be idempotent
// (CREATE ... IF NOT EXISTS). sqlite allows a single writer, so the handle is
// limited to one connection; this also keeps an in-memory database alive for
// the lifetime of the handle.
func OpenSQLite(ctx context.Context, databaseURL, ddl string) (*sql.DB, error) {
	dsn, err := sqliteDSN(databaseURL)
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(0)
	conn.SetConnMaxIdleTime(0)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if ddl != "" {
		if _, err := conn.ExecContext(ctx, ddl); err != nil {
			conn.Close()
			return nil, fmt.Errorf("apply sqlite schema: %w", err)
		}
	}

	return conn, nil
}
