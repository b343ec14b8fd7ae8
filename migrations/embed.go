// Package migrations holds the database schema for the anchoring pipeline.
package migrations

import "embed"

// Postgres holds the versioned PostgreSQL migrations at its root.
//
//go:embed *.sql
var Postgres embed.FS

// SQLiteSchema is the idempotent DDL applied when the sqlite store is opened.
//
//go:embed sqlite/schema.sql
var SQLiteSchema string
