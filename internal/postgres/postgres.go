// Package postgres provides the PostgreSQL connection pool and schema used by
// the registry's Postgres backend.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// Schema is the minimal registry schema. It is applied idempotently by Migrate.
const Schema = `
CREATE TABLE IF NOT EXISTS devices (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL DEFAULT '',
	address     TEXT NOT NULL,
	username    TEXT NOT NULL DEFAULT '',
	password    TEXT NOT NULL DEFAULT '',
	owner_id    TEXT NOT NULL,
	active      BOOLEAN NOT NULL DEFAULT TRUE,
	token_hash  TEXT UNIQUE
);
CREATE INDEX IF NOT EXISTS devices_owner_idx ON devices (owner_id);

CREATE TABLE IF NOT EXISTS sessions (
	token_hash  TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	email       TEXT NOT NULL DEFAULT '',
	expires_at  TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS device_access_logs (
	id           TEXT PRIMARY KEY,
	device_id    TEXT NOT NULL,
	endpoint     TEXT NOT NULL,
	method       TEXT NOT NULL,
	success      BOOLEAN NOT NULL,
	latency_ms   BIGINT NOT NULL,
	accessed_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS device_access_logs_device_idx ON device_access_logs (device_id, accessed_at);
`

// DB wraps a sql.DB connection pool.
type DB struct {
	pool *sql.DB
}

// New creates a new PostgreSQL connection pool.
func New(dsn string) (*DB, error) {
	pool, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	pool.SetMaxOpenConns(25)
	pool.SetMaxIdleConns(5)
	if err := pool.Ping(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &DB{pool: pool}, nil
}

// Pool returns the underlying sql.DB for direct queries.
func (db *DB) Pool() *sql.DB {
	return db.pool
}

// Migrate applies Schema.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.pool.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (db *DB) Close() error {
	return db.pool.Close()
}
