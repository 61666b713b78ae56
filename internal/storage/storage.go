// Copyright 2025 Ryan McCoy
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package storage provides the relational connection behind all persisted
// state: dialect-aware SQL over SQLite or PostgreSQL, driver error
// classification, and the canonical schema bootstrap.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// TimeLayout is the canonical timestamp format: UTC, fixed nanosecond
// precision so TEXT comparison in SQLite orders chronologically.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders t in the canonical layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a stored timestamp. Both the canonical layout and the
// variable-precision RFC 3339 strings PostgreSQL reports scan cleanly.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		// PostgreSQL reports "2006-01-02 15:04:05.999999+00" style.
		for _, layout := range []string{
			"2006-01-02 15:04:05.999999999Z07:00",
			"2006-01-02 15:04:05.999999999-07",
			"2006-01-02 15:04:05.999999999",
		} {
			if t, err = time.Parse(layout, s); err == nil {
				break
			}
		}
	}
	return t.UTC(), err
}

// Querier is the minimum query surface repositories depend on. Both *DB and
// *Tx satisfy it, so repository methods compose into transactions without
// caring which they hold. Queries are written with '?' markers and rebound
// through the dialect.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	Dialect() Dialect
}

// DB pairs a database handle with its dialect.
type DB struct {
	db      *sql.DB
	dialect Dialect
}

// Config contains connection configuration.
type Config struct {
	// URL selects the backend: "postgres://..." opens PostgreSQL through
	// pgx; anything else is treated as a SQLite path (":memory:" included).
	URL string

	// MaxOpenConns bounds the pool. Ignored for SQLite, which serializes
	// writes on a single connection.
	MaxOpenConns int
}

// Open opens a connection, pings it, and applies backend-specific settings.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	var (
		db      *sql.DB
		dialect Dialect
		err     error
	)

	if strings.HasPrefix(cfg.URL, "postgres://") || strings.HasPrefix(cfg.URL, "postgresql://") {
		db, err = sql.Open("pgx", cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		dialect = PostgresDialect{}
	} else {
		path := strings.TrimPrefix(cfg.URL, "sqlite://")
		db, err = sql.Open("sqlite", path)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		// SQLite serializes writes, so only 1 connection
		db.SetMaxOpenConns(1)
		dialect = SQLiteDialect{}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, &StorageError{Category: CategoryConnection, Backend: dialect.Name(), Cause: err}
	}

	d := &DB{db: db, dialect: dialect}

	if dialect.Name() == "sqlite" {
		if err := d.configurePragmas(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to configure pragmas: %w", err)
		}
	}

	return d, nil
}

// configurePragmas sets SQLite configuration options.
func (d *DB) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := d.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

// Dialect implements Querier.
func (d *DB) Dialect() Dialect { return d.dialect }

// ExecContext executes a statement after rebinding its placeholders.
func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := d.db.ExecContext(ctx, d.dialect.Rebind(query), args...)
	return res, Classify(err)
}

// QueryContext runs a query after rebinding its placeholders.
func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := d.db.QueryContext(ctx, d.dialect.Rebind(query), args...)
	return rows, Classify(err)
}

// QueryRowContext runs a single-row query after rebinding its placeholders.
func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.db.QueryRowContext(ctx, d.dialect.Rebind(query), args...)
}

// Begin starts a transaction.
func (d *DB) Begin(ctx context.Context) (*Tx, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, Classify(err)
	}
	return &Tx{tx: tx, dialect: d.dialect}, nil
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic.
func (d *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := d.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Ping probes the connection.
func (d *DB) Ping(ctx context.Context) error {
	return Classify(d.db.PingContext(ctx))
}

// Close closes the connection.
func (d *DB) Close() error { return d.db.Close() }

// Tx is a transaction bound to the owning connection's dialect.
type Tx struct {
	tx      *sql.Tx
	dialect Dialect
}

// Dialect implements Querier.
func (t *Tx) Dialect() Dialect { return t.dialect }

// ExecContext executes a statement inside the transaction.
func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := t.tx.ExecContext(ctx, t.dialect.Rebind(query), args...)
	return res, Classify(err)
}

// QueryContext runs a query inside the transaction.
func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := t.tx.QueryContext(ctx, t.dialect.Rebind(query), args...)
	return rows, Classify(err)
}

// QueryRowContext runs a single-row query inside the transaction.
func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.dialect.Rebind(query), args...)
}

// Commit commits the transaction.
func (t *Tx) Commit() error { return Classify(t.tx.Commit()) }

// Rollback aborts the transaction.
func (t *Tx) Rollback() error { return Classify(t.tx.Rollback()) }
