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

package storage

import (
	"fmt"
	"strings"
)

// Dialect abstracts the SQL differences between the supported backends.
// Repositories write queries with '?' placeholders; the connection rebinds
// them through the dialect before they reach the driver. User values never
// appear in SQL text.
type Dialect interface {
	// Name identifies the backend ("sqlite" or "postgres").
	Name() string

	// Placeholder returns the parameter marker for 1-based position n.
	Placeholder(n int) string

	// Rebind converts a query written with '?' markers into the dialect's
	// placeholder style.
	Rebind(query string) string

	// QuoteIdent quotes a table or column identifier.
	QuoteIdent(ident string) string

	// Upsert returns the conflict clause appended to an INSERT to turn it
	// into an upsert on the given conflict columns, updating updateCols
	// from the excluded row.
	Upsert(conflictCols, updateCols []string) string

	// TimeType is the column type used for timestamps.
	TimeType() string

	// JSONType is the column type used for JSON payloads.
	JSONType() string

	// SerialPK is the column definition for an auto-incrementing integer
	// primary key.
	SerialPK() string
}

// SQLiteDialect implements Dialect for SQLite.
type SQLiteDialect struct{}

// Name implements Dialect.
func (SQLiteDialect) Name() string { return "sqlite" }

// Placeholder implements Dialect.
func (SQLiteDialect) Placeholder(n int) string { return "?" }

// Rebind implements Dialect. SQLite uses '?' natively.
func (SQLiteDialect) Rebind(query string) string { return query }

// QuoteIdent implements Dialect.
func (SQLiteDialect) QuoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// Upsert implements Dialect.
func (SQLiteDialect) Upsert(conflictCols, updateCols []string) string {
	return upsertClause(conflictCols, updateCols)
}

// TimeType implements Dialect. Timestamps are ISO-8601 UTC strings.
func (SQLiteDialect) TimeType() string { return "TEXT" }

// JSONType implements Dialect.
func (SQLiteDialect) JSONType() string { return "TEXT" }

// SerialPK implements Dialect.
func (SQLiteDialect) SerialPK() string { return "INTEGER PRIMARY KEY AUTOINCREMENT" }

// PostgresDialect implements Dialect for PostgreSQL.
type PostgresDialect struct{}

// Name implements Dialect.
func (PostgresDialect) Name() string { return "postgres" }

// Placeholder implements Dialect.
func (PostgresDialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

// Rebind implements Dialect. Each '?' becomes the next '$n' marker.
// Quoted literals are not inspected; queries must keep values out of SQL
// text, which repositories already guarantee.
func (PostgresDialect) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteString(fmt.Sprintf("$%d", n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// QuoteIdent implements Dialect.
func (PostgresDialect) QuoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// Upsert implements Dialect.
func (PostgresDialect) Upsert(conflictCols, updateCols []string) string {
	return upsertClause(conflictCols, updateCols)
}

// TimeType implements Dialect.
func (PostgresDialect) TimeType() string { return "TIMESTAMPTZ" }

// JSONType implements Dialect.
func (PostgresDialect) JSONType() string { return "JSONB" }

// SerialPK implements Dialect.
func (PostgresDialect) SerialPK() string { return "BIGSERIAL PRIMARY KEY" }

// upsertClause renders the shared ON CONFLICT syntax. Both supported
// backends accept it; the dialect hook exists so a future backend with a
// different syntax slots in without touching repositories.
func upsertClause(conflictCols, updateCols []string) string {
	if len(updateCols) == 0 {
		return fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", strings.Join(conflictCols, ", "))
	}
	sets := make([]string, len(updateCols))
	for i, col := range updateCols {
		sets[i] = fmt.Sprintf("%s = excluded.%s", col, col)
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s",
		strings.Join(conflictCols, ", "), strings.Join(sets, ", "))
}
