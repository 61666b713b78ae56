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
	"context"
	"database/sql"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), Config{URL: ":memory:"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenAndMigrate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	// Migrate is idempotent: the ledger prevents re-application.
	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}

	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM _migrations`).Scan(&n)
	if err != nil {
		t.Fatalf("reading ledger: %v", err)
	}
	if n == 0 {
		t.Fatal("no migrations recorded")
	}

	rows, err := db.QueryContext(ctx, `SELECT COUNT(*) FROM core_executions`)
	if err != nil {
		t.Fatalf("core_executions missing: %v", err)
	}
	rows.Close()
}

func TestRebind(t *testing.T) {
	pg := PostgresDialect{}
	got := pg.Rebind("SELECT a FROM t WHERE x = ? AND y = ? LIMIT ?")
	want := "SELECT a FROM t WHERE x = $1 AND y = $2 LIMIT $3"
	if got != want {
		t.Errorf("Rebind() = %q, want %q", got, want)
	}

	lite := SQLiteDialect{}
	q := "SELECT 1 WHERE a = ?"
	if lite.Rebind(q) != q {
		t.Error("sqlite rebind should be identity")
	}
}

func TestPlaceholder(t *testing.T) {
	if got := (PostgresDialect{}).Placeholder(3); got != "$3" {
		t.Errorf("Placeholder(3) = %q, want $3", got)
	}
	if got := (SQLiteDialect{}).Placeholder(3); got != "?" {
		t.Errorf("Placeholder(3) = %q, want ?", got)
	}
}

func TestUpsertClause(t *testing.T) {
	got := (SQLiteDialect{}).Upsert([]string{"domain", "stage"}, []string{"row_count"})
	want := "ON CONFLICT (domain, stage) DO UPDATE SET row_count = excluded.row_count"
	if got != want {
		t.Errorf("Upsert() = %q, want %q", got, want)
	}

	nothing := (PostgresDialect{}).Upsert([]string{"k"}, nil)
	if nothing != "ON CONFLICT (k) DO NOTHING" {
		t.Errorf("Upsert() = %q", nothing)
	}
}

func TestClassify(t *testing.T) {
	t.Run("no rows", func(t *testing.T) {
		err := Classify(sql.ErrNoRows)
		if !IsNotFound(err) {
			t.Errorf("Classify(ErrNoRows) = %v, want NOT_FOUND", err)
		}
	})

	t.Run("unique violation from driver", func(t *testing.T) {
		db := openTestDB(t)
		ctx := context.Background()
		if _, err := db.ExecContext(ctx, `CREATE TABLE t (k TEXT PRIMARY KEY)`); err != nil {
			t.Fatal(err)
		}
		if _, err := db.ExecContext(ctx, `INSERT INTO t (k) VALUES (?)`, "a"); err != nil {
			t.Fatal(err)
		}
		err := func() error {
			_, err := db.ExecContext(ctx, `INSERT INTO t (k) VALUES (?)`, "a")
			return err
		}()
		if !IsConstraint(err) {
			t.Errorf("duplicate insert = %v, want CONSTRAINT", err)
		}
	})

	t.Run("nil passes through", func(t *testing.T) {
		if Classify(nil) != nil {
			t.Error("Classify(nil) should be nil")
		}
	})
}

func TestTimeRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.UTC)
	s := FormatTime(now)
	back, err := ParseTime(s)
	if err != nil {
		t.Fatalf("ParseTime(%q) error = %v", s, err)
	}
	if !back.Equal(now) {
		t.Errorf("round trip = %v, want %v", back, now)
	}

	// Postgres-style rendering parses too.
	if _, err := ParseTime("2026-03-14 09:26:53.589793+00"); err != nil {
		t.Errorf("postgres style failed: %v", err)
	}
}

func TestTimeLayoutOrdersLexically(t *testing.T) {
	a := FormatTime(time.Date(2026, 1, 1, 0, 0, 5, 0, time.UTC))
	b := FormatTime(time.Date(2026, 1, 1, 0, 0, 5, 100000000, time.UTC))
	c := FormatTime(time.Date(2026, 1, 1, 0, 0, 6, 0, time.UTC))
	if !(a < b && b < c) {
		t.Errorf("lexicographic order broken: %q %q %q", a, b, c)
	}
}

func TestWithTx(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if _, err := db.ExecContext(ctx, `CREATE TABLE t (k TEXT PRIMARY KEY)`); err != nil {
		t.Fatal(err)
	}

	// Rollback on error.
	err := db.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO t (k) VALUES (?)`, "x"); err != nil {
			return err
		}
		return sql.ErrTxDone
	})
	if err == nil {
		t.Fatal("expected error")
	}
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM t`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("rows = %d after rollback, want 0", n)
	}

	// Commit on success.
	if err := db.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO t (k) VALUES (?)`, "y")
		return err
	}); err != nil {
		t.Fatal(err)
	}
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM t`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("rows = %d after commit, want 1", n)
	}
}
