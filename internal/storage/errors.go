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
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	pkgerrors "github.com/ryansmccoy/spine-core/pkg/errors"
)

// Category classifies a storage failure. Callers branch on categories, not
// on driver error strings.
type Category string

const (
	// CategoryNotFound maps sql.ErrNoRows.
	CategoryNotFound Category = "NOT_FOUND"
	// CategoryConstraint maps unique/check/foreign-key violations.
	CategoryConstraint Category = "CONSTRAINT"
	// CategoryTimeout maps context deadline and statement timeouts.
	CategoryTimeout Category = "TIMEOUT"
	// CategoryConnection maps dial failures and dropped connections.
	CategoryConnection Category = "CONNECTION"
	// CategoryUnknown is everything else the drivers report.
	CategoryUnknown Category = "UNKNOWN"
)

// StorageError wraps a driver error with a semantic category. Raw driver
// messages stay inside the wrapped cause and never leak to API clients.
type StorageError struct {
	// Category is the semantic failure class.
	Category Category

	// Backend names the dialect that produced the error.
	Backend string

	// Cause is the underlying driver error.
	Cause error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s error (%s): %v", e.Category, e.Backend, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *StorageError) Unwrap() error { return e.Cause }

// PlatformCategory maps the storage category onto the platform taxonomy.
func (e *StorageError) PlatformCategory() pkgerrors.Category {
	switch e.Category {
	case CategoryNotFound:
		return pkgerrors.CategoryNotFound
	case CategoryConstraint:
		return pkgerrors.CategoryConflict
	case CategoryTimeout:
		return pkgerrors.CategoryTimeout
	case CategoryConnection:
		return pkgerrors.CategoryUnavailable
	default:
		return pkgerrors.CategoryInternal
	}
}

// IsConstraint reports whether err is a constraint violation.
func IsConstraint(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Category == CategoryConstraint
}

// IsNotFound reports whether err is a missing-row error.
func IsNotFound(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Category == CategoryNotFound
}

// Classify wraps a driver error in a StorageError. A nil error or an
// already-classified error passes through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return &StorageError{Category: CategoryNotFound, Cause: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &StorageError{Category: CategoryTimeout, Cause: err}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		cat := CategoryUnknown
		switch {
		// Class 23: integrity constraint violation
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "23":
			cat = CategoryConstraint
		// 57014: query_canceled, 55P03: lock_not_available
		case pgErr.Code == "57014" || pgErr.Code == "55P03":
			cat = CategoryTimeout
		// Class 08: connection exception
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08":
			cat = CategoryConnection
		}
		return &StorageError{Category: cat, Backend: "postgres", Cause: err}
	}

	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		cat := CategoryUnknown
		switch sqErr.Code() & 0xff {
		case sqlite3.SQLITE_CONSTRAINT:
			cat = CategoryConstraint
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			cat = CategoryTimeout
		case sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_IOERR:
			cat = CategoryConnection
		}
		return &StorageError{Category: cat, Backend: "sqlite", Cause: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &StorageError{Category: CategoryTimeout, Cause: err}
		}
		return &StorageError{Category: CategoryConnection, Cause: err}
	}

	return &StorageError{Category: CategoryUnknown, Cause: err}
}
