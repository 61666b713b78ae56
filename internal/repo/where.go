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

package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ryansmccoy/spine-core/internal/storage"
)

// Where accumulates filter conditions, skipping empty values so callers can
// pass optional filters straight through. Conditions use '?' markers; the
// connection rebinds them per dialect.
type Where struct {
	conds []string
	args  []any
}

// Eq adds "col = value" unless value is the zero string.
func (w *Where) Eq(col string, value string) *Where {
	if value != "" {
		w.conds = append(w.conds, col+" = ?")
		w.args = append(w.args, value)
	}
	return w
}

// EqAny adds "col = value" unconditionally.
func (w *Where) EqAny(col string, value any) *Where {
	w.conds = append(w.conds, col+" = ?")
	w.args = append(w.args, value)
	return w
}

// In adds "col IN (...)" when values is non-empty.
func (w *Where) In(col string, values []string) *Where {
	if len(values) == 0 {
		return w
	}
	marks := make([]string, len(values))
	for i, v := range values {
		marks[i] = "?"
		w.args = append(w.args, v)
	}
	w.conds = append(w.conds, fmt.Sprintf("%s IN (%s)", col, strings.Join(marks, ", ")))
	return w
}

// Null adds "col IS NULL".
func (w *Where) Null(col string) *Where {
	w.conds = append(w.conds, col+" IS NULL")
	return w
}

// NotNull adds "col IS NOT NULL".
func (w *Where) NotNull(col string) *Where {
	w.conds = append(w.conds, col+" IS NOT NULL")
	return w
}

// Lte adds "col <= value".
func (w *Where) Lte(col string, value any) *Where {
	w.conds = append(w.conds, col+" <= ?")
	w.args = append(w.args, value)
	return w
}

// Clause renders the WHERE clause ("" when no conditions) and its args.
func (w *Where) Clause() (string, []any) {
	if len(w.conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(w.conds, " AND "), w.args
}

// countUnder runs COUNT(*) over table under the same WHERE as a list query.
// Every paged list pairs with one of these so (rows, total) stays coherent.
func countUnder(ctx context.Context, q storage.Querier, table, where string, args []any) (int, error) {
	var total int
	err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+where, args...).Scan(&total)
	return total, err
}

// marshalJSON renders a map for a JSON column, writing NULL for nil.
func marshalJSON(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal json column: %w", err)
	}
	return string(b), nil
}

// mustJSON renders a map that must not be NULL (natural-key columns).
func mustJSON(m map[string]any) (string, error) {
	if m == nil {
		m = map[string]any{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal json column: %w", err)
	}
	return string(b), nil
}

// unmarshalJSON parses a nullable JSON column into a map.
func unmarshalJSON(s sql.NullString, dest *map[string]any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), dest)
}

// timeArg renders a timestamp for storage, writing NULL for nil.
func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return storage.FormatTime(*t)
}

// parseTimePtr parses a nullable timestamp column.
func parseTimePtr(s sql.NullString, dest **time.Time) {
	if !s.Valid || s.String == "" {
		return
	}
	if t, err := storage.ParseTime(s.String); err == nil {
		*dest = &t
	}
}

// parseTimeVal parses a non-null timestamp column.
func parseTimeVal(s sql.NullString, dest *time.Time) {
	if !s.Valid || s.String == "" {
		return
	}
	if t, err := storage.ParseTime(s.String); err == nil {
		*dest = t
	}
}

// nullString renders "" as NULL.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// fromNull reads a nullable string column.
func fromNull(s sql.NullString) string {
	if s.Valid {
		return s.String
	}
	return ""
}
