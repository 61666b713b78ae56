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
	"fmt"
	"time"

	"github.com/ryansmccoy/spine-core/internal/storage"
)

const deadLetterColumns = `id, execution_id, workflow, params, error, retry_count,
	max_retries, resolved_at, resolved_by, replay_count, created_at`

// DeadLetterRepository reads and writes core_dead_letters.
type DeadLetterRepository struct {
	q storage.Querier
}

// NewDeadLetterRepository creates a repository over q.
func NewDeadLetterRepository(q storage.Querier) *DeadLetterRepository {
	return &DeadLetterRepository{q: q}
}

// Insert captures an exhausted failure.
func (r *DeadLetterRepository) Insert(ctx context.Context, d *DeadLetter) (int64, error) {
	params, err := marshalJSON(d.Params)
	if err != nil {
		return 0, err
	}
	now := storage.FormatTime(d.CreatedAt)

	if r.q.Dialect().Name() == "postgres" {
		var id int64
		err := r.q.QueryRowContext(ctx, `
			INSERT INTO core_dead_letters (execution_id, workflow, params, error,
				retry_count, max_retries, replay_count, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?)
			RETURNING id`,
			nullString(d.ExecutionID), d.Workflow, params, nullString(d.Error),
			d.RetryCount, d.MaxRetries, now).Scan(&id)
		if err != nil {
			return 0, storage.Classify(err)
		}
		return id, nil
	}

	res, err := r.q.ExecContext(ctx, `
		INSERT INTO core_dead_letters (execution_id, workflow, params, error,
			retry_count, max_retries, replay_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		nullString(d.ExecutionID), d.Workflow, params, nullString(d.Error),
		d.RetryCount, d.MaxRetries, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetByID returns one dead letter.
func (r *DeadLetterRepository) GetByID(ctx context.Context, id int64) (*DeadLetter, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+deadLetterColumns+` FROM core_dead_letters WHERE id = ?`, id)
	d, err := scanDeadLetter(row.Scan)
	if err != nil {
		return nil, storage.Classify(err)
	}
	return d, nil
}

// DeadLetterFilter narrows List results.
type DeadLetterFilter struct {
	Workflow   string
	Unresolved bool
	Limit      int
	Offset     int
}

// List returns dead letters newest first with the total under the same
// filter.
func (r *DeadLetterRepository) List(ctx context.Context, f DeadLetterFilter) ([]*DeadLetter, int, error) {
	w := &Where{}
	w.Eq("workflow", f.Workflow)
	if f.Unresolved {
		w.Null("resolved_at")
	}
	where, args := w.Clause()

	total, err := countUnder(ctx, r.q, "core_dead_letters", where, args)
	if err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+deadLetterColumns+` FROM core_dead_letters`+where+
			` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*DeadLetter
	for rows.Next() {
		d, err := scanDeadLetter(rows.Scan)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		out = append(out, d)
	}
	return out, total, rows.Err()
}

// MarkReplayed bumps the replay counter after a successful re-submission.
func (r *DeadLetterRepository) MarkReplayed(ctx context.Context, id int64) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE core_dead_letters SET replay_count = replay_count + 1 WHERE id = ?`, id)
	return err
}

// Resolve records an operator resolution. Only unresolved rows change.
func (r *DeadLetterRepository) Resolve(ctx context.Context, id int64, resolvedBy string, now time.Time) (bool, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE core_dead_letters SET resolved_at = ?, resolved_by = ?
		WHERE id = ? AND resolved_at IS NULL`,
		storage.FormatTime(now), resolvedBy, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// scanDeadLetter reads one dead letter row via the given scan function.
func scanDeadLetter(scan func(dest ...any) error) (*DeadLetter, error) {
	var (
		d                            DeadLetter
		execID, params, errStr       sql.NullString
		resolvedAt, resolvedBy       sql.NullString
		created                      sql.NullString
	)
	err := scan(
		&d.ID, &execID, &d.Workflow, &params, &errStr, &d.RetryCount,
		&d.MaxRetries, &resolvedAt, &resolvedBy, &d.ReplayCount, &created,
	)
	if err != nil {
		return nil, err
	}
	d.ExecutionID = fromNull(execID)
	d.Error = fromNull(errStr)
	d.ResolvedBy = fromNull(resolvedBy)
	if err := unmarshalJSON(params, &d.Params); err != nil {
		return nil, err
	}
	parseTimePtr(resolvedAt, &d.ResolvedAt)
	parseTimeVal(created, &d.CreatedAt)
	return &d, nil
}
