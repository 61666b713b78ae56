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

const executionColumns = `id, workflow, params, status, lane, trigger_source,
	parent_execution_id, idempotency_key, retry_count, started_at, completed_at,
	result, error, created_at, updated_at`

// ExecutionRepository reads and writes core_executions and
// core_execution_events.
type ExecutionRepository struct {
	q storage.Querier
}

// NewExecutionRepository creates a repository over q, which may be a
// connection or an open transaction.
func NewExecutionRepository(q storage.Querier) *ExecutionRepository {
	return &ExecutionRepository{q: q}
}

// WithQuerier returns a copy bound to a different querier. The ledger uses
// this to run FSM checks and event appends in one transaction.
func (r *ExecutionRepository) WithQuerier(q storage.Querier) *ExecutionRepository {
	return &ExecutionRepository{q: q}
}

// Create inserts a new execution row.
func (r *ExecutionRepository) Create(ctx context.Context, e *Execution) error {
	params, err := marshalJSON(e.Params)
	if err != nil {
		return err
	}
	result, err := marshalJSON(e.Result)
	if err != nil {
		return err
	}
	if e.Lane == "" {
		e.Lane = "default"
	}
	if e.TriggerSource == "" {
		e.TriggerSource = TriggerInternal
	}

	_, err = r.q.ExecContext(ctx, `
		INSERT INTO core_executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Workflow, params, string(e.Status), e.Lane, string(e.TriggerSource),
		nullString(e.ParentExecutionID), nullString(e.IdempotencyKey), e.RetryCount,
		timeArg(e.StartedAt), timeArg(e.CompletedAt),
		result, nullString(e.Error),
		storage.FormatTime(e.CreatedAt), storage.FormatTime(e.UpdatedAt),
	)
	return err
}

// GetByID returns one execution.
func (r *ExecutionRepository) GetByID(ctx context.Context, id string) (*Execution, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM core_executions WHERE id = ?`, id)
	e, err := scanExecution(row.Scan)
	if err != nil {
		return nil, storage.Classify(err)
	}
	return e, nil
}

// GetByIdempotencyKey returns the execution holding the given key, or a
// NOT_FOUND storage error.
func (r *ExecutionRepository) GetByIdempotencyKey(ctx context.Context, key string) (*Execution, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM core_executions WHERE idempotency_key = ?`, key)
	e, err := scanExecution(row.Scan)
	if err != nil {
		return nil, storage.Classify(err)
	}
	return e, nil
}

// ListFilter narrows List results. Zero values are skipped.
type ListFilter struct {
	Workflow string
	Status   string
	Lane     string
	Parent   string
	Limit    int
	Offset   int
}

// List returns executions ordered by started_at DESC, using created_at in
// place of started_at for rows that have not started, together with the
// total row count under the same filter.
func (r *ExecutionRepository) List(ctx context.Context, f ListFilter) ([]*Execution, int, error) {
	w := &Where{}
	w.Eq("workflow", f.Workflow).Eq("status", f.Status).Eq("lane", f.Lane).Eq("parent_execution_id", f.Parent)
	where, args := w.Clause()

	total, err := countUnder(ctx, r.q, "core_executions", where, args)
	if err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + executionColumns + ` FROM core_executions` + where +
		` ORDER BY COALESCE(started_at, created_at) DESC LIMIT ? OFFSET ?`
	rows, err := r.q.QueryContext(ctx, query, append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan execution: %w", err)
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

// UpdateStatus applies a status change plus the timestamp side effects the
// ledger computed. It guards on the expected prior status so two concurrent
// updaters cannot both win.
func (r *ExecutionRepository) UpdateStatus(ctx context.Context, id string, from, to ExecutionStatus, patch StatusPatch) (bool, error) {
	result, err := marshalJSON(patch.Result)
	if err != nil {
		return false, err
	}
	res, err := r.q.ExecContext(ctx, `
		UPDATE core_executions SET
			status = ?,
			started_at = COALESCE(started_at, ?),
			completed_at = COALESCE(?, completed_at),
			result = COALESCE(?, result),
			error = COALESCE(?, error),
			retry_count = retry_count + ?,
			updated_at = ?
		WHERE id = ? AND status = ?`,
		string(to),
		timeArg(patch.StartedAt), timeArg(patch.CompletedAt),
		result, nullString(patch.Error), patch.RetryDelta,
		storage.FormatTime(patch.Now),
		id, string(from),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// StatusPatch carries the column changes that ride along a status
// transition.
type StatusPatch struct {
	StartedAt   *time.Time
	CompletedAt *time.Time
	Result      map[string]any
	Error       string
	RetryDelta  int
	Now         time.Time
}

// AddEvent appends a lifecycle event. Events are never updated or deleted.
func (r *ExecutionRepository) AddEvent(ctx context.Context, ev *ExecutionEvent) error {
	data, err := marshalJSON(ev.Data)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO core_execution_events (execution_id, event_type, timestamp, data)
		VALUES (?, ?, ?, ?)`,
		ev.ExecutionID, string(ev.EventType), storage.FormatTime(ev.Timestamp), data,
	)
	return err
}

// ListEvents returns an execution's events ordered by timestamp, ties
// broken by insertion order.
func (r *ExecutionRepository) ListEvents(ctx context.Context, executionID string) ([]*ExecutionEvent, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, execution_id, event_type, timestamp, data
		FROM core_execution_events
		WHERE execution_id = ?
		ORDER BY timestamp ASC, id ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ExecutionEvent
	for rows.Next() {
		var (
			ev   ExecutionEvent
			ts   sql.NullString
			data sql.NullString
			typ  string
		)
		if err := rows.Scan(&ev.ID, &ev.ExecutionID, &typ, &ts, &data); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.EventType = EventType(typ)
		parseTimeVal(ts, &ev.Timestamp)
		if err := unmarshalJSON(data, &ev.Data); err != nil {
			return nil, err
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// CountByStatus returns the number of executions in a status for a
// workflow. The scheduler's max_instances guard uses this.
func (r *ExecutionRepository) CountByStatus(ctx context.Context, workflow string, status ExecutionStatus) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM core_executions WHERE workflow = ? AND status = ?`,
		workflow, string(status)).Scan(&n)
	return n, err
}

// scanExecution reads one execution row via the given scan function.
func scanExecution(scan func(dest ...any) error) (*Execution, error) {
	var (
		e                                       Execution
		params, result                          sql.NullString
		parent, idem, errStr                    sql.NullString
		startedAt, completedAt, created, status sql.NullString
		updated, trigger, lane                  sql.NullString
	)
	err := scan(
		&e.ID, &e.Workflow, &params, &status, &lane, &trigger,
		&parent, &idem, &e.RetryCount, &startedAt, &completedAt,
		&result, &errStr, &created, &updated,
	)
	if err != nil {
		return nil, err
	}
	e.Status = ExecutionStatus(fromNull(status))
	e.Lane = fromNull(lane)
	e.TriggerSource = TriggerSource(fromNull(trigger))
	e.ParentExecutionID = fromNull(parent)
	e.IdempotencyKey = fromNull(idem)
	e.Error = fromNull(errStr)
	if err := unmarshalJSON(params, &e.Params); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(result, &e.Result); err != nil {
		return nil, err
	}
	parseTimePtr(startedAt, &e.StartedAt)
	parseTimePtr(completedAt, &e.CompletedAt)
	parseTimeVal(created, &e.CreatedAt)
	parseTimeVal(updated, &e.UpdatedAt)
	return &e, nil
}
