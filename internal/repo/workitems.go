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

const workItemColumns = `id, domain, workflow, partition_key, desired_at, priority,
	state, attempt_count, max_attempts, last_error, last_error_at, next_attempt_at,
	current_execution_id, latest_execution_id, locked_by, locked_at, completed_at,
	created_at, updated_at`

// WorkItemRepository reads and writes core_work_items.
type WorkItemRepository struct {
	q storage.Querier
}

// NewWorkItemRepository creates a repository over q.
func NewWorkItemRepository(q storage.Querier) *WorkItemRepository {
	return &WorkItemRepository{q: q}
}

// Insert enqueues a new work item in PENDING. The UNIQUE(domain, workflow,
// partition_key) constraint rejects duplicate enqueues of the same logical
// job; callers treat the CONSTRAINT error as success.
func (r *WorkItemRepository) Insert(ctx context.Context, item *WorkItem) (int64, error) {
	pk, err := mustJSON(item.PartitionKey)
	if err != nil {
		return 0, err
	}
	if item.State == "" {
		item.State = ItemPending
	}
	if item.MaxAttempts <= 0 {
		item.MaxAttempts = 3
	}
	now := storage.FormatTime(item.CreatedAt)

	if r.q.Dialect().Name() == "postgres" {
		var id int64
		err := r.q.QueryRowContext(ctx, `
			INSERT INTO core_work_items (domain, workflow, partition_key, desired_at, priority,
				state, attempt_count, max_attempts, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
			RETURNING id`,
			item.Domain, item.Workflow, pk, timeArg(item.DesiredAt), item.Priority,
			string(item.State), item.MaxAttempts, now, now,
		).Scan(&id)
		if err != nil {
			return 0, storage.Classify(err)
		}
		return id, nil
	}

	res, err := r.q.ExecContext(ctx, `
		INSERT INTO core_work_items (domain, workflow, partition_key, desired_at, priority,
			state, attempt_count, max_attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		item.Domain, item.Workflow, pk, timeArg(item.DesiredAt), item.Priority,
		string(item.State), item.MaxAttempts, now, now,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetByID returns one work item.
func (r *WorkItemRepository) GetByID(ctx context.Context, id int64) (*WorkItem, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+workItemColumns+` FROM core_work_items WHERE id = ?`, id)
	item, err := scanWorkItem(row.Scan)
	if err != nil {
		return nil, storage.Classify(err)
	}
	return item, nil
}

// WorkItemFilter narrows List results.
type WorkItemFilter struct {
	Domain   string
	Workflow string
	State    string
	Limit    int
	Offset   int
}

// List returns work items by priority then age, with the total under the
// same filter.
func (r *WorkItemRepository) List(ctx context.Context, f WorkItemFilter) ([]*WorkItem, int, error) {
	w := &Where{}
	w.Eq("domain", f.Domain).Eq("workflow", f.Workflow).Eq("state", f.State)
	where, args := w.Clause()

	total, err := countUnder(ctx, r.q, "core_work_items", where, args)
	if err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+workItemColumns+` FROM core_work_items`+where+
			` ORDER BY priority DESC, created_at ASC LIMIT ? OFFSET ?`,
		append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows.Scan)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan work item: %w", err)
		}
		out = append(out, item)
	}
	return out, total, rows.Err()
}

// NextClaimable returns the ids of claimable items in claim order:
// PENDING items plus RETRY_WAIT items whose next_attempt_at has passed,
// ordered by priority DESC then created_at ASC.
func (r *WorkItemRepository) NextClaimable(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT id FROM core_work_items
		WHERE (state = ? OR (state = ? AND next_attempt_at <= ?))
		  AND (desired_at IS NULL OR desired_at <= ?)
		ORDER BY priority DESC, created_at ASC
		LIMIT ?`,
		string(ItemPending), string(ItemRetryWait),
		storage.FormatTime(now), storage.FormatTime(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Claim atomically flips a claimable item to RUNNING for the given owner
// and bumps attempt_count. Losers of the race observe nil, nil.
func (r *WorkItemRepository) Claim(ctx context.Context, id int64, owner string, now time.Time) (*WorkItem, error) {
	nowStr := storage.FormatTime(now)
	res, err := r.q.ExecContext(ctx, `
		UPDATE core_work_items SET
			state = ?, locked_by = ?, locked_at = ?,
			attempt_count = attempt_count + 1, updated_at = ?
		WHERE id = ?
		  AND (state = ? OR (state = ? AND next_attempt_at <= ?))`,
		string(ItemRunning), owner, nowStr, nowStr,
		id, string(ItemPending), string(ItemRetryWait), nowStr,
	)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return r.GetByID(ctx, id)
}

// Complete marks a RUNNING item COMPLETE and clears its lock.
func (r *WorkItemRepository) Complete(ctx context.Context, id int64, executionID string, now time.Time) error {
	nowStr := storage.FormatTime(now)
	res, err := r.q.ExecContext(ctx, `
		UPDATE core_work_items SET
			state = ?, latest_execution_id = COALESCE(?, latest_execution_id),
			current_execution_id = NULL, locked_by = NULL, locked_at = NULL,
			completed_at = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		string(ItemComplete), nullString(executionID), nowStr, nowStr,
		id, string(ItemRunning),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &storage.StorageError{Category: storage.CategoryNotFound,
			Cause: fmt.Errorf("work item %d not running", id)}
	}
	return nil
}

// Fail moves a RUNNING item to newState (RETRY_WAIT or FAILED), recording
// the error and the next attempt time for re-entrant failures.
func (r *WorkItemRepository) Fail(ctx context.Context, id int64, newState WorkItemState, errMsg string, nextAttemptAt *time.Time, now time.Time) error {
	nowStr := storage.FormatTime(now)
	res, err := r.q.ExecContext(ctx, `
		UPDATE core_work_items SET
			state = ?, last_error = ?, last_error_at = ?,
			next_attempt_at = ?, current_execution_id = NULL,
			locked_by = NULL, locked_at = NULL, updated_at = ?
		WHERE id = ? AND state = ?`,
		string(newState), errMsg, nowStr, timeArg(nextAttemptAt), nowStr,
		id, string(ItemRunning),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &storage.StorageError{Category: storage.CategoryNotFound,
			Cause: fmt.Errorf("work item %d not running", id)}
	}
	return nil
}

// Cancel moves a non-terminal item to CANCELLED.
func (r *WorkItemRepository) Cancel(ctx context.Context, id int64, now time.Time) (bool, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE core_work_items SET state = ?, locked_by = NULL, locked_at = NULL, updated_at = ?
		WHERE id = ? AND state IN (?, ?, ?)`,
		string(ItemCancelled), storage.FormatTime(now),
		id, string(ItemPending), string(ItemRunning), string(ItemRetryWait),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetCurrentExecution links the execution driving a claimed item.
func (r *WorkItemRepository) SetCurrentExecution(ctx context.Context, id int64, executionID string, now time.Time) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE core_work_items SET current_execution_id = ?, latest_execution_id = ?, updated_at = ?
		WHERE id = ?`,
		executionID, executionID, storage.FormatTime(now), id)
	return err
}

// RetryFailed resets terminal FAILED items matching the filter back to
// PENDING with a fresh attempt budget. Returns the number of rows reset.
func (r *WorkItemRepository) RetryFailed(ctx context.Context, f WorkItemFilter, now time.Time) (int64, error) {
	w := &Where{}
	w.EqAny("state", string(ItemFailed))
	w.Eq("domain", f.Domain).Eq("workflow", f.Workflow)
	where, args := w.Clause()

	res, err := r.q.ExecContext(ctx,
		`UPDATE core_work_items SET state = ?, attempt_count = 0, last_error = NULL,
			next_attempt_at = NULL, updated_at = ?`+where,
		append([]any{string(ItemPending), storage.FormatTime(now)}, args...)...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountByState returns queue depth per state.
func (r *WorkItemRepository) CountByState(ctx context.Context) (map[WorkItemState]int, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM core_work_items GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[WorkItemState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[WorkItemState(state)] = n
	}
	return out, rows.Err()
}

// scanWorkItem reads one work item row via the given scan function.
func scanWorkItem(scan func(dest ...any) error) (*WorkItem, error) {
	var (
		item                              WorkItem
		pk                                sql.NullString
		desiredAt, lastErrAt, nextAt      sql.NullString
		lockedAt, completedAt             sql.NullString
		created, updated                  sql.NullString
		state, lastErr, curExec, latExec  sql.NullString
		lockedBy                          sql.NullString
	)
	err := scan(
		&item.ID, &item.Domain, &item.Workflow, &pk, &desiredAt, &item.Priority,
		&state, &item.AttemptCount, &item.MaxAttempts, &lastErr, &lastErrAt, &nextAt,
		&curExec, &latExec, &lockedBy, &lockedAt, &completedAt,
		&created, &updated,
	)
	if err != nil {
		return nil, err
	}
	item.State = WorkItemState(fromNull(state))
	item.LastError = fromNull(lastErr)
	item.CurrentExecutionID = fromNull(curExec)
	item.LatestExecutionID = fromNull(latExec)
	item.LockedBy = fromNull(lockedBy)
	if err := unmarshalJSON(pk, &item.PartitionKey); err != nil {
		return nil, err
	}
	parseTimePtr(desiredAt, &item.DesiredAt)
	parseTimePtr(lastErrAt, &item.LastErrorAt)
	parseTimePtr(nextAt, &item.NextAttemptAt)
	parseTimePtr(lockedAt, &item.LockedAt)
	parseTimePtr(completedAt, &item.CompletedAt)
	parseTimeVal(created, &item.CreatedAt)
	parseTimeVal(updated, &item.UpdatedAt)
	return &item, nil
}
