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

const scheduleColumns = `id, name, target_type, target_name, cron_expression,
	interval_seconds, timezone, params, enabled, max_instances, misfire_grace_seconds,
	last_run_at, next_run_at, created_at, updated_at`

// ScheduleRepository reads and writes core_schedules, core_schedule_runs,
// and the scheduler lock row.
type ScheduleRepository struct {
	q storage.Querier
}

// NewScheduleRepository creates a repository over q.
func NewScheduleRepository(q storage.Querier) *ScheduleRepository {
	return &ScheduleRepository{q: q}
}

// Create inserts a schedule.
func (r *ScheduleRepository) Create(ctx context.Context, s *Schedule) error {
	params, err := marshalJSON(s.Params)
	if err != nil {
		return err
	}
	if s.Timezone == "" {
		s.Timezone = "UTC"
	}
	if s.MaxInstances <= 0 {
		s.MaxInstances = 1
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO core_schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Name, string(s.TargetType), s.TargetName,
		nullString(s.CronExpression), nullZeroInt(s.IntervalSeconds), s.Timezone, params,
		boolInt(s.Enabled), s.MaxInstances, s.MisfireGraceSeconds,
		timeArg(s.LastRunAt), timeArg(s.NextRunAt),
		storage.FormatTime(s.CreatedAt), storage.FormatTime(s.UpdatedAt))
	return err
}

// GetByID returns one schedule.
func (r *ScheduleRepository) GetByID(ctx context.Context, id string) (*Schedule, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM core_schedules WHERE id = ?`, id)
	s, err := scanSchedule(row.Scan)
	if err != nil {
		return nil, storage.Classify(err)
	}
	return s, nil
}

// GetByName returns the schedule with the given unique name.
func (r *ScheduleRepository) GetByName(ctx context.Context, name string) (*Schedule, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM core_schedules WHERE name = ?`, name)
	s, err := scanSchedule(row.Scan)
	if err != nil {
		return nil, storage.Classify(err)
	}
	return s, nil
}

// ScheduleFilter narrows List results.
type ScheduleFilter struct {
	TargetType string
	Enabled    *bool
	Limit      int
	Offset     int
}

// List returns schedules by name with the total under the same filter.
func (r *ScheduleRepository) List(ctx context.Context, f ScheduleFilter) ([]*Schedule, int, error) {
	w := &Where{}
	w.Eq("target_type", f.TargetType)
	if f.Enabled != nil {
		w.EqAny("enabled", boolInt(*f.Enabled))
	}
	where, args := w.Clause()

	total, err := countUnder(ctx, r.q, "core_schedules", where, args)
	if err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM core_schedules`+where+
			` ORDER BY name ASC LIMIT ? OFFSET ?`,
		append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		s, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan schedule: %w", err)
		}
		out = append(out, s)
	}
	return out, total, rows.Err()
}

// ListEnabled returns every enabled schedule; the scheduler tick walks
// these.
func (r *ScheduleRepository) ListEnabled(ctx context.Context) ([]*Schedule, error) {
	enabled := true
	out, _, err := r.List(ctx, ScheduleFilter{Enabled: &enabled, Limit: 1000})
	return out, err
}

// Update rewrites a schedule's mutable fields.
func (r *ScheduleRepository) Update(ctx context.Context, s *Schedule) (bool, error) {
	params, err := marshalJSON(s.Params)
	if err != nil {
		return false, err
	}
	res, err := r.q.ExecContext(ctx, `
		UPDATE core_schedules SET
			name = ?, target_type = ?, target_name = ?, cron_expression = ?,
			interval_seconds = ?, timezone = ?, params = ?, enabled = ?,
			max_instances = ?, misfire_grace_seconds = ?, updated_at = ?
		WHERE id = ?`,
		s.Name, string(s.TargetType), s.TargetName, nullString(s.CronExpression),
		nullZeroInt(s.IntervalSeconds), s.Timezone, params, boolInt(s.Enabled),
		s.MaxInstances, s.MisfireGraceSeconds, storage.FormatTime(s.UpdatedAt),
		s.ID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkRun records a dispatch: last_run_at plus the next occurrence.
func (r *ScheduleRepository) MarkRun(ctx context.Context, id string, lastRunAt, nextRunAt time.Time) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE core_schedules SET last_run_at = ?, next_run_at = ?, updated_at = ?
		WHERE id = ?`,
		storage.FormatTime(lastRunAt), storage.FormatTime(nextRunAt),
		storage.FormatTime(lastRunAt), id)
	return err
}

// SetNextRun advances next_run_at without recording a dispatch (misfires).
func (r *ScheduleRepository) SetNextRun(ctx context.Context, id string, nextRunAt, now time.Time) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE core_schedules SET next_run_at = ?, updated_at = ? WHERE id = ?`,
		storage.FormatTime(nextRunAt), storage.FormatTime(now), id)
	return err
}

// Delete removes a schedule.
func (r *ScheduleRepository) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.q.ExecContext(ctx, `DELETE FROM core_schedules WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// AddRun appends a schedule-run history row.
func (r *ScheduleRepository) AddRun(ctx context.Context, run *ScheduleRun) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO core_schedule_runs (schedule_id, execution_id, scheduled_for,
			started_at, status, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ScheduleID, nullString(run.ExecutionID),
		storage.FormatTime(run.ScheduledFor), timeArg(run.StartedAt),
		string(run.Status), nullString(run.Detail),
		storage.FormatTime(run.CreatedAt))
	return err
}

// ListRuns returns a schedule's run history newest first.
func (r *ScheduleRepository) ListRuns(ctx context.Context, scheduleID string, limit int) ([]*ScheduleRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, schedule_id, execution_id, scheduled_for, started_at, status, detail, created_at
		FROM core_schedule_runs
		WHERE schedule_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, scheduleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ScheduleRun
	for rows.Next() {
		var (
			run               ScheduleRun
			execID, detail    sql.NullString
			schedFor, started sql.NullString
			status, created   sql.NullString
		)
		if err := rows.Scan(&run.ID, &run.ScheduleID, &execID, &schedFor,
			&started, &status, &detail, &created); err != nil {
			return nil, fmt.Errorf("failed to scan schedule run: %w", err)
		}
		run.ExecutionID = fromNull(execID)
		run.Detail = fromNull(detail)
		run.Status = ScheduleRunStatus(fromNull(status))
		parseTimeVal(schedFor, &run.ScheduledFor)
		parseTimePtr(started, &run.StartedAt)
		parseTimeVal(created, &run.CreatedAt)
		out = append(out, &run)
	}
	return out, rows.Err()
}

// AcquireSchedulerLock takes or refreshes the single scheduler lock row.
// Returns false when another live instance holds it.
func (r *ScheduleRepository) AcquireSchedulerLock(ctx context.Context, instanceID string, now time.Time, ttl time.Duration) (bool, error) {
	nowStr := storage.FormatTime(now)
	expStr := storage.FormatTime(now.Add(ttl))

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO core_schedule_locks (lock_name, locked_by, locked_at, expires_at)
		VALUES ('scheduler', ?, ?, ?)`,
		instanceID, nowStr, expStr)
	if err == nil {
		return true, nil
	}
	if !storage.IsConstraint(err) {
		return false, err
	}

	// Row exists: refresh our own lock or steal an expired one.
	res, err := r.q.ExecContext(ctx, `
		UPDATE core_schedule_locks SET locked_by = ?, locked_at = ?, expires_at = ?
		WHERE lock_name = 'scheduler' AND (locked_by = ? OR expires_at <= ?)`,
		instanceID, nowStr, expStr, instanceID, nowStr)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReleaseSchedulerLock drops the scheduler lock if this instance holds it.
func (r *ScheduleRepository) ReleaseSchedulerLock(ctx context.Context, instanceID string) error {
	_, err := r.q.ExecContext(ctx, `
		DELETE FROM core_schedule_locks WHERE lock_name = 'scheduler' AND locked_by = ?`,
		instanceID)
	return err
}

// scanSchedule reads one schedule row via the given scan function.
func scanSchedule(scan func(dest ...any) error) (*Schedule, error) {
	var (
		s                     Schedule
		cron, tz, params      sql.NullString
		lastRun, nextRun      sql.NullString
		created, updated      sql.NullString
		targetType            string
		interval              sql.NullInt64
		enabled               int
	)
	err := scan(
		&s.ID, &s.Name, &targetType, &s.TargetName, &cron, &interval, &tz,
		&params, &enabled, &s.MaxInstances, &s.MisfireGraceSeconds,
		&lastRun, &nextRun, &created, &updated,
	)
	if err != nil {
		return nil, err
	}
	s.TargetType = ScheduleTargetType(targetType)
	s.CronExpression = fromNull(cron)
	s.Timezone = fromNull(tz)
	s.Enabled = enabled != 0
	if interval.Valid {
		s.IntervalSeconds = int(interval.Int64)
	}
	if err := unmarshalJSON(params, &s.Params); err != nil {
		return nil, err
	}
	parseTimePtr(lastRun, &s.LastRunAt)
	parseTimePtr(nextRun, &s.NextRunAt)
	parseTimeVal(created, &s.CreatedAt)
	parseTimeVal(updated, &s.UpdatedAt)
	return &s, nil
}

// boolInt renders a bool as 0/1 for the shared integer boolean columns.
func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nullZeroInt renders 0 as NULL for optional integer columns.
func nullZeroInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
