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

// WorkflowRun is a persisted workflow run header.
type WorkflowRun struct {
	ID           string     `json:"id"`
	WorkflowName string     `json:"workflow_name"`
	Status       string     `json:"status"`
	Params       map[string]any `json:"params,omitempty"`
	DryRun       bool       `json:"dry_run"`
	ErrorStep    string     `json:"error_step,omitempty"`
	Error        string     `json:"error,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// WorkflowStep is one persisted step outcome within a run.
type WorkflowStep struct {
	ID          int64          `json:"id"`
	RunID       string         `json:"run_id"`
	StepName    string         `json:"step_name"`
	StepType    string         `json:"step_type"`
	Status      string         `json:"status"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// WorkflowRunRepository reads and writes the workflow run history tables.
type WorkflowRunRepository struct {
	q storage.Querier
}

// NewWorkflowRunRepository creates a repository over q.
func NewWorkflowRunRepository(q storage.Querier) *WorkflowRunRepository {
	return &WorkflowRunRepository{q: q}
}

// CreateRun inserts a run header.
func (r *WorkflowRunRepository) CreateRun(ctx context.Context, run *WorkflowRun) error {
	params, err := marshalJSON(run.Params)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO core_workflow_runs (id, workflow_name, status, params, dry_run,
			error_step, error, started_at, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowName, run.Status, params, boolInt(run.DryRun),
		nullString(run.ErrorStep), nullString(run.Error),
		timeArg(run.StartedAt), timeArg(run.CompletedAt),
		storage.FormatTime(run.CreatedAt))
	return err
}

// FinishRun records the terminal status of a run.
func (r *WorkflowRunRepository) FinishRun(ctx context.Context, id, status, errorStep, errMsg string, completedAt time.Time) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE core_workflow_runs SET status = ?, error_step = ?, error = ?, completed_at = ?
		WHERE id = ?`,
		status, nullString(errorStep), nullString(errMsg),
		storage.FormatTime(completedAt), id)
	return err
}

// GetRun returns one run header.
func (r *WorkflowRunRepository) GetRun(ctx context.Context, id string) (*WorkflowRun, error) {
	var (
		run                    WorkflowRun
		params                 sql.NullString
		errorStep, errMsg      sql.NullString
		started, completed     sql.NullString
		created                sql.NullString
		dryRun                 int
	)
	err := r.q.QueryRowContext(ctx, `
		SELECT id, workflow_name, status, params, dry_run, error_step, error,
			started_at, completed_at, created_at
		FROM core_workflow_runs WHERE id = ?`, id).
		Scan(&run.ID, &run.WorkflowName, &run.Status, &params, &dryRun,
			&errorStep, &errMsg, &started, &completed, &created)
	if err != nil {
		return nil, storage.Classify(err)
	}
	run.DryRun = dryRun != 0
	run.ErrorStep = fromNull(errorStep)
	run.Error = fromNull(errMsg)
	if err := unmarshalJSON(params, &run.Params); err != nil {
		return nil, err
	}
	parseTimePtr(started, &run.StartedAt)
	parseTimePtr(completed, &run.CompletedAt)
	parseTimeVal(created, &run.CreatedAt)
	return &run, nil
}

// ListRuns pages run headers newest first.
func (r *WorkflowRunRepository) ListRuns(ctx context.Context, workflowName string, limit, offset int) ([]*WorkflowRun, int, error) {
	w := &Where{}
	w.Eq("workflow_name", workflowName)
	where, args := w.Clause()

	total, err := countUnder(ctx, r.q, "core_workflow_runs", where, args)
	if err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, workflow_name, status, params, dry_run, error_step, error,
			started_at, completed_at, created_at
		FROM core_workflow_runs`+where+`
		ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*WorkflowRun
	for rows.Next() {
		var (
			run                WorkflowRun
			params             sql.NullString
			errorStep, errMsg  sql.NullString
			started, completed sql.NullString
			created            sql.NullString
			dryRun             int
		)
		if err := rows.Scan(&run.ID, &run.WorkflowName, &run.Status, &params, &dryRun,
			&errorStep, &errMsg, &started, &completed, &created); err != nil {
			return nil, 0, fmt.Errorf("failed to scan workflow run: %w", err)
		}
		run.DryRun = dryRun != 0
		run.ErrorStep = fromNull(errorStep)
		run.Error = fromNull(errMsg)
		if err := unmarshalJSON(params, &run.Params); err != nil {
			return nil, 0, err
		}
		parseTimePtr(started, &run.StartedAt)
		parseTimePtr(completed, &run.CompletedAt)
		parseTimeVal(created, &run.CreatedAt)
		out = append(out, &run)
	}
	return out, total, rows.Err()
}

// AddStep appends one step outcome.
func (r *WorkflowRunRepository) AddStep(ctx context.Context, st *WorkflowStep) error {
	output, err := marshalJSON(st.Output)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO core_workflow_steps (run_id, step_name, step_type, status,
			execution_id, output, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.RunID, st.StepName, st.StepType, st.Status,
		nullString(st.ExecutionID), output, nullString(st.Error),
		timeArg(st.StartedAt), timeArg(st.CompletedAt))
	return err
}

// ListSteps returns a run's step outcomes in completion order.
func (r *WorkflowRunRepository) ListSteps(ctx context.Context, runID string) ([]*WorkflowStep, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, run_id, step_name, step_type, status, execution_id, output, error,
			started_at, completed_at
		FROM core_workflow_steps
		WHERE run_id = ?
		ORDER BY id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WorkflowStep
	for rows.Next() {
		var (
			st                 WorkflowStep
			execID, output     sql.NullString
			errMsg             sql.NullString
			started, completed sql.NullString
		)
		if err := rows.Scan(&st.ID, &st.RunID, &st.StepName, &st.StepType, &st.Status,
			&execID, &output, &errMsg, &started, &completed); err != nil {
			return nil, fmt.Errorf("failed to scan workflow step: %w", err)
		}
		st.ExecutionID = fromNull(execID)
		st.Error = fromNull(errMsg)
		if err := unmarshalJSON(output, &st.Output); err != nil {
			return nil, err
		}
		parseTimePtr(started, &st.StartedAt)
		parseTimePtr(completed, &st.CompletedAt)
		out = append(out, &st)
	}
	return out, rows.Err()
}

// AddEvent appends a workflow-level event.
func (r *WorkflowRunRepository) AddEvent(ctx context.Context, runID, eventType string, timestamp time.Time, data map[string]any) error {
	payload, err := marshalJSON(data)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO core_workflow_events (run_id, event_type, timestamp, data)
		VALUES (?, ?, ?, ?)`,
		runID, eventType, storage.FormatTime(timestamp), payload)
	return err
}
