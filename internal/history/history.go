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

// Package history persists workflow run history as the runner reports it.
package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/ryansmccoy/spine-core/internal/repo"
	"github.com/ryansmccoy/spine-core/internal/storage"
	"github.com/ryansmccoy/spine-core/pkg/workflow"
)

// Recorder writes runner callbacks into the core_workflow_* tables.
// Persistence failures are logged, never surfaced: history must not fail a
// run.
type Recorder struct {
	db     *storage.DB
	now    func() time.Time
	logger *slog.Logger
}

// New creates a recorder over db.
func New(db *storage.DB, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		db:     db,
		now:    time.Now,
		logger: logger.With(slog.String("component", "history")),
	}
}

// WithClock overrides the time source. Tests pass a virtual clock.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// RunStarted implements workflow.Recorder.
func (r *Recorder) RunStarted(ctx context.Context, result *workflow.Result) {
	runs := repo.NewWorkflowRunRepository(r.db)
	started := result.StartedAt
	err := runs.CreateRun(ctx, &repo.WorkflowRun{
		ID:           result.RunID,
		WorkflowName: result.Workflow,
		Status:       "RUNNING",
		StartedAt:    &started,
		CreatedAt:    r.now().UTC(),
	})
	if err != nil {
		r.logger.Error("failed to record run start",
			slog.String("run_id", result.RunID), slog.Any("error", err))
		return
	}
	if err := runs.AddEvent(ctx, result.RunID, "STARTED", started, nil); err != nil {
		r.logger.Error("failed to record run event",
			slog.String("run_id", result.RunID), slog.Any("error", err))
	}
}

// StepFinished implements workflow.Recorder.
func (r *Recorder) StepFinished(ctx context.Context, runID string, step *workflow.StepExecution) {
	started := step.StartedAt
	completed := step.CompletedAt
	err := repo.NewWorkflowRunRepository(r.db).AddStep(ctx, &repo.WorkflowStep{
		RunID:       runID,
		StepName:    step.Name,
		StepType:    string(step.Type),
		Status:      string(step.State),
		ExecutionID: step.ExecutionID,
		Output:      step.Output,
		Error:       step.Error,
		StartedAt:   &started,
		CompletedAt: &completed,
	})
	if err != nil {
		r.logger.Error("failed to record step",
			slog.String("run_id", runID),
			slog.String("step", step.Name), slog.Any("error", err))
	}
}

// RunFinished implements workflow.Recorder.
func (r *Recorder) RunFinished(ctx context.Context, result *workflow.Result) {
	runs := repo.NewWorkflowRunRepository(r.db)
	err := runs.FinishRun(ctx, result.RunID, string(result.Status),
		result.ErrorStep, result.Error, result.CompletedAt)
	if err != nil {
		r.logger.Error("failed to record run finish",
			slog.String("run_id", result.RunID), slog.Any("error", err))
		return
	}
	data := map[string]any{"status": string(result.Status)}
	if result.Error != "" {
		data["error"] = result.Error
	}
	if err := runs.AddEvent(ctx, result.RunID, "FINISHED", result.CompletedAt, data); err != nil {
		r.logger.Error("failed to record run event",
			slog.String("run_id", result.RunID), slog.Any("error", err))
	}
}
