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

// Package app wires the platform together: storage, ledger, guard, queue,
// dead letters, dispatcher, workflow runner, and scheduler.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ryansmccoy/spine-core/internal/config"
	"github.com/ryansmccoy/spine-core/internal/dispatch"
	"github.com/ryansmccoy/spine-core/internal/dlq"
	"github.com/ryansmccoy/spine-core/internal/guard"
	"github.com/ryansmccoy/spine-core/internal/history"
	"github.com/ryansmccoy/spine-core/internal/ledger"
	"github.com/ryansmccoy/spine-core/internal/metrics"
	"github.com/ryansmccoy/spine-core/internal/queue"
	"github.com/ryansmccoy/spine-core/internal/registry"
	"github.com/ryansmccoy/spine-core/internal/repo"
	"github.com/ryansmccoy/spine-core/internal/scheduler"
	"github.com/ryansmccoy/spine-core/internal/storage"
	"github.com/ryansmccoy/spine-core/pkg/workflow"
)

// App holds the wired platform services.
type App struct {
	Settings   config.Settings
	DB         *storage.DB
	Registry   *registry.Registry
	Ledger     *ledger.Ledger
	Guard      *guard.Guard
	DLQ        *dlq.Manager
	Queue      *queue.Queue
	Worker     *queue.Worker
	Dispatcher *dispatch.Dispatcher
	Runner     *workflow.Runner
	Scheduler  *scheduler.Scheduler
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// New opens storage, applies the schema, and wires every service. The
// registry is the caller's: operations and workflows are registered at
// bootstrap before anything dispatches.
func New(ctx context.Context, settings config.Settings, reg *registry.Registry, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = registry.New()
	}

	db, err := storage.Open(ctx, storage.Config{
		URL:          settings.DatabaseURL,
		MaxOpenConns: settings.PoolSize,
	})
	if err != nil {
		return nil, err
	}
	if err := storage.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	m := metrics.New()
	led := ledger.New(db, logger)
	g := guard.New(db, logger)
	letters := dlq.New(db, logger)

	var sink queue.DeadLetterSink
	var execSink dispatch.DeadLetterSink
	if settings.EnableDLQ {
		sink = letters
		execSink = letters
	}
	q := queue.New(db, sink, logger)

	disp := dispatch.New(dispatch.Config{
		Registry: reg,
		Ledger:   led,
		Guard:    g,
		DLQ:      execSink,
		Metrics:  m,
		Logger:   logger,
	})

	runner := workflow.NewRunner(disp, history.New(db, logger), logger)

	a := &App{
		Settings:   settings,
		DB:         db,
		Registry:   reg,
		Ledger:     led,
		Guard:      g,
		DLQ:        letters,
		Queue:      q,
		Dispatcher: disp,
		Runner:     runner,
		Metrics:    m,
		Logger:     logger,
	}

	a.Worker = queue.NewWorker(q, a, 2, logger)

	a.Scheduler = scheduler.New(scheduler.Config{
		DB:           db,
		Submitter:    a,
		Counter:      repo.NewExecutionRepository(db),
		Metrics:      m,
		TickInterval: time.Duration(settings.SchedulerTickSeconds) * time.Second,
		Logger:       logger,
	})

	return a, nil
}

// RunWorkflow executes a registered workflow by name.
func (a *App) RunWorkflow(ctx context.Context, name string, params map[string]any, dryRun bool) (*workflow.Result, error) {
	wf, err := a.Registry.Workflow(name)
	if err != nil {
		return nil, err
	}
	return a.Runner.Run(ctx, wf, workflow.RunOptions{
		Params: params,
		DryRun: dryRun,
	})
}

// SubmitScheduled satisfies scheduler.Submitter: due schedules dispatch
// operations through the dispatcher and workflows through the runner.
func (a *App) SubmitScheduled(ctx context.Context, s *repo.Schedule) (string, repo.ScheduleRunStatus, error) {
	switch s.TargetType {
	case repo.TargetOperation:
		exec, err := a.Dispatcher.Submit(ctx, dispatch.SubmitRequest{
			Name:          s.TargetName,
			Params:        s.Params,
			TriggerSource: repo.TriggerSchedule,
		})
		if err != nil {
			return "", repo.ScheduleRunFailed, err
		}
		status := repo.ScheduleRunCompleted
		if exec.Status != repo.StatusCompleted {
			status = repo.ScheduleRunFailed
		}
		return exec.ID, status, nil

	case repo.TargetWorkflow:
		result, err := a.RunWorkflow(ctx, s.TargetName, s.Params, false)
		if err != nil {
			return "", repo.ScheduleRunFailed, err
		}
		status := repo.ScheduleRunCompleted
		if result.Status == workflow.StatusFailed || result.Status == workflow.StatusCancelled {
			status = repo.ScheduleRunFailed
		}
		return result.RunID, status, nil

	default:
		return "", repo.ScheduleRunFailed,
			fmt.Errorf("schedule %q has unknown target type %q", s.Name, s.TargetType)
	}
}

// RunWorkItem satisfies queue.ItemRunner: a claimed item dispatches its
// workflow with the partition key as params. The queue owns the retry
// budget, so the submission carries no retry count of its own.
func (a *App) RunWorkItem(ctx context.Context, item *repo.WorkItem) (string, error) {
	exec, err := a.Dispatcher.Submit(ctx, dispatch.SubmitRequest{
		Name:          item.Workflow,
		Params:        item.PartitionKey,
		TriggerSource: repo.TriggerInternal,
	})
	if err != nil {
		return "", err
	}
	if exec.Status != repo.StatusCompleted {
		return exec.ID, fmt.Errorf("execution %s ended %s: %s", exec.ID, exec.Status, exec.Error)
	}
	return exec.ID, nil
}

// Close releases the database.
func (a *App) Close() error {
	return a.DB.Close()
}
