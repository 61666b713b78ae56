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

package app

import (
	"context"
	"fmt"
	"testing"

	"github.com/ryansmccoy/spine-core/internal/config"
	"github.com/ryansmccoy/spine-core/internal/queue"
	"github.com/ryansmccoy/spine-core/internal/registry"
	"github.com/ryansmccoy/spine-core/internal/repo"
	"github.com/ryansmccoy/spine-core/pkg/workflow"
)

func newTestApp(t *testing.T, reg *registry.Registry) *App {
	t.Helper()
	a, err := New(context.Background(), config.Defaults(config.TierTest), reg, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestWorkerDrainsQueue(t *testing.T) {
	reg := registry.New()
	reg.RegisterOperation(&registry.Operation{
		Name: "load.week",
		Handler: func(ctx context.Context, oc registry.OperationContext) (map[string]any, error) {
			return map[string]any{"week": oc.Params["week"]}, nil
		},
	})
	a := newTestApp(t, reg)
	ctx := context.Background()

	item, _, err := a.Queue.Enqueue(ctx, queue.EnqueueRequest{
		Domain:       "finra",
		Workflow:     "load.week",
		PartitionKey: map[string]any{"week": "2026-02-27"},
	})
	if err != nil {
		t.Fatal(err)
	}

	ran, err := a.Worker.DrainOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ran != 1 {
		t.Fatalf("ran = %d, want 1", ran)
	}

	after, err := repo.NewWorkItemRepository(a.DB).GetByID(ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.State != repo.ItemComplete {
		t.Fatalf("State = %v, want COMPLETE", after.State)
	}
	if after.LatestExecutionID == "" {
		t.Fatal("no execution linked")
	}

	exec, err := a.Ledger.Get(ctx, after.LatestExecutionID)
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != repo.StatusCompleted {
		t.Errorf("execution status = %v", exec.Status)
	}
	if exec.TriggerSource != repo.TriggerInternal {
		t.Errorf("trigger = %v, want INTERNAL", exec.TriggerSource)
	}
}

func TestWorkerFailureEntersRetryWait(t *testing.T) {
	reg := registry.New()
	reg.RegisterOperation(&registry.Operation{
		Name: "always.fails",
		Handler: func(ctx context.Context, oc registry.OperationContext) (map[string]any, error) {
			return nil, fmt.Errorf("downstream offline")
		},
	})
	a := newTestApp(t, reg)
	ctx := context.Background()

	item, _, err := a.Queue.Enqueue(ctx, queue.EnqueueRequest{
		Domain:       "finra",
		Workflow:     "always.fails",
		PartitionKey: map[string]any{"week": "2026-02-27"},
		MaxAttempts:  3,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := a.Worker.DrainOnce(ctx); err != nil {
		t.Fatal(err)
	}

	after, _ := repo.NewWorkItemRepository(a.DB).GetByID(ctx, item.ID)
	if after.State != repo.ItemRetryWait {
		t.Fatalf("State = %v, want RETRY_WAIT", after.State)
	}
	if after.NextAttemptAt == nil {
		t.Fatal("NextAttemptAt not set")
	}
	if after.LastError == "" {
		t.Error("LastError not recorded")
	}
}

func TestSubmitScheduledOperation(t *testing.T) {
	reg := registry.New()
	reg.RegisterOperation(&registry.Operation{
		Name: "tick",
		Handler: func(ctx context.Context, oc registry.OperationContext) (map[string]any, error) {
			return map[string]any{"ok": true}, nil
		},
	})
	a := newTestApp(t, reg)

	execID, status, err := a.SubmitScheduled(context.Background(), &repo.Schedule{
		Name:       "s",
		TargetType: repo.TargetOperation,
		TargetName: "tick",
	})
	if err != nil {
		t.Fatal(err)
	}
	if status != repo.ScheduleRunCompleted || execID == "" {
		t.Errorf("status = %v execID = %q", status, execID)
	}
}

func TestSubmitScheduledWorkflow(t *testing.T) {
	reg := registry.New()
	reg.RegisterWorkflow(&workflow.Workflow{
		Name: "noop",
		Steps: []workflow.Step{
			{Name: "only", Type: workflow.StepLambda,
				Handler: func(ctx context.Context, wc *workflow.Context, config map[string]any) (any, error) {
					return map[string]any{"done": true}, nil
				}},
		},
	})
	a := newTestApp(t, reg)

	runID, status, err := a.SubmitScheduled(context.Background(), &repo.Schedule{
		Name:       "s",
		TargetType: repo.TargetWorkflow,
		TargetName: "noop",
	})
	if err != nil {
		t.Fatal(err)
	}
	if status != repo.ScheduleRunCompleted || runID == "" {
		t.Errorf("status = %v runID = %q", status, runID)
	}

	// The run history was persisted by the recorder.
	run, err := repo.NewWorkflowRunRepository(a.DB).GetRun(context.Background(), runID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != string(workflow.StatusCompleted) {
		t.Errorf("persisted status = %v", run.Status)
	}
	steps, _ := repo.NewWorkflowRunRepository(a.DB).ListSteps(context.Background(), runID)
	if len(steps) != 1 || steps[0].Status != string(workflow.StepCompleted) {
		t.Errorf("steps = %+v", steps)
	}
}
