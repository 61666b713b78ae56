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

package dispatch

import (
	"context"
	"fmt"
	"testing"

	"github.com/ryansmccoy/spine-core/internal/dlq"
	"github.com/ryansmccoy/spine-core/internal/guard"
	"github.com/ryansmccoy/spine-core/internal/ledger"
	"github.com/ryansmccoy/spine-core/internal/registry"
	"github.com/ryansmccoy/spine-core/internal/repo"
	"github.com/ryansmccoy/spine-core/internal/storage"
	"github.com/ryansmccoy/spine-core/pkg/errors"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *registry.Registry, *ledger.Ledger, *dlq.Manager) {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Open(ctx, storage.Config{URL: ":memory:"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(ctx, db); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	reg := registry.New()
	led := ledger.New(db, nil)
	letters := dlq.New(db, nil)
	d := New(Config{
		Registry: reg,
		Ledger:   led,
		Guard:    guard.New(db, nil),
		DLQ:      letters,
	})
	return d, reg, led, letters
}

func TestSubmitHappyPath(t *testing.T) {
	// S1: echo returns its params; event log is CREATED, STARTED,
	// COMPLETED.
	d, reg, led, _ := newTestDispatcher(t)
	ctx := context.Background()

	reg.RegisterOperation(&registry.Operation{
		Name: "echo",
		Handler: func(ctx context.Context, oc registry.OperationContext) (map[string]any, error) {
			return map[string]any{"msg": oc.Params["msg"]}, nil
		},
	})

	exec, err := d.Submit(ctx, SubmitRequest{
		Name:          "echo",
		Params:        map[string]any{"msg": "hi"},
		TriggerSource: repo.TriggerAPI,
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if exec.Status != repo.StatusCompleted {
		t.Fatalf("Status = %v, want COMPLETED", exec.Status)
	}
	if exec.Result["msg"] != "hi" {
		t.Errorf("Result = %v, want msg=hi", exec.Result)
	}

	events, err := led.Events(ctx, exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	want := []repo.EventType{repo.EventCreated, repo.EventStarted, repo.EventCompleted}
	for i, ev := range events {
		if ev.EventType != want[i] {
			t.Errorf("event[%d] = %v, want %v", i, ev.EventType, want[i])
		}
	}
}

func TestSubmitUnknownOperation(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)
	_, err := d.Submit(context.Background(), SubmitRequest{Name: "ghost"})
	if errors.CategoryOf(err) != errors.CategoryNotFound {
		t.Errorf("error = %v, want NOT_FOUND", err)
	}
}

func TestSubmitHandlerFailure(t *testing.T) {
	d, reg, _, _ := newTestDispatcher(t)
	reg.RegisterOperation(&registry.Operation{
		Name: "bad",
		Handler: func(ctx context.Context, oc registry.OperationContext) (map[string]any, error) {
			return nil, fmt.Errorf("handler exploded")
		},
	})

	exec, err := d.Submit(context.Background(), SubmitRequest{Name: "bad"})
	if err != nil {
		t.Fatalf("Submit() error = %v (handler failures are recorded, not returned)", err)
	}
	if exec.Status != repo.StatusFailed {
		t.Fatalf("Status = %v, want FAILED", exec.Status)
	}
	if exec.Error != "handler exploded" {
		t.Errorf("Error = %q", exec.Error)
	}
}

func TestSubmitHandlerPanic(t *testing.T) {
	d, reg, _, _ := newTestDispatcher(t)
	reg.RegisterOperation(&registry.Operation{
		Name: "panicky",
		Handler: func(ctx context.Context, oc registry.OperationContext) (map[string]any, error) {
			panic("wild pointer")
		},
	})

	exec, err := d.Submit(context.Background(), SubmitRequest{Name: "panicky"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if exec.Status != repo.StatusFailed {
		t.Fatalf("Status = %v, want FAILED", exec.Status)
	}
}

func TestSubmitIdempotency(t *testing.T) {
	// S5 via the dispatcher: same key twice returns the same run and the
	// cached result, one row total.
	d, reg, led, _ := newTestDispatcher(t)
	ctx := context.Background()

	calls := 0
	reg.RegisterOperation(&registry.Operation{
		Name: "once",
		Handler: func(ctx context.Context, oc registry.OperationContext) (map[string]any, error) {
			calls++
			return map[string]any{"n": float64(calls)}, nil
		},
	})

	first, err := d.Submit(ctx, SubmitRequest{Name: "once", IdempotencyKey: "k1"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := d.Submit(ctx, SubmitRequest{Name: "once", IdempotencyKey: "k1"})
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Fatalf("run ids differ: %s vs %s", first.ID, second.ID)
	}
	if calls != 1 {
		t.Errorf("handler ran %d times, want 1", calls)
	}
	if second.Result["n"] != float64(1) {
		t.Errorf("cached result = %v", second.Result)
	}

	_, total, _ := led.List(ctx, repo.ListFilter{Workflow: "once"})
	if total != 1 {
		t.Errorf("rows = %d, want 1", total)
	}
}

func TestLockContention(t *testing.T) {
	// S6: two overlapping runs of an exclusive operation; the second ends
	// CANCELLED with LOCK_CONTENTION, a later one succeeds.
	d, reg, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	reg.RegisterOperation(&registry.Operation{
		Name:    "exclusive",
		LockKey: "k",
		Handler: func(ctx context.Context, oc registry.OperationContext) (map[string]any, error) {
			select {
			case <-entered:
			default:
				close(entered)
			}
			<-release
			return map[string]any{"done": true}, nil
		},
	})

	type outcome struct {
		exec *repo.Execution
		err  error
	}
	firstCh := make(chan outcome, 1)
	go func() {
		exec, err := d.Submit(ctx, SubmitRequest{Name: "exclusive"})
		firstCh <- outcome{exec, err}
	}()

	<-entered

	blocked, err := d.Submit(ctx, SubmitRequest{Name: "exclusive"})
	var contention *errors.LockContentionError
	if !errors.As(err, &contention) {
		t.Fatalf("second submit error = %v, want LockContentionError", err)
	}
	if blocked.Status != repo.StatusCancelled {
		t.Fatalf("blocked Status = %v, want CANCELLED", blocked.Status)
	}

	close(release)
	first := <-firstCh
	if first.err != nil {
		t.Fatal(first.err)
	}
	if first.exec.Status != repo.StatusCompleted {
		t.Fatalf("first Status = %v, want COMPLETED", first.exec.Status)
	}

	// With the lock released a fresh submission succeeds.
	third, err := d.Submit(ctx, SubmitRequest{Name: "exclusive"})
	if err != nil {
		t.Fatal(err)
	}
	if third.Status != repo.StatusCompleted {
		t.Fatalf("third Status = %v, want COMPLETED", third.Status)
	}
}

func TestRetryLineage(t *testing.T) {
	d, reg, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	attempts := 0
	reg.RegisterOperation(&registry.Operation{
		Name: "flaky",
		Handler: func(ctx context.Context, oc registry.OperationContext) (map[string]any, error) {
			attempts++
			if attempts == 1 {
				return nil, fmt.Errorf("transient")
			}
			return map[string]any{"ok": true}, nil
		},
	})

	failed, _ := d.Submit(ctx, SubmitRequest{Name: "flaky"})
	if failed.Status != repo.StatusFailed {
		t.Fatalf("Status = %v", failed.Status)
	}

	retried, err := d.Retry(ctx, failed.ID)
	if err != nil {
		t.Fatal(err)
	}
	if retried.Status != repo.StatusCompleted {
		t.Fatalf("retry Status = %v", retried.Status)
	}
	if retried.ParentExecutionID != failed.ID {
		t.Errorf("ParentExecutionID = %q, want %q", retried.ParentExecutionID, failed.ID)
	}
	if retried.TriggerSource != repo.TriggerRetry {
		t.Errorf("TriggerSource = %v, want RETRY", retried.TriggerSource)
	}
	if retried.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", retried.RetryCount)
	}
}

func TestExhaustedRetriesFeedDLQ(t *testing.T) {
	d, reg, _, letters := newTestDispatcher(t)
	ctx := context.Background()

	reg.RegisterOperation(&registry.Operation{
		Name: "doomed",
		Handler: func(ctx context.Context, oc registry.OperationContext) (map[string]any, error) {
			return nil, fmt.Errorf("always fails")
		},
	})

	// RetryCount 2 means this is the third attempt of the logical job;
	// with the default budget of 3 its failure is terminal.
	exec, err := d.Submit(ctx, SubmitRequest{Name: "doomed", RetryCount: 2})
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != repo.StatusFailed {
		t.Fatalf("Status = %v", exec.Status)
	}

	dead, total, err := letters.ListUnresolved(ctx, "doomed", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 {
		t.Fatalf("dead letters = %d, want 1", total)
	}
	if dead[0].ExecutionID != exec.ID {
		t.Errorf("dead letter execution = %q, want %q", dead[0].ExecutionID, exec.ID)
	}
}

func TestSubmitPipelineSync(t *testing.T) {
	d, reg, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	reg.RegisterOperation(&registry.Operation{
		Name: "stage",
		Handler: func(ctx context.Context, oc registry.OperationContext) (map[string]any, error) {
			return map[string]any{"rows": float64(7)}, nil
		},
	})

	prr, err := d.SubmitPipelineSync(ctx, "stage", map[string]any{"x": 1}, "parent-run", "parent-run")
	if err != nil {
		t.Fatal(err)
	}
	if prr.Status != string(repo.StatusCompleted) {
		t.Fatalf("Status = %v", prr.Status)
	}
	if prr.Metrics["rows"] != float64(7) {
		t.Errorf("Metrics = %v", prr.Metrics)
	}
	if prr.StartedAt.IsZero() || prr.CompletedAt.IsZero() {
		t.Error("timestamps not populated")
	}
	if prr.CompletedAt.Before(prr.StartedAt) {
		t.Error("CompletedAt before StartedAt")
	}
}

func TestDLQReplayContinuesRetryCount(t *testing.T) {
	d, reg, _, letters := newTestDispatcher(t)
	ctx := context.Background()

	reg.RegisterOperation(&registry.Operation{
		Name: "revivable",
		Handler: func(ctx context.Context, oc registry.OperationContext) (map[string]any, error) {
			return map[string]any{"ok": true}, nil
		},
	})

	// Seed a dead letter directly, as the queue would after exhaustion.
	err := letters.Capture(ctx, &repo.WorkItem{
		Workflow:          "revivable",
		PartitionKey:      map[string]any{"week": "2026-02-27"},
		AttemptCount:      3,
		MaxAttempts:       3,
		LatestExecutionID: "old-exec",
	}, "exhausted")
	if err != nil {
		t.Fatal(err)
	}
	dead, _, _ := letters.ListUnresolved(ctx, "", 10, 0)

	execID, err := letters.Replay(ctx, dead[0].ID, d)
	if err != nil {
		t.Fatal(err)
	}
	exec, err := d.ledger.Get(ctx, execID)
	if err != nil {
		t.Fatal(err)
	}
	if exec.RetryCount != 3 {
		t.Errorf("RetryCount = %d, want 3 (continues from prior)", exec.RetryCount)
	}
	if exec.TriggerSource != repo.TriggerRetry {
		t.Errorf("TriggerSource = %v, want RETRY", exec.TriggerSource)
	}

	replayed, _ := letters.Get(ctx, dead[0].ID)
	if replayed.ReplayCount != 1 {
		t.Errorf("ReplayCount = %d, want 1", replayed.ReplayCount)
	}

	if err := letters.Resolve(ctx, dead[0].ID, "oncall"); err != nil {
		t.Fatal(err)
	}
	if _, total, _ := letters.ListUnresolved(ctx, "", 10, 0); total != 0 {
		t.Errorf("unresolved = %d, want 0", total)
	}
}
