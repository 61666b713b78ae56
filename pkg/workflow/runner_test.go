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

package workflow

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ryansmccoy/spine-core/pkg/errors"
)

func lambda(fn func(wc *Context, config map[string]any) (any, error)) LambdaFunc {
	return func(ctx context.Context, wc *Context, config map[string]any) (any, error) {
		return fn(wc, config)
	}
}

func TestSequentialRunner(t *testing.T) {
	runner := NewRunner(nil, nil, nil)
	ctx := context.Background()

	t.Run("happy path threads outputs", func(t *testing.T) {
		wf := &Workflow{Name: "seq", Steps: []Step{
			{Name: "a", Type: StepLambda, Handler: lambda(func(wc *Context, _ map[string]any) (any, error) {
				return map[string]any{"a": 1}, nil
			})},
			{Name: "b", Type: StepLambda, Handler: lambda(func(wc *Context, _ map[string]any) (any, error) {
				out, _ := wc.Output("a")
				return map[string]any{"b": out["a"].(int) + 1}, nil
			})},
		}}
		result, err := runner.Run(ctx, wf, RunOptions{})
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if result.Status != StatusCompleted {
			t.Fatalf("Status = %v, want COMPLETED", result.Status)
		}
		out, _ := result.Context.Output("b")
		if out["b"] != 2 {
			t.Errorf("b output = %v, want 2", out["b"])
		}
	})

	t.Run("stop policy fails workflow and skips rest", func(t *testing.T) {
		// S3: A -> B(fails) -> C with STOP.
		wf := &Workflow{Name: "stop", Policy: ExecutionPolicy{OnFailure: OnErrorStop}, Steps: []Step{
			{Name: "A", Type: StepLambda, Handler: lambda(func(*Context, map[string]any) (any, error) {
				return map[string]any{"ok": true}, nil
			})},
			{Name: "B", Type: StepLambda, Handler: lambda(func(*Context, map[string]any) (any, error) {
				return nil, fmt.Errorf("boom")
			})},
			{Name: "C", Type: StepLambda, Handler: lambda(func(*Context, map[string]any) (any, error) {
				return true, nil
			})},
		}}
		result, err := runner.Run(ctx, wf, RunOptions{})
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if result.Status != StatusFailed {
			t.Fatalf("Status = %v, want FAILED", result.Status)
		}
		if result.ErrorStep != "B" {
			t.Errorf("ErrorStep = %q, want B", result.ErrorStep)
		}
		if result.Error == "" || result.Error != "boom" {
			t.Errorf("Error = %q, want boom", result.Error)
		}
		if got := result.StepResultFor("A").State; got != StepCompleted {
			t.Errorf("A state = %v, want COMPLETED", got)
		}
		if got := result.StepResultFor("B").State; got != StepFailed {
			t.Errorf("B state = %v, want FAILED", got)
		}
		if got := result.StepResultFor("C").State; got != StepSkipped {
			t.Errorf("C state = %v, want SKIPPED", got)
		}
	})

	t.Run("continue policy yields partial", func(t *testing.T) {
		wf := &Workflow{Name: "cont", Policy: ExecutionPolicy{OnFailure: OnErrorContinue}, Steps: []Step{
			{Name: "a", Type: StepLambda, Handler: lambda(func(*Context, map[string]any) (any, error) {
				return true, nil
			})},
			{Name: "b", Type: StepLambda, Handler: lambda(func(*Context, map[string]any) (any, error) {
				return nil, fmt.Errorf("soft failure")
			})},
			{Name: "c", Type: StepLambda, Handler: lambda(func(*Context, map[string]any) (any, error) {
				return true, nil
			})},
		}}
		result, _ := runner.Run(ctx, wf, RunOptions{})
		if result.Status != StatusPartial {
			t.Fatalf("Status = %v, want PARTIAL", result.Status)
		}
		if got := result.StepResultFor("c").State; got != StepCompleted {
			t.Errorf("c state = %v, want COMPLETED (CONTINUE policy)", got)
		}
	})

	t.Run("choice fast-forwards past intermediate steps", func(t *testing.T) {
		var ranSkipped atomic.Bool
		wf := &Workflow{Name: "branch", Steps: []Step{
			{Name: "gate", Type: StepChoice, Condition: `params.go == true`,
				ThenStep: "target", ElseStep: "intermediate"},
			{Name: "intermediate", Type: StepLambda, Handler: lambda(func(*Context, map[string]any) (any, error) {
				ranSkipped.Store(true)
				return true, nil
			})},
			{Name: "target", Type: StepLambda, Handler: lambda(func(*Context, map[string]any) (any, error) {
				return map[string]any{"landed": true}, nil
			})},
		}}
		result, _ := runner.Run(ctx, wf, RunOptions{Params: map[string]any{"go": true}})
		if result.Status != StatusCompleted {
			t.Fatalf("Status = %v, want COMPLETED", result.Status)
		}
		if ranSkipped.Load() {
			t.Error("intermediate step ran despite branch")
		}
		if got := result.StepResultFor("intermediate").State; got != StepSkipped {
			t.Errorf("intermediate state = %v, want SKIPPED", got)
		}
	})

	t.Run("panic becomes internal failure", func(t *testing.T) {
		wf := &Workflow{Name: "panic", Steps: []Step{
			{Name: "bad", Type: StepLambda, Handler: lambda(func(*Context, map[string]any) (any, error) {
				panic("kaboom")
			})},
		}}
		result, _ := runner.Run(ctx, wf, RunOptions{})
		if result.Status != StatusFailed {
			t.Fatalf("Status = %v, want FAILED", result.Status)
		}
		step := result.StepResultFor("bad")
		if step.Category != errors.CategoryInternal {
			t.Errorf("Category = %v, want INTERNAL", step.Category)
		}
	})

	t.Run("map step fails explicitly", func(t *testing.T) {
		wf := &Workflow{Name: "map", Steps: []Step{{Name: "fan", Type: StepMap}}}
		result, _ := runner.Run(ctx, wf, RunOptions{})
		if result.Status != StatusFailed {
			t.Fatalf("Status = %v, want FAILED", result.Status)
		}
	})
}

func TestParallelDAGRunner(t *testing.T) {
	runner := NewRunner(nil, nil, nil)
	ctx := context.Background()

	t.Run("diamond respects dependency order", func(t *testing.T) {
		// S2: A -> (B, C) -> D with max_concurrency 2.
		var mu sync.Mutex
		order := []string{}
		record := func(name string) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}

		wf := &Workflow{
			Name:   "diamond",
			Policy: ExecutionPolicy{Mode: ModeParallel, MaxConcurrency: 2},
			Steps: []Step{
				{Name: "A", Type: StepLambda, Handler: lambda(func(*Context, map[string]any) (any, error) {
					record("A")
					return map[string]any{"a": 1}, nil
				})},
				{Name: "B", Type: StepLambda, DependsOn: []string{"A"},
					Handler: lambda(func(wc *Context, _ map[string]any) (any, error) {
						record("B")
						return map[string]any{"b": 2}, nil
					})},
				{Name: "C", Type: StepLambda, DependsOn: []string{"A"},
					Handler: lambda(func(wc *Context, _ map[string]any) (any, error) {
						record("C")
						return map[string]any{"c": 3}, nil
					})},
				{Name: "D", Type: StepLambda, DependsOn: []string{"B", "C"},
					Handler: lambda(func(wc *Context, _ map[string]any) (any, error) {
						record("D")
						b, _ := wc.Output("B")
						c, _ := wc.Output("C")
						return map[string]any{"d": b["b"].(int) + c["c"].(int)}, nil
					})},
			},
		}

		result, err := runner.Run(ctx, wf, RunOptions{})
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if result.Status != StatusCompleted {
			t.Fatalf("Status = %v, want COMPLETED", result.Status)
		}
		out, _ := result.Context.Output("D")
		if out["d"] != 5 {
			t.Errorf("D output = %v, want 5", out["d"])
		}

		pos := map[string]int{}
		for i, name := range order {
			pos[name] = i
		}
		if pos["A"] > pos["B"] || pos["A"] > pos["C"] {
			t.Errorf("A must start before B and C: %v", order)
		}
		if pos["D"] < pos["B"] || pos["D"] < pos["C"] {
			t.Errorf("D must start after B and C: %v", order)
		}
	})

	t.Run("failure skips dependents transitively", func(t *testing.T) {
		wf := &Workflow{
			Name:   "skip",
			Policy: ExecutionPolicy{Mode: ModeParallel, OnFailure: OnErrorContinue},
			Steps: []Step{
				{Name: "root", Type: StepLambda, Handler: lambda(func(*Context, map[string]any) (any, error) {
					return nil, fmt.Errorf("root failed")
				})},
				{Name: "mid", Type: StepLambda, DependsOn: []string{"root"},
					Handler: lambda(func(*Context, map[string]any) (any, error) { return true, nil })},
				{Name: "leaf", Type: StepLambda, DependsOn: []string{"mid"},
					Handler: lambda(func(*Context, map[string]any) (any, error) { return true, nil })},
				{Name: "free", Type: StepLambda,
					Handler: lambda(func(*Context, map[string]any) (any, error) { return true, nil })},
			},
		}
		result, _ := runner.Run(ctx, wf, RunOptions{})
		if result.Status != StatusPartial {
			t.Fatalf("Status = %v, want PARTIAL", result.Status)
		}
		if got := result.StepResultFor("mid").State; got != StepSkipped {
			t.Errorf("mid state = %v, want SKIPPED", got)
		}
		if got := result.StepResultFor("leaf").State; got != StepSkipped {
			t.Errorf("leaf state = %v, want SKIPPED", got)
		}
		if got := result.StepResultFor("free").State; got != StepCompleted {
			t.Errorf("free state = %v, want COMPLETED", got)
		}
	})

	t.Run("stop cancels remaining steps", func(t *testing.T) {
		wf := &Workflow{
			Name:   "halt",
			Policy: ExecutionPolicy{Mode: ModeParallel, OnFailure: OnErrorStop, MaxConcurrency: 1},
			Steps: []Step{
				{Name: "first", Type: StepLambda, Handler: lambda(func(*Context, map[string]any) (any, error) {
					return nil, fmt.Errorf("early failure")
				})},
				{Name: "second", Type: StepLambda, DependsOn: []string{"first"},
					Handler: lambda(func(*Context, map[string]any) (any, error) { return true, nil })},
			},
		}
		result, _ := runner.Run(ctx, wf, RunOptions{})
		if result.Status != StatusFailed {
			t.Fatalf("Status = %v, want FAILED", result.Status)
		}
		if got := result.StepResultFor("second").State; got != StepSkipped {
			t.Errorf("second state = %v, want SKIPPED", got)
		}
	})
}

func TestDryRun(t *testing.T) {
	var invoked atomic.Bool
	runnable := runnableFunc(func(ctx context.Context, name string, params map[string]any, parent, corr string) (*PipelineRunResult, error) {
		invoked.Store(true)
		return &PipelineRunResult{Status: "COMPLETED", RunID: "x"}, nil
	})
	runner := NewRunner(runnable, nil, nil)

	wf := &Workflow{Name: "dry", Steps: []Step{
		{Name: "p", Type: StepPipeline, Pipeline: "op"},
		{Name: "w", Type: StepWait, DurationSeconds: 30},
	}}

	start := time.Now()
	result, err := runner.Run(context.Background(), wf, RunOptions{DryRun: true})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Status != StatusCompleted {
		t.Fatalf("Status = %v, want COMPLETED", result.Status)
	}
	if invoked.Load() {
		t.Error("pipeline runnable invoked during dry run")
	}
	out, _ := result.Context.Output("p")
	if out["dry_run"] != true {
		t.Errorf("pipeline output = %v, want dry_run marker", out)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("wait step blocked during dry run")
	}
}

func TestStepTimeout(t *testing.T) {
	runner := NewRunner(nil, nil, nil)
	wf := &Workflow{
		Name:   "slow",
		Policy: ExecutionPolicy{TimeoutSeconds: 0.05},
		Steps: []Step{
			{Name: "sleepy", Type: StepLambda, Handler: lambda(func(*Context, map[string]any) (any, error) {
				time.Sleep(2 * time.Second)
				return true, nil
			})},
		},
	}
	result, _ := runner.Run(context.Background(), wf, RunOptions{})
	if result.Status != StatusFailed {
		t.Fatalf("Status = %v, want FAILED", result.Status)
	}
	step := result.StepResultFor("sleepy")
	if step.Category != errors.CategoryTimeout {
		t.Errorf("Category = %v, want TIMEOUT", step.Category)
	}
}

// runnableFunc adapts a function to the Runnable interface.
type runnableFunc func(ctx context.Context, name string, params map[string]any, parentRunID, correlationID string) (*PipelineRunResult, error)

func (f runnableFunc) SubmitPipelineSync(ctx context.Context, name string, params map[string]any, parentRunID, correlationID string) (*PipelineRunResult, error) {
	return f(ctx, name, params, parentRunID, correlationID)
}
