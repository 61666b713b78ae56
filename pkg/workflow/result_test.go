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
	"testing"

	"github.com/ryansmccoy/spine-core/pkg/errors"
)

func TestResultFromValue(t *testing.T) {
	t.Run("nil becomes empty success", func(t *testing.T) {
		res := ResultFromValue(nil)
		if !res.Success {
			t.Fatal("expected success")
		}
		if len(res.Output) != 0 {
			t.Errorf("Output = %v, want empty", res.Output)
		}
	})

	t.Run("true becomes success", func(t *testing.T) {
		if res := ResultFromValue(true); !res.Success {
			t.Fatal("expected success")
		}
	})

	t.Run("false becomes failure", func(t *testing.T) {
		res := ResultFromValue(false)
		if res.Success {
			t.Fatal("expected failure")
		}
		if res.Category != errors.CategoryInternal {
			t.Errorf("Category = %v, want INTERNAL", res.Category)
		}
	})

	t.Run("string becomes message", func(t *testing.T) {
		res := ResultFromValue("done")
		if !res.Success || res.Output["message"] != "done" {
			t.Fatalf("unexpected result %+v", res)
		}
	})

	t.Run("number becomes value", func(t *testing.T) {
		res := ResultFromValue(42)
		if !res.Success || res.Output["value"] != 42 {
			t.Fatalf("unexpected result %+v", res)
		}
	})

	t.Run("map becomes output", func(t *testing.T) {
		res := ResultFromValue(map[string]any{"rows": 7})
		if !res.Success || res.Output["rows"] != 7 {
			t.Fatalf("unexpected result %+v", res)
		}
	})

	t.Run("error becomes categorized failure", func(t *testing.T) {
		res := ResultFromValue(&errors.TimeoutError{Operation: "load"})
		if res.Success {
			t.Fatal("expected failure")
		}
		if res.Category != errors.CategoryTimeout {
			t.Errorf("Category = %v, want TIMEOUT", res.Category)
		}
	})

	t.Run("coercion is idempotent", func(t *testing.T) {
		first := ResultFromValue(map[string]any{"a": 1})
		second := ResultFromValue(first)
		if first != second {
			t.Error("re-coercing a *StepResult should return it unchanged")
		}
	})
}

func TestWorkflowRoundTrip(t *testing.T) {
	wf := &Workflow{
		Name:        "etl.weekly",
		Description: "weekly load",
		Steps: []Step{
			{Name: "extract", Type: StepPipeline, Pipeline: "finra.extract"},
			{Name: "gate", Type: StepChoice, Condition: `params.tier == "OTC"`,
				ThenStep: "load", ElseStep: "pause", DependsOn: []string{"extract"}},
			{Name: "pause", Type: StepWait, DurationSeconds: 5},
			{Name: "load", Type: StepPipeline, Pipeline: "finra.load",
				OnError: OnErrorContinue, Config: map[string]any{"batch": "weekly"}},
		},
		Policy: ExecutionPolicy{Mode: ModeParallel, MaxConcurrency: 2, OnFailure: OnErrorContinue},
		Defaults: map[string]any{"tier": "OTC"},
	}

	m, err := wf.ToMap()
	if err != nil {
		t.Fatalf("ToMap() error = %v", err)
	}
	back, err := FromMap(m)
	if err != nil {
		t.Fatalf("FromMap() error = %v", err)
	}
	m2, err := back.ToMap()
	if err != nil {
		t.Fatalf("second ToMap() error = %v", err)
	}

	if len(back.Steps) != len(wf.Steps) {
		t.Fatalf("steps = %d, want %d", len(back.Steps), len(wf.Steps))
	}
	if back.Name != wf.Name || back.Policy.MaxConcurrency != 2 {
		t.Errorf("round trip lost fields: %+v", back)
	}
	if len(m2) != len(m) {
		t.Errorf("second render has %d keys, first %d", len(m2), len(m))
	}
}

func TestWorkflowValidate(t *testing.T) {
	t.Run("duplicate step names rejected", func(t *testing.T) {
		wf := &Workflow{Name: "w", Steps: []Step{
			{Name: "a", Type: StepWait},
			{Name: "a", Type: StepWait},
		}}
		if err := wf.Validate(); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("unknown dependency rejected", func(t *testing.T) {
		wf := &Workflow{Name: "w", Steps: []Step{
			{Name: "a", Type: StepWait, DependsOn: []string{"ghost"}},
		}}
		if err := wf.Validate(); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("dependency cycle rejected", func(t *testing.T) {
		wf := &Workflow{Name: "w", Steps: []Step{
			{Name: "a", Type: StepWait, DependsOn: []string{"b"}},
			{Name: "b", Type: StepWait, DependsOn: []string{"a"}},
		}}
		if err := wf.Validate(); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("pipeline step requires operation", func(t *testing.T) {
		wf := &Workflow{Name: "w", Steps: []Step{{Name: "p", Type: StepPipeline}}}
		if err := wf.Validate(); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestContextCopyOnWrite(t *testing.T) {
	base := NewContext("run-1", "wf", map[string]any{"k": "v"}, nil, false)

	next := base.WithOutput("a", map[string]any{"rows": 10})
	if _, ok := base.Output("a"); ok {
		t.Error("base snapshot should not see the new output")
	}
	if out, ok := next.Output("a"); !ok || out["rows"] != 10 {
		t.Errorf("next snapshot missing output: %v", out)
	}

	updated := next.WithParams(map[string]any{"k": "v2", "extra": 1})
	if v, _ := next.Param("k"); v != "v" {
		t.Error("prior snapshot params mutated")
	}
	if v, _ := updated.Param("k"); v != "v2" {
		t.Error("updated snapshot missing new param")
	}
}
