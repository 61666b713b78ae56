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

package registry

import (
	"context"
	"testing"

	"github.com/ryansmccoy/spine-core/pkg/errors"
	"github.com/ryansmccoy/spine-core/pkg/workflow"
)

func noop(ctx context.Context, oc OperationContext) (map[string]any, error) {
	return nil, nil
}

func TestOperationRegistry(t *testing.T) {
	r := New()

	if err := r.RegisterOperation(&Operation{Name: "b.op", Handler: noop}); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterOperation(&Operation{Name: "a.op", Handler: noop}); err != nil {
		t.Fatal(err)
	}

	t.Run("duplicate rejected", func(t *testing.T) {
		err := r.RegisterOperation(&Operation{Name: "a.op", Handler: noop})
		if errors.CategoryOf(err) != errors.CategoryConflict {
			t.Errorf("error = %v, want CONFLICT", err)
		}
	})

	t.Run("missing handler rejected", func(t *testing.T) {
		err := r.RegisterOperation(&Operation{Name: "broken"})
		if errors.CategoryOf(err) != errors.CategoryValidation {
			t.Errorf("error = %v, want VALIDATION", err)
		}
	})

	t.Run("lookup", func(t *testing.T) {
		op, err := r.Operation("a.op")
		if err != nil || op.Name != "a.op" {
			t.Fatalf("Operation() = %v, %v", op, err)
		}
		if _, err := r.Operation("ghost"); errors.CategoryOf(err) != errors.CategoryNotFound {
			t.Errorf("unknown lookup = %v, want NOT_FOUND", err)
		}
	})

	t.Run("names sorted", func(t *testing.T) {
		names := r.Operations()
		if len(names) != 2 || names[0] != "a.op" || names[1] != "b.op" {
			t.Errorf("Operations() = %v", names)
		}
	})
}

func TestWorkflowRegistry(t *testing.T) {
	r := New()
	wf := &workflow.Workflow{
		Name:  "etl",
		Steps: []workflow.Step{{Name: "only", Type: workflow.StepWait}},
	}

	if err := r.RegisterWorkflow(wf); err != nil {
		t.Fatal(err)
	}

	t.Run("invalid definition rejected", func(t *testing.T) {
		err := r.RegisterWorkflow(&workflow.Workflow{Name: "empty"})
		if errors.CategoryOf(err) != errors.CategoryValidation {
			t.Errorf("error = %v, want VALIDATION", err)
		}
	})

	t.Run("duplicate rejected", func(t *testing.T) {
		err := r.RegisterWorkflow(wf)
		if errors.CategoryOf(err) != errors.CategoryConflict {
			t.Errorf("error = %v, want CONFLICT", err)
		}
	})

	t.Run("lookup", func(t *testing.T) {
		got, err := r.Workflow("etl")
		if err != nil || got.Name != "etl" {
			t.Fatalf("Workflow() = %v, %v", got, err)
		}
	})
}
