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

// Package registry holds the in-process catalogs of operations and
// workflows. Registration happens explicitly at bootstrap; lookups are
// O(1) and safe for concurrent use.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ryansmccoy/spine-core/pkg/errors"
	"github.com/ryansmccoy/spine-core/pkg/workflow"
)

// OperationContext is what a handler sees about its execution.
type OperationContext struct {
	// ExecutionID is the id of the execution running this handler.
	ExecutionID string

	// Params are the submission parameters.
	Params map[string]any

	// Progress reports a progress marker into the event log. The
	// dispatcher always sets it.
	Progress func(data map[string]any) error
}

// Handler is a single unit of work. The returned map is stored as the
// execution's result; an error marks the execution FAILED.
type Handler func(ctx context.Context, oc OperationContext) (map[string]any, error)

// Operation pairs a handler with its dispatch options.
type Operation struct {
	// Name is the unique operation name, e.g. "finra.ingest_weekly".
	Name string

	// Handler does the work.
	Handler Handler

	// LockKey, when set, serializes runs holding the same key.
	LockKey string

	// LockTTL bounds the lock's life. Zero uses the guard default.
	LockTTL time.Duration

	// Lane is the default routing lane for this operation.
	Lane string
}

// Registry is the process-wide catalog.
type Registry struct {
	mu         sync.RWMutex
	operations map[string]*Operation
	workflows  map[string]*workflow.Workflow
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		operations: make(map[string]*Operation),
		workflows:  make(map[string]*workflow.Workflow),
	}
}

// RegisterOperation adds an operation. Duplicate names are a conflict.
func (r *Registry) RegisterOperation(op *Operation) error {
	if op == nil || op.Name == "" {
		return &errors.ValidationError{Field: "name", Message: "operation name is required"}
	}
	if op.Handler == nil {
		return &errors.ValidationError{Field: "handler", Message: "operation handler is required"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.operations[op.Name]; exists {
		return &errors.ConflictError{Resource: "operation", Key: op.Name, Message: "already registered"}
	}
	r.operations[op.Name] = op
	return nil
}

// Operation looks up an operation by name.
func (r *Registry) Operation(name string) (*Operation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.operations[name]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "operation", ID: name}
	}
	return op, nil
}

// Operations returns registered operation names in order.
func (r *Registry) Operations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.operations))
	for name := range r.operations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterWorkflow adds a workflow definition. Duplicate names are a
// conflict; invalid definitions are rejected.
func (r *Registry) RegisterWorkflow(wf *workflow.Workflow) error {
	if wf == nil || wf.Name == "" {
		return &errors.ValidationError{Field: "name", Message: "workflow name is required"}
	}
	if err := wf.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workflows[wf.Name]; exists {
		return &errors.ConflictError{Resource: "workflow", Key: wf.Name, Message: "already registered"}
	}
	r.workflows[wf.Name] = wf
	return nil
}

// Workflow looks up a workflow definition by name.
func (r *Registry) Workflow(name string) (*workflow.Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.workflows[name]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: name}
	}
	return wf, nil
}

// Workflows returns registered workflow names in order.
func (r *Registry) Workflows() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
