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

// Package workflow defines the workflow data model (workflows, steps, step
// results, execution context) and the runner that executes them
// sequentially or as a parallel DAG.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ryansmccoy/spine-core/pkg/errors"
)

// StepType discriminates the step variants.
type StepType string

const (
	// StepLambda runs an inline handler function.
	StepLambda StepType = "lambda"
	// StepPipeline dispatches a registered operation through the runnable.
	StepPipeline StepType = "pipeline"
	// StepChoice evaluates a predicate and branches.
	StepChoice StepType = "choice"
	// StepWait pauses for a fixed duration.
	StepWait StepType = "wait"
	// StepMap is declared for fan-out but not executable in this tier.
	StepMap StepType = "map"
)

// OnError selects a step's failure policy.
type OnError string

const (
	// OnErrorStop ends the workflow on this step's failure.
	OnErrorStop OnError = "STOP"
	// OnErrorContinue records the failure and keeps going.
	OnErrorContinue OnError = "CONTINUE"
)

// Mode selects how a workflow's steps are ordered.
type Mode string

const (
	// ModeSequential runs steps in declared order.
	ModeSequential Mode = "SEQUENTIAL"
	// ModeParallel runs steps as a dependency DAG on a worker pool.
	ModeParallel Mode = "PARALLEL"
)

// DefaultMaxConcurrency bounds the parallel DAG worker pool when the
// policy does not choose one.
const DefaultMaxConcurrency = 4

// LambdaFunc is an inline step handler. The returned value is coerced into
// a StepResult; see ResultFromValue. Panics become failed results with
// category INTERNAL.
type LambdaFunc func(ctx context.Context, wc *Context, config map[string]any) (any, error)

// Predicate decides a Choice branch from the current context.
type Predicate func(wc *Context) (bool, error)

// Step is one node of a workflow. Exactly one variant is active, selected
// by Type; the serialisable configuration travels in the exported fields
// and Config.
type Step struct {
	// Name uniquely identifies the step within its workflow.
	Name string `json:"name" yaml:"name"`

	// Type selects the variant.
	Type StepType `json:"step_type" yaml:"step_type"`

	// DependsOn lists step names that must complete first.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`

	// OnError is the failure policy for this step. Empty means the
	// workflow's OnFailure policy, or STOP when that is also empty.
	OnError OnError `json:"on_error,omitempty" yaml:"on_error,omitempty"`

	// Config carries variant-specific settings, merged into pipeline
	// params and passed to lambda handlers.
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`

	// Pipeline is the registered operation name (pipeline steps).
	Pipeline string `json:"pipeline,omitempty" yaml:"pipeline,omitempty"`

	// Condition is an expression evaluated against the context (choice
	// steps). ThenStep/ElseStep name the branch targets.
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
	ThenStep  string `json:"then_step,omitempty" yaml:"then_step,omitempty"`
	ElseStep  string `json:"else_step,omitempty" yaml:"else_step,omitempty"`

	// DurationSeconds is the pause length (wait steps).
	DurationSeconds float64 `json:"duration_seconds,omitempty" yaml:"duration_seconds,omitempty"`

	// Handler is the inline function (lambda steps). Not serialisable;
	// declarative definitions resolve handlers by name at registration.
	Handler LambdaFunc `json:"-" yaml:"-"`

	// Predicate overrides Condition with a compiled predicate (lambda
	// registrations). Not serialisable.
	Predicate Predicate `json:"-" yaml:"-"`
}

// ExecutionPolicy controls workflow-level execution behavior.
type ExecutionPolicy struct {
	// Mode selects sequential or parallel execution. The parallel DAG
	// algorithm only engages when at least one step declares depends_on.
	Mode Mode `json:"mode,omitempty" yaml:"mode,omitempty"`

	// MaxConcurrency bounds the parallel worker pool. Zero means the
	// default of 4.
	MaxConcurrency int `json:"max_concurrency,omitempty" yaml:"max_concurrency,omitempty"`

	// TimeoutSeconds is the per-step deadline. Zero means no deadline.
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`

	// OnFailure is the workflow-wide failure policy; per-step OnError
	// overrides it.
	OnFailure OnError `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`
}

// Workflow is a named DAG of steps.
type Workflow struct {
	// Name uniquely identifies the workflow, e.g. "finra.weekly_etl".
	Name string `json:"name" yaml:"name"`

	// Description is shown in listings.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Steps run in declared order (sequential) or DAG order (parallel).
	Steps []Step `json:"steps" yaml:"steps"`

	// Policy controls mode, concurrency, timeouts, and failure handling.
	Policy ExecutionPolicy `json:"execution_policy,omitempty" yaml:"execution_policy,omitempty"`

	// Defaults are merged under the submission params.
	Defaults map[string]any `json:"defaults,omitempty" yaml:"defaults,omitempty"`
}

// Validate checks structural invariants: unique step names, known types,
// and dependencies that reference declared steps.
func (w *Workflow) Validate() error {
	if w.Name == "" {
		return &errors.ValidationError{Field: "name", Message: "workflow name is required"}
	}
	if len(w.Steps) == 0 {
		return &errors.ValidationError{Field: "steps", Message: "workflow requires at least one step"}
	}

	names := make(map[string]bool, len(w.Steps))
	for _, s := range w.Steps {
		if s.Name == "" {
			return &errors.ValidationError{Field: "steps", Message: "every step requires a name"}
		}
		if names[s.Name] {
			return &errors.ValidationError{Field: "steps",
				Message: fmt.Sprintf("duplicate step name %q", s.Name)}
		}
		names[s.Name] = true

		switch s.Type {
		case StepLambda, StepPipeline, StepChoice, StepWait, StepMap:
		default:
			return &errors.ValidationError{Field: "step_type",
				Message: fmt.Sprintf("step %q has unknown type %q", s.Name, s.Type)}
		}
		if s.Type == StepPipeline && s.Pipeline == "" {
			return &errors.ValidationError{Field: "pipeline",
				Message: fmt.Sprintf("pipeline step %q requires an operation name", s.Name)}
		}
	}

	for _, s := range w.Steps {
		for _, dep := range s.DependsOn {
			if !names[dep] {
				return &errors.ValidationError{Field: "depends_on",
					Message: fmt.Sprintf("step %q depends on unknown step %q", s.Name, dep)}
			}
		}
		if s.Type == StepChoice {
			if s.ThenStep != "" && !names[s.ThenStep] {
				return &errors.ValidationError{Field: "then_step",
					Message: fmt.Sprintf("choice step %q targets unknown step %q", s.Name, s.ThenStep)}
			}
			if s.ElseStep != "" && !names[s.ElseStep] {
				return &errors.ValidationError{Field: "else_step",
					Message: fmt.Sprintf("choice step %q targets unknown step %q", s.Name, s.ElseStep)}
			}
		}
	}

	if err := w.checkCycles(); err != nil {
		return err
	}
	return nil
}

// checkCycles rejects dependency cycles with a depth-first walk.
func (w *Workflow) checkCycles() error {
	deps := make(map[string][]string, len(w.Steps))
	for _, s := range w.Steps {
		deps[s.Name] = s.DependsOn
	}

	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(deps))

	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case grey:
			return &errors.ValidationError{Field: "depends_on",
				Message: fmt.Sprintf("dependency cycle through step %q", name)}
		case black:
			return nil
		}
		color[name] = grey
		for _, dep := range deps[name] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[name] = black
		return nil
	}

	for _, s := range w.Steps {
		if err := visit(s.Name); err != nil {
			return err
		}
	}
	return nil
}

// Step returns the named step, or nil.
func (w *Workflow) Step(name string) *Step {
	for i := range w.Steps {
		if w.Steps[i].Name == name {
			return &w.Steps[i]
		}
	}
	return nil
}

// usesDAG reports whether the parallel DAG algorithm applies.
func (w *Workflow) usesDAG() bool {
	if w.Policy.Mode != ModeParallel {
		return false
	}
	for _, s := range w.Steps {
		if len(s.DependsOn) > 0 {
			return true
		}
	}
	return false
}

// ToMap renders the declarative fields as a plain map. Inline handlers do
// not serialise.
func (w *Workflow) ToMap() (map[string]any, error) {
	b, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal workflow: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// FromMap parses a workflow from a plain map. ToMap then FromMap is
// identity for declarative workflows.
func FromMap(m map[string]any) (*Workflow, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var w Workflow
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, &errors.ValidationError{Field: "workflow", Message: err.Error()}
	}
	return &w, nil
}

// Status is the terminal state of a workflow run.
type Status string

const (
	// StatusCompleted means every step succeeded.
	StatusCompleted Status = "COMPLETED"
	// StatusPartial means some steps completed while others failed or
	// were skipped under a CONTINUE policy.
	StatusPartial Status = "PARTIAL"
	// StatusFailed means the run ended on a failure.
	StatusFailed Status = "FAILED"
	// StatusCancelled means the run observed cancellation.
	StatusCancelled Status = "CANCELLED"
)

// StepState is the terminal state of one step within a run.
type StepState string

const (
	// StepCompleted means the step succeeded.
	StepCompleted StepState = "COMPLETED"
	// StepFailed means the step failed.
	StepFailed StepState = "FAILED"
	// StepSkipped means a dependency failed or the run stopped first.
	StepSkipped StepState = "SKIPPED"
)

// StepExecution records one step's outcome within a run.
type StepExecution struct {
	Name        string         `json:"name"`
	Type        StepType       `json:"step_type"`
	State       StepState      `json:"state"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	Category    errors.Category `json:"error_category,omitempty"`
	ExecutionID string         `json:"execution_id,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
}

// Result aggregates a workflow run.
type Result struct {
	RunID       string           `json:"run_id"`
	Workflow    string           `json:"workflow"`
	Status      Status           `json:"status"`
	Steps       []*StepExecution `json:"steps"`
	Context     *Context         `json:"-"`
	ErrorStep   string           `json:"error_step,omitempty"`
	Error       string           `json:"error,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt time.Time        `json:"completed_at"`
}

// StepResultFor returns the recorded outcome of a named step, or nil.
func (r *Result) StepResultFor(name string) *StepExecution {
	for _, s := range r.Steps {
		if s.Name == name {
			return s
		}
	}
	return nil
}
