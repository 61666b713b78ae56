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
	"log/slog"
	"time"

	"github.com/expr-lang/expr"
	"github.com/google/uuid"

	"github.com/ryansmccoy/spine-core/pkg/errors"
)

// PipelineRunResult is what the runnable reports for a dispatched
// operation.
type PipelineRunResult struct {
	Status      string         `json:"status"`
	Error       string         `json:"error,omitempty"`
	Metrics     map[string]any `json:"metrics,omitempty"`
	RunID       string         `json:"run_id"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
}

// Runnable dispatches pipeline steps. The dispatcher satisfies it.
type Runnable interface {
	SubmitPipelineSync(ctx context.Context, name string, params map[string]any, parentRunID, correlationID string) (*PipelineRunResult, error)
}

// Recorder receives run history as it happens. A nil recorder disables
// history.
type Recorder interface {
	RunStarted(ctx context.Context, result *Result)
	StepFinished(ctx context.Context, runID string, step *StepExecution)
	RunFinished(ctx context.Context, result *Result)
}

// Runner executes workflows.
type Runner struct {
	runnable Runnable
	recorder Recorder
	now      func() time.Time
	newRunID func() string
	logger   *slog.Logger
}

// NewRunner creates a runner. runnable may be nil when no workflow uses
// pipeline steps; recorder may be nil to skip history.
func NewRunner(runnable Runnable, recorder Recorder, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		runnable: runnable,
		recorder: recorder,
		now:      time.Now,
		newRunID: func() string { return uuid.NewString() },
		logger:   logger.With(slog.String("component", "workflow_runner")),
	}
}

// WithClock overrides the time source. Tests pass a virtual clock.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// RunOptions configures one run.
type RunOptions struct {
	// RunID identifies the run; minted when empty.
	RunID string

	// Params seed the context, merged over the workflow defaults.
	Params map[string]any

	// Partition identifies the data slice this run covers.
	Partition map[string]any

	// DryRun short-circuits pipeline and wait steps.
	DryRun bool
}

// Run executes wf and returns the aggregated result. Step failures are
// recorded, never re-raised; the returned error covers only invalid input.
func (r *Runner) Run(ctx context.Context, wf *Workflow, opts RunOptions) (*Result, error) {
	if err := wf.Validate(); err != nil {
		return nil, err
	}

	runID := opts.RunID
	if runID == "" {
		runID = r.newRunID()
	}

	params := copyMap(wf.Defaults)
	for k, v := range opts.Params {
		params[k] = v
	}
	wc := NewContext(runID, wf.Name, params, opts.Partition, opts.DryRun)

	result := &Result{
		RunID:     runID,
		Workflow:  wf.Name,
		StartedAt: r.now().UTC(),
	}
	if r.recorder != nil {
		r.recorder.RunStarted(ctx, result)
	}

	logger := r.logger.With(slog.String("run_id", runID), slog.String("workflow", wf.Name))
	logger.Info("workflow started", slog.Int("steps", len(wf.Steps)))

	if wf.usesDAG() {
		r.runDAG(ctx, wf, wc, result, logger)
	} else {
		r.runSequential(ctx, wf, wc, result, logger)
	}

	result.CompletedAt = r.now().UTC()
	logger.Info("workflow finished",
		slog.String("status", string(result.Status)),
		slog.Int64("duration_ms", result.CompletedAt.Sub(result.StartedAt).Milliseconds()))

	if r.recorder != nil {
		r.recorder.RunFinished(ctx, result)
	}
	return result, nil
}

// onErrorFor resolves the effective failure policy for a step.
func onErrorFor(wf *Workflow, step *Step) OnError {
	if step.OnError != "" {
		return step.OnError
	}
	if wf.Policy.OnFailure != "" {
		return wf.Policy.OnFailure
	}
	return OnErrorStop
}

// runSequential executes steps in declared order.
func (r *Runner) runSequential(ctx context.Context, wf *Workflow, wc *Context, result *Result, logger *slog.Logger) {
	completed := make(map[string]bool)
	unreached := make(map[string]bool)
	var (
		sawFailure  bool
		fastForward string
	)

	for i := range wf.Steps {
		step := &wf.Steps[i]

		if ctx.Err() != nil {
			r.recordSkip(ctx, result, step, "run cancelled")
			result.Status = StatusCancelled
			continue
		}

		// A choice's next_step fast-forwards past intervening steps.
		if fastForward != "" {
			if step.Name != fastForward {
				r.recordSkip(ctx, result, step, fmt.Sprintf("skipped by branch to %q", fastForward))
				unreached[step.Name] = true
				continue
			}
			fastForward = ""
		}

		if dep, blocked := blockedOn(step, completed, unreached); blocked {
			r.recordSkip(ctx, result, step, fmt.Sprintf("dependency %q did not complete", dep))
			unreached[step.Name] = true
			sawFailure = true
			continue
		}

		outcome := r.executeStep(ctx, wf, step, wc)
		result.Steps = append(result.Steps, outcome.exec)
		if r.recorder != nil {
			r.recorder.StepFinished(ctx, result.RunID, outcome.exec)
		}

		if outcome.res.Success {
			completed[step.Name] = true
			wc = wc.WithOutput(step.Name, outcome.res.Output).WithParams(outcome.res.ContextUpdates)
			if outcome.res.NextStep != "" {
				fastForward = outcome.res.NextStep
			}
			continue
		}

		sawFailure = true
		unreached[step.Name] = true
		if result.ErrorStep == "" {
			result.ErrorStep = step.Name
			result.Error = outcome.res.Error
		}
		if onErrorFor(wf, step) == OnErrorStop {
			logger.Warn("step failed, stopping workflow",
				slog.String("step", step.Name), slog.String("error", outcome.res.Error))
			for j := i + 1; j < len(wf.Steps); j++ {
				r.recordSkip(ctx, result, &wf.Steps[j], fmt.Sprintf("stopped after %q failed", step.Name))
			}
			result.Status = StatusFailed
			result.Context = wc
			return
		}
		logger.Warn("step failed, continuing",
			slog.String("step", step.Name), slog.String("error", outcome.res.Error))
	}

	result.Context = wc
	if result.Status == StatusCancelled {
		return
	}
	result.Status = finalStatus(sawFailure, len(completed))
}

// blockedOn returns the first dependency that did not complete.
func blockedOn(step *Step, completed, unreached map[string]bool) (string, bool) {
	for _, dep := range step.DependsOn {
		if !completed[dep] || unreached[dep] {
			return dep, true
		}
	}
	return "", false
}

// finalStatus aggregates the run outcome after all steps resolved.
func finalStatus(sawFailure bool, completedCount int) Status {
	if !sawFailure {
		return StatusCompleted
	}
	if completedCount > 0 {
		return StatusPartial
	}
	return StatusFailed
}

// dagEvent is one finished step flowing back to the DAG loop.
type dagEvent struct {
	step    *Step
	outcome *stepOutcome
}

// runDAG executes steps as a dependency DAG on a bounded worker pool.
func (r *Runner) runDAG(ctx context.Context, wf *Workflow, wc *Context, result *Result, logger *slog.Logger) {
	maxConc := wf.Policy.MaxConcurrency
	if maxConc <= 0 {
		maxConc = DefaultMaxConcurrency
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		pending   = make(map[string]*Step, len(wf.Steps))
		running   = make(map[string]bool)
		completed = make(map[string]bool)
		failed    = make(map[string]bool)
		skipped   = make(map[string]bool)
		stopped   bool
	)
	for i := range wf.Steps {
		pending[wf.Steps[i].Name] = &wf.Steps[i]
	}

	sem := make(chan struct{}, maxConc)
	events := make(chan dagEvent)

	// launch submits one step to the pool. The context snapshot is taken
	// at dispatch time, after every dependency has merged its output.
	launch := func(step *Step, snapshot *Context) {
		go func() {
			select {
			case sem <- struct{}{}:
			case <-runCtx.Done():
				events <- dagEvent{step: step, outcome: nil}
				return
			}
			defer func() { <-sem }()
			events <- dagEvent{step: step, outcome: r.executeStep(runCtx, wf, step, snapshot)}
		}()
	}

	for {
		// Propagate skips: any dependency failed or skipped. Repeat until
		// no step changes so skips reach every transitive dependent.
		for changed := true; changed; {
			changed = false
			for name, step := range pending {
				if dep, blocked := depBlocked(step, failed, skipped); blocked {
					delete(pending, name)
					skipped[name] = true
					r.recordSkip(ctx, result, step, fmt.Sprintf("dependency %q did not complete", dep))
					changed = true
				}
			}
		}

		// Submit every ready step.
		if !stopped {
			for name, step := range pending {
				if !depsMet(step, completed) {
					continue
				}
				delete(pending, name)
				running[name] = true
				launch(step, wc)
			}
		} else {
			for name, step := range pending {
				delete(pending, name)
				skipped[name] = true
				r.recordSkip(ctx, result, step, "stopped after failure")
			}
		}

		if len(running) == 0 {
			break
		}

		ev := <-events
		delete(running, ev.step.Name)

		if ev.outcome == nil {
			// Cancelled before the pool slot opened.
			skipped[ev.step.Name] = true
			r.recordSkip(ctx, result, ev.step, "cancelled before start")
			continue
		}

		result.Steps = append(result.Steps, ev.outcome.exec)
		if r.recorder != nil {
			r.recorder.StepFinished(ctx, result.RunID, ev.outcome.exec)
		}

		if ev.outcome.res.Success {
			completed[ev.step.Name] = true
			wc = wc.WithOutput(ev.step.Name, ev.outcome.res.Output).WithParams(ev.outcome.res.ContextUpdates)
			continue
		}

		failed[ev.step.Name] = true
		if result.ErrorStep == "" {
			result.ErrorStep = ev.step.Name
			result.Error = ev.outcome.res.Error
		}
		if onErrorFor(wf, ev.step) == OnErrorStop {
			logger.Warn("step failed, cancelling outstanding work",
				slog.String("step", ev.step.Name), slog.String("error", ev.outcome.res.Error))
			stopped = true
			cancel()
		}
	}

	result.Context = wc
	switch {
	case ctx.Err() != nil && !stopped:
		result.Status = StatusCancelled
	case stopped:
		result.Status = StatusFailed
	default:
		result.Status = finalStatus(len(failed) > 0 || len(skipped) > 0, len(completed))
	}
}

func depsMet(step *Step, completed map[string]bool) bool {
	for _, dep := range step.DependsOn {
		if !completed[dep] {
			return false
		}
	}
	return true
}

func depBlocked(step *Step, failed, skipped map[string]bool) (string, bool) {
	for _, dep := range step.DependsOn {
		if failed[dep] || skipped[dep] {
			return dep, true
		}
	}
	return "", false
}

// recordSkip appends a SKIPPED step execution.
func (r *Runner) recordSkip(ctx context.Context, result *Result, step *Step, reason string) {
	now := r.now().UTC()
	exec := &StepExecution{
		Name:        step.Name,
		Type:        step.Type,
		State:       StepSkipped,
		Error:       reason,
		StartedAt:   now,
		CompletedAt: now,
	}
	result.Steps = append(result.Steps, exec)
	if r.recorder != nil {
		r.recorder.StepFinished(ctx, result.RunID, exec)
	}
}

// stepOutcome pairs the coerced result with its history record.
type stepOutcome struct {
	res  *StepResult
	exec *StepExecution
}

// executeStep runs one step under the policy deadline and coerces its
// outcome. Panics inside handlers surface as INTERNAL failures; they never
// cross the engine boundary.
func (r *Runner) executeStep(ctx context.Context, wf *Workflow, step *Step, wc *Context) *stepOutcome {
	started := r.now().UTC()

	timeout := time.Duration(wf.Policy.TimeoutSeconds * float64(time.Second))
	res := r.runWithDeadline(ctx, timeout, step, wc)

	completedAt := r.now().UTC()
	exec := &StepExecution{
		Name:        step.Name,
		Type:        step.Type,
		Output:      res.Output,
		Error:       res.Error,
		Category:    res.Category,
		StartedAt:   started,
		CompletedAt: completedAt,
	}
	if res.Success {
		exec.State = StepCompleted
	} else {
		exec.State = StepFailed
	}
	if runID, ok := res.Output["run_id"].(string); ok {
		exec.ExecutionID = runID
	}
	return &stepOutcome{res: res, exec: exec}
}

// runWithDeadline enforces the per-step timeout. The handler keeps running
// in its goroutine past the deadline (it is never forcibly terminated);
// its late result is discarded.
func (r *Runner) runWithDeadline(ctx context.Context, timeout time.Duration, step *Step, wc *Context) *StepResult {
	if timeout <= 0 {
		return r.dispatchStep(ctx, step, wc)
	}

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan *StepResult, 1)
	go func() {
		done <- r.dispatchStep(stepCtx, step, wc)
	}()

	select {
	case res := <-done:
		return res
	case <-stepCtx.Done():
		if ctx.Err() != nil {
			return Fail("step cancelled", errors.CategoryInternal)
		}
		return Fail(fmt.Sprintf("step %q exceeded %s deadline", step.Name, timeout), errors.CategoryTimeout)
	}
}

// dispatchStep selects the variant body.
func (r *Runner) dispatchStep(ctx context.Context, step *Step, wc *Context) (res *StepResult) {
	defer func() {
		if p := recover(); p != nil {
			res = Fail(fmt.Sprintf("step panicked: %v", p), errors.CategoryInternal)
		}
	}()

	switch step.Type {
	case StepLambda:
		return r.runLambda(ctx, step, wc)
	case StepPipeline:
		return r.runPipeline(ctx, step, wc)
	case StepChoice:
		return r.runChoice(step, wc)
	case StepWait:
		return r.runWait(ctx, step, wc)
	case StepMap:
		return Fail("map steps are not executable in this tier", errors.CategoryValidation)
	default:
		return Fail(fmt.Sprintf("unknown step type %q", step.Type), errors.CategoryValidation)
	}
}

func (r *Runner) runLambda(ctx context.Context, step *Step, wc *Context) *StepResult {
	if step.Handler == nil {
		return Fail(fmt.Sprintf("lambda step %q has no handler", step.Name), errors.CategoryValidation)
	}
	v, err := step.Handler(ctx, wc, step.Config)
	if err != nil {
		return Fail(err.Error(), errors.CategoryOf(err))
	}
	return ResultFromValue(v)
}

func (r *Runner) runPipeline(ctx context.Context, step *Step, wc *Context) *StepResult {
	if wc.DryRun() {
		return OK(map[string]any{"dry_run": true, "pipeline": step.Pipeline})
	}
	if r.runnable == nil {
		return Fail("no runnable configured for pipeline steps", errors.CategoryValidation)
	}

	params := wc.Params()
	for k, v := range step.Config {
		params[k] = v
	}

	prr, err := r.runnable.SubmitPipelineSync(ctx, step.Pipeline, params, wc.RunID(), wc.RunID())
	if err != nil {
		return Fail(err.Error(), errors.CategoryOf(err))
	}

	output := map[string]any{"run_id": prr.RunID, "status": prr.Status}
	for k, v := range prr.Metrics {
		output[k] = v
	}
	if prr.Status != "COMPLETED" {
		res := Fail(prr.Error, errors.CategoryInternal)
		if prr.Error == "" {
			res.Error = fmt.Sprintf("pipeline %q ended %s", step.Pipeline, prr.Status)
		}
		res.Output = output
		return res
	}
	return OK(output)
}

func (r *Runner) runChoice(step *Step, wc *Context) *StepResult {
	var (
		branch bool
		err    error
	)
	switch {
	case step.Predicate != nil:
		branch, err = step.Predicate(wc)
	case step.Condition != "":
		var v any
		v, err = expr.Eval(step.Condition, wc.exprEnv())
		if err == nil {
			b, ok := v.(bool)
			if !ok {
				err = fmt.Errorf("condition %q evaluated to %T, want bool", step.Condition, v)
			}
			branch = b
		}
	default:
		return Fail(fmt.Sprintf("choice step %q has no condition", step.Name), errors.CategoryValidation)
	}
	if err != nil {
		return Fail(err.Error(), errors.CategoryInternal)
	}

	target := step.ElseStep
	if branch {
		target = step.ThenStep
	}
	res := OK(map[string]any{"branch": branch, "next_step": target})
	res.NextStep = target
	return res
}

func (r *Runner) runWait(ctx context.Context, step *Step, wc *Context) *StepResult {
	if wc.DryRun() || step.DurationSeconds <= 0 {
		return OK(map[string]any{"waited": false})
	}
	d := time.Duration(step.DurationSeconds * float64(time.Second))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return OK(map[string]any{"waited": true, "duration_seconds": step.DurationSeconds})
	case <-ctx.Done():
		return Fail("wait interrupted", errors.CategoryInternal)
	}
}
