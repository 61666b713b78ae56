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

// Package dispatch executes single operation submissions synchronously:
// it writes the execution through the ledger, takes the operation's
// concurrency lock, invokes the handler, and records the outcome.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ryansmccoy/spine-core/internal/guard"
	"github.com/ryansmccoy/spine-core/internal/ledger"
	"github.com/ryansmccoy/spine-core/internal/metrics"
	"github.com/ryansmccoy/spine-core/internal/registry"
	"github.com/ryansmccoy/spine-core/internal/repo"
	"github.com/ryansmccoy/spine-core/pkg/errors"
	"github.com/ryansmccoy/spine-core/pkg/workflow"
)

// DefaultMaxRetries bounds the per-job retry budget before a failure feeds
// the dead-letter queue.
const DefaultMaxRetries = 3

// DeadLetterSink captures executions that exhausted their retry budget.
type DeadLetterSink interface {
	CaptureExecution(ctx context.Context, exec *repo.Execution, maxRetries int) error
}

// Dispatcher runs operation submissions.
type Dispatcher struct {
	registry   *registry.Registry
	ledger     *ledger.Ledger
	guard      *guard.Guard
	dlq        DeadLetterSink
	metrics    *metrics.Metrics
	maxRetries int
	now        func() time.Time
	logger     *slog.Logger
}

// Config wires a dispatcher.
type Config struct {
	Registry   *registry.Registry
	Ledger     *ledger.Ledger
	Guard      *guard.Guard
	DLQ        DeadLetterSink
	Metrics    *metrics.Metrics
	MaxRetries int
	Logger     *slog.Logger
}

// New creates a dispatcher.
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Dispatcher{
		registry:   cfg.Registry,
		ledger:     cfg.Ledger,
		guard:      cfg.Guard,
		dlq:        cfg.DLQ,
		metrics:    cfg.Metrics,
		maxRetries: maxRetries,
		now:        time.Now,
		logger:     logger.With(slog.String("component", "dispatcher")),
	}
}

// WithClock overrides the time source. Tests pass a virtual clock.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// SubmitRequest describes one operation submission.
type SubmitRequest struct {
	// Name is the registered operation name.
	Name string

	// Params are handed to the handler and recorded on the execution.
	Params map[string]any

	// IdempotencyKey dedupes equivalent submissions. Optional.
	IdempotencyKey string

	// TriggerSource records the submission origin. Defaults to INTERNAL.
	TriggerSource repo.TriggerSource

	// Lane is a routing hint. Defaults to the operation's lane.
	Lane string

	// ParentExecutionID links workflow-step executions to their run.
	ParentExecutionID string

	// RetryCount carries the prior budget on retries and DLQ replays.
	RetryCount int
}

// Submit runs one operation synchronously and returns the finished
// execution. Handler failures are recorded on the execution, not
// returned; the error return covers submission problems (unknown
// operation, lock contention, storage).
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (*repo.Execution, error) {
	op, err := d.registry.Operation(req.Name)
	if err != nil {
		return nil, err
	}

	// Replay cache: a COMPLETED execution under the same key answers
	// without a new insert.
	if req.IdempotencyKey != "" {
		cached, done, err := d.ledger.CachedResult(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if done {
			return cached, nil
		}
	}

	lane := req.Lane
	if lane == "" {
		lane = op.Lane
	}
	exec, err := d.ledger.CreateExecution(ctx, ledger.CreateRequest{
		Workflow:          req.Name,
		Params:            req.Params,
		Lane:              lane,
		TriggerSource:     req.TriggerSource,
		ParentExecutionID: req.ParentExecutionID,
		IdempotencyKey:    req.IdempotencyKey,
		RetryCount:        req.RetryCount,
	})
	if err != nil {
		return nil, err
	}
	// An idempotency hit returns the winner's row; do not run it again.
	if exec.Status != repo.StatusPending {
		return exec, nil
	}

	if d.metrics != nil {
		d.metrics.RunsStarted.WithLabelValues(req.Name, string(exec.TriggerSource)).Inc()
	}

	if op.LockKey != "" {
		ok, err := d.guard.Acquire(ctx, op.LockKey, exec.ID, op.LockTTL)
		if err != nil {
			return nil, err
		}
		if !ok {
			if d.metrics != nil {
				d.metrics.LockContention.Inc()
			}
			cancelled, uerr := d.ledger.UpdateStatus(ctx, exec.ID, repo.StatusCancelled, ledger.UpdateOptions{
				Error:     fmt.Sprintf("LOCK_CONTENTION: lock %q is held", op.LockKey),
				EventData: map[string]any{"reason": "LOCK_CONTENTION", "lock_key": op.LockKey},
			})
			if uerr != nil {
				return nil, uerr
			}
			return cancelled, &errors.LockContentionError{Key: op.LockKey}
		}
		defer func() {
			if err := d.guard.Release(context.WithoutCancel(ctx), op.LockKey, exec.ID); err != nil {
				d.logger.Error("failed to release lock",
					slog.String("lock_key", op.LockKey), slog.Any("error", err))
			}
		}()
	}

	running, err := d.ledger.UpdateStatus(ctx, exec.ID, repo.StatusRunning, ledger.UpdateOptions{})
	if err != nil {
		return nil, err
	}
	exec = running

	result, handlerErr := d.invoke(ctx, op, exec, req.Params)

	if handlerErr != nil {
		failed, uerr := d.ledger.UpdateStatus(ctx, exec.ID, repo.StatusFailed, ledger.UpdateOptions{
			Error:     handlerErr.Error(),
			EventData: map[string]any{"category": string(errors.CategoryOf(handlerErr))},
		})
		if uerr != nil {
			return nil, uerr
		}
		d.observeFinish(failed)
		if d.dlq != nil && failed.RetryCount+1 >= d.maxRetries {
			if derr := d.dlq.CaptureExecution(ctx, failed, d.maxRetries); derr != nil {
				d.logger.Error("failed to capture dead letter",
					slog.String("execution_id", failed.ID), slog.Any("error", derr))
			}
		}
		return failed, nil
	}

	completed, err := d.ledger.UpdateStatus(ctx, exec.ID, repo.StatusCompleted, ledger.UpdateOptions{Result: result})
	if err != nil {
		return nil, err
	}
	d.observeFinish(completed)
	return completed, nil
}

// invoke calls the handler, converting panics into errors so they never
// cross the dispatcher boundary.
func (d *Dispatcher) invoke(ctx context.Context, op *registry.Operation, exec *repo.Execution, params map[string]any) (result map[string]any, err error) {
	defer func() {
		if p := recover(); p != nil {
			result = nil
			err = &errors.InternalError{Message: fmt.Sprintf("handler panicked: %v", p)}
		}
	}()
	oc := registry.OperationContext{
		ExecutionID: exec.ID,
		Params:      params,
		Progress: func(data map[string]any) error {
			return d.ledger.AddProgress(ctx, exec.ID, data)
		},
	}
	return op.Handler(ctx, oc)
}

func (d *Dispatcher) observeFinish(exec *repo.Execution) {
	if d.metrics == nil {
		return
	}
	d.metrics.RunsCompleted.WithLabelValues(exec.Workflow, string(exec.Status)).Inc()
	if exec.StartedAt != nil && exec.CompletedAt != nil {
		d.metrics.RunDuration.WithLabelValues(exec.Workflow).
			Observe(exec.CompletedAt.Sub(*exec.StartedAt).Seconds())
	}
}

// Cancel cancels a non-terminal execution. The handler, if running, sees
// cancellation only if it polls.
func (d *Dispatcher) Cancel(ctx context.Context, id string) (*repo.Execution, error) {
	return d.ledger.UpdateStatus(ctx, id, repo.StatusCancelled, ledger.UpdateOptions{
		EventData: map[string]any{"reason": "cancel requested"},
	})
}

// Retry resubmits a finished execution's work under a new execution.
func (d *Dispatcher) Retry(ctx context.Context, id string) (*repo.Execution, error) {
	prior, err := d.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !prior.Status.IsTerminal() {
		return nil, &errors.ConflictError{Resource: "execution", Key: id,
			Message: "only terminal executions can be retried"}
	}
	return d.Submit(ctx, SubmitRequest{
		Name:              prior.Workflow,
		Params:            prior.Params,
		TriggerSource:     repo.TriggerRetry,
		Lane:              prior.Lane,
		ParentExecutionID: prior.ID,
		RetryCount:        prior.RetryCount + 1,
	})
}

// Resubmit satisfies the DLQ replayer contract.
func (d *Dispatcher) Resubmit(ctx context.Context, workflowName string, params map[string]any, parentExecutionID string, retryCount int) (string, error) {
	exec, err := d.Submit(ctx, SubmitRequest{
		Name:              workflowName,
		Params:            params,
		TriggerSource:     repo.TriggerRetry,
		ParentExecutionID: parentExecutionID,
		RetryCount:        retryCount,
	})
	if err != nil {
		return "", err
	}
	return exec.ID, nil
}

// SubmitPipelineSync satisfies workflow.Runnable: workflow pipeline steps
// dispatch through here with lineage pointing at the run.
func (d *Dispatcher) SubmitPipelineSync(ctx context.Context, name string, params map[string]any, parentRunID, correlationID string) (*workflow.PipelineRunResult, error) {
	exec, err := d.Submit(ctx, SubmitRequest{
		Name:              name,
		Params:            params,
		TriggerSource:     repo.TriggerWorkflow,
		ParentExecutionID: parentRunID,
	})
	if err != nil {
		var contention *errors.LockContentionError
		if errors.As(err, &contention) && exec != nil {
			// Contention is a recorded outcome, not a dispatch error.
		} else {
			return nil, err
		}
	}

	prr := &workflow.PipelineRunResult{
		Status: string(exec.Status),
		Error:  exec.Error,
		RunID:  exec.ID,
	}
	if exec.StartedAt != nil {
		prr.StartedAt = *exec.StartedAt
	}
	if exec.CompletedAt != nil {
		prr.CompletedAt = *exec.CompletedAt
	}
	if exec.Result != nil {
		prr.Metrics = exec.Result
	}
	return prr, nil
}
