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

// Package ledger is the single entry point for writing execution state. It
// owns the status FSM, the append-only event log, and idempotency lookups.
package ledger

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ryansmccoy/spine-core/internal/repo"
	"github.com/ryansmccoy/spine-core/internal/storage"
	"github.com/ryansmccoy/spine-core/pkg/errors"
)

// legalTransitions is the status FSM. Terminal states have no outgoing
// edges; a transition absent here is rejected.
var legalTransitions = map[repo.ExecutionStatus][]repo.ExecutionStatus{
	repo.StatusPending: {repo.StatusQueued, repo.StatusRunning, repo.StatusCancelled},
	repo.StatusQueued:  {repo.StatusRunning, repo.StatusCancelled},
	repo.StatusRunning: {repo.StatusCompleted, repo.StatusFailed, repo.StatusCancelled},
}

// CanTransition reports whether from -> to is a legal FSM edge.
func CanTransition(from, to repo.ExecutionStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Ledger writes execution rows and their events.
type Ledger struct {
	db     *storage.DB
	now    func() time.Time
	logger *slog.Logger
}

// New creates a ledger over db.
func New(db *storage.DB, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		db:     db,
		now:    time.Now,
		logger: logger.With(slog.String("component", "ledger")),
	}
}

// WithClock overrides the time source. Tests pass a virtual clock.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// NewID mints a sortable execution id.
func (l *Ledger) NewID() string {
	return ulid.MustNew(ulid.Timestamp(l.now()), rand.Reader).String()
}

// CreateRequest carries the fields of a new execution.
type CreateRequest struct {
	Workflow          string
	Params            map[string]any
	Lane              string
	TriggerSource     repo.TriggerSource
	ParentExecutionID string
	IdempotencyKey    string
	RetryCount        int
}

// CreateExecution inserts a PENDING execution and its CREATED event. When
// an idempotency key is supplied and an execution already holds it, the
// existing row is returned unchanged and no insert happens.
func (l *Ledger) CreateExecution(ctx context.Context, req CreateRequest) (*repo.Execution, error) {
	if req.Workflow == "" {
		return nil, &errors.ValidationError{Field: "workflow", Message: "workflow is required"}
	}

	if req.IdempotencyKey != "" {
		existing, err := repo.NewExecutionRepository(l.db).GetByIdempotencyKey(ctx, req.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !storage.IsNotFound(err) {
			return nil, err
		}
	}

	now := l.now().UTC()
	exec := &repo.Execution{
		ID:                l.NewID(),
		Workflow:          req.Workflow,
		Params:            req.Params,
		Status:            repo.StatusPending,
		Lane:              req.Lane,
		TriggerSource:     req.TriggerSource,
		ParentExecutionID: req.ParentExecutionID,
		IdempotencyKey:    req.IdempotencyKey,
		RetryCount:        req.RetryCount,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	err := l.db.WithTx(ctx, func(tx *storage.Tx) error {
		execs := repo.NewExecutionRepository(tx)
		if err := execs.Create(ctx, exec); err != nil {
			return err
		}
		return execs.AddEvent(ctx, &repo.ExecutionEvent{
			ExecutionID: exec.ID,
			EventType:   repo.EventCreated,
			Timestamp:   now,
			Data: map[string]any{
				"workflow":       exec.Workflow,
				"trigger_source": string(exec.TriggerSource),
			},
		})
	})
	if err != nil {
		// A concurrent submission may have won the idempotency race
		// between our lookup and insert.
		if req.IdempotencyKey != "" && storage.IsConstraint(err) {
			return repo.NewExecutionRepository(l.db).GetByIdempotencyKey(ctx, req.IdempotencyKey)
		}
		return nil, err
	}

	l.logger.Debug("execution created",
		slog.String("execution_id", exec.ID),
		slog.String("workflow", exec.Workflow))
	return exec, nil
}

// UpdateOptions carries the optional payload of a status transition.
type UpdateOptions struct {
	// Result is stored on COMPLETED transitions and cached for
	// idempotent replays.
	Result map[string]any

	// Error is recorded on FAILED and CANCELLED transitions.
	Error string

	// EventData is merged into the transition event's payload.
	EventData map[string]any
}

// UpdateStatus moves an execution through the FSM, recording the matching
// event in the same transaction. Illegal transitions return a CONFLICT
// error; terminal rows never mutate.
func (l *Ledger) UpdateStatus(ctx context.Context, id string, to repo.ExecutionStatus, opts UpdateOptions) (*repo.Execution, error) {
	if !to.IsValid() {
		return nil, &errors.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", to)}
	}

	execs := repo.NewExecutionRepository(l.db)
	current, err := execs.GetByID(ctx, id)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, &errors.NotFoundError{Resource: "execution", ID: id}
		}
		return nil, err
	}

	if !CanTransition(current.Status, to) {
		return nil, &errors.ConflictError{
			Resource: "execution",
			Key:      id,
			Message:  fmt.Sprintf("illegal transition %s -> %s", current.Status, to),
		}
	}

	now := l.now().UTC()
	patch := repo.StatusPatch{Now: now, Error: opts.Error, Result: opts.Result}
	if to == repo.StatusRunning {
		patch.StartedAt = &now
	}
	if to.IsTerminal() {
		patch.CompletedAt = &now
	}

	err = l.db.WithTx(ctx, func(tx *storage.Tx) error {
		txExecs := execs.WithQuerier(tx)
		// The prior-status guard re-checks the FSM predicate under the
		// transaction, so a racing updater loses cleanly.
		ok, err := txExecs.UpdateStatus(ctx, id, current.Status, to, patch)
		if err != nil {
			return err
		}
		if !ok {
			return &errors.ConflictError{
				Resource: "execution",
				Key:      id,
				Message:  fmt.Sprintf("concurrent transition out of %s", current.Status),
			}
		}

		data := map[string]any{
			"from": string(current.Status),
			"to":   string(to),
		}
		if opts.Error != "" {
			data["error"] = opts.Error
		}
		if opts.Result != nil {
			data["result"] = opts.Result
		}
		for k, v := range opts.EventData {
			data[k] = v
		}
		return txExecs.AddEvent(ctx, &repo.ExecutionEvent{
			ExecutionID: id,
			EventType:   repo.EventForStatus(to),
			Timestamp:   now,
			Data:        data,
		})
	})
	if err != nil {
		return nil, err
	}

	return execs.GetByID(ctx, id)
}

// AddProgress appends a PROGRESS event without touching status.
func (l *Ledger) AddProgress(ctx context.Context, id string, data map[string]any) error {
	return repo.NewExecutionRepository(l.db).AddEvent(ctx, &repo.ExecutionEvent{
		ExecutionID: id,
		EventType:   repo.EventProgress,
		Timestamp:   l.now().UTC(),
		Data:        data,
	})
}

// Get returns one execution.
func (l *Ledger) Get(ctx context.Context, id string) (*repo.Execution, error) {
	exec, err := repo.NewExecutionRepository(l.db).GetByID(ctx, id)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, &errors.NotFoundError{Resource: "execution", ID: id}
		}
		return nil, err
	}
	return exec, nil
}

// Events returns an execution's event stream in order.
func (l *Ledger) Events(ctx context.Context, id string) ([]*repo.ExecutionEvent, error) {
	return repo.NewExecutionRepository(l.db).ListEvents(ctx, id)
}

// List pages executions.
func (l *Ledger) List(ctx context.Context, f repo.ListFilter) ([]*repo.Execution, int, error) {
	return repo.NewExecutionRepository(l.db).List(ctx, f)
}

// CachedResult returns the execution holding an idempotency key and whether
// it is COMPLETED (only then does it answer from the replay cache). It
// returns nil and false when no execution holds the key.
func (l *Ledger) CachedResult(ctx context.Context, key string) (*repo.Execution, bool, error) {
	exec, err := repo.NewExecutionRepository(l.db).GetByIdempotencyKey(ctx, key)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return exec, exec.Status == repo.StatusCompleted, nil
}
