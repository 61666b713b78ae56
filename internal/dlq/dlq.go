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

// Package dlq manages the dead-letter queue: capture of exhausted
// failures, listing, replay, and operator resolution.
package dlq

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/ryansmccoy/spine-core/internal/repo"
	"github.com/ryansmccoy/spine-core/internal/storage"
	"github.com/ryansmccoy/spine-core/pkg/errors"
)

// Replayer re-submits a dead letter's work. The dispatcher satisfies it.
type Replayer interface {
	Resubmit(ctx context.Context, workflow string, params map[string]any, parentExecutionID string, retryCount int) (string, error)
}

// Manager is the dead-letter queue service.
type Manager struct {
	db     *storage.DB
	now    func() time.Time
	logger *slog.Logger
}

// New creates a manager over db.
func New(db *storage.DB, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		db:     db,
		now:    time.Now,
		logger: logger.With(slog.String("component", "dlq")),
	}
}

// WithClock overrides the time source. Tests pass a virtual clock.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Capture inserts a dead letter for a work item that exhausted its retry
// budget. It satisfies the queue's DeadLetterSink.
func (m *Manager) Capture(ctx context.Context, item *repo.WorkItem, errMsg string) error {
	_, err := repo.NewDeadLetterRepository(m.db).Insert(ctx, &repo.DeadLetter{
		ExecutionID: item.LatestExecutionID,
		Workflow:    item.Workflow,
		Params:      item.PartitionKey,
		Error:       errMsg,
		RetryCount:  item.AttemptCount,
		MaxRetries:  item.MaxAttempts,
		CreatedAt:   m.now().UTC(),
	})
	return err
}

// CaptureExecution inserts a dead letter for a direct dispatch that
// exhausted its retries.
func (m *Manager) CaptureExecution(ctx context.Context, exec *repo.Execution, maxRetries int) error {
	_, err := repo.NewDeadLetterRepository(m.db).Insert(ctx, &repo.DeadLetter{
		ExecutionID: exec.ID,
		Workflow:    exec.Workflow,
		Params:      exec.Params,
		Error:       exec.Error,
		RetryCount:  exec.RetryCount,
		MaxRetries:  maxRetries,
		CreatedAt:   m.now().UTC(),
	})
	return err
}

// ListUnresolved pages unresolved dead letters.
func (m *Manager) ListUnresolved(ctx context.Context, workflow string, limit, offset int) ([]*repo.DeadLetter, int, error) {
	return repo.NewDeadLetterRepository(m.db).List(ctx, repo.DeadLetterFilter{
		Workflow:   workflow,
		Unresolved: true,
		Limit:      limit,
		Offset:     offset,
	})
}

// Get returns one dead letter.
func (m *Manager) Get(ctx context.Context, id int64) (*repo.DeadLetter, error) {
	d, err := repo.NewDeadLetterRepository(m.db).GetByID(ctx, id)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, &errors.NotFoundError{Resource: "dead letter", ID: itoa(id)}
		}
		return nil, err
	}
	return d, nil
}

// Replay re-submits a dead letter's work under a new execution with the
// original params. The retry counter continues from the prior value and
// the parent pointer is preserved; the replay is counted on the row.
func (m *Manager) Replay(ctx context.Context, id int64, replayer Replayer) (string, error) {
	letters := repo.NewDeadLetterRepository(m.db)
	d, err := m.Get(ctx, id)
	if err != nil {
		return "", err
	}

	execID, err := replayer.Resubmit(ctx, d.Workflow, d.Params, d.ExecutionID, d.RetryCount)
	if err != nil {
		return "", err
	}
	if err := letters.MarkReplayed(ctx, id); err != nil {
		return "", err
	}
	m.logger.Info("dead letter replayed",
		slog.Int64("dead_letter_id", id),
		slog.String("execution_id", execID))
	return execID, nil
}

// Resolve records an operator resolution.
func (m *Manager) Resolve(ctx context.Context, id int64, resolvedBy string) error {
	ok, err := repo.NewDeadLetterRepository(m.db).Resolve(ctx, id, resolvedBy, m.now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		return &errors.ConflictError{Resource: "dead letter", Key: itoa(id),
			Message: "already resolved or missing"}
	}
	return nil
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
