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

package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ryansmccoy/spine-core/internal/repo"
)

// DefaultPollInterval is how often an idle worker pool re-checks the
// queue.
const DefaultPollInterval = 5 * time.Second

// ItemRunner executes one claimed work item. The application wiring
// satisfies it by dispatching the item's workflow.
type ItemRunner interface {
	RunWorkItem(ctx context.Context, item *repo.WorkItem) (executionID string, err error)
}

// Worker drains claimable items through an ItemRunner on a bounded pool.
type Worker struct {
	queue       *Queue
	runner      ItemRunner
	concurrency int
	poll        time.Duration
	logger      *slog.Logger
}

// NewWorker creates a worker pool over q.
func NewWorker(q *Queue, runner ItemRunner, concurrency int, logger *slog.Logger) *Worker {
	if concurrency <= 0 {
		concurrency = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:       q,
		runner:      runner,
		concurrency: concurrency,
		poll:        DefaultPollInterval,
		logger:      logger.With(slog.String("component", "queue_worker")),
	}
}

// Run claims and executes items until ctx is cancelled. Each worker
// goroutine owns its claims; a claim lost to a racing worker is observed
// as nil and skipped.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		owner := "worker-" + uuid.NewString()
		g.Go(func() error {
			return w.loop(ctx, owner)
		})
	}
	return g.Wait()
}

func (w *Worker) loop(ctx context.Context, owner string) error {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		// Drain everything claimable before going back to sleep.
		for {
			if ctx.Err() != nil {
				return nil
			}
			item, err := w.queue.ClaimNext(ctx, owner)
			if err != nil {
				w.logger.Error("claim failed", slog.Any("error", err))
				break
			}
			if item == nil {
				break
			}
			w.runOne(ctx, item)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// DrainOnce claims and runs items until the queue has nothing claimable.
// The app tests use this synchronous form.
func (w *Worker) DrainOnce(ctx context.Context) (int, error) {
	owner := "worker-" + uuid.NewString()
	ran := 0
	for {
		item, err := w.queue.ClaimNext(ctx, owner)
		if err != nil {
			return ran, err
		}
		if item == nil {
			return ran, nil
		}
		w.runOne(ctx, item)
		ran++
	}
}

func (w *Worker) runOne(ctx context.Context, item *repo.WorkItem) {
	logger := w.logger.With(
		slog.Int64("work_item_id", item.ID),
		slog.String("workflow", item.Workflow))

	execID, err := w.runner.RunWorkItem(ctx, item)
	if err != nil {
		logger.Warn("work item failed", slog.Any("error", err))
		if _, ferr := w.queue.Fail(ctx, item.ID, err.Error()); ferr != nil {
			logger.Error("failed to record failure", slog.Any("error", ferr))
		}
		return
	}
	if err := w.queue.Complete(ctx, item.ID, execID); err != nil {
		logger.Error("failed to record completion", slog.Any("error", err))
		return
	}
	logger.Info("work item completed", slog.String("execution_id", execID))
}
