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

// Package queue manages the persistent work-item queue: enqueue, claim,
// complete, fail with exponential backoff, and dead-letter capture.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ryansmccoy/spine-core/internal/repo"
	"github.com/ryansmccoy/spine-core/internal/storage"
	"github.com/ryansmccoy/spine-core/pkg/errors"
)

// Backoff constants: delay(n) = Base * 2^(n-1), capped at Ceiling.
const (
	BackoffBase    = 60 * time.Second
	BackoffCeiling = time.Hour
)

// Delay returns the retry delay after the given (1-based) attempt.
func Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= BackoffCeiling {
			return BackoffCeiling
		}
	}
	if d > BackoffCeiling {
		return BackoffCeiling
	}
	return d
}

// DeadLetterSink captures exhausted failures. The DLQ manager satisfies
// it; a nil sink disables capture.
type DeadLetterSink interface {
	Capture(ctx context.Context, item *repo.WorkItem, errMsg string) error
}

// Queue is the work-item queue service.
type Queue struct {
	db     *storage.DB
	dlq    DeadLetterSink
	now    func() time.Time
	logger *slog.Logger
}

// New creates a queue over db. dlq may be nil when dead-letter capture is
// disabled.
func New(db *storage.DB, dlq DeadLetterSink, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		db:     db,
		dlq:    dlq,
		now:    time.Now,
		logger: logger.With(slog.String("component", "queue")),
	}
}

// WithClock overrides the time source. Tests pass a virtual clock.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// EnqueueRequest describes a work item to enqueue.
type EnqueueRequest struct {
	Domain       string
	Workflow     string
	PartitionKey map[string]any
	DesiredAt    *time.Time
	Priority     int
	MaxAttempts  int
}

// Enqueue inserts a PENDING work item. A second enqueue of the same
// (domain, workflow, partition_key) is deduplicated by the natural key and
// reported as the existing item.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*repo.WorkItem, bool, error) {
	if req.Domain == "" || req.Workflow == "" {
		return nil, false, &errors.ValidationError{Field: "domain/workflow", Message: "domain and workflow are required"}
	}
	now := q.now().UTC()
	items := repo.NewWorkItemRepository(q.db)

	item := &repo.WorkItem{
		Domain:       req.Domain,
		Workflow:     req.Workflow,
		PartitionKey: req.PartitionKey,
		DesiredAt:    req.DesiredAt,
		Priority:     req.Priority,
		MaxAttempts:  req.MaxAttempts,
		CreatedAt:    now,
	}
	id, err := items.Insert(ctx, item)
	if err != nil {
		if storage.IsConstraint(err) {
			// Natural-key dedup: the logical job is already queued.
			existing, findErr := q.findByNaturalKey(ctx, req)
			if findErr != nil {
				return nil, false, findErr
			}
			return existing, false, nil
		}
		return nil, false, err
	}
	got, err := items.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	q.logger.Info("work item enqueued",
		slog.Int64("work_item_id", id),
		slog.String("domain", req.Domain),
		slog.String("workflow", req.Workflow))
	return got, true, nil
}

func (q *Queue) findByNaturalKey(ctx context.Context, req EnqueueRequest) (*repo.WorkItem, error) {
	items, _, err := repo.NewWorkItemRepository(q.db).List(ctx, repo.WorkItemFilter{
		Domain:   req.Domain,
		Workflow: req.Workflow,
		Limit:    200,
	})
	if err != nil {
		return nil, err
	}
	want, err := canonicalKey(req.PartitionKey)
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		got, err := canonicalKey(it.PartitionKey)
		if err != nil {
			continue
		}
		if got == want {
			return it, nil
		}
	}
	return nil, &errors.NotFoundError{Resource: "work item", ID: want}
}

// Claim attempts to claim one specific item for owner. Returns nil when
// the item is not claimable (lost race, wrong state, backoff not elapsed).
func (q *Queue) Claim(ctx context.Context, id int64, owner string) (*repo.WorkItem, error) {
	return repo.NewWorkItemRepository(q.db).Claim(ctx, id, owner, q.now().UTC())
}

// ClaimNext claims the highest-priority claimable item for owner, walking
// the candidate list so losers of a race move on to the next row.
func (q *Queue) ClaimNext(ctx context.Context, owner string) (*repo.WorkItem, error) {
	items := repo.NewWorkItemRepository(q.db)
	now := q.now().UTC()
	ids, err := items.NextClaimable(ctx, now, 10)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		claimed, err := items.Claim(ctx, id, owner, now)
		if err != nil {
			return nil, err
		}
		if claimed != nil {
			return claimed, nil
		}
	}
	return nil, nil
}

// Complete marks a claimed item COMPLETE.
func (q *Queue) Complete(ctx context.Context, id int64, executionID string) error {
	return repo.NewWorkItemRepository(q.db).Complete(ctx, id, executionID, q.now().UTC())
}

// Fail records a failure on a claimed item. Attempts under budget go to
// RETRY_WAIT with exponential backoff; the final failure is terminal and
// feeds the dead-letter queue.
func (q *Queue) Fail(ctx context.Context, id int64, errMsg string) (*repo.WorkItem, error) {
	items := repo.NewWorkItemRepository(q.db)
	item, err := items.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	now := q.now().UTC()

	if item.AttemptCount < item.MaxAttempts {
		next := now.Add(Delay(item.AttemptCount))
		if err := items.Fail(ctx, id, repo.ItemRetryWait, errMsg, &next, now); err != nil {
			return nil, err
		}
		q.logger.Warn("work item failed, will retry",
			slog.Int64("work_item_id", id),
			slog.Int("attempt", item.AttemptCount),
			slog.Time("next_attempt_at", next))
		return items.GetByID(ctx, id)
	}

	if err := items.Fail(ctx, id, repo.ItemFailed, errMsg, nil, now); err != nil {
		return nil, err
	}
	q.logger.Error("work item exhausted retries",
		slog.Int64("work_item_id", id),
		slog.Int("attempts", item.AttemptCount))

	if q.dlq != nil {
		if err := q.dlq.Capture(ctx, item, errMsg); err != nil {
			q.logger.Error("failed to capture dead letter",
				slog.Int64("work_item_id", id), slog.Any("error", err))
		}
	}
	return items.GetByID(ctx, id)
}

// Cancel moves a non-terminal item to CANCELLED.
func (q *Queue) Cancel(ctx context.Context, id int64) error {
	ok, err := repo.NewWorkItemRepository(q.db).Cancel(ctx, id, q.now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		return &errors.ConflictError{Resource: "work item",
			Key: fmt.Sprintf("%d", id), Message: "not cancellable"}
	}
	return nil
}

// RetryFailed resets terminal FAILED items back to PENDING.
func (q *Queue) RetryFailed(ctx context.Context, f repo.WorkItemFilter) (int64, error) {
	return repo.NewWorkItemRepository(q.db).RetryFailed(ctx, f, q.now().UTC())
}

// Depth returns queue depth per state.
func (q *Queue) Depth(ctx context.Context) (map[repo.WorkItemState]int, error) {
	return repo.NewWorkItemRepository(q.db).CountByState(ctx)
}

// canonicalKey renders a partition key for comparison. json.Marshal sorts
// map keys, so equal keys render identically.
func canonicalKey(m map[string]any) (string, error) {
	if m == nil {
		m = map[string]any{}
	}
	b, err := json.Marshal(m)
	return string(b), err
}
