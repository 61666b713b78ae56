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

// Package scheduler evaluates cron and interval schedules on a tick and
// dispatches due runs, recording each occurrence in the schedule-run
// history.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/ryansmccoy/spine-core/internal/metrics"
	"github.com/ryansmccoy/spine-core/internal/repo"
	"github.com/ryansmccoy/spine-core/internal/storage"
	"github.com/ryansmccoy/spine-core/pkg/errors"
)

// DefaultTickInterval is how often schedules are evaluated.
const DefaultTickInterval = 10 * time.Second

// lockTTLTicks sizes the scheduler lock TTL relative to the tick period.
const lockTTLTicks = 5

// Submitter dispatches due targets. The application wiring satisfies it
// for both operations and workflows.
type Submitter interface {
	SubmitScheduled(ctx context.Context, s *repo.Schedule) (executionID string, status repo.ScheduleRunStatus, err error)
}

// RunningCounter reports live executions for the max_instances guard.
type RunningCounter interface {
	CountByStatus(ctx context.Context, workflow string, status repo.ExecutionStatus) (int, error)
}

// Scheduler is the tick loop.
type Scheduler struct {
	db         *storage.DB
	submitter  Submitter
	counter    RunningCounter
	metrics    *metrics.Metrics
	instanceID string
	tick       time.Duration
	now        func() time.Time
	logger     *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Config wires a scheduler.
type Config struct {
	DB           *storage.DB
	Submitter    Submitter
	Counter      RunningCounter
	Metrics      *metrics.Metrics
	TickInterval time.Duration
	Logger       *slog.Logger
}

// New creates a scheduler.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tick := cfg.TickInterval
	if tick <= 0 {
		tick = DefaultTickInterval
	}
	return &Scheduler{
		db:         cfg.DB,
		submitter:  cfg.Submitter,
		counter:    cfg.Counter,
		metrics:    cfg.Metrics,
		instanceID: uuid.NewString(),
		tick:       tick,
		now:        time.Now,
		logger:     logger.With(slog.String("component", "scheduler")),
	}
}

// WithClock overrides the time source. Tests pass a virtual clock.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Start launches the tick loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop halts the loop and waits for the in-flight tick.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	<-s.doneCh
}

// run ticks until stopped. Storage outages back off exponentially and
// raise an anomaly instead of crashing the loop.
func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.tick
	bo.MaxInterval = 5 * time.Minute
	bo.MaxElapsedTime = 0

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				wait := bo.NextBackOff()
				s.logger.Error("tick failed, backing off",
					slog.Any("error", err),
					slog.Int64("backoff_ms", wait.Milliseconds()))
				s.recordOutage(ctx, err)
				select {
				case <-time.After(wait):
				case <-s.stopCh:
					return
				case <-ctx.Done():
					return
				}
				continue
			}
			bo.Reset()
		}
	}
}

// recordOutage raises an anomaly for a failed tick, best effort.
func (s *Scheduler) recordOutage(ctx context.Context, tickErr error) {
	err := repo.NewAnomalyRepository(s.db).Insert(ctx, &repo.Anomaly{
		Domain:   "scheduler",
		Kind:     "tick_failure",
		Severity: "ERROR",
		Detail:   tickErr.Error(),
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		s.logger.Warn("failed to record scheduler anomaly", slog.Any("error", err))
	}
}

// Tick evaluates every enabled schedule once. Calling it twice for the
// same instant dispatches nothing the second time: next_run_at advances
// with each dispatch.
func (s *Scheduler) Tick(ctx context.Context) error {
	if s.metrics != nil {
		s.metrics.SchedulerTicks.Inc()
	}
	now := s.now().UTC()
	schedules := repo.NewScheduleRepository(s.db)

	ok, err := schedules.AcquireSchedulerLock(ctx, s.instanceID, now, lockTTLTicks*s.tick)
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Debug("another scheduler instance holds the lock")
		return nil
	}
	defer func() {
		if err := schedules.ReleaseSchedulerLock(context.WithoutCancel(ctx), s.instanceID); err != nil {
			s.logger.Warn("failed to release scheduler lock", slog.Any("error", err))
		}
	}()

	enabled, err := schedules.ListEnabled(ctx)
	if err != nil {
		return err
	}

	for _, sched := range enabled {
		if err := s.evaluate(ctx, schedules, sched, now); err != nil {
			// One bad schedule never stops the rest.
			s.logger.Error("schedule evaluation failed",
				slog.String("schedule", sched.Name), slog.Any("error", err))
		}
	}
	return nil
}

// evaluate runs every due occurrence of one schedule.
func (s *Scheduler) evaluate(ctx context.Context, schedules *repo.ScheduleRepository, sched *repo.Schedule, now time.Time) error {
	next := sched.NextRunAt
	if next == nil {
		// First sighting: seed the next occurrence without dispatching.
		n, err := NextOccurrence(sched, now)
		if err != nil {
			return err
		}
		return schedules.SetNextRun(ctx, sched.ID, n, now)
	}

	grace := time.Duration(sched.MisfireGraceSeconds) * time.Second
	due := *next
	dispatched := false

	for !due.After(now) {
		if grace > 0 && now.Sub(due) > grace {
			// Missed beyond the grace window: record, never backfill.
			if s.metrics != nil {
				s.metrics.Misfires.Inc()
			}
			s.logger.Warn("schedule misfire",
				slog.String("schedule", sched.Name),
				slog.Time("scheduled_for", due))
			if err := schedules.AddRun(ctx, &repo.ScheduleRun{
				ScheduleID:   sched.ID,
				ScheduledFor: due,
				Status:       repo.ScheduleRunMissed,
				Detail:       fmt.Sprintf("missed by %s, grace %s", now.Sub(due), grace),
				CreatedAt:    now,
			}); err != nil {
				return err
			}
		} else {
			if err := s.dispatch(ctx, schedules, sched, due, now); err != nil {
				return err
			}
			dispatched = true
		}

		n, err := NextOccurrence(sched, due)
		if err != nil {
			return err
		}
		due = n
	}

	if due.Equal(*next) {
		// Nothing was due.
		return nil
	}
	if dispatched {
		return schedules.MarkRun(ctx, sched.ID, now, due)
	}
	return schedules.SetNextRun(ctx, sched.ID, due, now)
}

// dispatch submits one occurrence, honoring max_instances.
func (s *Scheduler) dispatch(ctx context.Context, schedules *repo.ScheduleRepository, sched *repo.Schedule, due, now time.Time) error {
	if s.counter != nil && sched.MaxInstances > 0 {
		n, err := s.counter.CountByStatus(ctx, sched.TargetName, repo.StatusRunning)
		if err != nil {
			return err
		}
		if n >= sched.MaxInstances {
			s.logger.Info("schedule at max instances",
				slog.String("schedule", sched.Name), slog.Int("running", n))
			return schedules.AddRun(ctx, &repo.ScheduleRun{
				ScheduleID:   sched.ID,
				ScheduledFor: due,
				Status:       repo.ScheduleRunSkipped,
				Detail:       fmt.Sprintf("%d instances running, limit %d", n, sched.MaxInstances),
				CreatedAt:    now,
			})
		}
	}

	execID, status, err := s.submitter.SubmitScheduled(ctx, sched)
	detail := ""
	if err != nil {
		status = repo.ScheduleRunFailed
		detail = err.Error()
		s.logger.Error("scheduled dispatch failed",
			slog.String("schedule", sched.Name), slog.Any("error", err))
	}
	started := now
	return schedules.AddRun(ctx, &repo.ScheduleRun{
		ScheduleID:   sched.ID,
		ExecutionID:  execID,
		ScheduledFor: due,
		StartedAt:    &started,
		Status:       status,
		Detail:       detail,
		CreatedAt:    now,
	})
}

// NextOccurrence computes the occurrence strictly after the given instant,
// interpreting cron expressions in the schedule's timezone.
func NextOccurrence(sched *repo.Schedule, after time.Time) (time.Time, error) {
	switch {
	case sched.CronExpression != "":
		loc := time.UTC
		if sched.Timezone != "" {
			l, err := time.LoadLocation(sched.Timezone)
			if err != nil {
				return time.Time{}, &errors.ValidationError{Field: "timezone",
					Message: fmt.Sprintf("schedule %q: %v", sched.Name, err)}
			}
			loc = l
		}
		expr, err := cron.ParseStandard(sched.CronExpression)
		if err != nil {
			return time.Time{}, &errors.ValidationError{Field: "cron_expression",
				Message: fmt.Sprintf("schedule %q: %v", sched.Name, err)}
		}
		return expr.Next(after.In(loc)).UTC(), nil

	case sched.IntervalSeconds > 0:
		return after.Add(time.Duration(sched.IntervalSeconds) * time.Second).UTC(), nil

	default:
		return time.Time{}, &errors.ValidationError{Field: "schedule",
			Message: fmt.Sprintf("schedule %q has neither cron nor interval", sched.Name)}
	}
}
