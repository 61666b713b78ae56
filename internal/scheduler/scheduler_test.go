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

package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ryansmccoy/spine-core/internal/repo"
	"github.com/ryansmccoy/spine-core/internal/storage"
)

type fakeSubmitter struct {
	calls []string
	fail  bool
}

func (f *fakeSubmitter) SubmitScheduled(ctx context.Context, s *repo.Schedule) (string, repo.ScheduleRunStatus, error) {
	if f.fail {
		return "", repo.ScheduleRunFailed, fmt.Errorf("dispatch refused")
	}
	id := fmt.Sprintf("exec-%d", len(f.calls)+1)
	f.calls = append(f.calls, s.Name)
	return id, repo.ScheduleRunCompleted, nil
}

type fakeCounter struct {
	running int
}

func (f *fakeCounter) CountByStatus(ctx context.Context, workflow string, status repo.ExecutionStatus) (int, error) {
	return f.running, nil
}

type schedulerHarness struct {
	s         *Scheduler
	db        *storage.DB
	submitter *fakeSubmitter
	counter   *fakeCounter
	now       time.Time
}

func newHarness(t *testing.T) *schedulerHarness {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Open(ctx, storage.Config{URL: ":memory:"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(ctx, db); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	h := &schedulerHarness{
		db:        db,
		submitter: &fakeSubmitter{},
		counter:   &fakeCounter{},
		now:       time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
	h.s = New(Config{
		DB:        db,
		Submitter: h.submitter,
		Counter:   h.counter,
	}).WithClock(func() time.Time { return h.now })
	return h
}

func (h *schedulerHarness) createSchedule(t *testing.T, s *repo.Schedule) *repo.Schedule {
	t.Helper()
	ctx := context.Background()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.Enabled = true
	if s.MaxInstances == 0 {
		s.MaxInstances = 1
	}
	s.CreatedAt = h.now
	s.UpdatedAt = h.now
	if s.NextRunAt == nil {
		next, err := NextOccurrence(s, h.now)
		if err != nil {
			t.Fatal(err)
		}
		s.NextRunAt = &next
	}
	if err := repo.NewScheduleRepository(h.db).Create(ctx, s); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestNextOccurrence(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 30, 0, time.UTC)

	t.Run("cron", func(t *testing.T) {
		s := &repo.Schedule{Name: "c", CronExpression: "*/15 * * * *"}
		next, err := NextOccurrence(s, base)
		if err != nil {
			t.Fatal(err)
		}
		want := time.Date(2026, 3, 2, 10, 15, 0, 0, time.UTC)
		if !next.Equal(want) {
			t.Errorf("next = %v, want %v", next, want)
		}
	})

	t.Run("interval", func(t *testing.T) {
		s := &repo.Schedule{Name: "i", IntervalSeconds: 90}
		next, _ := NextOccurrence(s, base)
		if !next.Equal(base.Add(90 * time.Second)) {
			t.Errorf("next = %v", next)
		}
	})

	t.Run("timezone", func(t *testing.T) {
		s := &repo.Schedule{Name: "tz", CronExpression: "0 9 * * *", Timezone: "America/New_York"}
		next, err := NextOccurrence(s, base)
		if err != nil {
			t.Fatal(err)
		}
		loc, _ := time.LoadLocation("America/New_York")
		if got := next.In(loc); got.Hour() != 9 || got.Minute() != 0 {
			t.Errorf("local next = %v, want 09:00", got)
		}
	})

	t.Run("neither cron nor interval", func(t *testing.T) {
		if _, err := NextOccurrence(&repo.Schedule{Name: "empty"}, base); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestDueEvaluation(t *testing.T) {
	// S7: every-minute cron, clock advanced 2 minutes, one tick: exactly
	// two schedule runs, each linked to a completed execution.
	h := newHarness(t)
	ctx := context.Background()

	sched := h.createSchedule(t, &repo.Schedule{
		Name:                "s1",
		TargetType:          repo.TargetOperation,
		TargetName:          "tick.op",
		CronExpression:      "*/1 * * * *",
		MisfireGraceSeconds: 300,
	})

	h.now = h.now.Add(2 * time.Minute)
	if err := h.s.Tick(ctx); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	runs, err := repo.NewScheduleRepository(h.db).ListRuns(ctx, sched.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("schedule runs = %d, want 2", len(runs))
	}
	for _, run := range runs {
		if run.Status != repo.ScheduleRunCompleted {
			t.Errorf("run status = %v, want COMPLETED", run.Status)
		}
		if run.ExecutionID == "" {
			t.Error("run not linked to an execution")
		}
	}

	after, _ := repo.NewScheduleRepository(h.db).GetByID(ctx, sched.ID)
	if after.LastRunAt == nil || !after.LastRunAt.Equal(h.now) {
		t.Errorf("LastRunAt = %v, want %v", after.LastRunAt, h.now)
	}
	if after.NextRunAt == nil || !after.NextRunAt.After(h.now) {
		t.Errorf("NextRunAt = %v, want after %v", after.NextRunAt, h.now)
	}

	// Determinism: a second tick at the same instant dispatches nothing.
	before := len(h.submitter.calls)
	if err := h.s.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	if len(h.submitter.calls) != before {
		t.Errorf("second tick dispatched %d more runs", len(h.submitter.calls)-before)
	}
}

func TestMisfirePolicy(t *testing.T) {
	// S8: scheduler down past the grace window; old occurrences are
	// recorded MISSED and never backfilled; one in-grace catch-up runs.
	h := newHarness(t)
	ctx := context.Background()

	sched := h.createSchedule(t, &repo.Schedule{
		Name:                "s1",
		TargetType:          repo.TargetOperation,
		TargetName:          "tick.op",
		CronExpression:      "*/1 * * * *",
		MisfireGraceSeconds: 60,
	})

	// Down for 10 minutes; tick at +10m30s. Occurrences older than 60s
	// are misfires; only the +10m occurrence (age 30s) is in grace.
	h.now = h.now.Add(10*time.Minute + 30*time.Second)
	if err := h.s.Tick(ctx); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	if got := len(h.submitter.calls); got != 1 {
		t.Errorf("dispatches = %d, want 1 catch-up", got)
	}

	runs, _ := repo.NewScheduleRepository(h.db).ListRuns(ctx, sched.ID, 50)
	var missed, completed int
	for _, run := range runs {
		switch run.Status {
		case repo.ScheduleRunMissed:
			missed++
		case repo.ScheduleRunCompleted:
			completed++
		}
	}
	if completed != 1 {
		t.Errorf("completed = %d, want 1", completed)
	}
	if missed != 9 {
		t.Errorf("missed = %d, want 9", missed)
	}
}

func TestMaxInstances(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sched := h.createSchedule(t, &repo.Schedule{
		Name:                "busy",
		TargetType:          repo.TargetOperation,
		TargetName:          "long.op",
		IntervalSeconds:     60,
		MaxInstances:        1,
		MisfireGraceSeconds: 600,
	})

	h.counter.running = 1
	h.now = h.now.Add(90 * time.Second)
	if err := h.s.Tick(ctx); err != nil {
		t.Fatal(err)
	}

	if len(h.submitter.calls) != 0 {
		t.Errorf("dispatched %d runs with max instances reached", len(h.submitter.calls))
	}
	runs, _ := repo.NewScheduleRepository(h.db).ListRuns(ctx, sched.ID, 10)
	if len(runs) != 1 || runs[0].Status != repo.ScheduleRunSkipped {
		t.Errorf("runs = %+v, want one SKIPPED", runs)
	}
}

func TestFailedDispatchRecorded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.submitter.fail = true

	sched := h.createSchedule(t, &repo.Schedule{
		Name:                "flappy",
		TargetType:          repo.TargetOperation,
		TargetName:          "op",
		IntervalSeconds:     60,
		MisfireGraceSeconds: 600,
	})

	h.now = h.now.Add(2 * time.Minute)
	if err := h.s.Tick(ctx); err != nil {
		t.Fatalf("Tick() error = %v (schedule failures must not fail the tick)", err)
	}

	runs, _ := repo.NewScheduleRepository(h.db).ListRuns(ctx, sched.ID, 10)
	if len(runs) == 0 {
		t.Fatal("no runs recorded")
	}
	for _, run := range runs {
		if run.Status != repo.ScheduleRunFailed {
			t.Errorf("run status = %v, want FAILED", run.Status)
		}
	}

	// The next occurrence still advanced.
	after, _ := repo.NewScheduleRepository(h.db).GetByID(ctx, sched.ID)
	if after.NextRunAt == nil || !after.NextRunAt.After(h.now) {
		t.Errorf("NextRunAt = %v, want after now", after.NextRunAt)
	}
}

func TestSchedulerLockExcludes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Another instance holds the lock with a live TTL.
	other := repo.NewScheduleRepository(h.db)
	ok, err := other.AcquireSchedulerLock(ctx, "other-instance", h.now, time.Hour)
	if err != nil || !ok {
		t.Fatalf("seed lock = %v, %v", ok, err)
	}

	h.createSchedule(t, &repo.Schedule{
		Name:            "locked-out",
		TargetType:      repo.TargetOperation,
		TargetName:      "op",
		IntervalSeconds: 1,
	})
	h.now = h.now.Add(time.Minute)
	if err := h.s.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	if len(h.submitter.calls) != 0 {
		t.Error("tick dispatched while another instance held the lock")
	}
}

func TestSeedNextRunOnFirstSight(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sched := h.createSchedule(t, &repo.Schedule{
		Name:            "fresh",
		TargetType:      repo.TargetOperation,
		TargetName:      "op",
		IntervalSeconds: 60,
		NextRunAt:       nil,
	})
	// Clear the seeded value to simulate a row created without one.
	if _, err := h.db.ExecContext(ctx, `UPDATE core_schedules SET next_run_at = NULL WHERE id = ?`, sched.ID); err != nil {
		t.Fatal(err)
	}

	if err := h.s.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	if len(h.submitter.calls) != 0 {
		t.Error("first sighting should seed, not dispatch")
	}
}
