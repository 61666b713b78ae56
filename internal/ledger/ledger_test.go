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

package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/ryansmccoy/spine-core/internal/repo"
	"github.com/ryansmccoy/spine-core/internal/storage"
	"github.com/ryansmccoy/spine-core/pkg/errors"
)

func newTestLedger(t *testing.T) *Ledger {
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
	return New(db, nil)
}

func TestCreateExecution(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	exec, err := l.CreateExecution(ctx, CreateRequest{
		Workflow:      "finra.ingest",
		Params:        map[string]any{"week": "2026-03-13"},
		TriggerSource: repo.TriggerAPI,
	})
	if err != nil {
		t.Fatalf("CreateExecution() error = %v", err)
	}
	if exec.Status != repo.StatusPending {
		t.Errorf("Status = %v, want PENDING", exec.Status)
	}
	if exec.Lane != "default" {
		t.Errorf("Lane = %q, want default", exec.Lane)
	}

	events, err := l.Events(ctx, exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].EventType != repo.EventCreated {
		t.Errorf("events = %v, want single CREATED", events)
	}
}

func TestIdempotency(t *testing.T) {
	// S5: same key twice, one row, one CREATED event.
	l := newTestLedger(t)
	ctx := context.Background()

	first, err := l.CreateExecution(ctx, CreateRequest{Workflow: "x", IdempotencyKey: "k1"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := l.CreateExecution(ctx, CreateRequest{Workflow: "x", IdempotencyKey: "k1"})
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Fatalf("ids differ: %s vs %s", first.ID, second.ID)
	}

	_, total, err := l.List(ctx, repo.ListFilter{Workflow: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 {
		t.Errorf("rows = %d, want 1", total)
	}

	events, _ := l.Events(ctx, first.ID)
	created := 0
	for _, ev := range events {
		if ev.EventType == repo.EventCreated {
			created++
		}
	}
	if created != 1 {
		t.Errorf("CREATED events = %d, want 1", created)
	}
}

func TestStatusFSM(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	t.Run("full lifecycle records events", func(t *testing.T) {
		exec, _ := l.CreateExecution(ctx, CreateRequest{Workflow: "life"})

		running, err := l.UpdateStatus(ctx, exec.ID, repo.StatusRunning, UpdateOptions{})
		if err != nil {
			t.Fatalf("-> RUNNING error = %v", err)
		}
		if running.StartedAt == nil {
			t.Error("StartedAt not set on RUNNING")
		}

		done, err := l.UpdateStatus(ctx, exec.ID, repo.StatusCompleted, UpdateOptions{
			Result: map[string]any{"rows": float64(10)},
		})
		if err != nil {
			t.Fatalf("-> COMPLETED error = %v", err)
		}
		if done.CompletedAt == nil {
			t.Error("CompletedAt not set on COMPLETED")
		}
		if done.Result["rows"] != float64(10) {
			t.Errorf("Result = %v", done.Result)
		}

		events, _ := l.Events(ctx, exec.ID)
		var types []repo.EventType
		for _, ev := range events {
			types = append(types, ev.EventType)
		}
		want := []repo.EventType{repo.EventCreated, repo.EventStarted, repo.EventCompleted}
		if len(types) != len(want) {
			t.Fatalf("event stream = %v, want %v", types, want)
		}
		for i := range want {
			if types[i] != want[i] {
				t.Fatalf("event stream = %v, want %v", types, want)
			}
		}
	})

	t.Run("terminal rows never transition", func(t *testing.T) {
		exec, _ := l.CreateExecution(ctx, CreateRequest{Workflow: "term"})
		l.UpdateStatus(ctx, exec.ID, repo.StatusRunning, UpdateOptions{})
		l.UpdateStatus(ctx, exec.ID, repo.StatusFailed, UpdateOptions{Error: "x"})

		_, err := l.UpdateStatus(ctx, exec.ID, repo.StatusRunning, UpdateOptions{})
		if errors.CategoryOf(err) != errors.CategoryConflict {
			t.Errorf("terminal transition error = %v, want CONFLICT", err)
		}
	})

	t.Run("illegal transition rejected", func(t *testing.T) {
		exec, _ := l.CreateExecution(ctx, CreateRequest{Workflow: "illegal"})
		_, err := l.UpdateStatus(ctx, exec.ID, repo.StatusCompleted, UpdateOptions{})
		if errors.CategoryOf(err) != errors.CategoryConflict {
			t.Errorf("PENDING -> COMPLETED error = %v, want CONFLICT", err)
		}
	})

	t.Run("pre-run cancellation", func(t *testing.T) {
		exec, _ := l.CreateExecution(ctx, CreateRequest{Workflow: "precancel"})
		cancelled, err := l.UpdateStatus(ctx, exec.ID, repo.StatusCancelled, UpdateOptions{})
		if err != nil {
			t.Fatalf("PENDING -> CANCELLED error = %v", err)
		}
		if cancelled.CompletedAt == nil {
			t.Error("CompletedAt not set on CANCELLED")
		}
	})

	t.Run("unknown status rejected", func(t *testing.T) {
		exec, _ := l.CreateExecution(ctx, CreateRequest{Workflow: "bad"})
		_, err := l.UpdateStatus(ctx, exec.ID, repo.ExecutionStatus("WEDGED"), UpdateOptions{})
		if errors.CategoryOf(err) != errors.CategoryValidation {
			t.Errorf("unknown status error = %v, want VALIDATION", err)
		}
	})
}

func TestCachedResult(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	exec, _ := l.CreateExecution(ctx, CreateRequest{Workflow: "cache", IdempotencyKey: "ck"})
	if _, done, _ := l.CachedResult(ctx, "ck"); done {
		t.Error("incomplete execution should not serve the replay cache")
	}

	l.UpdateStatus(ctx, exec.ID, repo.StatusRunning, UpdateOptions{})
	l.UpdateStatus(ctx, exec.ID, repo.StatusCompleted, UpdateOptions{Result: map[string]any{"v": "r"}})

	cached, done, err := l.CachedResult(ctx, "ck")
	if err != nil {
		t.Fatal(err)
	}
	if !done || cached.Result["v"] != "r" {
		t.Errorf("cached = %v done = %v", cached, done)
	}

	if _, done, _ := l.CachedResult(ctx, "missing"); done {
		t.Error("missing key should not be done")
	}
}

func TestListOrdering(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	l.WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})

	var ids []string
	for i := 0; i < 3; i++ {
		exec, _ := l.CreateExecution(ctx, CreateRequest{Workflow: "order"})
		l.UpdateStatus(ctx, exec.ID, repo.StatusRunning, UpdateOptions{})
		ids = append(ids, exec.ID)
	}

	execs, total, err := l.List(ctx, repo.ListFilter{Workflow: "order"})
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 {
		t.Fatalf("total = %d, want 3", total)
	}
	if execs[0].ID != ids[2] {
		t.Errorf("newest first expected, got %s", execs[0].ID)
	}
}

func TestNewIDSorts(t *testing.T) {
	l := newTestLedger(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	step := 0
	l.WithClock(func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Millisecond)
	})

	prev := l.NewID()
	for i := 0; i < 10; i++ {
		next := l.NewID()
		if next <= prev {
			t.Fatalf("ids not sortable: %s then %s", prev, next)
		}
		prev = next
	}
}
