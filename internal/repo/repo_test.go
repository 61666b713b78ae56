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

package repo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryansmccoy/spine-core/internal/storage"
)

func openTestDB(t *testing.T) *storage.DB {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Open(ctx, storage.Config{URL: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.Migrate(ctx, db))
	return db
}

func TestExecutionRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	execs := NewExecutionRepository(db)

	now := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	in := &Execution{
		ID:             "01HZXW0000000000000000TEST",
		Workflow:       "finra.ingest",
		Params:         map[string]any{"week_ending": "2026-02-27", "tier": "OTC"},
		Status:         StatusPending,
		Lane:           "bulk",
		TriggerSource:  TriggerCLI,
		IdempotencyKey: "ik-1",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, execs.Create(ctx, in))

	got, err := execs.GetByID(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, in.Workflow, got.Workflow)
	assert.Equal(t, in.Params, got.Params)
	assert.Equal(t, in.Lane, got.Lane)
	assert.Equal(t, in.TriggerSource, got.TriggerSource)
	assert.Equal(t, in.IdempotencyKey, got.IdempotencyKey)
	assert.True(t, got.CreatedAt.Equal(now))

	byKey, err := execs.GetByIdempotencyKey(ctx, "ik-1")
	require.NoError(t, err)
	assert.Equal(t, in.ID, byKey.ID)

	// create -> get -> list -> get returns the same semantic content.
	list, total, err := execs.List(ctx, ListFilter{Workflow: "finra.ingest"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, list, 1)
	assert.Equal(t, got.Params, list[0].Params)

	again, err := execs.GetByID(ctx, list[0].ID)
	require.NoError(t, err)
	assert.Equal(t, got.Params, again.Params)
	assert.Equal(t, got.Status, again.Status)
}

func TestExecutionNotFound(t *testing.T) {
	db := openTestDB(t)
	_, err := NewExecutionRepository(db).GetByID(context.Background(), "missing")
	assert.True(t, storage.IsNotFound(err), "err = %v", err)
}

func TestIdempotencyKeyUnique(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	execs := NewExecutionRepository(db)
	now := time.Now().UTC()

	require.NoError(t, execs.Create(ctx, &Execution{
		ID: "e1", Workflow: "w", Status: StatusPending,
		IdempotencyKey: "dup", CreatedAt: now, UpdatedAt: now,
	}))
	err := execs.Create(ctx, &Execution{
		ID: "e2", Workflow: "w", Status: StatusPending,
		IdempotencyKey: "dup", CreatedAt: now, UpdatedAt: now,
	})
	assert.True(t, storage.IsConstraint(err), "err = %v", err)
}

func TestEventOrdering(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	execs := NewExecutionRepository(db)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	require.NoError(t, execs.Create(ctx, &Execution{
		ID: "e1", Workflow: "w", Status: StatusPending, CreatedAt: now, UpdatedAt: now,
	}))

	// Two events share a timestamp; insertion order breaks the tie.
	for i, et := range []EventType{EventCreated, EventStarted, EventProgress} {
		ts := now
		if i > 0 {
			ts = now.Add(time.Second)
		}
		require.NoError(t, execs.AddEvent(ctx, &ExecutionEvent{
			ExecutionID: "e1", EventType: et, Timestamp: ts,
		}))
	}

	events, err := execs.ListEvents(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, EventCreated, events[0].EventType)
	assert.Equal(t, EventStarted, events[1].EventType)
	assert.Equal(t, EventProgress, events[2].EventType)
}

func TestWorkItemNaturalKey(t *testing.T) {
	// Invariant 6: UNIQUE(domain, workflow, partition_key).
	db := openTestDB(t)
	ctx := context.Background()
	items := NewWorkItemRepository(db)
	now := time.Now().UTC()

	_, err := items.Insert(ctx, &WorkItem{
		Domain: "finra", Workflow: "ingest",
		PartitionKey: map[string]any{"week": "2026-02-27"},
		CreatedAt:    now,
	})
	require.NoError(t, err)

	_, err = items.Insert(ctx, &WorkItem{
		Domain: "finra", Workflow: "ingest",
		PartitionKey: map[string]any{"week": "2026-02-27"},
		CreatedAt:    now,
	})
	assert.True(t, storage.IsConstraint(err), "err = %v", err)

	// A different partition is a different logical job.
	_, err = items.Insert(ctx, &WorkItem{
		Domain: "finra", Workflow: "ingest",
		PartitionKey: map[string]any{"week": "2026-03-06"},
		CreatedAt:    now,
	})
	require.NoError(t, err)
}

func TestManifestStageOrdering(t *testing.T) {
	// Invariant 9: stage_rank is monotone as the partition advances.
	db := openTestDB(t)
	ctx := context.Background()
	manifest := NewManifestRepository(db)
	pk := map[string]any{"week": "2026-02-27"}
	now := time.Now().UTC()

	for _, stage := range []string{"published", "raw", "normalized"} {
		require.NoError(t, manifest.Upsert(ctx, &ManifestRow{
			Domain: "finra", PartitionKey: pk, Stage: stage,
			RowCount: 100, UpdatedAt: now,
		}))
	}

	rows, err := manifest.ListByPartition(ctx, "finra", pk)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for i := 1; i < len(rows); i++ {
		assert.GreaterOrEqual(t, rows[i].StageRank, rows[i-1].StageRank)
	}
	assert.Equal(t, "raw", rows[0].Stage)
	assert.Equal(t, "published", rows[2].Stage)

	// Re-running a stage upserts, never duplicates.
	require.NoError(t, manifest.Upsert(ctx, &ManifestRow{
		Domain: "finra", PartitionKey: pk, Stage: "raw",
		RowCount: 250, UpdatedAt: now.Add(time.Minute),
	}))
	rows, _ = manifest.ListByPartition(ctx, "finra", pk)
	require.Len(t, rows, 3)
	assert.Equal(t, int64(250), rows[0].RowCount)
}

func TestRejectsAppendOnly(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	rejects := NewRejectRepository(db)
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		require.NoError(t, rejects.Insert(ctx, &RejectRow{
			Domain:     "finra",
			ReasonCode: "SCHEMA_MISMATCH",
			RawJSON:    map[string]any{"line": float64(i)},
			CreatedAt:  now.Add(time.Duration(i) * time.Second),
		}))
	}

	rows, total, err := rejects.List(ctx, RejectFilter{Domain: "finra"})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	// Newest first.
	assert.Equal(t, float64(2), rows[0].RawJSON["line"])
}

func TestScheduleRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	schedules := NewScheduleRepository(db)
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	next := now.Add(time.Minute)

	in := &Schedule{
		ID: "sch-1", Name: "weekly-etl",
		TargetType: TargetWorkflow, TargetName: "finra.weekly",
		CronExpression: "0 6 * * 1", Timezone: "America/New_York",
		Params:              map[string]any{"tier": "OTC"},
		Enabled:             true,
		MaxInstances:        2,
		MisfireGraceSeconds: 120,
		NextRunAt:           &next,
		CreatedAt:           now, UpdatedAt: now,
	}
	require.NoError(t, schedules.Create(ctx, in))

	got, err := schedules.GetByID(ctx, "sch-1")
	require.NoError(t, err)
	assert.Equal(t, in.Name, got.Name)
	assert.Equal(t, in.CronExpression, got.CronExpression)
	assert.Equal(t, in.Timezone, got.Timezone)
	assert.Equal(t, in.Params, got.Params)
	assert.Equal(t, 2, got.MaxInstances)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.Equal(next))

	byName, err := schedules.GetByName(ctx, "weekly-etl")
	require.NoError(t, err)
	assert.Equal(t, got.ID, byName.ID)

	got.Enabled = false
	got.UpdatedAt = now.Add(time.Minute)
	ok, err := schedules.Update(ctx, got)
	require.NoError(t, err)
	assert.True(t, ok)

	enabled, err := schedules.ListEnabled(ctx)
	require.NoError(t, err)
	assert.Empty(t, enabled)
}

func TestAlertThrottle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	alerts := NewAlertRepository(db)
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	ok, err := alerts.Throttle(ctx, "dq:finra", now, 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "first send allowed")

	ok, err = alerts.Throttle(ctx, "dq:finra", now.Add(time.Minute), 10*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "send inside the window throttled")

	ok, err = alerts.Throttle(ctx, "dq:finra", now.Add(11*time.Minute), 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "send after the window allowed")
}

func TestPage(t *testing.T) {
	p := NewPage(105, 50, 0)
	assert.True(t, p.HasMore)
	p = NewPage(105, 50, 100)
	assert.False(t, p.HasMore)
	assert.Equal(t, 105, p.Total)
}
