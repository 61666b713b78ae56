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

package guard

import (
	"context"
	"testing"
	"time"

	"github.com/ryansmccoy/spine-core/internal/storage"
)

func newTestGuard(t *testing.T) (*Guard, *time.Time) {
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

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g := New(db, nil).WithClock(func() time.Time { return now })
	return g, &now
}

func TestAcquireRelease(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()

	ok, err := g.Acquire(ctx, "k", "owner-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Acquire() = %v, %v", ok, err)
	}

	// A second owner is refused while the lock lives.
	ok, err = g.Acquire(ctx, "k", "owner-2", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("second owner acquired a live lock")
	}

	// Re-acquisition by the same owner is a no-op refresh.
	ok, err = g.Acquire(ctx, "k", "owner-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("re-acquire = %v, %v", ok, err)
	}

	if err := g.Release(ctx, "k", "owner-1"); err != nil {
		t.Fatal(err)
	}
	ok, _ = g.Acquire(ctx, "k", "owner-2", time.Minute)
	if !ok {
		t.Fatal("lock not acquirable after release")
	}
}

func TestReleaseWrongOwner(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()

	g.Acquire(ctx, "k", "owner-1", time.Minute)
	// Releasing someone else's lock is ignored.
	if err := g.Release(ctx, "k", "intruder"); err != nil {
		t.Fatal(err)
	}
	ok, _ := g.Acquire(ctx, "k", "owner-2", time.Minute)
	if ok {
		t.Fatal("lock fell to a wrong-owner release")
	}
}

func TestStealExpired(t *testing.T) {
	g, now := newTestGuard(t)
	ctx := context.Background()

	g.Acquire(ctx, "k", "owner-1", time.Minute)

	// Before expiry: refused.
	*now = now.Add(30 * time.Second)
	if ok, _ := g.Acquire(ctx, "k", "owner-2", time.Minute); ok {
		t.Fatal("stole a live lock")
	}

	// Past expiry: stolen.
	*now = now.Add(time.Minute)
	ok, err := g.Acquire(ctx, "k", "owner-2", time.Minute)
	if err != nil || !ok {
		t.Fatalf("steal = %v, %v", ok, err)
	}

	// The old owner lost it.
	if ok, _ := g.Acquire(ctx, "k", "owner-1", time.Minute); ok {
		t.Fatal("previous owner re-acquired a stolen lock")
	}
}

func TestExtend(t *testing.T) {
	g, now := newTestGuard(t)
	ctx := context.Background()

	g.Acquire(ctx, "k", "owner-1", time.Minute)
	ok, err := g.Extend(ctx, "k", "owner-1", 10*time.Minute)
	if err != nil || !ok {
		t.Fatalf("Extend() = %v, %v", ok, err)
	}

	// Extension only works for the holder.
	if ok, _ := g.Extend(ctx, "k", "owner-2", time.Minute); ok {
		t.Fatal("non-holder extended the lock")
	}

	// The extension keeps the lock alive past the original TTL.
	*now = now.Add(5 * time.Minute)
	if ok, _ := g.Acquire(ctx, "k", "owner-2", time.Minute); ok {
		t.Fatal("extended lock was stolen early")
	}
}

// Invariant 4: at most one live row per key, ever.
func TestSingleLiveLock(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()

	winners := 0
	for _, owner := range []string{"a", "b", "c", "d"} {
		ok, err := g.Acquire(ctx, "contested", owner, time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}
}
