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

// Package guard provides named mutual-exclusion locks with owner and
// expiry, backed by core_concurrency_locks.
package guard

import (
	"context"
	"log/slog"
	"time"

	"github.com/ryansmccoy/spine-core/internal/repo"
	"github.com/ryansmccoy/spine-core/internal/storage"
)

// DefaultTTL bounds a lock's life when the caller does not choose one.
const DefaultTTL = 10 * time.Minute

// Guard acquires and releases concurrency locks.
type Guard struct {
	db     *storage.DB
	now    func() time.Time
	logger *slog.Logger
}

// New creates a guard over db.
func New(db *storage.DB, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		db:     db,
		now:    time.Now,
		logger: logger.With(slog.String("component", "guard")),
	}
}

// WithClock overrides the time source. Tests pass a virtual clock.
func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.now = now
	return g
}

// Acquire takes the lock for owner with the given TTL. Re-acquisition by
// the same owner refreshes the expiry. Expired locks are stolen. Returns
// false when a live lock is held by someone else.
func (g *Guard) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := g.now().UTC()
	locks := repo.NewLockRepository(g.db)

	err := locks.Insert(ctx, &repo.ConcurrencyLock{
		LockKey:     key,
		ExecutionID: owner,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(ttl),
	})
	if err == nil {
		return true, nil
	}
	if !storage.IsConstraint(err) {
		return false, err
	}

	existing, err := locks.Get(ctx, key)
	if err != nil {
		if storage.IsNotFound(err) {
			// Holder released between our insert and read; try again.
			return g.Acquire(ctx, key, owner, ttl)
		}
		return false, err
	}

	if !existing.ExpiresAt.After(now) {
		stolen, err := locks.Steal(ctx, key, owner, now, now.Add(ttl))
		if err != nil {
			return false, err
		}
		if stolen {
			g.logger.Info("stole expired lock",
				slog.String("lock_key", key),
				slog.String("previous_owner", existing.ExecutionID))
		}
		return stolen, nil
	}

	if existing.ExecutionID == owner {
		return locks.Refresh(ctx, key, owner, now.Add(ttl))
	}

	return false, nil
}

// Release drops the lock if owner holds it. Missing rows are ignored.
func (g *Guard) Release(ctx context.Context, key, owner string) error {
	return repo.NewLockRepository(g.db).Delete(ctx, key, owner)
}

// Extend pushes out the expiry of a lock owner already holds.
func (g *Guard) Extend(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return repo.NewLockRepository(g.db).Refresh(ctx, key, owner, g.now().UTC().Add(ttl))
}
