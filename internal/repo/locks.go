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
	"database/sql"
	"time"

	"github.com/ryansmccoy/spine-core/internal/storage"
)

// LockRepository reads and writes core_concurrency_locks.
type LockRepository struct {
	q storage.Querier
}

// NewLockRepository creates a repository over q.
func NewLockRepository(q storage.Querier) *LockRepository {
	return &LockRepository{q: q}
}

// Insert creates a lock row. A CONSTRAINT error means the key is held.
func (r *LockRepository) Insert(ctx context.Context, l *ConcurrencyLock) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO core_concurrency_locks (lock_key, execution_id, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)`,
		l.LockKey, l.ExecutionID,
		storage.FormatTime(l.AcquiredAt), storage.FormatTime(l.ExpiresAt))
	return err
}

// Get returns the lock row for a key.
func (r *LockRepository) Get(ctx context.Context, key string) (*ConcurrencyLock, error) {
	var (
		l                    ConcurrencyLock
		acquired, expires    sql.NullString
	)
	err := r.q.QueryRowContext(ctx, `
		SELECT lock_key, execution_id, acquired_at, expires_at
		FROM core_concurrency_locks WHERE lock_key = ?`, key).
		Scan(&l.LockKey, &l.ExecutionID, &acquired, &expires)
	if err != nil {
		return nil, storage.Classify(err)
	}
	parseTimeVal(acquired, &l.AcquiredAt)
	parseTimeVal(expires, &l.ExpiresAt)
	return &l, nil
}

// Steal atomically takes over an expired lock. Returns true when exactly
// one row changed hands.
func (r *LockRepository) Steal(ctx context.Context, key, owner string, now, expiresAt time.Time) (bool, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE core_concurrency_locks
		SET execution_id = ?, acquired_at = ?, expires_at = ?
		WHERE lock_key = ? AND expires_at <= ?`,
		owner, storage.FormatTime(now), storage.FormatTime(expiresAt),
		key, storage.FormatTime(now))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Refresh extends expiry for a lock the owner already holds.
func (r *LockRepository) Refresh(ctx context.Context, key, owner string, expiresAt time.Time) (bool, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE core_concurrency_locks SET expires_at = ?
		WHERE lock_key = ? AND execution_id = ?`,
		storage.FormatTime(expiresAt), key, owner)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Delete releases a lock held by owner. Missing rows are ignored.
func (r *LockRepository) Delete(ctx context.Context, key, owner string) error {
	_, err := r.q.ExecContext(ctx, `
		DELETE FROM core_concurrency_locks WHERE lock_key = ? AND execution_id = ?`,
		key, owner)
	return err
}
