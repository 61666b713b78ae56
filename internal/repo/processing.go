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
	"fmt"

	"github.com/ryansmccoy/spine-core/internal/storage"
)

// ManifestRepository reads and upserts core_manifest. Manifest rows are
// append/upsert only.
type ManifestRepository struct {
	q storage.Querier
}

// NewManifestRepository creates a repository over q.
func NewManifestRepository(q storage.Querier) *ManifestRepository {
	return &ManifestRepository{q: q}
}

// Upsert records data readiness for (domain, partition, stage). Re-running
// a stage overwrites its row_count and execution pointer.
func (r *ManifestRepository) Upsert(ctx context.Context, m *ManifestRow) error {
	pk, err := mustJSON(m.PartitionKey)
	if err != nil {
		return err
	}
	if m.StageRank == 0 {
		m.StageRank = StageRank(m.Stage)
	}
	upsert := r.q.Dialect().Upsert(
		[]string{"domain", "partition_key", "stage"},
		[]string{"stage_rank", "row_count", "execution_id", "batch_id", "updated_at"},
	)
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO core_manifest (domain, partition_key, stage, stage_rank, row_count,
			execution_id, batch_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) `+upsert,
		m.Domain, pk, m.Stage, m.StageRank, m.RowCount,
		nullString(m.ExecutionID), nullString(m.BatchID),
		storage.FormatTime(m.UpdatedAt))
	return err
}

// ListByPartition returns a partition's manifest ordered by stage rank.
func (r *ManifestRepository) ListByPartition(ctx context.Context, domain string, partitionKey map[string]any) ([]*ManifestRow, error) {
	pk, err := mustJSON(partitionKey)
	if err != nil {
		return nil, err
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT domain, partition_key, stage, stage_rank, row_count, execution_id, batch_id, updated_at
		FROM core_manifest
		WHERE domain = ? AND partition_key = ?
		ORDER BY stage_rank ASC`, domain, pk)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectManifest(rows)
}

// ListByDomain returns a domain's manifest ordered by partition then stage.
func (r *ManifestRepository) ListByDomain(ctx context.Context, domain string, limit int) ([]*ManifestRow, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT domain, partition_key, stage, stage_rank, row_count, execution_id, batch_id, updated_at
		FROM core_manifest
		WHERE domain = ?
		ORDER BY partition_key, stage_rank ASC
		LIMIT ?`, domain, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectManifest(rows)
}

func collectManifest(rows *sql.Rows) ([]*ManifestRow, error) {
	var out []*ManifestRow
	for rows.Next() {
		var (
			m              ManifestRow
			pk             sql.NullString
			execID, batch  sql.NullString
			updated        sql.NullString
		)
		if err := rows.Scan(&m.Domain, &pk, &m.Stage, &m.StageRank, &m.RowCount,
			&execID, &batch, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan manifest row: %w", err)
		}
		m.ExecutionID = fromNull(execID)
		m.BatchID = fromNull(batch)
		if err := unmarshalJSON(pk, &m.PartitionKey); err != nil {
			return nil, err
		}
		parseTimeVal(updated, &m.UpdatedAt)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// RejectRepository appends to and reads core_rejects. Rows are never
// updated or deleted.
type RejectRepository struct {
	q storage.Querier
}

// NewRejectRepository creates a repository over q.
func NewRejectRepository(q storage.Querier) *RejectRepository {
	return &RejectRepository{q: q}
}

// Insert appends one reject row.
func (r *RejectRepository) Insert(ctx context.Context, rj *RejectRow) error {
	pk, err := marshalJSON(rj.PartitionKey)
	if err != nil {
		return err
	}
	raw, err := marshalJSON(rj.RawJSON)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO core_rejects (domain, partition_key, stage, reason_code, reason_detail,
			raw_json, execution_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rj.Domain, pk, nullString(rj.Stage), rj.ReasonCode, nullString(rj.ReasonDetail),
		raw, nullString(rj.ExecutionID), storage.FormatTime(rj.CreatedAt))
	return err
}

// RejectFilter narrows List results.
type RejectFilter struct {
	Domain     string
	Stage      string
	ReasonCode string
	Limit      int
	Offset     int
}

// List returns rejects newest first with the total under the same filter.
func (r *RejectRepository) List(ctx context.Context, f RejectFilter) ([]*RejectRow, int, error) {
	w := &Where{}
	w.Eq("domain", f.Domain).Eq("stage", f.Stage).Eq("reason_code", f.ReasonCode)
	where, args := w.Clause()

	total, err := countUnder(ctx, r.q, "core_rejects", where, args)
	if err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, domain, partition_key, stage, reason_code, reason_detail, raw_json,
			execution_id, created_at
		FROM core_rejects`+where+`
		ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*RejectRow
	for rows.Next() {
		var (
			rj             RejectRow
			pk, raw        sql.NullString
			stage, detail  sql.NullString
			execID, created sql.NullString
		)
		if err := rows.Scan(&rj.ID, &rj.Domain, &pk, &stage, &rj.ReasonCode,
			&detail, &raw, &execID, &created); err != nil {
			return nil, 0, fmt.Errorf("failed to scan reject row: %w", err)
		}
		rj.Stage = fromNull(stage)
		rj.ReasonDetail = fromNull(detail)
		rj.ExecutionID = fromNull(execID)
		if err := unmarshalJSON(pk, &rj.PartitionKey); err != nil {
			return nil, 0, err
		}
		if err := unmarshalJSON(raw, &rj.RawJSON); err != nil {
			return nil, 0, err
		}
		parseTimeVal(created, &rj.CreatedAt)
		out = append(out, &rj)
	}
	return out, total, rows.Err()
}
