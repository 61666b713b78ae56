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

// QualityRepository appends to and reads core_quality_checks.
type QualityRepository struct {
	q storage.Querier
}

// NewQualityRepository creates a repository over q.
func NewQualityRepository(q storage.Querier) *QualityRepository {
	return &QualityRepository{q: q}
}

// Insert appends one quality-check outcome.
func (r *QualityRepository) Insert(ctx context.Context, c *QualityCheck) error {
	pk, err := marshalJSON(c.PartitionKey)
	if err != nil {
		return err
	}
	if c.Severity == "" {
		c.Severity = "WARN"
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO core_quality_checks (domain, partition_key, check_name, passed,
			severity, detail, execution_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Domain, pk, c.CheckName, boolInt(c.Passed), c.Severity,
		nullString(c.Detail), nullString(c.ExecutionID),
		storage.FormatTime(c.CreatedAt))
	return err
}

// QualityFilter narrows List results.
type QualityFilter struct {
	Domain   string
	Severity string
	Failed   bool
	Limit    int
	Offset   int
}

// List returns quality checks newest first with the total under the same
// filter.
func (r *QualityRepository) List(ctx context.Context, f QualityFilter) ([]*QualityCheck, int, error) {
	w := &Where{}
	w.Eq("domain", f.Domain).Eq("severity", f.Severity)
	if f.Failed {
		w.EqAny("passed", 0)
	}
	where, args := w.Clause()

	total, err := countUnder(ctx, r.q, "core_quality_checks", where, args)
	if err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, domain, partition_key, check_name, passed, severity, detail,
			execution_id, created_at
		FROM core_quality_checks`+where+`
		ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*QualityCheck
	for rows.Next() {
		var (
			c               QualityCheck
			pk, detail      sql.NullString
			execID, created sql.NullString
			passed          int
		)
		if err := rows.Scan(&c.ID, &c.Domain, &pk, &c.CheckName, &passed,
			&c.Severity, &detail, &execID, &created); err != nil {
			return nil, 0, fmt.Errorf("failed to scan quality check: %w", err)
		}
		c.Passed = passed != 0
		c.Detail = fromNull(detail)
		c.ExecutionID = fromNull(execID)
		if err := unmarshalJSON(pk, &c.PartitionKey); err != nil {
			return nil, 0, err
		}
		parseTimeVal(created, &c.CreatedAt)
		out = append(out, &c)
	}
	return out, total, rows.Err()
}

// FailureCounts aggregates failed checks per domain.
func (r *QualityRepository) FailureCounts(ctx context.Context) (map[string]int, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT domain, COUNT(*) FROM core_quality_checks WHERE passed = 0 GROUP BY domain`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var domain string
		var n int
		if err := rows.Scan(&domain, &n); err != nil {
			return nil, err
		}
		out[domain] = n
	}
	return out, rows.Err()
}

// AnomalyRepository appends to and reads core_anomalies. Rows are never
// updated or deleted.
type AnomalyRepository struct {
	q storage.Querier
}

// NewAnomalyRepository creates a repository over q.
func NewAnomalyRepository(q storage.Querier) *AnomalyRepository {
	return &AnomalyRepository{q: q}
}

// Insert appends one anomaly.
func (r *AnomalyRepository) Insert(ctx context.Context, a *Anomaly) error {
	contextJSON, err := marshalJSON(a.Context)
	if err != nil {
		return err
	}
	if a.Severity == "" {
		a.Severity = "WARN"
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO core_anomalies (domain, kind, severity, detail, context, execution_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.Domain, a.Kind, a.Severity, nullString(a.Detail), contextJSON,
		nullString(a.ExecutionID), storage.FormatTime(a.CreatedAt))
	return err
}

// AnomalyFilter narrows List results.
type AnomalyFilter struct {
	Domain   string
	Kind     string
	Severity string
	Limit    int
	Offset   int
}

// List returns anomalies newest first with the total under the same filter.
func (r *AnomalyRepository) List(ctx context.Context, f AnomalyFilter) ([]*Anomaly, int, error) {
	w := &Where{}
	w.Eq("domain", f.Domain).Eq("kind", f.Kind).Eq("severity", f.Severity)
	where, args := w.Clause()

	total, err := countUnder(ctx, r.q, "core_anomalies", where, args)
	if err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, domain, kind, severity, detail, context, execution_id, created_at
		FROM core_anomalies`+where+`
		ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Anomaly
	for rows.Next() {
		var (
			a                Anomaly
			detail, ctxJSON  sql.NullString
			execID, created  sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.Domain, &a.Kind, &a.Severity, &detail,
			&ctxJSON, &execID, &created); err != nil {
			return nil, 0, fmt.Errorf("failed to scan anomaly: %w", err)
		}
		a.Detail = fromNull(detail)
		a.ExecutionID = fromNull(execID)
		if err := unmarshalJSON(ctxJSON, &a.Context); err != nil {
			return nil, 0, err
		}
		parseTimeVal(created, &a.CreatedAt)
		out = append(out, &a)
	}
	return out, total, rows.Err()
}
