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

// SourceRepository reads and writes core_sources and its fetch log.
type SourceRepository struct {
	q storage.Querier
}

// NewSourceRepository creates a repository over q.
func NewSourceRepository(q storage.Querier) *SourceRepository {
	return &SourceRepository{q: q}
}

// Create registers a source.
func (r *SourceRepository) Create(ctx context.Context, s *Source) error {
	config, err := marshalJSON(s.Config)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO core_sources (id, name, kind, url, config, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Name, s.Kind, nullString(s.URL), config, boolInt(s.Enabled),
		storage.FormatTime(s.CreatedAt), storage.FormatTime(s.UpdatedAt))
	return err
}

// GetByID returns one source.
func (r *SourceRepository) GetByID(ctx context.Context, id string) (*Source, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT id, name, kind, url, config, enabled, created_at, updated_at
		FROM core_sources WHERE id = ?`, id)
	s, err := scanSource(row.Scan)
	if err != nil {
		return nil, storage.Classify(err)
	}
	return s, nil
}

// List returns sources ordered by name with the total count.
func (r *SourceRepository) List(ctx context.Context, kind string, limit, offset int) ([]*Source, int, error) {
	w := &Where{}
	w.Eq("kind", kind)
	where, args := w.Clause()

	total, err := countUnder(ctx, r.q, "core_sources", where, args)
	if err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, name, kind, url, config, enabled, created_at, updated_at
		FROM core_sources`+where+`
		ORDER BY name ASC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Source
	for rows.Next() {
		s, err := scanSource(rows.Scan)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan source: %w", err)
		}
		out = append(out, s)
	}
	return out, total, rows.Err()
}

// Update rewrites a source's mutable fields.
func (r *SourceRepository) Update(ctx context.Context, s *Source) (bool, error) {
	config, err := marshalJSON(s.Config)
	if err != nil {
		return false, err
	}
	res, err := r.q.ExecContext(ctx, `
		UPDATE core_sources SET name = ?, kind = ?, url = ?, config = ?, enabled = ?, updated_at = ?
		WHERE id = ?`,
		s.Name, s.Kind, nullString(s.URL), config, boolInt(s.Enabled),
		storage.FormatTime(s.UpdatedAt), s.ID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Delete removes a source.
func (r *SourceRepository) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.q.ExecContext(ctx, `DELETE FROM core_sources WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// AddFetch appends a fetch-log row.
func (r *SourceRepository) AddFetch(ctx context.Context, f *SourceFetch) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO core_source_fetches (source_id, status, bytes, detail, fetched_at)
		VALUES (?, ?, ?, ?, ?)`,
		f.SourceID, f.Status, f.Bytes, nullString(f.Detail),
		storage.FormatTime(f.FetchedAt))
	return err
}

// ListFetches returns a source's fetch history newest first.
func (r *SourceRepository) ListFetches(ctx context.Context, sourceID string, limit int) ([]*SourceFetch, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, source_id, status, bytes, detail, fetched_at
		FROM core_source_fetches
		WHERE source_id = ?
		ORDER BY fetched_at DESC, id DESC
		LIMIT ?`, sourceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SourceFetch
	for rows.Next() {
		var (
			f       SourceFetch
			detail  sql.NullString
			fetched sql.NullString
		)
		if err := rows.Scan(&f.ID, &f.SourceID, &f.Status, &f.Bytes, &detail, &fetched); err != nil {
			return nil, fmt.Errorf("failed to scan source fetch: %w", err)
		}
		f.Detail = fromNull(detail)
		parseTimeVal(fetched, &f.FetchedAt)
		out = append(out, &f)
	}
	return out, rows.Err()
}

// scanSource reads one source row via the given scan function.
func scanSource(scan func(dest ...any) error) (*Source, error) {
	var (
		s                Source
		url, config      sql.NullString
		created, updated sql.NullString
		enabled          int
	)
	err := scan(&s.ID, &s.Name, &s.Kind, &url, &config, &enabled, &created, &updated)
	if err != nil {
		return nil, err
	}
	s.URL = fromNull(url)
	s.Enabled = enabled != 0
	if err := unmarshalJSON(config, &s.Config); err != nil {
		return nil, err
	}
	parseTimeVal(created, &s.CreatedAt)
	parseTimeVal(updated, &s.UpdatedAt)
	return &s, nil
}
