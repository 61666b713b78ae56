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
	"time"

	"github.com/ryansmccoy/spine-core/internal/storage"
)

// AlertRepository reads and writes the alert tables: channels, alerts,
// deliveries, and the throttle ledger.
type AlertRepository struct {
	q storage.Querier
}

// NewAlertRepository creates a repository over q.
func NewAlertRepository(q storage.Querier) *AlertRepository {
	return &AlertRepository{q: q}
}

// CreateChannel registers a delivery channel.
func (r *AlertRepository) CreateChannel(ctx context.Context, c *AlertChannel) error {
	config, err := marshalJSON(c.Config)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO core_alert_channels (id, name, kind, config, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Kind, config, boolInt(c.Enabled),
		storage.FormatTime(c.CreatedAt))
	return err
}

// ListChannels returns all channels ordered by name.
func (r *AlertRepository) ListChannels(ctx context.Context) ([]*AlertChannel, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, name, kind, config, enabled, created_at
		FROM core_alert_channels ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AlertChannel
	for rows.Next() {
		var (
			c       AlertChannel
			config  sql.NullString
			created sql.NullString
			enabled int
		)
		if err := rows.Scan(&c.ID, &c.Name, &c.Kind, &config, &enabled, &created); err != nil {
			return nil, fmt.Errorf("failed to scan alert channel: %w", err)
		}
		c.Enabled = enabled != 0
		if err := unmarshalJSON(config, &c.Config); err != nil {
			return nil, err
		}
		parseTimeVal(created, &c.CreatedAt)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// DeleteChannel removes a channel.
func (r *AlertRepository) DeleteChannel(ctx context.Context, id string) (bool, error) {
	res, err := r.q.ExecContext(ctx, `DELETE FROM core_alert_channels WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Insert raises an alert.
func (r *AlertRepository) Insert(ctx context.Context, a *Alert) (int64, error) {
	now := storage.FormatTime(a.CreatedAt)
	if r.q.Dialect().Name() == "postgres" {
		var id int64
		err := r.q.QueryRowContext(ctx, `
			INSERT INTO core_alerts (severity, title, body, source, execution_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			RETURNING id`,
			a.Severity, a.Title, nullString(a.Body), nullString(a.Source),
			nullString(a.ExecutionID), now).Scan(&id)
		if err != nil {
			return 0, storage.Classify(err)
		}
		return id, nil
	}
	res, err := r.q.ExecContext(ctx, `
		INSERT INTO core_alerts (severity, title, body, source, execution_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.Severity, a.Title, nullString(a.Body), nullString(a.Source),
		nullString(a.ExecutionID), now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// AlertFilter narrows List results.
type AlertFilter struct {
	Severity string
	Source   string
	Limit    int
	Offset   int
}

// List returns alerts newest first with the total under the same filter.
func (r *AlertRepository) List(ctx context.Context, f AlertFilter) ([]*Alert, int, error) {
	w := &Where{}
	w.Eq("severity", f.Severity).Eq("source", f.Source)
	where, args := w.Clause()

	total, err := countUnder(ctx, r.q, "core_alerts", where, args)
	if err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, severity, title, body, source, execution_id, created_at
		FROM core_alerts`+where+`
		ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Alert
	for rows.Next() {
		var (
			a                    Alert
			body, source, execID sql.NullString
			created              sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.Severity, &a.Title, &body, &source, &execID, &created); err != nil {
			return nil, 0, fmt.Errorf("failed to scan alert: %w", err)
		}
		a.Body = fromNull(body)
		a.Source = fromNull(source)
		a.ExecutionID = fromNull(execID)
		parseTimeVal(created, &a.CreatedAt)
		out = append(out, &a)
	}
	return out, total, rows.Err()
}

// AddDelivery records one delivery attempt.
func (r *AlertRepository) AddDelivery(ctx context.Context, d *AlertDelivery) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO core_alert_deliveries (alert_id, channel_id, status, detail, delivered_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.AlertID, d.ChannelID, d.Status, nullString(d.Detail),
		timeArg(d.DeliveredAt), storage.FormatTime(d.CreatedAt))
	return err
}

// Throttle checks and advances the throttle ledger for a key. It returns
// true when a send is allowed (no send inside the window), recording the
// send in the same call.
func (r *AlertRepository) Throttle(ctx context.Context, key string, now time.Time, window time.Duration) (bool, error) {
	nowStr := storage.FormatTime(now)
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO core_alert_throttle (throttle_key, last_sent_at, send_count)
		VALUES (?, ?, 1)`,
		key, nowStr)
	if err == nil {
		return true, nil
	}
	if !storage.IsConstraint(err) {
		return false, err
	}

	res, err := r.q.ExecContext(ctx, `
		UPDATE core_alert_throttle SET last_sent_at = ?, send_count = send_count + 1
		WHERE throttle_key = ? AND last_sent_at <= ?`,
		nowStr, key, storage.FormatTime(now.Add(-window)))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
