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

package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// migration pairs a stable name with dialect-templated DDL. The template
// placeholders {time}, {json}, and {serial} expand per dialect.
type migration struct {
	name string
	ddl  []string
}

// migrations is the ordered schema history. Names are recorded in
// _migrations; statements already applied are skipped on the next boot.
var migrations = []migration{
	{
		name: "0001_executions",
		ddl: []string{
			`CREATE TABLE IF NOT EXISTS core_executions (
				id TEXT PRIMARY KEY,
				workflow TEXT NOT NULL,
				params {json},
				status TEXT NOT NULL,
				lane TEXT NOT NULL DEFAULT 'default',
				trigger_source TEXT NOT NULL DEFAULT 'INTERNAL',
				parent_execution_id TEXT,
				idempotency_key TEXT UNIQUE,
				retry_count INTEGER NOT NULL DEFAULT 0,
				started_at {time},
				completed_at {time},
				result {json},
				error TEXT,
				created_at {time} NOT NULL,
				updated_at {time} NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_core_executions_workflow ON core_executions(workflow)`,
			`CREATE INDEX IF NOT EXISTS idx_core_executions_status ON core_executions(status)`,
			`CREATE INDEX IF NOT EXISTS idx_core_executions_started_at ON core_executions(started_at)`,
			`CREATE TABLE IF NOT EXISTS core_execution_events (
				id {serial},
				execution_id TEXT NOT NULL,
				event_type TEXT NOT NULL,
				timestamp {time} NOT NULL,
				data {json}
			)`,
			`CREATE INDEX IF NOT EXISTS idx_core_execution_events_execution ON core_execution_events(execution_id, timestamp)`,
		},
	},
	{
		name: "0002_work_items",
		ddl: []string{
			`CREATE TABLE IF NOT EXISTS core_work_items (
				id {serial},
				domain TEXT NOT NULL,
				workflow TEXT NOT NULL,
				partition_key {json} NOT NULL,
				desired_at {time},
				priority INTEGER NOT NULL DEFAULT 0,
				state TEXT NOT NULL DEFAULT 'PENDING',
				attempt_count INTEGER NOT NULL DEFAULT 0,
				max_attempts INTEGER NOT NULL DEFAULT 3,
				last_error TEXT,
				last_error_at {time},
				next_attempt_at {time},
				current_execution_id TEXT,
				latest_execution_id TEXT,
				locked_by TEXT,
				locked_at {time},
				completed_at {time},
				created_at {time} NOT NULL,
				updated_at {time} NOT NULL,
				UNIQUE(domain, workflow, partition_key)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_core_work_items_state ON core_work_items(state, priority, created_at)`,
		},
	},
	{
		name: "0003_locks",
		ddl: []string{
			`CREATE TABLE IF NOT EXISTS core_concurrency_locks (
				lock_key TEXT PRIMARY KEY,
				execution_id TEXT NOT NULL,
				acquired_at {time} NOT NULL,
				expires_at {time} NOT NULL
			)`,
		},
	},
	{
		name: "0004_dead_letters",
		ddl: []string{
			`CREATE TABLE IF NOT EXISTS core_dead_letters (
				id {serial},
				execution_id TEXT,
				workflow TEXT NOT NULL,
				params {json},
				error TEXT,
				retry_count INTEGER NOT NULL DEFAULT 0,
				max_retries INTEGER NOT NULL DEFAULT 3,
				resolved_at {time},
				resolved_by TEXT,
				replay_count INTEGER NOT NULL DEFAULT 0,
				created_at {time} NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_core_dead_letters_unresolved ON core_dead_letters(resolved_at)`,
		},
	},
	{
		name: "0005_manifest_rejects",
		ddl: []string{
			`CREATE TABLE IF NOT EXISTS core_manifest (
				domain TEXT NOT NULL,
				partition_key {json} NOT NULL,
				stage TEXT NOT NULL,
				stage_rank INTEGER NOT NULL DEFAULT 0,
				row_count INTEGER NOT NULL DEFAULT 0,
				execution_id TEXT,
				batch_id TEXT,
				updated_at {time} NOT NULL,
				PRIMARY KEY (domain, partition_key, stage)
			)`,
			`CREATE TABLE IF NOT EXISTS core_rejects (
				id {serial},
				domain TEXT NOT NULL,
				partition_key {json},
				stage TEXT,
				reason_code TEXT NOT NULL,
				reason_detail TEXT,
				raw_json {json},
				execution_id TEXT,
				created_at {time} NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_core_rejects_domain ON core_rejects(domain, created_at)`,
		},
	},
	{
		name: "0006_schedules",
		ddl: []string{
			`CREATE TABLE IF NOT EXISTS core_schedules (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL UNIQUE,
				target_type TEXT NOT NULL,
				target_name TEXT NOT NULL,
				cron_expression TEXT,
				interval_seconds INTEGER,
				timezone TEXT NOT NULL DEFAULT 'UTC',
				params {json},
				enabled INTEGER NOT NULL DEFAULT 1,
				max_instances INTEGER NOT NULL DEFAULT 1,
				misfire_grace_seconds INTEGER NOT NULL DEFAULT 300,
				last_run_at {time},
				next_run_at {time},
				created_at {time} NOT NULL,
				updated_at {time} NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS core_schedule_runs (
				id {serial},
				schedule_id TEXT NOT NULL,
				execution_id TEXT,
				scheduled_for {time} NOT NULL,
				started_at {time},
				status TEXT NOT NULL,
				detail TEXT,
				created_at {time} NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_core_schedule_runs_schedule ON core_schedule_runs(schedule_id, created_at)`,
			`CREATE TABLE IF NOT EXISTS core_schedule_locks (
				lock_name TEXT PRIMARY KEY,
				locked_by TEXT NOT NULL,
				locked_at {time} NOT NULL,
				expires_at {time} NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS core_expected_schedules (
				id {serial},
				domain TEXT NOT NULL,
				name TEXT NOT NULL,
				cadence TEXT NOT NULL,
				grace_seconds INTEGER NOT NULL DEFAULT 0,
				created_at {time} NOT NULL
			)`,
		},
	},
	{
		name: "0007_workflow_history",
		ddl: []string{
			`CREATE TABLE IF NOT EXISTS core_workflow_runs (
				id TEXT PRIMARY KEY,
				workflow_name TEXT NOT NULL,
				status TEXT NOT NULL,
				params {json},
				dry_run INTEGER NOT NULL DEFAULT 0,
				error_step TEXT,
				error TEXT,
				started_at {time},
				completed_at {time},
				created_at {time} NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS core_workflow_steps (
				id {serial},
				run_id TEXT NOT NULL,
				step_name TEXT NOT NULL,
				step_type TEXT NOT NULL,
				status TEXT NOT NULL,
				execution_id TEXT,
				output {json},
				error TEXT,
				started_at {time},
				completed_at {time}
			)`,
			`CREATE INDEX IF NOT EXISTS idx_core_workflow_steps_run ON core_workflow_steps(run_id)`,
			`CREATE TABLE IF NOT EXISTS core_workflow_events (
				id {serial},
				run_id TEXT NOT NULL,
				event_type TEXT NOT NULL,
				timestamp {time} NOT NULL,
				data {json}
			)`,
		},
	},
	{
		name: "0008_quality_anomalies",
		ddl: []string{
			`CREATE TABLE IF NOT EXISTS core_quality_checks (
				id {serial},
				domain TEXT NOT NULL,
				partition_key {json},
				check_name TEXT NOT NULL,
				passed INTEGER NOT NULL,
				severity TEXT NOT NULL DEFAULT 'WARN',
				detail TEXT,
				execution_id TEXT,
				created_at {time} NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_core_quality_checks_domain ON core_quality_checks(domain, created_at)`,
			`CREATE TABLE IF NOT EXISTS core_anomalies (
				id {serial},
				domain TEXT NOT NULL,
				kind TEXT NOT NULL,
				severity TEXT NOT NULL DEFAULT 'WARN',
				detail TEXT,
				context {json},
				execution_id TEXT,
				created_at {time} NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_core_anomalies_domain ON core_anomalies(domain, created_at)`,
		},
	},
	{
		name: "0009_alerts",
		ddl: []string{
			`CREATE TABLE IF NOT EXISTS core_alert_channels (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL UNIQUE,
				kind TEXT NOT NULL,
				config {json},
				enabled INTEGER NOT NULL DEFAULT 1,
				created_at {time} NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS core_alerts (
				id {serial},
				severity TEXT NOT NULL,
				title TEXT NOT NULL,
				body TEXT,
				source TEXT,
				execution_id TEXT,
				created_at {time} NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS core_alert_deliveries (
				id {serial},
				alert_id INTEGER NOT NULL,
				channel_id TEXT NOT NULL,
				status TEXT NOT NULL,
				detail TEXT,
				delivered_at {time},
				created_at {time} NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS core_alert_throttle (
				throttle_key TEXT PRIMARY KEY,
				last_sent_at {time} NOT NULL,
				send_count INTEGER NOT NULL DEFAULT 0
			)`,
		},
	},
	{
		name: "0010_sources",
		ddl: []string{
			`CREATE TABLE IF NOT EXISTS core_sources (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL UNIQUE,
				kind TEXT NOT NULL,
				url TEXT,
				config {json},
				enabled INTEGER NOT NULL DEFAULT 1,
				created_at {time} NOT NULL,
				updated_at {time} NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS core_source_fetches (
				id {serial},
				source_id TEXT NOT NULL,
				status TEXT NOT NULL,
				bytes INTEGER NOT NULL DEFAULT 0,
				detail TEXT,
				fetched_at {time} NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS core_source_cache (
				cache_key TEXT PRIMARY KEY,
				source_id TEXT NOT NULL,
				payload {json},
				expires_at {time},
				created_at {time} NOT NULL
			)`,
		},
	},
	{
		name: "0011_system",
		ddl: []string{
			`CREATE TABLE IF NOT EXISTS core_database_connections (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL UNIQUE,
				backend TEXT NOT NULL,
				dsn TEXT NOT NULL,
				created_at {time} NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS core_calc_dependencies (
				id {serial},
				domain TEXT NOT NULL,
				calc TEXT NOT NULL,
				depends_on TEXT NOT NULL,
				created_at {time} NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS core_data_readiness (
				domain TEXT NOT NULL,
				partition_key {json} NOT NULL,
				ready INTEGER NOT NULL DEFAULT 0,
				as_of {time} NOT NULL,
				PRIMARY KEY (domain, partition_key)
			)`,
		},
	},
}

// Migrate applies every schema migration not yet recorded in the
// _migrations ledger. Each migration runs in its own transaction.
func Migrate(ctx context.Context, db *DB) error {
	if _, err := db.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS _migrations (filename TEXT PRIMARY KEY, applied_at %s NOT NULL)`,
		db.Dialect().TimeType())); err != nil {
		return fmt.Errorf("failed to create migrations ledger: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := db.QueryContext(ctx, `SELECT filename FROM _migrations`)
	if err != nil {
		return fmt.Errorf("failed to read migrations ledger: %w", err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		applied[name] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, m := range migrations {
		if applied[m.name] {
			continue
		}
		err := db.WithTx(ctx, func(tx *Tx) error {
			for _, stmt := range m.ddl {
				if _, err := tx.ExecContext(ctx, expandDDL(stmt, db.Dialect())); err != nil {
					return fmt.Errorf("migration %s: %w", m.name, err)
				}
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO _migrations (filename, applied_at) VALUES (?, ?)`,
				m.name, FormatTime(time.Now()))
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// expandDDL substitutes the dialect-specific column types into a DDL
// template.
func expandDDL(stmt string, d Dialect) string {
	r := strings.NewReplacer(
		"{time}", d.TimeType(),
		"{json}", d.JSONType(),
		"{serial}", d.SerialPK(),
	)
	return r.Replace(stmt)
}
