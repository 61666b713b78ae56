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

// Package repo provides typed repositories over the core_* tables. Each
// table family has exactly one repository; every read and write of
// persisted state goes through here.
package repo

import "time"

// ExecutionStatus is the lifecycle state of an execution.
type ExecutionStatus string

// Execution statuses.
const (
	StatusPending   ExecutionStatus = "PENDING"
	StatusQueued    ExecutionStatus = "QUEUED"
	StatusRunning   ExecutionStatus = "RUNNING"
	StatusCompleted ExecutionStatus = "COMPLETED"
	StatusFailed    ExecutionStatus = "FAILED"
	StatusCancelled ExecutionStatus = "CANCELLED"
	StatusSkipped   ExecutionStatus = "SKIPPED"
)

// IsTerminal returns true if the status is terminal (no further transitions).
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	}
	return false
}

// IsValid checks if a status is one of the known values.
func (s ExecutionStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusRunning, StatusCompleted,
		StatusFailed, StatusCancelled, StatusSkipped:
		return true
	}
	return false
}

// TriggerSource is the origin of a submission.
type TriggerSource string

// Trigger sources.
const (
	TriggerAPI      TriggerSource = "API"
	TriggerCLI      TriggerSource = "CLI"
	TriggerSchedule TriggerSource = "SCHEDULE"
	TriggerRetry    TriggerSource = "RETRY"
	TriggerWorkflow TriggerSource = "WORKFLOW"
	TriggerInternal TriggerSource = "INTERNAL"
)

// EventType is the kind of an execution lifecycle event.
type EventType string

// Event types.
const (
	EventCreated          EventType = "CREATED"
	EventStarted          EventType = "STARTED"
	EventProgress         EventType = "PROGRESS"
	EventCompleted        EventType = "COMPLETED"
	EventFailed           EventType = "FAILED"
	EventCancelled        EventType = "CANCELLED"
	EventContainerCreated EventType = "CONTAINER_CREATED"
	EventCleanupStarted   EventType = "CLEANUP_STARTED"
	EventCleanupCompleted EventType = "CLEANUP_COMPLETED"
)

// EventForStatus returns the event type recorded when an execution enters
// the given status.
func EventForStatus(s ExecutionStatus) EventType {
	switch s {
	case StatusRunning:
		return EventStarted
	case StatusCompleted:
		return EventCompleted
	case StatusFailed:
		return EventFailed
	case StatusCancelled, StatusSkipped:
		return EventCancelled
	default:
		return EventProgress
	}
}

// Execution is a single run of an operation or a workflow step.
type Execution struct {
	ID                string          `json:"id"`
	Workflow          string          `json:"workflow"`
	Params            map[string]any  `json:"params,omitempty"`
	Status            ExecutionStatus `json:"status"`
	Lane              string          `json:"lane"`
	TriggerSource     TriggerSource   `json:"trigger_source"`
	ParentExecutionID string          `json:"parent_execution_id,omitempty"`
	IdempotencyKey    string          `json:"idempotency_key,omitempty"`
	RetryCount        int             `json:"retry_count"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	Result            map[string]any  `json:"result,omitempty"`
	Error             string          `json:"error,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// ExecutionEvent is an append-only lifecycle marker.
type ExecutionEvent struct {
	ID          int64          `json:"id"`
	ExecutionID string         `json:"execution_id"`
	EventType   EventType      `json:"event_type"`
	Timestamp   time.Time      `json:"timestamp"`
	Data        map[string]any `json:"data,omitempty"`
}

// WorkItemState is the lifecycle state of a queued work item.
type WorkItemState string

// Work item states.
const (
	ItemPending   WorkItemState = "PENDING"
	ItemRunning   WorkItemState = "RUNNING"
	ItemComplete  WorkItemState = "COMPLETE"
	ItemFailed    WorkItemState = "FAILED"
	ItemRetryWait WorkItemState = "RETRY_WAIT"
	ItemCancelled WorkItemState = "CANCELLED"
)

// IsTerminal returns true for states with no further transitions.
func (s WorkItemState) IsTerminal() bool {
	return s == ItemComplete || s == ItemFailed || s == ItemCancelled
}

// WorkItem is a queued job waiting to be claimed.
type WorkItem struct {
	ID                 int64          `json:"id"`
	Domain             string         `json:"domain"`
	Workflow           string         `json:"workflow"`
	PartitionKey       map[string]any `json:"partition_key"`
	DesiredAt          *time.Time     `json:"desired_at,omitempty"`
	Priority           int            `json:"priority"`
	State              WorkItemState  `json:"state"`
	AttemptCount       int            `json:"attempt_count"`
	MaxAttempts        int            `json:"max_attempts"`
	LastError          string         `json:"last_error,omitempty"`
	LastErrorAt        *time.Time     `json:"last_error_at,omitempty"`
	NextAttemptAt      *time.Time     `json:"next_attempt_at,omitempty"`
	CurrentExecutionID string         `json:"current_execution_id,omitempty"`
	LatestExecutionID  string         `json:"latest_execution_id,omitempty"`
	LockedBy           string         `json:"locked_by,omitempty"`
	LockedAt           *time.Time     `json:"locked_at,omitempty"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// ConcurrencyLock is a mutual-exclusion row.
type ConcurrencyLock struct {
	LockKey     string    `json:"lock_key"`
	ExecutionID string    `json:"execution_id"`
	AcquiredAt  time.Time `json:"acquired_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// DeadLetter is an exhausted failure captured for operator action.
type DeadLetter struct {
	ID          int64          `json:"id"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Workflow    string         `json:"workflow"`
	Params      map[string]any `json:"params,omitempty"`
	Error       string         `json:"error,omitempty"`
	RetryCount  int            `json:"retry_count"`
	MaxRetries  int            `json:"max_retries"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy  string         `json:"resolved_by,omitempty"`
	ReplayCount int            `json:"replay_count"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ManifestRow is a per-partition, per-stage data-readiness breadcrumb.
type ManifestRow struct {
	Domain       string         `json:"domain"`
	PartitionKey map[string]any `json:"partition_key"`
	Stage        string         `json:"stage"`
	StageRank    int            `json:"stage_rank"`
	RowCount     int64          `json:"row_count"`
	ExecutionID  string         `json:"execution_id,omitempty"`
	BatchID      string         `json:"batch_id,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Known manifest stages in pipeline order.
var stageRanks = map[string]int{
	"raw":        10,
	"normalized": 20,
	"published":  30,
}

// StageRank returns the ordering rank for a stage name. Unknown stages rank
// after the known pipeline.
func StageRank(stage string) int {
	if r, ok := stageRanks[stage]; ok {
		return r
	}
	return 100
}

// RejectRow is an append-only audit record of a data-quality rejection.
type RejectRow struct {
	ID           int64          `json:"id"`
	Domain       string         `json:"domain"`
	PartitionKey map[string]any `json:"partition_key,omitempty"`
	Stage        string         `json:"stage,omitempty"`
	ReasonCode   string         `json:"reason_code"`
	ReasonDetail string         `json:"reason_detail,omitempty"`
	RawJSON      map[string]any `json:"raw_json,omitempty"`
	ExecutionID  string         `json:"execution_id,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// ScheduleTargetType says whether a schedule triggers an operation or a
// workflow.
type ScheduleTargetType string

// Schedule target types.
const (
	TargetOperation ScheduleTargetType = "operation"
	TargetWorkflow  ScheduleTargetType = "workflow"
)

// Schedule is a periodic trigger.
type Schedule struct {
	ID                  string             `json:"id"`
	Name                string             `json:"name"`
	TargetType          ScheduleTargetType `json:"target_type"`
	TargetName          string             `json:"target_name"`
	CronExpression      string             `json:"cron_expression,omitempty"`
	IntervalSeconds     int                `json:"interval_seconds,omitempty"`
	Timezone            string             `json:"timezone"`
	Params              map[string]any     `json:"params,omitempty"`
	Enabled             bool               `json:"enabled"`
	MaxInstances        int                `json:"max_instances"`
	MisfireGraceSeconds int                `json:"misfire_grace_seconds"`
	LastRunAt           *time.Time         `json:"last_run_at,omitempty"`
	NextRunAt           *time.Time         `json:"next_run_at,omitempty"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

// ScheduleRunStatus is the outcome of one scheduled occurrence.
type ScheduleRunStatus string

// Schedule run statuses.
const (
	ScheduleRunRunning   ScheduleRunStatus = "RUNNING"
	ScheduleRunCompleted ScheduleRunStatus = "COMPLETED"
	ScheduleRunFailed    ScheduleRunStatus = "FAILED"
	ScheduleRunMissed    ScheduleRunStatus = "MISSED"
	ScheduleRunSkipped   ScheduleRunStatus = "SKIPPED"
)

// ScheduleRun links a schedule occurrence to the execution it dispatched.
type ScheduleRun struct {
	ID           int64             `json:"id"`
	ScheduleID   string            `json:"schedule_id"`
	ExecutionID  string            `json:"execution_id,omitempty"`
	ScheduledFor time.Time         `json:"scheduled_for"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	Status       ScheduleRunStatus `json:"status"`
	Detail       string            `json:"detail,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// QualityCheck records the outcome of one data-quality gate.
type QualityCheck struct {
	ID           int64          `json:"id"`
	Domain       string         `json:"domain"`
	PartitionKey map[string]any `json:"partition_key,omitempty"`
	CheckName    string         `json:"check_name"`
	Passed       bool           `json:"passed"`
	Severity     string         `json:"severity"`
	Detail       string         `json:"detail,omitempty"`
	ExecutionID  string         `json:"execution_id,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Anomaly is an append-only record of unexpected platform behavior.
type Anomaly struct {
	ID          int64          `json:"id"`
	Domain      string         `json:"domain"`
	Kind        string         `json:"kind"`
	Severity    string         `json:"severity"`
	Detail      string         `json:"detail,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	ExecutionID string         `json:"execution_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// AlertChannel is a configured delivery target for alerts.
type AlertChannel struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Kind      string         `json:"kind"`
	Config    map[string]any `json:"config,omitempty"`
	Enabled   bool           `json:"enabled"`
	CreatedAt time.Time      `json:"created_at"`
}

// Alert is a raised notification.
type Alert struct {
	ID          int64     `json:"id"`
	Severity    string    `json:"severity"`
	Title       string    `json:"title"`
	Body        string    `json:"body,omitempty"`
	Source      string    `json:"source,omitempty"`
	ExecutionID string    `json:"execution_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// AlertDelivery records one delivery attempt of an alert to a channel.
type AlertDelivery struct {
	ID          int64      `json:"id"`
	AlertID     int64      `json:"alert_id"`
	ChannelID   string     `json:"channel_id"`
	Status      string     `json:"status"`
	Detail      string     `json:"detail,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Source is a registered upstream data source.
type Source struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Kind      string         `json:"kind"`
	URL       string         `json:"url,omitempty"`
	Config    map[string]any `json:"config,omitempty"`
	Enabled   bool           `json:"enabled"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// SourceFetch records one fetch attempt against a source.
type SourceFetch struct {
	ID        int64     `json:"id"`
	SourceID  string    `json:"source_id"`
	Status    string    `json:"status"`
	Bytes     int64     `json:"bytes"`
	Detail    string    `json:"detail,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Page describes pagination metadata for list responses.
type Page struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// NewPage computes pagination metadata.
func NewPage(total, limit, offset int) Page {
	return Page{
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+limit < total,
	}
}
