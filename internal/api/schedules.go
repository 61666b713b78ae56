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

package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ryansmccoy/spine-core/internal/api/httputil"
	"github.com/ryansmccoy/spine-core/internal/app"
	"github.com/ryansmccoy/spine-core/internal/repo"
	"github.com/ryansmccoy/spine-core/internal/scheduler"
	"github.com/ryansmccoy/spine-core/internal/storage"
	"github.com/ryansmccoy/spine-core/pkg/errors"
)

// SchedulesHandler handles schedule-related API requests.
type SchedulesHandler struct {
	app *app.App
}

// NewSchedulesHandler creates a schedules handler.
func NewSchedulesHandler(a *app.App) *SchedulesHandler {
	return &SchedulesHandler{app: a}
}

// RegisterRoutes registers schedule API routes on the router.
func (h *SchedulesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/schedules", h.handleCreate)
	mux.HandleFunc("GET /v1/schedules", h.handleList)
	mux.HandleFunc("GET /v1/schedules/{id}", h.handleGet)
	mux.HandleFunc("PUT /v1/schedules/{id}", h.handleUpdate)
	mux.HandleFunc("DELETE /v1/schedules/{id}", h.handleDelete)
	mux.HandleFunc("GET /v1/schedules/{id}/runs", h.handleListRuns)
}

// ScheduleRequest is the request body for creating or updating a schedule.
type ScheduleRequest struct {
	Name                string         `json:"name"`
	TargetType          string         `json:"target_type"`
	TargetName          string         `json:"target_name"`
	CronExpression      string         `json:"cron_expression,omitempty"`
	IntervalSeconds     int            `json:"interval_seconds,omitempty"`
	Timezone            string         `json:"timezone,omitempty"`
	Params              map[string]any `json:"params,omitempty"`
	Enabled             *bool          `json:"enabled,omitempty"`
	MaxInstances        int            `json:"max_instances,omitempty"`
	MisfireGraceSeconds int            `json:"misfire_grace_seconds,omitempty"`
}

func (req *ScheduleRequest) validate() error {
	if req.Name == "" {
		return &errors.ValidationError{Field: "name", Message: "name is required"}
	}
	switch repo.ScheduleTargetType(req.TargetType) {
	case repo.TargetOperation, repo.TargetWorkflow:
	default:
		return &errors.ValidationError{Field: "target_type",
			Message: "target_type must be operation or workflow"}
	}
	if req.TargetName == "" {
		return &errors.ValidationError{Field: "target_name", Message: "target_name is required"}
	}
	if req.CronExpression == "" && req.IntervalSeconds <= 0 {
		return &errors.ValidationError{Field: "cron_expression",
			Message: "either cron_expression or interval_seconds is required"}
	}
	return nil
}

func (req *ScheduleRequest) apply(s *repo.Schedule) {
	s.Name = req.Name
	s.TargetType = repo.ScheduleTargetType(req.TargetType)
	s.TargetName = req.TargetName
	s.CronExpression = req.CronExpression
	s.IntervalSeconds = req.IntervalSeconds
	if req.Timezone != "" {
		s.Timezone = req.Timezone
	}
	s.Params = req.Params
	if req.Enabled != nil {
		s.Enabled = *req.Enabled
	}
	if req.MaxInstances > 0 {
		s.MaxInstances = req.MaxInstances
	}
	if req.MisfireGraceSeconds > 0 {
		s.MisfireGraceSeconds = req.MisfireGraceSeconds
	}
}

// handleCreate handles POST /v1/schedules.
func (h *SchedulesHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteValidationError(w, "invalid request body: "+err.Error())
		return
	}
	if err := req.validate(); err != nil {
		httputil.WriteError(w, err)
		return
	}

	now := time.Now().UTC()
	s := &repo.Schedule{
		ID:                  uuid.NewString(),
		Enabled:             true,
		MisfireGraceSeconds: h.app.Settings.MisfireGraceSeconds,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	req.apply(s)

	// Seed the first occurrence so the scheduler dispatches on time.
	next, err := scheduler.NextOccurrence(s, now)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	s.NextRunAt = &next

	if err := repo.NewScheduleRepository(h.app.DB).Create(r.Context(), s); err != nil {
		if storage.IsConstraint(err) {
			httputil.WriteError(w, &errors.ConflictError{Resource: "schedule",
				Key: s.Name, Message: "name already exists"})
			return
		}
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteData(w, http.StatusCreated, s)
}

// handleList handles GET /v1/schedules.
func (h *SchedulesHandler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := intParam(q.Get("limit"), 100)
	offset := intParam(q.Get("offset"), 0)

	filter := repo.ScheduleFilter{
		TargetType: q.Get("target_type"),
		Limit:      limit,
		Offset:     offset,
	}
	if v := q.Get("enabled"); v != "" {
		enabled := v == "true" || v == "1"
		filter.Enabled = &enabled
	}

	schedules, total, err := repo.NewScheduleRepository(h.app.DB).List(r.Context(), filter)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteList(w, schedules, repo.NewPage(total, limit, offset))
}

// handleGet handles GET /v1/schedules/{id}.
func (h *SchedulesHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	s, err := repo.NewScheduleRepository(h.app.DB).GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		if storage.IsNotFound(err) {
			err = &errors.NotFoundError{Resource: "schedule", ID: r.PathValue("id")}
		}
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteData(w, http.StatusOK, s)
}

// handleUpdate handles PUT /v1/schedules/{id}.
func (h *SchedulesHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	schedules := repo.NewScheduleRepository(h.app.DB)
	s, err := schedules.GetByID(r.Context(), id)
	if err != nil {
		if storage.IsNotFound(err) {
			err = &errors.NotFoundError{Resource: "schedule", ID: id}
		}
		httputil.WriteError(w, err)
		return
	}

	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteValidationError(w, "invalid request body: "+err.Error())
		return
	}
	if err := req.validate(); err != nil {
		httputil.WriteError(w, err)
		return
	}
	req.apply(s)
	s.UpdatedAt = time.Now().UTC()

	if _, err := schedules.Update(r.Context(), s); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteData(w, http.StatusOK, s)
}

// handleDelete handles DELETE /v1/schedules/{id}.
func (h *SchedulesHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := repo.NewScheduleRepository(h.app.DB).Delete(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if !ok {
		httputil.WriteError(w, &errors.NotFoundError{Resource: "schedule", ID: id})
		return
	}
	httputil.WriteData(w, http.StatusOK, map[string]any{"deleted": id})
}

// handleListRuns handles GET /v1/schedules/{id}/runs.
func (h *SchedulesHandler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := repo.NewScheduleRepository(h.app.DB).
		ListRuns(r.Context(), r.PathValue("id"), intParam(r.URL.Query().Get("limit"), 50))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteData(w, http.StatusOK, runs)
}
