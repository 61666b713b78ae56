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
	"strconv"

	"github.com/ryansmccoy/spine-core/internal/api/httputil"
	"github.com/ryansmccoy/spine-core/internal/app"
	"github.com/ryansmccoy/spine-core/internal/dispatch"
	"github.com/ryansmccoy/spine-core/internal/repo"
)

// RunsHandler handles run-related API requests.
type RunsHandler struct {
	app *app.App
}

// NewRunsHandler creates a runs handler.
func NewRunsHandler(a *app.App) *RunsHandler {
	return &RunsHandler{app: a}
}

// RegisterRoutes registers run API routes on the router.
func (h *RunsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/runs", h.handleCreate)
	mux.HandleFunc("GET /v1/runs", h.handleList)
	mux.HandleFunc("GET /v1/runs/{id}", h.handleGet)
	mux.HandleFunc("GET /v1/runs/{id}/events", h.handleGetEvents)
	mux.HandleFunc("GET /v1/runs/{id}/steps", h.handleGetSteps)
	mux.HandleFunc("GET /v1/runs/{id}/logs", h.handleGetLogs)
	mux.HandleFunc("POST /v1/runs/{id}/cancel", h.handleCancel)
	mux.HandleFunc("POST /v1/runs/{id}/retry", h.handleRetry)
}

// CreateRunRequest is the request body for creating a run.
type CreateRunRequest struct {
	Kind           string         `json:"kind,omitempty"`
	Name           string         `json:"name"`
	Params         map[string]any `json:"params,omitempty"`
	Lane           string         `json:"lane,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// handleCreate handles POST /v1/runs.
func (h *RunsHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteValidationError(w, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" {
		httputil.WriteValidationError(w, "name is required")
		return
	}

	exec, err := h.app.Dispatcher.Submit(r.Context(), dispatch.SubmitRequest{
		Name:           req.Name,
		Params:         req.Params,
		Lane:           req.Lane,
		IdempotencyKey: req.IdempotencyKey,
		TriggerSource:  repo.TriggerAPI,
	})
	if err != nil && exec == nil {
		httputil.WriteError(w, err)
		return
	}
	if err != nil {
		// Lock contention: the execution records the outcome; surface
		// both the row and the conflict status.
		httputil.WriteData(w, http.StatusConflict, exec)
		return
	}
	httputil.WriteData(w, http.StatusAccepted, map[string]any{
		"run_id": exec.ID,
		"status": exec.Status,
		"result": exec.Result,
	})
}

// handleList handles GET /v1/runs.
func (h *RunsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := intParam(q.Get("limit"), 50)
	offset := intParam(q.Get("offset"), 0)

	execs, total, err := h.app.Ledger.List(r.Context(), repo.ListFilter{
		Workflow: q.Get("workflow"),
		Status:   q.Get("status"),
		Lane:     q.Get("lane"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteList(w, execs, repo.NewPage(total, limit, offset))
}

// handleGet handles GET /v1/runs/{id}.
func (h *RunsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	exec, err := h.app.Ledger.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteData(w, http.StatusOK, exec)
}

// handleGetEvents handles GET /v1/runs/{id}/events.
func (h *RunsHandler) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.app.Ledger.Get(r.Context(), id); err != nil {
		httputil.WriteError(w, err)
		return
	}
	events, err := h.app.Ledger.Events(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteData(w, http.StatusOK, events)
}

// handleGetSteps handles GET /v1/runs/{id}/steps: the child executions a
// workflow run dispatched.
func (h *RunsHandler) handleGetSteps(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	children, total, err := h.app.Ledger.List(r.Context(), repo.ListFilter{
		Parent: id,
		Limit:  200,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteList(w, children, repo.NewPage(total, 200, 0))
}

// handleGetLogs handles GET /v1/runs/{id}/logs. Log transport is
// pluggable; the event stream is the canonical record served here.
func (h *RunsHandler) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.app.Ledger.Get(r.Context(), id); err != nil {
		httputil.WriteError(w, err)
		return
	}
	events, err := h.app.Ledger.Events(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	logs := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		logs = append(logs, map[string]any{
			"timestamp": ev.Timestamp,
			"event":     ev.EventType,
			"data":      ev.Data,
		})
	}
	httputil.WriteData(w, http.StatusOK, logs)
}

// handleCancel handles POST /v1/runs/{id}/cancel.
func (h *RunsHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	exec, err := h.app.Dispatcher.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteData(w, http.StatusOK, exec)
}

// handleRetry handles POST /v1/runs/{id}/retry.
func (h *RunsHandler) handleRetry(w http.ResponseWriter, r *http.Request) {
	exec, err := h.app.Dispatcher.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteData(w, http.StatusAccepted, map[string]any{
		"run_id": exec.ID,
		"status": exec.Status,
	})
}

// intParam parses a query integer with a default.
func intParam(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}
