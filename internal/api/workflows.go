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

	"github.com/ryansmccoy/spine-core/internal/api/httputil"
	"github.com/ryansmccoy/spine-core/internal/app"
	"github.com/ryansmccoy/spine-core/internal/repo"
)

// WorkflowsHandler handles workflow-related API requests.
type WorkflowsHandler struct {
	app *app.App
}

// NewWorkflowsHandler creates a workflows handler.
func NewWorkflowsHandler(a *app.App) *WorkflowsHandler {
	return &WorkflowsHandler{app: a}
}

// RegisterRoutes registers workflow API routes on the router.
func (h *WorkflowsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/workflows", h.handleList)
	mux.HandleFunc("GET /v1/workflows/{name}", h.handleGet)
	mux.HandleFunc("POST /v1/workflows/{name}/run", h.handleRun)
	mux.HandleFunc("GET /v1/workflows/{name}/runs", h.handleListRuns)
	mux.HandleFunc("GET /v1/workflow-runs/{id}", h.handleGetRun)
}

// handleList handles GET /v1/workflows.
func (h *WorkflowsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	names := h.app.Registry.Workflows()
	out := make([]map[string]any, 0, len(names))
	for _, name := range names {
		wf, err := h.app.Registry.Workflow(name)
		if err != nil {
			continue
		}
		out = append(out, map[string]any{
			"name":        wf.Name,
			"description": wf.Description,
			"steps":       len(wf.Steps),
			"mode":        wf.Policy.Mode,
		})
	}
	httputil.WriteData(w, http.StatusOK, out)
}

// handleGet handles GET /v1/workflows/{name} with the step breakdown.
func (h *WorkflowsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	wf, err := h.app.Registry.Workflow(r.PathValue("name"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	m, err := wf.ToMap()
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteData(w, http.StatusOK, m)
}

// RunWorkflowRequest is the request body for running a workflow.
type RunWorkflowRequest struct {
	Params map[string]any `json:"params,omitempty"`
	DryRun bool           `json:"dry_run,omitempty"`
}

// handleRun handles POST /v1/workflows/{name}/run.
func (h *WorkflowsHandler) handleRun(w http.ResponseWriter, r *http.Request) {
	var req RunWorkflowRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
			httputil.WriteValidationError(w, "invalid request body: "+err.Error())
			return
		}
	}

	result, err := h.app.RunWorkflow(r.Context(), r.PathValue("name"), req.Params, req.DryRun)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteData(w, http.StatusOK, result)
}

// handleListRuns handles GET /v1/workflows/{name}/runs.
func (h *WorkflowsHandler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := intParam(q.Get("limit"), 50)
	offset := intParam(q.Get("offset"), 0)

	runs, total, err := repo.NewWorkflowRunRepository(h.app.DB).
		ListRuns(r.Context(), r.PathValue("name"), limit, offset)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteList(w, runs, repo.NewPage(total, limit, offset))
}

// handleGetRun handles GET /v1/workflow-runs/{id} with the persisted step
// outcomes.
func (h *WorkflowsHandler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	repos := repo.NewWorkflowRunRepository(h.app.DB)
	run, err := repos.GetRun(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	steps, err := repos.ListSteps(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteData(w, http.StatusOK, map[string]any{
		"run":   run,
		"steps": steps,
	})
}
