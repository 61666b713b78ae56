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
	"time"

	"github.com/google/uuid"

	"github.com/ryansmccoy/spine-core/internal/api/httputil"
	"github.com/ryansmccoy/spine-core/internal/app"
	"github.com/ryansmccoy/spine-core/internal/repo"
	"github.com/ryansmccoy/spine-core/internal/storage"
	"github.com/ryansmccoy/spine-core/pkg/errors"
)

// OpsHandler serves the operational surfaces: dead letters, work items,
// alerts, sources, quality checks, anomalies, and rejects.
type OpsHandler struct {
	app *app.App
}

// NewOpsHandler creates an ops handler.
func NewOpsHandler(a *app.App) *OpsHandler {
	return &OpsHandler{app: a}
}

// RegisterRoutes registers the operational routes on the router.
func (h *OpsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/dlq", h.handleDLQList)
	mux.HandleFunc("GET /v1/dlq/{id}", h.handleDLQGet)
	mux.HandleFunc("POST /v1/dlq/{id}/replay", h.handleDLQReplay)
	mux.HandleFunc("POST /v1/dlq/{id}/resolve", h.handleDLQResolve)

	mux.HandleFunc("GET /v1/work-items", h.handleWorkItemList)
	mux.HandleFunc("POST /v1/work-items/{id}/cancel", h.handleWorkItemCancel)

	mux.HandleFunc("GET /v1/alerts", h.handleAlertList)
	mux.HandleFunc("POST /v1/alerts", h.handleAlertCreate)
	mux.HandleFunc("GET /v1/alerts/channels", h.handleChannelList)
	mux.HandleFunc("POST /v1/alerts/channels", h.handleChannelCreate)
	mux.HandleFunc("DELETE /v1/alerts/channels/{id}", h.handleChannelDelete)

	mux.HandleFunc("GET /v1/sources", h.handleSourceList)
	mux.HandleFunc("POST /v1/sources", h.handleSourceCreate)
	mux.HandleFunc("GET /v1/sources/{id}", h.handleSourceGet)
	mux.HandleFunc("DELETE /v1/sources/{id}", h.handleSourceDelete)

	mux.HandleFunc("GET /v1/quality", h.handleQualityList)
	mux.HandleFunc("GET /v1/anomalies", h.handleAnomalyList)
	mux.HandleFunc("GET /v1/rejects", h.handleRejectList)
}

func (h *OpsHandler) handleDLQList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := intParam(q.Get("limit"), 50)
	offset := intParam(q.Get("offset"), 0)
	letters, total, err := h.app.DLQ.ListUnresolved(r.Context(), q.Get("workflow"), limit, offset)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteList(w, letters, repo.NewPage(total, limit, offset))
}

func (h *OpsHandler) handleDLQGet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	letter, err := h.app.DLQ.Get(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteData(w, http.StatusOK, letter)
}

func (h *OpsHandler) handleDLQReplay(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	execID, err := h.app.DLQ.Replay(r.Context(), id, h.app.Dispatcher)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteData(w, http.StatusAccepted, map[string]any{"run_id": execID})
}

func (h *OpsHandler) handleDLQResolve(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var body struct {
		ResolvedBy string `json:"resolved_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ResolvedBy == "" {
		httputil.WriteValidationError(w, "resolved_by is required")
		return
	}
	if err := h.app.DLQ.Resolve(r.Context(), id, body.ResolvedBy); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteData(w, http.StatusOK, map[string]any{"resolved": id})
}

func (h *OpsHandler) handleWorkItemList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := intParam(q.Get("limit"), 50)
	offset := intParam(q.Get("offset"), 0)
	items, total, err := repo.NewWorkItemRepository(h.app.DB).List(r.Context(), repo.WorkItemFilter{
		Domain:   q.Get("domain"),
		Workflow: q.Get("workflow"),
		State:    q.Get("state"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteList(w, items, repo.NewPage(total, limit, offset))
}

func (h *OpsHandler) handleWorkItemCancel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := h.app.Queue.Cancel(r.Context(), id); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteData(w, http.StatusOK, map[string]any{"cancelled": id})
}

func (h *OpsHandler) handleAlertList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := intParam(q.Get("limit"), 50)
	offset := intParam(q.Get("offset"), 0)
	alerts, total, err := repo.NewAlertRepository(h.app.DB).List(r.Context(), repo.AlertFilter{
		Severity: q.Get("severity"),
		Source:   q.Get("source"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteList(w, alerts, repo.NewPage(total, limit, offset))
}

func (h *OpsHandler) handleAlertCreate(w http.ResponseWriter, r *http.Request) {
	var a repo.Alert
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		httputil.WriteValidationError(w, "invalid request body: "+err.Error())
		return
	}
	if a.Title == "" {
		httputil.WriteValidationError(w, "title is required")
		return
	}
	if a.Severity == "" {
		a.Severity = "WARN"
	}
	a.CreatedAt = time.Now().UTC()
	id, err := repo.NewAlertRepository(h.app.DB).Insert(r.Context(), &a)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	a.ID = id
	httputil.WriteData(w, http.StatusCreated, a)
}

func (h *OpsHandler) handleChannelList(w http.ResponseWriter, r *http.Request) {
	channels, err := repo.NewAlertRepository(h.app.DB).ListChannels(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteData(w, http.StatusOK, channels)
}

func (h *OpsHandler) handleChannelCreate(w http.ResponseWriter, r *http.Request) {
	var c repo.AlertChannel
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		httputil.WriteValidationError(w, "invalid request body: "+err.Error())
		return
	}
	if c.Name == "" || c.Kind == "" {
		httputil.WriteValidationError(w, "name and kind are required")
		return
	}
	c.ID = uuid.NewString()
	c.CreatedAt = time.Now().UTC()
	if err := repo.NewAlertRepository(h.app.DB).CreateChannel(r.Context(), &c); err != nil {
		if storage.IsConstraint(err) {
			httputil.WriteError(w, &errors.ConflictError{Resource: "alert channel",
				Key: c.Name, Message: "name already exists"})
			return
		}
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteData(w, http.StatusCreated, c)
}

func (h *OpsHandler) handleChannelDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := repo.NewAlertRepository(h.app.DB).DeleteChannel(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if !ok {
		httputil.WriteError(w, &errors.NotFoundError{Resource: "alert channel", ID: id})
		return
	}
	httputil.WriteData(w, http.StatusOK, map[string]any{"deleted": id})
}

func (h *OpsHandler) handleSourceList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := intParam(q.Get("limit"), 100)
	offset := intParam(q.Get("offset"), 0)
	sources, total, err := repo.NewSourceRepository(h.app.DB).List(r.Context(), q.Get("kind"), limit, offset)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteList(w, sources, repo.NewPage(total, limit, offset))
}

func (h *OpsHandler) handleSourceCreate(w http.ResponseWriter, r *http.Request) {
	var s repo.Source
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		httputil.WriteValidationError(w, "invalid request body: "+err.Error())
		return
	}
	if s.Name == "" || s.Kind == "" {
		httputil.WriteValidationError(w, "name and kind are required")
		return
	}
	now := time.Now().UTC()
	s.ID = uuid.NewString()
	s.CreatedAt = now
	s.UpdatedAt = now
	if err := repo.NewSourceRepository(h.app.DB).Create(r.Context(), &s); err != nil {
		if storage.IsConstraint(err) {
			httputil.WriteError(w, &errors.ConflictError{Resource: "source",
				Key: s.Name, Message: "name already exists"})
			return
		}
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteData(w, http.StatusCreated, s)
}

func (h *OpsHandler) handleSourceGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s, err := repo.NewSourceRepository(h.app.DB).GetByID(r.Context(), id)
	if err != nil {
		if storage.IsNotFound(err) {
			err = &errors.NotFoundError{Resource: "source", ID: id}
		}
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteData(w, http.StatusOK, s)
}

func (h *OpsHandler) handleSourceDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := repo.NewSourceRepository(h.app.DB).Delete(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if !ok {
		httputil.WriteError(w, &errors.NotFoundError{Resource: "source", ID: id})
		return
	}
	httputil.WriteData(w, http.StatusOK, map[string]any{"deleted": id})
}

func (h *OpsHandler) handleQualityList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := intParam(q.Get("limit"), 50)
	offset := intParam(q.Get("offset"), 0)
	checks, total, err := repo.NewQualityRepository(h.app.DB).List(r.Context(), repo.QualityFilter{
		Domain:   q.Get("domain"),
		Severity: q.Get("severity"),
		Failed:   q.Get("failed") == "true",
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteList(w, checks, repo.NewPage(total, limit, offset))
}

func (h *OpsHandler) handleAnomalyList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := intParam(q.Get("limit"), 50)
	offset := intParam(q.Get("offset"), 0)
	anomalies, total, err := repo.NewAnomalyRepository(h.app.DB).List(r.Context(), repo.AnomalyFilter{
		Domain:   q.Get("domain"),
		Kind:     q.Get("kind"),
		Severity: q.Get("severity"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteList(w, anomalies, repo.NewPage(total, limit, offset))
}

func (h *OpsHandler) handleRejectList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := intParam(q.Get("limit"), 50)
	offset := intParam(q.Get("offset"), 0)
	rejects, total, err := repo.NewRejectRepository(h.app.DB).List(r.Context(), repo.RejectFilter{
		Domain:     q.Get("domain"),
		Stage:      q.Get("stage"),
		ReasonCode: q.Get("reason_code"),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteList(w, rejects, repo.NewPage(total, limit, offset))
}

// pathID parses the {id} path value as an integer id.
func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, &errors.ValidationError{Field: "id", Message: "id must be an integer"}
	}
	return id, nil
}
