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

// Package api provides the HTTP facade over the platform services.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/ryansmccoy/spine-core/internal/api/httputil"
	"github.com/ryansmccoy/spine-core/internal/app"
)

// RouterConfig holds configuration for the API router.
type RouterConfig struct {
	Version     string
	CORSOrigins []string
}

// Router wraps an http.ServeMux with middleware and route registration.
type Router struct {
	mux    *http.ServeMux
	config RouterConfig
	app    *app.App
	logger *slog.Logger
}

// NewRouter creates the router and registers every endpoint family.
func NewRouter(a *app.App, cfg RouterConfig) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		config: cfg,
		app:    a,
		logger: a.Logger.With(slog.String("component", "api")),
	}

	r.mux.HandleFunc("GET /v1/health", r.handleHealth)
	r.mux.HandleFunc("GET /v1/database/health", r.handleDatabaseHealth)
	r.mux.Handle("GET /metrics", a.Metrics.Handler())

	NewRunsHandler(a).RegisterRoutes(r.mux)
	NewWorkflowsHandler(a).RegisterRoutes(r.mux)
	NewSchedulesHandler(a).RegisterRoutes(r.mux)
	NewOpsHandler(a).RegisterRoutes(r.mux)

	return r
}

// ServeHTTP implements http.Handler with request logging and CORS.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if origin := req.Header.Get("Origin"); origin != "" && r.allowOrigin(origin) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}

	start := time.Now()
	defer func() {
		r.logger.Info("request completed",
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	}()

	r.mux.ServeHTTP(w, req)
}

func (r *Router) allowOrigin(origin string) bool {
	for _, allowed := range r.config.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// handleHealth handles GET /v1/health.
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	httputil.WriteData(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": r.config.Version,
	})
}

// handleDatabaseHealth handles GET /v1/database/health with a connection
// probe.
func (r *Router) handleDatabaseHealth(w http.ResponseWriter, req *http.Request) {
	err := r.app.DB.Ping(req.Context())
	httputil.WriteData(w, http.StatusOK, map[string]any{
		"connected": err == nil,
		"backend":   r.app.DB.Dialect().Name(),
	})
}
