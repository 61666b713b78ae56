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

// Package httputil provides the JSON response envelopes for the REST
// facade: successes wrap a data field, lists add a page block, and errors
// carry a canonical category code.
package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ryansmccoy/spine-core/internal/repo"
	"github.com/ryansmccoy/spine-core/pkg/errors"
)

// WriteData writes a success envelope.
func WriteData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, map[string]any{"data": data})
}

// WriteList writes a paged list envelope.
func WriteList(w http.ResponseWriter, data any, page repo.Page) {
	writeJSON(w, http.StatusOK, map[string]any{"data": data, "page": page})
}

// WriteError writes an error envelope from an arbitrary error, mapping its
// category to an HTTP status.
func WriteError(w http.ResponseWriter, err error) {
	category := errors.CategoryOf(err)
	writeJSON(w, StatusFor(category), map[string]any{
		"error": map[string]any{
			"code":    string(category),
			"message": err.Error(),
		},
	})
}

// WriteValidationError writes a VALIDATION error from a plain message.
func WriteValidationError(w http.ResponseWriter, message string) {
	WriteError(w, &errors.ValidationError{Message: message})
}

// StatusFor maps an error category to its HTTP status.
func StatusFor(category errors.Category) int {
	switch category {
	case errors.CategoryValidation:
		return http.StatusBadRequest
	case errors.CategoryNotFound:
		return http.StatusNotFound
	case errors.CategoryConflict, errors.CategoryLockContention:
		return http.StatusConflict
	case errors.CategoryTimeout:
		return http.StatusGatewayTimeout
	case errors.CategoryUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("failed to write JSON response", slog.Any("error", err))
	}
}
