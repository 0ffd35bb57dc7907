// Copyright 2025 Tom Barlow
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

// Package httpapi is the control plane's public REST + SSE surface:
// run submission/inspection, worker introspection and admin commands,
// and an event stream for state changes. Grounded on the teacher's
// internal/controller/api handler style (one handler type per
// resource, ServeMux method+pattern routes, a shared writeJSON/
// writeError helper).
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/flowmesh/control-plane/internal/apierr"
	"github.com/flowmesh/control-plane/internal/log"
	"github.com/flowmesh/control-plane/internal/tracing"
)

// readBody drains the full request body. Handlers that need both the
// raw bytes (for an idempotency hash) and the parsed JSON read it once
// here rather than re-reading r.Body.
func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, strconv.ErrSyntax
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the JSON shape of every non-2xx response: a flat
// {error, message, request_id, details}, with error the string kind
// code itself (e.g. "conflict"), not a nested object.
type errorBody struct {
	Error     string         `json:"error"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

func writeAPIError(w http.ResponseWriter, r *http.Request, logger interface {
	Error(msg string, args ...any)
}, err error) {
	apiErr, ok := apierr.As(err)
	if !ok {
		apiErr = apierr.Internal("unexpected error", err)
	}
	if apiErr.Kind == apierr.KindInternal && logger != nil {
		logger.Error("internal error serving request", log.Error(err))
	}
	body := errorBody{
		Error:   string(apiErr.Kind),
		Message: apiErr.Message,
		Details: apiErr.Detail,
	}
	if r != nil {
		body.RequestID = tracing.FromContextOrEmpty(r.Context()).String()
	}
	writeJSON(w, apiErr.Kind.HTTPStatus(), body)
}
