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

package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/flowmesh/control-plane/internal/apierr"
	"github.com/flowmesh/control-plane/internal/registry"
	"github.com/flowmesh/control-plane/internal/store"
	"github.com/flowmesh/control-plane/internal/types"
)

// RunsHandler serves the run submission and inspection endpoints.
type RunsHandler struct {
	reg    *registry.Registry
	hub    *EventHub
	logger *slog.Logger
}

// NewRunsHandler constructs a handler over reg, publishing state-change
// notifications to hub.
func NewRunsHandler(reg *registry.Registry, hub *EventHub, logger *slog.Logger) *RunsHandler {
	return &RunsHandler{reg: reg, hub: hub, logger: logger}
}

// RegisterRoutes registers the run endpoints on mux.
func (h *RunsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /runs", h.startRun)
	mux.HandleFunc("GET /runs", h.listRuns)
	mux.HandleFunc("GET /runs/{id}", h.getRun)
	mux.HandleFunc("GET /runs/{id}/definition", h.getRunDefinition)
	mux.HandleFunc("POST /runs/{id}/cancel", h.cancelRun)
}

// startRunRequest is the POST /runs body.
type startRunRequest struct {
	Tenant   string                 `json:"tenant"`
	ClientID string                 `json:"client_id,omitempty"`
	Workflow types.WorkflowSnapshot `json:"workflow"`
}

func (h *RunsHandler) startRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	body, err := readBody(r)
	if err != nil {
		writeAPIError(w, r, h.logger, apierr.BadRequest("reading request body"))
		return
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeAPIError(w, r, h.logger, apierr.BadRequest("invalid JSON body"))
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	hash := sha256.Sum256(body)

	run, err := h.reg.CreateRun(r.Context(), registry.CreateRunRequest{
		RunID:          uuid.NewString(),
		Tenant:         req.Tenant,
		ClientID:       req.ClientID,
		Workflow:       req.Workflow,
		IdempotencyKey: idempotencyKey,
		RequestHash:    hex.EncodeToString(hash[:]),
	})
	if err != nil {
		writeAPIError(w, r, h.logger, err)
		return
	}

	if h.hub != nil {
		h.hub.Publish(Event{Type: "run.created", RunID: run.RunID, At: run.CreatedAt})
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (h *RunsHandler) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.reg.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAPIError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// runDefinitionResponse is GET /runs/{id}/definition: the immutable
// snapshot a run was started from, without the mutable per-node state
// getRun returns alongside it.
type runDefinitionResponse struct {
	RunID    string                 `json:"run_id"`
	Workflow types.WorkflowSnapshot `json:"workflow"`
}

func (h *RunsHandler) getRunDefinition(w http.ResponseWriter, r *http.Request) {
	run, err := h.reg.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAPIError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, runDefinitionResponse{RunID: run.RunID, Workflow: run.Workflow})
}

func (h *RunsHandler) cancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.reg.RequestCancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAPIError(w, r, h.logger, err)
		return
	}
	if h.hub != nil {
		h.hub.Publish(Event{Type: "run.cancel_requested", RunID: run.RunID})
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *RunsHandler) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		ClientID: q.Get("client_id"),
		Status:   types.RunStatus(q.Get("status")),
		Cursor:   q.Get("cursor"),
		Limit:    100,
	}
	if limit := q.Get("limit"); limit != "" {
		if n, err := parsePositiveInt(limit); err == nil {
			filter.Limit = n
		}
	}

	runs, cursor, err := h.reg.ListRuns(r.Context(), filter)
	if err != nil {
		writeAPIError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "next_cursor": cursor})
}
