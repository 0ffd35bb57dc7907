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
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/flowmesh/control-plane/internal/apierr"
	"github.com/flowmesh/control-plane/internal/gateway"
)

// WorkersHandler serves worker catalogue introspection and admin
// command issuance.
type WorkersHandler struct {
	gw     *gateway.Gateway
	logger *slog.Logger
}

// NewWorkersHandler constructs a handler over gw.
func NewWorkersHandler(gw *gateway.Gateway, logger *slog.Logger) *WorkersHandler {
	return &WorkersHandler{gw: gw, logger: logger}
}

// RegisterRoutes registers the worker endpoints on mux.
func (h *WorkersHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /workers", h.listWorkers)
	mux.HandleFunc("GET /workers/{name}", h.getWorker)
	mux.HandleFunc("POST /workers/{name}/commands", h.issueCommand)
}

func (h *WorkersHandler) listWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"workers": h.gw.Workers()})
}

func (h *WorkersHandler) getWorker(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	worker, ok := h.gw.Worker(name)
	if !ok {
		writeAPIError(w, r, h.logger, apierr.NotFound("worker "+name+" not found"))
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

// commandRequest is the POST /workers/{name}/commands body: one of the
// four admin commands spec.md §4.3 defines.
type commandRequest struct {
	Command gateway.AdminCommand `json:"command"`
	Args    map[string]any       `json:"args,omitempty"`
}

var validCommands = map[gateway.AdminCommand]bool{
	gateway.AdminDrain:        true,
	gateway.AdminRebind:       true,
	gateway.AdminPkgInstall:   true,
	gateway.AdminPkgUninstall: true,
}

func (h *WorkersHandler) issueCommand(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	body, err := readBody(r)
	if err != nil {
		writeAPIError(w, r, h.logger, apierr.BadRequest("reading request body"))
		return
	}
	var req commandRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeAPIError(w, r, h.logger, apierr.BadRequest("invalid JSON body"))
		return
	}
	if !validCommands[req.Command] {
		writeAPIError(w, r, h.logger, apierr.BadRequest("unknown admin command: "+string(req.Command)))
		return
	}

	if _, ok := h.gw.Worker(name); !ok {
		writeAPIError(w, r, h.logger, apierr.NotFound("worker "+name+" not found"))
		return
	}

	if err := h.gw.IssueAdminCommand(r.Context(), name, req.Command, req.Args); err != nil {
		writeAPIError(w, r, h.logger, apierr.WorkerUnavailable(err.Error()))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "issued", "command": req.Command})
}
