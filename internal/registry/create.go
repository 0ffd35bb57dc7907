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

package registry

import (
	"context"

	"github.com/flowmesh/control-plane/internal/apierr"
	"github.com/flowmesh/control-plane/internal/types"
)

// CreateRunRequest carries everything CreateRun needs to construct a run.
type CreateRunRequest struct {
	RunID          string
	Tenant         string
	ClientID       string
	Workflow       types.WorkflowSnapshot
	IdempotencyKey string
	RequestHash    string
}

// CreateRun validates the snapshot and, if valid, constructs a new run
// with every node initialised to queued and its parameters seeded from
// the snapshot. If IdempotencyKey is set and a prior run with the same
// key and RequestHash already exists, that run is returned unchanged
// (idempotent replay); a prior run with the same key and a different
// hash is a conflict.
func (r *Registry) CreateRun(ctx context.Context, req CreateRunRequest) (*types.RunRecord, error) {
	if req.IdempotencyKey != "" {
		runID, hash, found, err := r.store.FindByIdempotencyKey(ctx, req.Tenant, req.IdempotencyKey)
		if err != nil {
			return nil, apierr.Internal("checking idempotency key", err)
		}
		if found {
			if hash != req.RequestHash {
				return nil, apierr.Conflict("idempotency key reused with a different request body").
					WithDetail(map[string]any{"idempotency_key": req.IdempotencyKey})
			}
			return r.Get(ctx, runID)
		}
	}

	if err := validateSnapshot(&req.Workflow); err != nil {
		return nil, err
	}

	r.mu.RLock()
	catalog := r.catalog
	r.mu.RUnlock()
	if err := validatePackages(catalog, &req.Workflow); err != nil {
		return nil, err
	}

	record := &types.RunRecord{
		RunID:           req.RunID,
		Tenant:          req.Tenant,
		ClientID:        req.ClientID,
		Status:          types.RunQueued,
		CreatedAt:       r.clock(),
		Workflow:        req.Workflow,
		ScopeIndex:      buildScopeIndex(&req.Workflow),
		EdgeBindings:    buildEdgeBindings(&req.Workflow),
		Nodes:           make(map[string]*types.NodeState, len(req.Workflow.Nodes)),
		MiddlewareState: make(map[string]*types.NodeState),
		IdempotencyKey:  req.IdempotencyKey,
		RequestHash:     req.RequestHash,
	}

	for _, n := range req.Workflow.Nodes {
		chain := make([]string, 0, len(n.Middlewares))
		for _, mw := range n.Middlewares {
			chain = append(chain, mw.ID)
			record.MiddlewareState[mw.ID] = &types.NodeState{
				NodeID:     mw.ID,
				Status:     types.NodeQueued,
				Parameters: cloneParams(mw.Parameters),
			}
		}
		record.Nodes[n.ID] = &types.NodeState{
			NodeID:          n.ID,
			Status:          types.NodeQueued,
			Parameters:      cloneParams(n.Parameters),
			MiddlewareChain: chain,
			ChainCursor:     0,
		}
	}

	if err := r.store.CreateRun(ctx, record); err != nil {
		return nil, apierr.Internal("creating run", err)
	}

	r.registerEntry(record.RunID, record)
	r.notifyReady(record.RunID)

	return cloneRecord(record), nil
}

func cloneParams(src map[string]any) map[string]any {
	if src == nil {
		return make(map[string]any)
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
