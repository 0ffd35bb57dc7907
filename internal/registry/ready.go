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
	"fmt"

	"github.com/flowmesh/control-plane/internal/apierr"
	"github.com/flowmesh/control-plane/internal/store"
	"github.com/flowmesh/control-plane/internal/types"
)

// candidate identifies the next dispatchable unit for a host node: the
// middleware hop currently at the chain cursor, or the host itself once
// its chain is exhausted.
type candidate struct {
	hostNodeID   string
	nodeID       string // the id whose NodeState is examined (== hostNodeID when not a middleware)
	state        *types.NodeState
	isMiddleware bool
	chainIndex   int
}

func currentCandidate(record *types.RunRecord, hostNodeID string) candidate {
	hostState := record.Nodes[hostNodeID]
	if hostState.ChainCursor < len(hostState.MiddlewareChain) {
		mwID := hostState.MiddlewareChain[hostState.ChainCursor]
		return candidate{
			hostNodeID:   hostNodeID,
			nodeID:       mwID,
			state:        record.MiddlewareState[mwID],
			isMiddleware: true,
			chainIndex:   hostState.ChainCursor,
		}
	}
	return candidate{hostNodeID: hostNodeID, nodeID: hostNodeID, state: hostState}
}

// nodeReady reports whether every incoming binding targeting (hostNodeID,
// middlewareID) has a source that has succeeded and whose source path
// currently resolves in that source's results.
func nodeReady(record *types.RunRecord, hostNodeID, middlewareID string) bool {
	for _, b := range incomingBindings(record, hostNodeID, middlewareID) {
		srcState, ok := record.Nodes[b.SourceNode]
		if !ok || srcState.Status != types.NodeSucceeded {
			return false
		}
		if _, err := types.ResolvePath(srcState.Results, b.SourcePath); err != nil {
			return false
		}
	}
	return true
}

// CollectReadyNodes returns every node (host or middleware hop) that is
// eligible for immediate dispatch: the run is not finalised, the
// candidate is queued, every incoming edge into it is resolved, and (for
// a host) its middleware chain has already run to completion.
func (r *Registry) CollectReadyNodes(ctx context.Context, runID string) ([]types.ReadyNode, error) {
	e, err := r.entry(ctx, runID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apierr.NotFound(fmt.Sprintf("run %q not found", runID))
		}
		return nil, apierr.Internal("loading run", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.record.Finalised() {
		return nil, nil
	}
	return readyLocked(e.record), nil
}

// readyLocked computes CollectReadyNodes' result for a record the caller
// already holds the entry lock for. A finalised or cancelled run yields
// no ready nodes; record_result checks finality itself before applying,
// so by the time this runs the run is known not-yet-final.
func readyLocked(record *types.RunRecord) []types.ReadyNode {
	var ready []types.ReadyNode
	for _, n := range record.Workflow.Nodes {
		c := currentCandidate(record, n.ID)
		if c.state == nil || c.state.Status != types.NodeQueued {
			continue
		}
		if !nodeReady(record, c.hostNodeID, middlewareKey(c)) {
			continue
		}
		ready = append(ready, types.ReadyNode{
			RunID:           record.RunID,
			NodeID:          c.nodeID,
			HostNodeID:      c.hostNodeID,
			IsMiddleware:    c.isMiddleware,
			MiddlewareIndex: c.chainIndex,
		})
	}
	return ready
}

func middlewareKey(c candidate) string {
	if c.isMiddleware {
		return c.nodeID
	}
	return ""
}
