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
	"time"

	"github.com/flowmesh/control-plane/internal/apierr"
	"github.com/flowmesh/control-plane/internal/store"
	"github.com/flowmesh/control-plane/internal/types"
)

// locateByTaskID finds the node or middleware hop that reported taskID,
// returning the id under which its state is stored (a node id or a
// middleware id) and whether it belongs to a middleware.
func locateByTaskID(record *types.RunRecord, taskID string) (id string, state *types.NodeState, isMiddleware bool, ok bool) {
	for nodeID, s := range record.Nodes {
		if s.TaskID == taskID {
			return nodeID, s, false, true
		}
	}
	for mwID, s := range record.MiddlewareState {
		if s.TaskID == taskID {
			return mwID, s, true, true
		}
	}
	return "", nil, false, false
}

// RecordResult applies a worker's report for one task. It is idempotent:
// a result for an already-terminal node, or for a run that has already
// finalised, is a no-op that returns the current state rather than an
// error, since a worker or the gateway may redeliver a result after a
// prior delivery already landed.
func (r *Registry) RecordResult(ctx context.Context, runID string, payload types.ResultPayload) (types.ResultApplication, error) {
	e, err := r.entry(ctx, runID)
	if err != nil {
		if err == store.ErrNotFound {
			return types.ResultApplication{}, apierr.NotFound(fmt.Sprintf("run %q not found", runID))
		}
		return types.ResultApplication{}, apierr.Internal("loading run", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	record := e.record
	if record.Finalised() {
		return types.ResultApplication{AlreadyFinal: true, FinalStatus: record.Status}, nil
	}

	nodeID, state, isMiddleware, found := locateByTaskID(record, payload.TaskID)
	if !found {
		return types.ResultApplication{}, apierr.NotFound(fmt.Sprintf("no node in run %q is waiting on task %q", runID, payload.TaskID))
	}
	if state.Status.Terminal() {
		// Duplicate delivery for a task that already resolved.
		return types.ResultApplication{FinalStatus: record.Status}, nil
	}

	now := r.clock()
	state.Status = payload.Status
	state.Results = payload.Result
	state.Error = payload.Error
	state.FinishedAt = &now
	state.AckDeadline = nil

	if isMiddleware {
		applyMiddlewareResult(record, nodeID, state, now)
	} else if state.Status == types.NodeSucceeded {
		applyEdgeBindings(record, nodeID, state)
	}

	propagateSkips(record)

	finalised, finalStatus := maybeFinalise(record, now)

	if err := r.persist(ctx, record); err != nil {
		return types.ResultApplication{}, err
	}

	result := types.ResultApplication{
		NewlyReady:   readyLocked(record),
		RunFinalised: finalised,
		FinalStatus:  finalStatus,
	}
	if len(result.NewlyReady) > 0 {
		r.notifyReady(runID)
	}
	return result, nil
}

// applyMiddlewareResult advances the host's chain cursor past a
// succeeded middleware, or fails the host outright when the middleware
// itself failed, since a middleware can short-circuit its host by
// reporting next_cancelled/error instead of invoking next().
func applyMiddlewareResult(record *types.RunRecord, middlewareID string, mwState *types.NodeState, now time.Time) {
	hostNodeID, _, ok := record.Workflow.MiddlewareByID(middlewareID)
	if !ok {
		return
	}
	hostState, ok := record.Nodes[hostNodeID]
	if !ok {
		return
	}

	if mwState.Status == types.NodeSucceeded {
		hostState.ChainCursor++
		return
	}

	if !hostState.Status.Terminal() {
		hostState.Status = mwState.Status
		hostState.Error = mwState.Error
		finishedAt := now
		hostState.FinishedAt = &finishedAt
	}
}

// applyEdgeBindings writes a succeeded host node's results into every
// downstream target's parameters.
func applyEdgeBindings(record *types.RunRecord, sourceNodeID string, sourceState *types.NodeState) {
	for _, b := range record.EdgeBindings[sourceNodeID] {
		value, err := types.ResolvePath(sourceState.Results, b.SourcePath)
		if err != nil {
			continue
		}

		var targetState *types.NodeState
		if b.TargetMiddleware != "" {
			targetState = record.MiddlewareState[b.TargetMiddleware]
		} else {
			targetState = record.Nodes[b.TargetNode]
		}
		if targetState == nil {
			continue
		}
		if targetState.Parameters == nil {
			targetState.Parameters = make(map[string]any)
		}
		_ = types.WritePath(targetState.Parameters, b.TargetPath, value)
	}
}

// maybeFinalise checks whether every host node has reached a terminal
// status and, if so, settles the run's final status: failed if any
// required (non-optional) node failed, succeeded if at least one node
// succeeded and no required node failed. A node declared optional may
// fail without failing the run, per spec. Middleware hop state does not
// participate directly; a failed middleware already failed its host in
// applyMiddlewareResult.
func maybeFinalise(record *types.RunRecord, now time.Time) (bool, types.RunStatus) {
	anyFailed := false
	anySucceeded := false
	for nodeID, s := range record.Nodes {
		if !s.Status.Terminal() {
			return false, record.Status
		}
		switch s.Status {
		case types.NodeFailed:
			if !nodeOptional(record, nodeID) {
				anyFailed = true
			}
		case types.NodeSucceeded:
			anySucceeded = true
		}
	}

	final := types.RunFailed
	if !anyFailed && anySucceeded {
		final = types.RunSucceeded
	}

	record.Status = final
	finishedAt := now
	record.FinishedAt = &finishedAt
	return true, final
}

// nodeOptional reports whether nodeID is declared optional in the run's
// workflow snapshot. An unknown id (should not happen: record.Nodes is
// seeded from the same snapshot) is treated as required.
func nodeOptional(record *types.RunRecord, nodeID string) bool {
	n, ok := record.Workflow.NodeByID(nodeID)
	if !ok {
		return false
	}
	return n.Optional
}
