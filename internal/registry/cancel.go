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

// RequestCancel moves a run to cancelled, halting further readiness
// computation. Every node and middleware hop not yet terminal, running
// ones included, is marked cancelled; any in-flight result a worker
// later reports is still accepted by RecordResult (the run is finalised
// by then, so it is treated as a late, harmless no-op) but no further
// node will ever be dispatched for this run again.
func (r *Registry) RequestCancel(ctx context.Context, runID string) (*types.RunRecord, error) {
	e, err := r.entry(ctx, runID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apierr.NotFound(fmt.Sprintf("run %q not found", runID))
		}
		return nil, apierr.Internal("loading run", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	record := e.record
	if record.Finalised() {
		return cloneRecord(record), nil
	}

	now := r.clock()
	record.Status = types.RunCancelled
	record.FinishedAt = &now

	for _, s := range record.Nodes {
		if !s.Status.Terminal() {
			s.Status = types.NodeCancelled
			s.FinishedAt = &now
		}
	}
	for _, s := range record.MiddlewareState {
		if !s.Status.Terminal() {
			s.Status = types.NodeCancelled
			s.FinishedAt = &now
		}
	}

	if err := r.persist(ctx, record); err != nil {
		return nil, err
	}
	return cloneRecord(record), nil
}

// ResetAfterWorkerCancelRequest identifies the node being re-queued and,
// optionally, caps how many attempts it may still take.
type ResetAfterWorkerCancelRequest struct {
	RunID      string
	NodeID     string
	MaxAttempts int // 0 means uncapped
}

// ResetAfterWorkerCancel is the single primitive that re-queues a node
// after it did not complete on its current attempt, whether because the
// worker explicitly cancelled it or because its ack deadline lapsed. It
// always increments Attempt and clears every dispatch-specific field, so
// the node looks exactly like a freshly-seeded queued node to the next
// readiness pass. If MaxAttempts is set and has been reached, the node
// is failed instead of re-queued.
func (r *Registry) ResetAfterWorkerCancel(ctx context.Context, req ResetAfterWorkerCancelRequest) (*types.RunRecord, error) {
	e, err := r.entry(ctx, req.RunID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apierr.NotFound(fmt.Sprintf("run %q not found", req.RunID))
		}
		return nil, apierr.Internal("loading run", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	record := e.record
	if record.Finalised() {
		return cloneRecord(record), nil
	}

	state, ok := stateFor(record, req.NodeID)
	if !ok {
		return nil, apierr.NotFound(fmt.Sprintf("node %q not found in run %q", req.NodeID, req.RunID))
	}
	if state.Status != types.NodeRunning {
		return nil, apierr.Conflict(fmt.Sprintf("node %q is not running (status=%s)", req.NodeID, state.Status))
	}

	state.Attempt++
	state.WorkerName = ""
	state.TaskID = ""
	state.DispatchID = ""
	state.SeqUsed = nil
	state.AckDeadline = nil
	state.StartedAt = nil

	if req.MaxAttempts > 0 && state.Attempt >= req.MaxAttempts {
		now := r.clock()
		state.Status = types.NodeFailed
		state.Error = &types.NodeError{
			Code:    "dispatch_attempts_exhausted",
			Message: fmt.Sprintf("node %q did not complete within %d attempts", req.NodeID, req.MaxAttempts),
		}
		state.FinishedAt = &now
		propagateSkips(record)
		if finalised, _ := maybeFinalise(record, now); finalised {
			if err := r.persist(ctx, record); err != nil {
				return nil, err
			}
			return cloneRecord(record), nil
		}
	} else {
		state.Status = types.NodeQueued
	}

	if err := r.persist(ctx, record); err != nil {
		return nil, err
	}
	r.notifyReady(req.RunID)
	return cloneRecord(record), nil
}

// FailNode permanently fails a node that is not yet terminal, for a
// worker-reported permanent cancel (worker_cancelled_permanent) or a
// dispatch request that failed validation, where retrying would be
// pointless. Unlike ResetAfterWorkerCancel it never re-queues the node.
func (r *Registry) FailNode(ctx context.Context, runID, nodeID string, nodeErr *types.NodeError) (*types.RunRecord, error) {
	e, err := r.entry(ctx, runID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apierr.NotFound(fmt.Sprintf("run %q not found", runID))
		}
		return nil, apierr.Internal("loading run", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	record := e.record
	if record.Finalised() {
		return cloneRecord(record), nil
	}

	state, ok := stateFor(record, nodeID)
	if !ok {
		return nil, apierr.NotFound(fmt.Sprintf("node %q not found in run %q", nodeID, runID))
	}
	if state.Status.Terminal() {
		return cloneRecord(record), nil
	}

	now := r.clock()
	state.Status = types.NodeFailed
	state.Error = nodeErr
	state.FinishedAt = &now
	state.AckDeadline = nil

	if hostNodeID, _, ok := record.Workflow.MiddlewareByID(nodeID); ok {
		if hostState, ok := record.Nodes[hostNodeID]; ok && !hostState.Status.Terminal() {
			hostState.Status = types.NodeFailed
			hostState.Error = nodeErr
			hostState.FinishedAt = &now
		}
	}

	propagateSkips(record)
	maybeFinalise(record, now)

	if err := r.persist(ctx, record); err != nil {
		return nil, err
	}
	return cloneRecord(record), nil
}
