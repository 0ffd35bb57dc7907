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

// MarkDispatchedRequest carries the assignment the orchestrator made for
// a ready node.
type MarkDispatchedRequest struct {
	RunID        string
	NodeID       string // host node id, or middleware id for a middleware hop
	WorkerName   string
	TaskID       string
	DispatchID   string
	Seq          uint64
	AckDeadline  time.Time
}

// stateFor returns the NodeState backing nodeID, whether it lives in
// Nodes or MiddlewareState.
func stateFor(record *types.RunRecord, nodeID string) (*types.NodeState, bool) {
	if s, ok := record.Nodes[nodeID]; ok {
		return s, true
	}
	if s, ok := record.MiddlewareState[nodeID]; ok {
		return s, true
	}
	return nil, false
}

// MarkDispatched transitions a queued node to running and records the
// assignment. It is idempotent on DispatchID: a repeated call carrying
// the same DispatchID that already won is a no-op, since the orchestrator
// may retry a dispatch call that actually succeeded but whose response
// was lost. MarkDispatched never changes Attempt; attempt accounting
// belongs entirely to ResetAfterWorkerCancel, the single path that
// re-queues a node after an ack timeout or a worker-reported cancel.
func (r *Registry) MarkDispatched(ctx context.Context, req MarkDispatchedRequest) (*types.RunRecord, error) {
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
		return nil, apierr.Conflict(fmt.Sprintf("run %q is already finalised", req.RunID))
	}

	state, ok := stateFor(record, req.NodeID)
	if !ok {
		return nil, apierr.NotFound(fmt.Sprintf("node %q not found in run %q", req.NodeID, req.RunID))
	}

	if state.DispatchID == req.DispatchID && req.DispatchID != "" && state.Status == types.NodeRunning {
		return cloneRecord(record), nil
	}
	if state.Status != types.NodeQueued {
		return nil, apierr.Conflict(fmt.Sprintf("node %q is not queued (status=%s)", req.NodeID, state.Status))
	}

	now := r.clock()
	state.Status = types.NodeRunning
	state.WorkerName = req.WorkerName
	state.TaskID = req.TaskID
	state.DispatchID = req.DispatchID
	seq := req.Seq
	state.SeqUsed = &seq
	deadline := req.AckDeadline
	state.AckDeadline = &deadline
	state.StartedAt = &now

	if record.Status == types.RunQueued {
		record.Status = types.RunRunning
	}

	if err := r.persist(ctx, record); err != nil {
		return nil, err
	}
	return cloneRecord(record), nil
}
