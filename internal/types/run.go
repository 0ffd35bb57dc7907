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

package types

import "time"

// RunStatus is the terminal-or-not lifecycle state of a run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// NodeStatus is the lifecycle state of one node's execution within a run.
type NodeStatus string

const (
	NodeQueued    NodeStatus = "queued"
	NodeRunning   NodeStatus = "running"
	NodeSucceeded NodeStatus = "succeeded"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
	NodeCancelled NodeStatus = "cancelled"
)

// Terminal reports whether the node status admits no further transitions.
// ResetAfterWorkerCancel re-queues only a running node, never a terminal
// one.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeSucceeded, NodeFailed, NodeSkipped, NodeCancelled:
		return true
	default:
		return false
	}
}

// NodeError carries the failure detail reported by a worker or detected
// locally (e.g. a middleware-next error code).
type NodeError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// NodeState is the mutable per-node execution record held inside a
// RunRecord. Both host nodes and middleware hops use this shape;
// middleware hop state is stored in RunRecord.MiddlewareState, keyed by
// middleware id, rather than as a child of the host's NodeState, to
// avoid a back-pointer graph between hosts and their middlewares.
type NodeState struct {
	NodeID     string         `json:"node_id"`
	Status     NodeStatus     `json:"status"`
	WorkerName string         `json:"worker_name,omitempty"`
	TaskID     string         `json:"task_id,omitempty"`
	DispatchID string         `json:"dispatch_id,omitempty"`
	Attempt    int            `json:"attempt"`
	SeqUsed    *uint64        `json:"seq_used,omitempty"`
	AckDeadline *time.Time    `json:"ack_deadline,omitempty"`
	Parameters map[string]any `json:"parameters"`
	Results    map[string]any `json:"results,omitempty"`
	Error      *NodeError     `json:"error,omitempty"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`

	// MiddlewareChain lists the middleware ids dispatched, in order,
	// before this host node. Empty for a node with no middlewares.
	MiddlewareChain []string `json:"middleware_chain,omitempty"`
	// ChainCursor is the index of the next middleware hop to dispatch.
	// Equal to len(MiddlewareChain) once the host itself is ready.
	ChainCursor int `json:"chain_cursor"`
}

// Running reports whether the node is dispatched and not yet resolved.
func (n *NodeState) Running() bool {
	return n.Status == NodeRunning
}

// EdgeBinding is the resolved form of a workflow edge: a source path to
// read from a completed node's results, and a target path to write into
// a downstream node's (or middleware's) parameters.
type EdgeBinding struct {
	EdgeID           string
	SourceNode       string
	SourcePath       string
	TargetNode       string // host node id
	TargetMiddleware string // non-empty if the target is a middleware hop
	TargetPath       string
}

// ScopeIndex maps a node id to the id of its owning container/subgraph
// scope, empty for top-level nodes.
type ScopeIndex map[string]string

// RunRecord is the full mutable state of one workflow execution.
type RunRecord struct {
	RunID      string           `json:"run_id"`
	Tenant     string           `json:"tenant"`
	ClientID   string           `json:"client_id,omitempty"`
	Status     RunStatus        `json:"status"`
	CreatedAt  time.Time        `json:"created_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
	Workflow   WorkflowSnapshot `json:"workflow"`

	// ScopeIndex and EdgeBindings are derived once at create_run time
	// and never mutated afterward.
	ScopeIndex   ScopeIndex               `json:"scope_index"`
	EdgeBindings map[string][]EdgeBinding `json:"edge_bindings"`

	Nodes           map[string]*NodeState `json:"nodes"`
	MiddlewareState map[string]*NodeState `json:"middleware_state,omitempty"`

	// IdempotencyKey and RequestHash support StartRun idempotent replay.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	RequestHash    string `json:"request_hash,omitempty"`
}

// Finalised reports whether the run has reached a terminal status.
func (r *RunRecord) Finalised() bool {
	return r.Status.Terminal()
}

// ReadyNode is one node eligible for immediate dispatch.
type ReadyNode struct {
	RunID            string
	NodeID           string
	HostNodeID       string
	IsMiddleware     bool
	MiddlewareIndex  int
}

// ResultPayload is what a worker reports back for a completed task.
type ResultPayload struct {
	TaskID     string         `json:"task_id"`
	Status     NodeStatus     `json:"status"`
	Result     map[string]any `json:"result,omitempty"`
	Error      *NodeError     `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
}

// ResultApplication is the outcome of applying a ResultPayload: which
// downstream nodes became newly ready, and whether the run finalised.
type ResultApplication struct {
	NewlyReady     []ReadyNode
	RunFinalised   bool
	FinalStatus    RunStatus
	AlreadyFinal   bool // the run was already finalised; this call was a no-op
}
