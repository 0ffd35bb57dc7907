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

// Package gateway is the Worker Gateway / Session Manager: it owns the
// bidirectional protocol to remote workers (handshake, sequencing,
// sliding-window ack, heartbeats, resume, admin commands) and the
// worker catalogue the Orchestrator selects candidates from.
package gateway

import (
	"github.com/flowmesh/control-plane/internal/types"
)

// HelloPayload is what a worker presents at handshake.
type HelloPayload struct {
	Token          string             `json:"token"`
	WorkerName     string             `json:"worker_name"`
	Capabilities   []types.Capability `json:"capabilities"`
	Queue          string             `json:"queue,omitempty"`
	Affinity       string             `json:"affinity,omitempty"`
	PriorSessionID string             `json:"prior_session_id,omitempty"`
	LastAckedSeq   uint64             `json:"last_acked_seq,omitempty"`
}

// HelloAckPayload is the server's handshake reply.
type HelloAckPayload struct {
	SessionID   string `json:"session_id"`
	ResumeToken string `json:"resume_token"`
	WindowSize  int    `json:"window_size"`
	Resumed     bool   `json:"resumed"`
}

// DispatchPayload is exactly the Dispatch request shape, sent to the
// worker on the dispatch frame.
type DispatchPayload struct {
	RunID          string           `json:"run_id"`
	Tenant         string           `json:"tenant,omitempty"`
	NodeID         string           `json:"node_id"`
	HostNodeID     string           `json:"host_node_id,omitempty"`
	TaskID         string           `json:"task_id"`
	DispatchID     string           `json:"dispatch_id"`
	NodeType       string           `json:"node_type"`
	Package        types.PackageRef `json:"package"`
	Parameters     map[string]any   `json:"parameters,omitempty"`
	ResourceRefs   map[string]any   `json:"resource_refs,omitempty"`
	Affinity       string           `json:"affinity,omitempty"`
	ConcurrencyKey string           `json:"concurrency_key,omitempty"`
	Seq            uint64           `json:"seq"`
	AckDeadline    string           `json:"ack_deadline"` // RFC3339, kept as string on the wire
	MiddlewareChain []string        `json:"middleware_chain,omitempty"`
	// ChainIndex is omitted on host dispatch; set for a middleware hop
	// dispatch, per spec §4.2's dispatch-validation invariants.
	ChainIndex *int `json:"chain_index,omitempty"`
}

// DispatchAckPayload confirms a worker has accepted a dispatched task.
type DispatchAckPayload struct {
	TaskID string `json:"task_id"`
}

// ResultPayload is the wire shape of a worker's reported task outcome.
// It differs from types.ResultPayload only by carrying run_id, which
// identifies which run's registry state to apply the result to.
type ResultPayload struct {
	RunID      string         `json:"run_id"`
	TaskID     string         `json:"task_id"`
	Status     string         `json:"status"`
	Result     map[string]any `json:"result,omitempty"`
	Error      *types.NodeError `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
}

// WorkerCancelPayload is a worker-initiated cancellation of one of its
// in-flight tasks, either because it cannot continue (permanent) or
// because it is shedding load and wants the task retried elsewhere
// (transient).
type WorkerCancelPayload struct {
	RunID     string `json:"run_id"`
	NodeID    string `json:"node_id"`
	TaskID    string `json:"task_id"`
	Permanent bool   `json:"permanent"`
	Reason    string `json:"reason,omitempty"`
}

// AdminCommand names one of the four admin operations the gateway can
// deliver to a worker.
type AdminCommand string

const (
	AdminDrain        AdminCommand = "drain"
	AdminRebind       AdminCommand = "rebind"
	AdminPkgInstall   AdminCommand = "pkg.install"
	AdminPkgUninstall AdminCommand = "pkg.uninstall"
)

// AdminCmdPayload is an admin command sent to a worker.
type AdminCmdPayload struct {
	Command AdminCommand   `json:"command"`
	Args    map[string]any `json:"args,omitempty"`
}

// AdminResultPayload acknowledges completion of an admin command.
type AdminResultPayload struct {
	Command AdminCommand `json:"command"`
	Success bool         `json:"success"`
	Error   string       `json:"error,omitempty"`
}
