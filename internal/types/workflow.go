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

// Package types defines the shared data model for the control plane:
// workflow snapshots, run records, worker and session records, and the
// JSON-pointer-like path resolver used by edge bindings.
package types

// BindingMode is the direction a port binding flows data.
type BindingMode string

const (
	BindingRead  BindingMode = "read"
	BindingWrite BindingMode = "write"
)

// Binding describes where a port's value lives inside a node's mutable
// state. Read bindings are rooted at "/results/...", write bindings at
// "/parameters/...".
type Binding struct {
	Path string      `json:"path"`
	Mode BindingMode `json:"mode"`
}

// Port is one named connection point on a node or middleware.
type Port struct {
	Key     string  `json:"key"`
	Label   string  `json:"label,omitempty"`
	Binding Binding `json:"binding"`
}

// NodeUI carries the port declarations used for edge binding resolution.
type NodeUI struct {
	InputPorts  []Port `json:"input_ports,omitempty"`
	OutputPorts []Port `json:"output_ports,omitempty"`
}

// PackageRef identifies the versioned package implementing a node type.
type PackageRef struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Position is opaque layout metadata, carried through unmodified.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Middleware is a per-host pre-node that shares the host's dispatch lane.
type Middleware struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	Package        PackageRef     `json:"package"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	RetryPolicy    *RetryPolicy   `json:"retry_policy,omitempty"`
}

// RetryPolicy governs retry behaviour for a node or middleware hop.
type RetryPolicy struct {
	MaxAttempts int     `json:"max_attempts"`
	BackoffBase float64 `json:"backoff_base_seconds"`
	BackoffMax  float64 `json:"backoff_max_seconds"`
}

// Node is a single vertex in the workflow graph.
type Node struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Package     PackageRef     `json:"package"`
	Status      string         `json:"status,omitempty"`
	Category    string         `json:"category,omitempty"`
	Label       string         `json:"label,omitempty"`
	Position    Position       `json:"position,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	UI          *NodeUI        `json:"ui,omitempty"`
	Middlewares []Middleware   `json:"middlewares,omitempty"`
	Optional    bool           `json:"optional,omitempty"`
	RetryPolicy *RetryPolicy   `json:"retry_policy,omitempty"`

	// ResourceRefs names resources (e.g. secrets, mounted volumes) the
	// dispatched task needs provisioned, carried through unmodified to
	// the worker's dispatch request.
	ResourceRefs map[string]any `json:"resource_refs,omitempty"`
	// Affinity, if set, constrains dispatch to a worker whose
	// registration advertises a matching tag.
	Affinity string `json:"affinity,omitempty"`
	// ConcurrencyKey groups tasks that must not run concurrently against
	// the same external resource; carried to the worker, which is
	// responsible for any key-scoped serialisation it requires.
	ConcurrencyKey string `json:"concurrency_key,omitempty"`
}

// MiddlewarePrefix tags a middleware's target port key of the form
// "mw:<middleware_id>:input:<key>".
const MiddlewarePrefix = "mw:"

// EdgeEndpoint names a node (or middleware-qualified node) and a port.
type EdgeEndpoint struct {
	Node string `json:"node"`
	Port string `json:"port"`
}

// Edge is a data-flow connection from one node's output port to another
// node's (or middleware's) input port.
type Edge struct {
	ID     string       `json:"id"`
	Source EdgeEndpoint `json:"source"`
	Target EdgeEndpoint `json:"target"`
}

// Subgraph is a reusable snapshot referenced by a container node.
type Subgraph struct {
	ID          string           `json:"id"`
	Snapshot    WorkflowSnapshot `json:"snapshot"`
	RetryPolicy *RetryPolicy     `json:"retry_policy,omitempty"`
	LoopOver    string           `json:"loop_over,omitempty"`
}

// Metadata carries descriptive, non-semantic workflow information.
type Metadata struct {
	Name        string            `json:"name"`
	Namespace   string            `json:"namespace"`
	OriginID    string            `json:"origin_id,omitempty"`
	Description string            `json:"description,omitempty"`
	Environment string            `json:"environment,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// WorkflowSnapshot is the immutable workflow definition a run is created
// from. It never changes once a run references it.
type WorkflowSnapshot struct {
	WorkflowID    string     `json:"workflow_id"`
	SchemaVersion string     `json:"schema_version"`
	Metadata      Metadata   `json:"metadata"`
	Nodes         []Node     `json:"nodes"`
	Edges         []Edge     `json:"edges"`
	Subgraphs     []Subgraph `json:"subgraphs,omitempty"`
}

// NodeByID returns the node with the given id, or false if absent.
func (w *WorkflowSnapshot) NodeByID(id string) (Node, bool) {
	for _, n := range w.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// MiddlewareByID locates a middleware by id across all nodes, returning
// the owning host node id alongside it.
func (w *WorkflowSnapshot) MiddlewareByID(id string) (hostNodeID string, mw Middleware, ok bool) {
	for _, n := range w.Nodes {
		for _, m := range n.Middlewares {
			if m.ID == id {
				return n.ID, m, true
			}
		}
	}
	return "", Middleware{}, false
}
