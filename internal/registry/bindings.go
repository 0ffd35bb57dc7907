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
	"github.com/flowmesh/control-plane/internal/types"
)

// buildEdgeBindings resolves every edge in snap into an EdgeBinding and
// indexes the result by source node, so record_result can look up a
// completed node's outgoing bindings in O(out-degree). Call only after
// validateSnapshot has succeeded; lookups here assume the graph is
// well-formed.
func buildEdgeBindings(snap *types.WorkflowSnapshot) map[string][]types.EdgeBinding {
	out := make(map[string][]types.EdgeBinding)

	for _, e := range snap.Edges {
		srcNode, _ := snap.NodeByID(e.Source.Node)
		srcPort, _ := findOutputPort(srcNode, e.Source.Port)

		binding := types.EdgeBinding{
			EdgeID:     e.ID,
			SourceNode: e.Source.Node,
			SourcePath: srcPort.Binding.Path,
			TargetNode: e.Target.Node,
		}

		if mwID, key, err := parseMiddlewarePort(e.Target.Port); err == nil {
			binding.TargetMiddleware = mwID
			binding.TargetPath = "/parameters/" + key
		} else {
			targetNode, _ := snap.NodeByID(e.Target.Node)
			targetPort, _ := findInputPort(targetNode, e.Target.Port)
			binding.TargetPath = targetPort.Binding.Path
		}

		out[e.Source.Node] = append(out[e.Source.Node], binding)
	}

	return out
}

// incomingBindings returns, for the given node (and optional middleware
// id within it), the bindings whose target resolves to that exact
// destination. It scans all bindings grouped by source; runs are small
// enough, and this is only called from readiness and skip computation.
func incomingBindings(record *types.RunRecord, hostNodeID, middlewareID string) []types.EdgeBinding {
	var out []types.EdgeBinding
	for _, bindings := range record.EdgeBindings {
		for _, b := range bindings {
			if b.TargetNode != hostNodeID {
				continue
			}
			if b.TargetMiddleware != middlewareID {
				continue
			}
			out = append(out, b)
		}
	}
	return out
}

// buildScopeIndex maps every node id, including those nested inside
// subgraphs, to the id of its owning container scope ("" for
// top-level). Subgraph contents are not separately scheduled by this
// implementation (container loop/retry execution is not part of the
// dispatch path below); the index exists so API consumers can still
// see which scope a node belongs to.
func buildScopeIndex(snap *types.WorkflowSnapshot) types.ScopeIndex {
	idx := make(types.ScopeIndex)
	for _, n := range snap.Nodes {
		idx[n.ID] = ""
	}
	var walk func(scope string, s *types.WorkflowSnapshot)
	walk = func(scope string, s *types.WorkflowSnapshot) {
		for _, n := range s.Nodes {
			idx[n.ID] = scope
		}
		for _, sub := range s.Subgraphs {
			walk(sub.ID, &sub.Snapshot)
		}
	}
	for _, sub := range snap.Subgraphs {
		walk(sub.ID, &sub.Snapshot)
	}
	return idx
}
