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
	"fmt"
	"strings"

	"github.com/flowmesh/control-plane/internal/apierr"
	"github.com/flowmesh/control-plane/internal/types"
)

// validateSnapshot checks the structural invariants required before a
// run can be created: unique node ids, edges pointing at existing
// endpoints, valid middleware-port references, and well-formed binding
// paths. It does not build the edge-binding index; buildEdgeBindings
// does that (and re-derives the same port lookups) once validation
// succeeds.
func validateSnapshot(snap *types.WorkflowSnapshot) error {
	if snap.WorkflowID == "" {
		return apierr.InvalidWorkflow("workflow_id is required")
	}
	if len(snap.Nodes) == 0 {
		return apierr.InvalidWorkflow("workflow has no nodes")
	}

	seen := make(map[string]struct{}, len(snap.Nodes))
	middlewareHosts := make(map[string]string) // middleware id -> host node id
	for _, n := range snap.Nodes {
		if n.ID == "" {
			return apierr.InvalidWorkflow("node with empty id")
		}
		if _, dup := seen[n.ID]; dup {
			return apierr.InvalidWorkflow(fmt.Sprintf("duplicate node id %q", n.ID))
		}
		seen[n.ID] = struct{}{}

		for _, mw := range n.Middlewares {
			if mw.ID == "" {
				return apierr.InvalidWorkflow(fmt.Sprintf("node %q has a middleware with empty id", n.ID))
			}
			if _, dup := middlewareHosts[mw.ID]; dup {
				return apierr.InvalidWorkflow(fmt.Sprintf("duplicate middleware id %q", mw.ID))
			}
			middlewareHosts[mw.ID] = n.ID
		}

		if n.UI != nil {
			for _, p := range n.UI.OutputPorts {
				if err := types.ValidateRootedPath(p.Binding.Path, types.BindingRead); err != nil {
					return apierr.InvalidWorkflow(fmt.Sprintf("node %q output port %q: %v", n.ID, p.Key, err))
				}
			}
			for _, p := range n.UI.InputPorts {
				if err := types.ValidateRootedPath(p.Binding.Path, types.BindingWrite); err != nil {
					return apierr.InvalidWorkflow(fmt.Sprintf("node %q input port %q: %v", n.ID, p.Key, err))
				}
			}
		}
	}

	for _, e := range snap.Edges {
		if e.ID == "" {
			return apierr.InvalidWorkflow("edge with empty id")
		}
		srcNode, ok := snap.NodeByID(e.Source.Node)
		if !ok {
			return apierr.InvalidWorkflow(fmt.Sprintf("edge %q: source node %q does not exist", e.ID, e.Source.Node))
		}
		if _, ok := findOutputPort(srcNode, e.Source.Port); !ok {
			return apierr.InvalidWorkflow(fmt.Sprintf("edge %q: source port %q not found on node %q", e.ID, e.Source.Port, e.Source.Node))
		}

		if _, ok := snap.NodeByID(e.Target.Node); !ok {
			return apierr.InvalidWorkflow(fmt.Sprintf("edge %q: target node %q does not exist", e.ID, e.Target.Node))
		}

		if strings.HasPrefix(e.Target.Port, types.MiddlewarePrefix) {
			mwID, _, err := parseMiddlewarePort(e.Target.Port)
			if err != nil {
				return apierr.InvalidWorkflow(fmt.Sprintf("edge %q: %v", e.ID, err))
			}
			host, ok := middlewareHosts[mwID]
			if !ok {
				return apierr.InvalidWorkflow(fmt.Sprintf("edge %q: middleware %q does not exist on any node", e.ID, mwID))
			}
			if host != e.Target.Node {
				return apierr.InvalidWorkflow(fmt.Sprintf("edge %q: middleware %q does not belong to host %q", e.ID, mwID, e.Target.Node))
			}
		} else {
			targetNode, _ := snap.NodeByID(e.Target.Node)
			if _, ok := findInputPort(targetNode, e.Target.Port); !ok {
				return apierr.InvalidWorkflow(fmt.Sprintf("edge %q: target port %q not found on node %q", e.ID, e.Target.Port, e.Target.Node))
			}
		}
	}

	return nil
}

func findOutputPort(n types.Node, key string) (types.Port, bool) {
	if n.UI == nil {
		return types.Port{}, false
	}
	for _, p := range n.UI.OutputPorts {
		if p.Key == key {
			return p, true
		}
	}
	return types.Port{}, false
}

func findInputPort(n types.Node, key string) (types.Port, bool) {
	if n.UI == nil {
		return types.Port{}, false
	}
	for _, p := range n.UI.InputPorts {
		if p.Key == key {
			return p, true
		}
	}
	return types.Port{}, false
}

// parseMiddlewarePort splits "mw:<middleware_id>:input:<key>" into the
// middleware id and the trailing key.
func parseMiddlewarePort(port string) (mwID, key string, err error) {
	parts := strings.Split(port, ":")
	if len(parts) != 4 || parts[0] != "mw" || parts[2] != "input" || parts[1] == "" || parts[3] == "" {
		return "", "", fmt.Errorf("malformed middleware target port %q", port)
	}
	return parts[1], parts[3], nil
}
