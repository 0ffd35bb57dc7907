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

package orchestrator

import "github.com/flowmesh/control-plane/internal/types"

// Reserved middleware-next error codes (spec §6). A worker-side
// middleware reports these as a result error code when it cannot
// invoke "next" on its host; the orchestrator also uses
// NextInvalidChain and NextNoChain locally, when constructing a
// dispatch request that violates the chain invariants below.
const (
	NextRunFinalised   = "next_run_finalised"
	NextDuplicate      = "next_duplicate"
	NextNoChain        = "next_no_chain"
	NextInvalidChain   = "next_invalid_chain"
	NextTargetNotReady = "next_target_not_ready"
	NextTimeout        = "next_timeout"
	NextCancelled      = "next_cancelled"
	NextUnavailable    = "next_unavailable"
)

// validateDispatchRequest enforces spec §4.2's middleware dispatch
// invariants before a request is sent to a worker:
//   - host dispatch (node_id == host_node_id): chain_index must be absent.
//   - middleware dispatch: middleware_chain non-empty, 0 <= chain_index <
//     len(middleware_chain), and middleware_chain[chain_index] == node_id.
//
// Returns nil when req is valid, or a NodeError carrying the reserved
// next_* code describing which invariant failed.
func validateDispatchRequest(req DispatchRequest) *types.NodeError {
	isHostDispatch := req.NodeID == req.HostNodeID

	if isHostDispatch {
		if req.ChainIndex != nil {
			return &types.NodeError{Code: NextInvalidChain, Message: "host dispatch must not carry a chain_index"}
		}
		return nil
	}

	if len(req.MiddlewareChain) == 0 {
		return &types.NodeError{Code: NextNoChain, Message: "middleware dispatch requires a non-empty middleware_chain"}
	}
	if req.ChainIndex == nil {
		return &types.NodeError{Code: NextInvalidChain, Message: "middleware dispatch requires a chain_index"}
	}

	idx := *req.ChainIndex
	if idx < 0 || idx >= len(req.MiddlewareChain) {
		return &types.NodeError{Code: NextInvalidChain, Message: "chain_index out of range"}
	}
	if req.MiddlewareChain[idx] != req.NodeID {
		return &types.NodeError{Code: NextInvalidChain, Message: "chain_index does not name this middleware"}
	}
	return nil
}
