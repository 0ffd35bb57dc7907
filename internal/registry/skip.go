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

import "github.com/flowmesh/control-plane/internal/types"

// propagateSkips marks every queued node unreachable because of a
// permanently failed predecessor as skipped. It runs to a fixed point: a
// node becomes skipped once at least one incoming binding's source is
// failed or already skipped -- a single permanently blocked input is
// enough, since nodeReady requires every incoming edge to resolve and a
// failed source never will, regardless of how its other predecessors
// eventually turn out. That can itself make a further node's
// predecessors failed-or-skipped, so the walk repeats until a full pass
// makes no change. Middleware hops inherit their host's fate: marking a
// host skipped also skips any middleware still ahead of it in the
// chain, since the host will never run to give them control.
func propagateSkips(record *types.RunRecord) {
	for {
		changed := false

		for _, n := range record.Workflow.Nodes {
			c := currentCandidate(record, n.ID)
			if c.state == nil || c.state.Status != types.NodeQueued {
				continue
			}
			if !anyPredecessorPermanentlyBlocked(record, c.hostNodeID, middlewareKey(c)) {
				continue
			}
			c.state.Status = types.NodeSkipped
			changed = true
		}

		if !changed {
			return
		}
	}
}

// anyPredecessorPermanentlyBlocked reports whether the candidate has at
// least one incoming binding whose source is failed or already skipped.
// A single such predecessor is enough to doom the candidate: it can
// never collect every required incoming binding, no matter how its
// other predecessors resolve (spec §4.2's fan-out failure propagation
// is OR over predecessors, not AND).
func anyPredecessorPermanentlyBlocked(record *types.RunRecord, hostNodeID, middlewareID string) bool {
	bindings := incomingBindings(record, hostNodeID, middlewareID)
	for _, b := range bindings {
		srcState, ok := record.Nodes[b.SourceNode]
		if !ok {
			continue
		}
		if srcState.Status == types.NodeFailed || srcState.Status == types.NodeSkipped {
			return true
		}
	}
	return false
}
