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

// WorkerStatus is the gateway's view of a worker's availability.
type WorkerStatus string

const (
	WorkerOnline   WorkerStatus = "online"
	WorkerDraining WorkerStatus = "draining"
	WorkerOffline  WorkerStatus = "offline"
)

// Capability names a node type (optionally pinned to a package version)
// a worker can execute.
type Capability struct {
	NodeType       string `json:"node_type"`
	PackageName    string `json:"package_name,omitempty"`
	PackageVersion string `json:"package_version,omitempty"`
}

// Matches reports whether this capability covers the given node type and
// package reference. An empty PackageName/PackageVersion on the
// capability matches any version of that node type.
func (c Capability) Matches(nodeType, packageName, packageVersion string) bool {
	if c.NodeType != nodeType {
		return false
	}
	if c.PackageName == "" {
		return true
	}
	return c.PackageName == packageName && (c.PackageVersion == "" || c.PackageVersion == packageVersion)
}

// WorkerRecord is the catalogue entry for one connected (or previously
// connected) worker.
type WorkerRecord struct {
	WorkerName           string       `json:"worker_name"`
	RegisteredAt         time.Time    `json:"registered_at"`
	LastHeartbeatAt      time.Time    `json:"last_heartbeat_at"`
	Capabilities         []Capability `json:"capabilities"`
	Queue                string       `json:"queue,omitempty"`
	InFlightTasks        int          `json:"in_flight_tasks"`
	ObservedLatencyMSEWMA float64     `json:"observed_latency_ms_ewma"`
	Status               WorkerStatus `json:"status"`
	SessionID            string       `json:"session_id,omitempty"`
	// Affinity is a free-form tag the worker advertised at handshake.
	// A dispatch with a non-empty affinity constraint only matches
	// workers whose tag equals it.
	Affinity string `json:"affinity,omitempty"`
}

// MatchesAffinity reports whether the worker satisfies the given
// affinity constraint. An empty constraint matches every worker.
func (w *WorkerRecord) MatchesAffinity(affinity string) bool {
	return affinity == "" || w.Affinity == affinity
}

// HasCapability reports whether the worker declares support for the
// given node type and package reference.
func (w *WorkerRecord) HasCapability(nodeType, packageName, packageVersion string) bool {
	for _, c := range w.Capabilities {
		if c.Matches(nodeType, packageName, packageVersion) {
			return true
		}
	}
	return false
}

// HeartbeatFresh reports whether the last heartbeat is within maxAge of
// now. A heartbeat exactly maxAge old is still fresh (spec boundary:
// "one nanosecond past" is the first excluded instant).
func (w *WorkerRecord) HeartbeatFresh(now time.Time, maxAge time.Duration) bool {
	return now.Sub(w.LastHeartbeatAt) <= maxAge
}
