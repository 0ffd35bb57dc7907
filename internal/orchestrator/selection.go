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

import (
	"math/rand"
	"sort"

	"github.com/flowmesh/control-plane/internal/types"
)

// Strategy names the configured worker-selection policy
// (dispatch_worker_strategy in configuration).
type Strategy string

const (
	StrategyDefault       Strategy = "default"
	StrategyLeastInflight Strategy = "least_inflight"
	StrategyLeastLatency  Strategy = "least_latency"
	StrategyRandom        Strategy = "random"
)

// selectWorker picks one worker from candidates (already filtered down
// to online workers with the required capability) per the given
// strategy. StrategyRandom picks uniformly at random; every other
// strategy breaks ties by worker name, so its selection is
// deterministic for a given candidate set.
func selectWorker(strategy Strategy, candidates []*types.WorkerRecord) *types.WorkerRecord {
	if len(candidates) == 0 {
		return nil
	}

	sorted := make([]*types.WorkerRecord, len(candidates))
	copy(sorted, candidates)

	switch strategy {
	case StrategyLeastInflight:
		sort.Slice(sorted, func(i, j int) bool {
			if sorted[i].InFlightTasks != sorted[j].InFlightTasks {
				return sorted[i].InFlightTasks < sorted[j].InFlightTasks
			}
			return sorted[i].WorkerName < sorted[j].WorkerName
		})
		return sorted[0]

	case StrategyLeastLatency:
		sort.Slice(sorted, func(i, j int) bool {
			if sorted[i].ObservedLatencyMSEWMA != sorted[j].ObservedLatencyMSEWMA {
				return sorted[i].ObservedLatencyMSEWMA < sorted[j].ObservedLatencyMSEWMA
			}
			return sorted[i].WorkerName < sorted[j].WorkerName
		})
		return sorted[0]

	case StrategyRandom:
		return sorted[rand.Intn(len(sorted))]

	default: // StrategyDefault: first by registration order, worker name tiebreak
		sort.Slice(sorted, func(i, j int) bool {
			if !sorted[i].RegisteredAt.Equal(sorted[j].RegisteredAt) {
				return sorted[i].RegisteredAt.Before(sorted[j].RegisteredAt)
			}
			return sorted[i].WorkerName < sorted[j].WorkerName
		})
		return sorted[0]
	}
}
