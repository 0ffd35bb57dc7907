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

package gateway

import (
	"sort"
	"sync"
	"time"

	"github.com/flowmesh/control-plane/internal/types"
)

// Catalogue is the worker directory behind a single reader-writer lock:
// registration/heartbeat/state-transition writes are rare, candidate
// selection reads are hot and must stay O(1) per candidate (a full
// table scan filtered in-place, no secondary index needed at this
// scale), matching the concurrency model's requirement in spec.md §5.
type Catalogue struct {
	mu              sync.RWMutex
	workers         map[string]*types.WorkerRecord
	maxHeartbeatAge time.Duration
	clock           func() time.Time
}

// NewCatalogue constructs an empty worker catalogue. maxHeartbeatAge is
// the dispatch_worker_max_heartbeat_age_seconds staleness threshold.
func NewCatalogue(maxHeartbeatAge time.Duration) *Catalogue {
	return &Catalogue{
		workers:         make(map[string]*types.WorkerRecord),
		maxHeartbeatAge: maxHeartbeatAge,
		clock:           time.Now,
	}
}

// Register adds or replaces a worker's catalogue entry, called on a
// successful handshake.
func (c *Catalogue) Register(w *types.WorkerRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workers[w.WorkerName] = w
}

// Remove drops a worker from the catalogue, called once its session
// closes with no resume.
func (c *Catalogue) Remove(workerName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.workers, workerName)
}

// Heartbeat refreshes a worker's last-seen timestamp.
func (c *Catalogue) Heartbeat(workerName string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.workers[workerName]; ok {
		w.LastHeartbeatAt = at
		if w.Status == types.WorkerOffline {
			w.Status = types.WorkerOnline
		}
	}
}

// SetStatus transitions a worker's status (e.g. into draining on a
// drain admin command, or offline once its heartbeat goes stale).
func (c *Catalogue) SetStatus(workerName string, status types.WorkerStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.workers[workerName]; ok {
		w.Status = status
	}
}

// Get returns a copy of the named worker's record.
func (c *Catalogue) Get(workerName string) (types.WorkerRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	w, ok := c.workers[workerName]
	if !ok {
		return types.WorkerRecord{}, false
	}
	return *w, true
}

// List returns a snapshot of every worker in the catalogue.
func (c *Catalogue) List() []types.WorkerRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.WorkerRecord, 0, len(c.workers))
	for _, w := range c.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerName < out[j].WorkerName })
	return out
}

// Candidates implements orchestrator.Catalogue: every online worker
// with a fresh heartbeat and a matching capability, for nodeType and
// pkg. Draining and offline workers are never returned.
func (c *Catalogue) Candidates(nodeType string, pkg types.PackageRef, affinity string) []*types.WorkerRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.clock()
	var out []*types.WorkerRecord
	for _, w := range c.workers {
		if w.Status != types.WorkerOnline {
			continue
		}
		if c.maxHeartbeatAge > 0 && !w.HeartbeatFresh(now, c.maxHeartbeatAge) {
			continue
		}
		if !w.HasCapability(nodeType, pkg.Name, pkg.Version) {
			continue
		}
		if !w.MatchesAffinity(affinity) {
			continue
		}
		cp := *w
		out = append(out, &cp)
	}
	return out
}

// IncrementInFlight implements orchestrator.Catalogue.
func (c *Catalogue) IncrementInFlight(workerName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.workers[workerName]; ok {
		w.InFlightTasks++
	}
}

// DecrementInFlight implements orchestrator.Catalogue.
func (c *Catalogue) DecrementInFlight(workerName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.workers[workerName]; ok && w.InFlightTasks > 0 {
		w.InFlightTasks--
	}
}

// ObserveLatency folds a newly-observed task latency into the worker's
// exponentially-weighted moving average, alpha weighting the new
// sample at 0.2 (the teacher's connector metrics use the same EWMA
// shape for endpoint latency tracking).
func (c *Catalogue) ObserveLatency(workerName string, sampleMS float64) {
	const alpha = 0.2
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.workers[workerName]
	if !ok {
		return
	}
	if w.ObservedLatencyMSEWMA == 0 {
		w.ObservedLatencyMSEWMA = sampleMS
		return
	}
	w.ObservedLatencyMSEWMA = alpha*sampleMS + (1-alpha)*w.ObservedLatencyMSEWMA
}

// SweepOffline marks every worker whose heartbeat has gone stale
// (older than staleAfter, which the gateway sets to 3x the heartbeat
// interval by default, per spec.md §4.3) as offline, returning the
// names of workers newly marked. The gateway's offline sweep only logs
// these names; it does not reassign the workers' in-flight tasks.
func (c *Catalogue) SweepOffline(staleAfter time.Duration) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock()
	var newlyOffline []string
	for name, w := range c.workers {
		if w.Status == types.WorkerOffline {
			continue
		}
		if now.Sub(w.LastHeartbeatAt) > staleAfter {
			w.Status = types.WorkerOffline
			newlyOffline = append(newlyOffline, name)
		}
	}
	return newlyOffline
}
