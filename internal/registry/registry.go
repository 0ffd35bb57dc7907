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

// Package registry owns all mutable run state: the immutable workflow
// snapshot each run was started from, per-node execution state, the
// derived edge-binding index, and the readiness computation that
// drives the orchestrator. Each run's state is protected by its own
// mutex; there is no process-global lock on the hot path.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flowmesh/control-plane/internal/apierr"
	"github.com/flowmesh/control-plane/internal/store"
	"github.com/flowmesh/control-plane/internal/types"
)

// runEntry pairs a run's mutable record with the mutex that serialises
// every operation against it.
type runEntry struct {
	mu     sync.Mutex
	record *types.RunRecord
}

// Registry is the Run Registry described in the component design: the
// owner of all mutable run state.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*runEntry

	store store.Backend
	clock func() time.Time

	// onReady is invoked after any mutation that may have produced new
	// ready nodes, so the orchestrator can react to readiness events
	// instead of polling every run on a timer. Best-effort: it runs
	// under no lock and must not block for long.
	onReady func(runID string)

	// catalog validates node/middleware package references at run
	// creation time. Nil disables the check.
	catalog PackageCatalog
}

// New creates a Registry backed by the given store.Backend. Existing
// runs are not eagerly loaded; entries are hydrated lazily on first
// access via Get/the mutating operations.
func New(backend store.Backend) *Registry {
	return &Registry{
		entries: make(map[string]*runEntry),
		store:   backend,
		clock:   time.Now,
	}
}

// SetOnReady installs the callback invoked after a mutation may have
// produced newly ready nodes. Intended to be called once at startup by
// the orchestrator.
func (r *Registry) SetOnReady(fn func(runID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReady = fn
}

// SetPackageCatalog installs the catalogue CreateRun validates node and
// middleware packages against. Intended to be called once at startup.
func (r *Registry) SetPackageCatalog(catalog PackageCatalog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.catalog = catalog
}

func (r *Registry) notifyReady(runID string) {
	r.mu.RLock()
	fn := r.onReady
	r.mu.RUnlock()
	if fn != nil {
		fn(runID)
	}
}

// entry returns the in-memory entry for runID, loading it from the
// store on first reference. The returned entry's mutex must be held by
// the caller for the duration of any read or mutation.
func (r *Registry) entry(ctx context.Context, runID string) (*runEntry, error) {
	r.mu.RLock()
	e, ok := r.entries[runID]
	r.mu.RUnlock()
	if ok {
		return e, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[runID]; ok {
		return e, nil
	}

	record, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	e = &runEntry{record: record}
	r.entries[runID] = e
	return e, nil
}

func (r *Registry) registerEntry(runID string, record *types.RunRecord) *runEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := &runEntry{record: record}
	r.entries[runID] = e
	return e
}

func (r *Registry) persist(ctx context.Context, record *types.RunRecord) error {
	if err := r.store.UpdateRun(ctx, record); err != nil {
		return apierr.Internal("persisting run state", err)
	}
	return nil
}

// Get returns a deep-ish snapshot of the run record for API read paths.
// Callers must not mutate nested maps in the returned record.
func (r *Registry) Get(ctx context.Context, runID string) (*types.RunRecord, error) {
	e, err := r.entry(ctx, runID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apierr.NotFound(fmt.Sprintf("run %q not found", runID))
		}
		return nil, apierr.Internal("loading run", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneRecord(e.record), nil
}

// ListRuns passes filter through to the backing store's paginated run
// listing. It bypasses the in-memory entry cache: listing is a
// read-mostly, store-of-record query, not a hot per-run path.
func (r *Registry) ListRuns(ctx context.Context, filter store.RunFilter) ([]*types.RunRecord, string, error) {
	runs, cursor, err := r.store.ListRuns(ctx, filter)
	if err != nil {
		return nil, "", apierr.Internal("listing runs", err)
	}
	return runs, cursor, nil
}
