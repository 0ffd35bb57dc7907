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

// Package memory is an in-memory store.Backend, suitable for tests and
// single-process deployments that accept losing state on restart.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/flowmesh/control-plane/internal/store"
	"github.com/flowmesh/control-plane/internal/types"
)

// Store is a sync.RWMutex-guarded map-backed store.Backend.
type Store struct {
	mu sync.RWMutex

	runs       map[string]*types.RunRecord
	idemByKey  map[string]string // tenant+"\x00"+key -> run_id
	hashByKey  map[string]string // tenant+"\x00"+key -> request hash
	workers    map[string]*types.WorkerRecord
	sessions   map[string]*types.SessionRecord
	auditEvents []store.AuditEvent
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		runs:      make(map[string]*types.RunRecord),
		idemByKey: make(map[string]string),
		hashByKey: make(map[string]string),
		workers:   make(map[string]*types.WorkerRecord),
		sessions:  make(map[string]*types.SessionRecord),
	}
}

func cloneRun(r *types.RunRecord) *types.RunRecord {
	b, err := json.Marshal(r)
	if err != nil {
		return r
	}
	var out types.RunRecord
	if err := json.Unmarshal(b, &out); err != nil {
		return r
	}
	return &out
}

func cloneWorker(w *types.WorkerRecord) *types.WorkerRecord {
	cp := *w
	cp.Capabilities = append([]types.Capability(nil), w.Capabilities...)
	return &cp
}

func cloneSession(s *types.SessionRecord) *types.SessionRecord {
	cp := *s
	cp.Unacked = append([]types.UnackedMessage(nil), s.Unacked...)
	return &cp
}

func idemKey(tenant, key string) string { return tenant + "\x00" + key }

// CreateRun stores a new run record. When the record's IdempotencyKey is
// set, it also records the tenant-scoped key and the record's
// RequestHash for FindByIdempotencyKey.
func (s *Store) CreateRun(_ context.Context, run *types.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.RunID] = cloneRun(run)
	if run.IdempotencyKey != "" {
		k := idemKey(run.Tenant, run.IdempotencyKey)
		s.idemByKey[k] = run.RunID
		s.hashByKey[k] = run.RequestHash
	}
	return nil
}

func (s *Store) GetRun(_ context.Context, runID string) (*types.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneRun(r), nil
}

func (s *Store) UpdateRun(_ context.Context, run *types.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.RunID]; !ok {
		return store.ErrNotFound
	}
	s.runs[run.RunID] = cloneRun(run)
	return nil
}

func (s *Store) ListRuns(_ context.Context, filter store.RunFilter) ([]*types.RunRecord, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*types.RunRecord, 0, len(s.runs))
	for _, r := range s.runs {
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.ClientID != "" && r.ClientID != filter.ClientID {
			continue
		}
		all = append(all, r)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })

	start := 0
	if filter.Cursor != "" {
		for i, r := range all {
			if r.RunID == filter.Cursor {
				start = i + 1
				break
			}
		}
	}
	limit := filter.Limit
	if limit <= 0 || limit > len(all)-start {
		limit = len(all) - start
	}
	if start >= len(all) {
		return nil, "", nil
	}
	page := all[start : start+limit]

	out := make([]*types.RunRecord, len(page))
	for i, r := range page {
		out[i] = cloneRun(r)
	}
	next := ""
	if start+limit < len(all) {
		next = out[len(out)-1].RunID
	}
	return out, next, nil
}

func (s *Store) FindByIdempotencyKey(_ context.Context, tenant, key string) (string, string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k := idemKey(tenant, key)
	runID, ok := s.idemByKey[k]
	if !ok {
		return "", "", false, nil
	}
	return runID, s.hashByKey[k], true, nil
}

func (s *Store) UpsertWorker(_ context.Context, w *types.WorkerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[w.WorkerName] = cloneWorker(w)
	return nil
}

func (s *Store) GetWorker(_ context.Context, name string) (*types.WorkerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneWorker(w), nil
}

func (s *Store) ListWorkers(_ context.Context) ([]*types.WorkerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.WorkerRecord, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, cloneWorker(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerName < out[j].WorkerName })
	return out, nil
}

func (s *Store) SaveSession(_ context.Context, sess *types.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.SessionID] = cloneSession(sess)
	return nil
}

func (s *Store) GetSession(_ context.Context, sessionID string) (*types.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSession(sess), nil
}

func (s *Store) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

func (s *Store) WriteAuditEvent(_ context.Context, ev store.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditEvents = append(s.auditEvents, ev)
	return nil
}

// AuditEvents returns a snapshot of all recorded audit events, for tests.
func (s *Store) AuditEvents() []store.AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.AuditEvent, len(s.auditEvents))
	copy(out, s.auditEvents)
	return out
}

func (s *Store) Close() error { return nil }

var _ store.Backend = (*Store)(nil)
