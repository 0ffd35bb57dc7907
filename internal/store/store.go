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

// Package store provides storage backends for the control plane.
//
// # Interface Hierarchy
//
// Interface segregation lets minimal implementations exist alongside
// full-featured ones:
//
//   - RunStore (core, required): CreateRun, GetRun, UpdateRun
//   - RunLister (optional): ListRuns
//   - IdempotencyStore (optional): FindByIdempotencyKey
//   - WorkerStore (optional): worker catalogue persistence
//   - SessionStore (optional): session record persistence
//   - AuditStore (optional): audit.Sink-compatible event persistence
//
// Backend composes all of the above plus io.Closer. The memory backend
// implements every interface; the postgres and sqlite backends target
// the same surface for production use.
package store

import (
	"context"
	"errors"
	"io"

	"github.com/flowmesh/control-plane/internal/types"
)

// ErrNotFound is returned by Get-style methods when the record is absent.
var ErrNotFound = errors.New("store: not found")

// RunStore is the core interface for run persistence.
type RunStore interface {
	CreateRun(ctx context.Context, run *types.RunRecord) error
	GetRun(ctx context.Context, runID string) (*types.RunRecord, error)
	UpdateRun(ctx context.Context, run *types.RunRecord) error
}

// RunFilter narrows ListRuns results.
type RunFilter struct {
	Status   types.RunStatus
	ClientID string
	Limit    int
	Cursor   string
}

// RunLister is an optional interface for paginated run listing.
type RunLister interface {
	ListRuns(ctx context.Context, filter RunFilter) (runs []*types.RunRecord, nextCursor string, err error)
}

// IdempotencyStore lets CreateRun callers detect a repeat StartRun
// before re-running snapshot validation and run construction.
type IdempotencyStore interface {
	FindByIdempotencyKey(ctx context.Context, tenant, key string) (runID string, requestHash string, found bool, err error)
}

// WorkerStore persists the worker catalogue so restarts do not forget
// recently-seen workers (their session state is still lost on restart;
// only catalogue metadata survives).
type WorkerStore interface {
	UpsertWorker(ctx context.Context, w *types.WorkerRecord) error
	GetWorker(ctx context.Context, name string) (*types.WorkerRecord, error)
	ListWorkers(ctx context.Context) ([]*types.WorkerRecord, error)
}

// SessionStore persists session records across restarts so a worker
// reconnecting after a control-plane restart can still present a
// prior_session_id that resolves (subject to grace-window expiry).
type SessionStore interface {
	SaveSession(ctx context.Context, s *types.SessionRecord) error
	GetSession(ctx context.Context, sessionID string) (*types.SessionRecord, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// AuditStore persists audit events. It is implemented by every backend
// here and also satisfies audit.Sink's shape (Write(ctx, Event) error)
// when the concrete event type is adapted via a thin wrapper in
// internal/cli (backend.go's auditSink).
type AuditStore interface {
	WriteAuditEvent(ctx context.Context, ev AuditEvent) error
}

// AuditEvent mirrors audit.Event without importing the audit package,
// keeping store free of a dependency on the audit queue's internals.
type AuditEvent struct {
	ID         string
	ActorID    string
	Action     string
	TargetType string
	TargetID   string
	Details    map[string]any
}

// Backend composes every capability a fully-featured store offers.
type Backend interface {
	RunStore
	RunLister
	IdempotencyStore
	WorkerStore
	SessionStore
	AuditStore
	io.Closer
}
