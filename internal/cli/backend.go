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

package cli

import (
	"context"
	"log/slog"

	"github.com/flowmesh/control-plane/internal/audit"
	"github.com/flowmesh/control-plane/internal/config"
	"github.com/flowmesh/control-plane/internal/registry"
	"github.com/flowmesh/control-plane/internal/store"
	"github.com/flowmesh/control-plane/internal/store/memory"
	"github.com/flowmesh/control-plane/internal/store/postgres"
	"github.com/flowmesh/control-plane/internal/store/sqlite"
)

func memoryBackend() store.Backend {
	return memory.New()
}

func sqliteBackend(path string) (store.Backend, error) {
	if path == "" {
		path = "control-plane.db"
	}
	return sqlite.New(path)
}

func postgresBackend(ctx context.Context, dsn string) (store.Backend, error) {
	return postgres.New(ctx, postgres.Config{DSN: dsn})
}

// auditSink adapts a store.Backend's AuditStore to audit.Sink, so the
// queue can drain directly into whichever backend is configured
// without the store package depending on the audit package's types.
type auditSink struct {
	backend store.AuditStore
}

func (s auditSink) Write(ctx context.Context, ev audit.Event) error {
	return s.backend.WriteAuditEvent(ctx, store.AuditEvent{
		ID:         ev.ID,
		ActorID:    ev.ActorID,
		Action:     ev.Action,
		TargetType: ev.TargetType,
		TargetID:   ev.TargetID,
		Details:    ev.Details,
	})
}

func newAuditQueue(backend store.Backend, logger *slog.Logger, counters audit.Counters) *audit.Queue {
	return audit.New(auditSink{backend: backend}, 1024, audit.WithLogger(logger), audit.WithCounters(counters))
}

// newPackageCatalog seeds a registry.MemoryCatalog from configuration.
// An unconfigured catalogue (the common case for a fresh install)
// returns a nil PackageCatalog, which disables the check entirely
// rather than rejecting every run because no packages were seeded.
func newPackageCatalog(entries []config.CatalogEntryConfig) registry.PackageCatalog {
	if len(entries) == 0 {
		return nil
	}
	rows := make([]registry.CatalogEntry, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, registry.CatalogEntry{
			NodeType: e.NodeType,
			Package:  e.Package,
			Versions: e.Versions,
		})
	}
	return registry.NewMemoryCatalog(rows)
}
