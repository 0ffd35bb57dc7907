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

// Package sqlite is a single-process store.Backend backed by
// modernc.org/sqlite (a cgo-free driver), useful for local development
// and single-instance deployments that still want persistence across
// restarts.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/flowmesh/control-plane/internal/store"
	"github.com/flowmesh/control-plane/internal/types"
)

// Backend is a database/sql-backed store.Backend. SQLite serialises
// writers, so all statements use a single *sql.DB with its default
// pool; this is adequate for the single-process deployments this
// backend targets.
type Backend struct {
	db *sql.DB
}

// New opens (creating if necessary) the database at path and runs the
// idempotent schema migration. Use ":memory:" for an ephemeral store.
func New(path string) (*Backend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1) // avoid SQLITE_BUSY from concurrent writers

	b := &Backend{db: db}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			tenant TEXT NOT NULL,
			client_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			idempotency_key TEXT NOT NULL DEFAULT '',
			request_hash TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS runs_tenant_idem_idx ON runs (tenant, idempotency_key)`,
		`CREATE INDEX IF NOT EXISTS runs_status_idx ON runs (status)`,
		`CREATE TABLE IF NOT EXISTS workers (
			worker_name TEXT PRIMARY KEY,
			data TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			data TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			actor_id TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id TEXT NOT NULL DEFAULT '',
			details TEXT,
			created_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := b.db.Exec(stmt); err != nil {
			return fmt.Errorf("sqlite: migrate: %w", err)
		}
	}
	return nil
}

func (b *Backend) CreateRun(ctx context.Context, run *types.RunRecord) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("sqlite: marshal run: %w", err)
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, tenant, client_id, status, idempotency_key, request_hash, created_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.RunID, run.Tenant, run.ClientID, string(run.Status), run.IdempotencyKey, run.RequestHash, run.CreatedAt.Format(timeLayout), data)
	if err != nil {
		return fmt.Errorf("sqlite: create run: %w", err)
	}
	return nil
}

const timeLayout = "2006-01-02T15:04:05.999999999Z07:00"

func (b *Backend) GetRun(ctx context.Context, runID string) (*types.RunRecord, error) {
	var data string
	err := b.db.QueryRowContext(ctx, `SELECT data FROM runs WHERE run_id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get run: %w", err)
	}
	var run types.RunRecord
	if err := json.Unmarshal([]byte(data), &run); err != nil {
		return nil, fmt.Errorf("sqlite: unmarshal run: %w", err)
	}
	return &run, nil
}

func (b *Backend) UpdateRun(ctx context.Context, run *types.RunRecord) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("sqlite: marshal run: %w", err)
	}
	res, err := b.db.ExecContext(ctx, `UPDATE runs SET status = ?, data = ? WHERE run_id = ?`, string(run.Status), data, run.RunID)
	if err != nil {
		return fmt.Errorf("sqlite: update run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: update run: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (b *Backend) ListRuns(ctx context.Context, filter store.RunFilter) ([]*types.RunRecord, string, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := b.db.QueryContext(ctx, `
		SELECT run_id, data FROM runs
		WHERE (? = '' OR status = ?) AND (? = '' OR client_id = ?) AND (? = '' OR run_id > ?)
		ORDER BY run_id LIMIT ?
	`, string(filter.Status), string(filter.Status), filter.ClientID, filter.ClientID, filter.Cursor, filter.Cursor, limit)
	if err != nil {
		return nil, "", fmt.Errorf("sqlite: list runs: %w", err)
	}
	defer rows.Close()

	var out []*types.RunRecord
	var lastID string
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, "", err
		}
		var run types.RunRecord
		if err := json.Unmarshal([]byte(data), &run); err != nil {
			return nil, "", err
		}
		out = append(out, &run)
		lastID = id
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	next := ""
	if len(out) == limit {
		next = lastID
	}
	return out, next, nil
}

func (b *Backend) FindByIdempotencyKey(ctx context.Context, tenant, key string) (string, string, bool, error) {
	var runID, hash string
	err := b.db.QueryRowContext(ctx, `
		SELECT run_id, request_hash FROM runs WHERE tenant = ? AND idempotency_key = ?
	`, tenant, key).Scan(&runID, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("sqlite: find by idempotency key: %w", err)
	}
	return runID, hash, true, nil
}

func (b *Backend) UpsertWorker(ctx context.Context, w *types.WorkerRecord) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("sqlite: marshal worker: %w", err)
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO workers (worker_name, data) VALUES (?, ?)
		ON CONFLICT (worker_name) DO UPDATE SET data = excluded.data
	`, w.WorkerName, data)
	if err != nil {
		return fmt.Errorf("sqlite: upsert worker: %w", err)
	}
	return nil
}

func (b *Backend) GetWorker(ctx context.Context, name string) (*types.WorkerRecord, error) {
	var data string
	err := b.db.QueryRowContext(ctx, `SELECT data FROM workers WHERE worker_name = ?`, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get worker: %w", err)
	}
	var w types.WorkerRecord
	if err := json.Unmarshal([]byte(data), &w); err != nil {
		return nil, fmt.Errorf("sqlite: unmarshal worker: %w", err)
	}
	return &w, nil
}

func (b *Backend) ListWorkers(ctx context.Context) ([]*types.WorkerRecord, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT data FROM workers`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list workers: %w", err)
	}
	defer rows.Close()
	var out []*types.WorkerRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var w types.WorkerRecord
		if err := json.Unmarshal([]byte(data), &w); err != nil {
			return nil, err
		}
		out = append(out, &w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerName < out[j].WorkerName })
	return out, rows.Err()
}

func (b *Backend) SaveSession(ctx context.Context, s *types.SessionRecord) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("sqlite: marshal session: %w", err)
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, data) VALUES (?, ?)
		ON CONFLICT (session_id) DO UPDATE SET data = excluded.data
	`, s.SessionID, data)
	if err != nil {
		return fmt.Errorf("sqlite: save session: %w", err)
	}
	return nil
}

func (b *Backend) GetSession(ctx context.Context, sessionID string) (*types.SessionRecord, error) {
	var data string
	err := b.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE session_id = ?`, sessionID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get session: %w", err)
	}
	var s types.SessionRecord
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, fmt.Errorf("sqlite: unmarshal session: %w", err)
	}
	return &s, nil
}

func (b *Backend) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("sqlite: delete session: %w", err)
	}
	return nil
}

func (b *Backend) WriteAuditEvent(ctx context.Context, ev store.AuditEvent) error {
	details, err := json.Marshal(ev.Details)
	if err != nil {
		details = []byte(`{"error":"serialization_failed"}`)
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, actor_id, action, target_type, target_id, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.ActorID, ev.Action, ev.TargetType, ev.TargetID, details, nowString())
	if err != nil {
		return fmt.Errorf("sqlite: write audit event: %w", err)
	}
	return nil
}

func nowString() string {
	return time.Now().UTC().Format(timeLayout)
}

func (b *Backend) Close() error {
	return b.db.Close()
}

var _ store.Backend = (*Backend)(nil)
