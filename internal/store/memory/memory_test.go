package memory

import (
	"context"
	"testing"
	"time"

	"github.com/flowmesh/control-plane/internal/store"
	"github.com/flowmesh/control-plane/internal/types"
)

func newRun(id, tenant string, status types.RunStatus) *types.RunRecord {
	return &types.RunRecord{
		RunID:     id,
		Tenant:    tenant,
		Status:    status,
		CreatedAt: time.Now(),
		Nodes:     map[string]*types.NodeState{},
	}
}

func TestCreateGetUpdateRun(t *testing.T) {
	ctx := context.Background()
	s := New()

	run := newRun("r1", "acme", types.RunQueued)
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := s.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != types.RunQueued {
		t.Errorf("expected queued, got %s", got.Status)
	}

	// Mutating the returned copy must not affect stored state.
	got.Status = types.RunRunning
	again, _ := s.GetRun(ctx, "r1")
	if again.Status != types.RunQueued {
		t.Error("expected GetRun to return an isolated copy")
	}

	run.Status = types.RunSucceeded
	if err := s.UpdateRun(ctx, run); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}
	updated, _ := s.GetRun(ctx, "r1")
	if updated.Status != types.RunSucceeded {
		t.Errorf("expected succeeded after update, got %s", updated.Status)
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := New()
	if _, err := s.GetRun(context.Background(), "missing"); err != store.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestIdempotencyKeyLookup(t *testing.T) {
	ctx := context.Background()
	s := New()

	run := newRun("r1", "acme", types.RunQueued)
	run.IdempotencyKey = "k1"
	run.RequestHash = "hash-a"
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	runID, hash, found, err := s.FindByIdempotencyKey(ctx, "acme", "k1")
	if err != nil || !found {
		t.Fatalf("expected to find idempotency key, found=%v err=%v", found, err)
	}
	if runID != "r1" || hash != "hash-a" {
		t.Errorf("unexpected lookup result: runID=%s hash=%s", runID, hash)
	}

	// Different tenant must not see the same key.
	if _, _, found, _ := s.FindByIdempotencyKey(ctx, "other-tenant", "k1"); found {
		t.Error("expected idempotency keys to be tenant-scoped")
	}
}

func TestListRunsFilterAndPaginate(t *testing.T) {
	ctx := context.Background()
	s := New()

	base := time.Now()
	for i, status := range []types.RunStatus{types.RunQueued, types.RunRunning, types.RunSucceeded} {
		r := newRun(string(rune('a'+i)), "acme", status)
		r.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := s.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}

	runs, _, err := s.ListRuns(ctx, store.RunFilter{Status: types.RunSucceeded})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != "c" {
		t.Errorf("expected one succeeded run 'c', got %+v", runs)
	}

	page1, cursor, err := s.ListRuns(ctx, store.RunFilter{Limit: 2})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(page1) != 2 || cursor == "" {
		t.Fatalf("expected a 2-item page with a cursor, got %d items cursor=%q", len(page1), cursor)
	}

	page2, cursor2, err := s.ListRuns(ctx, store.RunFilter{Limit: 2, Cursor: cursor})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(page2) != 1 || cursor2 != "" {
		t.Errorf("expected final page with one item and no further cursor, got %d items cursor=%q", len(page2), cursor2)
	}
}

func TestWorkerCatalogueRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New()

	w := &types.WorkerRecord{WorkerName: "w1", Status: types.WorkerOnline}
	if err := s.UpsertWorker(ctx, w); err != nil {
		t.Fatalf("UpsertWorker: %v", err)
	}

	got, err := s.GetWorker(ctx, "w1")
	if err != nil {
		t.Fatalf("GetWorker: %v", err)
	}
	if got.Status != types.WorkerOnline {
		t.Errorf("expected online, got %s", got.Status)
	}

	list, err := s.ListWorkers(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("expected one worker, got %d err=%v", len(list), err)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New()

	sess := &types.SessionRecord{SessionID: "s1", WorkerName: "w1", State: types.SessionActive}
	if err := s.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.WorkerName != "w1" {
		t.Errorf("expected w1, got %s", got.WorkerName)
	}

	if err := s.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := s.GetSession(ctx, "s1"); err != store.ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestWriteAuditEvent(t *testing.T) {
	ctx := context.Background()
	s := New()

	if err := s.WriteAuditEvent(ctx, store.AuditEvent{Action: "start_run", TargetType: "run", TargetID: "r1"}); err != nil {
		t.Fatalf("WriteAuditEvent: %v", err)
	}
	events := s.AuditEvents()
	if len(events) != 1 || events[0].Action != "start_run" {
		t.Errorf("unexpected audit events: %+v", events)
	}
}
