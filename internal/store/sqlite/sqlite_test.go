package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/flowmesh/control-plane/internal/store"
	"github.com/flowmesh/control-plane/internal/types"
)

func TestCreateGetRun(t *testing.T) {
	ctx := context.Background()
	b, err := New(":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	run := &types.RunRecord{
		RunID:     "r1",
		Tenant:    "acme",
		Status:    types.RunQueued,
		CreatedAt: time.Now().UTC(),
		Nodes:     map[string]*types.NodeState{},
	}
	if err := b.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := b.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Tenant != "acme" || got.Status != types.RunQueued {
		t.Errorf("unexpected run: %+v", got)
	}

	if _, err := b.GetRun(ctx, "missing"); err != store.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestIdempotencyKeyLookup(t *testing.T) {
	ctx := context.Background()
	b, err := New(":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	run := &types.RunRecord{
		RunID: "r1", Tenant: "acme", Status: types.RunQueued,
		CreatedAt: time.Now().UTC(), IdempotencyKey: "k1", RequestHash: "h1",
		Nodes: map[string]*types.NodeState{},
	}
	if err := b.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	runID, hash, found, err := b.FindByIdempotencyKey(ctx, "acme", "k1")
	if err != nil || !found || runID != "r1" || hash != "h1" {
		t.Fatalf("unexpected result: runID=%s hash=%s found=%v err=%v", runID, hash, found, err)
	}
}

func TestWorkerAndAuditRoundTrip(t *testing.T) {
	ctx := context.Background()
	b, err := New(":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	w := &types.WorkerRecord{WorkerName: "w1", Status: types.WorkerOnline}
	if err := b.UpsertWorker(ctx, w); err != nil {
		t.Fatalf("UpsertWorker: %v", err)
	}
	got, err := b.GetWorker(ctx, "w1")
	if err != nil || got.Status != types.WorkerOnline {
		t.Fatalf("GetWorker: %+v, err=%v", got, err)
	}

	if err := b.WriteAuditEvent(ctx, store.AuditEvent{ID: "e1", Action: "start_run", TargetType: "run"}); err != nil {
		t.Fatalf("WriteAuditEvent: %v", err)
	}
}
