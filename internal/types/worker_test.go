package types

import (
	"testing"
	"time"
)

func TestCapabilityMatches(t *testing.T) {
	c := Capability{NodeType: "http_call", PackageName: "acme/http", PackageVersion: "1.2.0"}

	if !c.Matches("http_call", "acme/http", "1.2.0") {
		t.Error("expected exact match to succeed")
	}
	if c.Matches("transform", "acme/http", "1.2.0") {
		t.Error("expected node type mismatch to fail")
	}
	if c.Matches("http_call", "acme/http", "2.0.0") {
		t.Error("expected pinned version mismatch to fail")
	}

	open := Capability{NodeType: "transform"}
	if !open.Matches("transform", "anything", "9.9.9") {
		t.Error("expected capability with no package name to match any version")
	}
}

func TestWorkerRecordHasCapability(t *testing.T) {
	w := &WorkerRecord{
		Capabilities: []Capability{
			{NodeType: "http_call", PackageName: "acme/http", PackageVersion: "1.2.0"},
		},
	}
	if !w.HasCapability("http_call", "acme/http", "1.2.0") {
		t.Error("expected capability to match")
	}
	if w.HasCapability("transform", "acme/json", "1.0.0") {
		t.Error("expected no match for unrelated node type")
	}
}

func TestHeartbeatFreshBoundary(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	maxAge := 30 * time.Second

	w := &WorkerRecord{LastHeartbeatAt: now.Add(-maxAge)}
	if !w.HeartbeatFresh(now, maxAge) {
		t.Error("expected heartbeat exactly at the threshold to remain fresh")
	}

	w.LastHeartbeatAt = now.Add(-maxAge - time.Nanosecond)
	if w.HeartbeatFresh(now, maxAge) {
		t.Error("expected heartbeat one nanosecond past the threshold to be stale")
	}
}
