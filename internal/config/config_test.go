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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.Listen != ":8080" {
		t.Errorf("expected listen address ':8080', got %q", cfg.Server.Listen)
	}
	if cfg.Store.Kind != StoreMemory {
		t.Errorf("expected store kind memory, got %q", cfg.Store.Kind)
	}
	if cfg.Session.WindowSize != 64 {
		t.Errorf("expected window size 64, got %d", cfg.Session.WindowSize)
	}
	if cfg.Session.HeartbeatInterval() != 10*time.Second {
		t.Errorf("expected heartbeat interval 10s, got %v", cfg.Session.HeartbeatInterval())
	}
	if cfg.Dispatch.Strategy != "default" {
		t.Errorf("expected dispatch strategy 'default', got %q", cfg.Dispatch.Strategy)
	}
	if cfg.Dispatch.MaxAttempts != 5 {
		t.Errorf("expected max attempts 5, got %d", cfg.Dispatch.MaxAttempts)
	}
	if cfg.Dispatch.BackoffBase() != 500*time.Millisecond {
		t.Errorf("expected backoff base 500ms, got %v", cfg.Dispatch.BackoffBase())
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := `
server:
  listen: "127.0.0.1:9090"
store:
  kind: sqlite
  path: /data/control-plane.db
session:
  window_size: 128
dispatch:
  strategy: least_inflight
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Listen != "127.0.0.1:9090" {
		t.Errorf("expected listen override, got %q", cfg.Server.Listen)
	}
	if cfg.Store.Kind != StoreSQLite || cfg.Store.Path != "/data/control-plane.db" {
		t.Errorf("expected sqlite store override, got %+v", cfg.Store)
	}
	if cfg.Session.WindowSize != 128 {
		t.Errorf("expected window size override 128, got %d", cfg.Session.WindowSize)
	}
	// Defaults not present in the file survive untouched.
	if cfg.Session.ResumeGraceSeconds != 120 {
		t.Errorf("expected resume grace default to survive, got %d", cfg.Session.ResumeGraceSeconds)
	}
	if cfg.Dispatch.Strategy != "least_inflight" {
		t.Errorf("expected dispatch strategy override, got %q", cfg.Dispatch.Strategy)
	}
}

func TestLoadFromFileCatalogEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := `
catalog:
  - node_type: http_request
    package: core/http
    versions: ["1.0.0", "1.1.0"]
  - node_type: transform
    package: core/transform
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Catalog) != 2 {
		t.Fatalf("expected 2 catalog entries, got %d", len(cfg.Catalog))
	}
	if cfg.Catalog[0].NodeType != "http_request" || len(cfg.Catalog[0].Versions) != 2 {
		t.Errorf("unexpected first catalog entry: %+v", cfg.Catalog[0])
	}
	if cfg.Catalog[1].NodeType != "transform" || len(cfg.Catalog[1].Versions) != 0 {
		t.Errorf("unexpected second catalog entry: %+v", cfg.Catalog[1])
	}
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load with missing file should fall back to defaults, got error: %v", err)
	}
	if cfg.Server.Listen != ":8080" {
		t.Errorf("expected default listen address, got %q", cfg.Server.Listen)
	}
}

func TestLoadFromEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  listen: \":1111\"\n"), 0o644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}

	t.Setenv("CONTROLPLANE_LISTEN", ":2222")
	t.Setenv("CONTROLPLANE_SESSION_WINDOW_SIZE", "32")
	t.Setenv("CONTROLPLANE_WORKER_TOKENS", "tok-a, tok-b ,tok-a")
	t.Setenv("CONTROLPLANE_DISPATCH_MAX_ATTEMPTS", "9")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Listen != ":2222" {
		t.Errorf("expected env to win over file, got %q", cfg.Server.Listen)
	}
	if cfg.Session.WindowSize != 32 {
		t.Errorf("expected window size 32 from env, got %d", cfg.Session.WindowSize)
	}
	if cfg.Dispatch.MaxAttempts != 9 {
		t.Errorf("expected max attempts 9 from env, got %d", cfg.Dispatch.MaxAttempts)
	}
	tokens := cfg.WorkerAuth.WorkerTokens()
	if len(tokens) != 2 || tokens[0] != "tok-a" || tokens[1] != "tok-b" {
		t.Errorf("expected deduplicated [tok-a tok-b], got %v", tokens)
	}
}

func TestWorkerTokensMergesAndDedupes(t *testing.T) {
	cfg := WorkerAuthConfig{Token: "shared", Tokens: []string{"shared", "extra"}}
	tokens := cfg.WorkerTokens()
	if len(tokens) != 2 || tokens[0] != "shared" || tokens[1] != "extra" {
		t.Errorf("expected [shared extra], got %v", tokens)
	}
}

func TestToLogConfig(t *testing.T) {
	cfg := LogConfig{Level: "debug", Format: "text", AddSource: true}
	logCfg := cfg.ToLogConfig()
	if logCfg.Level != "debug" {
		t.Errorf("expected level debug, got %q", logCfg.Level)
	}
	if string(logCfg.Format) != "text" {
		t.Errorf("expected format text, got %q", logCfg.Format)
	}
	if !logCfg.AddSource {
		t.Errorf("expected AddSource true")
	}
}
