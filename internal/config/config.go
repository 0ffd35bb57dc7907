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

// Package config loads the control plane's server configuration from a
// YAML file and environment variable overrides, in that precedence
// order (environment wins). Mirrors the teacher's internal/config
// package: a Default() baseline, a Load(path) entrypoint, and a
// loadFromEnv pass applied after any file is read.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flowmesh/control-plane/internal/log"
)

// StoreKind selects the store.Backend implementation constructed at
// startup.
type StoreKind string

const (
	StoreMemory   StoreKind = "memory"
	StorePostgres StoreKind = "postgres"
	StoreSQLite   StoreKind = "sqlite"
)

// LogConfig is the YAML/env-facing mirror of log.Config (log.Config's
// Output is an io.Writer and has no textual representation).
type LogConfig struct {
	// Level sets the minimum log level (debug, info, warn, error).
	// YAML: log.level  Env: CONTROLPLANE_LOG_LEVEL  Default: info
	Level string `yaml:"level"`

	// Format sets the output encoding (json, text).
	// YAML: log.format  Env: LOG_FORMAT  Default: json
	Format string `yaml:"format"`

	// AddSource adds the calling file:line to every log record.
	// YAML: log.add_source  Env: LOG_SOURCE (1 to enable)  Default: false
	AddSource bool `yaml:"add_source"`
}

// ServerConfig configures the public HTTP+SSE listener.
type ServerConfig struct {
	// Listen is the address the REST/SSE API binds to.
	// YAML: server.listen  Env: CONTROLPLANE_LISTEN  Default: :8080
	Listen string `yaml:"listen"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	// Kind selects memory, postgres, or sqlite.
	// YAML: store.kind  Env: CONTROLPLANE_STORE_KIND  Default: memory
	Kind StoreKind `yaml:"kind"`

	// DSN is the postgres connection URL, used when Kind is postgres.
	// YAML: store.dsn  Env: CONTROLPLANE_STORE_DSN
	DSN string `yaml:"dsn"`

	// Path is the sqlite database file, used when Kind is sqlite.
	// YAML: store.path  Env: CONTROLPLANE_STORE_PATH  Default: control-plane.db
	Path string `yaml:"path"`
}

// SessionConfig governs worker session authentication, resume, and the
// sliding-window ack protocol (spec.md §4, §6).
type SessionConfig struct {
	// Secret signs session-resume tokens (HS256). A worker fleet cannot
	// resume sessions across a restart without this set to a stable
	// value. The HTTP API does not check bearer tokens, with this
	// secret or any other.
	// YAML: session.secret  Env: CONTROLPLANE_SESSION_SECRET
	Secret string `yaml:"secret"`

	// TokenTTLSeconds is how long an issued resume token remains
	// valid; it should comfortably exceed any expected reconnect
	// delay but not the worker's own credential rotation window.
	// YAML: session.token_ttl_seconds
	// Env: CONTROLPLANE_SESSION_TOKEN_TTL_SECONDS  Default: 120
	TokenTTLSeconds int `yaml:"token_ttl_seconds"`

	// WindowSize is the sliding-window ack size per session (spec.md
	// §4.2): the maximum number of dispatches a session may have
	// outstanding before Send blocks awaiting an ack.
	// YAML: session.window_size
	// Env: CONTROLPLANE_SESSION_WINDOW_SIZE  Default: 64
	WindowSize int `yaml:"window_size"`

	// HeartbeatIntervalSeconds is how often the gateway pings an idle
	// session; OfflineAfter is computed as 3x this value.
	// YAML: session.heartbeat_interval_seconds
	// Env: CONTROLPLANE_SESSION_HEARTBEAT_INTERVAL_SECONDS  Default: 10
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`

	// ResumeGraceSeconds is how long a disconnected worker's session
	// is held open awaiting reconnect before it is torn down.
	// YAML: session.resume_grace_seconds
	// Env: CONTROLPLANE_SESSION_RESUME_GRACE_SECONDS  Default: 120
	ResumeGraceSeconds int `yaml:"resume_grace_seconds"`
}

// WorkerAuthConfig configures the shared-token allowlist workers
// present during the initial handshake (spec.md §4.1).
type WorkerAuthConfig struct {
	// Token is a single accepted worker bearer token. Mutually
	// additive with Tokens: both lists are merged into one allowlist.
	// YAML: worker_auth.token  Env: CONTROLPLANE_WORKER_TOKEN
	Token string `yaml:"token"`

	// Tokens is a list of accepted worker bearer tokens, for fleets
	// that rotate or segment credentials per worker pool.
	// YAML: worker_auth.tokens
	// Env: CONTROLPLANE_WORKER_TOKENS (comma-separated)
	Tokens []string `yaml:"tokens"`
}

// DispatchConfig governs the orchestrator's worker-selection strategy
// and retry behaviour (spec.md §3, §5).
type DispatchConfig struct {
	// Strategy selects how a worker is picked among capable
	// candidates: default, least_inflight, least_latency, or random.
	// YAML: dispatch.strategy
	// Env: CONTROLPLANE_DISPATCH_STRATEGY  Default: default
	Strategy string `yaml:"strategy"`

	// MaxHeartbeatAgeSeconds bounds how stale a worker's last
	// heartbeat may be and still be considered a dispatch candidate.
	// YAML: dispatch.max_heartbeat_age_seconds
	// Env: CONTROLPLANE_DISPATCH_MAX_HEARTBEAT_AGE_SECONDS  Default: 30
	MaxHeartbeatAgeSeconds int `yaml:"max_heartbeat_age_seconds"`

	// AckTimeoutSeconds is how long the orchestrator waits for a
	// dispatch ack before treating it as lost and retrying.
	// YAML: dispatch.ack_timeout_seconds
	// Env: CONTROLPLANE_DISPATCH_ACK_TIMEOUT_SECONDS  Default: 30
	AckTimeoutSeconds int `yaml:"ack_timeout_seconds"`

	// MaxAttempts is the maximum dispatch attempts (including the
	// first) before a node is failed permanently.
	// YAML: dispatch.max_attempts
	// Env: CONTROLPLANE_DISPATCH_MAX_ATTEMPTS  Default: 5
	MaxAttempts int `yaml:"max_attempts"`

	// BackoffBaseMillis and BackoffMaxMillis bound the full-jitter
	// retry backoff between dispatch attempts.
	// YAML: dispatch.backoff_base_millis / backoff_max_millis
	// Env: CONTROLPLANE_DISPATCH_BACKOFF_BASE_MILLIS /
	//      CONTROLPLANE_DISPATCH_BACKOFF_MAX_MILLIS
	// Default: 500 / 30000
	BackoffBaseMillis int `yaml:"backoff_base_millis"`
	BackoffMaxMillis  int `yaml:"backoff_max_millis"`
}

// CatalogEntryConfig seeds one row of the package catalogue: a node
// type implemented by a named package, optionally pinned to specific
// versions. An empty Versions list accepts the package at any version.
// YAML: catalog[] (a list under the top-level catalog key)
type CatalogEntryConfig struct {
	NodeType string   `yaml:"node_type"`
	Package  string   `yaml:"package"`
	Versions []string `yaml:"versions,omitempty"`
}

// Config is the control plane's complete runtime configuration.
type Config struct {
	Log        LogConfig            `yaml:"log"`
	Server     ServerConfig         `yaml:"server"`
	Store      StoreConfig          `yaml:"store"`
	Session    SessionConfig        `yaml:"session"`
	WorkerAuth WorkerAuthConfig     `yaml:"worker_auth"`
	Dispatch   DispatchConfig       `yaml:"dispatch"`
	Catalog    []CatalogEntryConfig `yaml:"catalog"`
}

// Default returns the baseline configuration used when no file and no
// environment overrides are present.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{
			Listen: ":8080",
		},
		Store: StoreConfig{
			Kind: StoreMemory,
			Path: "control-plane.db",
		},
		Session: SessionConfig{
			TokenTTLSeconds:          120,
			WindowSize:               64,
			HeartbeatIntervalSeconds: 10,
			ResumeGraceSeconds:       120,
		},
		Dispatch: DispatchConfig{
			Strategy:               "default",
			MaxHeartbeatAgeSeconds: 30,
			AckTimeoutSeconds:      30,
			MaxAttempts:            5,
			BackoffBaseMillis:      500,
			BackoffMaxMillis:       30000,
		},
	}
}

// Load loads configuration starting from Default, layering a YAML file
// (if configPath is non-empty and exists) on top, then applying
// environment variable overrides. Environment variables always take
// precedence over the file, matching the teacher's config package.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, err
		}
	}

	loadFromEnv(cfg)

	return cfg, nil
}

func loadFromFile(cfg *Config, path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("config: resolving home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}

func loadFromEnv(cfg *Config) {
	if v := os.Getenv("CONTROLPLANE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = strings.ToLower(v)
	}
	if os.Getenv("LOG_SOURCE") == "1" {
		cfg.Log.AddSource = true
	}

	if v := os.Getenv("CONTROLPLANE_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}

	if v := os.Getenv("CONTROLPLANE_STORE_KIND"); v != "" {
		cfg.Store.Kind = StoreKind(strings.ToLower(v))
	}
	if v := os.Getenv("CONTROLPLANE_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("CONTROLPLANE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}

	if v := os.Getenv("CONTROLPLANE_SESSION_SECRET"); v != "" {
		cfg.Session.Secret = v
	}
	if v := os.Getenv("CONTROLPLANE_SESSION_TOKEN_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Session.TokenTTLSeconds = n
		}
	}
	if v := os.Getenv("CONTROLPLANE_SESSION_WINDOW_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Session.WindowSize = n
		}
	}
	if v := os.Getenv("CONTROLPLANE_SESSION_HEARTBEAT_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Session.HeartbeatIntervalSeconds = n
		}
	}
	if v := os.Getenv("CONTROLPLANE_SESSION_RESUME_GRACE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Session.ResumeGraceSeconds = n
		}
	}

	if v := os.Getenv("CONTROLPLANE_WORKER_TOKEN"); v != "" {
		cfg.WorkerAuth.Token = v
	}
	if v := os.Getenv("CONTROLPLANE_WORKER_TOKENS"); v != "" {
		cfg.WorkerAuth.Tokens = splitAndTrim(v)
	}

	if v := os.Getenv("CONTROLPLANE_DISPATCH_STRATEGY"); v != "" {
		cfg.Dispatch.Strategy = strings.ToLower(v)
	}
	if v := os.Getenv("CONTROLPLANE_DISPATCH_MAX_HEARTBEAT_AGE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dispatch.MaxHeartbeatAgeSeconds = n
		}
	}
	if v := os.Getenv("CONTROLPLANE_DISPATCH_ACK_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dispatch.AckTimeoutSeconds = n
		}
	}
	if v := os.Getenv("CONTROLPLANE_DISPATCH_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dispatch.MaxAttempts = n
		}
	}
	if v := os.Getenv("CONTROLPLANE_DISPATCH_BACKOFF_BASE_MILLIS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dispatch.BackoffBaseMillis = n
		}
	}
	if v := os.Getenv("CONTROLPLANE_DISPATCH_BACKOFF_MAX_MILLIS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dispatch.BackoffMaxMillis = n
		}
	}
}

func splitAndTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// WorkerTokens merges Token and Tokens into one list, deduplicating the
// single-token field from the list when both are set.
func (w WorkerAuthConfig) WorkerTokens() []string {
	seen := make(map[string]struct{}, len(w.Tokens)+1)
	var out []string
	add := func(tok string) {
		if tok == "" {
			return
		}
		if _, ok := seen[tok]; ok {
			return
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	add(w.Token)
	for _, t := range w.Tokens {
		add(t)
	}
	return out
}

// LogConfig converts to the internal/log package's Config, defaulting
// Output to os.Stderr since that field has no textual representation.
func (c LogConfig) ToLogConfig() *log.Config {
	format := log.FormatJSON
	if strings.EqualFold(c.Format, "text") {
		format = log.FormatText
	}
	return &log.Config{
		Level:     c.Level,
		Format:    format,
		Output:    os.Stderr,
		AddSource: c.AddSource,
	}
}

// Duration helpers: the YAML/env surface uses plain integers (seconds
// or milliseconds) for readability, while the components that consume
// them want time.Duration.

func (s SessionConfig) TokenTTL() time.Duration {
	return time.Duration(s.TokenTTLSeconds) * time.Second
}

func (s SessionConfig) HeartbeatInterval() time.Duration {
	return time.Duration(s.HeartbeatIntervalSeconds) * time.Second
}

func (s SessionConfig) ResumeGrace() time.Duration {
	return time.Duration(s.ResumeGraceSeconds) * time.Second
}

func (d DispatchConfig) AckTimeout() time.Duration {
	return time.Duration(d.AckTimeoutSeconds) * time.Second
}

func (d DispatchConfig) MaxHeartbeatAge() time.Duration {
	return time.Duration(d.MaxHeartbeatAgeSeconds) * time.Second
}

func (d DispatchConfig) BackoffBase() time.Duration {
	return time.Duration(d.BackoffBaseMillis) * time.Millisecond
}

func (d DispatchConfig) BackoffMax() time.Duration {
	return time.Duration(d.BackoffMaxMillis) * time.Millisecond
}
