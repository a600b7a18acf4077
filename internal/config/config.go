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

// Package config loads the run execution coordinator's process
// configuration: store/queue backend selection, the constants §6
// names (MAX_RUN_CHUNK_EXECUTION_LIMIT and friends), BLOCKED_ORGS, and
// HTTP client tuning. Loaded from YAML with environment overrides,
// mirroring the teacher's internal/config loader.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Config is the coordinator's complete process configuration.
type Config struct {
	Store BackendConfig `yaml:"store" validate:"required"`
	Queue BackendConfig `yaml:"queue" validate:"required"`

	// Constants overrides default to the values from §6; zero means
	// "use the default" (Default() fills them in).
	Constants ConstantsConfig `yaml:"constants"`

	// BlockedOrgs is a substring-matched list of organisation ids that
	// are cancelled on first encounter (§6's BLOCKED_ORGS).
	BlockedOrgs []string `yaml:"blocked_orgs,omitempty"`

	// AcceptLegacyResumeTaskID gates the deprecated resumeTaskId field
	// (§9 Open Question, resolved in SPEC_FULL.md's SUPPLEMENTED FEATURES).
	AcceptLegacyResumeTaskID bool `yaml:"accept_legacy_resume_task_id"`

	HTTPClient HTTPClientConfig `yaml:"http_client"`
	Log        LogConfig        `yaml:"log"`
	Admin      AdminConfig      `yaml:"admin"`
}

// AdminConfig configures the coordinator's admin HTTP surface: health,
// metrics, and the manual force-yield route (§4.D).
type AdminConfig struct {
	ListenAddr string `yaml:"listen_addr,omitempty"`
}

// BackendConfig selects and configures a store or queue backend.
type BackendConfig struct {
	// Kind is "memory", "sqlite", or "postgres".
	Kind string `yaml:"kind" validate:"required,oneof=memory sqlite postgres"`
	// DSN is the connection string for sqlite/postgres backends.
	DSN string `yaml:"dsn,omitempty"`
}

// ConstantsConfig overrides the named constants from §6. A zero value
// means "use the spec default" — see Default().
type ConstantsConfig struct {
	MaxRunChunkExecutionLimit int64 `yaml:"max_run_chunk_execution_limit,omitempty"`
	MaxRunYieldedExecutions   int   `yaml:"max_run_yielded_executions,omitempty"`
	RunChunkExecutionBuffer   int64 `yaml:"run_chunk_execution_buffer,omitempty"`
	TotalCachedTaskByteLimit  int   `yaml:"total_cached_task_byte_limit,omitempty"`
	NoopTaskSetSize           uint  `yaml:"noop_task_set_size,omitempty"`
}

// HTTPClientConfig tunes the outbound endpoint client.
type HTTPClientConfig struct {
	UserAgent string        `yaml:"user_agent,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`
}

// LogConfig configures the coordinator's logging, mirroring internal/log.Config.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// Default returns a Config with every constant set to the spec default
// (§6) and a single-node memory/memory backend, suitable for local
// development and tests.
func Default() *Config {
	return &Config{
		Store: BackendConfig{Kind: "memory"},
		Queue: BackendConfig{Kind: "memory"},
		Constants: ConstantsConfig{
			MaxRunChunkExecutionLimit: 3_600_000,
			MaxRunYieldedExecutions:   1_000,
			RunChunkExecutionBuffer:   5_000,
			TotalCachedTaskByteLimit:  3_500_000,
			NoopTaskSetSize:           10_000,
		},
		AcceptLegacyResumeTaskID: true,
		HTTPClient: HTTPClientConfig{
			UserAgent: "coordinator/1.0",
			Timeout:   30 * time.Second,
		},
		Log:   LogConfig{Level: "info", Format: "json"},
		Admin: AdminConfig{ListenAddr: ":8080"},
	}
}

// Load reads path (if non-empty; a missing file is an error), applies
// environment variable overrides, fills in defaults for anything left
// unset, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("COORDINATOR_STORE_KIND"); v != "" {
		cfg.Store.Kind = v
	}
	if v := os.Getenv("COORDINATOR_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("COORDINATOR_QUEUE_KIND"); v != "" {
		cfg.Queue.Kind = v
	}
	if v := os.Getenv("COORDINATOR_QUEUE_DSN"); v != "" {
		cfg.Queue.DSN = v
	}
	if v := os.Getenv("BLOCKED_ORGS"); v != "" {
		cfg.BlockedOrgs = splitAndTrim(v)
	}
}

func applyDefaults(cfg *Config) {
	defaults := Default()
	if cfg.Constants.MaxRunChunkExecutionLimit == 0 {
		cfg.Constants.MaxRunChunkExecutionLimit = defaults.Constants.MaxRunChunkExecutionLimit
	}
	if cfg.Constants.MaxRunYieldedExecutions == 0 {
		cfg.Constants.MaxRunYieldedExecutions = defaults.Constants.MaxRunYieldedExecutions
	}
	if cfg.Constants.RunChunkExecutionBuffer == 0 {
		cfg.Constants.RunChunkExecutionBuffer = defaults.Constants.RunChunkExecutionBuffer
	}
	if cfg.Constants.TotalCachedTaskByteLimit == 0 {
		cfg.Constants.TotalCachedTaskByteLimit = defaults.Constants.TotalCachedTaskByteLimit
	}
	if cfg.Constants.NoopTaskSetSize == 0 {
		cfg.Constants.NoopTaskSetSize = defaults.Constants.NoopTaskSetSize
	}
	if cfg.HTTPClient.UserAgent == "" {
		cfg.HTTPClient.UserAgent = defaults.HTTPClient.UserAgent
	}
	if cfg.HTTPClient.Timeout == 0 {
		cfg.HTTPClient.Timeout = defaults.HTTPClient.Timeout
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = defaults.Log.Format
	}
	if cfg.Admin.ListenAddr == "" {
		cfg.Admin.ListenAddr = defaults.Admin.ListenAddr
	}
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IsBlockedOrg reports whether orgID matches any BLOCKED_ORGS entry by
// substring (§6).
func (c *Config) IsBlockedOrg(orgID string) bool {
	for _, blocked := range c.BlockedOrgs {
		if blocked != "" && strings.Contains(orgID, blocked) {
			return true
		}
	}
	return false
}
