// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

// Package config provides process-wide configuration for the agent chat
// daemon: logging, metrics, health and relay defaults. Per-handle settings
// (relay URL, messenger routing, sink behavior) live in HandleConfig and
// are loaded separately from each handle's own JSON document.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config represents the daemon's process-wide configuration.
type Config struct {
	Environment string         `yaml:"environment" json:"environment"`
	Relay       RelayConfig    `yaml:"relay" json:"relay"`
	Logging     LoggingConfig  `yaml:"logging" json:"logging"`
	Metrics     MetricsConfig  `yaml:"metrics" json:"metrics"`
	Health      HealthConfig   `yaml:"health" json:"health"`
	StateDir    string         `yaml:"state_dir" json:"state_dir"`
}

// RelayConfig carries defaults for talking to the relay when a handle's
// own config omits them.
type RelayConfig struct {
	URL               string        `yaml:"url" json:"url"`
	ControlTimeout    time.Duration `yaml:"control_timeout" json:"control_timeout"`
	ScanTimeout       time.Duration `yaml:"scan_timeout" json:"scan_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval" json:"poll_interval"`
	ReconnectMinDelay time.Duration `yaml:"reconnect_min_delay" json:"reconnect_min_delay"`
	ReconnectMaxDelay time.Duration `yaml:"reconnect_max_delay" json:"reconnect_max_delay"`
	WarnBackoff       time.Duration `yaml:"warn_backoff" json:"warn_backoff"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format string `yaml:"format" json:"format"` // json, text
	Output string `yaml:"output" json:"output"` // stdout, stderr, file path
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
	Path    string `yaml:"path" json:"path"`
}

// HealthConfig controls the health-check HTTP endpoint.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
	Path    string `yaml:"path" json:"path"`
}

// setDefaults fills unset fields with the daemon's built-in defaults.
func setDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.Relay.URL == "" {
		cfg.Relay.URL = "https://relay.agentchat.example"
	}
	if cfg.Relay.ControlTimeout == 0 {
		cfg.Relay.ControlTimeout = 15 * time.Second
	}
	if cfg.Relay.ScanTimeout == 0 {
		cfg.Relay.ScanTimeout = 10 * time.Second
	}
	if cfg.Relay.PollInterval == 0 {
		cfg.Relay.PollInterval = 30 * time.Second
	}
	if cfg.Relay.ReconnectMinDelay == 0 {
		cfg.Relay.ReconnectMinDelay = 1 * time.Second
	}
	if cfg.Relay.ReconnectMaxDelay == 0 {
		cfg.Relay.ReconnectMaxDelay = 30 * time.Second
	}
	if cfg.Relay.WarnBackoff == 0 {
		cfg.Relay.WarnBackoff = 16 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = "127.0.0.1:9090"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Health.Addr == "" {
		cfg.Health.Addr = "127.0.0.1:9091"
	}
	if cfg.Health.Path == "" {
		cfg.Health.Path = "/healthz"
	}
	if cfg.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		cfg.StateDir = home + "/.agent-chat"
	}
}

// HandleConfig is the per-handle JSON document described in the daemon's
// wire contract: relay address, optional messenger routing, sink policy.
type HandleConfig struct {
	Handle         string `json:"handle"`
	Relay          string `json:"relay"`
	ThreadID       *int64 `json:"threadId,omitempty"`
	OpenclawPath   string `json:"openclawPath,omitempty"`
	BlindReceipts  bool   `json:"blindReceipts,omitempty"`
	UnifiedChannel bool   `json:"unifiedChannel,omitempty"`
}

// LoadHandleConfig reads and parses a handle's JSON configuration file.
func LoadHandleConfig(path string) (*HandleConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read handle config: %w", err)
	}
	var hc HandleConfig
	if err := json.Unmarshal(data, &hc); err != nil {
		return nil, fmt.Errorf("parse handle config %s: %w", path, err)
	}
	if hc.Handle == "" {
		return nil, fmt.Errorf("handle config %s: missing handle", path)
	}
	return &hc, nil
}
