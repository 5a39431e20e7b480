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

package config

import (
	"os"
	"regexp"
	"strconv"
	"strings"
)

// envVarPattern matches ${VAR} or ${VAR:default}
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// SubstituteEnvVars replaces ${VAR} or ${VAR:default} with environment
// variable values.
func SubstituteEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultValue := ""
		if len(parts) > 2 {
			defaultValue = parts[2]
		}

		value := os.Getenv(varName)
		if value == "" {
			return defaultValue
		}
		return value
	})
}

// substituteEnvVarsInConfig recursively substitutes environment variables
// across every string field of the process config.
func substituteEnvVarsInConfig(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.Relay.URL = SubstituteEnvVars(cfg.Relay.URL)
	cfg.Logging.Level = SubstituteEnvVars(cfg.Logging.Level)
	cfg.Logging.Format = SubstituteEnvVars(cfg.Logging.Format)
	cfg.Logging.Output = SubstituteEnvVars(cfg.Logging.Output)
	cfg.Metrics.Addr = SubstituteEnvVars(cfg.Metrics.Addr)
	cfg.Metrics.Path = SubstituteEnvVars(cfg.Metrics.Path)
	cfg.Health.Addr = SubstituteEnvVars(cfg.Health.Addr)
	cfg.Health.Path = SubstituteEnvVars(cfg.Health.Path)
	cfg.StateDir = SubstituteEnvVars(cfg.StateDir)
	cfg.Environment = SubstituteEnvVars(cfg.Environment)
}

// GetEnvironment returns the current environment, defaulting to
// "development" when unset.
func GetEnvironment() string {
	env := os.Getenv("AGENT_CHAT_ENV")
	if env == "" {
		env = os.Getenv("ENVIRONMENT")
	}
	if env == "" {
		env = "development"
	}
	return strings.ToLower(env)
}

// IsProduction reports whether the daemon is running in production.
func IsProduction() bool {
	return GetEnvironment() == "production"
}

// EnvOverrides holds every environment variable the daemon recognizes
// for per-handle and transport behavior, per the external interface
// contract (relay root, data/secret dirs, default handle, external
// delivery command, AI sink override, guardrail credential, verbosity,
// fallback messenger thread).
type EnvOverrides struct {
	RelayURL          string
	DataDir           string
	KeysDir           string
	DefaultHandle     string
	DeliverCmd        string
	OpenclawPath      string
	LakeraGuardKey    string
	Verbose           bool
	FallbackThread    int64
	HasFallbackThread bool
}

// ReadEnvOverrides reads every recognized environment variable.
func ReadEnvOverrides() EnvOverrides {
	o := EnvOverrides{
		RelayURL:       os.Getenv("AGENT_CHAT_RELAY"),
		DataDir:        os.Getenv("AGENT_CHAT_DIR"),
		KeysDir:        os.Getenv("AGENT_CHAT_KEYS_DIR"),
		DefaultHandle:  os.Getenv("AGENT_CHAT_HANDLE"),
		DeliverCmd:     os.Getenv("AGENT_DELIVER_CMD"),
		OpenclawPath:   os.Getenv("OPENCLAW_PATH"),
		LakeraGuardKey: os.Getenv("LAKERA_GUARD_KEY"),
	}
	v := strings.ToLower(os.Getenv("AGENT_CHAT_VERBOSE"))
	o.Verbose = v == "1" || v == "true"
	if raw := os.Getenv("AGENT_CHAT_THREAD_ID"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			o.FallbackThread = n
			o.HasFallbackThread = true
		}
	}
	return o
}

// ApplyTo overlays any non-empty override onto a process Config. Env
// overrides win over file-based config, per the loader's precedence.
func (o EnvOverrides) ApplyTo(cfg *Config) {
	if o.RelayURL != "" {
		cfg.Relay.URL = o.RelayURL
	}
	if o.DataDir != "" {
		cfg.StateDir = o.DataDir
	}
	if o.Verbose {
		cfg.Logging.Level = "debug"
	}
}
