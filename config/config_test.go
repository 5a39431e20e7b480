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
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetDefaults(t *testing.T) {
	cfg := &Config{}
	setDefaults(cfg)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 15_000_000_000, int(cfg.Relay.ControlTimeout))
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "/healthz", cfg.Health.Path)
	assert.NotEmpty(t, cfg.StateDir)
}

func TestSetDefaultsPreservesExplicitValues(t *testing.T) {
	cfg := &Config{Environment: "production"}
	cfg.Logging.Level = "warn"
	setDefaults(cfg)

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadHandleConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bob.json")

	threadID := int64(42)
	doc := HandleConfig{
		Handle:         "bob",
		Relay:          "https://relay.example",
		ThreadID:       &threadID,
		BlindReceipts:  true,
		UnifiedChannel: false,
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	loaded, err := LoadHandleConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "bob", loaded.Handle)
	assert.Equal(t, "https://relay.example", loaded.Relay)
	assert.True(t, loaded.BlindReceipts)
	require.NotNil(t, loaded.ThreadID)
	assert.EqualValues(t, 42, *loaded.ThreadID)
}

func TestLoadHandleConfigMissingHandle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"relay":"https://x"}`), 0o600))

	_, err := LoadHandleConfig(path)
	assert.Error(t, err)
}

func TestLoadHandleConfigMissingFile(t *testing.T) {
	_, err := LoadHandleConfig("/nonexistent/path.json")
	assert.Error(t, err)
}
