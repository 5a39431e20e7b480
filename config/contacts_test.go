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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadContactsMissingFileIsEmpty(t *testing.T) {
	contacts, err := LoadContacts(filepath.Join(t.TempDir(), "contacts.json"))
	require.NoError(t, err)
	assert.False(t, contacts.IsKnown("bob"))
	assert.Empty(t, contacts)
}

func TestLoadContactsParsesKnownHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contacts.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"contacts":["bob","carol"]}`), 0o600))

	contacts, err := LoadContacts(path)
	require.NoError(t, err)
	assert.True(t, contacts.IsKnown("bob"))
	assert.True(t, contacts.IsKnown("carol"))
	assert.False(t, contacts.IsKnown("mallory"))
}
