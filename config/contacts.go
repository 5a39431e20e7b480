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
	"fmt"
	"os"
)

// onDiskContacts is the contacts.json shape: a flat list of peer
// handles the operator has vouched for out of band.
type onDiskContacts struct {
	Contacts []string `json:"contacts"`
}

// Contacts is a handle's local contacts book: the set of peer handles
// an inviter must appear on before auto-trust-on-invite applies.
type Contacts map[string]bool

// IsKnown reports whether handle is in the contacts book.
func (c Contacts) IsKnown(handle string) bool {
	return c[handle]
}

// LoadContacts reads a handle's local contacts book. A missing file is
// not an error: it means an empty contacts book, so no inviter
// auto-trusts until the operator populates one.
func LoadContacts(path string) (Contacts, error) {
	known := make(Contacts)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return known, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read contacts file: %w", err)
	}

	var onDisk onDiskContacts
	if err := json.Unmarshal(data, &onDisk); err != nil {
		return nil, fmt.Errorf("parse contacts file %s: %w", path, err)
	}
	for _, handle := range onDisk.Contacts {
		if handle != "" {
			known[handle] = true
		}
	}
	return known, nil
}
