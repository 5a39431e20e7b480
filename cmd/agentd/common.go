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

package main

import (
	"fmt"
	"path/filepath"

	"github.com/agentchat/daemon/config"
)

// resolveHandle picks the handle to operate on: the positional
// argument if given, otherwise AGENT_CHAT_HANDLE. A missing handle is
// a fatal startup error (§7: "handle not supplied").
func resolveHandle(args []string) (string, error) {
	if len(args) > 0 && args[0] != "" {
		return args[0], nil
	}
	if h := config.ReadEnvOverrides().DefaultHandle; h != "" {
		return h, nil
	}
	return "", fmt.Errorf("no handle supplied: pass it as an argument or set AGENT_CHAT_HANDLE")
}

// handleDataDir is the per-handle directory under the data root that
// holds the handle's JSON config, cursor, dedup set and PID lock.
func handleDataDir(procCfg *config.Config, handle string) string {
	return filepath.Join(procCfg.StateDir, handle)
}

// handleKeysDir is the per-handle directory holding keys.json. It
// defaults to the data directory but can be split onto a separate,
// more tightly permissioned volume via AGENT_CHAT_KEYS_DIR.
func handleKeysDir(procCfg *config.Config, handle string) string {
	if dir := config.ReadEnvOverrides().KeysDir; dir != "" {
		return filepath.Join(dir, handle)
	}
	return handleDataDir(procCfg, handle)
}

// loadHandle reads a handle's config.json from its data directory,
// falling back to the process defaults for anything it omits.
func loadHandle(procCfg *config.Config, handle string) (*config.HandleConfig, error) {
	path := filepath.Join(handleDataDir(procCfg, handle), "config.json")
	hc, err := config.LoadHandleConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load handle config: %w", err)
	}
	if hc.Relay == "" {
		hc.Relay = procCfg.Relay.URL
	}
	return hc, nil
}

// contactsPath is the handle's local contacts book, stored alongside
// its config.json rather than in the more tightly permissioned keys
// directory: it carries no secret, only handles the operator vouches for.
func contactsPath(procCfg *config.Config, handle string) string {
	return filepath.Join(handleDataDir(procCfg, handle), "contacts.json")
}

// messengerRecipientPath is the non-secret half of messenger
// configuration (§6): bot API origin and recipient identifier.
func messengerRecipientPath(procCfg *config.Config, handle string) string {
	return filepath.Join(handleDataDir(procCfg, handle), "messenger.json")
}

// messengerSecretPath is the secret half of messenger configuration:
// the bot token, kept on the same tightly permissioned volume as
// keys.json (directory 700 / file 600 at rest).
func messengerSecretPath(procCfg *config.Config, handle string) string {
	return filepath.Join(handleKeysDir(procCfg, handle), "messenger-token.json")
}
