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

// MessengerRecipient is the non-secret half of messenger configuration:
// which bot API and which recipient, readable at normal file
// permissions since it carries no credential.
type MessengerRecipient struct {
	APIBase string `json:"apiBase"`
	ChatID  string `json:"chatId"`
}

// MessengerSecret is the secret half: the bot token, expected at
// directory permission 700 / file permission 600 on disk.
type MessengerSecret struct {
	BotToken string `json:"botToken"`
}

// LoadMessengerRecipient reads the non-secret recipient file. A
// missing file is not an error: it means no messenger is configured
// for this handle, and the sink resolver falls through to the next
// priority tier.
func LoadMessengerRecipient(path string) (*MessengerRecipient, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read messenger recipient file: %w", err)
	}
	var r MessengerRecipient
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse messenger recipient file %s: %w", path, err)
	}
	if r.APIBase == "" || r.ChatID == "" {
		return nil, nil
	}
	return &r, nil
}

// LoadMessengerSecret reads the secret bot-token file. It does not
// verify or repair on-disk permissions: provisioning owns that, this
// call only refuses to treat a missing file as configured.
func LoadMessengerSecret(path string) (*MessengerSecret, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read messenger secret file: %w", err)
	}
	var s MessengerSecret
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse messenger secret file %s: %w", path, err)
	}
	if s.BotToken == "" {
		return nil, nil
	}
	return &s, nil
}
