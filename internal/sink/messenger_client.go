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

package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agentchat/daemon/internal/logger"
)

// HTTPMessengerCredentials bundles the two on-disk messenger documents
// once loaded: the non-secret recipient identifiers and the secret bot
// token, kept apart in memory the way they are kept apart at rest.
type HTTPMessengerCredentials struct {
	APIBase  string // bot API origin, e.g. "https://api.example-bot.org"
	ChatID   string // recipient identifier the bot API addresses
	BotToken string
}

// HTTPMessenger is a generic bot-API Messenger: it POSTs a JSON body to
// "<APIBase>/sendMessage" with a bearer-style token header, the shape
// common to every HTTP bot API in the pack rather than one vendor's
// specific envelope. Inline buttons are passed through as a
// "reply_markup"-style field; a thread id, when present, is passed as
// a top-level field alongside the chat id.
type HTTPMessenger struct {
	creds      HTTPMessengerCredentials
	httpClient *http.Client
	timeout    time.Duration
	logger     logger.Logger
}

// NewHTTPMessenger constructs a Messenger backed by creds. timeout
// bounds every send call, per the daemon-wide external-call deadline
// convention (messenger calls: 10s default).
func NewHTTPMessenger(creds HTTPMessengerCredentials, timeout time.Duration, l logger.Logger) *HTTPMessenger {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	if l == nil {
		l = logger.GetDefaultLogger()
	}
	return &HTTPMessenger{
		creds:      creds,
		httpClient: &http.Client{},
		timeout:    timeout,
		logger:     l,
	}
}

type sendMessageRequest struct {
	ChatID      string      `json:"chat_id"`
	Text        string      `json:"text"`
	ThreadID    *int64      `json:"message_thread_id,omitempty"`
	ReplyMarkup interface{} `json:"reply_markup,omitempty"`
}

type inlineKeyboardButton struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

type inlineKeyboardMarkup struct {
	InlineKeyboard [][]inlineKeyboardButton `json:"inline_keyboard"`
}

// SendMessage implements Messenger.
func (m *HTTPMessenger) SendMessage(ctx context.Context, text string, buttons []ButtonRow, threadID *int64) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req := sendMessageRequest{
		ChatID:   m.creds.ChatID,
		Text:     text,
		ThreadID: threadID,
	}
	if len(buttons) > 0 {
		rows := make([][]inlineKeyboardButton, 0, len(buttons))
		for _, b := range buttons {
			rows = append(rows, []inlineKeyboardButton{{Text: b.Label, URL: b.URL}})
		}
		req.ReplyMarkup = inlineKeyboardMarkup{InlineKeyboard: rows}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("sink: marshal messenger request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.creds.APIBase+"/sendMessage", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sink: build messenger request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+m.creds.BotToken)

	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("sink: messenger send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sink: messenger send: status %d: %s", resp.StatusCode, snippet)
	}
	return nil
}
