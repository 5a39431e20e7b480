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

package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Mode identifies which transport a Session is actually using. The
// daemon must attempt live push first and fall back to polling
// silently if the streaming primitive is unavailable; the two are
// mutually exclusive within one process.
type Mode string

const (
	ModeLivePush Mode = "live-push"
	ModePoll     Mode = "poll"
)

// Session delivers Events from the relay, either via a persistent
// WebSocket (live push) or by repeated inbox polling (fallback).
type Session struct {
	client       *Client
	pollInterval time.Duration

	mu     sync.Mutex
	conn   *websocket.Conn
	mode   Mode
	closed bool

	events chan Event
	errs   chan error
}

// wirePushEnvelope distinguishes a tagged system push from the bare
// envelope shape the relay sends for ordinary messages: only the
// system push carries a top-level "type" field.
type wirePushEnvelope struct {
	Type string          `json:"type,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewSession constructs a Session. pollInterval is the fallback poll
// cadence (default 30s per the protocol's transport-selection rule).
func NewSession(client *Client, pollInterval time.Duration) *Session {
	if pollInterval == 0 {
		pollInterval = 30 * time.Second
	}
	return &Session{
		client:       client,
		pollInterval: pollInterval,
		events:       make(chan Event, 64),
		errs:         make(chan error, 1),
	}
}

// Events returns the channel Events are delivered on.
func (s *Session) Events() <-chan Event { return s.events }

// Errs returns the channel transport-level errors (e.g. a dropped
// WebSocket connection, which the supervisor turns into a reconnect)
// are reported on.
func (s *Session) Errs() <-chan error { return s.errs }

// Mode reports which transport is currently active.
func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Start attempts a live-push WebSocket connection; if the dial fails,
// it falls back to polling without returning an error to the caller —
// per the spec, an unavailable streaming primitive is never fatal.
func (s *Session) Start(ctx context.Context) error {
	if err := s.dialLivePush(ctx); err != nil {
		s.mu.Lock()
		s.mode = ModePoll
		s.mu.Unlock()
		go s.pollLoop(ctx)
		return nil
	}

	s.mu.Lock()
	s.mode = ModeLivePush
	s.mu.Unlock()
	go s.readLoop()
	return nil
}

func (s *Session) dialLivePush(ctx context.Context) error {
	wsURL, err := toWebSocketURL(s.client.baseURL, "/ws/"+url.PathEscape(s.client.handle))
	if err != nil {
		return err
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig := s.client.signGET("/ws/"+s.client.handle, ts)
	header := http.Header{}
	header.Set("X-Agent-Handle", s.client.handle)
	header.Set("X-Agent-Timestamp", ts)
	header.Set("X-Agent-Signature", base64.StdEncoding.EncodeToString(sig))

	dialer := &websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return fmt.Errorf("relay: websocket dial: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return nil
}

func (s *Session) readLoop() {
	for {
		s.mu.Lock()
		conn := s.conn
		closed := s.closed
		s.mu.Unlock()
		if closed || conn == nil {
			return
		}

		var raw json.RawMessage
		if err := conn.ReadJSON(&raw); err != nil {
			s.mu.Lock()
			alreadyClosed := s.closed
			s.mu.Unlock()
			if !alreadyClosed {
				select {
				case s.errs <- fmt.Errorf("relay: websocket read: %w", err):
				default:
				}
			}
			return
		}

		event, err := decodePush(raw)
		if err != nil {
			continue
		}
		s.events <- event
	}
}

func (s *Session) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			envelopes, err := s.client.FetchInbox(ctx, "")
			if err != nil {
				select {
				case s.errs <- err:
				default:
				}
				continue
			}
			for _, e := range envelopes {
				s.events <- Event{Message: e}
			}
		}
	}
}

// Close shuts down the underlying transport with a clean close code.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.conn == nil {
		return nil
	}
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(2*time.Second))
	return s.conn.Close()
}

func decodePush(raw json.RawMessage) (Event, error) {
	var tagged wirePushEnvelope
	if err := json.Unmarshal(raw, &tagged); err != nil {
		return Event{}, fmt.Errorf("relay: decode push: %w", err)
	}

	if tagged.Type == "system" {
		var sysData map[string]interface{}
		if err := json.Unmarshal(tagged.Data, &sysData); err != nil {
			return Event{}, fmt.Errorf("relay: decode system event data: %w", err)
		}
		event, _ := sysData["event"].(string)
		return Event{System: &SystemEvent{Event: event, Data: sysData}}, nil
	}

	// Bare envelope shape: the whole push IS the envelope.
	var w wireEnvelope
	if err := json.Unmarshal(raw, &w); err != nil {
		return Event{}, fmt.Errorf("relay: decode envelope push: %w", err)
	}
	e, err := normalizeEnvelope(w)
	if err != nil {
		return Event{}, err
	}
	return Event{Message: e}, nil
}

func toWebSocketURL(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("relay: parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u.String(), nil
}

