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

// Package relay implements the authenticated HTTP + streaming client
// against the message relay: inbox fetch, ack, handle lookup,
// trust-token minting, guardrail scan requests and self-restriction,
// plus the live-push/fallback-poll streaming session.
package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/agentchat/daemon/internal/envelope"
	"github.com/agentchat/daemon/internal/logger"
)

// Client is an authenticated relay client for one local handle.
type Client struct {
	baseURL    string
	handle     string
	keys       *envelope.KeyMaterial
	httpClient *http.Client
	logger     logger.Logger

	controlTimeout time.Duration
	scanTimeout    time.Duration
}

// Config bundles the per-handle construction parameters.
type Config struct {
	BaseURL        string
	Handle         string
	Keys           *envelope.KeyMaterial
	ControlTimeout time.Duration
	ScanTimeout    time.Duration
}

// New creates a relay Client for one handle's key material.
func New(cfg Config) *Client {
	controlTimeout := cfg.ControlTimeout
	if controlTimeout == 0 {
		controlTimeout = 15 * time.Second
	}
	scanTimeout := cfg.ScanTimeout
	if scanTimeout == 0 {
		scanTimeout = 10 * time.Second
	}
	return &Client{
		baseURL:        cfg.BaseURL,
		handle:         cfg.Handle,
		keys:           cfg.Keys,
		httpClient:     &http.Client{},
		logger:         logger.GetDefaultLogger(),
		controlTimeout: controlTimeout,
		scanTimeout:    scanTimeout,
	}
}

// SetLogger overrides the client's logger.
func (c *Client) SetLogger(l logger.Logger) { c.logger = l }

// signPOST signs "timestamp:body" for the POST auth headers.
func (c *Client) signPOST(ts, body string) []byte {
	return c.keys.Sign([]byte(ts + ":" + body))
}

// signGET signs "GET:path:timestamp" for the GET (and streaming
// upgrade) auth headers.
func (c *Client) signGET(path, ts string) []byte {
	return c.keys.Sign([]byte("GET:" + path + ":" + ts))
}

func (c *Client) authHeaders(sig []byte) http.Header {
	h := make(http.Header)
	h.Set("X-Agent-Handle", c.handle)
	h.Set("X-Agent-Signature", base64.StdEncoding.EncodeToString(sig))
	return h
}

func (c *Client) doGET(ctx context.Context, path string) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.controlTimeout)
	defer cancel()

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig := c.signGET(path, ts)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("relay: build request: %w", err)
	}
	req.Header = c.authHeaders(sig)
	req.Header.Set("X-Agent-Timestamp", ts)

	return c.httpClient.Do(req)
}

func (c *Client) doPOST(ctx context.Context, path string, body interface{}, timeout time.Duration) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("relay: marshal body: %w", err)
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig := c.signPOST(ts, string(data))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("relay: build request: %w", err)
	}
	req.Header = c.authHeaders(sig)
	req.Header.Set("X-Agent-Timestamp", ts)
	req.Header.Set("Content-Type", "application/json")

	return c.httpClient.Do(req)
}

// inboxResponse is the JSON shape of GET /inbox/{handle}.
type inboxResponse struct {
	Messages []wireEnvelope `json:"messages"`
}

// FetchInbox fetches the inbox after cursor. An empty cursor fetches
// the full inbox, used for redelivery after a trust_changed event, by
// the polling fallback, and by the catch-up drain when no cursor has
// been stored yet.
func (c *Client) FetchInbox(ctx context.Context, after string) ([]*envelope.Envelope, error) {
	path := "/inbox/" + url.PathEscape(c.handle)
	if after != "" {
		path += "?after=" + url.QueryEscape(after)
	}

	resp, err := c.doGET(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("relay: fetch inbox: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay: fetch inbox: unexpected status %d", resp.StatusCode)
	}

	var decoded inboxResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("relay: decode inbox: %w", err)
	}

	envelopes := make([]*envelope.Envelope, 0, len(decoded.Messages))
	for _, w := range decoded.Messages {
		e, err := normalizeEnvelope(w)
		if err != nil {
			c.logger.Warn("dropping unparseable inbox entry", logger.String("id", w.ID), logger.Error(err))
			continue
		}
		envelopes = append(envelopes, e)
	}
	return envelopes, nil
}

// Ack posts a batch acknowledgement. Per the protocol's design notes,
// the ack endpoint's tolerance for unknown ids is undocumented, so a
// non-2xx response here is logged but never treated as fatal.
func (c *Client) Ack(ctx context.Context, ids []string) error {
	resp, err := c.doPOST(ctx, "/inbox/ack", map[string]interface{}{"ids": ids}, c.controlTimeout)
	if err != nil {
		return fmt.Errorf("relay: ack: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		c.logger.Warn("ack returned non-2xx, continuing", logger.Int("status", resp.StatusCode))
	}
	return nil
}

// HandleInfo fetches a peer's public signing/kex keys and metadata,
// used for signature verification and for group/broadcast display.
func (c *Client) HandleInfo(ctx context.Context, peer string) (*HandleInfo, error) {
	resp, err := c.doGET(ctx, "/handle/info/"+url.PathEscape(peer))
	if err != nil {
		return nil, fmt.Errorf("relay: handle info: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay: handle info: unexpected status %d", resp.StatusCode)
	}

	var info HandleInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("relay: decode handle info: %w", err)
	}
	return &info, nil
}

// MintTrustToken requests a one-shot URL for a human-facing button
// (trust/untrust/block/forward-one). messageID is only meaningful for
// forward-one.
func (c *Client) MintTrustToken(ctx context.Context, target string, action TrustAction, messageID string) (string, error) {
	body := map[string]interface{}{"target": target, "action": action}
	if messageID != "" {
		body["messageId"] = messageID
	}

	resp, err := c.doPOST(ctx, "/trust-token", body, c.controlTimeout)
	if err != nil {
		return "", fmt.Errorf("relay: mint trust token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("relay: mint trust token: unexpected status %d", resp.StatusCode)
	}

	var decoded struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("relay: decode trust token: %w", err)
	}
	return decoded.URL, nil
}

// GuardrailScan requests a relay-mediated scan (tier B). An
// unreachable or rate-limited scanner is never reported as a
// positive flag: HTTP 429 and any non-2xx map to {flagged:false,
// unavailable:true}.
func (c *Client) GuardrailScan(ctx context.Context, messageID, text string) (*GuardrailScanResult, error) {
	resp, err := c.doPOST(ctx, "/guardrail/scan", map[string]string{
		"message_id": messageID,
		"text":       text,
	}, c.scanTimeout)
	if err != nil {
		return &GuardrailScanResult{Unavailable: true}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &GuardrailScanResult{Unavailable: true}, nil
	}

	var decoded GuardrailScanResult
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return &GuardrailScanResult{Unavailable: true}, nil
	}
	return &decoded, nil
}

// SelfRestrict posts a selfRead restriction, used for auto-trust on
// invite. This is the one outbound trust-adjacent call the daemon
// makes; it narrows the caller's own ceiling and can never promote a
// peer's ownerRead (invariant I5).
func (c *Client) SelfRestrict(ctx context.Context, handle string, selfRead envelope.ReadLevel) error {
	resp, err := c.doPOST(ctx, "/handle/self", map[string]string{
		"handle":   handle,
		"selfRead": string(selfRead),
	}, c.controlTimeout)
	if err != nil {
		return fmt.Errorf("relay: self restrict: %w", err)
	}
	defer io.Copy(io.Discard, resp.Body)
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("relay: self restrict: unexpected status %d", resp.StatusCode)
	}
	return nil
}
