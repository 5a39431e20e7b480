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

// Package guardrail implements the three-tier prompt-injection scan:
// a local tier when both a scan credential and a local scanner URL are
// configured, a relay-mediated tier otherwise, and a no-op tier when neither is
// usable. An unreachable or rate-limited scanner is never reported as
// a positive flag.
package guardrail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/agentchat/daemon/internal/logger"
	"github.com/agentchat/daemon/internal/metrics"
	"github.com/agentchat/daemon/internal/relay"
)

// Tier identifies which scan path produced a Result.
type Tier string

const (
	TierLocal Tier = "local"
	TierRelay Tier = "relay"
	TierNone  Tier = "none"
)

// degradedThreshold is the number of consecutive tier A/B failures
// that trigger the one-time operator warning.
const degradedThreshold = 3

// Result is the outcome of a scan.
type Result struct {
	Flagged     bool
	Unavailable bool
	Tier        Tier
}

// LocalScanFunc performs a tier-A scan against a local endpoint using
// the configured credential; plaintext never leaves the host for any
// other reason.
type LocalScanFunc func(ctx context.Context, apiKey, text string) (flagged bool, err error)

// Scanner runs the three-tier scan and tracks consecutive-failure
// health, surfacing a one-time operator warning through warn.
type Scanner struct {
	localAPIKey string
	localScan   LocalScanFunc
	httpClient  *http.Client
	timeout     time.Duration
	warn        func(message string)
	logger      logger.Logger

	mu                  sync.Mutex
	consecutiveFailures int
	warned              bool
}

// Config bundles Scanner construction parameters.
type Config struct {
	LocalAPIKey string // LAKERA_GUARD_KEY; empty disables tier A
	LocalURL    string
	Timeout     time.Duration
	Warn        func(message string) // emits an operator notice on the human sink
	Logger      logger.Logger
}

// New constructs a Scanner.
func New(cfg Config) *Scanner {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	l := cfg.Logger
	if l == nil {
		l = logger.GetDefaultLogger()
	}
	s := &Scanner{
		localAPIKey: cfg.LocalAPIKey,
		httpClient:  &http.Client{},
		timeout:     timeout,
		warn:        cfg.Warn,
		logger:      l,
	}
	if cfg.LocalURL != "" {
		s.localScan = s.httpLocalScan(cfg.LocalURL)
	}
	return s
}

// ConsecutiveFailures reports the current failure streak, for the
// health check.
func (s *Scanner) ConsecutiveFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveFailures
}

// relayPoster is the narrow relay dependency the scanner actually
// needs, satisfied by *relay.Client.
type relayPoster interface {
	GuardrailScan(ctx context.Context, messageID, text string) (*relay.GuardrailScanResult, error)
}

// Scan runs tier A if configured, otherwise tier B via relay if the
// envelope id is known, otherwise tier C (none).
func (s *Scanner) Scan(ctx context.Context, relayClient relayPoster, messageID, text string) Result {
	if s.localAPIKey != "" && s.localScan != nil {
		flagged, err := s.localScan(ctx, s.localAPIKey, text)
		if err != nil {
			s.recordFailure()
			metrics.GuardrailScans.WithLabelValues(string(TierLocal), "error").Inc()
			return Result{Unavailable: true, Tier: TierLocal}
		}
		s.recordSuccess()
		verdict := "clean"
		if flagged {
			verdict = "flagged"
		}
		metrics.GuardrailScans.WithLabelValues(string(TierLocal), verdict).Inc()
		return Result{Flagged: flagged, Tier: TierLocal}
	}

	if relayClient != nil && messageID != "" {
		res, err := relayClient.GuardrailScan(ctx, messageID, text)
		if err != nil || res == nil || res.Unavailable {
			s.recordFailure()
			metrics.GuardrailScans.WithLabelValues(string(TierRelay), "error").Inc()
			return Result{Unavailable: true, Tier: TierRelay}
		}
		s.recordSuccess()
		verdict := "clean"
		if res.Flagged {
			verdict = "flagged"
		}
		metrics.GuardrailScans.WithLabelValues(string(TierRelay), verdict).Inc()
		return Result{Flagged: res.Flagged, Tier: TierRelay}
	}

	metrics.GuardrailScans.WithLabelValues(string(TierNone), "unavailable").Inc()
	return Result{Unavailable: true, Tier: TierNone}
}

func (s *Scanner) recordFailure() {
	s.mu.Lock()
	s.consecutiveFailures++
	n := s.consecutiveFailures
	shouldWarn := n >= degradedThreshold && !s.warned
	if shouldWarn {
		s.warned = true
	}
	s.mu.Unlock()

	metrics.GuardrailConsecutiveFailures.Set(float64(n))
	if shouldWarn && s.warn != nil {
		s.warn("guardrail scanning is degraded: set LAKERA_GUARD_KEY to enable local scanning")
	}
}

func (s *Scanner) recordSuccess() {
	s.mu.Lock()
	s.consecutiveFailures = 0
	s.warned = false
	s.mu.Unlock()
	metrics.GuardrailConsecutiveFailures.Set(0)
}

func (s *Scanner) httpLocalScan(localURL string) LocalScanFunc {
	return func(ctx context.Context, apiKey, text string) (bool, error) {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		body, err := json.Marshal(map[string]string{"input": text})
		if err != nil {
			return false, fmt.Errorf("guardrail: marshal request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, localURL, bytes.NewReader(body))
		if err != nil {
			return false, fmt.Errorf("guardrail: build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return false, fmt.Errorf("guardrail: request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return false, fmt.Errorf("guardrail: unexpected status %d", resp.StatusCode)
		}

		var decoded struct {
			Flagged bool `json:"flagged"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return false, fmt.Errorf("guardrail: decode response: %w", err)
		}
		return decoded.Flagged, nil
	}
}
