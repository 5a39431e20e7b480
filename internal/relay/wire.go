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
	"encoding/base64"
	"fmt"

	"github.com/agentchat/daemon/internal/envelope"
)

// wireEnvelope is the duck-typed shape the relay sends over the wire:
// fields like plaintextHash or senderSig may be entirely absent for
// legacy envelopes. This is normalized into envelope.Envelope at this
// boundary so nothing downstream ever sees an optional field.
type wireEnvelope struct {
	ID            string `json:"id"`
	From          string `json:"from"`
	To            string `json:"to"`
	Recipient     string `json:"recipient"`
	Ciphertext    string `json:"ciphertext"`
	EphemeralKey  string `json:"ephemeralKey"`
	Nonce         string `json:"nonce"`
	SenderSig     string `json:"senderSig"`
	PlaintextHash string `json:"plaintextHash,omitempty"`
	Timestamp     int64  `json:"ts"`
	EffectiveRead string `json:"effectiveRead"`
}

// wireSystemEvent is the shape of a `{type:"system", data:{...}}` push.
type wireSystemEvent struct {
	Event string                 `json:"event"`
	Data  map[string]interface{} `json:"-"`
}

// Event is the closed sum type the pipeline consumes: exactly one of
// Message or System is set.
type Event struct {
	Message *envelope.Envelope
	System  *SystemEvent
}

// SystemEvent carries one of trust_changed, added_to_handle or
// permission_changed, plus its raw fields for the pipeline to inspect.
type SystemEvent struct {
	Event string
	Data  map[string]interface{}
}

// DedupKey defensively dedups system events by a composite tuple
// rather than trusting an `id` field the relay's source does not
// consistently populate for this event class (see open question in
// the protocol's design notes).
func (s *SystemEvent) DedupKey() string {
	peer, _ := s.Data["peer"].(string)
	handle, _ := s.Data["handle"].(string)
	level, _ := s.Data["level"].(string)
	return fmt.Sprintf("sys:%s:%s:%s:%s", s.Event, peer, handle, level)
}

func normalizeEnvelope(w wireEnvelope) (*envelope.Envelope, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(w.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("relay: decode ciphertext: %w", err)
	}
	ephemeralKey, err := base64.StdEncoding.DecodeString(w.EphemeralKey)
	if err != nil {
		return nil, fmt.Errorf("relay: decode ephemeralKey: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(w.Nonce)
	if err != nil {
		return nil, fmt.Errorf("relay: decode nonce: %w", err)
	}
	var senderSig []byte
	if w.SenderSig != "" {
		senderSig, err = base64.StdEncoding.DecodeString(w.SenderSig)
		if err != nil {
			return nil, fmt.Errorf("relay: decode senderSig: %w", err)
		}
	}

	return &envelope.Envelope{
		ID:            w.ID,
		From:          w.From,
		To:            w.To,
		Recipient:     w.Recipient,
		Ciphertext:    ciphertext,
		EphemeralKey:  ephemeralKey,
		Nonce:         nonce,
		SenderSig:     senderSig,
		PlaintextHash: w.PlaintextHash,
		Timestamp:     w.Timestamp,
		EffectiveRead: envelope.ReadLevel(w.EffectiveRead),
	}, nil
}

// HandleInfo is the response shape of GET /handle/info/{peer}.
type HandleInfo struct {
	Name             string `json:"name"`
	Owner            string `json:"owner"`
	DefaultWrite     string `json:"defaultWrite"`
	Ed25519PublicKey string `json:"ed25519PublicKey"`
	X25519PublicKey  string `json:"x25519PublicKey"`
}

// GuardrailScanResult is the response shape of POST /guardrail/scan.
type GuardrailScanResult struct {
	Flagged     bool `json:"flagged"`
	Unavailable bool `json:"-"` // set locally, never sent by the relay
}

// TrustAction is one of the actions /trust-token mints a one-shot URL for.
type TrustAction string

const (
	ActionTrust      TrustAction = "trust"
	ActionUntrust    TrustAction = "untrust"
	ActionBlock      TrustAction = "block"
	ActionForwardOne TrustAction = "forward-one"
)
