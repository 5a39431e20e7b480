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

// Package pipeline wires CryptoEnvelope, StateStore, GuardrailScanner,
// TrustRouter and the sink resolver into the single-file state machine
// that turns one relay Event into zero or more sink deliveries. Every
// call to Process runs to completion before the next one starts: there
// is no concurrent envelope processing within one handle.
package pipeline

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/agentchat/daemon/internal/envelope"
	"github.com/agentchat/daemon/internal/guardrail"
	"github.com/agentchat/daemon/internal/logger"
	"github.com/agentchat/daemon/internal/metrics"
	"github.com/agentchat/daemon/internal/relay"
	"github.com/agentchat/daemon/internal/sink"
	"github.com/agentchat/daemon/internal/statestore"
	"github.com/agentchat/daemon/internal/trust"
)

// relayDependency is the narrow relay surface the pipeline needs,
// satisfied by *relay.Client; narrowed so tests can supply a fake.
type relayDependency interface {
	HandleInfo(ctx context.Context, peer string) (*relay.HandleInfo, error)
	GuardrailScan(ctx context.Context, messageID, text string) (*relay.GuardrailScanResult, error)
	MintTrustToken(ctx context.Context, target string, action relay.TrustAction, messageID string) (string, error)
	SelfRestrict(ctx context.Context, handle string, selfRead envelope.ReadLevel) error
	FetchInbox(ctx context.Context, after string) ([]*envelope.Envelope, error)
	Ack(ctx context.Context, ids []string) error
}

// sinkResolver is the narrow sink-resolution surface the pipeline
// needs, satisfied by *sink.Resolver.
type sinkResolver interface {
	Human() sink.Human
	AI() sink.AI
	Unified() bool
}

// contactBook is the narrow contacts-book surface the pipeline needs
// for auto-trust-on-invite, satisfied by config.Contacts. A nil
// contactBook behaves as an empty book: no inviter is ever known.
type contactBook interface {
	IsKnown(handle string) bool
}

// Config bundles the Pipeline's dependencies.
type Config struct {
	LocalHandle string
	LocalKeys   *envelope.KeyMaterial
	Relay       relayDependency
	Store       *statestore.Store
	Guardrail   *guardrail.Scanner
	Sinks       sinkResolver
	Logger      logger.Logger

	// BlindReceipts mirrors the handle config flag of the same name,
	// whether a content-free acknowledgement reaches the AI sink for
	// blind deliveries.
	BlindReceipts bool

	// Contacts is the local contacts book consulted by
	// auto-trust-on-invite; a nil value means an empty book.
	Contacts contactBook
}

// Pipeline processes relay Events for one local handle.
type Pipeline struct {
	cfg    Config
	logger logger.Logger

	mu         sync.Mutex // serializes Process end to end
	peerKeysMu sync.Mutex
	peerKeys   map[string]ed25519.PublicKey
}

// New constructs a Pipeline.
func New(cfg Config) *Pipeline {
	l := cfg.Logger
	if l == nil {
		l = logger.GetDefaultLogger()
	}
	return &Pipeline{
		cfg:      cfg,
		logger:   l,
		peerKeys: make(map[string]ed25519.PublicKey),
	}
}

// peerSigningKey resolves and caches a peer's Ed25519 signing key.
func (p *Pipeline) peerSigningKey(ctx context.Context, peer string) (ed25519.PublicKey, error) {
	p.peerKeysMu.Lock()
	if key, ok := p.peerKeys[peer]; ok {
		p.peerKeysMu.Unlock()
		return key, nil
	}
	p.peerKeysMu.Unlock()

	info, err := p.cfg.Relay.HandleInfo(ctx, peer)
	if err != nil {
		return nil, fmt.Errorf("pipeline: resolve peer key for %s: %w", peer, err)
	}
	key, err := envelope.ParseSigningPublicKey(info.Ed25519PublicKey)
	if err != nil {
		return nil, fmt.Errorf("pipeline: parse peer key for %s: %w", peer, err)
	}

	p.peerKeysMu.Lock()
	p.peerKeys[peer] = key
	p.peerKeysMu.Unlock()
	return key, nil
}

// InvalidatePeerKey drops a cached peer key, e.g. after a verification
// failure that might be a stale-cache symptom rather than tampering.
func (p *Pipeline) InvalidatePeerKey(peer string) {
	p.peerKeysMu.Lock()
	delete(p.peerKeys, peer)
	p.peerKeysMu.Unlock()
}

// Process handles one relay Event end to end. catchUp marks events
// delivered as part of a historical drain (startup, reconnect,
// trust-change redelivery) rather than live push: verification and
// decryption failures are reported during live push but silently
// skipped during catch-up, since historical entries may reference
// since-rotated keys.
func (p *Pipeline) Process(ctx context.Context, ev relay.Event, catchUp bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ev.System != nil {
		return p.processSystemEvent(ctx, ev.System)
	}
	if ev.Message != nil {
		return p.processMessage(ctx, ev.Message, catchUp)
	}
	return nil
}

func (p *Pipeline) processMessage(ctx context.Context, env *envelope.Envelope, catchUp bool) error {
	start := time.Now()
	dedupKey := env.DedupKey()

	if p.cfg.Store.Seen(dedupKey) {
		metrics.DedupHits.Inc()
		return nil
	}
	if err := p.cfg.Store.Admit(dedupKey); err != nil {
		return fmt.Errorf("pipeline: admit dedup key: %w", err)
	}

	if !p.verifySignature(ctx, env, catchUp) {
		metrics.EnvelopesProcessed.WithLabelValues("signature_invalid").Inc()
		return p.advance(ctx, env)
	}

	plaintext, ok := p.decrypt(ctx, env, catchUp)
	if !ok {
		metrics.EnvelopesProcessed.WithLabelValues("decrypt_failed").Inc()
		return p.advance(ctx, env)
	}

	if env.PlaintextHash != "" && envelope.HashPlaintext(plaintext) != env.PlaintextHash {
		p.reportVerificationProblem(ctx, env, catchUp, "plaintext hash does not bind to decrypted content", nil)
		metrics.EnvelopesProcessed.WithLabelValues("hash_mismatch").Inc()
		return p.advance(ctx, env)
	}

	result := guardrail.Result{Tier: guardrail.TierNone, Unavailable: true}
	if env.EffectiveRead == envelope.ReadTrusted {
		result = p.cfg.Guardrail.Scan(ctx, p.cfg.Relay, env.ID, string(plaintext))
	}

	class := trust.Classify(env.EffectiveRead, result)
	trustCtx := trust.Context{
		LocalHandle:      p.cfg.LocalHandle,
		IsGroupFanout:    env.To != p.cfg.LocalHandle,
		BlindReceipts:    p.cfg.BlindReceipts,
		UnifiedChannel:   p.cfg.Sinks.Unified(),
		FirstTrustedEver: env.EffectiveRead == envelope.ReadTrusted && !p.cfg.Store.FirstDeliveryDone(),
	}

	routed := trust.Route(ctx, env, class, trustCtx, p.cfg.Relay)
	p.deliver(ctx, routed)

	if trustCtx.FirstTrustedEver {
		if err := p.cfg.Store.MarkFirstDeliveryDone(); err != nil {
			p.logger.Warn("failed to persist first-delivery sentinel", logger.Error(err))
		}
	}

	metrics.EnvelopesProcessed.WithLabelValues(string(class)).Inc()
	metrics.EnvelopeProcessingDuration.Observe(time.Since(start).Seconds())

	if err := p.advance(ctx, env); err != nil {
		return err
	}

	// Only trusted envelopes are acknowledged; blind envelopes stay
	// un-acked in the relay's inbox so a later trust upgrade can
	// redeliver them via a full refetch.
	if env.EffectiveRead == envelope.ReadTrusted {
		if err := p.cfg.Relay.Ack(ctx, []string{env.ID}); err != nil {
			p.logger.Warn("ack failed, continuing", logger.String("id", env.ID), logger.Error(err))
		} else {
			metrics.AckBatchesSent.Inc()
		}
	}
	return nil
}

func (p *Pipeline) verifySignature(ctx context.Context, env *envelope.Envelope, catchUp bool) bool {
	key, err := p.peerSigningKey(ctx, env.From)
	if err != nil {
		p.reportVerificationProblem(ctx, env, catchUp, "could not resolve peer signing key", err)
		return false
	}

	payload := envelope.SignaturePayload(
		b64(env.Ciphertext), b64(env.EphemeralKey), b64(env.Nonce), env.PlaintextHash)
	if !envelope.VerifySignature(payload, env.SenderSig, key) {
		p.reportVerificationProblem(ctx, env, catchUp, "signature verification failed", nil)
		return false
	}
	return true
}

// reportVerificationProblem implements the live-push/catch-up
// bifurcation from the error handling design: a catch-up drain fails
// silently (historical entries may reference since-rotated keys),
// while a live-push failure is also surfaced as a human-visible
// notice, never just a log line.
func (p *Pipeline) reportVerificationProblem(ctx context.Context, env *envelope.Envelope, catchUp bool, reason string, err error) {
	if catchUp {
		p.logger.Debug("dropping historical envelope with invalid signature",
			logger.String("id", env.ID), logger.String("from", env.From), logger.String("reason", reason))
		return
	}
	p.logger.Warn("dropping envelope with invalid signature",
		logger.String("id", env.ID), logger.String("from", env.From),
		logger.String("reason", reason), logger.Error(err))
	p.notifyHuman(ctx, fmt.Sprintf("⚠️ dropped a message from %s: %s", env.From, reason))
}

func (p *Pipeline) decrypt(ctx context.Context, env *envelope.Envelope, catchUp bool) ([]byte, bool) {
	plaintext, err := envelope.Decrypt(env.Ciphertext, env.EphemeralKey, env.Nonce, p.cfg.LocalKeys.KexPriv)
	if err != nil {
		if catchUp {
			p.logger.Debug("dropping historical envelope that failed to decrypt",
				logger.String("id", env.ID), logger.Error(err))
		} else {
			p.logger.Warn("dropping envelope that failed to decrypt",
				logger.String("id", env.ID), logger.Error(err))
			p.notifyHuman(ctx, fmt.Sprintf("⚠️ dropped an undecryptable message from %s", env.From))
		}
		return nil, false
	}
	return plaintext, true
}

func (p *Pipeline) notifyHuman(ctx context.Context, text string) {
	human := p.cfg.Sinks.Human()
	if human == nil {
		return
	}
	if err := human.Send(ctx, text, nil); err != nil {
		p.logger.Warn("human sink notification failed", logger.Error(err))
	}
}

func (p *Pipeline) advance(ctx context.Context, env *envelope.Envelope) error {
	if err := p.cfg.Store.AdvanceCursor(env.ID); err != nil {
		return fmt.Errorf("pipeline: advance cursor: %w", err)
	}
	return nil
}

// deliver sends to the human sink, then the AI sink, each with
// independent failure handling: a failed human delivery never blocks
// the AI delivery and vice versa.
func (p *Pipeline) deliver(ctx context.Context, routed *trust.RoutedMessage) {
	if routed.HumanText != "" {
		if err := p.cfg.Sinks.Human().Send(ctx, routed.HumanText, routed.HumanButtons); err != nil {
			p.logger.Warn("human sink delivery failed", logger.Error(err))
			metrics.SinkDeliveries.WithLabelValues("human", "error").Inc()
		} else {
			metrics.SinkDeliveries.WithLabelValues("human", "ok").Inc()
		}
	}

	ai := p.cfg.Sinks.AI()
	if ai == nil {
		return
	}
	if routed.AISend {
		if err := ai.Send(ctx, routed.AIText); err != nil {
			p.logger.Warn("ai sink delivery failed", logger.Error(err))
			metrics.SinkDeliveries.WithLabelValues("ai", "error").Inc()
		} else {
			metrics.SinkDeliveries.WithLabelValues("ai", "ok").Inc()
		}
	} else if routed.AIReceipt {
		if err := ai.Send(ctx, "[new message awaiting review]"); err != nil {
			p.logger.Warn("ai receipt delivery failed", logger.Error(err))
		}
	}
}

func b64(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}
