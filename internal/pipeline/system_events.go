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

package pipeline

import (
	"context"
	"fmt"

	"github.com/agentchat/daemon/internal/envelope"
	"github.com/agentchat/daemon/internal/logger"
	"github.com/agentchat/daemon/internal/relay"
)

const (
	eventTrustChanged  = "trust_changed"
	eventAddedToHandle = "added_to_handle"
	eventPermissionChg = "permission_changed"
)

// processSystemEvent dispatches a relay-pushed system event. The
// relay's id field is not reliably populated for this event class, so
// dedup runs on the composite tuple SystemEvent.DedupKey builds,
// rather than on id.
func (p *Pipeline) processSystemEvent(ctx context.Context, ev *relay.SystemEvent) error {
	key := ev.DedupKey()
	if p.cfg.Store.Seen(key) {
		return nil
	}
	if err := p.cfg.Store.Admit(key); err != nil {
		return fmt.Errorf("pipeline: admit system event dedup key: %w", err)
	}

	switch ev.Event {
	case eventTrustChanged:
		return p.handleTrustChanged(ctx, ev)
	case eventAddedToHandle:
		return p.handleAddedToHandle(ctx, ev)
	case eventPermissionChg:
		p.logger.Info("permission changed", logger.Any("data", ev.Data))
		return nil
	default:
		p.logger.Debug("ignoring unrecognized system event", logger.String("event", ev.Event))
		return nil
	}
}

// handleTrustChanged refetches the full inbox and reprocesses every
// envelope: a prior blind delivery and its now-trusted redelivery have
// distinct dedup keys (Envelope.DedupKey includes EffectiveRead), so
// the upgraded copy is never silently dropped as a duplicate.
func (p *Pipeline) handleTrustChanged(ctx context.Context, ev *relay.SystemEvent) error {
	level, _ := ev.Data["level"].(string)
	if level != "trust" {
		return nil
	}

	envelopes, err := p.cfg.Relay.FetchInbox(ctx, "")
	if err != nil {
		return fmt.Errorf("pipeline: redelivery refetch: %w", err)
	}

	// Each trusted envelope acks itself inside processMessage; no
	// separate batch ack is needed here.
	for _, e := range envelopes {
		if err := p.processMessage(ctx, e, true); err != nil {
			p.logger.Warn("redelivery reprocess failed", logger.String("id", e.ID), logger.Error(err))
		}
	}
	return nil
}

// handleAddedToHandle implements auto-trust-on-invite: the daemon
// narrows its own ceiling for the inviting peer to trusted and
// notifies the AI sink, if any, so it learns about the new
// conversation without waiting for the peer's first message.
func (p *Pipeline) handleAddedToHandle(ctx context.Context, ev *relay.SystemEvent) error {
	peer, _ := ev.Data["peer"].(string)
	if peer == "" {
		return nil
	}
	if p.cfg.Contacts == nil || !p.cfg.Contacts.IsKnown(peer) {
		p.logger.Debug("added-to-handle inviter not in contacts book, skipping auto-trust",
			logger.String("peer", peer))
		return nil
	}

	if err := p.cfg.Relay.SelfRestrict(ctx, peer, envelope.ReadTrusted); err != nil {
		p.logger.Warn("auto-trust-on-invite self-restrict failed", logger.String("peer", peer), logger.Error(err))
		return nil
	}

	if ai := p.cfg.Sinks.AI(); ai != nil {
		if err := ai.Send(ctx, fmt.Sprintf("you were added to a conversation with %s", peer)); err != nil {
			p.logger.Warn("added-to-handle AI notification failed", logger.Error(err))
		}
	}
	return nil
}
