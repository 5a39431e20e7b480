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

// Package supervisor owns one handle's process lifecycle once the
// caller holds the PID lock and has loaded the dedup state: loading
// the cursor, driving the relay session with backoff reconnect,
// feeding every Event through the pipeline, and on SIGINT/SIGTERM
// closing the session and releasing the PID lock.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/agentchat/daemon/internal/envelope"
	"github.com/agentchat/daemon/internal/logger"
	"github.com/agentchat/daemon/internal/metrics"
	"github.com/agentchat/daemon/internal/relay"
	"github.com/agentchat/daemon/internal/statestore"
)

// Session is the supervisor's view of *relay.Session, narrowed so
// tests (and callers building Config.NewSession) can supply a fake
// transport.
type Session interface {
	Events() <-chan relay.Event
	Errs() <-chan error
	Mode() relay.Mode
	Start(ctx context.Context) error
	Close() error
}

// session is an unexported alias kept so the rest of this package
// (and its tests) can keep referring to the narrow name.
type session = Session

// relayDependency is the supervisor's view of *relay.Client.
type relayDependency interface {
	FetchInbox(ctx context.Context, after string) ([]*envelope.Envelope, error)
}

// processor is the supervisor's view of *pipeline.Pipeline.
type processor interface {
	Process(ctx context.Context, ev relay.Event, catchUp bool) error
}

// Config bundles a Supervisor's dependencies. NewSession builds a
// fresh streaming session; it is invoked once at startup and again on
// every reconnect, so a production caller should have it close over a
// *relay.Client and return relay.NewSession(client, pollInterval).
type Config struct {
	Handle string
	Store  *statestore.Store
	Pipe   processor
	Relay  relayDependency
	Warn   func(message string) // human-sink warning hook; nil disables it

	NewSession func() Session

	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	WarnBackoff time.Duration

	Logger logger.Logger
}

// Supervisor drives one handle's daemon loop end to end.
type Supervisor struct {
	cfg    Config
	logger logger.Logger

	mu      sync.Mutex
	current session

	backoffWarned bool // the slow-reconnect warning has been emitted
}

// New constructs a Supervisor. Callers must have already acquired
// cfg.Store's PID lock and loaded its cursor/dedup state.
func New(cfg Config) *Supervisor {
	if cfg.MinBackoff == 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.WarnBackoff == 0 {
		cfg.WarnBackoff = 16 * time.Second
	}
	l := cfg.Logger
	if l == nil {
		l = logger.GetDefaultLogger()
	}
	return &Supervisor{cfg: cfg, logger: l}
}

// Run drives the daemon loop until ctx is canceled (normally by a
// SIGINT/SIGTERM installed via RunUntilSignal) or a fatal startup
// error occurs. It never returns a non-nil error for a transport drop:
// those are handled internally by the reconnect loop.
func (sv *Supervisor) Run(ctx context.Context) error {
	backoff := sv.cfg.MinBackoff
	first := true

	for {
		sess := sv.cfg.NewSession()
		if err := sess.Start(ctx); err != nil {
			return fmt.Errorf("supervisor: start session: %w", err)
		}
		sv.mu.Lock()
		sv.current = sess
		sv.mu.Unlock()

		if !first {
			sv.logger.Info("reconnected to relay", logger.String("mode", string(sess.Mode())))
			metrics.RelayReconnects.WithLabelValues("success").Inc()
		}
		first = false
		backoff = sv.cfg.MinBackoff

		cursor, err := sv.cfg.Store.LoadCursor()
		if err != nil {
			return fmt.Errorf("supervisor: load cursor: %w", err)
		}
		if err := sv.drain(ctx, cursor); err != nil {
			sv.logger.Warn("catch-up drain failed", logger.Error(err))
		}

		err = sv.pump(ctx, sess)
		_ = sess.Close()

		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			// pump only returns nil when ctx was canceled; fall through
			// defensively in case that invariant ever changes.
			return nil
		}

		metrics.RelayReconnects.WithLabelValues("failure").Inc()
		sv.logger.Warn("relay session dropped, reconnecting", logger.Error(err))

		backoff = sv.reconnectWait(ctx, backoff)
		if ctx.Err() != nil {
			return nil
		}
	}
}

// drain fetches and reprocesses anything accumulated since cursor,
// treating the whole batch as catch-up (verify/decrypt failures are
// silently skipped rather than surfaced to the human sink).
func (sv *Supervisor) drain(ctx context.Context, cursor string) error {
	envelopes, err := sv.cfg.Relay.FetchInbox(ctx, cursor)
	if err != nil {
		return fmt.Errorf("supervisor: drain fetch: %w", err)
	}
	for _, e := range envelopes {
		if err := sv.cfg.Pipe.Process(ctx, relay.Event{Message: e}, true); err != nil {
			sv.logger.Warn("catch-up processing failed", logger.String("id", e.ID), logger.Error(err))
		}
	}
	return nil
}

// pump reads from sess until it errors, its channel closes, or ctx is
// canceled. Every event is live-push (or poll-fallback) traffic, never
// catch-up.
func (sv *Supervisor) pump(ctx context.Context, sess session) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-sess.Errs():
			if !ok {
				return errors.New("supervisor: session error channel closed")
			}
			return err
		case ev, ok := <-sess.Events():
			if !ok {
				return errors.New("supervisor: session event channel closed")
			}
			if err := sv.cfg.Pipe.Process(ctx, ev, false); err != nil {
				sv.logger.Warn("event processing failed", logger.Error(err))
			}
		}
	}
}

// reconnectWait sleeps the current backoff, doubles it for next time
// (capped), and emits the one-shot operator warning the first time
// backoff reaches the configured threshold. It returns the backoff to use for
// the attempt that follows this wait.
func (sv *Supervisor) reconnectWait(ctx context.Context, backoff time.Duration) time.Duration {
	metrics.RelayBackoffSeconds.Observe(backoff.Seconds())
	if backoff >= sv.cfg.WarnBackoff && sv.cfg.Warn != nil && !sv.backoffWarned {
		sv.backoffWarned = true
		sv.cfg.Warn(fmt.Sprintf("relay connection has been down for a while; retrying every %s", backoff))
	}

	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}

	next := backoff * 2
	if next > sv.cfg.MaxBackoff {
		next = sv.cfg.MaxBackoff
	}
	return next
}

// Close closes the currently active session, if any. Safe to call
// concurrently with Run; used by shutdown handling.
func (sv *Supervisor) Close() error {
	sv.mu.Lock()
	sess := sv.current
	sv.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Close()
}

// RunUntilSignal runs the supervisor until SIGINT/SIGTERM, then
// performs the graceful-shutdown sequence: close the transport with a
// clean close code, then release the PID lock. Dedup state needs no
// flush here: Store.Admit writes it to disk on every admission. It
// returns the error Run ended with, if any, after shutdown completes.
func RunUntilSignal(ctx context.Context, sv *Supervisor) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	runErr := make(chan error, 1)
	go func() { runErr <- sv.Run(ctx) }()

	select {
	case <-sigCh:
		sv.logger.Info("received shutdown signal, closing cleanly")
		cancel()
		_ = sv.Close()
		<-runErr
	case err := <-runErr:
		return shutdown(sv, err)
	}
	return shutdown(sv, nil)
}

// shutdown releases the PID lock, regardless of how Run ended. The
// dedup state is already on disk, since Store.Admit flushes it.
func shutdown(sv *Supervisor, runErr error) error {
	if err := sv.cfg.Store.ReleaseLock(); err != nil {
		sv.logger.Warn("release lock failed during shutdown", logger.Error(err))
	}
	return runErr
}
