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

// Package sink resolves and caches the daemon's two delivery
// channels: the human sink (messenger, external command, or stdout)
// and the AI sink (external command or a located binary, with a
// unified-fallback path when neither is configured).
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/agentchat/daemon/internal/logger"
)

// ButtonRow is one row of inline buttons offered alongside a human
// message (e.g. trust/untrust/block), each pointing at a one-shot
// relay-minted URL.
type ButtonRow struct {
	Label string
	URL   string
}

// Human is the resolved human delivery channel.
type Human interface {
	Send(ctx context.Context, message string, buttons []ButtonRow) error
}

// AI is the resolved AI delivery channel.
type AI interface {
	Send(ctx context.Context, message string) error
}

// Messenger abstracts the bot API the human sink talks to when
// credentials are present; kept as an interface so tests never need a
// live network dependency.
type Messenger interface {
	SendMessage(ctx context.Context, text string, buttons []ButtonRow, threadID *int64) error
}

// MessengerCredentials is the secret half of messenger configuration
// (directory permission 700, file permission 600 at rest).
type MessengerCredentials struct {
	BotToken string
}

// Config bundles everything the Resolver needs to make its
// first-use, process-lifetime decisions.
type Config struct {
	Handle         string
	OpenclawPath   string // explicit path from handle config, if pinned
	DeliverCmd     string // AGENT_DELIVER_CMD override
	OpenclawEnv    string // OPENCLAW_PATH env override
	ThreadID       *int64
	UnifiedChannel bool
	Messenger      Messenger // nil if no bot credentials configured
	Logger         logger.Logger

	// SessionResolver looks up a session UUID from an external
	// session registry so the AI sink sees its own conversation
	// context. A nil resolver, or one that returns ok=false, falls
	// back to FallbackSessionID.
	SessionResolver func() (id string, ok bool)
}

// FallbackSessionID is the fixed session identifier the AI sink is
// invoked with when no session registry entry can be resolved.
var FallbackSessionID = uuid.Nil.String()

// Resolver resolves the human and AI sinks once and caches them for
// the process lifetime; a configuration change requires a restart.
type Resolver struct {
	cfg    Config
	logger logger.Logger

	once        sync.Once
	human       Human
	ai          AI
	aiIsUnified bool
}

// NewResolver constructs a Resolver. Resolution happens lazily on
// first call to Human/AI, not at construction time.
func NewResolver(cfg Config) *Resolver {
	l := cfg.Logger
	if l == nil {
		l = logger.GetDefaultLogger()
	}
	return &Resolver{cfg: cfg, logger: l}
}

func (r *Resolver) resolve() {
	r.once.Do(func() {
		r.human = r.resolveHuman()
		r.ai, r.aiIsUnified = r.resolveAI()
	})
}

// Human returns the cached human sink, resolving it on first call.
func (r *Resolver) Human() Human {
	r.resolve()
	return r.human
}

// AI returns the cached AI sink, resolving it on first call. When the
// daemon is running in unified mode (explicit or via fallback) AI
// returns nil: the caller must route through Human instead and never
// invoke the AI sink at all.
func (r *Resolver) AI() AI {
	r.resolve()
	if r.aiIsUnified {
		return nil
	}
	return r.ai
}

// Unified reports whether AI delivery has collapsed into the human
// channel, whether by explicit configuration or by fallback.
func (r *Resolver) Unified() bool {
	r.resolve()
	return r.aiIsUnified
}

func (r *Resolver) resolveHuman() Human {
	if r.cfg.Messenger != nil {
		return &messengerSink{messenger: r.cfg.Messenger, threadID: r.cfg.ThreadID}
	}
	if r.cfg.DeliverCmd != "" {
		if path, ok := resolveExecutable(r.cfg.DeliverCmd, r.logger); ok {
			return &commandSink{path: path}
		}
	}
	return &stdoutSink{}
}

func (r *Resolver) resolveAI() (AI, bool) {
	if r.cfg.UnifiedChannel {
		return nil, true
	}

	if r.cfg.DeliverCmd != "" {
		if path, ok := resolveExecutable(r.cfg.DeliverCmd, r.logger); ok {
			return &commandAISink{path: path}, false
		}
	}

	if path, ok := discoverOpenclawBinary(r.cfg, r.logger); ok {
		return newBinarySink(path, r.cfg.SessionResolver), false
	}

	r.logger.Warn("no AI sink configured, collapsing into unified fallback",
		logger.String("handle", r.cfg.Handle))
	return nil, true
}

// discoverOpenclawBinary searches, in order: explicit handle config
// path, OPENCLAW_PATH env override, PATH lookup, then a short list of
// standard installation paths. A configured-but-absent path is
// treated as not found (with a warning), never as fatal.
func discoverOpenclawBinary(cfg Config, l logger.Logger) (string, bool) {
	candidates := []string{cfg.OpenclawPath, cfg.OpenclawEnv}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if _, err := os.Stat(c); err == nil {
			return c, true
		}
		l.Warn("configured AI sink binary not found, ignoring it", logger.String("path", c))
	}

	if path, err := exec.LookPath("openclaw"); err == nil {
		return path, true
	}

	for _, c := range standardInstallPaths() {
		if _, err := os.Stat(c); err == nil {
			return c, true
		}
	}
	return "", false
}

func standardInstallPaths() []string {
	home, _ := os.UserHomeDir()
	return []string{
		"/usr/local/bin/openclaw",
		"/opt/openclaw/bin/openclaw",
		filepath.Join(home, ".local", "bin", "openclaw"),
	}
}

func resolveExecutable(path string, l logger.Logger) (string, bool) {
	if _, err := os.Stat(path); err != nil {
		l.Warn("configured delivery command not found on disk", logger.String("path", path))
		return "", false
	}
	return path, true
}

// messengerSink sends via the configured bot API.
type messengerSink struct {
	messenger Messenger
	threadID  *int64
}

func (s *messengerSink) Send(ctx context.Context, message string, buttons []ButtonRow) error {
	return s.messenger.SendMessage(ctx, message, buttons, s.threadID)
}

// commandSink invokes an external delivery command with the message
// passed exclusively via environment variables, never argv — the
// protocol explicitly forbids dynamic shell-string invocation. It is
// the human-channel delivery command; commandAISink below shares its
// invocation helper for the AI-channel invocation of the same binary.
type commandSink struct {
	path string
}

func (s *commandSink) Send(ctx context.Context, message string, buttons []ButtonRow) error {
	return runDeliverCmd(ctx, s.path, "human", message, buttons)
}

// commandAISink invokes the same external delivery command as
// commandSink, but on the AI channel: the two-channel delivery
// protocol sets AGENT_SINK_CHANNEL so the command can tell which
// invocation triggered it (the AI channel never carries button rows).
type commandAISink struct {
	path string
}

func (s *commandAISink) Send(ctx context.Context, message string) error {
	return runDeliverCmd(ctx, s.path, "ai", message, nil)
}

func runDeliverCmd(ctx context.Context, path, channel, message string, buttons []ButtonRow) error {
	env := os.Environ()
	env = append(env, "AGENT_MSG="+message, "AGENT_SINK_CHANNEL="+channel)
	if len(buttons) > 0 {
		data, err := json.Marshal(buttons)
		if err != nil {
			return fmt.Errorf("sink: marshal buttons: %w", err)
		}
		env = append(env, "AGENT_MSG_BUTTONS="+string(data))
	}

	cmd := exec.CommandContext(ctx, path)
	cmd.Env = env
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("sink: delivery command failed: %w: %s", err, stderr.String())
	}
	return nil
}

// stdoutSink writes a tagged-prefix message to standard output, the
// last-resort human channel when nothing else is configured.
type stdoutSink struct {
	mu sync.Mutex
}

func (s *stdoutSink) Send(_ context.Context, message string, buttons []ButtonRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(os.Stdout, "[agent-chat] %s\n", message)
	for _, b := range buttons {
		fmt.Fprintf(os.Stdout, "  [%s] %s\n", b.Label, b.URL)
	}
	return nil
}

// binarySink invokes the located AI binary, via the local script
// runtime for a .js path and directly otherwise.
type binarySink struct {
	path            string
	sessionResolver func() (string, bool)
}

func newBinarySink(path string, resolver func() (string, bool)) *binarySink {
	return &binarySink{path: path, sessionResolver: resolver}
}

func (s *binarySink) sessionID() string {
	if s.sessionResolver != nil {
		if id, ok := s.sessionResolver(); ok {
			return id
		}
	}
	return FallbackSessionID
}

func (s *binarySink) Send(ctx context.Context, message string) error {
	args := []string{"--local", s.sessionID(), message}
	var cmd *exec.Cmd
	if filepath.Ext(s.path) == ".js" {
		cmd = exec.CommandContext(ctx, "node", append([]string{s.path}, args...)...)
	} else {
		cmd = exec.CommandContext(ctx, s.path, args...)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("sink: ai binary failed: %w: %s", err, stderr.String())
	}
	return nil
}
