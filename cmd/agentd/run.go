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

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentchat/daemon/config"
	"github.com/agentchat/daemon/internal/envelope"
	"github.com/agentchat/daemon/internal/guardrail"
	"github.com/agentchat/daemon/internal/health"
	"github.com/agentchat/daemon/internal/logger"
	"github.com/agentchat/daemon/internal/metrics"
	"github.com/agentchat/daemon/internal/pipeline"
	"github.com/agentchat/daemon/internal/relay"
	"github.com/agentchat/daemon/internal/sink"
	"github.com/agentchat/daemon/internal/statestore"
	"github.com/agentchat/daemon/internal/supervisor"
)

var runCmd = &cobra.Command{
	Use:   "run [handle]",
	Short: "Run the delivery daemon for one local handle",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	handle, err := resolveHandle(args)
	if err != nil {
		return err
	}

	procCfg := config.MustLoad()
	hc, err := loadHandle(procCfg, handle)
	if err != nil {
		return err
	}

	log := logger.NewDefaultLogger().WithFields(logger.String("handle", handle))

	keys, err := envelope.LoadOrCreateKeyMaterial(handleKeysDir(procCfg, handle))
	if err != nil {
		return fmt.Errorf("load key material: %w", err)
	}

	store, err := statestore.Open(handleDataDir(procCfg, handle))
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	store.SetLogger(log)
	if err := store.AcquireLock(); err != nil {
		return fmt.Errorf("acquire handle lock: %w", err)
	}
	defer store.ReleaseLock()
	if err := store.LoadDedup(); err != nil {
		return fmt.Errorf("load dedup state: %w", err)
	}

	relayURL := hc.Relay
	if relayURL == "" {
		relayURL = procCfg.Relay.URL
	}
	client := relay.New(relay.Config{
		BaseURL:        relayURL,
		Handle:         handle,
		Keys:           keys,
		ControlTimeout: procCfg.Relay.ControlTimeout,
		ScanTimeout:    procCfg.Relay.ScanTimeout,
	})
	client.SetLogger(log)

	contacts, err := config.LoadContacts(contactsPath(procCfg, handle))
	if err != nil {
		return fmt.Errorf("load contacts book: %w", err)
	}

	sinks := resolver(procCfg, hc, log)

	warn := func(message string) {
		ctx, cancel := context.WithTimeout(context.Background(), procCfg.Relay.ControlTimeout)
		defer cancel()
		if h := sinks.Human(); h != nil {
			if err := h.Send(ctx, message, nil); err != nil {
				log.Warn("operator warning delivery failed", logger.Error(err))
			}
		}
	}

	scanner := guardrail.New(guardrail.Config{
		LocalAPIKey: config.ReadEnvOverrides().LakeraGuardKey,
		Timeout:     procCfg.Relay.ScanTimeout,
		Warn:        warn,
		Logger:      log,
	})

	pipe := pipeline.New(pipeline.Config{
		LocalHandle:   handle,
		LocalKeys:     keys,
		Relay:         client,
		Store:         store,
		Guardrail:     scanner,
		Sinks:         sinks,
		Logger:        log,
		BlindReceipts: hc.BlindReceipts,
		Contacts:      contacts,
	})

	sv := supervisor.New(supervisor.Config{
		Handle: handle,
		Store:  store,
		Pipe:   pipe,
		Relay:  client,
		Warn:   warn,
		NewSession: func() supervisor.Session {
			return relay.NewSession(client, procCfg.Relay.PollInterval)
		},
		MinBackoff:  procCfg.Relay.ReconnectMinDelay,
		MaxBackoff:  procCfg.Relay.ReconnectMaxDelay,
		WarnBackoff: procCfg.Relay.WarnBackoff,
		Logger:      log,
	})

	checker := health.NewHealthChecker(5 * time.Second)
	checker.SetLogger(log)
	checker.RegisterCheck("relay", health.RelayHealthCheck(func(ctx context.Context) error {
		_, err := client.HandleInfo(ctx, handle)
		return err
	}))
	checker.RegisterCheck("lock", health.LockHealthCheck(store.OwnsLock))
	checker.RegisterCheck("sink", health.SinkHealthCheck(func() (bool, bool) {
		return sinks.Human() != nil, sinks.Unified()
	}))
	checker.RegisterCheck("guardrail", health.GuardrailHealthCheck(scanner.ConsecutiveFailures, 3))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if procCfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(procCfg.Metrics.Addr); err != nil {
				log.Warn("metrics server stopped", logger.Error(err))
			}
		}()
	}
	if procCfg.Health.Enabled {
		go func() {
			if err := health.StartServer(ctx, procCfg.Health.Addr, checker); err != nil {
				log.Warn("health server stopped", logger.Error(err))
			}
		}()
	}

	log.Info("starting daemon", logger.String("relay", relayURL))
	return supervisor.RunUntilSignal(ctx, sv)
}

// resolver builds the sink Resolver for a handle; the Resolver caches
// Human/AI resolution for the process lifetime once first used, so
// callers must share one instance rather than constructing another.
func resolver(procCfg *config.Config, hc *config.HandleConfig, log logger.Logger) *sink.Resolver {
	threadID := hc.ThreadID
	if threadID == nil {
		if overrides := config.ReadEnvOverrides(); overrides.HasFallbackThread {
			threadID = &overrides.FallbackThread
		}
	}

	return sink.NewResolver(sink.Config{
		Handle:         hc.Handle,
		OpenclawPath:   hc.OpenclawPath,
		DeliverCmd:     config.ReadEnvOverrides().DeliverCmd,
		OpenclawEnv:    config.ReadEnvOverrides().OpenclawPath,
		ThreadID:       threadID,
		UnifiedChannel: hc.UnifiedChannel,
		Messenger:      loadMessenger(procCfg, hc.Handle, procCfg.Relay.ScanTimeout, log),
		Logger:         log,
	})
}

// loadMessenger builds a concrete Messenger from the handle's split
// credential files (§6): the non-secret recipient file and the secret
// bot-token file. Either file missing means no messenger is
// configured, and the sink resolver falls through to the next
// priority tier.
func loadMessenger(procCfg *config.Config, handle string, timeout time.Duration, log logger.Logger) sink.Messenger {
	recipient, err := config.LoadMessengerRecipient(messengerRecipientPath(procCfg, handle))
	if err != nil {
		log.Warn("messenger recipient file unreadable, skipping messenger sink", logger.Error(err))
		return nil
	}
	if recipient == nil {
		return nil
	}

	secret, err := config.LoadMessengerSecret(messengerSecretPath(procCfg, handle))
	if err != nil {
		log.Warn("messenger secret file unreadable, skipping messenger sink", logger.Error(err))
		return nil
	}
	if secret == nil {
		return nil
	}

	return sink.NewHTTPMessenger(sink.HTTPMessengerCredentials{
		APIBase:  recipient.APIBase,
		ChatID:   recipient.ChatID,
		BotToken: secret.BotToken,
	}, timeout, log)
}
