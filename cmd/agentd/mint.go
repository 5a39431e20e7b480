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

	"github.com/spf13/cobra"

	"github.com/agentchat/daemon/config"
	"github.com/agentchat/daemon/internal/envelope"
	"github.com/agentchat/daemon/internal/relay"
)

var (
	mintHandle    string
	mintMessageID string
)

// mintCmd is a one-shot operator invocation, never a daemon endpoint:
// the running daemon exposes no interface that mutates a peer's trust
// level (I5/P8), so minting only ever happens through this CLI.
var mintCmd = &cobra.Command{
	Use:   "mint <target> <action>",
	Short: "Mint a one-shot trust-token URL for a peer (trust|untrust|block|forward-one)",
	Args:  cobra.ExactArgs(2),
	RunE:  runMint,
}

func init() {
	mintCmd.Flags().StringVar(&mintHandle, "handle", "", "local handle minting the token (default: AGENT_CHAT_HANDLE)")
	mintCmd.Flags().StringVar(&mintMessageID, "message-id", "", "message id, required for forward-one")
	rootCmd.AddCommand(mintCmd)
}

func runMint(cmd *cobra.Command, args []string) error {
	target, actionArg := args[0], args[1]

	action := relay.TrustAction(actionArg)
	switch action {
	case relay.ActionTrust, relay.ActionUntrust, relay.ActionBlock, relay.ActionForwardOne:
	default:
		return fmt.Errorf("unknown action %q: must be one of trust, untrust, block, forward-one", actionArg)
	}
	if action == relay.ActionForwardOne && mintMessageID == "" {
		return fmt.Errorf("forward-one requires --message-id")
	}

	handle, err := resolveHandle([]string{mintHandle})
	if err != nil {
		return err
	}

	procCfg := config.MustLoad()
	hc, err := loadHandle(procCfg, handle)
	if err != nil {
		return err
	}
	keys, err := envelope.LoadOrCreateKeyMaterial(handleKeysDir(procCfg, handle))
	if err != nil {
		return fmt.Errorf("load key material: %w", err)
	}

	client := relay.New(relay.Config{
		BaseURL:        hc.Relay,
		Handle:         handle,
		Keys:           keys,
		ControlTimeout: procCfg.Relay.ControlTimeout,
		ScanTimeout:    procCfg.Relay.ScanTimeout,
	})

	url, err := client.MintTrustToken(context.Background(), target, action, mintMessageID)
	if err != nil {
		return fmt.Errorf("mint trust token: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), url)
	return nil
}
