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
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/agentchat/daemon/config"
	"github.com/agentchat/daemon/internal/statestore"
)

var statusCmd = &cobra.Command{
	Use:   "status [handle]",
	Short: "Print a handle's on-disk state without starting a session",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	handle, err := resolveHandle(args)
	if err != nil {
		return err
	}

	procCfg := config.MustLoad()
	dir := handleDataDir(procCfg, handle)

	store, err := statestore.Open(dir)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	cursor, err := store.LoadCursor()
	if err != nil {
		return fmt.Errorf("read cursor: %w", err)
	}
	if err := store.LoadDedup(); err != nil {
		return fmt.Errorf("read dedup set: %w", err)
	}

	pidPath := filepath.Join(dir, "daemon.pid")
	pidOwner := "none"
	if data, err := os.ReadFile(pidPath); err == nil {
		pidOwner = string(data)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "handle:       %s\n", handle)
	fmt.Fprintf(cmd.OutOrStdout(), "state dir:    %s\n", dir)
	fmt.Fprintf(cmd.OutOrStdout(), "pid lock:     %s", pidOwner)
	if pidOwner == "none" {
		fmt.Fprintln(cmd.OutOrStdout())
	}
	fmt.Fprintf(cmd.OutOrStdout(), "last acked:   %q\n", cursor)
	fmt.Fprintf(cmd.OutOrStdout(), "dedup count:  %d\n", store.DedupSize())
	return nil
}
