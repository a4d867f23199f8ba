// SPDX-FileCopyrightText: Copyright (C) 2025 The Detour Authors
// SPDX-License-Identifier: AGPL-3.0-only

// detour runs one detection pass from the command line and prints the
// authenticated relay domain.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/detour-project/detour"
	"github.com/detour-project/detour/candidate"
	"github.com/detour-project/detour/config"
)

type cliConfig struct {
	ConfigFile string
	Add        []string
	Persist    bool
}

func newRootCommand() *cobra.Command {
	var cfg cliConfig

	cmd := &cobra.Command{
		Use:   "detour",
		Short: "Locate a reachable, authenticated relay endpoint",
		Long: `detour probes the configured candidate endpoints with a cryptographic
challenge/response handshake and prints the domain of the first candidate
that proves possession of the relay private key.  Detection retries
indefinitely with exponential backoff; interrupt to cancel.`,
		Example: `
  # Detect using a configuration file
  detour --config detour.toml

  # Detect with an extra runtime candidate, persisting it on success
  detour --config detour.toml --add https://relay.example/passgfw --persist`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDetect(cfg)
		},
	}

	cmd.Flags().StringVarP(&cfg.ConfigFile, "config", "c", "",
		"path to the detour configuration file (TOML format)")
	cmd.Flags().StringArrayVarP(&cfg.Add, "add", "a", nil,
		"additional candidate URL to probe (repeatable)")
	cmd.Flags().BoolVarP(&cfg.Persist, "persist", "p", false,
		"persist --add candidates to the encrypted store")
	cmd.MarkFlagRequired("config")

	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDetect(cfg cliConfig) error {
	detourCfg, err := config.LoadFile(cfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config file: %v", err)
	}

	d, err := detour.New(detourCfg)
	if err != nil {
		return fmt.Errorf("failed to create detector: %v", err)
	}
	defer d.Shutdown()

	for _, u := range cfg.Add {
		if err = d.AddCandidate(candidate.ApiProbe, u, cfg.Persist); err != nil {
			return fmt.Errorf("failed to add candidate %v: %v", u, err)
		}
	}

	ctx, cancelFn := context.WithCancel(context.Background())
	defer cancelFn()

	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-haltCh
		cancelFn()
	}()

	domain, err := d.Detect(ctx)
	if err != nil {
		return err
	}
	fmt.Println(domain)
	return nil
}
