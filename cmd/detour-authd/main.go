// SPDX-FileCopyrightText: Copyright (C) 2025 The Detour Authors
// SPDX-License-Identifier: AGPL-3.0-only

// detour-authd serves the challenge/response authentication endpoint with
// the relay private key.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/detour-project/detour/authserver"
	"github.com/detour-project/detour/core/log"
)

type daemonConfig struct {
	KeyFile    string
	ListenAddr string
	LogLevel   string
}

func newRootCommand() *cobra.Command {
	var cfg daemonConfig

	cmd := &cobra.Command{
		Use:   "detour-authd",
		Short: "Authentication server answering the detour handshake",
		Example: `
  # Serve the handshake on :8443 with the relay private key
  detour-authd --key relay.pem --listen :8443`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cfg)
		},
	}

	cmd.Flags().StringVarP(&cfg.KeyFile, "key", "k", "",
		"path to the PEM encoded RSA private key")
	cmd.Flags().StringVarP(&cfg.ListenAddr, "listen", "l", ":8443",
		"listen address")
	cmd.Flags().StringVar(&cfg.LogLevel, "log-level", "NOTICE",
		"log level (ERROR, WARNING, NOTICE, INFO, DEBUG)")
	cmd.MarkFlagRequired("key")

	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(cfg daemonConfig) error {
	logBackend, err := log.New("", cfg.LogLevel, false)
	if err != nil {
		return err
	}
	logger := logBackend.GetLogger("detour/authd")

	privPEM, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("failed to read key file: %v", err)
	}

	s, err := authserver.New(logger, privPEM)
	if err != nil {
		return err
	}

	logger.Noticef("Listening on %v.", cfg.ListenAddr)
	return http.ListenAndServe(cfg.ListenAddr, s.Router())
}
