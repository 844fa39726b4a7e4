// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sigil-dev/vespabench/internal/adapter"
	"github.com/sigil-dev/vespabench/internal/server"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the benchmark client over HTTP",
		Long: "Provision the collection, open a scope, and expose insert, search, and lifecycle hooks on " +
			"a local HTTP API until interrupted.",
		RunE: runServe,
	}
	cmd.Flags().String("listen", "", "override listen address (host:port)")
	cmd.Flags().Int("max-in-flight", 0, "cap on concurrent requests (0 = unlimited)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Server.Listen = listen
	}
	maxInFlight, _ := cmd.Flags().GetInt("max-in-flight")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := adapter.FromConfig(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close(context.WithoutCancel(ctx)) }()

	release, err := c.Init(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = release() }()

	srv, err := server.New(server.Config{ListenAddr: cfg.Server.Listen, MaxInFlight: maxInFlight}, c)
	if err != nil {
		return err
	}
	return srv.Start(ctx)
}
