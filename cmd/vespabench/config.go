// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"fmt"

	"github.com/sigil-dev/vespabench/internal/config"
	vberr "github.com/sigil-dev/vespabench/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create configuration",
	}
	cmd.AddCommand(newConfigShowCmd(), newConfigInitCmd())
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return vberr.Errorf(vberr.CodeCLISetupFailure, "rendering config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func newConfigInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		Long:  "Write the commented default config to --path (default ~/.config/vespabench/vespabench.yaml) unless a file is already there.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("path")
			if path == "" {
				p, err := config.DefaultConfigPath()
				if err != nil {
					return err
				}
				path = p
			}
			if written := config.BootstrapConfig(path); written == "" {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Config not written: %s already exists or is not writable\n", path)
				return nil
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Config written to: %s\n", path)
			return nil
		},
	}
	cmd.Flags().String("path", "", "destination path")
	return cmd
}
