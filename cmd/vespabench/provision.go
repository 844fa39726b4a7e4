// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"fmt"

	"github.com/sigil-dev/vespabench/internal/adapter"
	"github.com/spf13/cobra"
)

func newProvisionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Create (or verify) the benchmark collection schema",
		Long:  "Deploy the collection schema if it is missing, fail if an existing one has a different dimension or metric, and exit.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if drop, _ := cmd.Flags().GetBool("drop-old"); drop {
				cfg.DropOld = true
			}

			c, err := adapter.FromConfig(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close(cmd.Context()) }()

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Collection %s ready (dimension %d, metric %s)\n",
				c.Collection(), c.Dimension(), cfg.Case.Metric)
			return err
		},
	}
	cmd.Flags().Bool("drop-old", false, "delete existing documents first")
	return cmd
}
