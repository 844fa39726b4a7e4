// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"encoding/json"
	"fmt"

	"github.com/sigil-dev/vespabench/internal/config"
	"github.com/sigil-dev/vespabench/internal/deploy"
	vberr "github.com/sigil-dev/vespabench/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Package-level so tests can substitute a fake engine and probe.
var (
	newRuntime  = deploy.NewDefaultRuntime
	newRegistry = func(rt *deploy.Runtime) *deploy.Registry { return deploy.NewRegistry(rt) }
)

func newDeployCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Manage the local single-node engine container",
	}
	cmd.AddCommand(newDeployUpCmd(), newDeployDownCmd(), newDeployStatusCmd())
	return cmd
}

// deploySettings decodes only the deploy section, so the engine can be
// managed before any credentials are configured.
func deploySettings() (config.DeployConfig, deploy.Spec, error) {
	var dc config.DeployConfig
	if err := viper.UnmarshalKey("deploy", &dc); err != nil {
		return dc, deploy.Spec{}, vberr.Errorf(vberr.CodeConfigParseInvalidFormat, "decoding deploy section: %w", err)
	}
	spec, err := deploy.SpecFromConfig(dc)
	return dc, spec, err
}

func newDeployUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Start the engine container and wait until it is healthy",
		Long: "Start the engine container and wait for its config server to report up. " +
			"The container keeps running after the command exits; stop it with 'vespabench deploy down'.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dc, spec, err := deploySettings()
			if err != nil {
				return err
			}
			reg := newRegistry(newRuntime(dc.Runtime))
			inst, _, err := reg.Acquire(cmd.Context(), spec)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(inst)
		},
	}
}

func newDeployDownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Stop and remove the engine container",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dc, spec, err := deploySettings()
			if err != nil {
				return err
			}
			if err := newRuntime(dc.Runtime).Stop(cmd.Context(), spec.Name); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Stopped container: %s\n", spec.Name)
			return nil
		},
	}
}

func newDeployStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the engine's config server is up",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, spec, err := deploySettings()
			if err != nil {
				return err
			}
			inst := &deploy.Instance{
				Name:           spec.Name,
				QueryEndpoint:  spec.QueryEndpoint(),
				ConfigEndpoint: spec.ConfigEndpoint(),
			}
			out := cmd.OutOrStdout()
			if err := deploy.ProbeConfigServer(cmd.Context(), inst); err != nil {
				_, _ = fmt.Fprintf(out, "%s: down at %s (%v)\n", spec.Name, inst.ConfigEndpoint, err)
				return nil
			}
			_, _ = fmt.Fprintf(out, "%s: up at %s (queries at %s)\n", spec.Name, inst.ConfigEndpoint, inst.QueryEndpoint)
			return nil
		},
	}
}
