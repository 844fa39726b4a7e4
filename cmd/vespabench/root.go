// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"errors"

	"github.com/sigil-dev/vespabench/internal/config"
	"github.com/sigil-dev/vespabench/internal/secrets"
	vberr "github.com/sigil-dev/vespabench/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRootCmd creates the root vespabench command with all subcommands registered.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "vespabench",
		Short:         "vespabench - Vespa vector search benchmark client",
		Long:          "vespabench provisions a Vespa collection, bulk loads vectors, and measures nearest-neighbour search latency and recall.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := initViper(cmd); err != nil {
				return err
			}
			setupLogging(cmd.ErrOrStderr())
			return nil
		},
	}

	root.PersistentFlags().StringP("config", "c", "", "path to config file")
	root.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")
	root.PersistentFlags().String("log-format", "", "log format (text or json)")

	root.AddCommand(
		newVersionCmd(),
		newConfigCmd(),
		newSecretCmd(),
		newDeployCmd(),
		newProvisionCmd(),
		newRunCmd(),
		newServeCmd(),
		newDoctorCmd(),
	)

	return root
}

// initViper resets the global Viper and loads defaults, env bindings, flag
// bindings, and an optional config file so the standard precedence
// (flag > env > file > defaults) is handled uniformly.
func initViper(cmd *cobra.Command) error {
	viper.Reset()
	v := viper.GetViper()

	config.SetDefaults(v)
	config.SetupEnv(v)

	if cfgFile, _ := cmd.Flags().GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return vberr.Errorf(vberr.CodeConfigLoadReadFailure, "reading config file: %w", err)
		}
	} else {
		// SetConfigType is omitted so viper never matches the bare
		// ./vespabench binary.
		v.SetConfigName("vespabench")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/vespabench")
		v.AddConfigPath("/etc/vespabench")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return vberr.Errorf(vberr.CodeConfigLoadReadFailure, "reading config: %w", err)
			}
		}
	}
	config.WarnInsecurePermissions(v.ConfigFileUsed())

	if err := v.BindPFlag("verbose", cmd.Root().PersistentFlags().Lookup("verbose")); err != nil {
		return vberr.Errorf(vberr.CodeCLISetupFailure, "binding verbose flag: %w", err)
	}
	if f := cmd.Root().PersistentFlags().Lookup("log-format"); f != nil && f.Changed {
		v.Set("log.format", f.Value.String())
	}

	return nil
}

// secretStoreFactory creates a secrets.Store. It is a package-level variable
// so tests can substitute an in-memory implementation.
var secretStoreFactory = func() secrets.Store {
	return secrets.NewKeyringStore()
}

// loadConfig decodes and validates the settings initViper gathered.
func loadConfig() (*config.Config, error) {
	return config.FromViper(viper.GetViper(), secretStoreFactory())
}
