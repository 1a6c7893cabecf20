// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command sensebridge connects one physical access control source, a
// SenseLink or SenseNebula deployment, to the control plane. It forwards
// vendor events upstream and runs visitor registration requests against the
// vendor.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aiku/sensebridge/pkg/connector"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

type rootOptions struct {
	configPath string
	logLevel   string
	pretty     bool
	saveConfig bool
}

func newRootCommand() *cobra.Command {
	var opts rootOptions
	cmd := &cobra.Command{
		Use:          "sensebridge",
		Short:        "Bridge an access control source to the control plane",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "config.yaml", "path to the YAML configuration file")
	flags.StringVar(&opts.logLevel, "log-level", "", "override logging.level from the configuration")
	flags.BoolVar(&opts.pretty, "pretty", false, "write human-readable logs to stderr instead of JSON")
	flags.BoolVar(&opts.saveConfig, "save-config", false, "write the upgraded configuration back to the file")

	cmd.AddCommand(newVersionCommand(), newExampleConfigCommand())
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sensebridge %s (commit %s, built %s)\n", Tag, Commit, BuildTime)
		},
	}
}

func newExampleConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "example-config",
		Short: "Print the example configuration",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprint(cmd.OutOrStdout(), connector.ExampleConfig)
		},
	}
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
