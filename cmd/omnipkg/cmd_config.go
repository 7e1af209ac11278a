// Copyright (C) 2024  omnipkg contributors
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/omnipkg/omnipkg/pkg/cliutil"
	"github.com/omnipkg/omnipkg/pkg/config"
)

var argparserConfig = &cobra.Command{
	Use:   "config {[flags]|SUBCOMMAND...}",
	Short: "Inspect and persist the omnipkg configuration document",

	Args: cliutil.OnlySubcommands,
	RunE: cliutil.RunSubcommands,
}

func init() {
	argparser.AddCommand(argparserConfig)
}

func init() {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration (explicit values, missing keys auto-filled)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			bs, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(bs))
			return nil
		},
	}
	argparserConfig.AddCommand(cmd)
}

func init() {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Detect defaults and write them to the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.DetectDefaults(cmd.Context())
			if err != nil {
				return err
			}
			if err := cfg.Save(configPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", configPath)
			return nil
		},
	}
	argparserConfig.AddCommand(cmd)
}
