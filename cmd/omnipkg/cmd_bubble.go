// Copyright (C) 2024  omnipkg contributors
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/spf13/cobra"

	"github.com/omnipkg/omnipkg/pkg/cliutil"
	"github.com/omnipkg/omnipkg/pkg/export"
	"github.com/omnipkg/omnipkg/pkg/fsutil"
	"github.com/omnipkg/omnipkg/pkg/identity"
)

var argparserBubble = &cobra.Command{
	Use:   "bubble {[flags]|SUBCOMMAND...}",
	Short: "Pack and unpack bubble directories as OCI layers",

	Args: cliutil.OnlySubcommands,
	RunE: cliutil.RunSubcommands,
}

func init() {
	argparser.AddCommand(argparserBubble)
}

func init() {
	var argBase string
	cmd := &cobra.Command{
		Use:   "export [flags] IN_BUBBLEDIR >OUT_LAYERFILE",
		Short: "Export a bubble directory as a single-layer OCI tarball",
		Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if argBase == "" {
				layer, err := export.Export(args[0])
				if err != nil {
					return err
				}
				return fsutil.WriteLayer(layer, cmd.OutOrStdout())
			}
			oldLayer, err := fsutil.OpenLayer(argBase)
			if err != nil {
				return err
			}
			layer, err := export.ExportIncremental(oldLayer, args[0])
			if err != nil {
				return err
			}
			return fsutil.WriteLayer(layer, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&argBase, "base", "",
		"Fold the bubble on top of `IN_LAYERFILE`, an earlier export of the same package, instead of exporting standalone")
	argparserBubble.AddCommand(cmd)
}

func init() {
	cmd := &cobra.Command{
		Use:   "import [flags] IN_LAYERFILE OUT_BUBBLEDIR",
		Short: "Unpack a bubble layer back into a bubble directory",
		Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(2)),
		RunE: func(_ *cobra.Command, args []string) error {
			layer, err := fsutil.OpenLayer(args[0])
			if err != nil {
				return err
			}
			if err := os.MkdirAll(args[1], 0o755); err != nil {
				return err
			}
			return export.Import(layer, args[1])
		},
	}
	argparserBubble.AddCommand(cmd)
}

func init() {
	cmd := &cobra.Command{
		Use:   "docker-load [flags] NAME==VERSION IN_LAYERFILE",
		Short: "Load a bubble layer into the local Docker daemon for ad-hoc inspection",
		Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := identity.ParseSpec(args[0])
			if err != nil {
				return err
			}
			layer, err := fsutil.OpenLayer(args[1])
			if err != nil {
				return err
			}
			return export.LoadIntoDocker(cmd.Context(), id, layer, func(_ context.Context, tag name.Tag) error {
				fmt.Fprintf(cmd.OutOrStdout(), "loaded %s as %s\n", id, tag)
				return nil
			})
		},
	}
	argparserBubble.AddCommand(cmd)
}
