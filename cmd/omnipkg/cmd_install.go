// Copyright (C) 2024  omnipkg contributors
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/omnipkg/omnipkg/pkg/cliutil"
)

func init() {
	cmd := &cobra.Command{
		Use:   "install [flags] NAME==VERSION...",
		Short: "Smart-install one or more name==version specs",
		Args:  cliutil.WrapPositionalArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			result, err := a.surgeon.SmartInstall(ctx, args)
			if err != nil {
				return err
			}
			for _, spec := range result.Installed {
				fmt.Fprintf(cmd.OutOrStdout(), "installed %s in main environment\n", spec)
			}
			for _, spec := range result.Bubbled {
				fmt.Fprintf(cmd.OutOrStdout(), "bubbled %s\n", spec)
			}
			for _, dg := range result.Downgrades {
				fmt.Fprintf(cmd.OutOrStdout(), "repaired collateral downgrade of %s: %s -> %s\n",
					dg.Name, dg.FromVersion, dg.ToVersion)
			}
			return nil
		},
	}
	argparser.AddCommand(cmd)
}
