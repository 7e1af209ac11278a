// Copyright (C) 2024  omnipkg contributors
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "revert",
		Short: "Restore the main environment to its last known-good snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			plan, err := a.surgeon.Revert(ctx)
			if err != nil {
				return err
			}
			for _, spec := range plan.ToInstall {
				fmt.Fprintf(cmd.OutOrStdout(), "installed %s to match snapshot\n", spec)
			}
			for _, name := range plan.ToUninstall {
				fmt.Fprintf(cmd.OutOrStdout(), "uninstalled %s, absent from snapshot\n", name)
			}
			return nil
		},
	}
	argparser.AddCommand(cmd)
}
