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
		Use:   "uninstall [flags] NAME==VERSION...",
		Short: "Smart-uninstall one or more name==version specs",
		Args:  cliutil.WrapPositionalArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			result, err := a.surgeon.SmartUninstall(ctx, args)
			if err != nil {
				return err
			}
			for _, spec := range result.Uninstalled {
				fmt.Fprintf(cmd.OutOrStdout(), "uninstalled %s from main environment\n", spec)
			}
			for _, spec := range result.Debubbled {
				fmt.Fprintf(cmd.OutOrStdout(), "removed bubble %s\n", spec)
			}
			return nil
		},
	}
	argparser.AddCommand(cmd)
}
