// Copyright (C) 2024  omnipkg contributors
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/omnipkg/omnipkg/pkg/activate"
	"github.com/omnipkg/omnipkg/pkg/cliutil"
)

func init() {
	var (
		flagCode  string
		flagFile  string
		flagMode  string
		flagForce bool
	)
	cmd := &cobra.Command{
		Use:   "activate [flags] NAME==VERSION",
		Short: "Activate a package version and run code against it",
		Long: `Activates NAME==VERSION (choosing between the main environment, an
existing bubble, and a freshly built one per the usual precedence), runs the
code given by --code or --file in that activated context, then exits the
session and restores prior state.

With neither --code nor --file, activate still performs the activation
(which may cloak main-env packages or build a bubble), reports the spec as
activated, and exits the session without running any code.`,
		Args: cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}

			mode := activate.Overlay
			if flagMode == string(activate.Strict) {
				mode = activate.Strict
			}

			session, err := a.loader.Activate(ctx, args[0], mode, flagForce)
			if err != nil {
				return err
			}
			defer func() {
				if exitErr := session.Exit(ctx); exitErr != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "omnipkg: warning: %v\n", exitErr)
				}
			}()

			code := flagCode
			if flagFile != "" {
				bs, rerr := os.ReadFile(flagFile)
				if rerr != nil {
					return rerr
				}
				code = string(bs)
			}
			if code == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "activated %s (pass --code or --file to run something)\n", args[0])
				return nil
			}

			stdout, stderr, err := session.Execute(ctx, code)
			fmt.Fprint(cmd.OutOrStdout(), stdout)
			fmt.Fprint(cmd.ErrOrStderr(), stderr)
			return err
		},
	}
	cmd.Flags().StringVarP(&flagCode, "code", "c", "", "Python source to run in the activated context")
	cmd.Flags().StringVar(&flagFile, "file", "", "Path to a Python script to run in the activated context")
	cmd.Flags().StringVar(&flagMode, "isolation", string(activate.Overlay),
		"Path isolation mode: `overlay` (default) or `strict`")
	cmd.Flags().BoolVar(&flagForce, "force", false, "Re-activate even if this version is already active")

	argparser.AddCommand(cmd)
}
