// Command omnipkg manages multiple versions of Python packages side by
// side, activating whichever one a caller asks for without disturbing the
// main environment.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/datawire/dlib/dlog"
	"github.com/google/go-containerregistry/pkg/logs"
	"github.com/spf13/cobra"

	"github.com/omnipkg/omnipkg/pkg/cliutil"
)

var argparser = &cobra.Command{
	Use:   "omnipkg {[flags]|SUBCOMMAND...}",
	Short: "Multi-version Python package manager",

	Args: cliutil.OnlySubcommands,
	RunE: cliutil.RunSubcommands,

	SilenceErrors: true, // main() will handle this after .ExecuteContext() returns
	SilenceUsage:  true, // our FlagErrorFunc will handle it
}

func init() {
	argparser.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	argparser.SetHelpTemplate(cliutil.HelpTemplate)
	argparser.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(),
		"Path to the omnipkg JSON configuration document")
}

func main() {
	ctx := context.Background()

	logs.Warn = dlog.StdLogger(ctx, dlog.LogLevelWarn)
	logs.Progress = dlog.StdLogger(ctx, dlog.LogLevelInfo)
	logs.Debug = dlog.StdLogger(ctx, dlog.LogLevelDebug)

	err := argparser.ExecuteContext(ctx)
	switch {
	case err == nil:
		os.Exit(0)
	case isInterrupted(err):
		os.Exit(130)
	default:
		fmt.Fprintf(argparser.ErrOrStderr(), "%s: error: %v\n", argparser.CommandPath(), err)
		os.Exit(1)
	}
}

func isInterrupted(err error) bool {
	return err == context.Canceled
}
