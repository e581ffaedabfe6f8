// Package cli implements the imewatch command line.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/msageha/imewatch/internal/logging"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Dir     string
	Verbose bool
}

// NewRootCommand creates the root command for the imewatch CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "imewatch",
		Short: "imewatch - app deployment progress from management extension logs",
		Long: `imewatch tails the Intune Management Extension logs during device
enrollment, matches each new line against a rule set and tracks the
installation state of every app in the enrollment status page.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.Dir, "dir", "d", ".", "agent work directory")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging on stderr")

	cmd.AddCommand(NewInitCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewReloadCommand(opts))
	cmd.AddCommand(NewStopCommand(opts))
	cmd.AddCommand(NewValidateRulesCommand(opts))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

// stderrLogger is used by one-shot commands.
func stderrLogger(cmd *cobra.Command, opts *RootOptions) *logging.Logger {
	level := logging.LevelWarn
	if opts.Verbose {
		level = logging.LevelDebug
	}
	return logging.New(cmd.ErrOrStderr(), level)
}

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the imewatch version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "imewatch %s\n", Version)
		},
	}
}
