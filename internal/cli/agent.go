package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/msageha/imewatch/internal/daemon"
	"github.com/msageha/imewatch/internal/rules"
	"github.com/msageha/imewatch/internal/setup"
	"github.com/msageha/imewatch/internal/status"
	"github.com/msageha/imewatch/internal/uds"
)

type InitOptions struct {
	*RootOptions
	LogDir   string
	LogLevel string
}

func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Create an agent work directory with default config and rules",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := opts.Dir
			if len(args) == 1 {
				dir = args[0]
			}
			l, err := setup.Run(dir, setup.Options{LogDir: opts.LogDir, LogLevel: opts.LogLevel})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\n", l.Root)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.LogDir, "log-dir", "", "monitored log directory (default: the extension's log directory)")
	cmd.Flags().StringVar(&opts.LogLevel, "log-level", "", "agent log level (debug|info|warn|error)")
	return cmd
}

func NewRunCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the agent in the foreground until SIGINT/SIGTERM or 'imewatch stop'",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, l, err := setup.LoadConfig(opts.Dir)
			if err != nil {
				return err
			}
			d, err := daemon.New(l, *cfg)
			if err != nil {
				return err
			}
			return d.Run()
		},
	}
}

type StatusOptions struct {
	*RootOptions
	JSON bool
}

func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the running agent's tracked apps and phase",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return status.Run(layoutFor(opts.RootOptions), opts.JSON, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "print JSON instead of text")
	return cmd
}

func NewReloadCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Ask the running agent to reload its rules file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var res rules.ReloadResult
			client := uds.NewClient(layoutFor(opts).SocketPath())
			if err := client.Call(uds.CommandReload, nil, &res); err != nil {
				return fmt.Errorf("reload: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rules reloaded: %d active, %d skipped\n", res.Rules, res.Skipped)
			return nil
		},
	}
}

func NewStopCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Ask the running agent to flush its checkpoint and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := uds.NewClient(layoutFor(opts).SocketPath())
			if err := client.Call(uds.CommandShutdown, nil, nil); err != nil {
				return fmt.Errorf("stop: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "shutdown requested")
			return nil
		},
	}
}

func layoutFor(opts *RootOptions) setup.Layout {
	return setup.Layout{Root: opts.Dir}
}
