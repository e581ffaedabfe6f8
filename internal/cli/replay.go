package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/imewatch/internal/daemon"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Logs     string
	Rules    string
	Patterns []string
	Speed    float64
	MaxDelay time.Duration
	MatchLog string
}

func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Run captured logs through the rule set and print lifecycle events",
		Long: `Replay feeds every line of a captured log directory through a fresh
tracker, without a checkpoint, and prints the resulting lifecycle events
as JSON lines. A summary of the final state goes to stderr.

With --speed the original timing is reproduced: gaps between line
timestamps are divided by the speed factor and capped at --max-delay.

Examples:
  imewatch replay --logs ./capture --rules rules.yaml
  imewatch replay --logs ./capture --rules rules.yaml --speed 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			snap, err := daemon.Replay(ctx, daemon.ReplayOptions{
				LogDir:    opts.Logs,
				Patterns:  opts.Patterns,
				RulesFile: opts.Rules,
				MatchLog:  opts.MatchLog,
				Speed:     opts.Speed,
				MaxDelay:  opts.MaxDelay,
				Logger:    stderrLogger(cmd, opts.RootOptions),
			}, cmd.OutOrStdout())
			if err != nil {
				return err
			}

			completed := 0
			for _, a := range snap.Apps {
				if a.State.IsTerminal() {
					completed++
				}
			}
			cmd.PrintErrf("replayed %d matches: phase=%s apps=%d completed=%d ignored=%d\n",
				snap.Matches, snap.Phase, len(snap.Apps), completed, snap.Ignored)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Logs, "logs", "", "directory holding captured logs (required)")
	_ = cmd.MarkFlagRequired("logs")
	cmd.Flags().StringVar(&opts.Rules, "rules", "", "rules file (required)")
	_ = cmd.MarkFlagRequired("rules")
	cmd.Flags().StringSliceVar(&opts.Patterns, "pattern", nil, "log file glob, repeatable (default: extension log families)")
	cmd.Flags().Float64Var(&opts.Speed, "speed", 0, "pace lines by timestamp at this speed factor (0 = as fast as possible)")
	cmd.Flags().DurationVar(&opts.MaxDelay, "max-delay", 2*time.Second, "cap on a single paced delay")
	cmd.Flags().StringVar(&opts.MatchLog, "match-log", "", "append every match to this file")
	return cmd
}
