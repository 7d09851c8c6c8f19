package main

import (
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/printlapse/printlapse/internal/logs"
)

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var follow bool
	var lines int

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Display daemon logs",
		Long: "Display the daemon's log output.\n" +
			"Reads the printlapse.log pointer in the log directory, which always\n" +
			"tracks the current run, so this works whether or not the daemon is up.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			path := filepath.Join(cfg.Daemon.LogDir, currentLogName)

			tail, offset, err := logs.Tail(path, lines)
			if err != nil {
				return fmt.Errorf("read logs: %w", err)
			}
			for _, line := range tail {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			if !follow {
				if len(tail) == 0 && lines > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "No log output yet (%s)\n", path)
				}
				return nil
			}

			followCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			err = logs.Follow(followCtx, path, offset, func(line string) {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			})
			if followCtx.Err() != nil {
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow log output")
	cmd.Flags().IntVarP(&lines, "lines", "n", 40, "Number of lines to show (0 for none)")
	return cmd
}
