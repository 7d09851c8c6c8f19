package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/printlapse/printlapse/internal/preflight"
)

func newCheckCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify binaries, storage, printer, and notification reachability",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			stdout := cmd.OutOrStdout()
			colorize := shouldColorize(stdout)

			for _, line := range renderSectionHeader("Environment", colorize) {
				fmt.Fprintln(stdout, line)
			}
			fmt.Fprintln(stdout, renderStatusLine("Config", statusOK, ctx.configPath, colorize))

			results := preflight.RunAll(cmd.Context(), cfg)
			for _, result := range results {
				kind := statusOK
				if !result.Passed {
					kind = statusError
				}
				fmt.Fprintln(stdout, renderStatusLine(result.Name, kind, result.Detail, colorize))
			}

			failures := preflight.Failures(results)
			if len(failures) > 0 {
				return fmt.Errorf("%d of %d checks failed", len(failures), len(results))
			}
			fmt.Fprintln(stdout)
			fmt.Fprintln(stdout, "All checks passed")
			return nil
		},
	}
}
