package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/printlapse/printlapse/internal/ledger"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent print session history",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			stdout := cmd.OutOrStdout()

			history, err := ledger.Open(cfg)
			if err != nil {
				return fmt.Errorf("open session ledger: %w", err)
			}
			defer history.Close()

			entries, err := history.History(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("read session history: %w", err)
			}
			if len(entries) == 0 {
				fmt.Fprintln(stdout, "No sessions recorded yet")
				return nil
			}

			rows := make([][]string, 0, len(entries))
			for _, entry := range entries {
				rows = append(rows, []string{
					entry.Session,
					entry.Origin,
					entry.StartedAt.Local().Format("2006-01-02 15:04"),
					strconv.Itoa(entry.Frames),
					strconv.Itoa(entry.FailedCaptures),
					finalizeText(entry),
					encodeText(entry),
				})
			}

			headers := []string{"Session", "Origin", "Started", "Frames", "Failed", "Finalized", "Encode"}
			aligns := []columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft}
			fmt.Fprintln(stdout, renderTable(headers, rows, aligns))
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of sessions to show")
	return cmd
}

func finalizeText(entry ledger.Entry) string {
	if entry.FinalizedAt == nil {
		return "in progress"
	}
	if entry.FinalizeReason != "" {
		return entry.FinalizeReason
	}
	return "done"
}

func encodeText(entry ledger.Entry) string {
	if entry.EncodeOutcome == "" {
		return "-"
	}
	if entry.EncodeSeconds > 0 {
		return fmt.Sprintf("%s in %.1fs", entry.EncodeOutcome, entry.EncodeSeconds)
	}
	return entry.EncodeOutcome
}
