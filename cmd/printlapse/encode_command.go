package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/printlapse/printlapse/internal/encoding"
	"github.com/printlapse/printlapse/internal/ledger"
	"github.com/printlapse/printlapse/internal/logging"
	"github.com/printlapse/printlapse/internal/markers"
	"github.com/printlapse/printlapse/internal/mount"
	"github.com/printlapse/printlapse/internal/store"
)

func newEncodeCommand(ctx *commandContext) *cobra.Command {
	var retryFailed bool

	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Run one encode pass over sessions awaiting video assembly",
		Long: "Scan the primary tier for sessions marked ready, encode each into a\n" +
			"timelapse video, and exit. Marker claims are atomic, so running this\n" +
			"alongside the daemon is safe: each session is encoded exactly once.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			stdout := cmd.OutOrStdout()

			logger, err := logging.New(logging.Options{
				Level:       cfg.Logging.Level,
				Format:      cfg.Logging.Format,
				OutputPaths: []string{"stdout"},
			})
			if err != nil {
				return fmt.Errorf("setup logging: %w", err)
			}

			frames := store.New(cfg, logger)
			history, err := ledger.Open(cfg)
			if err != nil {
				return fmt.Errorf("open session ledger: %w", err)
			}
			defer history.Close()

			coordinator := encoding.NewCoordinator(cfg, frames, encoding.NewEncoder(cfg, logger), logger,
				encoding.WithHealthProbe(mount.NewMonitor(cfg, logger)),
				encoding.WithHistory(history))

			if retryFailed {
				requeued, err := requeueFailedSessions(frames.PrimaryRoot())
				if err != nil {
					return fmt.Errorf("requeue failed sessions: %w", err)
				}
				if len(requeued) > 0 {
					fmt.Fprintf(stdout, "Requeued %d failed session(s): %s\n", len(requeued), strings.Join(requeued, ", "))
				}
			}

			if recovered := coordinator.RecoverStale(cmd.Context()); recovered > 0 {
				fmt.Fprintf(stdout, "Recovered %d stale claim(s)\n", recovered)
			}

			pending, err := coordinator.Pending()
			if err != nil {
				return fmt.Errorf("scan for ready sessions: %w", err)
			}
			if len(pending) == 0 {
				fmt.Fprintln(stdout, "No sessions are ready for encoding")
				return nil
			}

			fmt.Fprintf(stdout, "Encoding %d session(s): %s\n", len(pending), strings.Join(pending, ", "))
			encoded := coordinator.RunOnce(cmd.Context())
			fmt.Fprintf(stdout, "Encoded %d of %d session(s)\n", encoded, len(pending))
			if encoded < len(pending) {
				fmt.Fprintln(stdout, "Inspect the per-session encoding.log for sessions that failed")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&retryFailed, "retry-failed", false, "Reset failed sessions to ready before encoding")
	return cmd
}

// requeueFailedSessions flips encoding-failed markers back to ready so the
// following pass picks the sessions up again.
func requeueFailedSessions(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var requeued []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		if markers.Scan(dir) != markers.StateFailed {
			continue
		}
		if err := markers.Transition(dir, markers.Failed, markers.Ready); err != nil {
			return requeued, fmt.Errorf("requeue %s: %w", entry.Name(), err)
		}
		requeued = append(requeued, entry.Name())
	}
	return requeued, nil
}
