package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/printlapse/printlapse/internal/capture"
	"github.com/printlapse/printlapse/internal/ipc"
	"github.com/printlapse/printlapse/internal/textutil"
)

func newSessionCommand(ctx *commandContext) *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Manage manual recording sessions",
		Long: "Manual sessions capture frames regardless of printer state until\n" +
			"stopped. Requests go through the capture control file, so they work\n" +
			"whether or not the daemon is currently running.",
	}
	sessionCmd.AddCommand(newSessionStartCommand(ctx))
	sessionCmd.AddCommand(newSessionStopCommand(ctx))
	return sessionCmd
}

func newSessionStartCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "start [name]",
		Short: "Request a manual recording session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			stdout := cmd.OutOrStdout()

			name := ""
			if len(args) == 1 {
				name = strings.TrimSpace(args[0])
			}
			if name == "" {
				name = "manual_" + time.Now().Format("20060102_150405")
			}

			if err := capture.WriteControlFile(cfg.Capture.ControlFile, name); err != nil {
				return fmt.Errorf("request manual session: %w", err)
			}

			fmt.Fprintf(stdout, "Manual session %q requested\n", name)
			if sanitized := textutil.SanitizeName(name); sanitized != "" && sanitized != name {
				fmt.Fprintf(stdout, "The session directory will be named %q\n", sanitized)
			}
			if daemonReachable(ctx) {
				fmt.Fprintf(stdout, "Recording starts within %ds\n", cfg.Capture.PollInterval)
			} else {
				fmt.Fprintln(stdout, "The daemon is not running; recording starts once it does")
			}
			return nil
		},
	}
}

func newSessionStopCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Withdraw the manual session request",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			stdout := cmd.OutOrStdout()

			removed, err := capture.RemoveControlFile(cfg.Capture.ControlFile)
			if err != nil {
				return fmt.Errorf("clear manual session request: %w", err)
			}
			if !removed {
				fmt.Fprintln(stdout, "No manual session was requested")
				return nil
			}

			fmt.Fprintln(stdout, "Manual session stop requested")
			if daemonReachable(ctx) {
				fmt.Fprintf(stdout, "The session finalizes within %ds\n", cfg.Capture.PollInterval)
			}
			return nil
		},
	}
}

// daemonReachable probes the socket without turning an offline daemon into
// an error; control-file requests are durable either way.
func daemonReachable(ctx *commandContext) bool {
	err := ctx.withClient(func(client *ipc.Client) error {
		_, err := client.Ping()
		return err
	})
	return err == nil
}
