package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/printlapse/printlapse/internal/capture"
	"github.com/printlapse/printlapse/internal/config"
	"github.com/printlapse/printlapse/internal/ipc"
	"github.com/printlapse/printlapse/internal/logging"
	"github.com/printlapse/printlapse/internal/markers"
	"github.com/printlapse/printlapse/internal/store"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon, session, and storage status",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			colorize := shouldColorize(stdout)

			client, err := ctx.dialClient()
			if err != nil {
				// A stopped daemon is an answer, not an error. Report what
				// can be read from disk instead.
				return renderOfflineStatus(stdout, ctx.configValue(), ctx.socketPath(), colorize)
			}
			defer client.Close()

			resp, err := client.Status()
			if err != nil {
				return fmt.Errorf("query daemon status: %w", err)
			}
			renderDaemonStatus(stdout, resp, colorize)
			return nil
		},
	}
}

func renderDaemonStatus(w io.Writer, resp *ipc.StatusResponse, colorize bool) {
	for _, line := range renderSectionHeader("Daemon", colorize) {
		fmt.Fprintln(w, line)
	}
	if resp.Running {
		uptime := time.Since(resp.StartedAt).Round(time.Second)
		fmt.Fprintln(w, renderStatusLine("State", statusOK,
			fmt.Sprintf("running (pid %d, up %s)", resp.PID, uptime), colorize))
	} else {
		fmt.Fprintln(w, renderStatusLine("State", statusWarn, "process up, loops stopped", colorize))
	}

	fmt.Fprintln(w)
	for _, line := range renderSectionHeader("Session", colorize) {
		fmt.Fprintln(w, line)
	}
	renderCaptureStatus(w, resp.Capture, colorize)

	fmt.Fprintln(w)
	for _, line := range renderSectionHeader("Encoding", colorize) {
		fmt.Fprintln(w, line)
	}
	renderEncodingStatus(w, resp.Encoding, colorize)

	fmt.Fprintln(w)
	for _, line := range renderSectionHeader("Uploader", colorize) {
		fmt.Fprintln(w, line)
	}
	renderUploaderStatus(w, resp.Uploader, colorize)

	fmt.Fprintln(w)
	for _, line := range renderSectionHeader("Storage", colorize) {
		fmt.Fprintln(w, line)
	}
	if resp.PrimaryHealthy {
		fmt.Fprintln(w, renderStatusLine("Primary", statusOK, "healthy", colorize))
	} else {
		fmt.Fprintln(w, renderStatusLine("Primary", statusWarn, "unreachable (frames divert to fallback)", colorize))
	}
	fmt.Fprintln(w, renderStatusLine("Active tier", statusInfo, resp.ActiveTier, colorize))
	fmt.Fprintln(w, renderStatusLine("Pending encodes", listKind(resp.PendingEncodes, statusInfo), listText(resp.PendingEncodes), colorize))
	fmt.Fprintln(w, renderStatusLine("Fallback backlog", listKind(resp.FallbackSessions, statusOK), listText(resp.FallbackSessions), colorize))
	fmt.Fprintln(w, renderStatusLine("Ledger", statusInfo, resp.LedgerPath, colorize))
}

func renderCaptureStatus(w io.Writer, capt ipc.CaptureStatus, colorize bool) {
	if !capt.Active {
		fmt.Fprintln(w, renderStatusLine("Session", statusInfo, "idle (no active capture)", colorize))
		return
	}

	fmt.Fprintln(w, renderStatusLine("Session", statusOK,
		fmt.Sprintf("%s (%s)", capt.Session, capt.Origin), colorize))
	fmt.Fprintln(w, renderStatusLine("Mode", statusInfo, capt.Mode, colorize))
	if capt.JobID != nil {
		fmt.Fprintln(w, renderStatusLine("Printer job", statusInfo, fmt.Sprintf("#%d", *capt.JobID), colorize))
	}

	frameKind := statusInfo
	if capt.CaptureFailed > 0 {
		frameKind = statusWarn
	}
	fmt.Fprintln(w, renderStatusLine("Frames", frameKind,
		fmt.Sprintf("%d stored (%d ok, %d failed)", capt.Frames, capt.CaptureOK, capt.CaptureFailed), colorize))

	if capt.PostPrintCaptured > 0 {
		fmt.Fprintln(w, renderStatusLine("Post-print", statusInfo,
			fmt.Sprintf("%d frame(s) captured", capt.PostPrintCaptured), colorize))
	}
	if !capt.StartedAt.IsZero() {
		elapsed := time.Since(capt.StartedAt).Round(time.Second)
		fmt.Fprintln(w, renderStatusLine("Started", statusInfo,
			fmt.Sprintf("%s (%s ago)", capt.StartedAt.Local().Format("15:04:05"), elapsed), colorize))
	}
}

func renderEncodingStatus(w io.Writer, enc ipc.EncodingStatus, colorize bool) {
	if !enc.Enabled {
		fmt.Fprintln(w, renderStatusLine("Enabled", statusInfo, "no (sessions stay in ready state)", colorize))
		return
	}
	fmt.Fprintln(w, renderStatusLine("Enabled", statusOK, "yes", colorize))

	switch {
	case enc.Encoding != "":
		fmt.Fprintln(w, renderStatusLine("Encoding", statusInfo, enc.Encoding, colorize))
	case enc.LastSession != "":
		kind := statusOK
		if enc.LastOutcome != "complete" {
			kind = statusWarn
		}
		fmt.Fprintln(w, renderStatusLine("Last encode", kind,
			fmt.Sprintf("%s (%s)", enc.LastSession, enc.LastOutcome), colorize))
	}

	totalsKind := statusInfo
	if enc.Failed > 0 {
		totalsKind = statusWarn
	}
	fmt.Fprintln(w, renderStatusLine("Totals", totalsKind,
		fmt.Sprintf("%d complete, %d failed", enc.Completed, enc.Failed), colorize))
}

func renderUploaderStatus(w io.Writer, up ipc.UploaderStatus, colorize bool) {
	if !up.Enabled {
		fmt.Fprintln(w, renderStatusLine("State", statusInfo, "disabled", colorize))
		return
	}
	fmt.Fprintln(w, renderStatusLine("State", statusOK, "enabled", colorize))
	fmt.Fprintln(w, renderStatusLine("Uploads", statusInfo, fmt.Sprintf("%d", up.Uploads), colorize))
	if up.ConsecutiveFailures > 0 {
		fmt.Fprintln(w, renderStatusLine("Failures", statusWarn,
			fmt.Sprintf("%d consecutive", up.ConsecutiveFailures), colorize))
	}
	if !up.LastUpload.IsZero() {
		fmt.Fprintln(w, renderStatusLine("Last upload", statusInfo,
			fmt.Sprintf("%s ago", time.Since(up.LastUpload).Round(time.Second)), colorize))
	}
}

func renderOfflineStatus(w io.Writer, cfg *config.Config, socket string, colorize bool) error {
	for _, line := range renderSectionHeader("Daemon", colorize) {
		fmt.Fprintln(w, line)
	}
	fmt.Fprintln(w, renderStatusLine("State", statusWarn,
		fmt.Sprintf("not running (socket %s)", socket), colorize))
	if cfg == nil {
		return nil
	}

	if name := capture.ReadControlFile(cfg.Capture.ControlFile); name != "" {
		fmt.Fprintln(w, renderStatusLine("Manual session", statusInfo,
			fmt.Sprintf("%q requested (starts with the daemon)", name), colorize))
	}

	fmt.Fprintln(w)
	for _, line := range renderSectionHeader("Storage", colorize) {
		fmt.Fprintln(w, line)
	}

	frames := store.New(cfg, logging.NewNop())
	states, err := scanSessionStates(frames.PrimaryRoot())
	if err != nil {
		fmt.Fprintln(w, renderStatusLine("Primary", statusWarn,
			fmt.Sprintf("unreadable (%v)", err), colorize))
	} else {
		fmt.Fprintln(w, renderStatusLine("Pending encodes", listKind(states[markers.StateReady], statusInfo), listText(states[markers.StateReady]), colorize))
		if claimed := states[markers.StateInProgress]; len(claimed) > 0 {
			fmt.Fprintln(w, renderStatusLine("Claimed encodes", statusWarn,
				listText(claimed)+" (recovered on next daemon start)", colorize))
		}
		if failed := states[markers.StateFailed]; len(failed) > 0 {
			fmt.Fprintln(w, renderStatusLine("Failed encodes", statusWarn,
				listText(failed)+" (requeue with 'printlapse encode --retry-failed')", colorize))
		}
		fmt.Fprintln(w, renderStatusLine("Completed", statusInfo,
			fmt.Sprintf("%d session(s)", len(states[markers.StateComplete])), colorize))
	}

	backlog, err := frames.FallbackSessions()
	if err != nil {
		fmt.Fprintln(w, renderStatusLine("Fallback backlog", statusWarn,
			fmt.Sprintf("unreadable (%v)", err), colorize))
	} else {
		fmt.Fprintln(w, renderStatusLine("Fallback backlog", listKind(backlog, statusOK), listText(backlog), colorize))
	}
	fmt.Fprintln(w, renderStatusLine("Ledger", statusInfo, cfg.LedgerPath(), colorize))
	return nil
}

// scanSessionStates groups primary-tier session directories by marker state.
func scanSessionStates(root string) (map[markers.State][]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	states := make(map[markers.State][]string)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		state := markers.Scan(filepath.Join(root, entry.Name()))
		if state == markers.StateNone {
			continue
		}
		states[state] = append(states[state], entry.Name())
	}
	return states, nil
}

func listText(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return fmt.Sprintf("%d waiting: %s", len(items), strings.Join(items, ", "))
}

func listKind(items []string, empty statusKind) statusKind {
	if len(items) == 0 {
		return empty
	}
	return statusWarn
}
