package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/printlapse/printlapse/internal/config"
	"github.com/printlapse/printlapse/internal/daemon"
	"github.com/printlapse/printlapse/internal/ipc"
	"github.com/printlapse/printlapse/internal/logging"
	"github.com/printlapse/printlapse/internal/preflight"
)

// currentLogName is the stable pointer in the log directory that always
// tracks the newest per-run log file.
const currentLogName = "printlapse.log"

func newRunCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the capture daemon in the foreground",
		Long: "Run the capture daemon in the foreground until interrupted.\n" +
			"The daemon polls the printer, captures frames, encodes finished\n" +
			"sessions, and answers status queries on the control socket.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return runDaemon(cmd.Context(), cfg, ctx.socketPath())
		},
	}
}

func runDaemon(cmdCtx context.Context, cfg *config.Config, socketPath string) error {
	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Each daemon run logs to its own file; a stable pointer tracks the
	// newest one so `tail -f printlapse.log` survives restarts.
	runID := uuid.NewString()
	logPath := filepath.Join(cfg.Daemon.LogDir, fmt.Sprintf("printlapse-%s.log", runID))
	logger, err := logging.New(logging.Options{
		Level:            cfg.Logging.Level,
		Format:           cfg.Logging.Format,
		OutputPaths:      []string{"stdout", logPath},
		ErrorOutputPaths: []string{"stderr", logPath},
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if err := ensureCurrentLogPointer(cfg.Daemon.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update printlapse.log link: %v\n", err)
	}
	logging.CleanupOldLogs(logger, cfg.Logging.RetentionDays,
		logging.RetentionTarget{Dir: cfg.Daemon.LogDir, Pattern: "printlapse-*.log", Exclude: []string{logPath}},
	)

	// Failed checks are logged, not fatal: an unreachable mount or printer
	// is an expected degraded state the daemon is built to ride out.
	for _, result := range preflight.Failures(preflight.RunAll(signalCtx, cfg)) {
		logging.WarnWithContext(logger, "preflight check failed", "preflight_failed",
			logging.String("check", result.Name),
			logging.String("detail", result.Detail),
			logging.String(logging.FieldImpact, "the related feature is degraded until the check passes"))
	}

	d, err := daemon.Build(cfg, logger)
	if err != nil {
		return fmt.Errorf("build daemon: %w", err)
	}
	defer d.Close()

	ipcServer, err := ipc.NewServer(signalCtx, socketPath, d, logger)
	if err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	defer ipcServer.Close()
	ipcServer.Serve()

	if err := d.Start(signalCtx); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	<-signalCtx.Done()
	logger.Info("printlapse daemon shutting down")
	return nil
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, currentLogName)
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}
