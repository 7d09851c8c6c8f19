package capture

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/printlapse/printlapse/internal/config"
	"github.com/printlapse/printlapse/internal/logging"
	"github.com/printlapse/printlapse/internal/printer"
)

// StatusSource polls the printer for its current state.
type StatusSource interface {
	Status(ctx context.Context) (*printer.Status, error)
}

// MountHealth probes and repairs the primary storage mount.
type MountHealth interface {
	Healthy(ctx context.Context) bool
	TryRemount(ctx context.Context) bool
}

// ReconcilingStore is the slice of the frame store the loop drives for
// mount health bookkeeping and fallback reconciliation.
type ReconcilingStore interface {
	PrimaryHealthy() bool
	SetPrimaryHealthy(healthy bool) bool
	Reconcile(ctx context.Context) (int, error)
}

// tickCooldown is how long the loop backs off after a tick panics.
const tickCooldown = time.Minute

// Loop drives the controller: it polls printer status, reads the manual
// control file, keeps mount health fresh on its own cadence, and paces
// itself on the controller's sleep hints.
type Loop struct {
	controller  *Controller
	status      StatusSource
	monitor     MountHealth
	frames      ReconcilingStore
	logger      *slog.Logger
	controlFile string

	mountCheckInterval time.Duration
	lastMountCheck     time.Time
}

// NewLoop assembles the capture loop.
func NewLoop(cfg *config.Config, controller *Controller, status StatusSource, monitor MountHealth, frames ReconcilingStore, logger *slog.Logger) *Loop {
	return &Loop{
		controller:         controller,
		status:             status,
		monitor:            monitor,
		frames:             frames,
		logger:             logging.NewComponentLogger(logger, "capture"),
		controlFile:        cfg.Capture.ControlFile,
		mountCheckInterval: time.Duration(cfg.Storage.MountCheckInterval) * time.Second,
	}
}

// Run polls until the context is canceled. On shutdown any open session is
// finalized so its frames carry a ready marker instead of being orphaned.
func (l *Loop) Run(ctx context.Context) error {
	l.startup(ctx)

	for {
		sleep := l.tick(ctx)
		select {
		case <-ctx.Done():
			finalizeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			l.controller.FinalizeOpenSession(finalizeCtx, "daemon_shutdown")
			cancel()
			l.logger.Info("capture loop stopped")
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// startup probes the mount once and reconciles any frames a previous run
// left on the fallback tier.
func (l *Loop) startup(ctx context.Context) {
	healthy := l.monitor.Healthy(ctx)
	l.frames.SetPrimaryHealthy(healthy)
	l.lastMountCheck = time.Now()
	l.logger.Info("capture loop started",
		logging.String("control_file", l.controlFile),
		logging.Bool("primary_healthy", healthy))

	if healthy {
		if _, err := l.frames.Reconcile(ctx); err != nil {
			l.logger.Debug("startup reconciliation stopped early", logging.Error(err))
		}
	} else {
		logging.WarnWithContext(l.logger, "primary storage unavailable at startup", "mount_unhealthy",
			logging.String(logging.FieldImpact, "frames buffer on the local fallback until the mount recovers"),
			logging.String(logging.FieldErrorHint, "check the network mount"))
	}
}

func (l *Loop) tick(ctx context.Context) (sleep time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("capture tick panicked, cooling down",
				logging.Any("panic", r),
				logging.String("stack", string(debug.Stack())),
				logging.Duration("cooldown", tickCooldown))
			sleep = tickCooldown
		}
	}()

	if time.Since(l.lastMountCheck) >= l.mountCheckInterval {
		l.checkMount(ctx)
	}

	manual := ReadControlFile(l.controlFile)
	status, err := l.status.Status(ctx)
	if err != nil {
		logging.WarnWithContext(l.logger, "printer status poll failed", "status_poll_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "tick skipped; session state is unchanged"),
			logging.String(logging.FieldErrorHint, "check the network and Connect credentials"))
		status = nil
	}

	return l.controller.HandleTick(ctx, Tick{Now: time.Now(), Status: status, Manual: manual})
}

// checkMount refreshes primary health. A mount that has been unhealthy for
// a full check interval gets a remount attempt; a recovery triggers
// fallback reconciliation.
func (l *Loop) checkMount(ctx context.Context) {
	l.lastMountCheck = time.Now()
	wasHealthy := l.frames.PrimaryHealthy()
	healthy := l.monitor.Healthy(ctx)
	if !healthy && !wasHealthy {
		healthy = l.monitor.TryRemount(ctx)
	}

	changed := l.frames.SetPrimaryHealthy(healthy)
	if !changed {
		return
	}
	if !healthy {
		logging.WarnWithContext(l.logger, "primary storage became unavailable", "mount_unhealthy",
			logging.String(logging.FieldImpact, "frames divert to the local fallback"),
			logging.String(logging.FieldErrorHint, "check the network mount"))
		return
	}
	l.logger.Info("primary storage back online, reconciling fallback frames")
	if _, err := l.frames.Reconcile(ctx); err != nil {
		l.logger.Debug("reconciliation stopped early", logging.Error(err))
	}
}
