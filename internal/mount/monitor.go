// Package mount watches the primary storage mount for staleness and can
// attempt recovery. A network mount can look mounted while every access
// hangs or fails, so health is judged by a bounded stat probe rather than
// by the mount table.
package mount

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/printlapse/printlapse/internal/config"
	"github.com/printlapse/printlapse/internal/logging"
)

const (
	unmountTimeout = 10 * time.Second
	mountTimeout   = 30 * time.Second
)

type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) error
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		detail := strings.TrimSpace(string(out))
		if detail == "" {
			return fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
		}
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, detail)
	}
	return nil
}

// Monitor probes one mountpoint and recovers it when stale.
type Monitor struct {
	mountpoint   string
	probeTimeout time.Duration
	remountPause time.Duration
	runner       commandRunner
	logger       *slog.Logger
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithRunner overrides command execution, primarily for tests.
func WithRunner(runner commandRunner) Option {
	return func(m *Monitor) {
		if runner != nil {
			m.runner = runner
		}
	}
}

// WithRemountPause overrides the settle time between unmount and mount.
func WithRemountPause(pause time.Duration) Option {
	return func(m *Monitor) {
		if pause >= 0 {
			m.remountPause = pause
		}
	}
}

// NewMonitor constructs a Monitor for the configured primary directory.
func NewMonitor(cfg *config.Config, logger *slog.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = logging.NewNop()
	}
	monitor := &Monitor{
		mountpoint:   cfg.Storage.PrimaryDir,
		probeTimeout: time.Duration(cfg.Storage.MountProbeTimeout) * time.Second,
		remountPause: 2 * time.Second,
		runner:       execRunner{},
		logger:       logging.NewComponentLogger(logger, "mount"),
	}
	for _, opt := range opts {
		opt(monitor)
	}
	return monitor
}

// Mountpoint returns the path the monitor watches.
func (m *Monitor) Mountpoint() string {
	return m.mountpoint
}

// Healthy reports whether the mountpoint answers a stat within the probe
// timeout. The probe runs in its own goroutine because a stale network
// mount can block stat past any deadline; on timeout the goroutine is
// abandoned and the mount declared unhealthy.
func (m *Monitor) Healthy(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := os.Stat(m.mountpoint)
		done <- err
	}()

	select {
	case err := <-done:
		return err == nil
	case <-probeCtx.Done():
		return false
	}
}

// TryRemount recovers a stale mount: lazy-unmount to clear it, a short
// settle pause, then mount by mountpoint so the fstab entry supplies the
// source and options. Returns whether the mount probes healthy afterwards.
func (m *Monitor) TryRemount(ctx context.Context) bool {
	if m.Healthy(ctx) {
		return true
	}

	m.logger.Info("mount stale, attempting remount", logging.String("mountpoint", m.mountpoint))

	unmountCtx, cancel := context.WithTimeout(ctx, unmountTimeout)
	if err := m.runner.Run(unmountCtx, "sudo", "umount", "-l", m.mountpoint); err != nil {
		// Fails when nothing is mounted; the mount attempt decides.
		m.logger.Debug("lazy unmount failed", logging.Error(err))
	}
	cancel()

	select {
	case <-time.After(m.remountPause):
	case <-ctx.Done():
		return false
	}

	mountCtx, cancel := context.WithTimeout(ctx, mountTimeout)
	defer cancel()
	if err := m.runner.Run(mountCtx, "sudo", "mount", m.mountpoint); err != nil {
		logging.WarnWithContext(m.logger, "remount failed", "mount_remount_failed",
			logging.String("mountpoint", m.mountpoint),
			logging.Error(err),
			logging.String(logging.FieldImpact, "frames stay on local fallback storage"),
			logging.String(logging.FieldErrorHint, "check the fstab entry and network path"))
		return false
	}

	healthy := m.Healthy(ctx)
	if healthy {
		m.logger.Info("remount successful", logging.String("mountpoint", m.mountpoint))
	} else {
		logging.WarnWithContext(m.logger, "mount still unhealthy after remount", "mount_still_stale",
			logging.String("mountpoint", m.mountpoint),
			logging.String(logging.FieldImpact, "frames stay on local fallback storage"),
			logging.String(logging.FieldErrorHint, "inspect the share from another host"))
	}
	return healthy
}

// EnsureHealthy returns true when the mount is healthy, remounting first if
// needed.
func (m *Monitor) EnsureHealthy(ctx context.Context) bool {
	if m.Healthy(ctx) {
		return true
	}
	return m.TryRemount(ctx)
}
