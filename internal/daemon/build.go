package daemon

import (
	"context"
	"fmt"

	"log/slog"

	"github.com/printlapse/printlapse/internal/camera"
	"github.com/printlapse/printlapse/internal/capture"
	"github.com/printlapse/printlapse/internal/config"
	"github.com/printlapse/printlapse/internal/encoding"
	"github.com/printlapse/printlapse/internal/ledger"
	"github.com/printlapse/printlapse/internal/mount"
	"github.com/printlapse/printlapse/internal/notifications"
	"github.com/printlapse/printlapse/internal/printer"
	"github.com/printlapse/printlapse/internal/store"
	"github.com/printlapse/printlapse/internal/uploader"
)

// Build assembles the production component graph and returns a daemon
// ready to Start. The caller owns the returned daemon and must Close it.
func Build(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	notifier := notifications.NewService(cfg, logger)

	history, err := ledger.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open session ledger: %w", err)
	}

	frames := store.New(cfg, logger, store.WithAlerter(storageAlerts{notifier: notifier}))
	monitor := mount.NewMonitor(cfg, logger)
	poller := printer.NewClient(cfg)
	cam := camera.New(cfg)

	controller := capture.NewController(cfg, cam, frames, logger,
		capture.WithHistory(history),
		capture.WithNotifier(notifier))
	loop := capture.NewLoop(cfg, controller, poller, monitor, frames, logger)

	coordinator := encoding.NewCoordinator(cfg, frames, encoding.NewEncoder(cfg, logger), logger,
		encoding.WithHealthProbe(monitor),
		encoding.WithHistory(history),
		encoding.WithNotifier(notifier))

	uploads := uploader.NewService(cfg, cam, uploader.NewClient(cfg), logger)

	d, err := New(cfg, logger, Components{
		Frames:     frames,
		Controller: controller,
		Capture:    loop,
		Encoding:   coordinator,
		Uploader:   uploads,
		Notifier:   notifier,
		History:    history,
	})
	if err != nil {
		_ = history.Close()
		return nil, err
	}
	return d, nil
}

// storageAlerts forwards disk-full onsets from the frame store to the
// notifier. The store fires on the capture hot path, so delivery happens
// on its own goroutine.
type storageAlerts struct {
	notifier notifications.Service
}

func (a storageAlerts) DiskFull(freeMB, minFreeMB uint64) {
	go a.notifier.DiskFull(context.Background(), freeMB, minFreeMB)
}
