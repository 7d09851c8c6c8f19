package daemon

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/pilebones/go-udev/netlink"

	"github.com/printlapse/printlapse/internal/logging"
	"github.com/printlapse/printlapse/internal/notifications"
)

// cameraWatcher listens for udev netlink events on the video4linux
// subsystem and reports camera availability transitions. A camera that
// vanishes mid-session triggers an operator notification; the capture
// loop keeps running and logs its own failures either way, so the
// watcher is purely observability.
type cameraWatcher struct {
	logger        *slog.Logger
	notifier      notifications.Service
	activeSession func() string

	mu      sync.Mutex
	conn    *netlink.UEventConn
	quit    chan struct{}
	running bool
}

// newCameraWatcher creates a watcher for camera add/remove events.
// activeSession reports the name of the session currently capturing, or
// empty when idle.
func newCameraWatcher(logger *slog.Logger, notifier notifications.Service, activeSession func() string) *cameraWatcher {
	return &cameraWatcher{
		logger:        logging.NewComponentLogger(logger, "camera-watcher"),
		notifier:      notifier,
		activeSession: activeSession,
	}
}

// Start begins listening for udev netlink events. Failure to open the
// netlink socket is non-fatal; the daemon simply runs without hotplug
// visibility.
func (w *cameraWatcher) Start(ctx context.Context) {
	if w == nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return
	}

	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		w.logger.Warn("failed to connect to netlink socket; camera hotplug events will not be seen",
			logging.Error(err),
			logging.String(logging.FieldEventType, "netlink_connect_failed"),
			logging.String(logging.FieldErrorHint, "ensure the daemon has permission to open netlink sockets"),
			logging.String(logging.FieldImpact, "camera disappearance goes unreported"),
		)
		return
	}

	w.conn = conn
	w.quit = make(chan struct{})
	w.running = true

	// Pass quit channel to goroutine to avoid reading w.quit without lock
	quit := w.quit
	go w.monitorLoop(ctx, quit)

	w.logger.Info("camera watcher started",
		logging.String(logging.FieldEventType, "camera_watcher_started"))
}

// Stop shuts down the camera watcher.
func (w *cameraWatcher) Stop() {
	if w == nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}

	if w.quit != nil {
		close(w.quit)
		w.quit = nil
	}

	if w.conn != nil {
		_ = w.conn.Close()
		w.conn = nil
	}

	w.running = false

	w.logger.Info("camera watcher stopped",
		logging.String(logging.FieldEventType, "camera_watcher_stopped"))
}

// Running reports whether the watcher is active.
func (w *cameraWatcher) Running() bool {
	if w == nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// monitorLoop reads netlink events and processes camera transitions.
func (w *cameraWatcher) monitorLoop(ctx context.Context, quit <-chan struct{}) {
	queue := make(chan netlink.UEvent)
	errs := make(chan error)

	matcher := w.buildMatcher()

	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()

	if conn == nil {
		return
	}

	monitorQuit := conn.Monitor(queue, errs, matcher)

	for {
		select {
		case <-ctx.Done():
			close(monitorQuit)
			return
		case <-quit:
			close(monitorQuit)
			return
		case uevent := <-queue:
			w.handleEvent(ctx, uevent)
		case err := <-errs:
			w.logger.Warn("camera watcher error",
				logging.Error(err),
				logging.String(logging.FieldEventType, "netlink_monitor_error"),
				logging.String(logging.FieldErrorHint, "check kernel netlink subsystem"),
				logging.String(logging.FieldImpact, "camera hotplug events may be missed"),
			)
		}
	}
}

// buildMatcher creates a matcher for camera hotplug events.
// Matches: SUBSYSTEM=video4linux, ACTION=add|remove
func (w *cameraWatcher) buildMatcher() netlink.Matcher {
	action := "add|remove"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &action,
		Env: map[string]string{
			"SUBSYSTEM": "video4linux",
		},
	})
	return rules
}

// handleEvent processes a matched uevent.
func (w *cameraWatcher) handleEvent(ctx context.Context, uevent netlink.UEvent) {
	device := w.extractDeviceName(uevent)
	if device == "" {
		w.logger.Debug("ignoring event without device name",
			logging.String("action", string(uevent.Action)),
			logging.String("kobj", uevent.KObj),
		)
		return
	}

	switch uevent.Action {
	case netlink.ADD:
		w.logger.Info("camera device appeared",
			logging.String(logging.FieldEventType, "camera_added"),
			logging.String("device", device),
		)
	case netlink.REMOVE:
		session := ""
		if w.activeSession != nil {
			session = w.activeSession()
		}
		if session == "" {
			w.logger.Info("camera device disappeared",
				logging.String(logging.FieldEventType, "camera_removed"),
				logging.String("device", device),
			)
			return
		}
		logging.WarnWithContext(w.logger, "camera device disappeared mid-session", "camera_removed",
			logging.String("device", device),
			logging.String(logging.FieldSession, session),
			logging.String(logging.FieldImpact, "captures will fail until the camera returns"),
			logging.String(logging.FieldErrorHint, "check the camera cable and power"))
		if w.notifier != nil {
			w.notifier.CameraGone(ctx, device)
		}
	}
}

// extractDeviceName gets the device path from a uevent.
func (w *cameraWatcher) extractDeviceName(uevent netlink.UEvent) string {
	if devname := uevent.Env["DEVNAME"]; devname != "" {
		if strings.HasPrefix(devname, "/") {
			return devname
		}
		return "/dev/" + devname
	}

	// Try to construct from DEVPATH (e.g., /devices/platform/.../video4linux/video0)
	devpath := uevent.Env["DEVPATH"]
	if devpath == "" {
		return ""
	}

	parts := strings.Split(devpath, "/")
	if len(parts) == 0 {
		return ""
	}
	return "/dev/" + parts[len(parts)-1]
}
