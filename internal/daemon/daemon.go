package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/gofrs/flock"

	"github.com/printlapse/printlapse/internal/capture"
	"github.com/printlapse/printlapse/internal/config"
	"github.com/printlapse/printlapse/internal/encoding"
	"github.com/printlapse/printlapse/internal/ledger"
	"github.com/printlapse/printlapse/internal/logging"
	"github.com/printlapse/printlapse/internal/markers"
	"github.com/printlapse/printlapse/internal/notifications"
	"github.com/printlapse/printlapse/internal/store"
	"github.com/printlapse/printlapse/internal/uploader"
)

// Components bundles the services the daemon supervises. Frames, the
// capture pair, the encoding coordinator, and the uploader are required;
// Notifier defaults to the configured service and History may be nil.
type Components struct {
	Frames     *store.Store
	Controller *capture.Controller
	Capture    *capture.Loop
	Encoding   *encoding.Coordinator
	Uploader   *uploader.Service
	Notifier   notifications.Service
	History    *ledger.Ledger
}

// Daemon runs the background loops and enforces single-instance execution.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger
	parts  Components

	lockPath string
	lock     *flock.Flock
	pidPath  string
	watcher  *cameraWatcher

	running atomic.Bool
	started time.Time
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a daemon around already-built components.
func New(cfg *config.Config, logger *slog.Logger, parts Components) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires config")
	}
	if parts.Frames == nil || parts.Controller == nil || parts.Capture == nil ||
		parts.Encoding == nil || parts.Uploader == nil {
		return nil, errors.New("daemon requires frame store, capture, encoding, and uploader components")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if parts.Notifier == nil {
		parts.Notifier = notifications.NewService(cfg, logger)
	}

	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		parts:    parts,
		lockPath: cfg.LockFilePath(),
		lock:     flock.New(cfg.LockFilePath()),
		pidPath:  cfg.PIDFilePath(),
	}
	d.watcher = newCameraWatcher(logger, parts.Notifier, func() string {
		return d.parts.Controller.Snapshot().Session
	})
	return d, nil
}

// Start acquires the single-instance lock, writes the PID file, and
// launches the loops under a child context.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another printlapse instance is already running")
	}
	if err := writePIDFile(d.pidPath); err != nil {
		_ = d.lock.Unlock()
		return fmt.Errorf("write pid file: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.started = time.Now()

	d.launch(runCtx, "capture", d.parts.Capture.Run)
	d.launch(runCtx, "encoding", d.parts.Encoding.Run)
	d.launch(runCtx, "uploader", d.parts.Uploader.Run)
	d.watcher.Start(runCtx)

	d.running.Store(true)
	d.logger.Info("printlapse daemon started",
		logging.String("lock", d.lockPath),
		logging.Int("pid", os.Getpid()))
	return nil
}

// launch supervises one loop goroutine. Loops exit with the context error
// on shutdown; anything else is a defect worth surfacing.
func (d *Daemon) launch(ctx context.Context, name string, run func(context.Context) error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		err := run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.ErrorWithContext(d.logger, "service loop exited early", "loop_exited",
				logging.String("loop", name),
				logging.Error(err),
				logging.String(logging.FieldImpact, "the "+name+" loop is no longer running"),
				logging.String(logging.FieldErrorHint, "restart the daemon"))
		}
	}()
}

// Stop cancels the loops, waits for them to drain, and releases the lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.wg.Wait()
	d.watcher.Stop()

	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	if err := os.Remove(d.pidPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		d.logger.Warn("failed to remove pid file", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("printlapse daemon stopped")
}

// Close stops the daemon and releases held resources.
func (d *Daemon) Close() error {
	d.Stop()
	if d.parts.History != nil {
		return d.parts.History.Close()
	}
	return nil
}

// Status represents daemon runtime information.
type Status struct {
	Running          bool
	PID              int
	StartedAt        time.Time
	Capture          capture.Snapshot
	Encoding         encoding.Snapshot
	Uploader         uploader.Snapshot
	PrimaryHealthy   bool
	ActiveTier       string
	PendingEncodes   []string
	FallbackSessions []string
	LockPath         string
	LedgerPath       string
}

// Status returns the current daemon status.
func (d *Daemon) Status() Status {
	st := Status{
		Running:        d.running.Load(),
		PID:            os.Getpid(),
		StartedAt:      d.started,
		Capture:        d.parts.Controller.Snapshot(),
		Encoding:       d.parts.Encoding.Snapshot(),
		Uploader:       d.parts.Uploader.Snapshot(),
		PrimaryHealthy: d.parts.Frames.PrimaryHealthy(),
		ActiveTier:     string(d.parts.Frames.ActiveTier()),
		LockPath:       d.lockPath,
		LedgerPath:     d.cfg.LedgerPath(),
	}
	if ready, err := readySessions(d.parts.Frames.PrimaryRoot()); err == nil {
		st.PendingEncodes = ready
	}
	if fallback, err := d.parts.Frames.FallbackSessions(); err == nil {
		st.FallbackSessions = fallback
	}
	return st
}

// readySessions lists sessions whose marker state is ready. Unlike the
// coordinator's scan this never claims or repairs anything, so it is safe
// to call from the IPC path while an encode cycle runs.
func readySessions(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var ready []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if markers.Scan(filepath.Join(root, entry.Name())) == markers.StateReady {
			ready = append(ready, entry.Name())
		}
	}
	sort.Strings(ready)
	return ready, nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}
