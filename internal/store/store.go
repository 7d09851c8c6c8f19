package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/printlapse/printlapse/internal/config"
	"github.com/printlapse/printlapse/internal/fileutil"
	"github.com/printlapse/printlapse/internal/logging"
	"github.com/printlapse/printlapse/internal/markers"
	"github.com/printlapse/printlapse/internal/services"
)

// Tier identifies which storage tier holds a file.
type Tier string

const (
	TierPrimary  Tier = "primary"
	TierFallback Tier = "fallback"
)

const (
	// FramesDirName is the per-session subdirectory holding frames.
	FramesDirName = "frames"
	// EncodingLogName is the per-session encoder log file.
	EncodingLogName = "encoding.log"

	// FramePattern is the printf-style frame sequence name; gapless
	// indices let ffmpeg consume it directly as an image-sequence input.
	FramePattern = "frame_%06d.jpg"

	frameGlob = "frame_*.jpg"

	diskWarnInterval = 5 * time.Minute
)

// FrameName returns the canonical file name for a frame index.
func FrameName(index int) string {
	return fmt.Sprintf(FramePattern, index)
}

// VideoName returns the session's video artifact file name.
func VideoName(session string) string {
	return session + ".mp4"
}

// FrameFiles lists the frame files in a frames directory, sorted by name.
// A missing directory yields an empty list.
func FrameFiles(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, frameGlob))
	if err != nil {
		return nil, fmt.Errorf("list frames in %s: %w", dir, err)
	}
	sort.Strings(matches)
	return matches, nil
}

// Store writes frames to the primary tier while it is healthy and to the
// local fallback otherwise. Health flips to unhealthy on the first failed
// primary write and back to healthy only when the caller says so (after a
// mount probe), so one stalled copy never stalls the whole capture loop
// twice.
type Store struct {
	primaryRoot    string
	fallbackRoot   string
	copyTimeout    time.Duration
	minFreeBytes   uint64
	reconcilePause time.Duration

	logger   *slog.Logger
	diskWarn *rate.Limiter
	alerter  Alerter

	copyBounded func(ctx context.Context, src, dst string) error
	freeBytes   func(path string) (uint64, error)

	mu             sync.Mutex
	primaryHealthy bool
}

// Alerter receives out-of-band storage alerts. DiskFull fires at most once
// per warn interval; implementations must not block.
type Alerter interface {
	DiskFull(freeMB, minFreeMB uint64)
}

// Option customizes a Store.
type Option func(*Store)

// WithAlerter wires storage alerts to the operator.
func WithAlerter(alerter Alerter) Option {
	return func(s *Store) {
		s.alerter = alerter
	}
}

// WithCopyFunc overrides the bounded copy primitive, primarily for tests.
func WithCopyFunc(copyFunc func(ctx context.Context, src, dst string) error) Option {
	return func(s *Store) {
		if copyFunc != nil {
			s.copyBounded = copyFunc
		}
	}
}

// WithFreeBytesFunc overrides free-space probing, primarily for tests.
func WithFreeBytesFunc(freeBytes func(path string) (uint64, error)) Option {
	return func(s *Store) {
		if freeBytes != nil {
			s.freeBytes = freeBytes
		}
	}
}

// WithReconcilePause overrides the settle time between reconciled frames.
func WithReconcilePause(pause time.Duration) Option {
	return func(s *Store) {
		if pause >= 0 {
			s.reconcilePause = pause
		}
	}
}

// New constructs a Store from configuration. The primary tier starts out
// assumed healthy; the first failed write or mount probe corrects that.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Store{
		primaryRoot:    cfg.Storage.PrimaryDir,
		fallbackRoot:   cfg.Storage.FallbackDir,
		copyTimeout:    time.Duration(cfg.Storage.CopyTimeout) * time.Second,
		minFreeBytes:   uint64(cfg.Storage.MinFreeMB) * 1024 * 1024,
		reconcilePause: 100 * time.Millisecond,
		logger:         logging.NewComponentLogger(logger, "store"),
		diskWarn:       rate.NewLimiter(rate.Every(diskWarnInterval), 1),
		copyBounded:    boundedVerifiedCopy,
		freeBytes:      statfsFreeBytes,
		primaryHealthy: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PrimaryRoot returns the primary tier root directory.
func (s *Store) PrimaryRoot() string { return s.primaryRoot }

// FallbackRoot returns the fallback tier root directory.
func (s *Store) FallbackRoot() string { return s.fallbackRoot }

// SessionDir returns the session directory on the given tier.
func (s *Store) SessionDir(tier Tier, session string) string {
	return filepath.Join(s.root(tier), session)
}

// FramesDir returns the frames directory on the given tier.
func (s *Store) FramesDir(tier Tier, session string) string {
	return filepath.Join(s.root(tier), session, FramesDirName)
}

// VideoPath returns the session video path on the given tier.
func (s *Store) VideoPath(tier Tier, session string) string {
	return filepath.Join(s.root(tier), session, VideoName(session))
}

// EncodingLogPath returns the session encoder log path on the given tier.
func (s *Store) EncodingLogPath(tier Tier, session string) string {
	return filepath.Join(s.root(tier), session, EncodingLogName)
}

func (s *Store) root(tier Tier) string {
	if tier == TierFallback {
		return s.fallbackRoot
	}
	return s.primaryRoot
}

// PrimaryHealthy reports the current primary tier health flag.
func (s *Store) PrimaryHealthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.primaryHealthy
}

// SetPrimaryHealthy updates the health flag and reports whether it changed.
func (s *Store) SetPrimaryHealthy(healthy bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.primaryHealthy != healthy
	s.primaryHealthy = healthy
	return changed
}

// ActiveTier returns the tier new session data currently lands on.
func (s *Store) ActiveTier() Tier {
	if s.PrimaryHealthy() {
		return TierPrimary
	}
	return TierFallback
}

// EnsureSession creates the session's frames directory on the active tier
// and returns the tier used.
func (s *Store) EnsureSession(session string) (Tier, error) {
	if s.PrimaryHealthy() {
		if err := os.MkdirAll(s.FramesDir(TierPrimary, session), 0o755); err == nil {
			return TierPrimary, nil
		} else if s.SetPrimaryHealthy(false) {
			s.warnFallbackEngaged(session, err)
		}
	}
	if err := os.MkdirAll(s.FramesDir(TierFallback, session), 0o755); err != nil {
		return "", services.Wrap(nil, "store", "ensure session", "create fallback session directory", err)
	}
	return TierFallback, nil
}

// WriteFrame stores one captured frame. The primary attempt runs under the
// copy deadline; any primary failure flips health and the frame diverts to
// the fallback, which first checks the local free-space margin. A frame
// dropped for lack of space surfaces as a disk-full error.
func (s *Store) WriteFrame(ctx context.Context, session string, index int, src string) (Tier, error) {
	name := FrameName(index)

	if s.PrimaryHealthy() {
		copyCtx, cancel := context.WithTimeout(ctx, s.copyTimeout)
		err := s.copyBounded(copyCtx, src, filepath.Join(s.FramesDir(TierPrimary, session), name))
		cancel()
		if err == nil {
			return TierPrimary, nil
		}
		if s.SetPrimaryHealthy(false) {
			s.warnFallbackEngaged(session, err)
		}
	}

	return s.writeFallback(session, name, src)
}

func (s *Store) writeFallback(session, name, src string) (Tier, error) {
	framesDir := s.FramesDir(TierFallback, session)
	if err := os.MkdirAll(framesDir, 0o755); err != nil {
		return "", services.Wrap(nil, "store", "write frame", "create fallback frames directory", err)
	}

	free, err := s.freeBytes(s.fallbackRoot)
	if err != nil {
		return "", services.Wrap(services.ErrDiskFull, "store", "write frame", "probe fallback free space", err)
	}
	if free < s.minFreeBytes {
		if s.diskWarn.Allow() {
			logging.WarnWithContext(s.logger, "local disk low on space, dropping frames", "storage_disk_full",
				logging.String(logging.FieldSession, session),
				logging.Uint64("free_mb", free/(1024*1024)),
				logging.Uint64("min_free_mb", s.minFreeBytes/(1024*1024)),
				logging.String(logging.FieldImpact, "frames are lost until space is freed or the mount recovers"),
				logging.String(logging.FieldErrorHint, "free space on the local disk or repair the primary mount"))
			if s.alerter != nil {
				s.alerter.DiskFull(free/(1024*1024), s.minFreeBytes/(1024*1024))
			}
		}
		return "", services.Wrap(services.ErrDiskFull, "store", "write frame",
			fmt.Sprintf("fallback has %d MB free, need %d MB", free/(1024*1024), s.minFreeBytes/(1024*1024)), nil)
	}

	if err := fileutil.CopyFileVerified(src, filepath.Join(framesDir, name)); err != nil {
		return "", services.Wrap(nil, "store", "write frame", "fallback copy failed", err)
	}
	return TierFallback, nil
}

// FinalizeSession writes the ready-for-encoding marker next to the
// session's frames: on the primary when it is healthy and already has the
// session directory, otherwise on the fallback copy so reconciliation can
// promote it later.
func (s *Store) FinalizeSession(session string) (Tier, error) {
	if s.PrimaryHealthy() {
		dir := s.SessionDir(TierPrimary, session)
		if dirExists(dir) {
			if err := markers.Write(dir, markers.Ready); err == nil {
				return TierPrimary, nil
			} else if s.SetPrimaryHealthy(false) {
				s.warnFallbackEngaged(session, err)
			}
		}
	}

	dir := s.SessionDir(TierFallback, session)
	if !dirExists(dir) {
		return "", services.Wrap(services.ErrNotFound, "store", "finalize session",
			fmt.Sprintf("session %s has no directory on either tier", session), nil)
	}
	if err := markers.Write(dir, markers.Ready); err != nil {
		return "", services.Wrap(nil, "store", "finalize session", "write ready marker on fallback", err)
	}
	return TierFallback, nil
}

// FallbackSessions lists session directories currently parked on the
// fallback tier, sorted by name. A missing fallback root yields an empty
// list.
func (s *Store) FallbackSessions() ([]string, error) {
	entries, err := os.ReadDir(s.fallbackRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list fallback sessions: %w", err)
	}
	var sessions []string
	for _, entry := range entries {
		if entry.IsDir() {
			sessions = append(sessions, entry.Name())
		}
	}
	sort.Strings(sessions)
	return sessions, nil
}

func (s *Store) warnFallbackEngaged(session string, err error) {
	logging.WarnWithContext(s.logger, "primary store unavailable, switching to local fallback", "storage_fallback_engaged",
		logging.String(logging.FieldSession, session),
		logging.Error(err),
		logging.String(logging.FieldImpact, "frames buffer on local disk until the mount recovers"),
		logging.String(logging.FieldErrorHint, "check the network mount"))
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// boundedVerifiedCopy creates the destination directory and runs a verified
// copy inside the context deadline. The work happens in its own goroutine
// because a stale network mount can block mkdir or write indefinitely; on
// timeout the straggler is abandoned.
func boundedVerifiedCopy(ctx context.Context, src, dst string) error {
	done := make(chan error, 1)
	go func() {
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			done <- err
			return
		}
		done <- fileutil.CopyFileVerified(src, dst)
	}()
	select {
	case <-ctx.Done():
		return services.Wrap(services.ErrTimeout, "store", "copy",
			fmt.Sprintf("copy to %s exceeded deadline", dst), ctx.Err())
	case err := <-done:
		return err
	}
}

func statfsFreeBytes(path string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}
