package encoding

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/printlapse/printlapse/internal/config"
	"github.com/printlapse/printlapse/internal/logging"
	"github.com/printlapse/printlapse/internal/markers"
	"github.com/printlapse/printlapse/internal/services"
	"github.com/printlapse/printlapse/internal/store"
)

// SessionEncoder produces a session's video artifact.
type SessionEncoder interface {
	Encode(ctx context.Context, session, sessionDir string) (Result, error)
}

// HealthProbe gates encode cycles on primary storage health.
type HealthProbe interface {
	Healthy(ctx context.Context) bool
}

// Notifier publishes encode outcomes to the operator.
type Notifier interface {
	EncodeCompleted(ctx context.Context, session string, result Result, elapsed time.Duration)
	EncodeFailed(ctx context.Context, session, reason string)
}

type noopNotifier struct{}

func (noopNotifier) EncodeCompleted(context.Context, string, Result, time.Duration) {}

func (noopNotifier) EncodeFailed(context.Context, string, string) {}

// HistoryRecorder receives encode outcomes for the local ledger. Recording
// is best effort and never blocks the loop.
type HistoryRecorder interface {
	RecordEncodeFinished(ctx context.Context, session, outcome string, elapsed time.Duration, detail string) error
}

// Coordinator owns the encoding side of the marker protocol: it scans for
// ready sessions, claims them one at a time, and records the outcome. Only
// one encode runs at a time.
type Coordinator struct {
	frames   *store.Store
	encoder  SessionEncoder
	health   HealthProbe
	history  HistoryRecorder
	notifier Notifier
	logger   *slog.Logger

	enabled      bool
	scanInterval time.Duration
	staleAfter   time.Duration

	mu        sync.Mutex
	current   string
	last      string
	lastState string
	completed int
	failed    int
}

// CoordinatorOption customizes optional coordinator collaborators.
type CoordinatorOption func(*Coordinator)

// WithHealthProbe gates scan cycles on the primary mount's health.
func WithHealthProbe(probe HealthProbe) CoordinatorOption {
	return func(c *Coordinator) {
		c.health = probe
	}
}

// WithHistory wires the encode ledger.
func WithHistory(history HistoryRecorder) CoordinatorOption {
	return func(c *Coordinator) {
		c.history = history
	}
}

// WithNotifier wires operator notifications.
func WithNotifier(notifier Notifier) CoordinatorOption {
	return func(c *Coordinator) {
		if notifier != nil {
			c.notifier = notifier
		}
	}
}

// NewCoordinator builds the encoding coordinator.
func NewCoordinator(cfg *config.Config, frames *store.Store, encoder SessionEncoder, logger *slog.Logger, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		frames:       frames,
		encoder:      encoder,
		notifier:     noopNotifier{},
		logger:       logging.NewComponentLogger(logger, "encoding"),
		enabled:      cfg.Encoding.Enabled,
		scanInterval: time.Duration(cfg.Encoding.ScanInterval) * time.Second,
		staleAfter:   time.Duration(cfg.Encoding.StaleAfter) * time.Hour,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run recovers stale state once, then scans on the configured cadence
// until the context is canceled.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.enabled {
		c.logger.Info("video encoding disabled in configuration")
		<-ctx.Done()
		return ctx.Err()
	}

	c.logger.Info("encoding loop started",
		logging.Duration("scan_interval", c.scanInterval),
		logging.Duration("stale_after", c.staleAfter))
	c.RecoverStale(ctx)

	ticker := time.NewTicker(c.scanInterval)
	defer ticker.Stop()
	for {
		c.runCycle(ctx)
		select {
		case <-ctx.Done():
			c.logger.Info("encoding loop stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) runCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("encode cycle panicked",
				logging.Any("panic", r),
				logging.String("stack", string(debug.Stack())))
		}
	}()
	c.RunOnce(ctx)
}

// RunOnce performs one scan-and-encode pass and reports how many sessions
// were encoded successfully.
func (c *Coordinator) RunOnce(ctx context.Context) int {
	if c.health != nil && !c.health.Healthy(ctx) {
		c.logger.Debug("skipping encode cycle, primary storage unhealthy")
		return 0
	}

	pending, err := c.Pending()
	if err != nil {
		c.logger.Debug("could not scan for pending sessions", logging.Error(err))
		return 0
	}
	if len(pending) == 0 {
		return 0
	}

	c.logger.Info("sessions ready for encoding", logging.Int("count", len(pending)))
	encoded := 0
	for _, session := range pending {
		if ctx.Err() != nil {
			return encoded
		}
		if c.encodeSession(ctx, session) {
			encoded++
		}
	}
	return encoded
}

// Pending lists sessions eligible for encoding, sorted by name: ready
// marker present, no finished video, at least one frame. A session with a
// finished video but a leftover ready marker is repaired in passing.
func (c *Coordinator) Pending() ([]string, error) {
	entries, err := os.ReadDir(c.frames.PrimaryRoot())
	if err != nil {
		return nil, err
	}

	var pending []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		session := entry.Name()
		dir := c.frames.SessionDir(store.TierPrimary, session)
		state := markers.Scan(dir)
		if state == markers.StateComplete && markers.Has(dir, markers.Ready) {
			// Leftover from an interrupted completion.
			_ = markers.Remove(dir, markers.Ready)
			continue
		}
		if state != markers.StateReady {
			continue
		}
		if _, err := os.Stat(c.frames.VideoPath(store.TierPrimary, session)); err == nil {
			// The video already exists; promote straight to complete.
			if err := markers.Transition(dir, markers.Ready, markers.Complete); err == nil {
				c.logger.Info("found finished video, marking session complete",
					logging.String(logging.FieldSession, session))
			}
			continue
		}
		frames, err := store.FrameFiles(c.frames.FramesDir(store.TierPrimary, session))
		if err != nil || len(frames) == 0 {
			// An empty session is never claimed.
			continue
		}
		pending = append(pending, session)
	}
	sort.Strings(pending)
	return pending, nil
}

// RecoverStale reclaims sessions a crashed encoder left in-progress past
// the staleness threshold (deleting their partial videos), and derives
// markers for sessions abandoned without one: an existing video yields
// encoding-complete, a quiescent frame set yields ready-for-encoding.
func (c *Coordinator) RecoverStale(ctx context.Context) int {
	entries, err := os.ReadDir(c.frames.PrimaryRoot())
	if err != nil {
		c.logger.Debug("recovery scan skipped", logging.Error(err))
		return 0
	}

	recovered := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return recovered
		}
		if !entry.IsDir() {
			continue
		}
		session := entry.Name()
		dir := c.frames.SessionDir(store.TierPrimary, session)
		switch markers.Scan(dir) {
		case markers.StateInProgress:
			if c.reclaimStale(dir, session) {
				recovered++
			}
		case markers.StateNone:
			if c.deriveMarker(dir, session) {
				recovered++
			}
		}
	}
	return recovered
}

func (c *Coordinator) reclaimStale(dir, session string) bool {
	age, err := markers.Age(dir, markers.InProgress, time.Now())
	if err != nil || age < c.staleAfter {
		return false
	}
	video := c.frames.VideoPath(store.TierPrimary, session)
	if err := os.Remove(video); err == nil {
		c.logger.Info("deleted partial video from stale encode",
			logging.String(logging.FieldSession, session))
	}
	if err := markers.Transition(dir, markers.InProgress, markers.Ready); err != nil {
		logging.WarnWithContext(c.logger, "could not reclaim stale session", "stale_reclaim_failed",
			logging.String(logging.FieldSession, session),
			logging.Error(err),
			logging.String(logging.FieldImpact, "session stays stuck until the marker is fixed by hand"))
		return false
	}
	c.logger.Info("reclaimed stale encoding session",
		logging.String(logging.FieldSession, session),
		logging.Duration("stuck_for", age.Round(time.Minute)))
	return true
}

func (c *Coordinator) deriveMarker(dir, session string) bool {
	if _, err := os.Stat(c.frames.VideoPath(store.TierPrimary, session)); err == nil {
		if err := markers.Write(dir, markers.Complete); err != nil {
			return false
		}
		c.logger.Info("derived complete marker from existing video",
			logging.String(logging.FieldSession, session))
		return true
	}

	framesDir := c.frames.FramesDir(store.TierPrimary, session)
	frames, err := store.FrameFiles(framesDir)
	if err != nil || len(frames) == 0 {
		return false
	}
	// Only derive for quiescent sessions: a directory the capture loop is
	// still writing to has no marker either, and it is not ours to claim.
	info, err := os.Stat(framesDir)
	if err != nil || time.Since(info.ModTime()) < c.staleAfter {
		return false
	}
	if err := markers.Write(dir, markers.Ready); err != nil {
		logging.WarnWithContext(c.logger, "could not derive ready marker", "marker_derive_failed",
			logging.String(logging.FieldSession, session),
			logging.Error(err),
			logging.String(logging.FieldImpact, "abandoned frames stay unencoded"))
		return false
	}
	c.logger.Info("derived ready marker for abandoned session",
		logging.String(logging.FieldSession, session),
		logging.Int("frames", len(frames)))
	return true
}

func (c *Coordinator) encodeSession(ctx context.Context, session string) bool {
	dir := c.frames.SessionDir(store.TierPrimary, session)
	if err := markers.Transition(dir, markers.Ready, markers.InProgress); err != nil {
		// Another encoder process won the claim.
		c.logger.Debug("session claim lost",
			logging.String(logging.FieldSession, session),
			logging.Error(err))
		return false
	}

	c.setCurrent(session)
	defer c.setCurrent("")
	c.logger.Info("encoding session", logging.String(logging.FieldSession, session))

	start := time.Now()
	result, err := c.encoder.Encode(ctx, session, dir)
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown, not a session failure: put the claim back so the
			// next run picks it up again.
			if terr := markers.Transition(dir, markers.InProgress, markers.Ready); terr != nil {
				logging.WarnWithContext(c.logger, "could not requeue interrupted session", "marker_write_failed",
					logging.String(logging.FieldSession, session),
					logging.Error(terr),
					logging.String(logging.FieldImpact, "stale recovery reclaims the session on the next start"))
			} else {
				c.logger.Info("encode interrupted by shutdown, session requeued",
					logging.String(logging.FieldSession, session))
			}
			return false
		}
		logging.ErrorWithContext(c.logger, "encode failed", "encode_failed",
			logging.String(logging.FieldSession, session),
			logging.String("failure_kind", services.FailureKind(err)),
			logging.Duration("elapsed", elapsed.Round(time.Second)),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "see the session's encoding.log; requeue with 'printlapse encode --retry-failed'"))
		if terr := markers.Transition(dir, markers.InProgress, markers.Failed); terr != nil {
			logging.WarnWithContext(c.logger, "could not mark session failed", "marker_write_failed",
				logging.String(logging.FieldSession, session),
				logging.Error(terr),
				logging.String(logging.FieldImpact, "the session may be retried as if it never ran"))
		}
		c.recordOutcome(ctx, session, "failed", elapsed, err.Error())
		c.notifier.EncodeFailed(ctx, session, services.FailureKind(err))
		return false
	}

	if terr := markers.Transition(dir, markers.InProgress, markers.Complete); terr != nil {
		// The video exists; the next recovery pass derives completion
		// from it.
		logging.WarnWithContext(c.logger, "could not mark session complete", "marker_write_failed",
			logging.String(logging.FieldSession, session),
			logging.Error(terr),
			logging.String(logging.FieldImpact, "recovery will re-derive completion from the video"))
	}
	c.logger.Info("session encoded",
		logging.String(logging.FieldSession, session),
		logging.Int("frames", result.Frames),
		logging.Uint64("size_mb", uint64(result.SizeBytes)/(1024*1024)),
		logging.Duration("elapsed", elapsed.Round(time.Second)))
	c.recordOutcome(ctx, session, "complete", elapsed, filepath.Base(result.VideoPath))
	c.notifier.EncodeCompleted(ctx, session, result, elapsed)
	return true
}

func (c *Coordinator) recordOutcome(ctx context.Context, session, outcome string, elapsed time.Duration, detail string) {
	c.mu.Lock()
	c.last = session
	c.lastState = outcome
	if outcome == "complete" {
		c.completed++
	} else {
		c.failed++
	}
	c.mu.Unlock()

	if c.history == nil {
		return
	}
	if err := c.history.RecordEncodeFinished(ctx, session, outcome, elapsed, detail); err != nil {
		c.logger.Debug("encode history write failed", logging.Error(err))
	}
}

func (c *Coordinator) setCurrent(session string) {
	c.mu.Lock()
	c.current = session
	c.mu.Unlock()
}

// Snapshot describes the coordinator for status reporting.
type Snapshot struct {
	Enabled     bool   `json:"enabled"`
	Encoding    string `json:"encoding,omitempty"`
	LastSession string `json:"last_session,omitempty"`
	LastOutcome string `json:"last_outcome,omitempty"`
	Completed   int    `json:"completed"`
	Failed      int    `json:"failed"`
}

// Snapshot returns a copy of the coordinator's counters.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Enabled:     c.enabled,
		Encoding:    c.current,
		LastSession: c.last,
		LastOutcome: c.lastState,
		Completed:   c.completed,
		Failed:      c.failed,
	}
}
