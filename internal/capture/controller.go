package capture

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/printlapse/printlapse/internal/config"
	"github.com/printlapse/printlapse/internal/logging"
	"github.com/printlapse/printlapse/internal/printer"
	"github.com/printlapse/printlapse/internal/store"
	"github.com/printlapse/printlapse/internal/textutil"
)

// Mode identifies the capture cadence of an open session.
type Mode int

const (
	// ModeNormal paces captures at the regular interval.
	ModeNormal Mode = iota
	// ModeFinishing paces captures faster once job progress crosses the
	// finishing threshold, so the last layers are well covered.
	ModeFinishing
	// ModePostPrint runs the fixed post-print frame extension after the
	// job leaves the active set.
	ModePostPrint
)

func (m Mode) String() string {
	switch m {
	case ModeFinishing:
		return "finishing"
	case ModePostPrint:
		return "post-print"
	default:
		return "normal"
	}
}

// Origin records how a session was started.
type Origin int

const (
	// OriginAuto means the session was opened because the printer
	// reported an active job.
	OriginAuto Origin = iota
	// OriginManual means the session was requested through the control
	// file.
	OriginManual
)

func (o Origin) String() string {
	if o == OriginManual {
		return "manual"
	}
	return "auto"
}

// stopReason names why a session left the active set. A manual session
// ends because the operator cleared the control file, not because a print
// finished.
func stopReason(o Origin) string {
	if o == OriginManual {
		return "recording_stopped"
	}
	return "print_finished"
}

// Session is the in-memory state of one open recording.
type Session struct {
	Name   string
	Origin Origin
	// JobID is the Connect job identifier for auto sessions, nil for
	// manual ones.
	JobID *int64
	Tier  store.Tier
	Mode  Mode
	// FrameCount is the number of successfully stored frames. It doubles
	// as the next frame index: a failed capture retries the same index,
	// so indices on disk are always gapless.
	FrameCount    int
	CaptureOK     int
	CaptureFailed int
	// PostPrintCaptured and PostPrintFailures track the post-print
	// extension. Failures reset on every success; only a consecutive run
	// aborts the extension.
	PostPrintCaptured    int
	PostPrintFailures    int
	StartedAt            time.Time
	LastCapture          time.Time
	LastPostPrintCapture time.Time
}

// State is the controller state threaded through ticks. Session is nil
// between recordings.
type State struct {
	Session *Session
	// NotActiveTicks counts consecutive ticks without an active job while
	// a session is open. The session closes only once it reaches the
	// configured debounce threshold.
	NotActiveTicks int
}

// Tick carries one poll-loop iteration's inputs. Status is nil when the
// poll failed; the controller then skips the tick entirely so a flaky API
// never tears down a session.
type Tick struct {
	Now    time.Time
	Status *printer.Status
	// Manual is the trimmed control-file content, empty when no manual
	// session is requested.
	Manual string
}

// FrameSource produces one still image per call and returns the path of
// the temporary file it wrote.
type FrameSource interface {
	Capture(ctx context.Context) (string, error)
}

// FrameStore persists frames and session markers across the storage tiers.
type FrameStore interface {
	EnsureSession(session string) (store.Tier, error)
	WriteFrame(ctx context.Context, session string, index int, src string) (store.Tier, error)
	FinalizeSession(session string) (store.Tier, error)
}

// HistoryRecorder receives session lifecycle events for the local ledger.
// Recording is best effort; errors are logged and never block capture.
type HistoryRecorder interface {
	RecordSessionStarted(ctx context.Context, session, origin string, jobID *int64) error
	RecordSessionFinalized(ctx context.Context, session string, frames, failed int, reason string) error
}

// Notifier publishes session lifecycle events to the operator.
type Notifier interface {
	SessionStarted(ctx context.Context, session, origin string)
	SessionFinalized(ctx context.Context, session string, frames int)
}

type noopNotifier struct{}

func (noopNotifier) SessionStarted(context.Context, string, string) {}

func (noopNotifier) SessionFinalized(context.Context, string, int) {}

const captureRateLogEvery = 100

// Controller applies one tick of session logic at a time. It is safe for
// concurrent use: the poll loop drives HandleTick while the IPC server
// reads Snapshot.
type Controller struct {
	camera   FrameSource
	frames   FrameStore
	history  HistoryRecorder
	notifier Notifier
	logger   *slog.Logger

	pollInterval         time.Duration
	captureInterval      time.Duration
	finishingThreshold   float64
	finishingInterval    time.Duration
	postPrintFrames      int
	postPrintInterval    time.Duration
	postPrintMaxFailures int
	debounceTicks        int

	mu    sync.Mutex
	state State
}

// ControllerOption customizes optional controller collaborators.
type ControllerOption func(*Controller)

// WithHistory wires the session ledger.
func WithHistory(h HistoryRecorder) ControllerOption {
	return func(c *Controller) {
		c.history = h
	}
}

// WithNotifier wires operator notifications.
func WithNotifier(n Notifier) ControllerOption {
	return func(c *Controller) {
		if n != nil {
			c.notifier = n
		}
	}
}

// NewController builds a session controller from configuration.
func NewController(cfg *config.Config, camera FrameSource, frames FrameStore, logger *slog.Logger, opts ...ControllerOption) *Controller {
	if logger == nil {
		logger = logging.NewNop()
	}
	c := &Controller{
		camera:               camera,
		frames:               frames,
		notifier:             noopNotifier{},
		logger:               logging.NewComponentLogger(logger, "capture"),
		pollInterval:         time.Duration(cfg.Capture.PollInterval) * time.Second,
		captureInterval:      time.Duration(cfg.Capture.CaptureInterval) * time.Second,
		finishingThreshold:   cfg.Capture.FinishingThreshold,
		finishingInterval:    time.Duration(cfg.Capture.FinishingInterval) * time.Second,
		postPrintFrames:      cfg.Capture.PostPrintFrames,
		postPrintInterval:    time.Duration(cfg.Capture.PostPrintInterval) * time.Second,
		postPrintMaxFailures: cfg.Capture.PostPrintMaxFailures,
		debounceTicks:        cfg.Capture.StopDebounceTicks,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HandleTick advances the session state machine by one poll iteration and
// returns how long the loop should sleep before the next tick.
func (c *Controller) HandleTick(ctx context.Context, tick Tick) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if tick.Status == nil {
		// Poll failed. Skip the tick without touching the debounce
		// counter so an API outage cannot close a session.
		return c.pollInterval
	}

	status := tick.Status
	manual := strings.TrimSpace(tick.Manual)
	shouldKeep := status.IsJobActive || manual != ""
	shouldCapture := status.IsPrinting || manual != ""
	sess := c.state.Session

	// Debounce only gates the normal-mode stop. Finishing mode stops at
	// once (the job really ended at 100%), and post-print ticks must keep
	// flowing so the extension can run down.
	if !shouldKeep && sess != nil && manual == "" && sess.Mode == ModeNormal {
		c.state.NotActiveTicks++
		if c.state.NotActiveTicks < c.debounceTicks {
			c.logger.Debug("job inactive, debouncing stop",
				logging.String(logging.FieldSession, sess.Name),
				logging.Int("inactive_ticks", c.state.NotActiveTicks),
				logging.Int("threshold", c.debounceTicks))
			return min(c.pollInterval, c.captureInterval)
		}
	} else {
		c.state.NotActiveTicks = 0
	}

	if sess != nil && sess.JobID != nil && status.JobID != nil && *status.JobID != *sess.JobID {
		c.logger.Info("job changed, finalizing previous session",
			logging.String(logging.FieldSession, sess.Name),
			logging.Int64("previous_job", *sess.JobID),
			logging.Int64("new_job", *status.JobID))
		c.finalizeLocked(ctx, "job_changed")
		sess = nil
	}

	if shouldKeep && c.state.Session == nil {
		c.openLocked(ctx, tick, manual)
		sess = c.state.Session
	}

	if !shouldKeep && sess != nil && sess.Mode != ModePostPrint {
		if c.postPrintFrames > 0 {
			sess.Mode = ModePostPrint
			sess.PostPrintCaptured = 0
			sess.PostPrintFailures = 0
			sess.LastPostPrintCapture = time.Time{}
			c.logger.Info("print finished, extending with post-print frames",
				logging.String(logging.FieldSession, sess.Name),
				logging.Int("target", c.postPrintFrames),
				logging.Duration("interval", c.postPrintInterval))
		} else {
			c.finalizeLocked(ctx, stopReason(sess.Origin))
			sess = nil
		}
	}

	if sess != nil && sess.Mode == ModePostPrint {
		if manual != "" && textutil.SanitizeName(manual) != sess.Name {
			// Manual request during the extension: close out now so the
			// new session can open on the next tick.
			c.logger.Info("manual session requested, ending post-print extension early",
				logging.String(logging.FieldSession, sess.Name))
			c.finalizeLocked(ctx, "manual_override")
			return time.Second
		}
		if sess.LastPostPrintCapture.IsZero() || tick.Now.Sub(sess.LastPostPrintCapture) >= c.postPrintInterval {
			c.capturePostPrintLocked(ctx, tick)
		}
	}

	if sess := c.state.Session; sess != nil && sess.Mode != ModePostPrint {
		if shouldCapture {
			c.captureTickLocked(ctx, tick, status)
		} else {
			c.logger.Debug("session open, job paused",
				logging.String(logging.FieldSession, sess.Name),
				logging.String("printer_state", status.StateText),
				logging.Int("frames", sess.FrameCount))
		}
	}

	return c.sleepHintLocked()
}

// captureTickLocked recomputes the capture mode from progress and captures
// a frame when the mode's interval has elapsed.
func (c *Controller) captureTickLocked(ctx context.Context, tick Tick, status *printer.Status) {
	sess := c.state.Session
	progress := 0.0
	if status.Progress != nil {
		progress = *status.Progress
	}
	wasFinishing := sess.Mode == ModeFinishing
	if progress >= c.finishingThreshold {
		sess.Mode = ModeFinishing
		if !wasFinishing {
			c.logger.Info("finishing mode engaged",
				logging.String(logging.FieldSession, sess.Name),
				logging.Float64("progress", progress),
				logging.Duration("interval", c.finishingInterval))
		}
	} else {
		sess.Mode = ModeNormal
	}

	interval := c.captureInterval
	if sess.Mode == ModeFinishing {
		interval = c.finishingInterval
	}
	if !sess.LastCapture.IsZero() && tick.Now.Sub(sess.LastCapture) < interval {
		return
	}

	sess.LastCapture = tick.Now
	index := sess.FrameCount
	tier, err := c.captureToStore(ctx, sess.Name, index)
	if err != nil {
		sess.CaptureFailed++
		logging.WarnWithContext(c.logger, "frame capture failed", "capture_failed",
			logging.String(logging.FieldSession, sess.Name),
			logging.Int(logging.FieldFrame, index),
			logging.Error(err),
			logging.String(logging.FieldImpact, "this moment is missing from the timelapse; the index is retried next interval"),
			logging.String(logging.FieldErrorHint, "check the camera cable and the capture tool output"))
	} else {
		sess.FrameCount++
		sess.CaptureOK++
		c.logger.Debug("frame captured",
			logging.String(logging.FieldSession, sess.Name),
			logging.Int(logging.FieldFrame, index),
			logging.String(logging.FieldTier, string(tier)),
			logging.Float64("progress", progress))
	}

	if total := sess.CaptureOK + sess.CaptureFailed; total > 0 && total%captureRateLogEvery == 0 {
		c.logCaptureRateLocked("capture rate checkpoint")
	}
}

// capturePostPrintLocked takes one post-print frame and finalizes the
// session when the extension completes or aborts.
func (c *Controller) capturePostPrintLocked(ctx context.Context, tick Tick) {
	sess := c.state.Session
	index := sess.FrameCount
	tier, err := c.captureToStore(ctx, sess.Name, index)
	if err != nil {
		sess.CaptureFailed++
		sess.PostPrintFailures++
		logging.WarnWithContext(c.logger, "post-print capture failed", "capture_failed",
			logging.String(logging.FieldSession, sess.Name),
			logging.Int(logging.FieldFrame, index),
			logging.Int("consecutive_failures", sess.PostPrintFailures),
			logging.Error(err),
			logging.String(logging.FieldImpact, "the post-print extension is missing a frame"),
			logging.String(logging.FieldErrorHint, "check the camera cable and the capture tool output"))
		if sess.PostPrintFailures >= c.postPrintMaxFailures {
			c.logger.Warn("aborting post-print extension after consecutive capture failures",
				logging.String(logging.FieldSession, sess.Name),
				logging.Int("consecutive_failures", sess.PostPrintFailures))
			c.finalizeLocked(ctx, "post_print_aborted")
			return
		}
	} else {
		sess.FrameCount++
		sess.CaptureOK++
		sess.PostPrintCaptured++
		sess.PostPrintFailures = 0
		c.logger.Debug("post-print frame captured",
			logging.String(logging.FieldSession, sess.Name),
			logging.Int(logging.FieldFrame, index),
			logging.String(logging.FieldTier, string(tier)),
			logging.Int("captured", sess.PostPrintCaptured),
			logging.Int("target", c.postPrintFrames))
	}

	sess.LastPostPrintCapture = tick.Now
	if sess.PostPrintCaptured >= c.postPrintFrames {
		c.logger.Info("post-print extension complete",
			logging.String(logging.FieldSession, sess.Name),
			logging.Int("captured", sess.PostPrintCaptured))
		c.finalizeLocked(ctx, "post_print_complete")
	}
}

// captureToStore takes one frame and persists it, cleaning up the camera's
// temporary file in all cases.
func (c *Controller) captureToStore(ctx context.Context, session string, index int) (store.Tier, error) {
	src, err := c.camera.Capture(ctx)
	if err != nil {
		return "", err
	}
	defer os.Remove(src)
	return c.frames.WriteFrame(ctx, session, index, src)
}

// openLocked starts a new session named after the manual request or the
// job, creates its directory, and announces it.
func (c *Controller) openLocked(ctx context.Context, tick Tick, manual string) {
	status := tick.Status
	sess := &Session{StartedAt: tick.Now}
	stamp := tick.Now.Format("20060102_150405")
	if manual != "" {
		sess.Origin = OriginManual
		sess.Name = textutil.SanitizeName(manual)
		if sess.Name == "" {
			sess.Name = "manual_" + stamp
		}
	} else {
		sess.Origin = OriginAuto
		sess.JobID = status.JobID
		if name := textutil.SanitizeName(status.JobName); name != "" {
			sess.Name = stamp + "_" + name
		} else {
			sess.Name = "print_" + stamp
		}
	}

	tier, err := c.frames.EnsureSession(sess.Name)
	if err != nil {
		// Keep the session open anyway: WriteFrame re-creates the
		// directory per frame, so capture recovers as soon as a tier does.
		logging.ErrorWithContext(c.logger, "could not create session directory", "session_open_failed",
			logging.String(logging.FieldSession, sess.Name),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check permissions on the primary and fallback directories"))
	}
	sess.Tier = tier
	c.state.Session = sess

	attrs := []any{
		logging.String(logging.FieldSession, sess.Name),
		logging.String("origin", sess.Origin.String()),
		logging.String(logging.FieldTier, string(tier)),
	}
	if sess.JobID != nil {
		attrs = append(attrs, logging.Int64(logging.FieldJobID, *sess.JobID))
	}
	c.logger.Info("recording started", attrs...)

	if c.history != nil {
		if err := c.history.RecordSessionStarted(ctx, sess.Name, sess.Origin.String(), sess.JobID); err != nil {
			c.logger.Debug("session history write failed", logging.Error(err))
		}
	}
	c.notifier.SessionStarted(ctx, sess.Name, sess.Origin.String())
}

// finalizeLocked closes the open session: it marks the frames ready for
// encoding and clears the in-memory state. A marker failure is logged but
// never blocks the next session; the encoder's recovery scan derives the
// marker from the frames later.
func (c *Controller) finalizeLocked(ctx context.Context, reason string) {
	sess := c.state.Session
	if sess == nil {
		return
	}

	c.logCaptureRateLocked("session capture rate")
	tier, err := c.frames.FinalizeSession(sess.Name)
	if err != nil {
		logging.ErrorWithContext(c.logger, "could not mark session ready for encoding", "finalize_failed",
			logging.String(logging.FieldSession, sess.Name),
			logging.Int("frames", sess.FrameCount),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "the recovery scan derives the marker from the frames once storage accepts writes"))
	} else {
		c.logger.Info("session finalized",
			logging.String(logging.FieldSession, sess.Name),
			logging.Int("frames", sess.FrameCount),
			logging.String(logging.FieldTier, string(tier)),
			logging.String("reason", reason))
	}

	if c.history != nil {
		if err := c.history.RecordSessionFinalized(ctx, sess.Name, sess.FrameCount, sess.CaptureFailed, reason); err != nil {
			c.logger.Debug("session history write failed", logging.Error(err))
		}
	}
	c.notifier.SessionFinalized(ctx, sess.Name, sess.FrameCount)

	c.state.Session = nil
	c.state.NotActiveTicks = 0
}

func (c *Controller) logCaptureRateLocked(msg string) {
	sess := c.state.Session
	total := sess.CaptureOK + sess.CaptureFailed
	if total == 0 {
		return
	}
	rate := float64(sess.CaptureOK) / float64(total) * 100
	c.logger.Info(msg,
		logging.String(logging.FieldSession, sess.Name),
		logging.String("rate", fmt.Sprintf("%.1f%%", rate)),
		logging.Int("ok", sess.CaptureOK),
		logging.Int("attempts", total))
}

func (c *Controller) sleepHintLocked() time.Duration {
	sess := c.state.Session
	switch {
	case sess != nil && sess.Mode == ModePostPrint:
		return min(c.pollInterval, c.postPrintInterval)
	case sess != nil && sess.Mode == ModeFinishing:
		return min(c.pollInterval, c.finishingInterval)
	default:
		return min(c.pollInterval, c.captureInterval)
	}
}

// FinalizeOpenSession closes any open session, marking its frames ready
// for encoding. The daemon calls it on shutdown so captured frames are
// never orphaned without a marker.
func (c *Controller) FinalizeOpenSession(ctx context.Context, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finalizeLocked(ctx, reason)
}

// Snapshot describes the controller for status reporting.
type Snapshot struct {
	Active            bool      `json:"active"`
	Session           string    `json:"session,omitempty"`
	Origin            string    `json:"origin,omitempty"`
	Mode              string    `json:"mode,omitempty"`
	JobID             *int64    `json:"job_id,omitempty"`
	Frames            int       `json:"frames"`
	CaptureOK         int       `json:"capture_ok"`
	CaptureFailed     int       `json:"capture_failed"`
	PostPrintCaptured int       `json:"post_print_captured,omitempty"`
	StartedAt         time.Time `json:"started_at,omitzero"`
	InactiveTicks     int       `json:"inactive_ticks,omitempty"`
}

// Snapshot returns a copy of the current session state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess := c.state.Session
	if sess == nil {
		return Snapshot{}
	}
	return Snapshot{
		Active:            true,
		Session:           sess.Name,
		Origin:            sess.Origin.String(),
		Mode:              sess.Mode.String(),
		JobID:             sess.JobID,
		Frames:            sess.FrameCount,
		CaptureOK:         sess.CaptureOK,
		CaptureFailed:     sess.CaptureFailed,
		PostPrintCaptured: sess.PostPrintCaptured,
		StartedAt:         sess.StartedAt,
		InactiveTicks:     c.state.NotActiveTicks,
	}
}
