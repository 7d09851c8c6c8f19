package encoding_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/printlapse/printlapse/internal/config"
	"github.com/printlapse/printlapse/internal/encoding"
	"github.com/printlapse/printlapse/internal/logging"
	"github.com/printlapse/printlapse/internal/markers"
	"github.com/printlapse/printlapse/internal/services"
	"github.com/printlapse/printlapse/internal/store"
	"github.com/printlapse/printlapse/internal/testsupport"
)

// fakeEncoder records encode calls and writes a stand-in video unless told
// to fail. A gate channel, when set, holds Encode open until released.
type fakeEncoder struct {
	mu    sync.Mutex
	calls []string
	fail  func(session string) error
	gate  chan struct{}
}

func (f *fakeEncoder) Encode(_ context.Context, session, sessionDir string) (encoding.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, session)
	f.mu.Unlock()
	if f.gate != nil {
		<-f.gate
	}
	if f.fail != nil {
		if err := f.fail(session); err != nil {
			return encoding.Result{}, err
		}
	}
	video := filepath.Join(sessionDir, store.VideoName(session))
	if err := os.WriteFile(video, []byte("mp4-bytes"), 0o644); err != nil {
		return encoding.Result{}, err
	}
	return encoding.Result{VideoPath: video, Frames: 3, SizeBytes: 9}, nil
}

func (f *fakeEncoder) sessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type encodeEvent struct {
	session string
	outcome string
	detail  string
}

type recordingEncodeHistory struct {
	mu     sync.Mutex
	events []encodeEvent
}

func (h *recordingEncodeHistory) RecordEncodeFinished(_ context.Context, session, outcome string, _ time.Duration, detail string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, encodeEvent{session: session, outcome: outcome, detail: detail})
	return nil
}

type recordingEncodeNotifier struct {
	mu        sync.Mutex
	completed []string
	failed    []encodeEvent
}

func (n *recordingEncodeNotifier) EncodeCompleted(_ context.Context, session string, _ encoding.Result, _ time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, session)
}

func (n *recordingEncodeNotifier) EncodeFailed(_ context.Context, session, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, encodeEvent{session: session, detail: reason})
}

type fixedProbe bool

func (p fixedProbe) Healthy(context.Context) bool { return bool(p) }

type coordHarness struct {
	t        *testing.T
	cfg      *config.Config
	frames   *store.Store
	encoder  *fakeEncoder
	history  *recordingEncodeHistory
	notifier *recordingEncodeNotifier
	coord    *encoding.Coordinator
}

func newCoordHarness(t *testing.T, opts ...encoding.CoordinatorOption) *coordHarness {
	t.Helper()
	h := &coordHarness{
		t:        t,
		cfg:      testsupport.NewConfig(t, testsupport.WithFastIntervals()),
		encoder:  &fakeEncoder{},
		history:  &recordingEncodeHistory{},
		notifier: &recordingEncodeNotifier{},
	}
	h.frames = store.New(h.cfg, logging.NewNop(), store.WithReconcilePause(0))
	opts = append([]encoding.CoordinatorOption{
		encoding.WithHistory(h.history),
		encoding.WithNotifier(h.notifier),
	}, opts...)
	h.coord = encoding.NewCoordinator(h.cfg, h.frames, h.encoder, logging.NewNop(), opts...)
	return h
}

// seed creates a primary-tier session with the given frame count and an
// optional marker, returning the session directory.
func (h *coordHarness) seed(session string, frameCount int, marker string) string {
	h.t.Helper()
	dir := h.frames.SessionDir(store.TierPrimary, session)
	if err := os.MkdirAll(filepath.Join(dir, store.FramesDirName), 0o755); err != nil {
		h.t.Fatalf("mkdir session %s: %v", session, err)
	}
	for i := 0; i < frameCount; i++ {
		testsupport.WriteFrame(h.t, filepath.Join(dir, store.FramesDirName, store.FrameName(i)), "")
	}
	if marker != "" {
		if err := markers.Write(dir, marker); err != nil {
			h.t.Fatalf("write %s marker: %v", marker, err)
		}
	}
	return dir
}

func (h *coordHarness) state(session string) markers.State {
	return markers.Scan(h.frames.SessionDir(store.TierPrimary, session))
}

func (h *coordHarness) hasVideo(session string) bool {
	_, err := os.Stat(h.frames.VideoPath(store.TierPrimary, session))
	return err == nil
}

// backdate pushes a file or directory's mtime into the past.
func backdate(t *testing.T, path string, by time.Duration) {
	t.Helper()
	past := time.Now().Add(-by)
	if err := os.Chtimes(path, past, past); err != nil {
		t.Fatalf("backdate %s: %v", path, err)
	}
}

func waitForState(t *testing.T, h *coordHarness, session string, want markers.State) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if h.state(session) == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("session %s never reached %s (at %s)", session, want, h.state(session))
}

func TestPendingListsReadySessionsSorted(t *testing.T) {
	h := newCoordHarness(t)
	h.seed("print_b", 2, markers.Ready)
	h.seed("print_a", 1, markers.Ready)
	h.seed("print_empty", 0, markers.Ready)
	h.seed("print_unmarked", 3, "")
	h.seed("print_done", 3, markers.Complete)
	h.seed("print_running", 3, markers.InProgress)
	h.seed("print_failed", 3, markers.Failed)
	if err := os.WriteFile(filepath.Join(h.frames.PrimaryRoot(), "stray.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write stray file: %v", err)
	}

	pending, err := h.coord.Pending()
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	want := []string{"print_a", "print_b"}
	if len(pending) != len(want) {
		t.Fatalf("pending = %v, want %v", pending, want)
	}
	for i := range want {
		if pending[i] != want[i] {
			t.Fatalf("pending = %v, want %v", pending, want)
		}
	}
}

func TestPendingNeverClaimsEmptySession(t *testing.T) {
	h := newCoordHarness(t)
	h.seed("print_empty", 0, markers.Ready)

	if n := h.coord.RunOnce(context.Background()); n != 0 {
		t.Fatalf("RunOnce = %d, want 0", n)
	}
	if got := h.encoder.sessions(); len(got) != 0 {
		t.Fatalf("encoder ran for empty session: %v", got)
	}
	if h.state("print_empty") != markers.StateReady {
		t.Fatalf("empty session state = %s, want ready", h.state("print_empty"))
	}
}

func TestRunOnceEncodesAndCompletes(t *testing.T) {
	h := newCoordHarness(t)
	h.seed("print_benchy", 3, markers.Ready)

	if n := h.coord.RunOnce(context.Background()); n != 1 {
		t.Fatalf("RunOnce = %d, want 1", n)
	}
	if h.state("print_benchy") != markers.StateComplete {
		t.Fatalf("state = %s, want complete", h.state("print_benchy"))
	}
	if !h.hasVideo("print_benchy") {
		t.Fatal("video missing after successful encode")
	}
	if got := h.encoder.sessions(); len(got) != 1 || got[0] != "print_benchy" {
		t.Fatalf("encode calls = %v", got)
	}
	if len(h.history.events) != 1 || h.history.events[0].outcome != "complete" {
		t.Fatalf("history = %+v", h.history.events)
	}
	if len(h.notifier.completed) != 1 || h.notifier.completed[0] != "print_benchy" {
		t.Fatalf("notifications = %+v", h.notifier.completed)
	}

	snap := h.coord.Snapshot()
	if snap.Completed != 1 || snap.Failed != 0 || snap.LastSession != "print_benchy" || snap.LastOutcome != "complete" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestEncodeFailureIsTerminal(t *testing.T) {
	h := newCoordHarness(t)
	h.seed("print_broken", 2, markers.Ready)
	h.encoder.fail = func(string) error {
		return services.Wrap(services.ErrExternalTool, "encoder", "encode", "ffmpeg failed", errors.New("exit status 1"))
	}

	if n := h.coord.RunOnce(context.Background()); n != 0 {
		t.Fatalf("RunOnce = %d, want 0", n)
	}
	if h.state("print_broken") != markers.StateFailed {
		t.Fatalf("state = %s, want failed", h.state("print_broken"))
	}

	// A failed session must not be picked up again.
	h.coord.RunOnce(context.Background())
	if got := h.encoder.sessions(); len(got) != 1 {
		t.Fatalf("failed session retried: %v", got)
	}
	if len(h.notifier.failed) != 1 || h.notifier.failed[0].detail != "external_tool" {
		t.Fatalf("failure notifications = %+v", h.notifier.failed)
	}
	if len(h.history.events) != 1 || h.history.events[0].outcome != "failed" {
		t.Fatalf("history = %+v", h.history.events)
	}

	snap := h.coord.Snapshot()
	if snap.Failed != 1 || snap.LastOutcome != "failed" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestShutdownMidEncodeRequeuesSession(t *testing.T) {
	h := newCoordHarness(t)
	h.seed("print_interrupted", 2, markers.Ready)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.encoder.fail = func(string) error {
		cancel()
		return services.Wrap(services.ErrTransient, "encoder", "encode",
			"encode canceled before the video completed", context.Canceled)
	}

	if n := h.coord.RunOnce(ctx); n != 0 {
		t.Fatalf("RunOnce = %d, want 0", n)
	}
	if h.state("print_interrupted") != markers.StateReady {
		t.Fatalf("state = %s, want ready for the next run", h.state("print_interrupted"))
	}
	if len(h.history.events) != 0 {
		t.Fatalf("interruption must not reach the ledger: %+v", h.history.events)
	}
	if len(h.notifier.failed) != 0 {
		t.Fatalf("interruption must not notify a failure: %+v", h.notifier.failed)
	}
	if snap := h.coord.Snapshot(); snap.Failed != 0 {
		t.Fatalf("snapshot counted a failure: %+v", snap)
	}
}

func TestClaimedSessionIsInvisibleToSecondScanner(t *testing.T) {
	h := newCoordHarness(t)
	h.seed("print_contested", 2, markers.Ready)
	h.encoder.gate = make(chan struct{})

	done := make(chan int, 1)
	go func() { done <- h.coord.RunOnce(context.Background()) }()

	deadline := time.Now().Add(10 * time.Second)
	for len(h.encoder.sessions()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first encode never started")
		}
		time.Sleep(10 * time.Millisecond)
	}

	rival := encoding.NewCoordinator(h.cfg, h.frames, h.encoder, logging.NewNop())
	if n := rival.RunOnce(context.Background()); n != 0 {
		t.Fatalf("rival RunOnce = %d, want 0", n)
	}

	close(h.encoder.gate)
	if n := <-done; n != 1 {
		t.Fatalf("RunOnce = %d, want 1", n)
	}
	if got := h.encoder.sessions(); len(got) != 1 {
		t.Fatalf("session encoded more than once: %v", got)
	}
	if h.state("print_contested") != markers.StateComplete {
		t.Fatalf("state = %s, want complete", h.state("print_contested"))
	}
}

func TestRecoverStaleReclaimsInterruptedEncode(t *testing.T) {
	h := newCoordHarness(t)
	dir := h.seed("print_stuck", 2, markers.InProgress)
	if err := os.WriteFile(h.frames.VideoPath(store.TierPrimary, "print_stuck"), []byte("partial"), 0o644); err != nil {
		t.Fatalf("write partial video: %v", err)
	}
	backdate(t, markers.Path(dir, markers.InProgress), 3*time.Hour)

	if n := h.coord.RecoverStale(context.Background()); n != 1 {
		t.Fatalf("RecoverStale = %d, want 1", n)
	}
	if h.state("print_stuck") != markers.StateReady {
		t.Fatalf("state = %s, want ready", h.state("print_stuck"))
	}
	if h.hasVideo("print_stuck") {
		t.Fatal("partial video survived recovery")
	}

	if n := h.coord.RunOnce(context.Background()); n != 1 {
		t.Fatalf("RunOnce after recovery = %d, want 1", n)
	}
	if h.state("print_stuck") != markers.StateComplete || !h.hasVideo("print_stuck") {
		t.Fatal("reclaimed session was not re-encoded")
	}
}

func TestRecoverStaleLeavesFreshEncodeAlone(t *testing.T) {
	h := newCoordHarness(t)
	h.seed("print_live", 2, markers.InProgress)

	if n := h.coord.RecoverStale(context.Background()); n != 0 {
		t.Fatalf("RecoverStale = %d, want 0", n)
	}
	if h.state("print_live") != markers.StateInProgress {
		t.Fatalf("state = %s, want encoding", h.state("print_live"))
	}
}

func TestRecoverDerivesCompleteFromExistingVideo(t *testing.T) {
	h := newCoordHarness(t)
	h.seed("print_orphan_video", 2, "")
	if err := os.WriteFile(h.frames.VideoPath(store.TierPrimary, "print_orphan_video"), []byte("mp4"), 0o644); err != nil {
		t.Fatalf("write video: %v", err)
	}

	if n := h.coord.RecoverStale(context.Background()); n != 1 {
		t.Fatalf("RecoverStale = %d, want 1", n)
	}
	if h.state("print_orphan_video") != markers.StateComplete {
		t.Fatalf("state = %s, want complete", h.state("print_orphan_video"))
	}
}

func TestRecoverDerivesReadyForAbandonedFrames(t *testing.T) {
	h := newCoordHarness(t)
	dir := h.seed("print_abandoned", 2, "")
	backdate(t, filepath.Join(dir, store.FramesDirName), 3*time.Hour)

	if n := h.coord.RecoverStale(context.Background()); n != 1 {
		t.Fatalf("RecoverStale = %d, want 1", n)
	}
	if h.state("print_abandoned") != markers.StateReady {
		t.Fatalf("state = %s, want ready", h.state("print_abandoned"))
	}
}

func TestRecoverLeavesLiveCaptureAlone(t *testing.T) {
	h := newCoordHarness(t)
	h.seed("print_capturing", 2, "")

	if n := h.coord.RecoverStale(context.Background()); n != 0 {
		t.Fatalf("RecoverStale = %d, want 0", n)
	}
	if h.state("print_capturing") != markers.StateNone {
		t.Fatalf("state = %s, want none", h.state("print_capturing"))
	}
}

func TestPendingPromotesSessionWithFinishedVideo(t *testing.T) {
	h := newCoordHarness(t)
	h.seed("print_rerun", 2, markers.Ready)
	if err := os.WriteFile(h.frames.VideoPath(store.TierPrimary, "print_rerun"), []byte("mp4"), 0o644); err != nil {
		t.Fatalf("write video: %v", err)
	}

	pending, err := h.coord.Pending()
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending = %v, want none", pending)
	}
	if h.state("print_rerun") != markers.StateComplete {
		t.Fatalf("state = %s, want complete", h.state("print_rerun"))
	}
}

func TestPendingRemovesLeftoverReadyBesideComplete(t *testing.T) {
	h := newCoordHarness(t)
	dir := h.seed("print_half_done", 2, markers.Complete)
	if err := markers.Write(dir, markers.Ready); err != nil {
		t.Fatalf("write ready marker: %v", err)
	}

	pending, err := h.coord.Pending()
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending = %v, want none", pending)
	}
	if markers.Has(dir, markers.Ready) {
		t.Fatal("leftover ready marker survived")
	}
	if h.state("print_half_done") != markers.StateComplete {
		t.Fatalf("state = %s, want complete", h.state("print_half_done"))
	}
}

func TestRunOnceSkipsCycleWhenPrimaryUnhealthy(t *testing.T) {
	h := newCoordHarness(t, encoding.WithHealthProbe(fixedProbe(false)))
	h.seed("print_waiting", 2, markers.Ready)

	if n := h.coord.RunOnce(context.Background()); n != 0 {
		t.Fatalf("RunOnce = %d, want 0", n)
	}
	if got := h.encoder.sessions(); len(got) != 0 {
		t.Fatalf("encoder ran against unhealthy storage: %v", got)
	}
	if h.state("print_waiting") != markers.StateReady {
		t.Fatalf("state = %s, want ready", h.state("print_waiting"))
	}
}

func TestRunEncodesSeededSessionEndToEnd(t *testing.T) {
	h := newCoordHarness(t)
	dir := h.seed("print_loop", 2, markers.InProgress)
	backdate(t, markers.Path(dir, markers.InProgress), 3*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.coord.Run(ctx) }()

	waitForState(t, h, "print_loop", markers.StateComplete)
	if !h.hasVideo("print_loop") {
		t.Fatal("video missing after loop encode")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}
}

func TestRunDisabledWaitsForShutdown(t *testing.T) {
	h := newCoordHarness(t)
	h.cfg.Encoding.Enabled = false
	coord := encoding.NewCoordinator(h.cfg, h.frames, h.encoder, logging.NewNop())
	h.seed("print_ignored", 2, markers.Ready)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- coord.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}
	if got := h.encoder.sessions(); len(got) != 0 {
		t.Fatalf("disabled coordinator encoded: %v", got)
	}
	if h.state("print_ignored") != markers.StateReady {
		t.Fatalf("state = %s, want ready", h.state("print_ignored"))
	}
}
