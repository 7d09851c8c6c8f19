package store_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/printlapse/printlapse/internal/config"
	"github.com/printlapse/printlapse/internal/logging"
	"github.com/printlapse/printlapse/internal/markers"
	"github.com/printlapse/printlapse/internal/services"
	"github.com/printlapse/printlapse/internal/store"
)

func newStore(t *testing.T, opts ...store.Option) *store.Store {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.PrimaryDir = filepath.Join(t.TempDir(), "primary")
	cfg.Storage.FallbackDir = filepath.Join(t.TempDir(), "fallback")
	cfg.Storage.MinFreeMB = 1
	if err := os.MkdirAll(cfg.Storage.PrimaryDir, 0o755); err != nil {
		t.Fatalf("mkdir primary: %v", err)
	}
	opts = append([]store.Option{store.WithReconcilePause(0)}, opts...)
	return store.New(&cfg, logging.NewNop(), opts...)
}

func writeSource(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snapshot.jpg")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	return path
}

func TestFrameName(t *testing.T) {
	if got := store.FrameName(7); got != "frame_000007.jpg" {
		t.Fatalf("FrameName(7) = %q", got)
	}
	if got := store.FrameName(123456); got != "frame_123456.jpg" {
		t.Fatalf("FrameName(123456) = %q", got)
	}
}

func TestWriteFramePrimary(t *testing.T) {
	s := newStore(t)
	src := writeSource(t, "frame-bytes")

	tier, err := s.WriteFrame(context.Background(), "sess", 1, src)
	if err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if tier != store.TierPrimary {
		t.Fatalf("tier = %v, want primary", tier)
	}

	data, err := os.ReadFile(filepath.Join(s.FramesDir(store.TierPrimary, "sess"), "frame_000001.jpg"))
	if err != nil {
		t.Fatalf("read stored frame: %v", err)
	}
	if string(data) != "frame-bytes" {
		t.Fatalf("unexpected frame contents: %q", data)
	}
	if !s.PrimaryHealthy() {
		t.Fatal("primary should remain healthy")
	}
}

func TestWriteFrameFallsBackOnPrimaryFailure(t *testing.T) {
	attempts := 0
	failPrimary := func(ctx context.Context, src, dst string) error {
		attempts++
		return errors.New("io error")
	}
	s := newStore(t, store.WithCopyFunc(failPrimary))
	src := writeSource(t, "frame-bytes")

	tier, err := s.WriteFrame(context.Background(), "sess", 1, src)
	if err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if tier != store.TierFallback {
		t.Fatalf("tier = %v, want fallback", tier)
	}
	if s.PrimaryHealthy() {
		t.Fatal("primary should be marked unhealthy")
	}
	if attempts != 1 {
		t.Fatalf("expected 1 primary attempt, got %d", attempts)
	}

	if _, err := os.Stat(filepath.Join(s.FramesDir(store.TierFallback, "sess"), "frame_000001.jpg")); err != nil {
		t.Fatalf("fallback frame missing: %v", err)
	}

	// Later frames skip the primary entirely while unhealthy.
	if _, err := s.WriteFrame(context.Background(), "sess", 2, src); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if attempts != 1 {
		t.Fatalf("unhealthy primary should not be retried, attempts = %d", attempts)
	}
}

func TestWriteFrameDropsOnDiskFull(t *testing.T) {
	free := uint64(0)
	s := newStore(t, store.WithFreeBytesFunc(func(string) (uint64, error) {
		return free, nil
	}))
	s.SetPrimaryHealthy(false)
	src := writeSource(t, "frame-bytes")

	_, err := s.WriteFrame(context.Background(), "sess", 1, src)
	if !errors.Is(err, services.ErrDiskFull) {
		t.Fatalf("expected disk full error, got %v", err)
	}
	if services.FailureKind(err) != "disk_full" {
		t.Fatalf("unexpected failure kind: %q", services.FailureKind(err))
	}
	if _, statErr := os.Stat(filepath.Join(s.FramesDir(store.TierFallback, "sess"), "frame_000001.jpg")); statErr == nil {
		t.Fatal("dropped frame should not exist on disk")
	}

	// Writes resume once space frees up.
	free = 8 * 1024 * 1024 * 1024
	tier, err := s.WriteFrame(context.Background(), "sess", 2, src)
	if err != nil {
		t.Fatalf("WriteFrame after space recovery: %v", err)
	}
	if tier != store.TierFallback {
		t.Fatalf("tier = %v, want fallback", tier)
	}
}

func TestEnsureSession(t *testing.T) {
	s := newStore(t)

	tier, err := s.EnsureSession("sess")
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if tier != store.TierPrimary {
		t.Fatalf("tier = %v, want primary", tier)
	}
	if info, err := os.Stat(s.FramesDir(store.TierPrimary, "sess")); err != nil || !info.IsDir() {
		t.Fatalf("primary frames dir missing: %v", err)
	}

	s.SetPrimaryHealthy(false)
	tier, err = s.EnsureSession("sess2")
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if tier != store.TierFallback {
		t.Fatalf("tier = %v, want fallback", tier)
	}
	if info, err := os.Stat(s.FramesDir(store.TierFallback, "sess2")); err != nil || !info.IsDir() {
		t.Fatalf("fallback frames dir missing: %v", err)
	}
}

func TestFinalizeSessionWritesMarkerOnActiveTier(t *testing.T) {
	s := newStore(t)
	if _, err := s.EnsureSession("sess"); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	tier, err := s.FinalizeSession("sess")
	if err != nil {
		t.Fatalf("FinalizeSession: %v", err)
	}
	if tier != store.TierPrimary {
		t.Fatalf("tier = %v, want primary", tier)
	}
	if !markers.Has(s.SessionDir(store.TierPrimary, "sess"), markers.Ready) {
		t.Fatal("ready marker missing on primary")
	}
}

func TestFinalizeSessionFallsBackWhenPrimaryUnhealthy(t *testing.T) {
	s := newStore(t)
	s.SetPrimaryHealthy(false)
	if _, err := s.EnsureSession("sess"); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	tier, err := s.FinalizeSession("sess")
	if err != nil {
		t.Fatalf("FinalizeSession: %v", err)
	}
	if tier != store.TierFallback {
		t.Fatalf("tier = %v, want fallback", tier)
	}
	if !markers.Has(s.SessionDir(store.TierFallback, "sess"), markers.Ready) {
		t.Fatal("ready marker missing on fallback")
	}
}

func TestFinalizeSessionWithoutDirectories(t *testing.T) {
	s := newStore(t)
	if _, err := s.FinalizeSession("ghost"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestActiveTierFollowsHealth(t *testing.T) {
	s := newStore(t)
	if s.ActiveTier() != store.TierPrimary {
		t.Fatal("expected primary tier while healthy")
	}
	if changed := s.SetPrimaryHealthy(false); !changed {
		t.Fatal("expected health change")
	}
	if s.ActiveTier() != store.TierFallback {
		t.Fatal("expected fallback tier while unhealthy")
	}
	if changed := s.SetPrimaryHealthy(false); changed {
		t.Fatal("no change expected when setting same health")
	}
}
