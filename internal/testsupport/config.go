package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/printlapse/printlapse/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// The primary storage directory exists (a healthy "mount"); tests that want
// an unavailable primary point it somewhere that does not.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Printer.PrinterUUID = "test-printer-uuid"
	cfgVal.Printer.APIKey = "test-api-key"
	cfgVal.Storage.PrimaryDir = filepath.Join(base, "primary")
	cfgVal.Storage.FallbackDir = filepath.Join(base, "fallback")
	cfgVal.Capture.ControlFile = filepath.Join(base, "recording.control")
	cfgVal.Encoding.ScratchDir = filepath.Join(base, "scratch")
	cfgVal.Daemon.LogDir = filepath.Join(base, "logs")
	// Fallback writes probe real free space; a nominal margin keeps test
	// results independent of the host's disk.
	cfgVal.Storage.MinFreeMB = 1
	if err := os.MkdirAll(cfgVal.Storage.PrimaryDir, 0o755); err != nil {
		t.Fatalf("mkdir primary dir: %v", err)
	}

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithFastIntervals shrinks every loop cadence to one second so tests that
// exercise real loops finish quickly.
func WithFastIntervals() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Capture.PollInterval = 1
		b.cfg.Capture.CaptureInterval = 1
		b.cfg.Capture.FinishingInterval = 1
		b.cfg.Capture.PostPrintInterval = 1
		b.cfg.Storage.MountCheckInterval = 1
		b.cfg.Encoding.ScanInterval = 1
		b.cfg.Uploader.Interval = 1
	}
}

// WithUploader enables the snapshot uploader with test credentials.
func WithUploader(url string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Uploader.Enabled = true
		b.cfg.Uploader.URL = url
		b.cfg.Uploader.Token = "test-camera-token"
		b.cfg.Uploader.Fingerprint = "test-fingerprint"
	}
}

// WithStubbedBinaries writes stub executables for the provided names and
// prepends them to PATH. If names is empty, the external binaries the
// daemon shells out to are stubbed.
func WithStubbedBinaries(names ...string) ConfigOption {
	return func(b *configBuilder) {
		if len(names) == 0 {
			names = []string{"rpicam-still", "ffmpeg"}
		}
		binDir := filepath.Join(b.baseDir, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			b.t.Fatalf("mkdir bin dir: %v", err)
		}
		script := []byte("#!/bin/sh\nexit 0\n")
		for _, name := range names {
			target := filepath.Join(binDir, name)
			if err := os.WriteFile(target, script, 0o755); err != nil {
				b.t.Fatalf("write stub %s: %v", name, err)
			}
		}

		oldPath := os.Getenv("PATH")
		if err := os.Setenv("PATH", binDir+string(os.PathListSeparator)+oldPath); err != nil {
			b.t.Fatalf("set PATH: %v", err)
		}
		b.t.Cleanup(func() {
			_ = os.Setenv("PATH", oldPath)
		})
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Storage.FallbackDir)
}
