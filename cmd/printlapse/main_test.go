package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/printlapse/printlapse/internal/capture"
	"github.com/printlapse/printlapse/internal/config"
	"github.com/printlapse/printlapse/internal/daemon"
	"github.com/printlapse/printlapse/internal/ipc"
	"github.com/printlapse/printlapse/internal/ledger"
	"github.com/printlapse/printlapse/internal/logging"
	"github.com/printlapse/printlapse/internal/markers"
	"github.com/printlapse/printlapse/internal/store"
	"github.com/printlapse/printlapse/internal/testsupport"
)

func runCLI(t *testing.T, args []string, socket, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	flags := []string{"--socket", socket}
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeTestConfig(t *testing.T, cfg *config.Config) string {
	t.Helper()
	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	path := filepath.Join(testsupport.BaseDir(cfg), "config.toml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func missingSocket(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "absent.sock")
}

func idlePrinterServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"printer":{"state":"IDLE"}}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// stubEncoderBinary puts an ffmpeg on PATH that writes a byte to its final
// argument, which is where the real binary writes the video.
func stubEncoderBinary(t *testing.T) {
	t.Helper()
	binDir := t.TempDir()
	script := "#!/bin/sh\nfor last; do :; done\nprintf 'x' > \"$last\"\n"
	if err := os.WriteFile(filepath.Join(binDir, "ffmpeg"), []byte(script), 0o755); err != nil {
		t.Fatalf("write ffmpeg stub: %v", err)
	}
	t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func seedSession(t *testing.T, cfg *config.Config, session, marker string) string {
	t.Helper()
	dir := filepath.Join(cfg.Storage.PrimaryDir, session)
	testsupport.WriteFrame(t, filepath.Join(dir, store.FramesDirName, store.FrameName(0)), "frame-a")
	testsupport.WriteFrame(t, filepath.Join(dir, store.FramesDirName, store.FrameName(1)), "frame-b")
	if err := markers.Write(dir, marker); err != nil {
		t.Fatalf("write %s marker: %v", marker, err)
	}
	return dir
}

func TestCLISessionStartAndStop(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	configPath := writeTestConfig(t, cfg)
	socket := missingSocket(t)

	out, _, err := runCLI(t, []string{"session", "start", "benchy run 1"}, socket, configPath)
	if err != nil {
		t.Fatalf("session start: %v", err)
	}
	if !strings.Contains(out, `Manual session "benchy run 1" requested`) {
		t.Fatalf("unexpected start output: %q", out)
	}
	if !strings.Contains(out, `"benchy_run_1"`) {
		t.Fatalf("expected sanitized directory hint, got %q", out)
	}
	if !strings.Contains(out, "daemon is not running") {
		t.Fatalf("expected offline note, got %q", out)
	}
	if got := capture.ReadControlFile(cfg.Capture.ControlFile); got != "benchy run 1" {
		t.Fatalf("control file = %q, want %q", got, "benchy run 1")
	}

	out, _, err = runCLI(t, []string{"session", "stop"}, socket, configPath)
	if err != nil {
		t.Fatalf("session stop: %v", err)
	}
	if !strings.Contains(out, "Manual session stop requested") {
		t.Fatalf("unexpected stop output: %q", out)
	}
	if got := capture.ReadControlFile(cfg.Capture.ControlFile); got != "" {
		t.Fatalf("control file should be cleared, still has %q", got)
	}

	out, _, err = runCLI(t, []string{"session", "stop"}, socket, configPath)
	if err != nil {
		t.Fatalf("second session stop: %v", err)
	}
	if !strings.Contains(out, "No manual session was requested") {
		t.Fatalf("unexpected idempotent stop output: %q", out)
	}
}

func TestCLISessionStartDefaultsName(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	configPath := writeTestConfig(t, cfg)

	out, _, err := runCLI(t, []string{"session", "start"}, missingSocket(t), configPath)
	if err != nil {
		t.Fatalf("session start: %v", err)
	}
	if !strings.Contains(out, `Manual session "manual_`) {
		t.Fatalf("expected generated manual_ name, got %q", out)
	}
	if got := capture.ReadControlFile(cfg.Capture.ControlFile); !strings.HasPrefix(got, "manual_") {
		t.Fatalf("control file = %q, want manual_ prefix", got)
	}
}

func TestCLIStatusOffline(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	seedSession(t, cfg, "print_ready", markers.Ready)
	seedSession(t, cfg, "print_broken", markers.Failed)
	if err := capture.WriteControlFile(cfg.Capture.ControlFile, "manual_next"); err != nil {
		t.Fatalf("write control file: %v", err)
	}
	configPath := writeTestConfig(t, cfg)

	out, _, err := runCLI(t, []string{"status"}, missingSocket(t), configPath)
	if err != nil {
		t.Fatalf("status against stopped daemon should not error: %v", err)
	}
	for _, want := range []string{
		"not running",
		`"manual_next" requested`,
		"print_ready",
		"print_broken",
		"retry-failed",
		"Fallback backlog",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("offline status missing %q:\n%s", want, out)
		}
	}
}

func TestCLIStatusOnline(t *testing.T) {
	srv := idlePrinterServer(t)
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinaries())
	cfg.Printer.BaseURL = srv.URL
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	configPath := writeTestConfig(t, cfg)

	d, err := daemon.Build(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.Build: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	socket := filepath.Join(cfg.Daemon.LogDir, "cli.sock")
	server, err := ipc.NewServer(ctx, socket, d, logging.NewNop())
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("unix sockets unavailable in this environment: %v", err)
		}
		t.Fatalf("ipc.NewServer: %v", err)
	}
	t.Cleanup(server.Close)
	server.Serve()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("daemon start: %v", err)
	}

	out, _, err := runCLI(t, []string{"status"}, socket, configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{
		"running (pid",
		"idle (no active capture)",
		"healthy",
		"Pending encodes",
		"Ledger",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("online status missing %q:\n%s", want, out)
		}
	}
}

func TestCLIEncodeOneShot(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	stubEncoderBinary(t)
	session := "print_20240101_bench"
	dir := seedSession(t, cfg, session, markers.Ready)
	configPath := writeTestConfig(t, cfg)

	out, _, err := runCLI(t, []string{"encode"}, missingSocket(t), configPath)
	if err != nil {
		t.Fatalf("encode: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Encoding 1 session(s): "+session) {
		t.Fatalf("unexpected encode output: %q", out)
	}
	if !strings.Contains(out, "Encoded 1 of 1 session(s)") {
		t.Fatalf("missing completion line: %q", out)
	}

	if got := markers.Scan(dir); got != markers.StateComplete {
		t.Fatalf("session marker state = %s, want complete", got)
	}
	video := filepath.Join(dir, store.VideoName(session))
	info, err := os.Stat(video)
	if err != nil {
		t.Fatalf("stat video: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("video file is empty")
	}

	history, err := ledger.Open(cfg)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	defer history.Close()
	entries, err := history.History(context.Background(), 5)
	if err != nil {
		t.Fatalf("ledger history: %v", err)
	}
	if len(entries) != 1 || entries[0].Session != session || entries[0].EncodeOutcome != "complete" {
		t.Fatalf("unexpected ledger entries: %+v", entries)
	}
}

func TestCLIEncodeNothingPending(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	configPath := writeTestConfig(t, cfg)

	out, _, err := runCLI(t, []string{"encode"}, missingSocket(t), configPath)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(out, "No sessions are ready for encoding") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestCLIEncodeRetryFailed(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	stubEncoderBinary(t)
	session := "print_failed_once"
	dir := seedSession(t, cfg, session, markers.Failed)
	configPath := writeTestConfig(t, cfg)

	out, _, err := runCLI(t, []string{"encode", "--retry-failed"}, missingSocket(t), configPath)
	if err != nil {
		t.Fatalf("encode --retry-failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Requeued 1 failed session(s): "+session) {
		t.Fatalf("missing requeue line: %q", out)
	}
	if got := markers.Scan(dir); got != markers.StateComplete {
		t.Fatalf("session marker state = %s, want complete", got)
	}
}

func TestCLIHistoryCommand(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	configPath := writeTestConfig(t, cfg)
	if err := os.MkdirAll(cfg.Daemon.LogDir, 0o755); err != nil {
		t.Fatalf("mkdir log dir: %v", err)
	}

	ctx := context.Background()
	history, err := ledger.Open(cfg)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	session := "20240101_120000_benchy"
	if err := history.RecordSessionStarted(ctx, session, "auto", nil); err != nil {
		t.Fatalf("record start: %v", err)
	}
	if err := history.RecordSessionFinalized(ctx, session, 120, 2, "print complete"); err != nil {
		t.Fatalf("record finalize: %v", err)
	}
	if err := history.RecordEncodeFinished(ctx, session, "complete", 3500*time.Millisecond, session+".mp4"); err != nil {
		t.Fatalf("record encode: %v", err)
	}
	if err := history.Close(); err != nil {
		t.Fatalf("close ledger: %v", err)
	}

	out, _, err := runCLI(t, []string{"history"}, missingSocket(t), configPath)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	for _, want := range []string{session, "auto", "print complete", "complete in 3.5s", "120"} {
		if !strings.Contains(out, want) {
			t.Fatalf("history output missing %q:\n%s", want, out)
		}
	}
}

func TestCLIHistoryEmpty(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	configPath := writeTestConfig(t, cfg)

	out, _, err := runCLI(t, []string{"history"}, missingSocket(t), configPath)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out, "No sessions recorded yet") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestCLILogsShowsTrailingLines(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	configPath := writeTestConfig(t, cfg)
	if err := os.MkdirAll(cfg.Daemon.LogDir, 0o755); err != nil {
		t.Fatalf("mkdir log dir: %v", err)
	}
	logPath := filepath.Join(cfg.Daemon.LogDir, "printlapse.log")
	if err := os.WriteFile(logPath, []byte("first\nsecond\nthird\n"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	out, _, err := runCLI(t, []string{"logs", "--lines", "2"}, missingSocket(t), configPath)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	for _, want := range []string{"second", "third"} {
		if !strings.Contains(out, want) {
			t.Fatalf("logs output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "first") {
		t.Fatalf("logs output should stop at the last 2 lines:\n%s", out)
	}
}

func TestCLILogsWithoutLogFile(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	configPath := writeTestConfig(t, cfg)

	out, _, err := runCLI(t, []string{"logs"}, missingSocket(t), configPath)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if !strings.Contains(out, "No log output yet") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestCLICheckAllPass(t *testing.T) {
	srv := idlePrinterServer(t)
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinaries())
	cfg.Printer.BaseURL = srv.URL
	cfg.Notifications.NtfyTopic = srv.URL + "/printlapse-ci"
	configPath := writeTestConfig(t, cfg)

	out, _, err := runCLI(t, []string{"check"}, missingSocket(t), configPath)
	if err != nil {
		t.Fatalf("check: %v\n%s", err, out)
	}
	for _, want := range []string{
		"Config",
		"Camera binary",
		"FFmpeg",
		"Primary storage",
		"Printer API",
		"ntfy",
		"All checks passed",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("check output missing %q:\n%s", want, out)
		}
	}
}

func TestCLICheckReportsFailures(t *testing.T) {
	srv := idlePrinterServer(t)
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinaries())
	cfg.Printer.BaseURL = srv.URL
	cfg.Camera.Binary = "printlapse-no-such-camera"
	configPath := writeTestConfig(t, cfg)

	out, _, err := runCLI(t, []string{"check"}, missingSocket(t), configPath)
	if err == nil {
		t.Fatal("expected check to report failure")
	}
	if !strings.Contains(err.Error(), "checks failed") {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "printlapse-no-such-camera") {
		t.Fatalf("check output should name the missing binary:\n%s", out)
	}
}

func TestCLIConfigInitAndValidate(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	target := filepath.Join(t.TempDir(), "printlapse.toml")

	out, _, err := runCLI(t, []string{"config", "init", "--path", target}, missingSocket(t), "")
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	if !strings.Contains(out, "Wrote sample configuration to "+target) {
		t.Fatalf("unexpected init output: %q", out)
	}
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("sample config missing: %v", err)
	}

	if _, _, err := runCLI(t, []string{"config", "init", "--path", target}, missingSocket(t), ""); err == nil {
		t.Fatal("expected second init without --overwrite to fail")
	} else if !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("unexpected init error: %v", err)
	}

	out, _, err = runCLI(t, []string{"config", "init", "--path", target, "--overwrite"}, missingSocket(t), "")
	if err != nil {
		t.Fatalf("config init --overwrite: %v", err)
	}
	if !strings.Contains(out, "Wrote sample configuration") {
		t.Fatalf("unexpected overwrite output: %q", out)
	}

	out, _, err = runCLI(t, []string{"config", "validate"}, missingSocket(t), target)
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	if !strings.Contains(out, "Config path: "+target) || !strings.Contains(out, "Configuration valid") {
		t.Fatalf("unexpected validate output: %q", out)
	}
}

func TestCLITestNotifyWithoutTopic(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	configPath := writeTestConfig(t, cfg)

	_, _, err := runCLI(t, []string{"test-notify"}, missingSocket(t), configPath)
	if err == nil {
		t.Fatal("expected test-notify to fail without an ntfy topic")
	}
	if !strings.Contains(err.Error(), "no ntfy topic configured") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCLITestNotifySendsToTopic(t *testing.T) {
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := new(bytes.Buffer)
		_, _ = body.ReadFrom(r.Body)
		select {
		case received <- body.String():
		default:
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	cfg := testsupport.NewConfig(t)
	cfg.Notifications.NtfyTopic = srv.URL + "/printlapse-test"
	configPath := writeTestConfig(t, cfg)

	out, _, err := runCLI(t, []string{"test-notify"}, missingSocket(t), configPath)
	if err != nil {
		t.Fatalf("test-notify: %v", err)
	}
	if !strings.Contains(out, "Test notification sent") {
		t.Fatalf("unexpected output: %q", out)
	}
	select {
	case body := <-received:
		if body == "" {
			t.Fatal("notification body was empty")
		}
	default:
		t.Fatal("no notification reached the test server")
	}
}
