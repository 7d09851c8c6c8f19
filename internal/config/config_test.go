package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"github.com/printlapse/printlapse/internal/config"
)

func TestLoadDefaultConfigUsesEnvAPIKeyAndExpandsPaths(t *testing.T) {
	t.Setenv("PRUSA_CONNECT_API_KEY", "test-key")
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)

	cfg := config.Default()
	cfg.Printer.PrinterUUID = "uuid-1234"
	writeConfig(t, filepath.Join(tempHome, ".config", "printlapse", "config.toml"), cfg)

	loaded, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if !exists {
		t.Fatal("expected config file to be found in temp HOME")
	}

	if loaded.Printer.APIKey != "test-key" {
		t.Fatalf("expected printer key from env, got %q", loaded.Printer.APIKey)
	}
	wantFallback := filepath.Join(tempHome, "timelapse_local")
	if loaded.Storage.FallbackDir != wantFallback {
		t.Fatalf("unexpected fallback dir: got %q want %q", loaded.Storage.FallbackDir, wantFallback)
	}
	if loaded.Capture.ControlFile != filepath.Join(tempHome, ".timelapse_recording") {
		t.Fatalf("unexpected control file: %q", loaded.Capture.ControlFile)
	}
	wantLogDir := filepath.Join(tempHome, ".local", "share", "printlapse", "logs")
	if loaded.Daemon.LogDir != wantLogDir {
		t.Fatalf("unexpected log dir: got %q want %q", loaded.Daemon.LogDir, wantLogDir)
	}
	if loaded.Uploader.Enabled {
		t.Fatal("expected uploader disabled by default")
	}
	if !loaded.Encoding.Enabled {
		t.Fatal("expected encoding enabled by default")
	}
	if loaded.Printer.BaseURL != config.Default().Printer.BaseURL {
		t.Fatalf("unexpected printer base url: %q", loaded.Printer.BaseURL)
	}
	if loaded.Capture.StopDebounceTicks != 3 {
		t.Fatalf("unexpected stop debounce: %d", loaded.Capture.StopDebounceTicks)
	}
	if loaded.Storage.MinFreeMB != 2048 {
		t.Fatalf("unexpected min free MB: %d", loaded.Storage.MinFreeMB)
	}

	if err := loaded.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}
	for _, dir := range []string{loaded.Storage.FallbackDir, loaded.Daemon.LogDir} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("expected directory %q to exist: %v", dir, err)
		}
		if !info.IsDir() {
			t.Fatalf("expected %q to be directory", dir)
		}
	}

	if got := loaded.LedgerPath(); got != filepath.Join(wantLogDir, "ledger.db") {
		t.Fatalf("unexpected ledger path: %q", got)
	}
	if got := loaded.SocketPath(); got != filepath.Join(wantLogDir, "printlapse.sock") {
		t.Fatalf("unexpected socket path: %q", got)
	}
}

func TestLoadCustomPath(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Setenv("PRUSA_CONNECT_API_KEY", "")

	path := filepath.Join(t.TempDir(), "printlapse.toml")
	body := `
[printer]
printer_uuid = "abc-123"
api_key = "file-key"
base_url = "https://connect.example.test/api/v1/"

[storage]
primary_dir = "~/footage"

[encoding]
preset = "Medium"
rotation = 90
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists {
		t.Fatal("expected config file to exist")
	}
	if resolved != path {
		t.Fatalf("unexpected resolved path: got %q want %q", resolved, path)
	}
	if cfg.Printer.APIKey != "file-key" {
		t.Fatalf("unexpected api key: %q", cfg.Printer.APIKey)
	}
	if cfg.Printer.BaseURL != "https://connect.example.test/api/v1" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.Printer.BaseURL)
	}
	if cfg.Storage.PrimaryDir != filepath.Join(tempHome, "footage") {
		t.Fatalf("expected primary dir expanded, got %q", cfg.Storage.PrimaryDir)
	}
	if cfg.Encoding.Preset != "medium" {
		t.Fatalf("expected preset lowercased, got %q", cfg.Encoding.Preset)
	}
	if cfg.Encoding.Rotation != 90 {
		t.Fatalf("unexpected rotation: %d", cfg.Encoding.Rotation)
	}
	if cfg.Capture.PollInterval != config.Default().Capture.PollInterval {
		t.Fatalf("expected default poll interval, got %d", cfg.Capture.PollInterval)
	}
}

func TestEnvVarDoesNotOverrideConfigFileKey(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("PRUSA_CONNECT_API_KEY", "env-key")

	path := filepath.Join(t.TempDir(), "printlapse.toml")
	body := `
[printer]
printer_uuid = "abc-123"
api_key = "file-key"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, _, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Printer.APIKey != "file-key" {
		t.Fatalf("expected file key to win, got %q", cfg.Printer.APIKey)
	}
}

func TestCreateSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample failed: %v", err)
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	if !strings.Contains(string(contents), "your_prusa_connect_api_key_here") {
		t.Fatalf("sample config missing placeholder API key: %s", contents)
	}

	// Validate it decodes
	var cfg config.Config
	if err := toml.Unmarshal(contents, &cfg); err != nil {
		t.Fatalf("unmarshal sample: %v", err)
	}
	if cfg.Printer.PrinterUUID != "your_printer_uuid_here" {
		t.Fatalf("unexpected sample printer uuid: %q", cfg.Printer.PrinterUUID)
	}
}

func TestValidateDetectsInvalidValues(t *testing.T) {
	valid := func() config.Config {
		cfg := config.Default()
		cfg.Printer.APIKey = "key"
		cfg.Printer.PrinterUUID = "uuid"
		return cfg
	}

	cfg := valid()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected baseline config to validate: %v", err)
	}

	cfg = valid()
	cfg.Printer.APIKey = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing api key")
	}

	cfg = valid()
	cfg.Camera.Quality = 101
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for quality out of range")
	}

	cfg = valid()
	cfg.Storage.CopyTimeout = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for non-positive copy timeout")
	}

	cfg = valid()
	cfg.Storage.FallbackDir = cfg.Storage.PrimaryDir
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for identical storage tiers")
	}

	cfg = valid()
	cfg.Capture.StopDebounceTicks = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero debounce")
	}

	cfg = valid()
	cfg.Capture.FinishingThreshold = 150
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for threshold out of range")
	}

	cfg = valid()
	cfg.Encoding.Rotation = 45
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unsupported rotation")
	}

	cfg = valid()
	cfg.Encoding.CRF = 52
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for CRF out of range")
	}

	cfg = valid()
	cfg.Encoding.Preset = "warp9"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown preset")
	}

	cfg = valid()
	cfg.Uploader.Enabled = true
	cfg.Uploader.Token = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when uploader enabled without token")
	}

	cfg = valid()
	cfg.Logging.Format = "xml"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown log format")
	}
}

func writeConfig(t *testing.T, path string, cfg config.Config) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}
