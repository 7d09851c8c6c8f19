package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Printer contains connection settings for the Prusa Connect status API.
type Printer struct {
	BaseURL        string `toml:"base_url"`
	PrinterUUID    string `toml:"printer_uuid"`
	APIKey         string `toml:"api_key"`
	RequestTimeout int    `toml:"request_timeout"`
}

// Camera contains settings for still-frame capture.
type Camera struct {
	Binary         string `toml:"binary"`
	Width          int    `toml:"width"`
	Height         int    `toml:"height"`
	Quality        int    `toml:"quality"`
	CaptureTimeout int    `toml:"capture_timeout"`
}

// Storage contains the dual-tier frame store configuration. PrimaryDir is
// expected to live on network storage; FallbackDir must be local disk.
type Storage struct {
	PrimaryDir         string `toml:"primary_dir"`
	FallbackDir        string `toml:"fallback_dir"`
	CopyTimeout        int    `toml:"copy_timeout"`
	MinFreeMB          int64  `toml:"min_free_mb"`
	MountCheckInterval int    `toml:"mount_check_interval"`
	MountProbeTimeout  int    `toml:"mount_probe_timeout"`
}

// Capture contains the print-session detection and frame-capture settings.
type Capture struct {
	PollInterval         int     `toml:"poll_interval"`
	CaptureInterval      int     `toml:"capture_interval"`
	FinishingThreshold   float64 `toml:"finishing_threshold"`
	FinishingInterval    int     `toml:"finishing_interval"`
	PostPrintFrames      int     `toml:"post_print_frames"`
	PostPrintInterval    int     `toml:"post_print_interval"`
	PostPrintMaxFailures int     `toml:"post_print_max_failures"`
	StopDebounceTicks    int     `toml:"stop_debounce_ticks"`
	ControlFile          string  `toml:"control_file"`
}

// Encoding contains timelapse video assembly settings.
type Encoding struct {
	Enabled       bool   `toml:"enabled"`
	ScanInterval  int    `toml:"scan_interval"`
	FrameRate     int    `toml:"frame_rate"`
	Rotation      int    `toml:"rotation"`
	CRF           int    `toml:"crf"`
	Preset        string `toml:"preset"`
	EncodeTimeout int    `toml:"encode_timeout"`
	StaleAfter    int    `toml:"stale_after_hours"`
	ScratchDir    string `toml:"scratch_dir"`
}

// Uploader contains settings for the Prusa Connect camera snapshot service.
type Uploader struct {
	Enabled          bool   `toml:"enabled"`
	URL              string `toml:"url"`
	Token            string `toml:"token"`
	Fingerprint      string `toml:"fingerprint"`
	Interval         int    `toml:"interval"`
	FailureThreshold int    `toml:"failure_threshold"`
	FailureBackoff   int    `toml:"failure_backoff"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	Sessions       bool   `toml:"sessions"`
	Encoding       bool   `toml:"encoding"`
	Errors         bool   `toml:"errors"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Daemon contains daemon runtime paths.
type Daemon struct {
	LogDir string `toml:"log_dir"`
}

// Config encapsulates all configuration values for printlapse.
//
// Configuration sections by subsystem:
//   - Printer: Prusa Connect status API credentials and timeouts
//   - Camera: capture binary and still-image geometry
//   - Storage: dual-tier frame store roots and mount health cadence
//   - Capture: session detection thresholds and capture intervals
//   - Encoding: timelapse assembly settings (ffmpeg)
//   - Uploader: Prusa Connect camera snapshot service
//   - Notifications: ntfy push notification settings
//   - Logging: log format, level, and retention
//   - Daemon: runtime directory for logs, lock, socket, and ledger
type Config struct {
	Printer       Printer       `toml:"printer"`
	Camera        Camera        `toml:"camera"`
	Storage       Storage       `toml:"storage"`
	Capture       Capture       `toml:"capture"`
	Encoding      Encoding      `toml:"encoding"`
	Uploader      Uploader      `toml:"uploader"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
	Daemon        Daemon        `toml:"daemon"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/printlapse/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("printlapse.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
// PrimaryDir is created on a best-effort basis so the daemon can start when
// network storage is temporarily unavailable.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Storage.FallbackDir, c.Daemon.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if strings.TrimSpace(c.Storage.PrimaryDir) != "" {
		// Best-effort to avoid failing config load when storage is offline.
		_ = os.MkdirAll(c.Storage.PrimaryDir, 0o755)
	}
	if strings.TrimSpace(c.Encoding.ScratchDir) != "" {
		if err := os.MkdirAll(c.Encoding.ScratchDir, 0o755); err != nil {
			return fmt.Errorf("create scratch directory %q: %w", c.Encoding.ScratchDir, err)
		}
	}
	return nil
}

// LockFilePath returns the path of the single-instance daemon lock file.
func (c *Config) LockFilePath() string {
	return filepath.Join(c.Daemon.LogDir, "printlapse.lock")
}

// PIDFilePath returns the path of the daemon PID file.
func (c *Config) PIDFilePath() string {
	return filepath.Join(c.Daemon.LogDir, "printlapse.pid")
}

// SocketPath returns the path of the daemon IPC socket.
func (c *Config) SocketPath() string {
	return filepath.Join(c.Daemon.LogDir, "printlapse.sock")
}

// LedgerPath returns the path of the session history database.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.Daemon.LogDir, "ledger.db")
}

// FFmpegBinary returns the ffmpeg executable name used for video assembly.
func (c *Config) FFmpegBinary() string {
	return "ffmpeg"
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	sample := sampleConfig

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
