package config

import (
	"errors"
	"fmt"
	"strings"
)

var validPresets = map[string]bool{
	"ultrafast": true,
	"superfast": true,
	"veryfast":  true,
	"faster":    true,
	"fast":      true,
	"medium":    true,
	"slow":      true,
	"slower":    true,
	"veryslow":  true,
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePrinter(); err != nil {
		return err
	}
	if err := c.validateCamera(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateCapture(); err != nil {
		return err
	}
	if err := c.validateEncoding(); err != nil {
		return err
	}
	if err := c.validateUploader(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if c.Notifications.RequestTimeout <= 0 {
		return errors.New("notifications.request_timeout must be positive")
	}
	return nil
}

func (c *Config) validatePrinter() error {
	if c.Printer.APIKey == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = "~/.config/printlapse/config.toml"
		}
		return fmt.Errorf("printer.api_key is required. Set PRUSA_CONNECT_API_KEY env var or edit %s (create with 'printlapse config init')", defaultPath)
	}
	if c.Printer.PrinterUUID == "" {
		return errors.New("printer.printer_uuid must be set to the Prusa Connect printer UUID")
	}
	if c.Printer.RequestTimeout <= 0 {
		return errors.New("printer.request_timeout must be positive")
	}
	return nil
}

func (c *Config) validateCamera() error {
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return errors.New("camera.width and camera.height must be positive")
	}
	if c.Camera.Quality < 1 || c.Camera.Quality > 100 {
		return errors.New("camera.quality must be between 1 and 100")
	}
	if c.Camera.CaptureTimeout <= 0 {
		return errors.New("camera.capture_timeout must be positive")
	}
	return nil
}

func (c *Config) validateStorage() error {
	if strings.TrimSpace(c.Storage.PrimaryDir) == "" {
		return errors.New("storage.primary_dir must be set")
	}
	if strings.TrimSpace(c.Storage.FallbackDir) == "" {
		return errors.New("storage.fallback_dir must be set")
	}
	if c.Storage.PrimaryDir == c.Storage.FallbackDir {
		return errors.New("storage.fallback_dir must differ from storage.primary_dir")
	}
	if c.Storage.MinFreeMB < 0 {
		return errors.New("storage.min_free_mb must not be negative")
	}
	return ensurePositiveMap(map[string]int{
		"storage.copy_timeout":         c.Storage.CopyTimeout,
		"storage.mount_check_interval": c.Storage.MountCheckInterval,
		"storage.mount_probe_timeout":  c.Storage.MountProbeTimeout,
	})
}

func (c *Config) validateCapture() error {
	if err := ensurePositiveMap(map[string]int{
		"capture.poll_interval":           c.Capture.PollInterval,
		"capture.capture_interval":        c.Capture.CaptureInterval,
		"capture.finishing_interval":      c.Capture.FinishingInterval,
		"capture.post_print_interval":     c.Capture.PostPrintInterval,
		"capture.post_print_max_failures": c.Capture.PostPrintMaxFailures,
	}); err != nil {
		return err
	}
	if c.Capture.FinishingThreshold < 0 || c.Capture.FinishingThreshold > 100 {
		return errors.New("capture.finishing_threshold must be between 0 and 100")
	}
	if c.Capture.PostPrintFrames < 0 {
		return errors.New("capture.post_print_frames must not be negative")
	}
	if c.Capture.StopDebounceTicks < 1 {
		return errors.New("capture.stop_debounce_ticks must be at least 1")
	}
	if strings.TrimSpace(c.Capture.ControlFile) == "" {
		return errors.New("capture.control_file must be set")
	}
	return nil
}

func (c *Config) validateEncoding() error {
	if c.Encoding.FrameRate < 1 || c.Encoding.FrameRate > 60 {
		return errors.New("encoding.frame_rate must be between 1 and 60")
	}
	switch c.Encoding.Rotation {
	case 0, 90, 180, 270:
	default:
		return errors.New("encoding.rotation must be one of 0, 90, 180, 270")
	}
	if c.Encoding.CRF < 0 || c.Encoding.CRF > 51 {
		return errors.New("encoding.crf must be between 0 and 51")
	}
	if !validPresets[c.Encoding.Preset] {
		return fmt.Errorf("encoding.preset %q is not a valid x264 preset", c.Encoding.Preset)
	}
	return ensurePositiveMap(map[string]int{
		"encoding.scan_interval":     c.Encoding.ScanInterval,
		"encoding.encode_timeout":    c.Encoding.EncodeTimeout,
		"encoding.stale_after_hours": c.Encoding.StaleAfter,
	})
}

func (c *Config) validateUploader() error {
	if !c.Uploader.Enabled {
		return nil
	}
	if c.Uploader.Token == "" {
		return errors.New("uploader.token must be set when uploader.enabled is true. Set PRUSA_CAMERA_TOKEN env var or edit the config file")
	}
	if c.Uploader.Fingerprint == "" {
		return errors.New("uploader.fingerprint must be set when uploader.enabled is true")
	}
	if strings.TrimSpace(c.Uploader.URL) == "" {
		return errors.New("uploader.url must be set when uploader.enabled is true")
	}
	return ensurePositiveMap(map[string]int{
		"uploader.interval":          c.Uploader.Interval,
		"uploader.failure_threshold": c.Uploader.FailureThreshold,
		"uploader.failure_backoff":   c.Uploader.FailureBackoff,
	})
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format %q must be console or json", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q must be one of debug, info, warn, error", c.Logging.Level)
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
