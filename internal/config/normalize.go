package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizeStorage(); err != nil {
		return err
	}
	if err := c.normalizeCapture(); err != nil {
		return err
	}
	if err := c.normalizeEncoding(); err != nil {
		return err
	}
	if err := c.normalizeDaemon(); err != nil {
		return err
	}
	c.normalizePrinter()
	c.normalizeCamera()
	c.normalizeUploader()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePrinter() {
	if c.Printer.APIKey == "" {
		if value, ok := os.LookupEnv("PRUSA_CONNECT_API_KEY"); ok {
			c.Printer.APIKey = value
		}
	}
	c.Printer.APIKey = strings.TrimSpace(c.Printer.APIKey)
	c.Printer.PrinterUUID = strings.TrimSpace(c.Printer.PrinterUUID)
	c.Printer.BaseURL = strings.TrimRight(strings.TrimSpace(c.Printer.BaseURL), "/")
	if c.Printer.BaseURL == "" {
		c.Printer.BaseURL = defaultPrinterBaseURL
	}
}

func (c *Config) normalizeCamera() {
	c.Camera.Binary = strings.TrimSpace(c.Camera.Binary)
	if c.Camera.Binary == "" {
		c.Camera.Binary = defaultCameraBinary
	}
}

func (c *Config) normalizeStorage() error {
	var err error
	if c.Storage.PrimaryDir, err = expandPath(c.Storage.PrimaryDir); err != nil {
		return fmt.Errorf("storage.primary_dir: %w", err)
	}
	if strings.TrimSpace(c.Storage.FallbackDir) == "" {
		c.Storage.FallbackDir = defaultFallbackDir
	}
	if c.Storage.FallbackDir, err = expandPath(c.Storage.FallbackDir); err != nil {
		return fmt.Errorf("storage.fallback_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeCapture() error {
	var err error
	if strings.TrimSpace(c.Capture.ControlFile) == "" {
		c.Capture.ControlFile = defaultControlFile
	}
	if c.Capture.ControlFile, err = expandPath(c.Capture.ControlFile); err != nil {
		return fmt.Errorf("capture.control_file: %w", err)
	}
	return nil
}

func (c *Config) normalizeEncoding() error {
	c.Encoding.Preset = strings.ToLower(strings.TrimSpace(c.Encoding.Preset))
	if c.Encoding.Preset == "" {
		c.Encoding.Preset = defaultPreset
	}
	if strings.TrimSpace(c.Encoding.ScratchDir) != "" {
		var err error
		if c.Encoding.ScratchDir, err = expandPath(c.Encoding.ScratchDir); err != nil {
			return fmt.Errorf("encoding.scratch_dir: %w", err)
		}
	} else {
		c.Encoding.ScratchDir = ""
	}
	return nil
}

func (c *Config) normalizeUploader() {
	if c.Uploader.Token == "" {
		if value, ok := os.LookupEnv("PRUSA_CAMERA_TOKEN"); ok {
			c.Uploader.Token = value
		}
	}
	c.Uploader.Token = strings.TrimSpace(c.Uploader.Token)
	c.Uploader.Fingerprint = strings.TrimSpace(c.Uploader.Fingerprint)
	c.Uploader.URL = strings.TrimSpace(c.Uploader.URL)
	if c.Uploader.URL == "" {
		c.Uploader.URL = defaultUploaderURL
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays <= 0 {
		c.Logging.RetentionDays = defaultLogRetentionDays
	}
}

func (c *Config) normalizeDaemon() error {
	var err error
	if strings.TrimSpace(c.Daemon.LogDir) == "" {
		c.Daemon.LogDir = defaultLogDir
	}
	if c.Daemon.LogDir, err = expandPath(c.Daemon.LogDir); err != nil {
		return fmt.Errorf("daemon.log_dir: %w", err)
	}
	return nil
}
