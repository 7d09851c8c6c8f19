package config

const (
	defaultPrinterBaseURL        = "https://connect.prusa3d.com/api/v1"
	defaultPrinterRequestTimeout = 15

	defaultCameraBinary         = "rpicam-still"
	defaultCameraWidth          = 1704
	defaultCameraHeight         = 1278
	defaultCameraQuality        = 85
	defaultCameraCaptureTimeout = 30

	defaultPrimaryDir         = "/mnt/nas/printer-footage"
	defaultFallbackDir        = "~/timelapse_local"
	defaultCopyTimeout        = 30
	defaultMinFreeMB          = 2048
	defaultMountCheckInterval = 300
	defaultMountProbeTimeout  = 5

	defaultPollInterval         = 30
	defaultCaptureInterval      = 30
	defaultFinishingThreshold   = 98.0
	defaultFinishingInterval    = 5
	defaultPostPrintFrames      = 24
	defaultPostPrintInterval    = 5
	defaultPostPrintMaxFailures = 10
	defaultStopDebounceTicks    = 3
	defaultControlFile          = "~/.timelapse_recording"

	defaultEncodingScanInterval = 60
	defaultFrameRate            = 15
	defaultRotation             = 180
	defaultCRF                  = 18
	defaultPreset               = "veryfast"
	defaultEncodeTimeout        = 3600
	defaultStaleAfterHours      = 2

	defaultUploaderURL              = "https://webcam.connect.prusa3d.com/c/snapshot"
	defaultUploaderInterval         = 12
	defaultUploaderFailureThreshold = 5
	defaultUploaderFailureBackoff   = 60

	defaultNotifyRequestTimeout = 10

	defaultLogFormat        = "console"
	defaultLogLevel         = "info"
	defaultLogRetentionDays = 60
	defaultLogDir           = "~/.local/share/printlapse/logs"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Printer: Printer{
			BaseURL:        defaultPrinterBaseURL,
			RequestTimeout: defaultPrinterRequestTimeout,
		},
		Camera: Camera{
			Binary:         defaultCameraBinary,
			Width:          defaultCameraWidth,
			Height:         defaultCameraHeight,
			Quality:        defaultCameraQuality,
			CaptureTimeout: defaultCameraCaptureTimeout,
		},
		Storage: Storage{
			PrimaryDir:         defaultPrimaryDir,
			FallbackDir:        defaultFallbackDir,
			CopyTimeout:        defaultCopyTimeout,
			MinFreeMB:          defaultMinFreeMB,
			MountCheckInterval: defaultMountCheckInterval,
			MountProbeTimeout:  defaultMountProbeTimeout,
		},
		Capture: Capture{
			PollInterval:         defaultPollInterval,
			CaptureInterval:      defaultCaptureInterval,
			FinishingThreshold:   defaultFinishingThreshold,
			FinishingInterval:    defaultFinishingInterval,
			PostPrintFrames:      defaultPostPrintFrames,
			PostPrintInterval:    defaultPostPrintInterval,
			PostPrintMaxFailures: defaultPostPrintMaxFailures,
			StopDebounceTicks:    defaultStopDebounceTicks,
			ControlFile:          defaultControlFile,
		},
		Encoding: Encoding{
			Enabled:       true,
			ScanInterval:  defaultEncodingScanInterval,
			FrameRate:     defaultFrameRate,
			Rotation:      defaultRotation,
			CRF:           defaultCRF,
			Preset:        defaultPreset,
			EncodeTimeout: defaultEncodeTimeout,
			StaleAfter:    defaultStaleAfterHours,
		},
		Uploader: Uploader{
			URL:              defaultUploaderURL,
			Interval:         defaultUploaderInterval,
			FailureThreshold: defaultUploaderFailureThreshold,
			FailureBackoff:   defaultUploaderFailureBackoff,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyRequestTimeout,
			Sessions:       true,
			Encoding:       true,
			Errors:         true,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
		Daemon: Daemon{
			LogDir: defaultLogDir,
		},
	}
}
