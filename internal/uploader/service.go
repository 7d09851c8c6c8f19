package uploader

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/printlapse/printlapse/internal/config"
	"github.com/printlapse/printlapse/internal/logging"
)

// FrameSource captures one snapshot and returns its path. The service owns
// the returned file and removes it after the upload attempt.
type FrameSource interface {
	Capture(ctx context.Context) (string, error)
}

// Service runs the capture-and-upload loop. Capture and upload failures
// share one consecutive-failure counter; crossing the threshold trades the
// normal cadence for one backoff sleep, then the counter starts over.
type Service struct {
	camera FrameSource
	client *Client
	logger *slog.Logger

	enabled   bool
	interval  time.Duration
	threshold int
	backoff   time.Duration

	mu          sync.Mutex
	consecutive int
	uploads     int
	lastUpload  time.Time
}

// NewService builds the snapshot upload service.
func NewService(cfg *config.Config, camera FrameSource, client *Client, logger *slog.Logger) *Service {
	return &Service{
		camera:    camera,
		client:    client,
		logger:    logging.NewComponentLogger(logger, "uploader"),
		enabled:   cfg.Uploader.Enabled,
		interval:  time.Duration(cfg.Uploader.Interval) * time.Second,
		threshold: cfg.Uploader.FailureThreshold,
		backoff:   time.Duration(cfg.Uploader.FailureBackoff) * time.Second,
	}
}

// Run uploads snapshots until the context is canceled.
func (s *Service) Run(ctx context.Context) error {
	if !s.enabled {
		s.logger.Info("snapshot uploader disabled in configuration")
		<-ctx.Done()
		return ctx.Err()
	}

	s.logger.Info("snapshot uploader started",
		logging.Duration("interval", s.interval),
		logging.Int("failure_threshold", s.threshold))
	for {
		sleep := s.interval
		if err := s.cycle(ctx); err != nil && ctx.Err() == nil {
			failures := s.recordFailure()
			if failures >= s.threshold {
				logging.WarnWithContext(s.logger, "snapshot uploads failing repeatedly", "uploader_backoff",
					logging.Int("consecutive_failures", failures),
					logging.Duration("backing_off", s.backoff),
					logging.Error(err),
					logging.String(logging.FieldImpact, "printer web view goes stale until uploads recover"))
				s.resetFailures()
				sleep = s.backoff
			} else {
				s.logger.Debug("snapshot upload failed",
					logging.Int("consecutive_failures", failures),
					logging.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			s.logger.Info("snapshot uploader stopped")
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func (s *Service) cycle(ctx context.Context) error {
	snapshot, err := s.camera.Capture(ctx)
	if err != nil {
		return err
	}
	defer os.Remove(snapshot)

	if err := s.client.Upload(ctx, snapshot); err != nil {
		return err
	}
	s.recordSuccess()
	return nil
}

func (s *Service) recordFailure() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutive++
	return s.consecutive
}

func (s *Service) resetFailures() {
	s.mu.Lock()
	s.consecutive = 0
	s.mu.Unlock()
}

func (s *Service) recordSuccess() {
	s.mu.Lock()
	s.consecutive = 0
	s.uploads++
	s.lastUpload = time.Now()
	s.mu.Unlock()
}

// Snapshot describes the uploader for status reporting.
type Snapshot struct {
	Enabled             bool      `json:"enabled"`
	Uploads             int       `json:"uploads"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastUpload          time.Time `json:"last_upload,omitzero"`
}

// Snapshot returns a copy of the service counters.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Enabled:             s.enabled,
		Uploads:             s.uploads,
		ConsecutiveFailures: s.consecutive,
		LastUpload:          s.lastUpload,
	}
}
