package notifications

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/printlapse/printlapse/internal/config"
	"github.com/printlapse/printlapse/internal/encoding"
	"github.com/printlapse/printlapse/internal/logging"
	"github.com/printlapse/printlapse/internal/services"
)

const userAgent = "printlapse/0.1.0"

// Service is the notification surface exposed to the daemon loops. The
// event methods never fail from the caller's point of view; only the
// explicit connectivity test returns an error.
type Service interface {
	SessionStarted(ctx context.Context, session, origin string)
	SessionFinalized(ctx context.Context, session string, frames int)
	EncodeCompleted(ctx context.Context, session string, result encoding.Result, elapsed time.Duration)
	EncodeFailed(ctx context.Context, session, reason string)
	DiskFull(ctx context.Context, freeMB, minFreeMB uint64)
	CameraGone(ctx context.Context, device string)
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config, logger *slog.Logger) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
		logger:   logging.NewComponentLogger(logger, "notifications"),
		sessions: cfg.Notifications.Sessions,
		encoding: cfg.Notifications.Encoding,
		errors:   cfg.Notifications.Errors,
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
	sessions bool
	encoding bool
	errors   bool
}

func (n *ntfyService) SessionStarted(ctx context.Context, session, origin string) {
	if !n.sessions {
		return
	}
	n.send(ctx, payload{
		title:   "Printlapse - Recording",
		message: fmt.Sprintf("🎥 Recording started: %s (%s)", session, origin),
		tags:    []string{"printlapse", "session", "started"},
	})
}

func (n *ntfyService) SessionFinalized(ctx context.Context, session string, frames int) {
	if !n.sessions {
		return
	}
	n.send(ctx, payload{
		title:   "Printlapse - Session Finished",
		message: fmt.Sprintf("Recording finished: %s (%d frames)", session, frames),
		tags:    []string{"printlapse", "session", "finished"},
	})
}

func (n *ntfyService) EncodeCompleted(ctx context.Context, session string, result encoding.Result, elapsed time.Duration) {
	if !n.encoding {
		return
	}
	n.send(ctx, payload{
		title: "Printlapse - Timelapse Ready",
		message: fmt.Sprintf("🎞️ Timelapse ready: %s (%d frames, %.1f MB in %s)",
			session, result.Frames, float64(result.SizeBytes)/(1024*1024), elapsed.Round(time.Second)),
		tags: []string{"printlapse", "encode", "completed"},
	})
}

func (n *ntfyService) EncodeFailed(ctx context.Context, session, reason string) {
	if !n.encoding {
		return
	}
	n.send(ctx, payload{
		title:    "Printlapse - Encode Failed",
		message:  fmt.Sprintf("❌ Encoding failed: %s (%s)\nSee the session's encoding.log", session, reason),
		tags:     []string{"printlapse", "encode", "failed"},
		priority: "high",
	})
}

func (n *ntfyService) DiskFull(ctx context.Context, freeMB, minFreeMB uint64) {
	if !n.errors {
		return
	}
	n.send(ctx, payload{
		title:    "Printlapse - Disk Full",
		message:  fmt.Sprintf("⚠️ Local disk low on space: %d MB free, need %d MB. Frames are being dropped.", freeMB, minFreeMB),
		tags:     []string{"printlapse", "storage", "alert"},
		priority: "high",
	})
}

func (n *ntfyService) CameraGone(ctx context.Context, device string) {
	if !n.errors {
		return
	}
	n.send(ctx, payload{
		title:    "Printlapse - Camera Disconnected",
		message:  fmt.Sprintf("📷 Camera disappeared: %s. Captures will fail until it returns.", device),
		tags:     []string{"printlapse", "camera", "alert"},
		priority: "high",
	})
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	return n.post(ctx, payload{
		title:    "Printlapse - Test",
		message:  "🧪 Notification system test",
		tags:     []string{"printlapse", "test"},
		priority: "low",
	})
}

func (n *ntfyService) send(ctx context.Context, data payload) {
	if err := n.post(ctx, data); err != nil {
		n.logger.Debug("notification dropped", logging.Error(err))
	}
}

func (n *ntfyService) post(ctx context.Context, data payload) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return services.Wrap(services.ErrValidation, "notifications", "publish", "build ntfy request", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return services.Wrap(services.ErrTransient, "notifications", "publish", "send ntfy notification", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return services.Wrap(services.ErrTransient, "notifications", "publish",
			fmt.Sprintf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), nil)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) SessionStarted(context.Context, string, string) {}

func (noopService) SessionFinalized(context.Context, string, int) {}

func (noopService) EncodeCompleted(context.Context, string, encoding.Result, time.Duration) {}

func (noopService) EncodeFailed(context.Context, string, string) {}

func (noopService) DiskFull(context.Context, uint64, uint64) {}

func (noopService) CameraGone(context.Context, string) {}

func (noopService) TestNotification(context.Context) error {
	return services.Wrap(services.ErrConfiguration, "notifications", "test", "no ntfy topic configured", nil)
}
