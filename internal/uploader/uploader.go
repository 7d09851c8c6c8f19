package uploader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/printlapse/printlapse/internal/config"
	"github.com/printlapse/printlapse/internal/services"
)

const (
	// Prusa Connect rejects fingerprints shorter than 16 characters.
	minFingerprintLength = 16

	uploadTimeout = 30 * time.Second
)

// HTTPDoer describes the HTTP client used for snapshot uploads.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client PUTs JPEG snapshots to the Prusa Connect webcam endpoint.
type Client struct {
	url         string
	token       string
	fingerprint string
	client      HTTPDoer
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client, primarily for tests.
func WithHTTPClient(doer HTTPDoer) ClientOption {
	return func(c *Client) {
		if doer != nil {
			c.client = doer
		}
	}
}

// NewClient constructs a snapshot upload client from configuration.
func NewClient(cfg *config.Config, opts ...ClientOption) *Client {
	client := &Client{
		url:         cfg.Uploader.URL,
		token:       cfg.Uploader.Token,
		fingerprint: padFingerprint(cfg.Uploader.Fingerprint),
		client:      &http.Client{Timeout: uploadTimeout},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// padFingerprint right-pads short camera identifiers with zeros so they
// meet the endpoint's minimum length.
func padFingerprint(fingerprint string) string {
	if len(fingerprint) >= minFingerprintLength {
		return fingerprint
	}
	return fingerprint + strings.Repeat("0", minFingerprintLength-len(fingerprint))
}

// Upload sends one snapshot. Auth failures are configuration errors;
// everything else is transient and the loop simply tries again.
func (c *Client) Upload(ctx context.Context, imagePath string) error {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return services.Wrap(services.ErrValidation, "uploader", "upload", "read snapshot", err)
	}
	code, err := c.put(ctx, "upload", bytes.NewReader(data))
	if err != nil {
		return err
	}
	if code == http.StatusOK || code == http.StatusNoContent {
		return nil
	}
	return c.statusError("upload", code)
}

// TestConnection PUTs an empty body. The endpoint rejects it with 400 after
// auth has already passed, so 400 still proves the token works.
func (c *Client) TestConnection(ctx context.Context) error {
	code, err := c.put(ctx, "test connection", http.NoBody)
	if err != nil {
		return err
	}
	switch code {
	case http.StatusOK, http.StatusNoContent, http.StatusBadRequest:
		return nil
	}
	return c.statusError("test connection", code)
}

func (c *Client) put(ctx context.Context, operation string, body io.Reader) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.url, body)
	if err != nil {
		return 0, services.Wrap(services.ErrValidation, "uploader", operation, "build snapshot request", err)
	}
	req.Header.Set("Content-Type", "image/jpg")
	req.Header.Set("Token", c.token)
	req.Header.Set("Fingerprint", c.fingerprint)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, services.Wrap(services.ErrTransient, "uploader", operation, "put snapshot", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func (c *Client) statusError(operation string, code int) error {
	switch code {
	case http.StatusUnauthorized:
		return services.Wrap(services.ErrConfiguration, "uploader", operation, "invalid camera token", nil)
	case http.StatusNotFound:
		return services.Wrap(services.ErrConfiguration, "uploader", operation, "snapshot endpoint not found (check uploader URL)", nil)
	default:
		return services.Wrap(services.ErrTransient, "uploader", operation,
			fmt.Sprintf("snapshot endpoint returned HTTP %d", code), nil)
	}
}
