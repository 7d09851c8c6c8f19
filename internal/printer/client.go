package printer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/printlapse/printlapse/internal/config"
	"github.com/printlapse/printlapse/internal/services"
)

// StatePrinting is the job state that triggers frame capture.
const StatePrinting = "PRINTING"

// terminalStates are job states that no longer keep a session open. PAUSED
// and ATTENTION keep the session alive so a resumed print lands in the same
// timelapse.
var terminalStates = map[string]bool{
	"FINISHED": true,
	"STOPPED":  true,
	"ERROR":    true,
}

// Status is the normalized printer view derived from one API response.
//
// IsPrinting implies IsJobActive. JobID and Progress are nil when the API
// omitted them; JobName is empty in that case.
type Status struct {
	IsPrinting  bool
	IsJobActive bool
	JobID       *int64
	JobName     string
	Progress    *float64
	StateText   string
}

// HTTPDoer describes the HTTP client used by the Prusa Connect client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client fetches printer status from Prusa Connect.
type Client struct {
	baseURL string
	uuid    string
	apiKey  string
	client  HTTPDoer
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client, primarily for tests.
func WithHTTPClient(doer HTTPDoer) Option {
	return func(c *Client) {
		if doer != nil {
			c.client = doer
		}
	}
}

// NewClient constructs a Prusa Connect client from configuration.
func NewClient(cfg *config.Config, opts ...Option) *Client {
	client := &Client{
		baseURL: strings.TrimRight(cfg.Printer.BaseURL, "/"),
		uuid:    cfg.Printer.PrinterUUID,
		apiKey:  cfg.Printer.APIKey,
		client: &http.Client{
			Timeout: time.Duration(cfg.Printer.RequestTimeout) * time.Second,
		},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

type statusPayload struct {
	Job *struct {
		ID          *int64   `json:"id"`
		State       string   `json:"state"`
		DisplayName string   `json:"display_name"`
		Progress    *float64 `json:"progress"`
	} `json:"job"`
	Printer *struct {
		State string `json:"state"`
	} `json:"printer"`
}

// Status fetches and normalizes the current printer state. Network faults,
// non-auth HTTP errors, and malformed payloads surface as transient errors
// so the caller retries on its next tick; auth and identity problems are
// configuration errors.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	body, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}

	var payload statusPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, services.Wrap(services.ErrTransient, "printer", "status", "decode status payload", err)
	}
	return normalize(payload), nil
}

// TestConnection performs a status fetch and reports auth or identity
// problems with actionable messages. Used by preflight and the check command.
func (c *Client) TestConnection(ctx context.Context) error {
	if _, err := c.fetch(ctx); err != nil {
		return err
	}
	return nil
}

func (c *Client) fetch(ctx context.Context) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/printers/%s/status", c.baseURL, c.uuid)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "printer", "status", "build status request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "printer", "status", "fetch printer status", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, services.Wrap(services.ErrConfiguration, "printer", "status", "invalid API key", nil)
	case http.StatusNotFound:
		return nil, services.Wrap(services.ErrConfiguration, "printer", "status", "printer not found (check printer UUID)", nil)
	default:
		return nil, services.Wrap(services.ErrTransient, "printer", "status",
			fmt.Sprintf("status endpoint returned HTTP %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "printer", "status", "read status payload", err)
	}
	return body, nil
}

func normalize(payload statusPayload) *Status {
	status := &Status{StateText: "UNKNOWN"}

	switch {
	case payload.Job != nil:
		state := strings.ToUpper(strings.TrimSpace(payload.Job.State))
		if state != "" {
			status.StateText = state
		}
		status.JobID = payload.Job.ID
		status.JobName = payload.Job.DisplayName
		status.Progress = payload.Job.Progress
		status.IsPrinting = state == StatePrinting
		status.IsJobActive = !terminalStates[state]
	case payload.Printer != nil && strings.TrimSpace(payload.Printer.State) != "":
		state := strings.ToUpper(strings.TrimSpace(payload.Printer.State))
		status.StateText = state
		status.IsPrinting = state == StatePrinting
		// No job payload to anchor a session to, so only an actively
		// printing state keeps one open.
		status.IsJobActive = status.IsPrinting
	}

	return status
}
