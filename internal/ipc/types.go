package ipc

import "time"

// PingRequest probes daemon liveness.
type PingRequest struct{}

// PingResponse identifies the daemon process answering the socket.
type PingResponse struct {
	PID int `json:"pid"`
}

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// CaptureStatus describes the capture loop and its active session, if any.
type CaptureStatus struct {
	Active            bool      `json:"active"`
	Session           string    `json:"session,omitempty"`
	Origin            string    `json:"origin,omitempty"`
	Mode              string    `json:"mode,omitempty"`
	JobID             *int64    `json:"job_id,omitempty"`
	Frames            int       `json:"frames"`
	CaptureOK         int       `json:"capture_ok"`
	CaptureFailed     int       `json:"capture_failed"`
	PostPrintCaptured int       `json:"post_print_captured,omitempty"`
	StartedAt         time.Time `json:"started_at,omitzero"`
}

// EncodingStatus describes the encoding coordinator's progress counters.
type EncodingStatus struct {
	Enabled     bool   `json:"enabled"`
	Encoding    string `json:"encoding,omitempty"`
	LastSession string `json:"last_session,omitempty"`
	LastOutcome string `json:"last_outcome,omitempty"`
	Completed   int    `json:"completed"`
	Failed      int    `json:"failed"`
}

// UploaderStatus describes the snapshot uploader's counters.
type UploaderStatus struct {
	Enabled             bool      `json:"enabled"`
	Uploads             int       `json:"uploads"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastUpload          time.Time `json:"last_upload,omitzero"`
}

// StatusResponse represents combined daemon runtime information.
type StatusResponse struct {
	Running          bool           `json:"running"`
	PID              int            `json:"pid"`
	StartedAt        time.Time      `json:"started_at,omitzero"`
	Capture          CaptureStatus  `json:"capture"`
	Encoding         EncodingStatus `json:"encoding"`
	Uploader         UploaderStatus `json:"uploader"`
	PrimaryHealthy   bool           `json:"primary_healthy"`
	ActiveTier       string         `json:"active_tier"`
	PendingEncodes   []string       `json:"pending_encodes,omitempty"`
	FallbackSessions []string       `json:"fallback_sessions,omitempty"`
	LockPath         string         `json:"lock_path"`
	LedgerPath       string         `json:"ledger_path"`
}
