package logging

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldEventType classifies a log line for downstream filtering.
	FieldEventType = "event_type"
	// FieldErrorHint carries the operator-facing next step for a failure.
	FieldErrorHint = "error_hint"
	// FieldImpact is the standardized key for the user-facing consequence of a warning.
	FieldImpact = "impact"
	// FieldSession is the standardized key for timelapse session names.
	FieldSession = "session"
	// FieldJobID is the standardized key for printer job identifiers.
	FieldJobID = "job_id"
	// FieldFrame is the standardized key for frame sequence numbers.
	FieldFrame = "frame"
	// FieldTier is the standardized key for the storage tier a frame landed on.
	FieldTier = "tier"
	// FieldMarker is the standardized key for session marker names.
	FieldMarker = "marker"
)
