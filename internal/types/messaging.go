package types

// DispatchMessage is the SQS envelope used for asynchronous delivery. The
// ingest API publishes it and the notify worker consumes it.
type DispatchMessage struct {
	EventID string     `json:"event_id"`
	Event   BuildEvent `json:"event"`

	// Preference is set when the caller supplied an inline preference
	// instead of relying on the configured provider.
	Preference *NotificationPreference `json:"preference,omitempty"`

	// RetryCount is incremented by the publisher before every re-queue.
	RetryCount int `json:"retry_count"`

	TraceID string `json:"trace_id,omitempty"`
}
