package types

import "time"

// DispatchOutcome summarizes what happened to a single event for one
// subscriber.
type DispatchOutcome string

const (
	OutcomeSent         DispatchOutcome = "sent"
	OutcomeFiltered     DispatchOutcome = "filtered"
	OutcomeUnconfigured DispatchOutcome = "unconfigured"
	OutcomeFailed       DispatchOutcome = "failed"

	// OutcomeQueued is reported by the ingest API in asynchronous mode.
	OutcomeQueued DispatchOutcome = "queued"
)

// DeliveryReceipt describes a webhook call that returned 2xx.
type DeliveryReceipt struct {
	StatusCode        int
	ProviderMessageID string
	Latency           time.Duration
}

// DeliveryRecord is one row of the delivery log.
type DeliveryRecord struct {
	ID                string
	EventID           string
	ProjectID         string
	BuildNumber       string
	Status            BuildStatus
	Outcome           DispatchOutcome
	ErrorKind         NotifyErrorKind
	HTTPStatus        int
	ProviderMessageID string
	Destination       string // redacted
	Latency           time.Duration
	Payload           []byte
	CreatedAt         time.Time
}
