// Package core holds the event dispatcher and the delivery infrastructure
// shared by the ingest API, the async worker and the CLI: preference lookup,
// retry policy, metrics, the SQS publisher and the delivery log.
package core

import (
	"context"
	"errors"
	"time"

	"chimenotify/internal/types"
)

// Formatter turns a build event into the webhook body.
type Formatter interface {
	Format(event types.BuildEvent, opts types.DisplayOptions) types.ChimePayload
}

// Sender performs exactly one webhook POST.
type Sender interface {
	Send(ctx context.Context, webhookURL string, payload types.ChimePayload, timeout time.Duration) (types.DeliveryReceipt, error)
}

// PreferenceProvider resolves the preference for a project. ok is false when
// nothing is configured; that is not an error.
type PreferenceProvider interface {
	GetPreferences(ctx context.Context, projectID string) (pref *types.NotificationPreference, ok bool, err error)
}

// SubscriptionLister is implemented by providers that support several
// subscribers per project.
type SubscriptionLister interface {
	ListPreferences(ctx context.Context, projectID string) ([]types.NotificationPreference, error)
}

// ErrNoProvider is returned by DispatchProject and DispatchAll when the
// Dispatcher was built without a PreferenceProvider.
var ErrNoProvider = errors.New("dispatcher: no preference provider configured")

// PolicyDecision is what the worker should do with a message after a
// dispatch attempt.
type PolicyDecision string

const (
	// PolicyComplete means the message is finished (delivered, filtered or
	// unconfigured).
	PolicyComplete PolicyDecision = "complete"

	// PolicyRetry means re-publish the message after PolicyResult.Delay.
	PolicyRetry PolicyDecision = "retry"

	// PolicyAbandon means the failure is permanent or the retry budget is spent.
	PolicyAbandon PolicyDecision = "abandon"

	// PolicyRedeliver means the failure happened before delivery (for example
	// the preference store was down); let SQS redeliver the original message.
	PolicyRedeliver PolicyDecision = "redeliver"
)

// PolicyResult contains the decision and its metadata.
type PolicyResult struct {
	Decision PolicyDecision
	Reason   string
	Delay    time.Duration // set when Decision is PolicyRetry
}

// PolicyEngine decides how a failed dispatch is handled.
type PolicyEngine interface {
	Evaluate(err error, retryCount int) PolicyResult
}

// MetricResult categorizes a delivery outcome for metrics reporting.
type MetricResult string

const (
	MetricSuccess  MetricResult = "success"
	MetricFailed   MetricResult = "failed"
	MetricFiltered MetricResult = "filtered"
)

// DispatchMetrics abstracts CloudWatch operations for the dispatcher and
// worker.
type DispatchMetrics interface {
	RecordDelivery(ctx context.Context, projectID string, result MetricResult, kind types.NotifyErrorKind)
	RecordLatency(ctx context.Context, projectID string, duration time.Duration)
	RecordFiltered(ctx context.Context, projectID string, status types.BuildStatus)
	RecordQueueLag(ctx context.Context, lag time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) RecordDelivery(context.Context, string, MetricResult, types.NotifyErrorKind) {}
func (nopMetrics) RecordLatency(context.Context, string, time.Duration)                       {}
func (nopMetrics) RecordFiltered(context.Context, string, types.BuildStatus)                  {}
func (nopMetrics) RecordQueueLag(context.Context, time.Duration)                              {}

// RetryPolicy defines the exponential backoff parameters for re-queued
// deliveries.
type RetryPolicy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryPolicy matches the RETRY_* configuration defaults. MaxDelay
// equals the SQS DelaySeconds ceiling.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:   3,
	BaseDelay:     30 * time.Second,
	MaxDelay:      15 * time.Minute,
	BackoffFactor: 2.0,
}

// CalculateNextRetry computes the delay before the next retry attempt using
// exponential backoff: delay = min(BaseDelay * BackoffFactor^attempt, MaxDelay).
func CalculateNextRetry(policy RetryPolicy, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(policy.BaseDelay)
	for i := 0; i < attempt; i++ {
		delay *= policy.BackoffFactor
	}

	d := time.Duration(delay)
	if d > policy.MaxDelay {
		d = policy.MaxDelay
	}
	if d < 0 {
		// Guard against overflow
		d = policy.MaxDelay
	}

	return d
}
