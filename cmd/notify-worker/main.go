// Package main is the entrypoint for the Notify Worker Lambda function.
//
// The worker consumes DispatchMessages from the dispatch queue (published by
// the notifier in asynchronous mode) and delivers them to Chime.
//
// Handler flow, for each SQS record:
//  1. Unmarshal the DispatchMessage. Malformed bodies are logged and ACKed.
//  2. Resolve subscribers: the inline preference when present, otherwise
//     every subscriber the provider lists for the project.
//  3. Deliver to each subscriber and ask the PolicyEngine what to do with
//     failures: retry re-publishes a single-subscriber copy with a delay,
//     abandon logs, redeliver reports the record in BatchItemFailures.
//     Once any subscriber of the record has been notified, redeliveries
//     are re-published per subscriber instead, so nobody hears twice.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"chimenotify/internal/app"
	"chimenotify/internal/config"
	notifycore "chimenotify/internal/notifications/core"
	"chimenotify/internal/types"
)

// Deliverer sends one event to one subscriber.
type Deliverer interface {
	Deliver(ctx context.Context, event types.BuildEvent, pref types.NotificationPreference) (notifycore.Result, error)
}

// Republisher re-queues a message with a delay.
type Republisher interface {
	Publish(ctx context.Context, msg types.DispatchMessage, delay time.Duration) error
}

// Handler holds the dependencies for the notify worker Lambda handler.
type Handler struct {
	dispatcher Deliverer
	provider   notifycore.PreferenceProvider
	publisher  Republisher
	policy     notifycore.PolicyEngine
	metrics    notifycore.DispatchMetrics // may be nil
	logger     types.Logger
	now        func() time.Time
}

// Handle processes an SQS batch. Records that should be retried by SQS
// itself are returned in BatchItemFailures; everything else is ACKed.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		if err := h.processMessage(ctx, record); err != nil {
			h.logger.Error("failed to process SQS message",
				"message_id", record.MessageId,
				"error", err.Error(),
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	return response, nil
}

func (h *Handler) processMessage(ctx context.Context, record events.SQSMessage) error {
	var msg types.DispatchMessage
	if err := json.Unmarshal([]byte(record.Body), &msg); err != nil {
		// Permanent parse failure: ACK so the poison message leaves the queue.
		h.logger.Error("failed to unmarshal dispatch message",
			"message_id", record.MessageId,
			"error", err.Error(),
		)
		return nil
	}

	logger := h.logger.With(
		"event_id", msg.EventID,
		"project_id", msg.Event.ProjectID,
		"build_number", msg.Event.BuildNumber,
		"retry_count", msg.RetryCount,
		"trace_id", msg.TraceID,
	)

	if sent, ok := record.Attributes["SentTimestamp"]; ok && h.metrics != nil {
		if ts, err := parseMillisTimestamp(sent); err == nil {
			h.metrics.RecordQueueLag(ctx, h.now().Sub(ts))
		}
	}

	subs, err := h.subscribers(ctx, msg)
	if err != nil {
		return fmt.Errorf("resolve subscribers: %w", err)
	}
	if len(subs) == 0 {
		logger.Info("no notification configured")
		return nil
	}

	var (
		settled bool
		failed  []failedDelivery
	)
	for _, pref := range subs {
		notified, err := h.deliverOne(ctx, msg, pref, logger)
		settled = settled || notified
		if err != nil {
			failed = append(failed, failedDelivery{pref: pref, err: err})
		}
	}
	if len(failed) == 0 {
		return nil
	}

	// SQS redelivers the whole record, which is only safe while no
	// subscriber has been notified or handed to a retry.
	if !settled {
		errs := make([]error, len(failed))
		for i, f := range failed {
			errs[i] = f.err
		}
		return errors.Join(errs...)
	}
	for _, f := range failed {
		h.requeue(ctx, msg, f, logger)
	}
	return nil
}

type failedDelivery struct {
	pref types.NotificationPreference
	err  error
}

// requeue publishes a single-subscriber copy for a delivery that would
// otherwise need the whole record redelivered. If that fails too the
// subscriber is abandoned.
func (h *Handler) requeue(ctx context.Context, msg types.DispatchMessage, f failedDelivery, logger types.Logger) {
	logger = logger.With("destination", types.RedactURL(f.pref.WebhookURL))

	retry := msg
	retry.Preference = &f.pref
	if err := h.publisher.Publish(ctx, retry, 0); err != nil {
		logger.Error("dispatch abandoned",
			"reason", "requeue failed after other subscribers were notified",
			"cause", f.err.Error(),
			"error", err.Error(),
		)
		return
	}
	logger.Info("dispatch requeued for one subscriber", "cause", f.err.Error())
}

// subscribers returns the inline preference or the provider's list.
func (h *Handler) subscribers(ctx context.Context, msg types.DispatchMessage) ([]types.NotificationPreference, error) {
	if msg.Preference != nil {
		pref := *msg.Preference
		if pref.ProjectID == "" {
			pref.ProjectID = msg.Event.ProjectID
		}
		return []types.NotificationPreference{pref}, nil
	}
	if h.provider == nil {
		return nil, notifycore.ErrNoProvider
	}
	if lister, ok := h.provider.(notifycore.SubscriptionLister); ok {
		return lister.ListPreferences(ctx, msg.Event.ProjectID)
	}
	pref, ok, err := h.provider.GetPreferences(ctx, msg.Event.ProjectID)
	if err != nil || !ok || pref == nil {
		return nil, err
	}
	return []types.NotificationPreference{*pref}, nil
}

// deliverOne reports whether the subscriber was notified or handed to a
// delayed retry. It returns an error only when the delivery has to be
// attempted again by redelivery.
func (h *Handler) deliverOne(ctx context.Context, msg types.DispatchMessage, pref types.NotificationPreference, logger types.Logger) (bool, error) {
	logger = logger.With("destination", types.RedactURL(pref.WebhookURL))

	res, err := h.dispatcher.Deliver(ctx, msg.Event, pref)
	decision := h.policy.Evaluate(err, msg.RetryCount)

	switch decision.Decision {
	case notifycore.PolicyComplete:
		logger.Info("dispatch complete", "outcome", string(res.Outcome))
		return res.Outcome == types.OutcomeSent, nil

	case notifycore.PolicyRetry:
		// The retry carries this subscriber only, so subscribers that
		// already received the event are not notified twice.
		retry := msg
		retry.Preference = &pref
		if err := h.publisher.Publish(ctx, retry, decision.Delay); err != nil {
			return false, fmt.Errorf("publish retry: %w", err)
		}
		logger.Info("dispatch retry scheduled",
			"reason", decision.Reason,
			"delay_seconds", int(decision.Delay.Seconds()),
		)
		return true, nil

	case notifycore.PolicyAbandon:
		logger.Error("dispatch abandoned", "reason", decision.Reason)
		return false, nil

	default:
		return false, fmt.Errorf("dispatch %s: %s", msg.Event.ProjectID, decision.Reason)
	}
}

// parseMillisTimestamp parses the SQS SentTimestamp attribute.
func parseMillisTimestamp(ms string) (time.Time, error) {
	millis, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(millis), nil
}

func newHandler(comps *app.Components, logger types.Logger) *Handler {
	return &Handler{
		dispatcher: comps.Dispatcher,
		provider:   comps.Provider,
		publisher:  comps.Publisher,
		policy:     comps.Policy,
		metrics:    comps.Metrics,
		logger:     logger,
		now:        time.Now,
	}
}

func main() {
	cfg, err := config.LoadConfig(config.NewFileSecretProvider())
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: loading configuration: %v\n", err)
		os.Exit(1)
	}

	logger := app.NewLogger(os.Stdout, cfg.LogLevel)
	logger.Info("notify worker initializing (cold start)")

	if !cfg.AsyncDispatch() {
		logger.Error("SQS_DISPATCH_QUEUE is required for retries")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	comps, err := app.Build(ctx, cfg, logger, app.Options{})
	cancel()
	if err != nil {
		logger.Error("failed to build pipeline", "error", err)
		os.Exit(1)
	}

	handler := newHandler(comps, app.SlogAdapter{Logger: logger})

	logger.Info("notify worker initialized",
		"dispatch_queue", cfg.AWS.DispatchQueue,
		"preferences", cfg.Preferences.Source,
		"max_attempts", app.RetryPolicy(cfg.Retry).MaxAttempts,
		"metrics", cfg.Observability.EnableMetrics,
	)

	lambda.Start(handler.Handle)
}
