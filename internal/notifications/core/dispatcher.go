package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"chimenotify/internal/notifications/chime"
	"chimenotify/internal/types"
)

// defaultFanout bounds concurrent deliveries in DispatchAll.
const defaultFanout = 8

// Result describes one dispatch to one subscriber.
type Result struct {
	Outcome types.DispatchOutcome
	Receipt types.DeliveryReceipt
}

// Dispatcher filters build events against preferences and hands the
// survivors to the Formatter and Sender. It holds no per-call state and is
// safe for concurrent use.
type Dispatcher struct {
	formatter    Formatter
	sender       Sender
	provider     PreferenceProvider
	deliveries   DeliveryManager
	metrics      DispatchMetrics
	logger       types.Logger
	fanout       int
	contentField string
}

// DispatcherOption is a functional option for configuring a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithProvider sets the preference source used by DispatchProject and
// DispatchAll.
func WithProvider(p PreferenceProvider) DispatcherOption {
	return func(d *Dispatcher) {
		d.provider = p
	}
}

// WithDeliveryManager enables the delivery log.
func WithDeliveryManager(m DeliveryManager) DispatcherOption {
	return func(d *Dispatcher) {
		d.deliveries = m
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m DispatchMetrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithFanout bounds concurrent deliveries in DispatchAll.
func WithFanout(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.fanout = n
		}
	}
}

// WithDefaultContentField sets the field used when neither the preference
// nor the webhook host determines one.
func WithDefaultContentField(field string) DispatcherOption {
	return func(d *Dispatcher) {
		d.contentField = field
	}
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(formatter Formatter, sender Sender, logger types.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = types.NopLogger{}
	}
	d := &Dispatcher{
		formatter:    formatter,
		sender:       sender,
		metrics:      nopMetrics{},
		logger:       logger,
		fanout:       defaultFanout,
		contentField: types.DefaultContentField,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch notifies one subscriber about event. A status outside the
// preference's filter returns nil with no side effects. Otherwise exactly
// one webhook call is made; its failure is returned wrapped.
func (d *Dispatcher) Dispatch(ctx context.Context, event types.BuildEvent, prefs types.NotificationPreference) error {
	_, err := d.Deliver(ctx, event, prefs)
	return err
}

// Deliver is Dispatch that also reports what happened.
func (d *Dispatcher) Deliver(ctx context.Context, event types.BuildEvent, prefs types.NotificationPreference) (res Result, err error) {
	// Inputs are validated before the filter runs: a subscriber with no
	// webhook URL is a configuration error whatever the build status.
	if err := event.Validate(); err != nil {
		return Result{Outcome: types.OutcomeFailed}, fmt.Errorf("dispatch: %w", err)
	}
	if prefs.WebhookURL == "" {
		return Result{Outcome: types.OutcomeFailed}, fmt.Errorf("dispatch %s #%s: %w",
			event.ProjectID, event.BuildNumber,
			types.NewNotifyError(types.KindInvalidConfig, "webhook URL is empty", nil))
	}

	logger := d.logger.With(
		"project_id", event.ProjectID,
		"build_number", event.BuildNumber,
		"status", string(event.Status),
	)

	if !prefs.Wants(event.Status) {
		d.metrics.RecordFiltered(ctx, event.ProjectID, event.Status)
		logger.Info("event filtered by preference")
		return Result{Outcome: types.OutcomeFiltered}, nil
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic during dispatch", "panic", fmt.Sprint(r))
			res = Result{Outcome: types.OutcomeFailed}
			err = fmt.Errorf("dispatch %s #%s: panic: %v", event.ProjectID, event.BuildNumber, r)
		}
	}()

	opts := prefs.Display
	opts.ContentField = chime.ResolveContentField(opts.ContentField, prefs.WebhookURL, d.contentField)
	payload := d.formatter.Format(event, opts)

	receipt, sendErr := d.sender.Send(ctx, prefs.WebhookURL, payload, prefs.Timeout)
	attempt := DeliveryAttempt{
		Event:      event,
		Preference: prefs,
		Payload:    payload,
		Receipt:    receipt,
		Err:        sendErr,
	}

	if sendErr != nil {
		kind := types.NotifyErrorKind("")
		if ne, ok := types.AsNotifyError(sendErr); ok {
			kind = ne.Kind
		}
		d.metrics.RecordDelivery(ctx, event.ProjectID, MetricFailed, kind)
		d.recordDelivery(ctx, logger, attempt)

		logger.Warn("notification not delivered",
			"destination", types.RedactURL(prefs.WebhookURL),
			"error", sendErr.Error(),
		)
		return Result{Outcome: types.OutcomeFailed, Receipt: receipt},
			fmt.Errorf("dispatch %s #%s: %w", event.ProjectID, event.BuildNumber, sendErr)
	}

	d.metrics.RecordDelivery(ctx, event.ProjectID, MetricSuccess, "")
	d.metrics.RecordLatency(ctx, event.ProjectID, receipt.Latency)
	d.recordDelivery(ctx, logger, attempt)

	logger.Info("notification sent",
		"provider_message_id", receipt.ProviderMessageID,
		"latency_ms", receipt.Latency.Milliseconds(),
	)
	return Result{Outcome: types.OutcomeSent, Receipt: receipt}, nil
}

// DispatchProject resolves the project's preference and dispatches to it.
// A project with nothing configured yields OutcomeUnconfigured and no error.
func (d *Dispatcher) DispatchProject(ctx context.Context, event types.BuildEvent) (Result, error) {
	if d.provider == nil {
		return Result{Outcome: types.OutcomeFailed}, ErrNoProvider
	}

	pref, ok, err := d.provider.GetPreferences(ctx, event.ProjectID)
	if err != nil {
		return Result{Outcome: types.OutcomeFailed}, fmt.Errorf("dispatch %s: load preferences: %w", event.ProjectID, err)
	}
	if !ok || pref == nil {
		d.logger.Info("no notification configured", "project_id", event.ProjectID)
		return Result{Outcome: types.OutcomeUnconfigured}, nil
	}

	return d.Deliver(ctx, event, *pref)
}

// DispatchAll notifies every subscriber of the event's project. Providers
// that do not implement SubscriptionLister are treated as having a single
// subscriber. Deliveries run concurrently, bounded by the fanout limit; one
// subscriber's failure does not stop the others and all errors are joined.
func (d *Dispatcher) DispatchAll(ctx context.Context, event types.BuildEvent) ([]Result, error) {
	if d.provider == nil {
		return nil, ErrNoProvider
	}

	lister, ok := d.provider.(SubscriptionLister)
	if !ok {
		res, err := d.DispatchProject(ctx, event)
		return []Result{res}, err
	}

	prefs, err := lister.ListPreferences(ctx, event.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("dispatch %s: list preferences: %w", event.ProjectID, err)
	}
	if len(prefs) == 0 {
		d.logger.Info("no notification configured", "project_id", event.ProjectID)
		return []Result{{Outcome: types.OutcomeUnconfigured}}, nil
	}

	results := make([]Result, len(prefs))
	errs := make([]error, len(prefs))

	var g errgroup.Group
	g.SetLimit(d.fanout)
	for i := range prefs {
		g.Go(func() error {
			results[i], errs[i] = d.Deliver(ctx, event, prefs[i])
			return nil
		})
	}
	_ = g.Wait()

	return results, errors.Join(errs...)
}

// recordDelivery writes the delivery log entry. Errors are logged only.
func (d *Dispatcher) recordDelivery(ctx context.Context, logger types.Logger, a DeliveryAttempt) {
	if d.deliveries == nil {
		return
	}

	// The caller's deadline may be nearly spent after a slow webhook.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	var err error
	if a.Err != nil {
		err = d.deliveries.RecordFailure(ctx, a)
	} else {
		err = d.deliveries.RecordSuccess(ctx, a)
	}
	if err != nil {
		logger.Error("failed to record delivery", "error", err.Error())
	}
}
