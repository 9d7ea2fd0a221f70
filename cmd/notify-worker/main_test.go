package main

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"

	notifycore "chimenotify/internal/notifications/core"
	"chimenotify/internal/preferences"
	"chimenotify/internal/types"
)

// --- Fakes ---

type deliverCall struct {
	event types.BuildEvent
	pref  types.NotificationPreference
}

// fakeDeliverer fails deliveries whose webhook URL is in errs.
type fakeDeliverer struct {
	mu    sync.Mutex
	calls []deliverCall
	errs  map[string]error
}

func (f *fakeDeliverer) Deliver(_ context.Context, event types.BuildEvent, pref types.NotificationPreference) (notifycore.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, deliverCall{event: event, pref: pref})
	if err := f.errs[pref.WebhookURL]; err != nil {
		return notifycore.Result{Outcome: types.OutcomeFailed}, err
	}
	return notifycore.Result{Outcome: types.OutcomeSent}, nil
}

type published struct {
	msg   types.DispatchMessage
	delay time.Duration
}

type fakePublisher struct {
	published []published
	err       error
}

func (f *fakePublisher) Publish(_ context.Context, msg types.DispatchMessage, delay time.Duration) error {
	if f.err != nil {
		return f.err
	}
	msg.RetryCount++
	f.published = append(f.published, published{msg: msg, delay: delay})
	return nil
}

type fakeMetrics struct {
	lags []time.Duration
}

func (m *fakeMetrics) RecordDelivery(context.Context, string, notifycore.MetricResult, types.NotifyErrorKind) {
}
func (m *fakeMetrics) RecordLatency(context.Context, string, time.Duration)      {}
func (m *fakeMetrics) RecordFiltered(context.Context, string, types.BuildStatus) {}
func (m *fakeMetrics) RecordQueueLag(_ context.Context, lag time.Duration) {
	m.lags = append(m.lags, lag)
}

type failingProvider struct{}

func (failingProvider) GetPreferences(context.Context, string) (*types.NotificationPreference, bool, error) {
	return nil, false, errors.New("connection refused")
}

// singleProvider does not implement SubscriptionLister.
type singleProvider struct {
	pref *types.NotificationPreference
}

func (p singleProvider) GetPreferences(context.Context, string) (*types.NotificationPreference, bool, error) {
	return p.pref, p.pref != nil, nil
}

// --- Helpers ---

const (
	hookA = "https://hooks.chime.aws/incomingwebhooks/a?token=1"
	hookB = "https://hooks.chime.aws/incomingwebhooks/b?token=2"
)

var sentAt = time.UnixMilli(1706745600000)

func testPolicy() notifycore.RetryPolicy {
	return notifycore.RetryPolicy{MaxAttempts: 3, BaseDelay: 30 * time.Second, MaxDelay: 15 * time.Minute, BackoffFactor: 2}
}

func pref(url string) types.NotificationPreference {
	return types.NotificationPreference{
		ProjectID:    "demo",
		WebhookURL:   url,
		StatusFilter: types.NewStatusFilter(types.BuildFailure),
		Display:      types.DefaultDisplayOptions(),
	}
}

func testMessage() types.DispatchMessage {
	return types.DispatchMessage{
		EventID: "evt-1",
		Event: types.BuildEvent{
			ID:          "evt-1",
			ProjectID:   "demo",
			BuildNumber: "42",
			Status:      types.BuildFailure,
		},
		TraceID: "trace-1",
	}
}

func record(t *testing.T, id string, msg types.DispatchMessage) events.SQSMessage {
	t.Helper()
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	return events.SQSMessage{
		MessageId:  id,
		Body:       string(body),
		Attributes: map[string]string{"SentTimestamp": "1706745600000"},
	}
}

type harness struct {
	handler   *Handler
	deliverer *fakeDeliverer
	publisher *fakePublisher
	metrics   *fakeMetrics
}

func newHarness(provider notifycore.PreferenceProvider, errs map[string]error) *harness {
	h := &harness{
		deliverer: &fakeDeliverer{errs: errs},
		publisher: &fakePublisher{},
		metrics:   &fakeMetrics{},
	}
	h.handler = &Handler{
		dispatcher: h.deliverer,
		provider:   provider,
		publisher:  h.publisher,
		policy:     notifycore.NewPolicyEngine(testPolicy(), nil),
		metrics:    h.metrics,
		logger:     types.NopLogger{},
		now:        func() time.Time { return sentAt.Add(1500 * time.Millisecond) },
	}
	return h
}

func handle(t *testing.T, h *Handler, records ...events.SQSMessage) events.SQSEventResponse {
	t.Helper()
	resp, err := h.Handle(context.Background(), events.SQSEvent{Records: records})
	if err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	return resp
}

// --- Tests ---

func TestHandle_DeliversToEverySubscriber(t *testing.T) {
	h := newHarness(preferences.NewStaticProvider(pref(hookA), pref(hookB)), nil)

	resp := handle(t, h.handler, record(t, "m1", testMessage()))

	if len(resp.BatchItemFailures) != 0 {
		t.Errorf("expected no failures, got %v", resp.BatchItemFailures)
	}
	if len(h.deliverer.calls) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(h.deliverer.calls))
	}
	if len(h.publisher.published) != 0 {
		t.Error("nothing should be re-published")
	}
	if len(h.metrics.lags) != 1 || h.metrics.lags[0] != 1500*time.Millisecond {
		t.Errorf("unexpected queue lag %v", h.metrics.lags)
	}
}

func TestHandle_InlinePreferenceBypassesProvider(t *testing.T) {
	h := newHarness(failingProvider{}, nil)

	msg := testMessage()
	inline := pref(hookB)
	inline.ProjectID = ""
	msg.Preference = &inline

	resp := handle(t, h.handler, record(t, "m1", msg))

	if len(resp.BatchItemFailures) != 0 {
		t.Fatalf("unexpected failures %v", resp.BatchItemFailures)
	}
	if len(h.deliverer.calls) != 1 || h.deliverer.calls[0].pref.WebhookURL != hookB {
		t.Fatalf("unexpected deliveries %+v", h.deliverer.calls)
	}
	if h.deliverer.calls[0].pref.ProjectID != "demo" {
		t.Error("inline preference must inherit the event's project")
	}
}

func TestHandle_RetryRepublishesOnlyFailedSubscriber(t *testing.T) {
	h := newHarness(
		preferences.NewStaticProvider(pref(hookA), pref(hookB)),
		map[string]error{hookB: types.NewHTTPError(503, "unavailable")},
	)

	resp := handle(t, h.handler, record(t, "m1", testMessage()))

	if len(resp.BatchItemFailures) != 0 {
		t.Errorf("retry must ACK the original, got %v", resp.BatchItemFailures)
	}
	if len(h.publisher.published) != 1 {
		t.Fatalf("expected 1 re-publish, got %d", len(h.publisher.published))
	}
	p := h.publisher.published[0]
	if p.msg.Preference == nil || p.msg.Preference.WebhookURL != hookB {
		t.Errorf("retry must target the failed subscriber only, got %+v", p.msg.Preference)
	}
	if p.msg.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", p.msg.RetryCount)
	}
	if p.delay != 30*time.Second {
		t.Errorf("delay = %v, want 30s", p.delay)
	}
	if p.msg.EventID != "evt-1" || p.msg.TraceID != "trace-1" {
		t.Errorf("retry lost identifiers: %+v", p.msg)
	}
}

func TestHandle_RetryHonoursRetryAfter(t *testing.T) {
	rateLimited := types.NewHTTPError(429, "slow down")
	rateLimited.RetryAfter = 2 * time.Minute
	h := newHarness(preferences.NewStaticProvider(pref(hookA)), map[string]error{hookA: rateLimited})

	handle(t, h.handler, record(t, "m1", testMessage()))

	if len(h.publisher.published) != 1 || h.publisher.published[0].delay != 2*time.Minute {
		t.Fatalf("expected a 2m retry, got %+v", h.publisher.published)
	}
}

func TestHandle_AbandonsPermanentFailure(t *testing.T) {
	h := newHarness(
		preferences.NewStaticProvider(pref(hookA)),
		map[string]error{hookA: types.NewHTTPError(403, "forbidden")},
	)

	resp := handle(t, h.handler, record(t, "m1", testMessage()))

	if len(resp.BatchItemFailures) != 0 || len(h.publisher.published) != 0 {
		t.Errorf("permanent failure must be dropped: failures=%v published=%d",
			resp.BatchItemFailures, len(h.publisher.published))
	}
}

func TestHandle_AbandonsWhenBudgetSpent(t *testing.T) {
	h := newHarness(
		preferences.NewStaticProvider(pref(hookA)),
		map[string]error{hookA: types.NewNotifyError(types.KindTimeout, "timed out", nil)},
	)

	msg := testMessage()
	msg.RetryCount = 2
	handle(t, h.handler, record(t, "m1", msg))

	if len(h.publisher.published) != 0 {
		t.Errorf("expected no retry after the last attempt, got %d", len(h.publisher.published))
	}
}

func TestHandle_ProviderErrorRedelivers(t *testing.T) {
	h := newHarness(failingProvider{}, nil)

	resp := handle(t, h.handler,
		record(t, "m1", testMessage()),
		record(t, "m2", testMessage()),
	)

	if len(resp.BatchItemFailures) != 2 || resp.BatchItemFailures[1].ItemIdentifier != "m2" {
		t.Errorf("expected both records to be redelivered, got %v", resp.BatchItemFailures)
	}
	if len(h.deliverer.calls) != 0 {
		t.Error("no delivery should happen without subscribers")
	}
}

func TestHandle_PublishFailureRedelivers(t *testing.T) {
	h := newHarness(
		preferences.NewStaticProvider(pref(hookA)),
		map[string]error{hookA: types.NewNotifyError(types.KindConnectionError, "refused", nil)},
	)
	h.publisher.err = errors.New("sqs down")

	resp := handle(t, h.handler, record(t, "m1", testMessage()))

	if len(resp.BatchItemFailures) != 1 {
		t.Errorf("expected redelivery when the retry cannot be queued, got %v", resp.BatchItemFailures)
	}
}

func TestHandle_PublishFailureAfterPartialSendIsNotRedelivered(t *testing.T) {
	h := newHarness(
		preferences.NewStaticProvider(pref(hookA), pref(hookB)),
		map[string]error{hookB: types.NewNotifyError(types.KindConnectionError, "refused", nil)},
	)
	h.publisher.err = errors.New("sqs down")

	resp := handle(t, h.handler, record(t, "m1", testMessage()))

	if len(resp.BatchItemFailures) != 0 {
		t.Fatalf("hookA was already notified; the record must not come back, got %v", resp.BatchItemFailures)
	}
	sentToA := 0
	for _, c := range h.deliverer.calls {
		if c.pref.WebhookURL == hookA {
			sentToA++
		}
	}
	if sentToA != 1 {
		t.Errorf("hookA notified %d times, want 1", sentToA)
	}
}

func TestHandle_RedeliverAfterPartialSendRequeuesSubscriber(t *testing.T) {
	h := newHarness(
		preferences.NewStaticProvider(pref(hookA), pref(hookB)),
		map[string]error{hookB: errors.New("panic: nil map")},
	)

	resp := handle(t, h.handler, record(t, "m1", testMessage()))

	if len(resp.BatchItemFailures) != 0 {
		t.Errorf("expected the record to be ACKed, got %v", resp.BatchItemFailures)
	}
	if len(h.publisher.published) != 1 {
		t.Fatalf("expected 1 requeued copy, got %d", len(h.publisher.published))
	}
	p := h.publisher.published[0]
	if p.msg.Preference == nil || p.msg.Preference.WebhookURL != hookB {
		t.Errorf("requeue must target the failed subscriber only, got %+v", p.msg.Preference)
	}
	if p.delay != 0 {
		t.Errorf("delay = %v, want 0", p.delay)
	}
}

func TestHandle_RedeliversWhenNobodyWasNotified(t *testing.T) {
	h := newHarness(
		preferences.NewStaticProvider(pref(hookA), pref(hookB)),
		map[string]error{
			hookA: errors.New("panic: nil map"),
			hookB: types.NewHTTPError(403, "forbidden"),
		},
	)

	resp := handle(t, h.handler, record(t, "m1", testMessage()))

	if len(resp.BatchItemFailures) != 1 {
		t.Errorf("expected redelivery, got %v", resp.BatchItemFailures)
	}
	if len(h.publisher.published) != 0 {
		t.Errorf("nothing should be re-published, got %d", len(h.publisher.published))
	}
}

func TestHandle_NonNotifyErrorRedelivers(t *testing.T) {
	h := newHarness(
		preferences.NewStaticProvider(pref(hookA)),
		map[string]error{hookA: errors.New("panic: nil map")},
	)

	resp := handle(t, h.handler, record(t, "m1", testMessage()))
	if len(resp.BatchItemFailures) != 1 {
		t.Errorf("expected redelivery, got %v", resp.BatchItemFailures)
	}
}

func TestHandle_MalformedBodyIsAcked(t *testing.T) {
	h := newHarness(preferences.NewStaticProvider(pref(hookA)), nil)

	resp := handle(t, h.handler, events.SQSMessage{MessageId: "bad", Body: "{not json"})

	if len(resp.BatchItemFailures) != 0 {
		t.Errorf("poison message must be ACKed, got %v", resp.BatchItemFailures)
	}
	if len(h.deliverer.calls) != 0 {
		t.Error("nothing should be delivered")
	}
}

func TestHandle_UnconfiguredProject(t *testing.T) {
	h := newHarness(preferences.NewStaticProvider(), nil)

	resp := handle(t, h.handler, record(t, "m1", testMessage()))

	if len(resp.BatchItemFailures) != 0 || len(h.deliverer.calls) != 0 {
		t.Errorf("unconfigured project: failures=%v calls=%d", resp.BatchItemFailures, len(h.deliverer.calls))
	}
}

func TestHandle_SingleProviderWithoutLister(t *testing.T) {
	p := pref(hookA)
	h := newHarness(singleProvider{pref: &p}, nil)
	handle(t, h.handler, record(t, "m1", testMessage()))
	if len(h.deliverer.calls) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(h.deliverer.calls))
	}

	h = newHarness(singleProvider{}, nil)
	handle(t, h.handler, record(t, "m1", testMessage()))
	if len(h.deliverer.calls) != 0 {
		t.Errorf("expected no delivery, got %d", len(h.deliverer.calls))
	}
}

func TestHandle_NoProvider(t *testing.T) {
	h := newHarness(nil, nil)
	resp := handle(t, h.handler, record(t, "m1", testMessage()))
	if len(resp.BatchItemFailures) != 1 {
		t.Errorf("expected redelivery without a provider, got %v", resp.BatchItemFailures)
	}
}

func TestHandle_MissingSentTimestamp(t *testing.T) {
	h := newHarness(preferences.NewStaticProvider(pref(hookA)), nil)

	rec := record(t, "m1", testMessage())
	rec.Attributes = map[string]string{"SentTimestamp": "garbage"}
	handle(t, h.handler, rec)

	if len(h.metrics.lags) != 0 {
		t.Errorf("unparseable timestamp must not record lag, got %v", h.metrics.lags)
	}
}

func TestParseMillisTimestamp(t *testing.T) {
	ts, err := parseMillisTimestamp("1706745600000")
	if err != nil {
		t.Fatal(err)
	}
	if !ts.Equal(sentAt) {
		t.Errorf("got %v", ts)
	}
	if _, err := parseMillisTimestamp("12abc"); err == nil || !strings.Contains(err.Error(), "invalid syntax") {
		t.Errorf("expected syntax error, got %v", err)
	}
}
