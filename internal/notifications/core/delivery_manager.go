package core

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"chimenotify/internal/types"
)

// Compile-time assertion that DeliveryManagerImpl implements DeliveryManager.
var _ DeliveryManager = (*DeliveryManagerImpl)(nil)

// DeliveryRepository is the persistence interface the DeliveryManagerImpl
// needs. db.DeliveryRepository implements it.
type DeliveryRepository interface {
	Record(ctx context.Context, rec *types.DeliveryRecord) error
}

// DeliveryAttempt carries everything known about one webhook call.
type DeliveryAttempt struct {
	Event      types.BuildEvent
	Preference types.NotificationPreference
	Payload    types.ChimePayload
	Receipt    types.DeliveryReceipt
	Err        error
}

// DeliveryManager writes the delivery log. Failures to write are returned
// but must never fail the dispatch itself.
type DeliveryManager interface {
	RecordSuccess(ctx context.Context, a DeliveryAttempt) error
	RecordFailure(ctx context.Context, a DeliveryAttempt) error
}

// DeliveryManagerImpl builds DeliveryRecords and stores them.
type DeliveryManagerImpl struct {
	repo   DeliveryRepository
	clock  types.Clock
	logger types.Logger
}

// NewDeliveryManager creates a new DeliveryManagerImpl.
func NewDeliveryManager(repo DeliveryRepository, clock types.Clock, logger types.Logger) *DeliveryManagerImpl {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &DeliveryManagerImpl{
		repo:   repo,
		clock:  clock,
		logger: logger,
	}
}

// RecordSuccess stores a sent delivery with the provider message ID.
func (m *DeliveryManagerImpl) RecordSuccess(ctx context.Context, a DeliveryAttempt) error {
	rec := m.newRecord(a, types.OutcomeSent)
	if err := m.repo.Record(ctx, rec); err != nil {
		return fmt.Errorf("RecordSuccess: %w", err)
	}

	m.logger.Info("delivery recorded",
		"delivery_id", rec.ID,
		"event_id", rec.EventID,
		"provider_message_id", rec.ProviderMessageID,
	)
	return nil
}

// RecordFailure stores a failed delivery with the error kind and, for HTTP
// errors, the status code.
func (m *DeliveryManagerImpl) RecordFailure(ctx context.Context, a DeliveryAttempt) error {
	rec := m.newRecord(a, types.OutcomeFailed)
	if ne, ok := types.AsNotifyError(a.Err); ok {
		rec.ErrorKind = ne.Kind
		if ne.StatusCode != 0 {
			rec.HTTPStatus = ne.StatusCode
		}
	}

	if err := m.repo.Record(ctx, rec); err != nil {
		return fmt.Errorf("RecordFailure: %w", err)
	}

	m.logger.Warn("delivery failure recorded",
		"delivery_id", rec.ID,
		"event_id", rec.EventID,
		"error_kind", string(rec.ErrorKind),
	)
	return nil
}

func (m *DeliveryManagerImpl) newRecord(a DeliveryAttempt, outcome types.DispatchOutcome) *types.DeliveryRecord {
	eventID := a.Event.ID
	if eventID == "" {
		eventID = uuid.NewString()
	}

	payload, err := json.Marshal(a.Payload)
	if err != nil {
		payload = nil
	}

	return &types.DeliveryRecord{
		ID:                uuid.NewString(),
		EventID:           eventID,
		ProjectID:         a.Event.ProjectID,
		BuildNumber:       a.Event.BuildNumber,
		Status:            a.Event.Status,
		Outcome:           outcome,
		HTTPStatus:        a.Receipt.StatusCode,
		ProviderMessageID: a.Receipt.ProviderMessageID,
		Destination:       types.RedactURL(a.Preference.WebhookURL),
		Latency:           a.Receipt.Latency,
		Payload:           payload,
		CreatedAt:         m.clock.Now(),
	}
}
