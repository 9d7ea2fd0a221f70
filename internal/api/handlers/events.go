// Package handlers contains the HTTP handlers of the ingest API.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"chimenotify/internal/core"
	notifycore "chimenotify/internal/notifications/core"
	"chimenotify/internal/types"
)

// EventDispatcher is the part of notifications/core.Dispatcher the handler
// uses in synchronous mode.
type EventDispatcher interface {
	Deliver(ctx context.Context, event types.BuildEvent, prefs types.NotificationPreference) (notifycore.Result, error)
	DispatchAll(ctx context.Context, event types.BuildEvent) ([]notifycore.Result, error)
}

// EventQueue accepts events for asynchronous delivery.
type EventQueue interface {
	Enqueue(ctx context.Context, msg types.DispatchMessage) error
}

// ingestRequest is a build event, optionally carrying the preference to use
// instead of the configured one.
type ingestRequest struct {
	types.BuildEvent
	Preference *types.NotificationPreference `json:"preference,omitempty"`
}

type deliveryView struct {
	Outcome           types.DispatchOutcome `json:"outcome"`
	ProviderMessageID string                `json:"provider_message_id,omitempty"`
	LatencyMS         int64                 `json:"latency_ms,omitempty"`
}

type ingestResponse struct {
	EventID    string                `json:"event_id"`
	Outcome    types.DispatchOutcome `json:"outcome"`
	Deliveries []deliveryView        `json:"deliveries,omitempty"`
}

// EventHandler accepts build events from the CI host. With a queue it only
// enqueues; without one it dispatches inline.
type EventHandler struct {
	dispatcher EventDispatcher
	queue      EventQueue
	validator  *core.Validator
	logger     *slog.Logger
}

// NewEventHandler creates an EventHandler. queue may be nil.
func NewEventHandler(
	dispatcher EventDispatcher,
	queue EventQueue,
	val *core.Validator,
	logger *slog.Logger,
) *EventHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventHandler{
		dispatcher: dispatcher,
		queue:      queue,
		validator:  val,
		logger:     logger,
	}
}

// RegisterRoutes mounts the event endpoints under /v1.
func (h *EventHandler) RegisterRoutes(r chi.Router) {
	r.Post("/events", h.HandleIngest)
}

// HandleIngest handles POST /v1/events.
func (h *EventHandler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	event := req.BuildEvent
	if s, err := types.ParseBuildStatus(string(event.Status)); err == nil {
		event.Status = s
	}
	if err := h.validator.ValidateStruct(event); err != nil {
		core.Error(w, r, err)
		return
	}
	if req.Preference != nil {
		if err := h.validator.ValidateStruct(req.Preference); err != nil {
			core.Error(w, r, err)
			return
		}
		if req.Preference.ProjectID == "" {
			req.Preference.ProjectID = event.ProjectID
		}
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	logger := h.logger.With(
		slog.String("event_id", event.ID),
		slog.String("project_id", event.ProjectID),
		slog.String("build_number", event.BuildNumber),
	)

	if h.queue != nil {
		msg := types.DispatchMessage{
			EventID:    event.ID,
			Event:      event,
			Preference: req.Preference,
			TraceID:    types.GetRequestID(r.Context()),
		}
		if err := h.queue.Enqueue(r.Context(), msg); err != nil {
			logger.Error("failed to enqueue event", slog.String("error", err.Error()))
			core.Error(w, r, types.NewAppError(types.ErrCodeInternalQueue, "failed to queue event", err))
			return
		}
		core.JSON(w, r, http.StatusAccepted, core.APIResponse{Data: ingestResponse{
			EventID: event.ID,
			Outcome: types.OutcomeQueued,
		}})
		return
	}

	var (
		results []notifycore.Result
		err     error
	)
	if req.Preference != nil {
		var res notifycore.Result
		res, err = h.dispatcher.Deliver(r.Context(), event, *req.Preference)
		results = []notifycore.Result{res}
	} else {
		results, err = h.dispatcher.DispatchAll(r.Context(), event)
	}

	if err != nil {
		logger.Warn("dispatch failed", slog.String("error", err.Error()))
		core.Error(w, r, toAppError(err))
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: ingestResponse{
		EventID:    event.ID,
		Outcome:    summarize(results),
		Deliveries: views(results),
	}})
}

// toAppError maps a dispatch failure onto the API vocabulary. Delivery
// failures keep their webhook status; store failures are already AppErrors.
func toAppError(err error) error {
	if ne, ok := types.AsNotifyError(err); ok {
		return types.AppErrorFromNotify(ne)
	}
	if errors.Is(err, notifycore.ErrNoProvider) {
		return types.NewAppError(types.ErrCodeNotFoundPreferences, "no preference source configured; send the preference inline", err)
	}
	return err
}

// summarize reduces per-subscriber outcomes to one: sent if anything was
// sent, otherwise the first outcome (filtered or unconfigured).
func summarize(results []notifycore.Result) types.DispatchOutcome {
	if len(results) == 0 {
		return types.OutcomeUnconfigured
	}
	for _, res := range results {
		if res.Outcome == types.OutcomeSent {
			return types.OutcomeSent
		}
	}
	return results[0].Outcome
}

func views(results []notifycore.Result) []deliveryView {
	out := make([]deliveryView, 0, len(results))
	for _, res := range results {
		out = append(out, deliveryView{
			Outcome:           res.Outcome,
			ProviderMessageID: res.Receipt.ProviderMessageID,
			LatencyMS:         res.Receipt.Latency.Milliseconds(),
		})
	}
	return out
}
