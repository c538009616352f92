package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/agile-defense/fieldnode/pkg/messages"
	"github.com/agile-defense/fieldnode/pkg/postgres"
)

// EventStore is the archive the event handler reads
type EventStore interface {
	ListEvents(ctx context.Context, filter postgres.EventFilter) ([]postgres.EventRow, error)
	GetEvent(ctx context.Context, eventID string) (*postgres.EventRow, error)
	Summarize(ctx context.Context, since time.Time) (*postgres.Summary, error)
}

// EventHandler handles detection event HTTP requests
type EventHandler struct {
	db     EventStore
	logger zerolog.Logger
	now    func() time.Time
}

// NewEventHandler creates a new EventHandler
func NewEventHandler(db EventStore, logger zerolog.Logger) *EventHandler {
	return &EventHandler{
		db:     db,
		logger: logger.With().Str("handler", "events").Logger(),
		now:    time.Now,
	}
}

// Routes returns the event routes
func (h *EventHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.ListEvents)
	r.Get("/summary", h.GetSummary)
	r.Get("/{eventId}", h.GetEvent)

	return r
}

// EventListResponse represents the response for listing events
type EventListResponse struct {
	Events        []postgres.EventRow `json:"events"`
	Count         int                 `json:"count"`
	Limit         int                 `json:"limit"`
	Offset        int                 `json:"offset"`
	CorrelationID string              `json:"correlation_id"`
}

// ListEvents handles GET /api/v1/events
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := GetCorrelationID(ctx)
	q := r.URL.Query()

	filter := postgres.EventFilter{
		NodeID:  q.Get("node_id"),
		Species: q.Get("species"),
		Limit:   100,
	}

	if raw := q.Get("min_level"); raw != "" {
		level, err := messages.ParseLevel(raw)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), correlationID)
			return
		}
		filter.MinLevel = level
	}

	if q.Get("since") != "" {
		since, err := parseSince(r, "since", 0, h.now())
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), correlationID)
			return
		}
		filter.Since = &since
	}

	if raw := q.Get("until"); raw != "" {
		until, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "until must be an RFC3339 time", correlationID)
			return
		}
		filter.Until = &until
	}

	if limit, ok := queryInt(r, "limit"); ok && limit > 0 && limit <= 1000 {
		filter.Limit = limit
	}
	if offset, ok := queryInt(r, "offset"); ok {
		filter.Offset = offset
	}

	events, err := h.db.ListEvents(ctx, filter)
	if err != nil {
		h.logger.Error().Err(err).Str("correlation_id", correlationID).Msg("Failed to list events")
		WriteError(w, http.StatusInternalServerError, "Failed to list events", correlationID)
		return
	}

	WriteJSON(w, http.StatusOK, EventListResponse{
		Events:        events,
		Count:         len(events),
		Limit:         filter.Limit,
		Offset:        filter.Offset,
		CorrelationID: correlationID,
	})
}

// GetEvent handles GET /api/v1/events/{eventId}
func (h *EventHandler) GetEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := GetCorrelationID(ctx)
	eventID := chi.URLParam(r, "eventId")

	event, err := h.db.GetEvent(ctx, eventID)
	if err != nil {
		h.logger.Error().Err(err).Str("event_id", eventID).Str("correlation_id", correlationID).Msg("Failed to get event")
		WriteError(w, http.StatusInternalServerError, "Failed to get event", correlationID)
		return
	}
	if event == nil {
		WriteError(w, http.StatusNotFound, "Event not found", correlationID)
		return
	}

	WriteJSON(w, http.StatusOK, event)
}

// SummaryResponse wraps the archive summary
type SummaryResponse struct {
	*postgres.Summary
	Since         time.Time `json:"since"`
	CorrelationID string    `json:"correlation_id"`
}

// GetSummary handles GET /api/v1/events/summary
func (h *EventHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := GetCorrelationID(ctx)

	since, err := parseSince(r, "since", 24*time.Hour, h.now())
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error(), correlationID)
		return
	}

	summary, err := h.db.Summarize(ctx, since)
	if err != nil {
		h.logger.Error().Err(err).Str("correlation_id", correlationID).Msg("Failed to summarize events")
		WriteError(w, http.StatusInternalServerError, "Failed to summarize events", correlationID)
		return
	}

	WriteJSON(w, http.StatusOK, SummaryResponse{
		Summary:       summary,
		Since:         since,
		CorrelationID: correlationID,
	})
}
