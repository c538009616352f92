package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/agile-defense/fieldnode/pkg/clickhouse"
)

// StatsSource aggregates archived modality results
type StatsSource interface {
	Stats(ctx context.Context, since time.Time) ([]clickhouse.ModalityStats, error)
}

// ResultHandler serves modality result telemetry
type ResultHandler struct {
	stats  StatsSource
	logger zerolog.Logger
	now    func() time.Time
}

// NewResultHandler creates a new ResultHandler. stats may be nil when no telemetry store is configured.
func NewResultHandler(stats StatsSource, logger zerolog.Logger) *ResultHandler {
	return &ResultHandler{
		stats:  stats,
		logger: logger.With().Str("handler", "results").Logger(),
		now:    time.Now,
	}
}

// Routes returns the result routes
func (h *ResultHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/stats", h.GetStats)
	return r
}

// StatsResponse represents per modality result statistics
type StatsResponse struct {
	Stats         []clickhouse.ModalityStats `json:"stats"`
	Since         time.Time                  `json:"since"`
	CorrelationID string                     `json:"correlation_id"`
}

// GetStats handles GET /api/v1/results/stats
func (h *ResultHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := GetCorrelationID(ctx)

	if h.stats == nil {
		WriteError(w, http.StatusServiceUnavailable, "Result telemetry is not configured", correlationID)
		return
	}

	since, err := parseSince(r, "since", time.Hour, h.now())
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error(), correlationID)
		return
	}

	stats, err := h.stats.Stats(ctx, since)
	if err != nil {
		h.logger.Error().Err(err).Str("correlation_id", correlationID).Msg("Failed to get result stats")
		WriteError(w, http.StatusInternalServerError, "Failed to get result stats", correlationID)
		return
	}
	if stats == nil {
		stats = []clickhouse.ModalityStats{}
	}

	WriteJSON(w, http.StatusOK, StatsResponse{
		Stats:         stats,
		Since:         since,
		CorrelationID: correlationID,
	})
}
