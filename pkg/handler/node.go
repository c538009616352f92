package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/agile-defense/fieldnode/pkg/fusion"
	"github.com/agile-defense/fieldnode/pkg/node"
)

// Controller is the node surface served over HTTP
type Controller interface {
	Config() (fusion.Config, uint64)
	UpdateConfig(candidate fusion.Config) node.ConfigUpdate
	Status() node.Status
}

// NodeHandler exposes status and fusion configuration of a running node
type NodeHandler struct {
	ctrl   Controller
	health HealthChecker
	logger zerolog.Logger
}

// NewNodeHandler creates a new NodeHandler
func NewNodeHandler(ctrl Controller, health HealthChecker, logger zerolog.Logger) *NodeHandler {
	return &NodeHandler{
		ctrl:   ctrl,
		health: health,
		logger: logger.With().Str("handler", "node").Logger(),
	}
}

// Routes returns the node routes
func (h *NodeHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/health", h.GetHealth)
	r.Get("/status", h.GetStatus)
	r.Get("/config", h.GetConfig)
	r.Put("/config", h.PutConfig)

	return r
}

// GetHealth handles GET /health
func (h *NodeHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	Health(h.health)(w, r)
}

// GetStatus handles GET /status
func (h *NodeHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.ctrl.Status())
}

// ConfigResponse carries the active fusion config
type ConfigResponse struct {
	Version uint64        `json:"version"`
	Config  fusion.Config `json:"config"`
}

// GetConfig handles GET /config
func (h *NodeHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, version := h.ctrl.Config()
	WriteJSON(w, http.StatusOK, ConfigResponse{Version: version, Config: cfg})
}

// ConfigUpdateResponse reports the outcome of a config update
type ConfigUpdateResponse struct {
	node.ConfigUpdate
	CorrelationID string `json:"correlation_id"`
}

// PutConfig handles PUT /config. The body must be a complete config document; it is staged and
// takes effect at the start of the next processing cycle.
func (h *NodeHandler) PutConfig(w http.ResponseWriter, r *http.Request) {
	correlationID := GetCorrelationID(r.Context())

	var candidate fusion.Config
	if err := DecodeJSON(r, &candidate); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, fusion.ErrInvalidConfig) {
			status = http.StatusUnprocessableEntity
		}
		WriteError(w, status, err.Error(), correlationID)
		return
	}

	update := h.ctrl.UpdateConfig(candidate)
	if !update.Accepted {
		h.logger.Info().Str("reason", update.Reason).Str("correlation_id", correlationID).Msg("Config update rejected")
		WriteJSON(w, http.StatusUnprocessableEntity, ConfigUpdateResponse{ConfigUpdate: update, CorrelationID: correlationID})
		return
	}

	h.logger.Info().Uint64("version", update.Version).Str("correlation_id", correlationID).Msg("Config update staged")
	WriteJSON(w, http.StatusOK, ConfigUpdateResponse{ConfigUpdate: update, CorrelationID: correlationID})
}
