package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const defaultCheckTimeout = 2 * time.Second

type component struct {
	name     string
	required bool
	check    Check
}

// BaseAgent owns the uplink connection, metrics registry and health checks of one process
type BaseAgent struct {
	config Config
	logger zerolog.Logger

	nc *nats.Conn
	js jetstream.JetStream

	registry        *prometheus.Registry
	messagesTotal   *prometheus.CounterVec
	latencyHist     *prometheus.HistogramVec
	errorsTotal     *prometheus.CounterVec
	uplinkConnected prometheus.Gauge
	componentUp     *prometheus.GaugeVec

	mu         sync.RWMutex
	running    bool
	startedAt  time.Time
	components []component
}

// NewBaseAgent creates a new base agent logging to stdout
func NewBaseAgent(cfg Config) (*BaseAgent, error) {
	logger := zerolog.New(os.Stdout).With().
		Timestamp().
		Str("agent_id", cfg.ID).
		Str("agent_type", string(cfg.Type)).
		Logger()
	return NewBaseAgentWithLogger(cfg, logger)
}

// NewBaseAgentWithLogger creates a base agent around an existing logger
func NewBaseAgentWithLogger(cfg Config, logger zerolog.Logger) (*BaseAgent, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = defaultCheckTimeout
	}

	labels := prometheus.Labels{"agent_type": string(cfg.Type)}
	a := &BaseAgent{
		config:   cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "fieldnode_messages_total",
			Help:        "Messages handled by kind and outcome",
			ConstLabels: labels,
		}, []string{"outcome", "kind"}),
		latencyHist: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "fieldnode_stage_latency_seconds",
			Help:        "Latency of one processing stage in seconds",
			ConstLabels: labels,
			Buckets:     []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"stage"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "fieldnode_errors_total",
			Help:        "Errors by type",
			ConstLabels: labels,
		}, []string{"error_type"}),
		uplinkConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "fieldnode_uplink_connected",
			Help:        "NATS uplink status (1=connected, 0=disconnected)",
			ConstLabels: labels,
		}),
		componentUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "fieldnode_component_up",
			Help:        "Result of the last health check per component (1=healthy)",
			ConstLabels: labels,
		}, []string{"component"}),
	}
	a.registry.MustRegister(a.messagesTotal, a.latencyHist, a.errorsTotal, a.uplinkConnected, a.componentUp)
	return a, nil
}

func (a *BaseAgent) ID() string {
	return a.config.ID
}

func (a *BaseAgent) Type() AgentType {
	return a.config.Type
}

func (a *BaseAgent) Config() Config {
	return a.config
}

func (a *BaseAgent) Logger() *zerolog.Logger {
	return &a.logger
}

// NATS returns the NATS connection, nil when running without an uplink
func (a *BaseAgent) NATS() *nats.Conn {
	return a.nc
}

// JetStream returns the JetStream context, nil when running without an uplink
func (a *BaseAgent) JetStream() jetstream.JetStream {
	return a.js
}

func (a *BaseAgent) Metrics() *prometheus.Registry {
	return a.registry
}

// RecordMessage counts one handled message
func (a *BaseAgent) RecordMessage(outcome, kind string) {
	a.messagesTotal.WithLabelValues(outcome, kind).Inc()
}

// RecordLatency observes the duration of one stage
func (a *BaseAgent) RecordLatency(stage string, duration time.Duration) {
	a.latencyHist.WithLabelValues(stage).Observe(duration.Seconds())
}

func (a *BaseAgent) RecordError(errorType string) {
	a.errorsTotal.WithLabelValues(errorType).Inc()
}

// AddCheck registers a collaborator probed by Health. A failing required check makes the agent
// unhealthy; a failing optional one only degrades it.
func (a *BaseAgent) AddCheck(name string, required bool, check Check) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.components = append(a.components, component{name: name, required: required, check: check})
}

// Connect establishes the NATS connection. The server may be unreachable at boot; the client
// keeps retrying in the background.
func (a *BaseAgent) Connect(ctx context.Context) error {
	a.logger.Info().Str("url", a.config.NATSUrl).Msg("Connecting to NATS")

	opts := []nats.Option{
		nats.Name(fmt.Sprintf("%s-%s", a.config.Type, a.config.ID)),
		nats.RetryOnFailedConnect(true),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.ConnectHandler(func(*nats.Conn) {
			a.uplinkConnected.Set(1)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			a.uplinkConnected.Set(0)
			a.logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(*nats.Conn) {
			a.uplinkConnected.Set(1)
			a.logger.Info().Msg("NATS reconnected")
		}),
	}
	if a.config.NATSUser != "" {
		opts = append(opts, nats.UserInfo(a.config.NATSUser, a.config.NATSPassword))
	}

	nc, err := nats.Connect(a.config.NATSUrl, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	a.nc = nc
	a.js = js
	if nc.IsConnected() {
		a.uplinkConnected.Set(1)
	}
	a.logger.Info().Bool("connected", nc.IsConnected()).Msg("NATS client ready")
	return nil
}

// Health runs every registered check and reports the worst outcome
func (a *BaseAgent) Health(ctx context.Context) HealthStatus {
	a.mu.RLock()
	running, startedAt := a.running, a.startedAt
	components := append([]component(nil), a.components...)
	a.mu.RUnlock()

	if !running {
		return HealthStatus{Healthy: false, Status: StatusStopped, Version: a.config.Version}
	}

	status := HealthStatus{
		Healthy:    true,
		Status:     StatusRunning,
		Version:    a.config.Version,
		Uptime:     time.Since(startedAt).Round(time.Second).String(),
		Components: make(map[string]string, len(components)+1),
	}

	switch {
	case a.config.NATSUrl == "":
		status.Components["nats"] = "disabled"
		status.Details = "no uplink configured"
	case a.nc == nil || !a.nc.IsConnected():
		status.Components["nats"] = "disconnected"
		status.degrade(a.config.UplinkRequired)
	default:
		status.Components["nats"] = "connected"
	}

	ctx, cancel := context.WithTimeout(ctx, a.config.CheckTimeout)
	defer cancel()

	var failed []string
	for _, c := range components {
		err := c.check(ctx)
		if err == nil {
			status.Components[c.name] = "healthy"
			a.componentUp.WithLabelValues(c.name).Set(1)
			continue
		}
		a.componentUp.WithLabelValues(c.name).Set(0)
		if errors.Is(err, ErrDisabled) {
			status.Components[c.name] = "disabled"
			continue
		}
		status.Components[c.name] = "unhealthy: " + err.Error()
		status.degrade(c.required)
		failed = append(failed, c.name)
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		status.Details = fmt.Sprintf("failing: %v", failed)
	}
	return status
}

// ErrDisabled is returned by a check for a collaborator that is not configured
var ErrDisabled = errors.New("disabled")

func (h *HealthStatus) degrade(required bool) {
	if required {
		h.Healthy = false
		h.Status = StatusDown
		return
	}
	if h.Status == StatusRunning {
		h.Status = StatusDegraded
	}
}

// Start connects the uplink if one is configured and marks the agent running
func (a *BaseAgent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("agent already running")
	}
	a.running = true
	a.startedAt = time.Now()
	a.mu.Unlock()

	if a.config.NATSUrl == "" {
		a.logger.Warn().Msg("No NATS URL configured, running without uplink")
	} else if err := a.Connect(ctx); err != nil {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
		return err
	}

	a.logger.Info().Str("version", a.config.Version).Msg("Agent started")
	return nil
}

// Stop drains the uplink so buffered publishes are flushed
func (a *BaseAgent) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return nil
	}
	a.logger.Info().Msg("Stopping agent")

	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			a.nc.Close()
		}
		a.uplinkConnected.Set(0)
	}

	a.running = false
	a.logger.Info().Msg("Agent stopped")
	return nil
}
