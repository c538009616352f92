// Package agent provides the process scaffolding shared by the field node and the gateway: identity,
// the uplink connection, a Prometheus registry and aggregate health.
package agent

import (
	"context"
	"time"
)

// AgentType identifies the role of a service
type AgentType string

const (
	AgentTypeNode    AgentType = "node"
	AgentTypeGateway AgentType = "gateway"
)

// Health states, from best to worst
const (
	StatusRunning  = "running"
	StatusDegraded = "degraded"
	StatusDown     = "unhealthy"
	StatusStopped  = "stopped"
)

// HealthStatus represents agent health
type HealthStatus struct {
	Healthy    bool              `json:"healthy"`
	Status     string            `json:"status"`
	Details    string            `json:"details,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
	Components map[string]string `json:"components,omitempty"`
}

// Check probes one collaborator. A nil error means healthy.
type Check func(ctx context.Context) error

// Config holds configuration for an agent
type Config struct {
	ID           string
	Type         AgentType
	Version      string
	NATSUrl      string // Empty runs the agent without an uplink
	NATSUser     string
	NATSPassword string
	// UplinkRequired makes a lost NATS connection unhealthy instead of degraded
	UplinkRequired bool
	CheckTimeout   time.Duration
}
