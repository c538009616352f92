package agent

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAgent(t *testing.T) (*BaseAgent, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	a, err := NewBaseAgentWithLogger(Config{ID: "node-test", Type: AgentTypeNode, Version: "1.2.3"}, zerolog.New(&buf))
	require.NoError(t, err)
	return a, &buf
}

func TestNewBaseAgent_RequiresID(t *testing.T) {
	_, err := NewBaseAgent(Config{Type: AgentTypeNode})
	assert.Error(t, err)
}

func TestBaseAgent_LifecycleWithoutUplink(t *testing.T) {
	a, logs := newTestAgent(t)
	ctx := context.Background()

	assert.Equal(t, StatusStopped, a.Health(ctx).Status)

	require.NoError(t, a.Start(ctx))
	h := a.Health(ctx)
	assert.True(t, h.Healthy)
	assert.Equal(t, StatusRunning, h.Status)
	assert.Equal(t, "1.2.3", h.Version)
	assert.Equal(t, "disabled", h.Components["nats"])
	assert.Nil(t, a.NATS())
	assert.Contains(t, logs.String(), "running without uplink")

	assert.Error(t, a.Start(ctx))

	require.NoError(t, a.Stop(ctx))
	assert.False(t, a.Health(ctx).Healthy)
	require.NoError(t, a.Stop(ctx))
}

func TestBaseAgent_HealthChecks(t *testing.T) {
	tests := []struct {
		name        string
		required    bool
		err         error
		wantHealthy bool
		wantStatus  string
		wantState   string
	}{
		{"passing", true, nil, true, StatusRunning, "healthy"},
		{"optional failing", false, errors.New("timeout"), true, StatusDegraded, "unhealthy: timeout"},
		{"required failing", true, errors.New("refused"), false, StatusDown, "unhealthy: refused"},
		{"disabled", true, ErrDisabled, true, StatusRunning, "disabled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _ := newTestAgent(t)
			a.AddCheck("camera", tt.required, func(context.Context) error { return tt.err })
			require.NoError(t, a.Start(context.Background()))

			h := a.Health(context.Background())
			assert.Equal(t, tt.wantHealthy, h.Healthy)
			assert.Equal(t, tt.wantStatus, h.Status)
			assert.Equal(t, tt.wantState, h.Components["camera"])
		})
	}
}

func TestBaseAgent_RequiredFailureDominates(t *testing.T) {
	a, _ := newTestAgent(t)
	a.AddCheck("postgres", true, func(context.Context) error { return errors.New("down") })
	a.AddCheck("clickhouse", false, func(context.Context) error { return errors.New("down") })
	require.NoError(t, a.Start(context.Background()))

	h := a.Health(context.Background())
	assert.Equal(t, StatusDown, h.Status)
	assert.Equal(t, "failing: [clickhouse postgres]", h.Details)
	assert.Equal(t, 0.0, testutil.ToFloat64(a.componentUp.WithLabelValues("postgres")))
}

func TestBaseAgent_ChecksHonourTimeout(t *testing.T) {
	var buf bytes.Buffer
	a, err := NewBaseAgentWithLogger(Config{ID: "gw", Type: AgentTypeGateway, CheckTimeout: 10 * time.Millisecond}, zerolog.New(&buf))
	require.NoError(t, err)
	a.AddCheck("slow", true, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, a.Start(context.Background()))

	h := a.Health(context.Background())
	assert.False(t, h.Healthy)
	assert.Contains(t, h.Components["slow"], "deadline exceeded")
}

func TestBaseAgent_Metrics(t *testing.T) {
	a, _ := newTestAgent(t)

	a.RecordMessage("stored", "event")
	a.RecordMessage("stored", "event")
	a.RecordError("publish_failed")
	a.RecordLatency("archive_event", 3*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(a.messagesTotal.WithLabelValues("stored", "event")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.errorsTotal.WithLabelValues("publish_failed")))

	families, err := a.Metrics().Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "fieldnode_stage_latency_seconds")
	assert.Contains(t, names, "fieldnode_uplink_connected")
}

func TestBaseAgent_Identity(t *testing.T) {
	a, _ := newTestAgent(t)
	assert.Equal(t, "node-test", a.ID())
	assert.Equal(t, AgentTypeNode, a.Type())
	assert.Equal(t, defaultCheckTimeout, a.Config().CheckTimeout)
}
