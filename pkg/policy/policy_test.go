package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agile-defense/fieldnode/pkg/messages"
)

func event(level messages.Level, power messages.PowerTier, degraded bool) *messages.DetectionEvent {
	return &messages.DetectionEvent{
		Level:      level,
		Confidence: 0.8,
		Modalities: []messages.Kind{messages.KindPIR},
		PowerTier:  power,
		Degraded:   degraded,
	}
}

func TestEngine_Decide(t *testing.T) {
	engine, err := New(context.Background(), "")
	require.NoError(t, err)

	tests := []struct {
		name    string
		event   *messages.DetectionEvent
		want    []string
		reasons []string
	}{
		{"low normal", event(messages.LevelLow, messages.PowerNormal, false), []string{"store"}, nil},
		{"medium normal", event(messages.LevelMedium, messages.PowerNormal, false), []string{"capture", "store"}, nil},
		{"high normal", event(messages.LevelHigh, messages.PowerNormal, false), []string{"capture", "store", "transmit"}, nil},
		{"high low power", event(messages.LevelHigh, messages.PowerLow, false), []string{"capture", "store"}, []string{"power_low"}},
		{"very high low power", event(messages.LevelVeryHigh, messages.PowerLow, false), []string{"capture", "store", "transmit"}, []string{"power_low"}},
		{"very high critical", event(messages.LevelVeryHigh, messages.PowerCritical, false), []string{"store"}, []string{"power_critical"}},
		{"degraded", event(messages.LevelHigh, messages.PowerNormal, true), []string{"capture", "store", "transmit"}, []string{"degraded"}},
		{"none", event(messages.LevelNone, messages.PowerNormal, false), nil, []string{"below_store_level"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := engine.Decide(context.Background(), tt.event)
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Actions())
			if tt.reasons == nil {
				assert.Empty(t, d.Reasons)
			} else {
				assert.ElementsMatch(t, tt.reasons, d.Reasons)
			}
		})
	}
}

func TestNew_CustomModule(t *testing.T) {
	module := `package fieldnode.dispatch

decision := {"capture": false, "store": true, "transmit": input.level == "low"}
`
	engine, err := New(context.Background(), module)
	require.NoError(t, err)

	d, err := engine.Decide(context.Background(), event(messages.LevelLow, messages.PowerCritical, false))
	require.NoError(t, err)
	assert.Equal(t, []string{"store", "transmit"}, d.Actions())
}

func TestNew_InvalidModule(t *testing.T) {
	_, err := New(context.Background(), "package fieldnode.dispatch\n\ndecision := {")
	assert.Error(t, err)
}

func TestDecide_UndefinedDecision(t *testing.T) {
	engine, err := New(context.Background(), "package fieldnode.dispatch\n\nother := 1\n")
	require.NoError(t, err)

	_, err = engine.Decide(context.Background(), event(messages.LevelHigh, messages.PowerNormal, false))
	assert.Error(t, err)
}

func TestFallback(t *testing.T) {
	d := Fallback("policy_unavailable")
	assert.Equal(t, []string{"store"}, d.Actions())
	assert.Equal(t, []string{"policy_unavailable"}, d.Reasons)
}

func TestNewFromFile_Missing(t *testing.T) {
	_, err := NewFromFile(context.Background(), "/nonexistent/dispatch.rego")
	assert.Error(t, err)
}
