package messages

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeCreation(t *testing.T) {
	env := NewEnvelope("node-001", "fieldnode")

	assert.NotEmpty(t, env.MessageID)
	assert.Equal(t, "node-001", env.Source)
	assert.Equal(t, "fieldnode", env.SourceType)
	assert.False(t, env.Timestamp.IsZero())
	assert.NotEqual(t, env.MessageID, NewEnvelope("node-001", "fieldnode").MessageID)
}

func TestEnvelopeWithCorrelationAndTracing(t *testing.T) {
	env := NewEnvelope("node-001", "fieldnode").
		WithCorrelation("window-1", "cause-1").
		WithTracing("trace-abc", "span-def")

	assert.Equal(t, "window-1", env.CorrelationID)
	assert.Equal(t, "cause-1", env.CausationID)
	assert.Equal(t, "trace-abc", env.TraceID)
	assert.Equal(t, "span-def", env.SpanID)
}

func TestEnvelopeSignature(t *testing.T) {
	secret := []byte("test-secret-key-for-hmac")
	payload := []byte(`{"test": "data"}`)

	tests := []struct {
		name        string
		verifyWith  []byte
		verifyData  []byte
		expectValid bool
	}{
		{"correct secret", secret, payload, true},
		{"wrong secret", []byte("wrong-secret"), payload, false},
		{"modified payload", secret, []byte(`{"test": "modified"}`), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := NewEnvelope("node-001", "fieldnode")
			env.Sign(payload, secret)
			assert.NotEmpty(t, env.Signature)
			assert.Equal(t, tt.expectValid, env.VerifySignature(tt.verifyData, tt.verifyWith))
		})
	}
}

func TestMarshalWithSignature_DetectionEvent(t *testing.T) {
	secret := []byte("node-secret")
	env := NewEnvelope("node-4", "fieldnode").WithCorrelation("window-9", "")
	event := &DetectionEvent{
		Envelope:    env,
		EventID:     env.MessageID,
		WindowID:    "window-9",
		Confidence:  0.9,
		Level:       LevelVeryHigh,
		Modalities:  []Kind{KindPIR, KindAudio},
		Timestamp:   time.Date(2024, 6, 1, 4, 0, 0, 0, time.UTC),
		SpeciesHint: "tawny_owl",
	}

	data, err := MarshalWithSignature(event, secret)
	require.NoError(t, err)

	var decoded DetectionEvent
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, LevelVeryHigh, decoded.Level)
	assert.Equal(t, "event.node-4.very_high", decoded.Subject())

	ok, err := VerifyMessage(&decoded, secret)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, decoded.Envelope.Signature, "verification restores the signature")

	decoded.Confidence = 0.99
	ok, err = VerifyMessage(&decoded, secret)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResultReport(t *testing.T) {
	ts := time.Date(2024, 6, 1, 4, 0, 0, 0, time.UTC)
	report := NewResultReport("node-4", NewModalityResult(KindVisual, 1.4, 0.3, ts, 7))

	assert.Equal(t, "result.node-4.visual", report.Subject())
	assert.Equal(t, 1.0, report.Result.Confidence)
	assert.Equal(t, ts, report.Envelope.Timestamp)
	assert.Equal(t, "analyzer", report.Envelope.SourceType)
}

func TestParseLevel(t *testing.T) {
	for _, name := range []string{"none", "low", "Medium", "HIGH", " very_high "} {
		_, err := ParseLevel(name)
		assert.NoError(t, err, name)
	}
	_, err := ParseLevel("extreme")
	assert.Error(t, err)

	var l Level
	require.NoError(t, json.Unmarshal([]byte(`"high"`), &l))
	assert.Equal(t, LevelHigh, l)
}

func TestParseKindAndTiers(t *testing.T) {
	k, err := ParseKind("PIR")
	require.NoError(t, err)
	assert.Equal(t, KindPIR, k)
	assert.True(t, KindPIR.LowCost())
	assert.False(t, KindVisual.LowCost())

	_, err = ParseKind("seismic")
	assert.Error(t, err)

	_, err = ParsePowerTier("half")
	assert.Error(t, err)
	_, err = ParsePhase("noon")
	assert.Error(t, err)
}

func TestClampConfidence(t *testing.T) {
	assert.Equal(t, 0.0, ClampConfidence(-0.2))
	assert.Equal(t, 1.0, ClampConfidence(3))
	assert.Equal(t, 0.4, ClampConfidence(0.4))
}
