// Package messages defines the data structures exchanged between the field node core and its collaborators
package messages

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope contains metadata common to all outbound messages for tracing and integrity
type Envelope struct {
	// Identity
	MessageID     string `json:"message_id"`
	CorrelationID string `json:"correlation_id"` // Correlation window that produced the message
	CausationID   string `json:"causation_id"`

	// Routing
	Source     string `json:"source"`      // Node ID that sent this message
	SourceType string `json:"source_type"` // fieldnode, analyzer, ...

	// Timing
	Timestamp time.Time `json:"timestamp"`

	// Integrity
	Signature     string `json:"signature"`      // HMAC-SHA256 of payload
	ConfigVersion uint64 `json:"config_version"` // Fusion config version active when produced

	// Tracing (OpenTelemetry)
	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`
}

// NewEnvelope creates a new envelope with a generated message ID
func NewEnvelope(source, sourceType string) Envelope {
	return Envelope{
		MessageID:  uuid.New().String(),
		Source:     source,
		SourceType: sourceType,
		Timestamp:  time.Now().UTC(),
	}
}

// WithCorrelation sets the correlation and causation IDs
func (e Envelope) WithCorrelation(correlationID, causationID string) Envelope {
	e.CorrelationID = correlationID
	e.CausationID = causationID
	return e
}

// WithTracing sets OpenTelemetry trace context
func (e Envelope) WithTracing(traceID, spanID string) Envelope {
	e.TraceID = traceID
	e.SpanID = spanID
	return e
}

// Sign generates an HMAC signature for the payload
func (e *Envelope) Sign(payload []byte, secret []byte) {
	h := hmac.New(sha256.New, secret)
	h.Write(payload)
	e.Signature = hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks the HMAC signature
func (e *Envelope) VerifySignature(payload []byte, secret []byte) bool {
	expected := hmac.New(sha256.New, secret)
	expected.Write(payload)
	expectedSig := hex.EncodeToString(expected.Sum(nil))
	return hmac.Equal([]byte(e.Signature), []byte(expectedSig))
}

// Message is implemented by every enveloped message type
type Message interface {
	GetEnvelope() Envelope
	SetEnvelope(Envelope)
	Subject() string
}

// MarshalWithSignature signs the unsigned encoding of msg and returns the signed encoding.
// The signature covers the message with an empty Signature field.
func MarshalWithSignature(msg Message, secret []byte) ([]byte, error) {
	env := msg.GetEnvelope()
	env.Signature = ""
	msg.SetEnvelope(env)

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	env.Sign(data, secret)
	msg.SetEnvelope(env)

	return json.Marshal(msg)
}

// VerifyMessage checks a message produced by MarshalWithSignature
func VerifyMessage(msg Message, secret []byte) (bool, error) {
	env := msg.GetEnvelope()
	signature := env.Signature

	env.Signature = ""
	msg.SetEnvelope(env)
	data, err := json.Marshal(msg)

	env.Signature = signature
	msg.SetEnvelope(env)
	if err != nil {
		return false, err
	}

	return env.VerifySignature(data, secret), nil
}
