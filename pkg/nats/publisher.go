package natsutil

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/agile-defense/fieldnode/pkg/messages"
)

// StreamPublisher is the subset of jetstream.JetStream used for publishing
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Publisher signs and publishes node output to JetStream. Message IDs double as JetStream
// deduplication keys, so a retried publish is stored once.
type Publisher struct {
	js     StreamPublisher
	source string
	secret []byte
	logger zerolog.Logger
}

// NewPublisher creates a publisher for node source
func NewPublisher(js StreamPublisher, source string, secret []byte, logger zerolog.Logger) *Publisher {
	return &Publisher{
		js:     js,
		source: source,
		secret: secret,
		logger: logger.With().Str("component", "uplink").Logger(),
	}
}

// PublishEvent publishes a finalized detection event
func (p *Publisher) PublishEvent(ctx context.Context, event *messages.DetectionEvent) error {
	data, err := messages.MarshalWithSignature(event, p.secret)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := event.Subject()
	if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(event.Envelope.MessageID)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	p.logger.Debug().
		Str("subject", subject).
		Str("event_id", event.EventID).
		Str("correlation_id", event.Envelope.CorrelationID).
		Msg("Published event")
	return nil
}

// PublishResult publishes one analyzer result
func (p *Publisher) PublishResult(ctx context.Context, result messages.ModalityResult) error {
	report := messages.NewResultReport(p.source, result)
	data, err := messages.MarshalWithSignature(report, p.secret)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	subject := report.Subject()
	if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(report.Envelope.MessageID)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}
