package mqtt

import (
	"context"
	"fmt"
	"strings"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/agile-defense/fieldnode/pkg/messages"
)

// DefaultEventTopic is where the radio gateway picks up events; {node_id} and {level} are replaced
const DefaultEventTopic = "fieldnode/{node_id}/events/{level}"

// Uplink publishes signed events over the radio link
type Uplink struct {
	client paho.Client
	topic  string
	secret []byte
	logger zerolog.Logger
}

// NewUplink creates an uplink publishing to topic, or DefaultEventTopic when empty
func NewUplink(client paho.Client, topic string, secret []byte, logger zerolog.Logger) *Uplink {
	if topic == "" {
		topic = DefaultEventTopic
	}
	return &Uplink{
		client: client,
		topic:  topic,
		secret: secret,
		logger: logger.With().Str("component", "radio_uplink").Logger(),
	}
}

// Topic returns the topic event is published to
func (u *Uplink) Topic(event *messages.DetectionEvent) string {
	return formatEventTopic(u.topic, event.Envelope.Source, event.Level.String())
}

// PublishEvent publishes event with QoS 1 and waits for the broker ack or ctx
func (u *Uplink) PublishEvent(ctx context.Context, event *messages.DetectionEvent) error {
	payload, err := messages.MarshalWithSignature(event, u.secret)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	topic := u.Topic(event)
	token := u.client.Publish(topic, 1, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to publish to %s: %w", topic, err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	u.logger.Info().
		Str("topic", topic).
		Str("event_id", event.EventID).
		Int("bytes", len(payload)).
		Msg("Event sent over radio uplink")
	return nil
}

func formatEventTopic(pattern, nodeID, level string) string {
	return formatTopic(strings.ReplaceAll(pattern, "{level}", level), nodeID)
}
