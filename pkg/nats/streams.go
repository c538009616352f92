// Package natsutil provides NATS JetStream configuration and the field node's uplink helpers
package natsutil

import (
	"context"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Stream names
const (
	StreamEvents  = "EVENTS"
	StreamResults = "RESULTS"
)

// StreamConfigs defines all streams used by field nodes and the archive
var StreamConfigs = map[string]jetstream.StreamConfig{
	StreamEvents: {
		Name:        StreamEvents,
		Description: "Finalized detection events",
		Subjects:    []string{"event.>"},
		Retention:   jetstream.LimitsPolicy,
		MaxBytes:    1 * 1024 * 1024 * 1024, // 1GB
		MaxAge:      30 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Discard:     jetstream.DiscardOld,
		Duplicates:  10 * time.Minute, // Nodes retry publishes over a flaky uplink
	},
	StreamResults: {
		Name:              StreamResults,
		Description:       "Per-modality analyzer results for telemetry",
		Subjects:          []string{"result.>"},
		Retention:         jetstream.LimitsPolicy,
		MaxBytes:          512 * 1024 * 1024, // 512MB
		MaxAge:            24 * time.Hour,
		Storage:           jetstream.FileStorage,
		Replicas:          1,
		Discard:           jetstream.DiscardOld,
		MaxMsgsPerSubject: 100000,
	},
}

// ConsumerConfigs defines the durable consumers used by the archive
var ConsumerConfigs = map[string]jetstream.ConsumerConfig{
	"event-archiver": {
		Durable:       "event-archiver",
		Description:   "Persists detection events",
		FilterSubject: "event.>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		MaxAckPending: 500,
	},
	"result-archiver": {
		Durable:       "result-archiver",
		Description:   "Batches modality results into the telemetry store",
		FilterSubject: "result.>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    3,
		MaxAckPending: 5000,
	},
}

// SetupStreams creates all required streams
func SetupStreams(ctx context.Context, js jetstream.JetStream) error {
	for name, cfg := range StreamConfigs {
		_, err := js.Stream(ctx, name)
		if err == nil {
			continue // Stream exists
		}

		_, err = js.CreateStream(ctx, cfg)
		if err != nil {
			return err
		}
	}
	return nil
}

// SetupConsumer creates or opens a durable consumer
func SetupConsumer(ctx context.Context, js jetstream.JetStream, streamName, consumerName string) (jetstream.Consumer, error) {
	cfg, ok := ConsumerConfigs[consumerName]
	if !ok {
		cfg = jetstream.ConsumerConfig{
			Durable:       consumerName,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    3,
			MaxAckPending: 100,
		}
	}

	stream, err := js.Stream(ctx, streamName)
	if err != nil {
		return nil, err
	}

	consumer, err := stream.Consumer(ctx, cfg.Durable)
	if err == nil {
		return consumer, nil
	}

	return stream.CreateConsumer(ctx, cfg)
}
