package natsutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/agile-defense/fieldnode/pkg/messages"
)

// ErrBadSignature is returned for messages whose HMAC does not verify
var ErrBadSignature = errors.New("signature verification failed")

// Handler processes one delivered message
type Handler func(ctx context.Context, msg jetstream.Msg) error

// Fetcher is the subset of jetstream.Consumer used by Consume
type Fetcher interface {
	Fetch(batch int, opts ...jetstream.FetchOpt) (jetstream.MessageBatch, error)
}

// Consume fetches batches until ctx is cancelled. Messages are acked when handle succeeds,
// terminated when they can never succeed, and nacked otherwise.
func Consume(ctx context.Context, consumer Fetcher, batch int, logger zerolog.Logger, handle Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := consumer.Fetch(batch, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				continue
			}
			logger.Error().Err(err).Msg("Failed to fetch messages")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for msg := range msgs.Messages() {
			err := handle(ctx, msg)
			switch {
			case err == nil:
				_ = msg.Ack()
			case errors.Is(err, ErrBadSignature), errors.Is(err, errMalformed):
				logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("Dropping message")
				_ = msg.Term()
			default:
				logger.Error().Err(err).Str("subject", msg.Subject()).Msg("Failed to process message")
				_ = msg.Nak()
			}
		}

		if err := msgs.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			logger.Warn().Err(err).Msg("Message batch error")
		}
	}
}

var errMalformed = errors.New("malformed message")

// DecodeEvent parses and verifies a detection event. An empty secret skips verification.
func DecodeEvent(data, secret []byte) (*messages.DetectionEvent, error) {
	var event messages.DetectionEvent
	if err := decode(data, secret, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// DecodeResult parses and verifies a result report. An empty secret skips verification.
func DecodeResult(data, secret []byte) (*messages.ResultReport, error) {
	var report messages.ResultReport
	if err := decode(data, secret, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func decode(data, secret []byte, msg messages.Message) error {
	if err := json.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	if len(secret) == 0 {
		return nil
	}
	ok, err := messages.VerifyMessage(msg, secret)
	if err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	if !ok {
		return fmt.Errorf("%w: message %s", ErrBadSignature, msg.GetEnvelope().MessageID)
	}
	return nil
}
