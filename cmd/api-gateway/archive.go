package main

import (
	"context"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/agile-defense/fieldnode/pkg/clickhouse"
	"github.com/agile-defense/fieldnode/pkg/messages"
	natsutil "github.com/agile-defense/fieldnode/pkg/nats"
	"github.com/agile-defense/fieldnode/pkg/postgres"
)

// eventArchive is the subset of the Postgres pool the archiver writes to
type eventArchive interface {
	InsertEvent(ctx context.Context, event *messages.DetectionEvent) (bool, error)
	IncrementCounter(ctx context.Context, counterName string, increment int64) (int64, error)
}

var _ eventArchive = (*postgres.Pool)(nil)

const setupRetry = 5 * time.Second

// recorder is the metrics surface of agent.BaseAgent
type recorder interface {
	RecordMessage(outcome, kind string)
	RecordLatency(stage string, duration time.Duration)
	RecordError(errorType string)
}

// archiver drains the uplink streams into the archive stores
type archiver struct {
	db      eventArchive
	batcher *clickhouse.Batcher // nil when result telemetry is disabled
	secret  []byte
	tracer  trace.Tracer
	record  recorder
	pending prometheus.Gauge
	logger  zerolog.Logger
}

// Run sets up the streams and durable consumers and consumes until ctx is cancelled
func (a *archiver) Run(ctx context.Context, js jetstream.JetStream) error {
	for {
		err := natsutil.SetupStreams(ctx, js)
		if err == nil {
			break
		}
		a.record.RecordError("stream_setup")
		a.logger.Warn().Err(err).Dur("retry_in", setupRetry).Msg("Stream setup failed")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(setupRetry):
		}
	}

	events, err := natsutil.SetupConsumer(ctx, js, natsutil.StreamEvents, "event-archiver")
	if err != nil {
		return err
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return natsutil.Consume(gCtx, events, 50, a.logger, a.handleEvent)
	})

	if a.batcher != nil {
		results, err := natsutil.SetupConsumer(ctx, js, natsutil.StreamResults, "result-archiver")
		if err != nil {
			return err
		}
		g.Go(func() error {
			return natsutil.Consume(gCtx, results, 200, a.logger, a.handleResult)
		})
	}

	a.logger.Info().Bool("results", a.batcher != nil).Msg("Archiver started")
	return g.Wait()
}

func (a *archiver) handleEvent(ctx context.Context, msg jetstream.Msg) error {
	start := time.Now()
	defer func() { a.record.RecordLatency("archive_event", time.Since(start)) }()

	ctx, span := a.tracer.Start(ctx, "gateway.archive_event",
		trace.WithAttributes(attribute.String("subject", msg.Subject())))
	defer span.End()

	event, err := natsutil.DecodeEvent(msg.Data(), a.secret)
	if err != nil {
		a.record.RecordMessage("rejected", "event")
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetAttributes(
		attribute.String("event.id", event.EventID),
		attribute.String("node.id", event.Envelope.Source),
		attribute.String("event.level", event.Level.String()),
	)

	inserted, err := a.db.InsertEvent(ctx, event)
	if err != nil {
		a.record.RecordMessage("failed", "event")
		a.record.RecordError("archive_insert")
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if !inserted {
		a.record.RecordMessage("duplicate", "event")
		return nil
	}

	a.record.RecordMessage("stored", "event")
	if _, err := a.db.IncrementCounter(ctx, "events_archived", 1); err != nil {
		a.record.RecordError("archive_counter")
		a.logger.Warn().Err(err).Msg("Failed to bump archive counter")
	}
	a.logger.Debug().
		Str("event_id", event.EventID).
		Str("node_id", event.Envelope.Source).
		Str("level", event.Level.String()).
		Msg("Archived detection event")
	return nil
}

func (a *archiver) handleResult(_ context.Context, msg jetstream.Msg) error {
	report, err := natsutil.DecodeResult(msg.Data(), a.secret)
	if err != nil {
		a.record.RecordMessage("rejected", "result")
		return err
	}
	a.batcher.Add(clickhouse.RowFromReport(report))
	a.record.RecordMessage("buffered", "result")
	if a.pending != nil {
		a.pending.Set(float64(a.batcher.Pending()))
	}
	return nil
}
