package node

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agile-defense/fieldnode/pkg/analyzer"
	"github.com/agile-defense/fieldnode/pkg/camera"
	"github.com/agile-defense/fieldnode/pkg/messages"
	"github.com/agile-defense/fieldnode/pkg/policy"
)

// visualWorker serves one capture at a time. The processing loop never waits on it.
func (n *FieldNode) visualWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-n.captures:
			res := n.capture(req)
			select {
			case n.captured <- res:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (n *FieldNode) capture(req captureRequest) captureResult {
	start := time.Now()
	pair, err := n.deps.Frames.CapturePair(req.ctx)

	var sample analyzer.Sample = pair
	if err != nil {
		sample = analyzer.Failure{Kind: messages.KindVisual, At: n.opts.Clock(), Err: err}
	} else if pair.CapturedAt.IsZero() {
		pair.CapturedAt = n.opts.Clock()
		sample = pair
	}

	result, _, aerr := n.deps.Analyzers.Analyze(sample)
	n.logger.Debug().
		Uint64("token", req.token).
		Dur("latency", time.Since(start)).
		Float64("confidence", result.Confidence).
		Bool("unavailable", result.Unavailable).
		Msg("Visual analysis complete")
	return captureResult{token: req.token, result: result, err: aerr}
}

// audioWorker analyzes buffers off the processing loop and queues the results like any other
func (n *FieldNode) audioWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case buf := <-n.audio:
			result, _, err := n.deps.Analyzers.Analyze(buf)
			if err != nil && !errors.Is(err, analyzer.ErrSensorUnavailable) {
				n.logger.Warn().Err(err).Msg("Audio analysis failed")
			}
			select {
			case n.results <- result:
			case <-ctx.Done():
				return
			}
		}
	}
}

// dispatchWorker runs the downstream policy for each emitted event and fans out to the sinks
func (n *FieldNode) dispatchWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case pe := <-n.events:
			n.dispatch(ctx, pe.event)
		case r := <-n.telemetry:
			n.publishResult(ctx, r)
		}
	}
}

func (n *FieldNode) dispatch(parent context.Context, event *messages.DetectionEvent) {
	ctx, cancel := context.WithTimeout(parent, n.opts.DispatchTimeout)
	defer cancel()

	ctx, span := n.tracer.Start(ctx, "fieldnode.dispatch",
		trace.WithAttributes(
			attribute.String("event_id", event.EventID),
			attribute.String("window_id", event.WindowID),
			attribute.String("level", event.Level.String()),
			attribute.Float64("confidence", event.Confidence),
		))
	defer span.End()

	sc := span.SpanContext()
	if sc.IsValid() {
		event.Envelope = event.Envelope.WithTracing(sc.TraceID().String(), sc.SpanID().String())
	}

	log := n.logger.With().Str("event_id", event.EventID).Logger()

	decision := policy.Fallback("no_dispatcher")
	if n.deps.Dispatcher != nil {
		d, err := n.deps.Dispatcher.Decide(ctx, event)
		if err != nil {
			log.Error().Err(err).Msg("Dispatch policy failed, storing only")
			span.RecordError(err)
			d = policy.Fallback("policy_error")
		}
		decision = d
	}
	span.SetAttributes(attribute.StringSlice("actions", decision.Actions()))

	if decision.Capture && n.deps.Stills != nil {
		still, err := n.deps.Stills.CaptureStill(ctx, camera.StillRequest{EventID: event.EventID, WindowID: event.WindowID})
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("Still capture failed")
			span.RecordError(err)
		default:
			log.Info().Str("image_id", still.ImageID).Msg("Still captured")
		}
	}

	var failed bool
	if decision.Store {
		failed = n.publish(ctx, log, "store", event, n.deps.Stored) || failed
	}
	if decision.Transmit {
		failed = n.publish(ctx, log, "transmit", event, n.deps.Transmitted) || failed
	}
	if failed {
		span.SetStatus(codes.Error, "sink failure")
	}

	log.Debug().
		Strs("actions", decision.Actions()).
		Strs("reasons", decision.Reasons).
		Msg("Event dispatched")
}

func (n *FieldNode) publish(ctx context.Context, log zerolog.Logger, action string, event *messages.DetectionEvent, sinks []EventSink) bool {
	var failed bool
	for _, sink := range sinks {
		if err := sink.PublishEvent(ctx, event); err != nil {
			failed = true
			log.Error().Err(err).Str("action", action).Msg("Failed to publish event")
		}
	}
	return failed
}

func (n *FieldNode) publishResult(ctx context.Context, r messages.ModalityResult) {
	for _, sink := range n.deps.Results {
		if err := sink.PublishResult(ctx, r); err != nil {
			n.logger.Debug().Err(err).Str("modality", string(r.Kind)).Msg("Failed to publish result")
		}
	}
}
