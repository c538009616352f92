// Package node runs the field node's cooperative processing loop around the fusion core
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agile-defense/fieldnode/pkg/analyzer"
	"github.com/agile-defense/fieldnode/pkg/environment"
	"github.com/agile-defense/fieldnode/pkg/fusion"
	"github.com/agile-defense/fieldnode/pkg/messages"
	"github.com/agile-defense/fieldnode/pkg/trigger"
)

// ErrQueueFull is returned when an input queue cannot take more work. The caller keeps the item and
// retries on its next delivery.
var ErrQueueFull = errors.New("queue full")

// Defaults
const (
	DefaultCycleInterval    = 50 * time.Millisecond
	DefaultQueueSize        = 256
	DefaultAudioQueueSize   = 8
	DefaultFailureThreshold = 5
	DefaultCaptureTimeout   = 1500 * time.Millisecond
	DefaultDispatchTimeout  = 5 * time.Second
)

// Options tune the processing loop
type Options struct {
	NodeID           string
	CycleInterval    time.Duration
	QueueSize        int
	AudioQueueSize   int
	FailureThreshold int // Consecutive failures before a modality raises the supervisor flag
	CaptureTimeout   time.Duration
	DispatchTimeout  time.Duration
	LowPowerMargin   float64
	Clock            func() time.Time
}

func (o *Options) defaults() {
	if o.NodeID == "" {
		o.NodeID = "fieldnode"
	}
	if o.CycleInterval <= 0 {
		o.CycleInterval = DefaultCycleInterval
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.AudioQueueSize <= 0 {
		o.AudioQueueSize = DefaultAudioQueueSize
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = DefaultFailureThreshold
	}
	if o.CaptureTimeout <= 0 {
		o.CaptureTimeout = DefaultCaptureTimeout
	}
	if o.DispatchTimeout <= 0 {
		o.DispatchTimeout = DefaultDispatchTimeout
	}
	if o.Clock == nil {
		o.Clock = func() time.Time { return time.Now().UTC() }
	}
}

// Deps are the collaborators the node is wired to. Only Store, Adapter and Analyzers are required.
type Deps struct {
	Store       *fusion.Store
	Adapter     *environment.Adapter
	Analyzers   *analyzer.Set
	Frames      FrameSource
	Stills      StillCapturer
	Environment EnvironmentSource
	Power       PowerSource
	Dispatcher  Dispatcher
	Stored      []EventSink // Receive events the policy allows to be stored
	Transmitted []EventSink // Receive events the policy allows to be transmitted
	Results     []ResultSink
	Logger      zerolog.Logger
	Registry    prometheus.Registerer
	Tracer      trace.Tracer
}

type captureRequest struct {
	token uint64
	ctx   context.Context
}

type captureResult struct {
	token  uint64
	result messages.ModalityResult
	err    error
}

type inflight struct {
	cancel context.CancelFunc
	span   trace.Span
}

type pendingEvent struct {
	event *messages.DetectionEvent
	final trigger.Finalization
}

// FieldNode owns the fusion core. Run drives a single processing loop plus fixed visual, audio and
// dispatch workers; producers hand work to it through the latch and bounded queues.
type FieldNode struct {
	opts    Options
	deps    Deps
	logger  zerolog.Logger
	tracer  trace.Tracer
	metrics *metrics

	latch     analyzer.EdgeLatch
	results   chan messages.ModalityResult
	audio     chan analyzer.AudioBuffer
	captures  chan captureRequest
	captured  chan captureResult
	events    chan pendingEvent
	telemetry chan messages.ModalityResult

	// Owned by the processing loop
	policy    *trigger.Policy
	cfg       fusion.Config
	version   uint64
	inflight  map[uint64]inflight
	failures  map[messages.Kind]int
	lastSeen  map[messages.Kind]time.Time
	flagged   map[messages.Kind]bool
	emitted   uint64
	lastEvent *messages.EventSummary

	statusMu sync.RWMutex
	status   Status
}

// New creates a node. Nothing runs until Run is called.
func New(deps Deps, opts Options) (*FieldNode, error) {
	if deps.Store == nil || deps.Adapter == nil || deps.Analyzers == nil {
		return nil, fmt.Errorf("node requires a config store, adapter and analyzers")
	}
	if deps.Analyzers.PIR == nil {
		return nil, fmt.Errorf("node requires a PIR analyzer")
	}
	opts.defaults()
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("github.com/agile-defense/fieldnode/pkg/node")
	}
	if deps.Environment == nil || deps.Power == nil {
		ambient := NewAmbient()
		if deps.Environment == nil {
			deps.Environment = ambient
		}
		if deps.Power == nil {
			deps.Power = ambient
		}
	}

	cfg, version := deps.Store.Current()
	deps.Analyzers.PIR.Debounce = cfg.PIRDebounce

	n := &FieldNode{
		opts:      opts,
		deps:      deps,
		logger:    deps.Logger.With().Str("component", "node").Logger(),
		tracer:    deps.Tracer,
		metrics:   newMetrics(deps.Registry),
		results:   make(chan messages.ModalityResult, opts.QueueSize),
		audio:     make(chan analyzer.AudioBuffer, opts.AudioQueueSize),
		captures:  make(chan captureRequest, 1),
		captured:  make(chan captureResult, 4),
		events:    make(chan pendingEvent, 64),
		telemetry: make(chan messages.ModalityResult, opts.QueueSize),
		policy:    trigger.New(cfg, trigger.Options{LowPowerMargin: opts.LowPowerMargin}),
		cfg:       cfg,
		version:   version,
		inflight:  make(map[uint64]inflight),
		failures:  make(map[messages.Kind]int),
		lastSeen:  make(map[messages.Kind]time.Time),
		flagged:   make(map[messages.Kind]bool),
	}
	n.publishStatus(messages.DefaultEnvironment(), deps.Power.PowerTier(), environment.WeightProfile{})
	return n, nil
}

// Run blocks until ctx is cancelled
func (n *FieldNode) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	workers := []func(context.Context){n.visualWorker, n.audioWorker, n.dispatchWorker}
	for _, w := range workers {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(w)
	}

	n.logger.Info().
		Str("rule", string(n.cfg.Rule)).
		Dur("window", n.cfg.ConfirmationWindow).
		Dur("cycle", n.opts.CycleInterval).
		Msg("Processing loop started")

	ticker := time.NewTicker(n.opts.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			n.cancelInflight()
			wg.Wait()
			n.logger.Info().Msg("Processing loop stopped")
			return ctx.Err()
		case <-ticker.C:
			n.cycle(ctx)
		}
	}
}

// SignalPIR records a PIR edge. It is safe to call from the driver's interrupt path.
func (n *FieldNode) SignalPIR(ts time.Time) {
	n.latch.Signal(ts)
}

// Submit queues a result produced outside the node, such as an external audio scorer
func (n *FieldNode) Submit(r messages.ModalityResult) error {
	if !r.Kind.Valid() {
		return fmt.Errorf("unknown modality %q", r.Kind)
	}
	r.Confidence = messages.ClampConfidence(r.Confidence)
	select {
	case n.results <- r:
		return nil
	default:
		n.metrics.dropped.WithLabelValues("results").Inc()
		return ErrQueueFull
	}
}

// SubmitAudio queues a buffer for the audio worker
func (n *FieldNode) SubmitAudio(buf analyzer.AudioBuffer) error {
	select {
	case n.audio <- buf:
		return nil
	default:
		n.metrics.dropped.WithLabelValues("audio").Inc()
		return ErrQueueFull
	}
}

// ConfigUpdate is the outcome of an update request
type ConfigUpdate struct {
	Accepted bool   `json:"accepted"`
	Version  uint64 `json:"version,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// UpdateConfig validates a complete candidate. Accepted candidates take effect at the start of the
// next processing cycle; rejected ones leave the active config untouched.
func (n *FieldNode) UpdateConfig(candidate fusion.Config) ConfigUpdate {
	version, err := n.deps.Store.Propose(candidate)
	if err != nil {
		n.logger.Warn().Err(err).Msg("Rejected fusion config update")
		return ConfigUpdate{Accepted: false, Reason: err.Error()}
	}
	n.logger.Info().Uint64("version", version).Msg("Staged fusion config update")
	return ConfigUpdate{Accepted: true, Version: version}
}

// Config returns the active fusion config and its version
func (n *FieldNode) Config() (fusion.Config, uint64) {
	return n.deps.Store.Current()
}

// Status returns the latest published status
func (n *FieldNode) Status() Status {
	n.statusMu.RLock()
	defer n.statusMu.RUnlock()
	return n.status.clone()
}

// cycle is one pass of the processing loop. Config is applied here and nowhere else.
func (n *FieldNode) cycle(ctx context.Context) {
	start := time.Now()

	if cfg, version, changed := n.deps.Store.Apply(); changed {
		n.cfg, n.version = cfg, version
		n.deps.Analyzers.PIR.Debounce = cfg.PIRDebounce
		n.logger.Info().
			Uint64("version", version).
			Str("rule", string(cfg.Rule)).
			Dur("window", cfg.ConfirmationWindow).
			Msg("Applied fusion config")
	}

	env := n.deps.Environment.Environment()
	power := n.deps.Power.PowerTier()
	profile := n.deps.Adapter.Profile(env)
	n.policy.Begin(trigger.Cycle{Config: n.cfg, Profile: profile, Power: power})

	now := n.opts.Clock()

	if edge, ok := n.latch.Drain(); ok {
		result, fresh, err := n.deps.Analyzers.Analyze(edge)
		n.account(result, err)
		if fresh {
			n.apply(ctx, n.policy.Observe(result, now), now)
		}
	}

	for drained := false; !drained; {
		select {
		case res := <-n.captured:
			n.handleCapture(ctx, res, now)
		default:
			drained = true
		}
	}

	for drained := false; !drained; {
		select {
		case r := <-n.results:
			n.account(r, nil)
			n.apply(ctx, n.policy.Observe(r, now), now)
		default:
			drained = true
		}
	}

	n.apply(ctx, n.policy.Tick(now), now)
	n.publishStatus(env, power, profile)
	n.metrics.queueDepth.Set(float64(len(n.results)))
	n.metrics.setState(n.policy.State())
	if w := n.policy.Window(); w != nil {
		n.metrics.window.Set(float64(w.Len()))
	} else {
		n.metrics.window.Set(0)
	}

	if elapsed := time.Since(start); elapsed > n.opts.CycleInterval {
		n.logger.Warn().Dur("elapsed", elapsed).Msg("Processing cycle overran its interval")
	}
}

// apply carries out a policy decision
func (n *FieldNode) apply(ctx context.Context, d trigger.Decision, now time.Time) {
	if d.Cancelled != nil {
		n.cancelCapture(d.Cancelled.Token, escalationCancelled)
	}
	for _, f := range d.Finalized {
		n.finalized(ctx, f, now)
	}
	if d.Escalate != nil {
		n.escalate(ctx, *d.Escalate, now)
	}
}

func (n *FieldNode) escalate(ctx context.Context, esc trigger.Escalation, now time.Time) {
	n.metrics.escalations.WithLabelValues(escalationRequested).Inc()

	if n.deps.Frames == nil {
		n.logger.Debug().Str("window_id", esc.WindowID).Msg("No frame source, visual escalation unavailable")
		n.metrics.escalations.WithLabelValues(escalationFailed).Inc()
		n.apply(ctx, n.policy.VisualFailed(esc.Token, now), now)
		return
	}

	captureCtx, cancel := context.WithTimeout(ctx, n.opts.CaptureTimeout)
	captureCtx, span := n.tracer.Start(captureCtx, "fieldnode.escalate",
		trace.WithAttributes(
			attribute.String("window_id", esc.WindowID),
			attribute.Int64("token", int64(esc.Token)),
		))

	select {
	case n.captures <- captureRequest{token: esc.Token, ctx: captureCtx}:
		n.inflight[esc.Token] = inflight{cancel: cancel, span: span}
		n.logger.Debug().Str("window_id", esc.WindowID).Uint64("token", esc.Token).Msg("Visual escalation started")
	default:
		// The worker is still busy with an earlier capture; no buffer for this one.
		cancel()
		span.End()
		n.metrics.escalations.WithLabelValues(escalationFailed).Inc()
		n.apply(ctx, n.policy.VisualFailed(esc.Token, now), now)
	}
}

func (n *FieldNode) handleCapture(ctx context.Context, res captureResult, now time.Time) {
	_, known := n.inflight[res.token]
	n.account(res.result, res.err)

	d := n.policy.VisualResult(res.token, res.result, now)
	switch {
	case d.Discarded || !known:
		n.finishCapture(res.token, escalationDiscarded)
	case res.result.Unavailable:
		n.logger.Warn().Err(res.err).Uint64("token", res.token).Msg("Visual escalation failed, continuing degraded")
		n.finishCapture(res.token, escalationFailed)
	case res.result.Confidence >= n.cfg.Activation(messages.KindVisual):
		n.finishCapture(res.token, escalationConfirmed)
	default:
		n.finishCapture(res.token, escalationRejected)
	}
	n.apply(ctx, d, now)
}

func (n *FieldNode) cancelCapture(token uint64, outcome string) {
	if f, ok := n.inflight[token]; ok {
		f.cancel()
		n.logger.Debug().Uint64("token", token).Msg("Visual escalation cancelled")
	}
	n.finishCapture(token, outcome)
}

func (n *FieldNode) finishCapture(token uint64, outcome string) {
	f, ok := n.inflight[token]
	if !ok {
		if outcome == escalationDiscarded {
			n.metrics.escalations.WithLabelValues(outcome).Inc()
		}
		return
	}
	delete(n.inflight, token)
	f.cancel()
	f.span.SetAttributes(attribute.String("outcome", outcome))
	f.span.End()
	n.metrics.escalations.WithLabelValues(outcome).Inc()
}

func (n *FieldNode) cancelInflight() {
	for token := range n.inflight {
		n.cancelCapture(token, escalationCancelled)
	}
}

// account tracks per-modality liveness and persistent failure
func (n *FieldNode) account(r messages.ModalityResult, err error) {
	k := r.Kind
	if !k.Valid() {
		return
	}

	if !r.Unavailable && err == nil {
		n.metrics.results.WithLabelValues(string(k), "ok").Inc()
		n.lastSeen[k] = r.Timestamp
		n.failures[k] = 0
		if n.flagged[k] {
			n.flagged[k] = false
			n.metrics.setSupervisor(k, false)
			n.logger.Info().Str("modality", string(k)).Msg("Modality recovered")
		}
		n.queueTelemetry(r)
		return
	}

	n.metrics.results.WithLabelValues(string(k), "unavailable").Inc()
	n.failures[k]++
	if n.failures[k] >= n.opts.FailureThreshold && !n.flagged[k] {
		n.flagged[k] = true
		n.metrics.setSupervisor(k, true)
		n.logger.Error().
			Err(err).
			Str("modality", string(k)).
			Int("consecutive_failures", n.failures[k]).
			Msg("Modality failing persistently, raising supervisor flag")
	}
	n.queueTelemetry(r)
}

func (n *FieldNode) queueTelemetry(r messages.ModalityResult) {
	if len(n.deps.Results) == 0 {
		return
	}
	select {
	case n.telemetry <- r:
	default:
		n.metrics.dropped.WithLabelValues("telemetry").Inc()
	}
}

func (n *FieldNode) finalized(ctx context.Context, f trigger.Finalization, now time.Time) {
	n.metrics.confidence.Observe(f.Outcome.Confidence)

	log := n.logger.With().
		Str("window_id", f.Window.ID).
		Str("reason", string(f.Reason)).
		Float64("confidence", f.Outcome.Confidence).
		Str("level", f.Outcome.Level.String()).
		Logger()

	if !f.Emit {
		log.Debug().Int("results", f.Window.Len()).Msg("Window closed below reporting threshold")
		return
	}

	event := n.buildEvent(f, now)
	n.emitted++
	summary := event.Summary()
	n.lastEvent = &summary
	n.metrics.events.WithLabelValues(event.Level.String()).Inc()

	log.Info().
		Str("event_id", event.EventID).
		Strs("modalities", kindStrings(event.Modalities)).
		Bool("degraded", event.Degraded).
		Msg("Detection finalized")

	select {
	case n.events <- pendingEvent{event: event, final: f}:
	case <-ctx.Done():
	}
}

func (n *FieldNode) buildEvent(f trigger.Finalization, now time.Time) *messages.DetectionEvent {
	w := f.Window
	env := messages.NewEnvelope(n.opts.NodeID, "fieldnode").WithCorrelation(w.ID, "")
	env.ConfigVersion = n.version
	env.Timestamp = now

	event := &messages.DetectionEvent{
		Envelope:    env,
		EventID:     env.MessageID,
		WindowID:    w.ID,
		Confidence:  f.Outcome.Confidence,
		Level:       f.Outcome.Level,
		Modalities:  append([]messages.Kind(nil), f.Outcome.Contributing...),
		Rule:        string(f.Outcome.Rule),
		Conflict:    f.Outcome.Conflict,
		Timestamp:   now,
		WindowStart: w.Start(),
		WindowEnd:   w.End(),
		ResultCount: w.Len(),
		Degraded:    f.Degraded,
		FinalizedBy: string(f.Reason),
		PowerTier:   n.deps.Power.PowerTier(),
	}

	var best float64
	for _, r := range w.Results() {
		if r.SpeciesHint != "" && r.Confidence > best {
			best, event.SpeciesHint = r.Confidence, r.SpeciesHint
		}
	}
	if v, ok := w.Latest(messages.KindVisual); ok && !v.Region.Empty() {
		event.Region = v.Region
	}
	return event
}

func (n *FieldNode) publishStatus(env messages.EnvironmentalContext, power messages.PowerTier, profile environment.WeightProfile) {
	s := Status{
		NodeID:        n.opts.NodeID,
		State:         n.policy.State().String(),
		ConfigVersion: n.version,
		PendingConfig: n.deps.Store.Pending(),
		EventsEmitted: n.emitted,
		Modalities:    make(map[messages.Kind]ModalityStatus, len(messages.AllKinds)),
		QueueDepth:    len(n.results),
		PowerTier:     power,
		Environment:   env,
		Profile:       profile.Clone(),
		UpdatedAt:     n.opts.Clock(),
		Escalating:    len(n.inflight) > 0,
	}
	if w := n.policy.Window(); w != nil {
		s.WindowID = w.ID
		s.WindowResults = w.Len()
	}
	if n.lastEvent != nil {
		ev := *n.lastEvent
		s.LastEvent = &ev
	}
	for _, k := range messages.AllKinds {
		s.Modalities[k] = ModalityStatus{
			LastSeen:            n.lastSeen[k],
			ConsecutiveFailures: n.failures[k],
			SupervisorFlag:      n.flagged[k],
		}
		s.SupervisorFlag = s.SupervisorFlag || n.flagged[k]
	}

	n.statusMu.Lock()
	n.status = s
	n.statusMu.Unlock()
}

func kindStrings(kinds []messages.Kind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}
