package trigger

import (
	"time"

	"github.com/agile-defense/fieldnode/pkg/correlator"
	"github.com/agile-defense/fieldnode/pkg/environment"
	"github.com/agile-defense/fieldnode/pkg/fusion"
	"github.com/agile-defense/fieldnode/pkg/messages"
)

// DefaultLowPowerMargin is added to activation thresholds under low power
const DefaultLowPowerMargin = 0.1

// Cycle is the consistent context for one processing cycle
type Cycle struct {
	Config  fusion.Config
	Profile environment.WeightProfile
	Power   messages.PowerTier
}

// Options tune the sequencer beyond the fusion config
type Options struct {
	LowPowerMargin float64
	WindowCapacity int
}

// Policy is the fusion core's per-node context: it owns the correlator and the open window, and
// is driven by a single processing loop. It is not safe for concurrent use.
type Policy struct {
	opts      Options
	cycle     Cycle
	corr      *correlator.Correlator
	state     State
	pending   *Escalation
	nextToken uint64
	degraded  bool
	last      fusion.Outcome
}

// New creates a policy in IDLE
func New(cfg fusion.Config, opts Options) *Policy {
	if opts.LowPowerMargin < 0 {
		opts.LowPowerMargin = 0
	}
	return &Policy{
		opts: opts,
		cycle: Cycle{
			Config:  cfg,
			Profile: environment.WeightProfile{},
			Power:   messages.PowerNormal,
		},
		corr: correlator.New(correlator.Config{
			Duration: cfg.ConfirmationWindow,
			MaxSpan:  cfg.MaxWindowSpan,
			Capacity: opts.WindowCapacity,
		}),
		state: StateIdle,
	}
}

// Begin installs the context for the next cycle. Config changes take effect here only.
func (p *Policy) Begin(c Cycle) {
	if c.Config.ConfirmationWindow != p.cycle.Config.ConfirmationWindow || c.Config.MaxWindowSpan != p.cycle.Config.MaxWindowSpan {
		p.corr.Configure(c.Config.ConfirmationWindow, c.Config.MaxWindowSpan)
	}
	if c.Profile == nil {
		c.Profile = p.cycle.Profile
	}
	if c.Power == "" {
		c.Power = p.cycle.Power
	}
	p.cycle = c
}

// State returns the current state
func (p *Policy) State() State {
	return p.state
}

// Window returns the open window, or nil
func (p *Policy) Window() *correlator.Window {
	return p.corr.Open()
}

// Pending returns the in-flight escalation, if any
func (p *Policy) Pending() (Escalation, bool) {
	if p.pending == nil {
		return Escalation{}, false
	}
	return *p.pending, true
}

// LastOutcome returns the most recent fusion over the open window
func (p *Policy) LastOutcome() fusion.Outcome {
	return p.last
}

// Deadline returns when the open window expires absent new evidence
func (p *Policy) Deadline() (time.Time, bool) {
	return p.corr.Deadline()
}

// Tick finalizes the open window if it has expired at now
func (p *Policy) Tick(now time.Time) Decision {
	var d Decision
	if w := p.corr.Expire(now); w != nil {
		d.merge(p.finalize(w, ReasonExpired))
	}
	return d
}

// Observe feeds one result from a low-cost modality, or any result outside an escalation
func (p *Policy) Observe(r messages.ModalityResult, now time.Time) Decision {
	d := p.Tick(now)

	adm := p.corr.Ingest(r, now)
	if !adm.Retained {
		return d
	}

	if p.state == StateIdle && r.Kind.LowCost() && p.activates(r) {
		d.merge(p.prime(adm.Window, now))
	}
	d.merge(p.fuseWindow(adm.Window, now))
	d.Outcome = p.last
	return d
}

// VisualResult delivers the outcome of escalation token. Results for a cancelled or superseded
// escalation are discarded.
func (p *Policy) VisualResult(token uint64, r messages.ModalityResult, now time.Time) Decision {
	d := p.Tick(now)
	if p.pending == nil || p.pending.Token != token {
		d.Discarded = true
		return d
	}
	p.pending = nil

	if r.Unavailable {
		d.merge(p.visualFailed(now))
		return d
	}

	adm := p.corr.Ingest(r, now)
	if adm.Window == nil {
		d.Discarded = true
		return d
	}
	p.state = StateConfirming
	d.merge(p.fuseWindow(adm.Window, now))
	d.Outcome = p.last
	return d
}

// VisualFailed reports that escalation token could not produce a frame
func (p *Policy) VisualFailed(token uint64, now time.Time) Decision {
	d := p.Tick(now)
	if p.pending == nil || p.pending.Token != token {
		d.Discarded = true
		return d
	}
	p.pending = nil
	d.merge(p.visualFailed(now))
	return d
}

func (p *Policy) activates(r messages.ModalityResult) bool {
	threshold := p.cycle.Config.Activation(r.Kind)
	if p.cycle.Power == messages.PowerLow {
		threshold += p.opts.LowPowerMargin
	}
	return r.Confidence >= threshold
}

func (p *Policy) prime(w *correlator.Window, now time.Time) Decision {
	var d Decision
	if p.cycle.Power == messages.PowerCritical {
		p.degraded = true
		p.state = StateConfirming
		return d
	}

	p.nextToken++
	p.pending = &Escalation{Token: p.nextToken, WindowID: w.ID, RequestedAt: now}
	p.state = StatePrimed
	esc := *p.pending
	d.Escalate = &esc
	return d
}

func (p *Policy) visualFailed(now time.Time) Decision {
	p.degraded = true
	w := p.corr.Open()
	if w == nil {
		p.reset()
		return Decision{}
	}
	if p.state == StatePrimed {
		return p.finalize(p.corr.Close(now), ReasonVisualFailure)
	}
	p.state = StateConfirming
	return Decision{}
}

// fuseWindow re-runs fusion over the open window and finalizes early when confirmed
func (p *Policy) fuseWindow(w *correlator.Window, now time.Time) Decision {
	p.last = fusion.Fuse(p.cycle.Config, p.cycle.Profile, w.Results())
	if p.state == StateConfirming && len(p.last.Contributing) > 0 && p.last.Confidence >= p.cycle.Config.EarlyFinalizeThreshold {
		return p.finalize(p.corr.Close(now), ReasonEarly)
	}
	return Decision{}
}

func (p *Policy) finalize(w *correlator.Window, reason Reason) Decision {
	var d Decision
	if p.pending != nil {
		esc := *p.pending
		d.Cancelled = &esc
	}

	from := p.state
	p.state = StateFinalized
	outcome := fusion.Fuse(p.cycle.Config, p.cycle.Profile, w.Results())
	emit := outcome.Reportable(p.cycle.Config) && w.MarkEmitted()

	d.Finalized = append(d.Finalized, Finalization{
		Window:   w,
		Outcome:  outcome,
		Reason:   reason,
		From:     from,
		Degraded: p.degraded,
		Emit:     emit,
	})
	p.reset()
	return d
}

func (p *Policy) reset() {
	p.pending = nil
	p.degraded = false
	p.last = fusion.Outcome{Level: messages.LevelNone, Rule: p.cycle.Config.Rule}
	p.state = StateIdle
}
