// Package trigger sequences modalities by cost and decides when a correlation window is final
package trigger

import (
	"time"

	"github.com/agile-defense/fieldnode/pkg/correlator"
	"github.com/agile-defense/fieldnode/pkg/fusion"
)

// State of the sequencer
type State int

const (
	StateIdle State = iota
	StatePrimed
	StateConfirming
	StateFinalized
)

var stateNames = [...]string{"idle", "primed", "confirming", "finalized"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Reason explains why a window was finalized
type Reason string

const (
	ReasonExpired       Reason = "expired"
	ReasonEarly         Reason = "early"
	ReasonVisualFailure Reason = "visual_failure"
)

// Escalation is a request to run the visual analyzer for the open window. Token identifies the
// request so a result arriving after cancellation can be told apart.
type Escalation struct {
	Token       uint64
	WindowID    string
	RequestedAt time.Time
}

// Finalization is a closed window with its fused outcome. Emit is set when the outcome clears the
// reporting threshold and the window had not emitted before.
type Finalization struct {
	Window   *correlator.Window
	Outcome  fusion.Outcome
	Reason   Reason
	From     State
	Degraded bool
	Emit     bool
}

// Decision is everything a single policy step asks of the caller
type Decision struct {
	Escalate  *Escalation // Start a visual capture
	Cancelled *Escalation // Abort this in-flight capture; its result will be discarded
	Finalized []Finalization
	Outcome   fusion.Outcome // Latest fusion over the open window
	Discarded bool           // The input was a stale visual result and was dropped
}

func (d *Decision) merge(o Decision) {
	if o.Escalate != nil {
		d.Escalate = o.Escalate
	}
	if o.Cancelled != nil {
		d.Cancelled = o.Cancelled
	}
	d.Finalized = append(d.Finalized, o.Finalized...)
	d.Discarded = d.Discarded || o.Discarded
}
