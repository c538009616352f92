package fusion

import (
	"math"
	"time"

	"github.com/agile-defense/fieldnode/pkg/environment"
	"github.com/agile-defense/fieldnode/pkg/messages"
)

// Evidence is the strongest decayed confidence a modality contributed to a window
type Evidence struct {
	Kind       messages.Kind
	Confidence float64
	Weight     float64
}

// Collect reduces window results to one Evidence per modality, in canonical order. Only
// modalities with positive weight in profile take part; unavailable results are dropped so
// fusion proceeds on what remains. Age is measured against the newest result in the set.
func Collect(results []messages.ModalityResult, profile environment.WeightProfile, decayRate float64) []Evidence {
	var newest time.Time
	for _, r := range results {
		if !r.Unavailable && r.Timestamp.After(newest) {
			newest = r.Timestamp
		}
	}

	best := make(map[messages.Kind]float64, len(messages.AllKinds))
	for _, r := range results {
		if r.Unavailable || profile.Weight(r.Kind) <= 0 {
			continue
		}
		c := messages.ClampConfidence(r.Confidence)
		if age := newest.Sub(r.Timestamp).Seconds(); age > 0 && decayRate > 0 {
			c *= math.Exp(-decayRate * age)
		}
		if prev, ok := best[r.Kind]; !ok || c > prev {
			best[r.Kind] = c
		}
	}

	out := make([]Evidence, 0, len(best))
	for _, k := range messages.AllKinds {
		if c, ok := best[k]; ok {
			out = append(out, Evidence{Kind: k, Confidence: c, Weight: profile.Weight(k)})
		}
	}
	return out
}

// WeightedBayesian returns the weighted mean of evidence confidences with weights renormalized
// over the modalities present. Absent modalities contribute nothing to either side.
func WeightedBayesian(evidence []Evidence) float64 {
	var num, den float64
	for _, e := range evidence {
		if e.Weight <= 0 {
			continue
		}
		num += e.Weight * e.Confidence
		den += e.Weight
	}
	if den <= 0 {
		return 0
	}
	return messages.ClampConfidence(num / den)
}

// Mass is a basic probability assignment over {event, no-event, uncertain}
type Mass struct {
	Event     float64
	NoEvent   float64
	Uncertain float64
}

// Vacuous carries no information
var Vacuous = Mass{Uncertain: 1}

// SourceMass builds the assignment for one source. The source claims event with its confidence
// and no-event with the remainder, both discounted by reliability; the discounted mass is left
// uncertain.
func SourceMass(confidence, reliability float64) Mass {
	c := messages.ClampConfidence(confidence)
	r := messages.ClampConfidence(reliability)
	return Mass{
		Event:     r * c,
		NoEvent:   r * (1 - c),
		Uncertain: 1 - r,
	}
}

// Combine applies Dempster's rule to two assignments. It returns the combined mass and the
// conflict K between them. Total conflict yields the vacuous assignment with K = 1.
func Combine(a, b Mass) (Mass, float64) {
	k := a.Event*b.NoEvent + a.NoEvent*b.Event
	norm := 1 - k
	if norm <= 1e-12 {
		return Vacuous, 1
	}
	return Mass{
		Event:     (a.Event*b.Event + a.Event*b.Uncertain + a.Uncertain*b.Event) / norm,
		NoEvent:   (a.NoEvent*b.NoEvent + a.NoEvent*b.Uncertain + a.Uncertain*b.NoEvent) / norm,
		Uncertain: (a.Uncertain * b.Uncertain) / norm,
	}, k
}

// DempsterShafer combines one assignment per modality. Reliability scales with the modality's
// weight relative to the heaviest present modality, so the profile still matters; baseUncertainty
// is the mass the most reliable source leaves uncommitted. The belief in event is the combined
// confidence. The returned conflict is the total mass discarded across all pairwise steps.
func DempsterShafer(evidence []Evidence, baseUncertainty float64) (float64, float64) {
	var maxWeight float64
	for _, e := range evidence {
		if e.Weight > maxWeight {
			maxWeight = e.Weight
		}
	}
	if maxWeight <= 0 {
		return 0, 0
	}

	acc := Vacuous
	kept := 1.0
	for _, e := range evidence {
		if e.Weight <= 0 {
			continue
		}
		reliability := (1 - baseUncertainty) * e.Weight / maxWeight
		var k float64
		acc, k = Combine(acc, SourceMass(e.Confidence, reliability))
		kept *= 1 - k
		if k >= 1 {
			return 0, 1
		}
	}
	return messages.ClampConfidence(acc.Event), messages.ClampConfidence(1 - kept)
}
