// Package environment maps ambient context to per-modality fusion weights
package environment

import (
	"math"

	"github.com/agile-defense/fieldnode/pkg/messages"
)

// weightEpsilon absorbs floating-point noise when comparing weight sums
const weightEpsilon = 1e-9

// WeightProfile holds a fusion weight per modality. A modality with zero weight is inactive and
// is excluded from normalization rather than being zero-weighted within it.
type WeightProfile map[messages.Kind]float64

// Weight returns the weight for k, zero if absent
func (p WeightProfile) Weight(k messages.Kind) float64 {
	return p[k]
}

// Active returns the modalities with positive weight in canonical order
func (p WeightProfile) Active() []messages.Kind {
	active := make([]messages.Kind, 0, len(messages.AllKinds))
	for _, k := range messages.AllKinds {
		if p[k] > 0 {
			active = append(active, k)
		}
	}
	return active
}

// Sum returns the total weight of active modalities
func (p WeightProfile) Sum() float64 {
	var sum float64
	for _, k := range messages.AllKinds {
		if w := p[k]; w > 0 {
			sum += w
		}
	}
	return sum
}

// Clone returns an independent copy
func (p WeightProfile) Clone() WeightProfile {
	out := make(WeightProfile, len(p))
	for k, w := range p {
		out[k] = w
	}
	return out
}

// Restrict returns the profile re-normalized over the given subset. Kinds outside the subset,
// or with zero weight inside it, are omitted. The result is empty if the subset carries no weight.
func (p WeightProfile) Restrict(kinds []messages.Kind) WeightProfile {
	var sum float64
	for _, k := range kinds {
		if w := p[k]; w > 0 {
			sum += w
		}
	}

	out := make(WeightProfile, len(kinds))
	if sum <= 0 {
		return out
	}
	for _, k := range kinds {
		if w := p[k]; w > 0 {
			out[k] = w / sum
		}
	}
	return out
}

// Normalized reports whether the active weights sum to 1
func (p WeightProfile) Normalized() bool {
	return math.Abs(p.Sum()-1) < 1e-6
}

// normalize scales active weights to sum to 1 and drops negative or non-finite entries
func (p WeightProfile) normalize() WeightProfile {
	out := make(WeightProfile, len(messages.AllKinds))
	var sum float64
	for _, k := range messages.AllKinds {
		w := p[k]
		if w > weightEpsilon && !math.IsInf(w, 0) && !math.IsNaN(w) {
			out[k] = w
			sum += w
		} else {
			out[k] = 0
		}
	}
	if sum <= 0 {
		return out
	}
	for k, w := range out {
		out[k] = w / sum
	}
	return out
}
