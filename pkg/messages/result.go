package messages

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Kind identifies a sensing modality
type Kind string

const (
	KindPIR    Kind = "pir"
	KindVisual Kind = "visual"
	KindAudio  Kind = "audio"
)

// AllKinds lists every modality in canonical order
var AllKinds = []Kind{KindPIR, KindVisual, KindAudio}

// LowCost reports whether the modality runs while the node is idle
func (k Kind) LowCost() bool {
	return k == KindPIR || k == KindAudio
}

// Valid reports whether k is a known modality
func (k Kind) Valid() bool {
	switch k {
	case KindPIR, KindVisual, KindAudio:
		return true
	}
	return false
}

// ParseKind parses a modality name case-insensitively
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown modality: %q (valid: pir, visual, audio)", s)
	}
	return k, nil
}

// Region is a bounding box in frame pixel coordinates. The zero value means no region.
type Region struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Empty reports whether the region covers no pixels
func (r Region) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// ModalityResult is the normalized output of one analyzer pass
type ModalityResult struct {
	Kind        Kind      `json:"kind"`
	Confidence  float64   `json:"confidence"` // Always within [0,1]
	Strength    float64   `json:"strength"`   // Raw modality-specific metric
	Region      Region    `json:"region,omitempty"`
	SpeciesHint string    `json:"species_hint,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Sequence    uint64    `json:"sequence"`
	Unavailable bool      `json:"unavailable,omitempty"` // Sensor failed; carries no evidence
}

// NewModalityResult builds a result with its confidence clamped into [0,1]
func NewModalityResult(kind Kind, confidence, strength float64, ts time.Time, seq uint64) ModalityResult {
	return ModalityResult{
		Kind:       kind,
		Confidence: ClampConfidence(confidence),
		Strength:   strength,
		Timestamp:  ts,
		Sequence:   seq,
	}
}

// UnavailableResult is the zero-confidence result emitted when a sensor cannot be read
func UnavailableResult(kind Kind, ts time.Time, seq uint64) ModalityResult {
	r := NewModalityResult(kind, 0, 0, ts, seq)
	r.Unavailable = true
	return r
}

// WithRegion returns a copy of r carrying the given bounding region
func (r ModalityResult) WithRegion(region Region) ModalityResult {
	r.Region = region
	return r
}

// WithSpecies returns a copy of r carrying a species hint
func (r ModalityResult) WithSpecies(species string) ModalityResult {
	r.SpeciesHint = species
	return r
}

// Positive reports whether the result carries evidence of an event
func (r ModalityResult) Positive() bool {
	return !r.Unavailable && r.Confidence > 0
}

// ClampConfidence maps any float into [0,1]; NaN becomes 0
func ClampConfidence(c float64) float64 {
	if math.IsNaN(c) || c <= 0 {
		return 0
	}
	if c >= 1 {
		return 1
	}
	return c
}

// Phase is the coarse time-of-day phase
type Phase string

const (
	PhaseDay   Phase = "day"
	PhaseDusk  Phase = "dusk"
	PhaseNight Phase = "night"
)

// ParsePhase parses a phase name
func ParsePhase(s string) (Phase, error) {
	p := Phase(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case PhaseDay, PhaseDusk, PhaseNight:
		return p, nil
	}
	return "", fmt.Errorf("unknown phase: %q (valid: day, dusk, night)", s)
}

// EnvironmentalContext is a read-only snapshot from the environmental driver
type EnvironmentalContext struct {
	LightLevel   float64   `json:"light_level"` // Percent, 0-100
	Phase        Phase     `json:"phase"`
	TemperatureC float64   `json:"temperature_c"`
	ObservedAt   time.Time `json:"observed_at"`
}

// DefaultEnvironment is assumed until the first snapshot arrives
func DefaultEnvironment() EnvironmentalContext {
	return EnvironmentalContext{LightLevel: 100, Phase: PhaseDay, TemperatureC: 15}
}

// PowerTier is the coarse battery state reported by the power driver
type PowerTier string

const (
	PowerNormal   PowerTier = "normal"
	PowerLow      PowerTier = "low"
	PowerCritical PowerTier = "critical"
)

// ParsePowerTier parses a tier name
func ParsePowerTier(s string) (PowerTier, error) {
	t := PowerTier(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case PowerNormal, PowerLow, PowerCritical:
		return t, nil
	}
	return "", fmt.Errorf("unknown power tier: %q (valid: normal, low, critical)", s)
}
