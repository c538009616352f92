// Package fusion combines per-modality confidences into a single calibrated detection decision
package fusion

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/agile-defense/fieldnode/pkg/messages"
)

// ErrInvalidConfig is wrapped by every validation failure
var ErrInvalidConfig = errors.New("invalid fusion config")

// Rule selects the combination algorithm
type Rule string

const (
	RuleWeightedBayesian Rule = "weighted_bayesian"
	RuleDempsterShafer   Rule = "dempster_shafer"
)

// Valid reports whether r names a known rule
func (r Rule) Valid() bool {
	return r == RuleWeightedBayesian || r == RuleDempsterShafer
}

// Thresholds are the lower bounds of each level, strictly increasing
type Thresholds struct {
	Low      float64 `json:"low"`
	Medium   float64 `json:"medium"`
	High     float64 `json:"high"`
	VeryHigh float64 `json:"very_high"`
}

// Discretize maps a confidence to a level without any cross-modal requirement
func (t Thresholds) Discretize(c float64) messages.Level {
	switch {
	case c >= t.VeryHigh:
		return messages.LevelVeryHigh
	case c >= t.High:
		return messages.LevelHigh
	case c >= t.Medium:
		return messages.LevelMedium
	case c >= t.Low:
		return messages.LevelLow
	default:
		return messages.LevelNone
	}
}

// Config is the process-wide fusion configuration
type Config struct {
	Rule                   Rule
	ConfirmationWindow     time.Duration
	MaxWindowSpan          time.Duration
	ActivationThresholds   map[messages.Kind]float64
	Levels                 Thresholds
	ReportingThreshold     float64
	EarlyFinalizeThreshold float64
	MinModalitiesVeryHigh  int
	DecayRate              float64 // Per second of age relative to the newest result
	BaseUncertainty        float64 // Dempster-Shafer mass kept on the frame for the most reliable source
	PIRDebounce            time.Duration
}

// DefaultConfig returns the documented defaults
func DefaultConfig() Config {
	return Config{
		Rule:               RuleWeightedBayesian,
		ConfirmationWindow: 2 * time.Second,
		MaxWindowSpan:      10 * time.Second,
		ActivationThresholds: map[messages.Kind]float64{
			messages.KindPIR:    0.5,
			messages.KindVisual: 0.4,
			messages.KindAudio:  0.7,
		},
		Levels: Thresholds{
			Low:      0.30,
			Medium:   0.50,
			High:     0.70,
			VeryHigh: 0.85,
		},
		ReportingThreshold:     0.30,
		EarlyFinalizeThreshold: 0.95,
		MinModalitiesVeryHigh:  2,
		DecayRate:              0.1,
		BaseUncertainty:        0.1,
		PIRDebounce:            2 * time.Second,
	}
}

// Clone returns a deep copy
func (c Config) Clone() Config {
	out := c
	out.ActivationThresholds = make(map[messages.Kind]float64, len(c.ActivationThresholds))
	for k, v := range c.ActivationThresholds {
		out.ActivationThresholds[k] = v
	}
	return out
}

// Activation returns the activation threshold for k
func (c Config) Activation(k messages.Kind) float64 {
	return c.ActivationThresholds[k]
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

func unitInterval(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

// Validate checks internal consistency. The first violation found is returned.
func (c Config) Validate() error {
	if !c.Rule.Valid() {
		return invalid("unknown rule %q (valid: %s, %s)", c.Rule, RuleWeightedBayesian, RuleDempsterShafer)
	}
	if c.ConfirmationWindow <= 0 {
		return invalid("confirmation window must be positive")
	}
	if c.MaxWindowSpan < c.ConfirmationWindow {
		return invalid("max window span %v shorter than confirmation window %v", c.MaxWindowSpan, c.ConfirmationWindow)
	}

	for k, v := range c.ActivationThresholds {
		if !k.Valid() {
			return invalid("activation threshold for unknown modality %q", k)
		}
		if !unitInterval(v) || v == 0 {
			return invalid("activation threshold for %s must be in (0,1], got %v", k, v)
		}
	}
	for _, k := range messages.AllKinds {
		if _, ok := c.ActivationThresholds[k]; !ok {
			return invalid("missing activation threshold for %s", k)
		}
	}

	l := c.Levels
	if !(l.Low > 0 && l.Low < l.Medium && l.Medium < l.High && l.High < l.VeryHigh && l.VeryHigh <= 1) {
		return invalid("level thresholds must satisfy 0 < low < medium < high < very_high <= 1, got %.3f/%.3f/%.3f/%.3f",
			l.Low, l.Medium, l.High, l.VeryHigh)
	}

	if !unitInterval(c.ReportingThreshold) || c.ReportingThreshold < l.Low {
		return invalid("reporting threshold must be within [low, 1], got %v", c.ReportingThreshold)
	}
	if !unitInterval(c.EarlyFinalizeThreshold) || c.EarlyFinalizeThreshold < c.ReportingThreshold {
		return invalid("early finalize threshold must be within [reporting, 1], got %v", c.EarlyFinalizeThreshold)
	}

	if c.MinModalitiesVeryHigh < 2 || c.MinModalitiesVeryHigh > len(messages.AllKinds) {
		return invalid("min modalities for very_high must be between 2 and %d", len(messages.AllKinds))
	}
	if math.IsNaN(c.DecayRate) || math.IsInf(c.DecayRate, 0) || c.DecayRate < 0 {
		return invalid("decay rate must be a non-negative number")
	}
	if !(c.BaseUncertainty > 0 && c.BaseUncertainty < 1) {
		return invalid("base uncertainty must be in (0,1), got %v", c.BaseUncertainty)
	}
	if c.PIRDebounce < 0 {
		return invalid("pir debounce must not be negative")
	}
	return nil
}

// document is the wire form of Config; durations travel as milliseconds
type document struct {
	Rule                   Rule               `json:"rule"`
	ConfirmationWindowMS   int64              `json:"confirmation_window_ms"`
	MaxWindowSpanMS        int64              `json:"max_window_span_ms"`
	ActivationThresholds   map[string]float64 `json:"activation_thresholds"`
	Levels                 Thresholds         `json:"levels"`
	ReportingThreshold     float64            `json:"reporting_threshold"`
	EarlyFinalizeThreshold float64            `json:"early_finalize_threshold"`
	MinModalitiesVeryHigh  int                `json:"min_modalities_very_high"`
	DecayRate              float64            `json:"decay_rate"`
	BaseUncertainty        float64            `json:"base_uncertainty"`
	PIRDebounceMS          int64              `json:"pir_debounce_ms"`
}

func (c Config) MarshalJSON() ([]byte, error) {
	doc := document{
		Rule:                   c.Rule,
		ConfirmationWindowMS:   c.ConfirmationWindow.Milliseconds(),
		MaxWindowSpanMS:        c.MaxWindowSpan.Milliseconds(),
		ActivationThresholds:   make(map[string]float64, len(c.ActivationThresholds)),
		Levels:                 c.Levels,
		ReportingThreshold:     c.ReportingThreshold,
		EarlyFinalizeThreshold: c.EarlyFinalizeThreshold,
		MinModalitiesVeryHigh:  c.MinModalitiesVeryHigh,
		DecayRate:              c.DecayRate,
		BaseUncertainty:        c.BaseUncertainty,
		PIRDebounceMS:          c.PIRDebounce.Milliseconds(),
	}
	for k, v := range c.ActivationThresholds {
		doc.ActivationThresholds[string(k)] = v
	}
	return json.Marshal(doc)
}

// UnmarshalJSON decodes a complete candidate. Unknown modality names are rejected here;
// range checks are left to Validate.
func (c *Config) UnmarshalJSON(data []byte) error {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	thresholds := make(map[messages.Kind]float64, len(doc.ActivationThresholds))
	names := make([]string, 0, len(doc.ActivationThresholds))
	for name := range doc.ActivationThresholds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		k, err := messages.ParseKind(name)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		thresholds[k] = doc.ActivationThresholds[name]
	}

	*c = Config{
		Rule:                   doc.Rule,
		ConfirmationWindow:     time.Duration(doc.ConfirmationWindowMS) * time.Millisecond,
		MaxWindowSpan:          time.Duration(doc.MaxWindowSpanMS) * time.Millisecond,
		ActivationThresholds:   thresholds,
		Levels:                 doc.Levels,
		ReportingThreshold:     doc.ReportingThreshold,
		EarlyFinalizeThreshold: doc.EarlyFinalizeThreshold,
		MinModalitiesVeryHigh:  doc.MinModalitiesVeryHigh,
		DecayRate:              doc.DecayRate,
		BaseUncertainty:        doc.BaseUncertainty,
		PIRDebounce:            time.Duration(doc.PIRDebounceMS) * time.Millisecond,
	}
	return nil
}
