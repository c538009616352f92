package fusion

import (
	"github.com/agile-defense/fieldnode/pkg/environment"
	"github.com/agile-defense/fieldnode/pkg/messages"
)

// Outcome is the result of one fusion pass over a window
type Outcome struct {
	Confidence   float64
	Level        messages.Level
	Rule         Rule
	Conflict     float64
	Present      []messages.Kind // Modalities with usable evidence
	Contributing []messages.Kind // Present modalities with confidence above zero
}

// Reportable reports whether the outcome clears the reporting threshold
func (o Outcome) Reportable(cfg Config) bool {
	return len(o.Contributing) > 0 && o.Confidence >= cfg.ReportingThreshold
}

// Classify discretizes confidence. The top tier additionally needs MinModalitiesVeryHigh distinct
// contributing modalities; otherwise the level is capped at HIGH.
func Classify(cfg Config, confidence float64, contributing int) messages.Level {
	level := cfg.Levels.Discretize(confidence)
	if level == messages.LevelVeryHigh && contributing < cfg.MinModalitiesVeryHigh {
		return messages.LevelHigh
	}
	return level
}

// Fuse runs the configured rule over the window's results. It has no side effects.
func Fuse(cfg Config, profile environment.WeightProfile, results []messages.ModalityResult) Outcome {
	out := Outcome{Rule: cfg.Rule, Level: messages.LevelNone}

	evidence := Collect(results, profile, cfg.DecayRate)
	if len(evidence) == 0 {
		return out
	}
	for _, e := range evidence {
		out.Present = append(out.Present, e.Kind)
		if e.Confidence > 0 {
			out.Contributing = append(out.Contributing, e.Kind)
		}
	}
	if len(out.Contributing) == 0 {
		return out
	}

	switch cfg.Rule {
	case RuleDempsterShafer:
		out.Confidence, out.Conflict = DempsterShafer(evidence, cfg.BaseUncertainty)
	default:
		out.Confidence = WeightedBayesian(evidence)
	}
	out.Level = Classify(cfg, out.Confidence, len(out.Contributing))
	return out
}
