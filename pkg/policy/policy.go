// Package policy decides which downstream actions a finalized detection triggers
package policy

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"

	"github.com/agile-defense/fieldnode/pkg/messages"
)

// DecisionQuery is the rego query evaluated for every event
const DecisionQuery = "data.fieldnode.dispatch.decision"

//go:embed dispatch.rego
var defaultModule string

// Decision lists the actions allowed for one event
type Decision struct {
	Capture  bool     `json:"capture"`
	Store    bool     `json:"store"`
	Transmit bool     `json:"transmit"`
	Reasons  []string `json:"reasons,omitempty"`
}

// Actions returns the enabled action names, for logs and metrics
func (d Decision) Actions() []string {
	var out []string
	if d.Capture {
		out = append(out, "capture")
	}
	if d.Store {
		out = append(out, "store")
	}
	if d.Transmit {
		out = append(out, "transmit")
	}
	return out
}

// Fallback is used when the policy cannot be evaluated: keep the event locally, spend nothing
func Fallback(reason string) Decision {
	return Decision{Store: true, Reasons: []string{reason}}
}

// Engine evaluates the dispatch policy in-process
type Engine struct {
	query rego.PreparedEvalQuery
}

// New compiles module, or the built-in policy when module is empty
func New(ctx context.Context, module string) (*Engine, error) {
	if module == "" {
		module = defaultModule
	}
	query, err := rego.New(
		rego.Query(DecisionQuery),
		rego.Module("dispatch.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile dispatch policy: %w", err)
	}
	return &Engine{query: query}, nil
}

// NewFromFile compiles the policy stored at path
func NewFromFile(ctx context.Context, path string) (*Engine, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dispatch policy: %w", err)
	}
	return New(ctx, string(src))
}

// Input builds the policy input document for event
func Input(event *messages.DetectionEvent) map[string]interface{} {
	modalities := make([]interface{}, 0, len(event.Modalities))
	for _, k := range event.Modalities {
		modalities = append(modalities, string(k))
	}
	return map[string]interface{}{
		"level":        event.Level.String(),
		"confidence":   event.Confidence,
		"modalities":   modalities,
		"degraded":     event.Degraded,
		"power_tier":   string(event.PowerTier),
		"species_hint": event.SpeciesHint,
	}
}

// Decide evaluates the policy for event
func (e *Engine) Decide(ctx context.Context, event *messages.DetectionEvent) (Decision, error) {
	rs, err := e.query.Eval(ctx, rego.EvalInput(Input(event)))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate dispatch policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return Decision{}, fmt.Errorf("dispatch policy returned no decision")
	}

	raw, err := json.Marshal(rs[0].Expressions[0].Value)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to encode policy result: %w", err)
	}
	var d Decision
	if err := json.Unmarshal(raw, &d); err != nil {
		return Decision{}, fmt.Errorf("failed to decode policy result: %w", err)
	}
	return d, nil
}
