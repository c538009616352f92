// Package replay runs recorded modality results through the trigger policy offline. Time is taken
// from the recorded timestamps, so a replay is deterministic for a given input and config.
package replay

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/agile-defense/fieldnode/pkg/environment"
	"github.com/agile-defense/fieldnode/pkg/fusion"
	"github.com/agile-defense/fieldnode/pkg/messages"
	"github.com/agile-defense/fieldnode/pkg/trigger"
)

// Options configure a replay
type Options struct {
	Config      fusion.Config
	Adapter     *environment.Adapter
	Environment messages.EnvironmentalContext
	Power       messages.PowerTier
	NoCamera    bool // Escalations fail immediately, as on a node without a frame source
}

// Record is one closed window
type Record struct {
	WindowID    string          `json:"window_id"`
	Reason      trigger.Reason  `json:"reason"`
	From        string          `json:"from"`
	Emitted     bool            `json:"emitted"`
	Degraded    bool            `json:"degraded"`
	Confidence  float64         `json:"confidence"`
	Level       messages.Level  `json:"level"`
	Rule        fusion.Rule     `json:"rule"`
	Conflict    float64         `json:"conflict,omitempty"`
	Modalities  []messages.Kind `json:"modalities"`
	Results     int             `json:"results"`
	WindowStart time.Time       `json:"window_start"`
	WindowEnd   time.Time       `json:"window_end"`
}

// Summary totals a replay
type Summary struct {
	Results     int            `json:"results"`
	Windows     int            `json:"windows"`
	Events      int            `json:"events"`
	Escalations int            `json:"escalations"`
	Discarded   int            `json:"discarded"`
	ByLevel     map[string]int `json:"by_level"`
}

// Run reads one JSON modality result per line from r and writes one Record per closed window to
// w. Blank lines and lines starting with # are skipped.
func Run(r io.Reader, w io.Writer, opts Options) (Summary, error) {
	if err := opts.Config.Validate(); err != nil {
		return Summary{}, err
	}
	if opts.Adapter == nil {
		adapter, err := environment.NewAdapter(environment.DefaultAdapterConfig())
		if err != nil {
			return Summary{}, err
		}
		opts.Adapter = adapter
	}
	if opts.Environment.Phase == "" {
		opts.Environment = messages.DefaultEnvironment()
	}
	if opts.Power == "" {
		opts.Power = messages.PowerNormal
	}

	policy := trigger.New(opts.Config, trigger.Options{LowPowerMargin: trigger.DefaultLowPowerMargin})
	policy.Begin(trigger.Cycle{
		Config:  opts.Config,
		Profile: opts.Adapter.Profile(opts.Environment),
		Power:   opts.Power,
	})

	summary := Summary{ByLevel: map[string]int{}}
	enc := json.NewEncoder(w)
	var now time.Time

	handle := func(d trigger.Decision) error {
		if d.Discarded {
			summary.Discarded++
		}
		if err := emit(enc, d, &summary); err != nil {
			return err
		}
		if d.Escalate == nil {
			return nil
		}
		summary.Escalations++
		if opts.NoCamera {
			return emit(enc, policy.VisualFailed(d.Escalate.Token, now), &summary)
		}
		return nil
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		var res messages.ModalityResult
		if err := json.Unmarshal([]byte(text), &res); err != nil {
			return summary, fmt.Errorf("line %d: %w", line, err)
		}
		if !res.Kind.Valid() {
			return summary, fmt.Errorf("line %d: unknown modality %q", line, res.Kind)
		}
		if res.Timestamp.IsZero() {
			return summary, fmt.Errorf("line %d: missing timestamp", line)
		}
		res.Confidence = messages.ClampConfidence(res.Confidence)
		summary.Results++

		if res.Timestamp.After(now) {
			now = res.Timestamp
		}

		var d trigger.Decision
		if esc, ok := policy.Pending(); ok && res.Kind == messages.KindVisual {
			d = policy.VisualResult(esc.Token, res, now)
		} else {
			d = policy.Observe(res, now)
		}
		if err := handle(d); err != nil {
			return summary, err
		}
	}
	if err := scanner.Err(); err != nil {
		return summary, fmt.Errorf("failed to read input: %w", err)
	}

	if deadline, ok := policy.Deadline(); ok {
		if err := handle(policy.Tick(deadline.Add(time.Nanosecond))); err != nil {
			return summary, err
		}
	}
	return summary, nil
}

func emit(enc *json.Encoder, d trigger.Decision, summary *Summary) error {
	for _, f := range d.Finalized {
		summary.Windows++
		if f.Emit {
			summary.Events++
			summary.ByLevel[f.Outcome.Level.String()]++
		}
		rec := Record{
			WindowID:    f.Window.ID,
			Reason:      f.Reason,
			From:        f.From.String(),
			Emitted:     f.Emit,
			Degraded:    f.Degraded,
			Confidence:  f.Outcome.Confidence,
			Level:       f.Outcome.Level,
			Rule:        f.Outcome.Rule,
			Conflict:    f.Outcome.Conflict,
			Modalities:  append([]messages.Kind{}, f.Outcome.Contributing...),
			Results:     f.Window.Len(),
			WindowStart: f.Window.Start(),
			WindowEnd:   f.Window.End(),
		}
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
	}
	return nil
}
