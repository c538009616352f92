package messages

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Level is the discretized confidence tier of a detection
type Level int

const (
	LevelNone Level = iota
	LevelLow
	LevelMedium
	LevelHigh
	LevelVeryHigh
)

var levelNames = [...]string{"none", "low", "medium", "high", "very_high"}

func (l Level) String() string {
	if l < LevelNone || l > LevelVeryHigh {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelNames[l]
}

// ParseLevel parses a level name such as "medium" or "VERY_HIGH"
func ParseLevel(s string) (Level, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range levelNames {
		if n == name {
			return Level(i), nil
		}
	}
	return LevelNone, fmt.Errorf("unknown level: %q", s)
}

func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *Level) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// DetectionEvent is emitted once per finalized correlation window that crossed the reporting threshold
type DetectionEvent struct {
	Envelope Envelope `json:"envelope"`

	EventID     string    `json:"event_id"`
	WindowID    string    `json:"window_id"`
	Confidence  float64   `json:"confidence"`
	Level       Level     `json:"level"`
	Modalities  []Kind    `json:"modalities"` // Contributing modalities, canonical order
	Rule        string    `json:"rule"`
	Conflict    float64   `json:"conflict,omitempty"` // Dempster-Shafer conflict mass
	Timestamp   time.Time `json:"timestamp"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	ResultCount int       `json:"result_count"`
	SpeciesHint string    `json:"species_hint,omitempty"`
	Region      Region    `json:"region,omitempty"`
	Degraded    bool      `json:"degraded"` // Finalized without the visual modality it asked for
	FinalizedBy string    `json:"finalized_by"`
	PowerTier   PowerTier `json:"power_tier"`
}

func (e *DetectionEvent) GetEnvelope() Envelope {
	return e.Envelope
}

func (e *DetectionEvent) SetEnvelope(env Envelope) {
	e.Envelope = env
}

func (e *DetectionEvent) Subject() string {
	return "event." + e.Envelope.Source + "." + e.Level.String()
}

// HasModality reports whether k contributed to the event
func (e *DetectionEvent) HasModality(k Kind) bool {
	for _, m := range e.Modalities {
		if m == k {
			return true
		}
	}
	return false
}

// EventSummary is the compact form of the last event reported in status queries
type EventSummary struct {
	EventID    string    `json:"event_id"`
	WindowID   string    `json:"window_id"`
	Confidence float64   `json:"confidence"`
	Level      Level     `json:"level"`
	Modalities []Kind    `json:"modalities"`
	Timestamp  time.Time `json:"timestamp"`
	Degraded   bool      `json:"degraded"`
}

// Summary returns the compact form of the event
func (e *DetectionEvent) Summary() EventSummary {
	mods := make([]Kind, len(e.Modalities))
	copy(mods, e.Modalities)
	return EventSummary{
		EventID:    e.EventID,
		WindowID:   e.WindowID,
		Confidence: e.Confidence,
		Level:      e.Level,
		Modalities: mods,
		Timestamp:  e.Timestamp,
		Degraded:   e.Degraded,
	}
}
