package fusion

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agile-defense/fieldnode/pkg/messages"
)

func TestConfig_DefaultIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown rule", func(c *Config) { c.Rule = "majority" }},
		{"zero window", func(c *Config) { c.ConfirmationWindow = 0 }},
		{"span shorter than window", func(c *Config) { c.MaxWindowSpan = time.Second }},
		{"levels out of order", func(c *Config) { c.Levels.Medium = 0.8 }},
		{"very high above one", func(c *Config) { c.Levels.VeryHigh = 1.2 }},
		{"low at zero", func(c *Config) { c.Levels.Low = 0 }},
		{"reporting below low", func(c *Config) { c.ReportingThreshold = 0.1 }},
		{"early below reporting", func(c *Config) { c.EarlyFinalizeThreshold = 0.2 }},
		{"activation zero", func(c *Config) { c.ActivationThresholds[messages.KindPIR] = 0 }},
		{"activation missing", func(c *Config) { delete(c.ActivationThresholds, messages.KindAudio) }},
		{"activation unknown", func(c *Config) { c.ActivationThresholds["seismic"] = 0.5 }},
		{"min modalities one", func(c *Config) { c.MinModalitiesVeryHigh = 1 }},
		{"min modalities four", func(c *Config) { c.MinModalitiesVeryHigh = 4 }},
		{"negative decay", func(c *Config) { c.DecayRate = -1 }},
		{"uncertainty one", func(c *Config) { c.BaseUncertainty = 1 }},
		{"negative debounce", func(c *Config) { c.PIRDebounce = -time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
		})
	}
}

func TestConfig_CloneIsDeep(t *testing.T) {
	cfg := DefaultConfig()
	clone := cfg.Clone()
	clone.ActivationThresholds[messages.KindPIR] = 0.99
	assert.Equal(t, 0.5, cfg.ActivationThresholds[messages.KindPIR])
}

func TestConfig_JSON(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Rule = RuleDempsterShafer
	cfg.ConfirmationWindow = 1500 * time.Millisecond

	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"confirmation_window_ms":1500`)
	assert.Contains(t, string(data), `"rule":"dempster_shafer"`)

	var decoded Config
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, cfg, decoded)
}

func TestConfig_JSONRejectsUnknownModality(t *testing.T) {
	var cfg Config
	err := json.Unmarshal([]byte(`{"activation_thresholds":{"sonar":0.5}}`), &cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestStore_RejectedUpdateLeavesConfigUnchanged(t *testing.T) {
	store, err := NewStore(DefaultConfig())
	require.NoError(t, err)
	before, version := store.Current()

	bad := DefaultConfig()
	bad.Levels = Thresholds{Low: 0.5, Medium: 0.4, High: 0.7, VeryHigh: 0.85}
	_, err = store.Propose(bad)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
	assert.False(t, store.Pending())

	cfg, changed := applyAndCheck(store)
	assert.False(t, changed)
	assert.Equal(t, before, cfg)
	_, after := store.Current()
	assert.Equal(t, version, after)
}

func TestStore_AcceptedUpdateAppliesAtBoundary(t *testing.T) {
	store, err := NewStore(DefaultConfig())
	require.NoError(t, err)

	candidate := DefaultConfig()
	candidate.Rule = RuleDempsterShafer
	next, err := store.Propose(candidate)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), next)
	assert.True(t, store.Pending())

	current, _ := store.Current()
	assert.Equal(t, RuleWeightedBayesian, current.Rule)

	cfg, changed := applyAndCheck(store)
	assert.True(t, changed)
	assert.Equal(t, RuleDempsterShafer, cfg.Rule)
	_, version := store.Current()
	assert.Equal(t, next, version)
}

func TestStore_LaterProposalReplacesStaged(t *testing.T) {
	store, err := NewStore(DefaultConfig())
	require.NoError(t, err)

	first := DefaultConfig()
	first.DecayRate = 0.5
	second := DefaultConfig()
	second.DecayRate = 0.25
	_, err = store.Propose(first)
	require.NoError(t, err)
	_, err = store.Propose(second)
	require.NoError(t, err)

	cfg, _, _ := store.Apply()
	assert.Equal(t, 0.25, cfg.DecayRate)
}

func TestNewStore_RejectsInvalid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConfirmationWindow = 0
	_, err := NewStore(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func applyAndCheck(s *Store) (Config, bool) {
	cfg, _, changed := s.Apply()
	return cfg, changed
}
