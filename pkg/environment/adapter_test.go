package environment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agile-defense/fieldnode/pkg/messages"
)

func newTestAdapter(t *testing.T, mutate func(*AdapterConfig)) *Adapter {
	t.Helper()
	cfg := DefaultAdapterConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := NewAdapter(cfg)
	require.NoError(t, err)
	return a
}

func daytime() messages.EnvironmentalContext {
	return messages.EnvironmentalContext{LightLevel: 80, Phase: messages.PhaseDay, TemperatureC: 15}
}

func TestProfileDaytimeMatchesBase(t *testing.T) {
	a := newTestAdapter(t, nil)

	p := a.Profile(daytime())

	assert.InDelta(t, 0.6, p.Weight(messages.KindPIR), 1e-9)
	assert.InDelta(t, 0.4, p.Weight(messages.KindVisual), 1e-9)
	assert.Zero(t, p.Weight(messages.KindAudio))
	assert.Equal(t, []messages.Kind{messages.KindPIR, messages.KindVisual}, p.Active())
	assert.True(t, p.Normalized())
}

func TestProfileLowLightShiftsVisualToAudio(t *testing.T) {
	a := newTestAdapter(t, nil)
	day := a.Profile(daytime())

	tests := []struct {
		name string
		env  messages.EnvironmentalContext
	}{
		{"below floor in daytime phase", messages.EnvironmentalContext{LightLevel: 10, Phase: messages.PhaseDay, TemperatureC: 15}},
		{"dark at dusk", messages.EnvironmentalContext{LightLevel: 5, Phase: messages.PhaseDusk, TemperatureC: 15}},
		{"total darkness at night", messages.EnvironmentalContext{LightLevel: 0, Phase: messages.PhaseNight, TemperatureC: 15}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := a.Profile(tt.env)

			assert.Greater(t, p.Weight(messages.KindAudio), day.Weight(messages.KindAudio))
			assert.Less(t, p.Weight(messages.KindVisual), day.Weight(messages.KindVisual))
			assert.InDelta(t, 1.0, p.Sum(), 1e-9)
			for _, k := range messages.AllKinds {
				assert.LessOrEqual(t, p.Weight(k), 0.75+1e-9, "ceiling exceeded for %s", k)
			}
		})
	}
}

func TestProfileShiftIsLinearInDeficit(t *testing.T) {
	a := newTestAdapter(t, nil)

	half := a.Profile(messages.EnvironmentalContext{LightLevel: 15, Phase: messages.PhaseDay})
	dark := a.Profile(messages.EnvironmentalContext{LightLevel: 0, Phase: messages.PhaseDay})

	// 0.4 * 0.75 * 0.5 moved at half deficit, 0.4 * 0.75 at full
	assert.InDelta(t, 0.4-0.15, half.Weight(messages.KindVisual), 1e-9)
	assert.InDelta(t, 0.4-0.30, dark.Weight(messages.KindVisual), 1e-9)
	assert.InDelta(t, 0.15*0.6, half.Weight(messages.KindAudio), 1e-9)
	assert.InDelta(t, 0.6+0.15*0.4, half.Weight(messages.KindPIR), 1e-9)
}

func TestProfileNightForcesMinimumAudio(t *testing.T) {
	a := newTestAdapter(t, nil)

	// A faulty light sensor reporting full daylight at night
	p := a.Profile(messages.EnvironmentalContext{LightLevel: 95, Phase: messages.PhaseNight, TemperatureC: 12})

	assert.GreaterOrEqual(t, p.Weight(messages.KindAudio), 0.3-1e-9)
	assert.InDelta(t, 0.1, p.Weight(messages.KindVisual), 1e-9)
	assert.InDelta(t, 0.6, p.Weight(messages.KindPIR), 1e-9)
	assert.True(t, p.Normalized())
}

func TestProfileCeilingPreventsDominance(t *testing.T) {
	a := newTestAdapter(t, func(c *AdapterConfig) {
		c.BaseWeights = WeightProfile{messages.KindPIR: 0.9, messages.KindVisual: 0.1}
	})

	p := a.Profile(daytime())

	assert.InDelta(t, 0.75, p.Weight(messages.KindPIR), 1e-9)
	assert.InDelta(t, 0.25, p.Weight(messages.KindVisual), 1e-9)
	assert.Zero(t, p.Weight(messages.KindAudio))
}

func TestProfileCeilingWithSingleActiveModality(t *testing.T) {
	a := newTestAdapter(t, func(c *AdapterConfig) {
		c.BaseWeights = WeightProfile{messages.KindPIR: 1}
	})

	p := a.Profile(daytime())

	assert.InDelta(t, 0.75, p.Weight(messages.KindPIR), 1e-9)
	assert.InDelta(t, 0.125, p.Weight(messages.KindVisual), 1e-9)
	assert.InDelta(t, 0.125, p.Weight(messages.KindAudio), 1e-9)
	assert.True(t, p.Normalized())
}

func TestProfileWarmAmbientReducesPIR(t *testing.T) {
	a := newTestAdapter(t, nil)

	cool := a.Profile(daytime())
	warm := a.Profile(messages.EnvironmentalContext{LightLevel: 80, Phase: messages.PhaseDay, TemperatureC: 35})

	assert.Less(t, warm.Weight(messages.KindPIR), cool.Weight(messages.KindPIR))
	assert.Greater(t, warm.Weight(messages.KindVisual), cool.Weight(messages.KindVisual))
	assert.True(t, warm.Normalized())
}

func TestProfileIsDeterministic(t *testing.T) {
	a := newTestAdapter(t, nil)
	env := messages.EnvironmentalContext{LightLevel: 12, Phase: messages.PhaseDusk, TemperatureC: 33}

	assert.Equal(t, a.Profile(env), a.Profile(env))
}

func TestRestrictRenormalizesOverSubset(t *testing.T) {
	p := WeightProfile{messages.KindPIR: 0.6, messages.KindVisual: 0.4, messages.KindAudio: 0}

	tests := []struct {
		name  string
		kinds []messages.Kind
		want  WeightProfile
	}{
		{"pir only", []messages.Kind{messages.KindPIR}, WeightProfile{messages.KindPIR: 1}},
		{"pir and visual", []messages.Kind{messages.KindPIR, messages.KindVisual}, WeightProfile{messages.KindPIR: 0.6, messages.KindVisual: 0.4}},
		{"inactive audio excluded", []messages.Kind{messages.KindPIR, messages.KindAudio}, WeightProfile{messages.KindPIR: 1}},
		{"no weight", []messages.Kind{messages.KindAudio}, WeightProfile{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.Restrict(tt.kinds)
			require.Len(t, got, len(tt.want))
			for k, w := range tt.want {
				assert.InDelta(t, w, got[k], 1e-9)
			}
		})
	}
}

func TestAdapterConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AdapterConfig)
	}{
		{"no positive base weight", func(c *AdapterConfig) { c.BaseWeights = WeightProfile{messages.KindPIR: 0} }},
		{"negative base weight", func(c *AdapterConfig) { c.BaseWeights[messages.KindVisual] = -0.1 }},
		{"unknown modality", func(c *AdapterConfig) { c.BaseWeights["radar"] = 0.2 }},
		{"ceiling too low", func(c *AdapterConfig) { c.WeightCeiling = 0.2 }},
		{"night audio above ceiling", func(c *AdapterConfig) { c.NightMinAudio = 0.9 }},
		{"floor out of range", func(c *AdapterConfig) { c.LowLightFloor = 120 }},
		{"inverted warm band", func(c *AdapterConfig) { c.WarmBandLowC, c.WarmBandHighC = 40, 30 }},
		{"zero warm factor", func(c *AdapterConfig) { c.WarmPIRFactor = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultAdapterConfig()
			tt.mutate(&cfg)
			_, err := NewAdapter(cfg)
			assert.Error(t, err)
		})
	}

	assert.NoError(t, DefaultAdapterConfig().Validate())
}
