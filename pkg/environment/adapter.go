package environment

import (
	"fmt"

	"github.com/agile-defense/fieldnode/pkg/messages"
)

// AdapterConfig is the deterministic weighting policy
type AdapterConfig struct {
	// BaseWeights is the daytime profile
	BaseWeights WeightProfile `json:"base_weights"`

	// LowLightFloor is the light level (percent) below which VISUAL weight shifts away
	LowLightFloor float64 `json:"low_light_floor"`
	// MaxVisualShift is the fraction of VISUAL weight moved at total darkness
	MaxVisualShift float64 `json:"max_visual_shift"`
	// AudioShare is the part of shifted mass that goes to AUDIO; the rest goes to PIR
	AudioShare float64 `json:"audio_share"`

	// WeightCeiling caps any single modality weight
	WeightCeiling float64 `json:"weight_ceiling"`

	// Minimum AUDIO weight forced by phase, regardless of measured light
	NightMinAudio float64 `json:"night_min_audio"`
	DuskMinAudio  float64 `json:"dusk_min_audio"`

	// PIR loses thermal contrast when ambient temperature is near body temperature
	WarmBandLowC  float64 `json:"warm_band_low_c"`
	WarmBandHighC float64 `json:"warm_band_high_c"`
	WarmPIRFactor float64 `json:"warm_pir_factor"`
}

// DefaultAdapterConfig returns the documented defaults
func DefaultAdapterConfig() AdapterConfig {
	return AdapterConfig{
		BaseWeights: WeightProfile{
			messages.KindPIR:    0.6,
			messages.KindVisual: 0.4,
			messages.KindAudio:  0.0,
		},
		LowLightFloor:  30,
		MaxVisualShift: 0.75,
		AudioShare:     0.6,
		WeightCeiling:  0.75,
		NightMinAudio:  0.3,
		DuskMinAudio:   0.15,
		WarmBandLowC:   30,
		WarmBandHighC:  40,
		WarmPIRFactor:  0.7,
	}
}

// Validate checks the policy for internal consistency
func (c AdapterConfig) Validate() error {
	var sum float64
	for k, w := range c.BaseWeights {
		if !k.Valid() {
			return fmt.Errorf("base_weights: unknown modality %q", k)
		}
		if w < 0 || w > 1 {
			return fmt.Errorf("base_weights: %s weight %.3f outside [0,1]", k, w)
		}
		sum += w
	}
	if sum <= 0 {
		return fmt.Errorf("base_weights: at least one weight must be positive")
	}
	if c.LowLightFloor < 0 || c.LowLightFloor > 100 {
		return fmt.Errorf("low_light_floor must be between 0 and 100")
	}
	if c.MaxVisualShift < 0 || c.MaxVisualShift > 1 {
		return fmt.Errorf("max_visual_shift must be between 0 and 1")
	}
	if c.AudioShare < 0 || c.AudioShare > 1 {
		return fmt.Errorf("audio_share must be between 0 and 1")
	}
	n := float64(len(messages.AllKinds))
	if c.WeightCeiling < 1/n || c.WeightCeiling > 1 {
		return fmt.Errorf("weight_ceiling must be between %.3f and 1", 1/n)
	}
	if c.NightMinAudio < 0 || c.NightMinAudio > c.WeightCeiling {
		return fmt.Errorf("night_min_audio must be between 0 and weight_ceiling")
	}
	if c.DuskMinAudio < 0 || c.DuskMinAudio > c.WeightCeiling {
		return fmt.Errorf("dusk_min_audio must be between 0 and weight_ceiling")
	}
	if c.WarmBandHighC < c.WarmBandLowC {
		return fmt.Errorf("warm band upper bound below lower bound")
	}
	if c.WarmPIRFactor <= 0 || c.WarmPIRFactor > 1 {
		return fmt.Errorf("warm_pir_factor must be in (0,1]")
	}
	return nil
}

// Adapter derives a WeightProfile from an EnvironmentalContext. It has no state beyond its
// policy and is safe to call on every fusion cycle.
type Adapter struct {
	cfg AdapterConfig
}

// NewAdapter validates the policy and returns an adapter
func NewAdapter(cfg AdapterConfig) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid adapter config: %w", err)
	}
	cfg.BaseWeights = cfg.BaseWeights.Clone()
	return &Adapter{cfg: cfg}, nil
}

// Config returns a copy of the adapter policy
func (a *Adapter) Config() AdapterConfig {
	cfg := a.cfg
	cfg.BaseWeights = a.cfg.BaseWeights.Clone()
	return cfg
}

// Profile computes the weight profile for env
func (a *Adapter) Profile(env messages.EnvironmentalContext) WeightProfile {
	w := a.cfg.BaseWeights.normalize()

	a.applyTemperature(w, env.TemperatureC)
	a.applyLowLight(w, env.LightLevel)
	a.applyPhase(w, env.Phase)

	w = w.normalize()
	a.applyCeiling(w)
	return w
}

// applyTemperature moves part of the PIR weight to the other active modalities
func (a *Adapter) applyTemperature(w WeightProfile, tempC float64) {
	if tempC < a.cfg.WarmBandLowC || tempC > a.cfg.WarmBandHighC {
		return
	}
	moved := w[messages.KindPIR] * (1 - a.cfg.WarmPIRFactor)
	if moved <= 0 {
		return
	}
	w[messages.KindPIR] -= moved

	others := w[messages.KindVisual] + w[messages.KindAudio]
	if others <= 0 {
		w[messages.KindAudio] += moved
		return
	}
	w[messages.KindVisual] += moved * w[messages.KindVisual] / others
	w[messages.KindAudio] += moved * w[messages.KindAudio] / others
}

// applyLowLight shifts VISUAL mass to AUDIO and PIR linearly below the floor
func (a *Adapter) applyLowLight(w WeightProfile, light float64) {
	floor := a.cfg.LowLightFloor
	if floor <= 0 || light >= floor {
		return
	}
	if light < 0 {
		light = 0
	}
	deficit := (floor - light) / floor
	moved := w[messages.KindVisual] * a.cfg.MaxVisualShift * deficit
	if moved <= 0 {
		return
	}
	w[messages.KindVisual] -= moved
	w[messages.KindAudio] += moved * a.cfg.AudioShare
	w[messages.KindPIR] += moved * (1 - a.cfg.AudioShare)
}

// applyPhase raises AUDIO to the phase minimum, taking mass from VISUAL first, then PIR
func (a *Adapter) applyPhase(w WeightProfile, phase messages.Phase) {
	var minAudio float64
	switch phase {
	case messages.PhaseNight:
		minAudio = a.cfg.NightMinAudio
	case messages.PhaseDusk:
		minAudio = a.cfg.DuskMinAudio
	default:
		return
	}

	need := minAudio - w[messages.KindAudio]
	if need <= 0 {
		return
	}
	for _, donor := range []messages.Kind{messages.KindVisual, messages.KindPIR} {
		take := w[donor]
		if take > need {
			take = need
		}
		w[donor] -= take
		w[messages.KindAudio] += take
		need -= take
		if need <= 0 {
			return
		}
	}
}

// applyCeiling clamps weights at the ceiling and redistributes the excess to modalities below it.
// Active modalities absorb first, proportionally to their weight; inactive ones only when no
// active modality has headroom.
func (a *Adapter) applyCeiling(w WeightProfile) {
	ceiling := a.cfg.WeightCeiling
	for iter := 0; iter <= len(messages.AllKinds); iter++ {
		var excess float64
		for _, k := range messages.AllKinds {
			if w[k] > ceiling+weightEpsilon {
				excess += w[k] - ceiling
				w[k] = ceiling
			}
		}
		if excess <= weightEpsilon {
			return
		}

		var activeRoom float64
		for _, k := range messages.AllKinds {
			if w[k] > 0 && w[k] < ceiling {
				activeRoom += w[k]
			}
		}
		if activeRoom > 0 {
			for _, k := range messages.AllKinds {
				if w[k] > 0 && w[k] < ceiling {
					w[k] += excess * w[k] / activeRoom
				}
			}
			continue
		}

		var idle []messages.Kind
		for _, k := range messages.AllKinds {
			if w[k] < ceiling {
				idle = append(idle, k)
			}
		}
		if len(idle) == 0 {
			return
		}
		share := excess / float64(len(idle))
		for _, k := range idle {
			w[k] += share
		}
	}
}
