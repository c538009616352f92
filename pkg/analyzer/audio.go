package analyzer

import (
	"encoding/json"
	"fmt"
	"io"
	"math"

	"github.com/agile-defense/fieldnode/pkg/messages"
)

// AudioConfig tunes cepstral feature extraction and template matching
type AudioConfig struct {
	FrameSize    int     // Samples per analysis frame, a power of two
	HopSize      int     // Samples between frame starts
	MelFilters   int     // Triangular filters in the mel bank
	Coefficients int     // Cepstral coefficients kept per frame
	LowHz        float64 // Lower edge of the filter bank
	HighHz       float64 // Upper edge; zero means half the sample rate
	MaxDistance  float64 // Template distance at which confidence reaches zero
	GateRatio    float64 // Buffer RMS must exceed NoiseFloor times this to be analyzed
}

// DefaultAudioConfig returns defaults for 16 kHz mono buffers
func DefaultAudioConfig() AudioConfig {
	return AudioConfig{
		FrameSize:    512,
		HopSize:      256,
		MelFilters:   26,
		Coefficients: 13,
		LowHz:        100,
		MaxDistance:  40,
		GateRatio:    2,
	}
}

// Template is a stored species signature
type Template struct {
	Species  string    `json:"species"`
	Features []float64 `json:"features"`
}

// LoadTemplates decodes a JSON array of templates
func LoadTemplates(r io.Reader) ([]Template, error) {
	var templates []Template
	if err := json.NewDecoder(r).Decode(&templates); err != nil {
		return nil, fmt.Errorf("failed to decode audio templates: %w", err)
	}
	for i, t := range templates {
		if t.Species == "" || len(t.Features) == 0 {
			return nil, fmt.Errorf("audio template %d is incomplete", i)
		}
	}
	return templates, nil
}

// AudioAnalyzer matches buffer features against species templates
type AudioAnalyzer struct {
	cfg       AudioConfig
	templates []Template
	window    []float64
	banks     map[int][][]float64
}

// NewAudioAnalyzer validates cfg
func NewAudioAnalyzer(cfg AudioConfig, templates []Template) (*AudioAnalyzer, error) {
	if cfg.FrameSize < 16 || cfg.FrameSize&(cfg.FrameSize-1) != 0 {
		return nil, fmt.Errorf("frame size must be a power of two >= 16, got %d", cfg.FrameSize)
	}
	if cfg.HopSize < 1 || cfg.HopSize > cfg.FrameSize {
		return nil, fmt.Errorf("hop size must be in [1,%d], got %d", cfg.FrameSize, cfg.HopSize)
	}
	if cfg.MelFilters < 2 || cfg.Coefficients < 1 || cfg.Coefficients > cfg.MelFilters {
		return nil, fmt.Errorf("need 2+ mel filters and 1..filters coefficients, got %d/%d", cfg.MelFilters, cfg.Coefficients)
	}
	if cfg.MaxDistance <= 0 {
		return nil, fmt.Errorf("max distance must be positive")
	}
	return &AudioAnalyzer{
		cfg:       cfg,
		templates: templates,
		window:    hann(cfg.FrameSize),
		banks:     make(map[int][][]float64),
	}, nil
}

// SetTemplates replaces the signature set
func (a *AudioAnalyzer) SetTemplates(templates []Template) {
	a.templates = templates
}

// Templates returns the loaded signature count
func (a *AudioAnalyzer) Templates() int {
	return len(a.templates)
}

// Features returns the mean cepstral vector of buf
func (a *AudioAnalyzer) Features(buf AudioBuffer) ([]float64, error) {
	if buf.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", buf.SampleRate)
	}
	if len(buf.Samples) < a.cfg.FrameSize {
		return nil, fmt.Errorf("%w: %d samples, need %d", ErrEmptyBuffer, len(buf.Samples), a.cfg.FrameSize)
	}

	bank := a.bank(buf.SampleRate)
	n := a.cfg.FrameSize
	spectrum := make([]complex128, n)
	energies := make([]float64, len(bank))
	mean := make([]float64, a.cfg.Coefficients)
	frames := 0

	for start := 0; start+n <= len(buf.Samples); start += a.cfg.HopSize {
		for i := 0; i < n; i++ {
			spectrum[i] = complex(buf.Samples[start+i]*a.window[i], 0)
		}
		fft(spectrum)

		for m, filter := range bank {
			var e float64
			for k, w := range filter {
				if w == 0 {
					continue
				}
				re, im := real(spectrum[k]), imag(spectrum[k])
				e += w * (re*re + im*im) / float64(n)
			}
			energies[m] = math.Log(e + 1e-10)
		}

		for i, c := range dct2(energies, a.cfg.Coefficients) {
			mean[i] += c
		}
		frames++
	}

	for i := range mean {
		mean[i] /= float64(frames)
	}
	return mean, nil
}

// Analyze scores buf against the templates. Buffers below the noise gate and buffers with no
// template close enough produce confidence 0.
func (a *AudioAnalyzer) Analyze(buf AudioBuffer, seq uint64) (messages.ModalityResult, error) {
	level := rms(buf.Samples)
	snr := level
	if buf.NoiseFloor > 0 {
		snr = level / buf.NoiseFloor
	}
	if buf.NoiseFloor > 0 && level < buf.NoiseFloor*a.cfg.GateRatio {
		return messages.NewModalityResult(messages.KindAudio, 0, snr, buf.CapturedAt, seq), nil
	}

	features, err := a.Features(buf)
	if err != nil {
		return messages.ModalityResult{}, err
	}

	best, species := math.Inf(1), ""
	for _, t := range a.templates {
		if d := euclidean(features, t.Features); d < best {
			best, species = d, t.Species
		}
	}
	if species == "" {
		return messages.NewModalityResult(messages.KindAudio, 0, snr, buf.CapturedAt, seq), nil
	}

	confidence := math.Max(0, 1-best/a.cfg.MaxDistance)
	result := messages.NewModalityResult(messages.KindAudio, confidence, snr, buf.CapturedAt, seq)
	if confidence > 0 {
		result = result.WithSpecies(species)
	}
	return result, nil
}

func (a *AudioAnalyzer) bank(sampleRate int) [][]float64 {
	if b, ok := a.banks[sampleRate]; ok {
		return b
	}
	high := a.cfg.HighHz
	if high <= 0 || high > float64(sampleRate)/2 {
		high = float64(sampleRate) / 2
	}
	b := melFilterbank(a.cfg.MelFilters, a.cfg.FrameSize, sampleRate, a.cfg.LowHz, high)
	a.banks[sampleRate] = b
	return b
}
