package analyzer

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agile-defense/fieldnode/pkg/messages"
)

func TestPIRAnalyzer_Debounce(t *testing.T) {
	a := NewPIRAnalyzer(2*time.Second, 0)

	r, fresh := a.Analyze(PIREdge{First: t0, Last: t0, Count: 1}, 1)
	assert.True(t, fresh)
	assert.Equal(t, 0.8, r.Confidence)
	assert.Equal(t, messages.KindPIR, r.Kind)

	r, fresh = a.Analyze(PIREdge{First: t0.Add(1500 * time.Millisecond), Count: 2}, 2)
	assert.False(t, fresh)
	assert.Equal(t, uint64(1), r.Sequence)
	assert.Equal(t, 3.0, r.Strength)
	assert.True(t, r.Timestamp.Equal(t0))

	r, fresh = a.Analyze(PIREdge{First: t0.Add(2 * time.Second), Count: 1}, 3)
	assert.True(t, fresh)
	assert.Equal(t, uint64(3), r.Sequence)

	a.Reset()
	_, fresh = a.Analyze(PIREdge{First: t0.Add(2100 * time.Millisecond), Count: 1}, 4)
	assert.True(t, fresh)
}

func uniform(w, h int, v uint8) Frame {
	pix := make([]uint8, w*h)
	for i := range pix {
		pix[i] = v
	}
	return Frame{Width: w, Height: h, Pix: pix}
}

func withPatch(f Frame, x0, y0, w, h int, v uint8) Frame {
	pix := append([]uint8(nil), f.Pix...)
	for y := y0; y < y0+h; y++ {
		for x := x0; x < x0+w; x++ {
			pix[y*f.Width+x] = v
		}
	}
	return Frame{Width: f.Width, Height: f.Height, Pix: pix}
}

func TestVisualAnalyzer_NoMotion(t *testing.T) {
	a, err := NewVisualAnalyzer(DefaultVisualConfig())
	require.NoError(t, err)

	bg := uniform(64, 48, 100)
	r, err := a.Analyze(FramePair{Reference: bg, Current: bg, CapturedAt: t0}, 1)
	require.NoError(t, err)
	assert.Zero(t, r.Confidence)
	assert.True(t, r.Region.Empty())
}

func TestVisualAnalyzer_MotionRegionAndConfidence(t *testing.T) {
	a, err := NewVisualAnalyzer(DefaultVisualConfig())
	require.NoError(t, err)

	bg := uniform(64, 48, 100)
	// 2x2 blocks of 8px out of 8x6 = 48 blocks.
	cur := withPatch(bg, 16, 8, 16, 16, 200)
	r, err := a.Analyze(FramePair{Reference: bg, Current: cur, CapturedAt: t0}, 1)
	require.NoError(t, err)

	assert.InDelta(t, 4.0/48.0, r.Strength, 1e-9)
	assert.InDelta(t, 4.0/48.0*4, r.Confidence, 1e-9)
	assert.Equal(t, messages.Region{X: 16, Y: 8, Width: 16, Height: 16}, r.Region)
}

func TestVisualAnalyzer_ConfidenceCapped(t *testing.T) {
	a, err := NewVisualAnalyzer(DefaultVisualConfig())
	require.NoError(t, err)

	bg := uniform(32, 32, 10)
	r, err := a.Analyze(FramePair{Reference: bg, Current: uniform(32, 32, 250)}, 1)
	require.NoError(t, err)
	assert.Equal(t, 1.0, r.Confidence)
}

func TestVisualAnalyzer_ReferenceHeldAfterDetection(t *testing.T) {
	cfg := DefaultVisualConfig()
	cfg.BlendAlpha = 1
	a, err := NewVisualAnalyzer(cfg)
	require.NoError(t, err)

	bg := uniform(32, 32, 50)
	subject := withPatch(bg, 0, 0, 8, 8, 220)

	r, err := a.Analyze(FramePair{Reference: bg, Current: subject}, 1)
	require.NoError(t, err)
	require.Greater(t, r.Confidence, 0.0)

	// The subject stays put; with the reference held it is still detected.
	r, err = a.Analyze(FramePair{Current: subject}, 2)
	require.NoError(t, err)
	assert.Greater(t, r.Confidence, 0.0)
}

func TestVisualAnalyzer_ReferenceDriftsWithLighting(t *testing.T) {
	cfg := DefaultVisualConfig()
	cfg.BlendAlpha = 0.5
	cfg.Sensitivity = 20
	a, err := NewVisualAnalyzer(cfg)
	require.NoError(t, err)

	_, err = a.Analyze(FramePair{Reference: uniform(16, 16, 100), Current: uniform(16, 16, 110)}, 1)
	require.NoError(t, err)
	assert.InDelta(t, 105, a.reference[0], 1e-9)

	r, err := a.Analyze(FramePair{Current: uniform(16, 16, 122)}, 2)
	require.NoError(t, err)
	assert.Zero(t, r.Confidence)
	assert.InDelta(t, 113.5, a.reference[0], 1e-9)
}

func TestVisualAnalyzer_Mismatch(t *testing.T) {
	a, err := NewVisualAnalyzer(DefaultVisualConfig())
	require.NoError(t, err)

	_, err = a.Analyze(FramePair{Current: Frame{Width: 4, Height: 4, Pix: make([]uint8, 3)}}, 1)
	assert.ErrorIs(t, err, ErrFrameMismatch)

	_, err = a.Analyze(FramePair{Reference: uniform(8, 8, 0), Current: uniform(16, 16, 0)}, 1)
	assert.ErrorIs(t, err, ErrFrameMismatch)
}

func TestNewVisualAnalyzer_Validation(t *testing.T) {
	cfg := DefaultVisualConfig()
	cfg.BlockSize = 0
	_, err := NewVisualAnalyzer(cfg)
	assert.Error(t, err)

	cfg = DefaultVisualConfig()
	cfg.BlendAlpha = 2
	_, err = NewVisualAnalyzer(cfg)
	assert.Error(t, err)
}

const sampleRate = 16000

func tone(freq, amplitude float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = amplitude * math.Sin(2*math.Pi*freq*float64(i)/sampleRate)
	}
	return out
}

func newTestAudio(t *testing.T) *AudioAnalyzer {
	t.Helper()
	a, err := NewAudioAnalyzer(DefaultAudioConfig(), nil)
	require.NoError(t, err)

	templates := make([]Template, 0, 2)
	for species, freq := range map[string]float64{"tawny_owl": 600, "nightjar": 3200} {
		f, err := a.Features(AudioBuffer{Samples: tone(freq, 0.5, 4096), SampleRate: sampleRate})
		require.NoError(t, err)
		templates = append(templates, Template{Species: species, Features: f})
	}
	a.SetTemplates(templates)
	return a
}

func TestAudioAnalyzer_MatchesTemplate(t *testing.T) {
	a := newTestAudio(t)

	r, err := a.Analyze(AudioBuffer{Samples: tone(3200, 0.5, 4096), SampleRate: sampleRate, NoiseFloor: 0.01, CapturedAt: t0}, 1)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, r.Confidence, 1e-6)
	assert.Equal(t, "nightjar", r.SpeciesHint)
	assert.InDelta(t, 0.5/math.Sqrt2/0.01, r.Strength, 0.5)
}

func TestAudioAnalyzer_DistantSignalScoresLower(t *testing.T) {
	a := newTestAudio(t)

	match, err := a.Analyze(AudioBuffer{Samples: tone(600, 0.5, 4096), SampleRate: sampleRate, NoiseFloor: 0.01}, 1)
	require.NoError(t, err)
	other, err := a.Analyze(AudioBuffer{Samples: tone(1700, 0.5, 4096), SampleRate: sampleRate, NoiseFloor: 0.01}, 2)
	require.NoError(t, err)

	assert.Greater(t, match.Confidence, other.Confidence)
	assert.GreaterOrEqual(t, other.Confidence, 0.0)
}

func TestAudioAnalyzer_NoiseGate(t *testing.T) {
	a := newTestAudio(t)

	r, err := a.Analyze(AudioBuffer{Samples: tone(600, 0.01, 4096), SampleRate: sampleRate, NoiseFloor: 0.05}, 1)
	require.NoError(t, err)
	assert.Zero(t, r.Confidence)
	assert.Empty(t, r.SpeciesHint)
	assert.False(t, r.Unavailable)
}

func TestAudioAnalyzer_NoTemplates(t *testing.T) {
	a, err := NewAudioAnalyzer(DefaultAudioConfig(), nil)
	require.NoError(t, err)

	r, err := a.Analyze(AudioBuffer{Samples: tone(600, 0.5, 2048), SampleRate: sampleRate}, 1)
	require.NoError(t, err)
	assert.Zero(t, r.Confidence)
}

func TestAudioAnalyzer_ShortBuffer(t *testing.T) {
	a := newTestAudio(t)
	_, err := a.Analyze(AudioBuffer{Samples: tone(600, 0.5, 100), SampleRate: sampleRate}, 1)
	assert.ErrorIs(t, err, ErrEmptyBuffer)
}

func TestLoadTemplates(t *testing.T) {
	templates, err := LoadTemplates(strings.NewReader(`[{"species":"red_fox","features":[1,2,3]}]`))
	require.NoError(t, err)
	require.Len(t, templates, 1)
	assert.Equal(t, "red_fox", templates[0].Species)

	_, err = LoadTemplates(strings.NewReader(`[{"species":"","features":[1]}]`))
	assert.Error(t, err)
}

func TestFFT_SingleBin(t *testing.T) {
	n := 64
	x := make([]complex128, n)
	for i := range x {
		x[i] = complex(math.Cos(2*math.Pi*4*float64(i)/float64(n)), 0)
	}
	fft(x)

	for k := range x {
		mag := math.Hypot(real(x[k]), imag(x[k]))
		if k == 4 || k == n-4 {
			assert.InDelta(t, float64(n)/2, mag, 1e-9)
		} else {
			assert.InDelta(t, 0, mag, 1e-9)
		}
	}
}

func TestSet_Analyze(t *testing.T) {
	visual, err := NewVisualAnalyzer(DefaultVisualConfig())
	require.NoError(t, err)
	set := NewSet(NewPIRAnalyzer(time.Second, 0.8), visual, newTestAudio(t))

	r, fresh, err := set.Analyze(PIREdge{First: t0, Count: 1})
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Equal(t, messages.KindPIR, r.Kind)

	r, _, err = set.Analyze(FramePair{Current: Frame{Width: 2, Height: 2}, CapturedAt: t0})
	assert.ErrorIs(t, err, ErrSensorUnavailable)
	assert.ErrorIs(t, err, ErrFrameMismatch)
	assert.True(t, r.Unavailable)
	assert.Equal(t, messages.KindVisual, r.Kind)

	busy := errors.New("camera busy")
	r, _, err = set.Analyze(Failure{Kind: messages.KindVisual, At: t0, Err: busy})
	assert.ErrorIs(t, err, busy)
	assert.True(t, r.Unavailable)
	assert.Zero(t, r.Confidence)

	r, _, err = set.Analyze(AudioBuffer{Samples: tone(600, 0.5, 4096), SampleRate: sampleRate})
	require.NoError(t, err)
	assert.Greater(t, r.Sequence, uint64(3))
}

func TestSet_MissingAnalyzer(t *testing.T) {
	set := NewSet(nil, nil, nil)
	r, _, err := set.Analyze(AudioBuffer{CapturedAt: t0})
	assert.ErrorIs(t, err, ErrSensorUnavailable)
	assert.True(t, r.Unavailable)
}
