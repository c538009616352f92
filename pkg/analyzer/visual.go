package analyzer

import (
	"fmt"
	"math"

	"github.com/agile-defense/fieldnode/pkg/messages"
)

// VisualConfig tunes block motion detection
type VisualConfig struct {
	BlockSize   int     // Edge length of a square block in pixels
	Sensitivity float64 // Mean absolute intensity delta that flags a block
	AreaGain    float64 // Confidence per unit of changed-area fraction
	BlendAlpha  float64 // Weight of the current frame when drifting the reference
}

// DefaultVisualConfig returns defaults for low-resolution grayscale frames
func DefaultVisualConfig() VisualConfig {
	return VisualConfig{
		BlockSize:   8,
		Sensitivity: 25,
		AreaGain:    4,
		BlendAlpha:  0.05,
	}
}

// VisualAnalyzer compares frames against a rolling reference, block by block
type VisualAnalyzer struct {
	cfg       VisualConfig
	width     int
	height    int
	reference []float64
}

// NewVisualAnalyzer validates cfg and creates an analyzer with no reference yet
func NewVisualAnalyzer(cfg VisualConfig) (*VisualAnalyzer, error) {
	if cfg.BlockSize < 1 {
		return nil, fmt.Errorf("block size must be positive, got %d", cfg.BlockSize)
	}
	if cfg.Sensitivity <= 0 || cfg.Sensitivity > 255 {
		return nil, fmt.Errorf("sensitivity must be in (0,255], got %v", cfg.Sensitivity)
	}
	if cfg.AreaGain <= 0 {
		return nil, fmt.Errorf("area gain must be positive, got %v", cfg.AreaGain)
	}
	if cfg.BlendAlpha < 0 || cfg.BlendAlpha > 1 {
		return nil, fmt.Errorf("blend alpha must be in [0,1], got %v", cfg.BlendAlpha)
	}
	return &VisualAnalyzer{cfg: cfg}, nil
}

// Analyze scores pair.Current against the rolling reference. The reference is seeded from
// pair.Reference on first use or after a geometry change. After a frame with motion the reference
// is left alone so a subject standing still does not fade into the background.
func (a *VisualAnalyzer) Analyze(pair FramePair, seq uint64) (messages.ModalityResult, error) {
	cur := pair.Current
	if !cur.Valid() {
		return messages.ModalityResult{}, fmt.Errorf("%w: current frame %dx%d with %d pixels", ErrFrameMismatch, cur.Width, cur.Height, len(cur.Pix))
	}

	if a.reference == nil || a.width != cur.Width || a.height != cur.Height {
		seed := pair.Reference
		if !seed.Valid() || seed.Width != cur.Width || seed.Height != cur.Height {
			if seed.Valid() {
				return messages.ModalityResult{}, fmt.Errorf("%w: reference %dx%d, current %dx%d", ErrFrameMismatch, seed.Width, seed.Height, cur.Width, cur.Height)
			}
			seed = cur
		}
		a.seed(seed)
	}

	flagged, total, region := a.diff(cur)
	fraction := float64(flagged) / float64(total)
	confidence := math.Min(1, fraction*a.cfg.AreaGain)

	result := messages.NewModalityResult(messages.KindVisual, confidence, fraction, pair.CapturedAt, seq)
	if flagged > 0 {
		result = result.WithRegion(region)
	} else {
		a.blend(cur)
	}
	return result, nil
}

// ResetReference drops the reference so the next pair reseeds it
func (a *VisualAnalyzer) ResetReference() {
	a.reference = nil
}

func (a *VisualAnalyzer) seed(f Frame) {
	a.width, a.height = f.Width, f.Height
	a.reference = make([]float64, len(f.Pix))
	for i, p := range f.Pix {
		a.reference[i] = float64(p)
	}
}

func (a *VisualAnalyzer) blend(f Frame) {
	alpha := a.cfg.BlendAlpha
	for i, p := range f.Pix {
		a.reference[i] = a.reference[i]*(1-alpha) + float64(p)*alpha
	}
}

// diff returns the flagged and total block counts and the pixel bounds of flagged blocks
func (a *VisualAnalyzer) diff(f Frame) (int, int, messages.Region) {
	bs := a.cfg.BlockSize
	minX, minY, maxX, maxY := f.Width, f.Height, -1, -1
	flagged, total := 0, 0

	for by := 0; by < f.Height; by += bs {
		for bx := 0; bx < f.Width; bx += bs {
			total++
			x1 := min(bx+bs, f.Width)
			y1 := min(by+bs, f.Height)

			var sum float64
			for y := by; y < y1; y++ {
				row := y * f.Width
				for x := bx; x < x1; x++ {
					sum += math.Abs(float64(f.Pix[row+x]) - a.reference[row+x])
				}
			}
			if sum/float64((x1-bx)*(y1-by)) < a.cfg.Sensitivity {
				continue
			}

			flagged++
			minX, minY = min(minX, bx), min(minY, by)
			maxX, maxY = max(maxX, x1), max(maxY, y1)
		}
	}

	if flagged == 0 {
		return 0, total, messages.Region{}
	}
	return flagged, total, messages.Region{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}
}
