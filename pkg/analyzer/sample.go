// Package analyzer turns raw sensor samples into normalized modality results
package analyzer

import (
	"errors"
	"time"

	"github.com/agile-defense/fieldnode/pkg/messages"
)

var (
	// ErrSensorUnavailable is reported by drivers that cannot deliver a sample
	ErrSensorUnavailable = errors.New("sensor unavailable")
	// ErrFrameMismatch means a frame does not match the analyzer geometry
	ErrFrameMismatch = errors.New("frame geometry mismatch")
	// ErrEmptyBuffer means an audio buffer holds too few samples to analyze
	ErrEmptyBuffer = errors.New("audio buffer too short")
)

// Sample is a raw input for one modality. The set of variants is closed.
type Sample interface {
	Modality() messages.Kind
	sample()
}

// PIREdge is one or more coalesced motion-sensor edges drained from the latch
type PIREdge struct {
	First time.Time
	Last  time.Time
	Count int
}

// Frame is an 8-bit grayscale image, row-major
type Frame struct {
	Width  int
	Height int
	Pix    []uint8
}

// Valid reports whether the pixel buffer matches the dimensions
func (f Frame) Valid() bool {
	return f.Width > 0 && f.Height > 0 && len(f.Pix) == f.Width*f.Height
}

// FramePair is a reference and current capture delivered by the frame driver
type FramePair struct {
	Reference  Frame
	Current    Frame
	CapturedAt time.Time
}

// AudioBuffer is a fixed-duration mono buffer with the driver-computed noise floor (RMS)
type AudioBuffer struct {
	Samples    []float64
	SampleRate int
	NoiseFloor float64
	CapturedAt time.Time
}

// Failure reports that a driver could not produce a sample
type Failure struct {
	Kind messages.Kind
	At   time.Time
	Err  error
}

func (PIREdge) Modality() messages.Kind     { return messages.KindPIR }
func (FramePair) Modality() messages.Kind   { return messages.KindVisual }
func (AudioBuffer) Modality() messages.Kind { return messages.KindAudio }
func (f Failure) Modality() messages.Kind   { return f.Kind }

func (PIREdge) sample()     {}
func (FramePair) sample()   {}
func (AudioBuffer) sample() {}
func (Failure) sample()     {}
