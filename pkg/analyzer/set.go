package analyzer

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/agile-defense/fieldnode/pkg/messages"
)

// Set holds one analyzer per modality and projects every sample variant onto a ModalityResult.
// Each analyzer keeps its own reference state, so each must be driven by a single goroutine;
// different modalities may run concurrently.
type Set struct {
	PIR    *PIRAnalyzer
	Visual *VisualAnalyzer
	Audio  *AudioAnalyzer

	seq atomic.Uint64
}

// NewSet creates a set with the given analyzers
func NewSet(pir *PIRAnalyzer, visual *VisualAnalyzer, audio *AudioAnalyzer) *Set {
	return &Set{PIR: pir, Visual: visual, Audio: audio}
}

// Analyze always yields a result for a sample so the fusion cycle stays well defined. Driver and
// analysis failures map to an unavailable zero-confidence result and are returned as err for
// accounting. fresh is false only for PIR re-triggers coalesced into the current result.
func (s *Set) Analyze(sample Sample) (result messages.ModalityResult, fresh bool, err error) {
	seq := s.seq.Add(1)

	switch v := sample.(type) {
	case PIREdge:
		if s.PIR == nil {
			return s.unavailable(messages.KindPIR, v.First, seq, ErrSensorUnavailable)
		}
		result, fresh = s.PIR.Analyze(v, seq)
		return result, fresh, nil

	case FramePair:
		if s.Visual == nil {
			return s.unavailable(messages.KindVisual, v.CapturedAt, seq, ErrSensorUnavailable)
		}
		result, err = s.Visual.Analyze(v, seq)
		if err != nil {
			return s.unavailable(messages.KindVisual, v.CapturedAt, seq, err)
		}
		return result, true, nil

	case AudioBuffer:
		if s.Audio == nil {
			return s.unavailable(messages.KindAudio, v.CapturedAt, seq, ErrSensorUnavailable)
		}
		result, err = s.Audio.Analyze(v, seq)
		if err != nil {
			return s.unavailable(messages.KindAudio, v.CapturedAt, seq, err)
		}
		return result, true, nil

	case Failure:
		cause := v.Err
		if cause == nil {
			cause = ErrSensorUnavailable
		}
		return s.unavailable(v.Kind, v.At, seq, cause)

	default:
		return messages.ModalityResult{}, false, fmt.Errorf("unsupported sample %T", sample)
	}
}

func (s *Set) unavailable(kind messages.Kind, at time.Time, seq uint64, cause error) (messages.ModalityResult, bool, error) {
	if !errors.Is(cause, ErrSensorUnavailable) {
		cause = fmt.Errorf("%w: %s: %w", ErrSensorUnavailable, kind, cause)
	}
	return messages.UnavailableResult(kind, at, seq), true, cause
}
