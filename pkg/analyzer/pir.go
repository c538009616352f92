package analyzer

import (
	"time"

	"github.com/agile-defense/fieldnode/pkg/messages"
)

// DefaultEdgeConfidence is the confidence assigned to a debounced PIR edge
const DefaultEdgeConfidence = 0.8

// PIRAnalyzer maps edges to results, coalescing re-triggers inside the debounce period
type PIRAnalyzer struct {
	Debounce       time.Duration
	EdgeConfidence float64

	current *messages.ModalityResult
}

// NewPIRAnalyzer creates a PIR analyzer
func NewPIRAnalyzer(debounce time.Duration, edgeConfidence float64) *PIRAnalyzer {
	if edgeConfidence <= 0 {
		edgeConfidence = DefaultEdgeConfidence
	}
	return &PIRAnalyzer{Debounce: debounce, EdgeConfidence: messages.ClampConfidence(edgeConfidence)}
}

// Analyze returns the result for edge. fresh is false when edge fell inside the debounce period of
// the current result and was folded into it; the returned result then keeps its original sequence.
func (a *PIRAnalyzer) Analyze(edge PIREdge, seq uint64) (result messages.ModalityResult, fresh bool) {
	count := edge.Count
	if count < 1 {
		count = 1
	}

	if a.current != nil && edge.First.Sub(a.current.Timestamp) < a.Debounce {
		a.current.Strength += float64(count)
		return *a.current, false
	}

	r := messages.NewModalityResult(messages.KindPIR, a.EdgeConfidence, float64(count), edge.First, seq)
	a.current = &r
	return r, true
}

// Reset forgets the current result
func (a *PIRAnalyzer) Reset() {
	a.current = nil
}
