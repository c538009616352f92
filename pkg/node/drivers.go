package node

import (
	"context"
	"sync"

	"github.com/agile-defense/fieldnode/pkg/analyzer"
	"github.com/agile-defense/fieldnode/pkg/camera"
	"github.com/agile-defense/fieldnode/pkg/messages"
	"github.com/agile-defense/fieldnode/pkg/policy"
)

// FrameSource delivers a reference/current pair on demand. Implementations must honour ctx so an
// escalation cancelled by window expiry stops promptly.
type FrameSource interface {
	CapturePair(ctx context.Context) (analyzer.FramePair, error)
}

// StillCapturer takes the expensive full-resolution capture an event may trigger
type StillCapturer interface {
	CaptureStill(ctx context.Context, req camera.StillRequest) (*camera.StillResponse, error)
}

// EnvironmentSource delivers the latest ambient snapshot
type EnvironmentSource interface {
	Environment() messages.EnvironmentalContext
}

// PowerSource delivers the coarse battery tier
type PowerSource interface {
	PowerTier() messages.PowerTier
}

// EventSink receives finalized events the dispatch policy allows
type EventSink interface {
	PublishEvent(ctx context.Context, event *messages.DetectionEvent) error
}

// ResultSink receives every analyzed result for telemetry
type ResultSink interface {
	PublishResult(ctx context.Context, result messages.ModalityResult) error
}

// Dispatcher decides the downstream actions for an event
type Dispatcher interface {
	Decide(ctx context.Context, event *messages.DetectionEvent) (policy.Decision, error)
}

// Ambient holds the latest pushed environment and power readings. It implements both
// EnvironmentSource and PowerSource and is safe for concurrent use.
type Ambient struct {
	mu    sync.RWMutex
	env   messages.EnvironmentalContext
	power messages.PowerTier
}

// NewAmbient starts from daylight defaults and normal power
func NewAmbient() *Ambient {
	return &Ambient{env: messages.DefaultEnvironment(), power: messages.PowerNormal}
}

func (a *Ambient) SetEnvironment(env messages.EnvironmentalContext) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.env = env
}

func (a *Ambient) SetPowerTier(tier messages.PowerTier) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.power = tier
}

func (a *Ambient) Environment() messages.EnvironmentalContext {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.env
}

func (a *Ambient) PowerTier() messages.PowerTier {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.power
}
