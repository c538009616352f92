package node

import (
	"time"

	"github.com/agile-defense/fieldnode/pkg/environment"
	"github.com/agile-defense/fieldnode/pkg/messages"
)

// ModalityStatus is the health of one sensing channel
type ModalityStatus struct {
	LastSeen            time.Time `json:"last_seen,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	SupervisorFlag      bool      `json:"supervisor_flag"`
}

// Status is the read-only view returned to health reporting
type Status struct {
	NodeID         string                           `json:"node_id"`
	State          string                           `json:"state"`
	ConfigVersion  uint64                           `json:"config_version"`
	PendingConfig  bool                             `json:"pending_config"`
	WindowID       string                           `json:"window_id,omitempty"`
	WindowResults  int                              `json:"window_results"`
	Escalating     bool                             `json:"escalating"`
	LastEvent      *messages.EventSummary           `json:"last_event,omitempty"`
	EventsEmitted  uint64                           `json:"events_emitted"`
	Modalities     map[messages.Kind]ModalityStatus `json:"modalities"`
	QueueDepth     int                              `json:"queue_depth"`
	PowerTier      messages.PowerTier               `json:"power_tier"`
	Environment    messages.EnvironmentalContext    `json:"environment"`
	Profile        environment.WeightProfile        `json:"profile"`
	SupervisorFlag bool                             `json:"supervisor_flag"` // Some modality failed persistently
	UpdatedAt      time.Time                        `json:"updated_at"`
}

func (s Status) clone() Status {
	out := s
	out.Modalities = make(map[messages.Kind]ModalityStatus, len(s.Modalities))
	for k, v := range s.Modalities {
		out.Modalities[k] = v
	}
	out.Profile = s.Profile.Clone()
	if s.LastEvent != nil {
		ev := *s.LastEvent
		out.LastEvent = &ev
	}
	return out
}
