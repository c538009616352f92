package natsutil

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/agile-defense/fieldnode/pkg/fusion"
	"github.com/agile-defense/fieldnode/pkg/node"
)

// Controller is the node surface exposed over request/reply
type Controller interface {
	Config() (fusion.Config, uint64)
	UpdateConfig(candidate fusion.Config) node.ConfigUpdate
	Status() node.Status
}

// ControlSubject returns the request subject for op on node nodeID
func ControlSubject(nodeID, op string) string {
	return "fieldnode." + nodeID + "." + op
}

// Control operations
const (
	OpConfigGet = "config.get"
	OpConfigSet = "config.set"
	OpStatus    = "status"
)

// ConfigReply is the response to config.get
type ConfigReply struct {
	Version uint64        `json:"version"`
	Config  fusion.Config `json:"config"`
}

// Responder answers control requests for one node
type Responder struct {
	nodeID string
	ctrl   Controller
	logger zerolog.Logger
	subs   []*nats.Subscription
}

// NewResponder creates a responder for ctrl
func NewResponder(nodeID string, ctrl Controller, logger zerolog.Logger) *Responder {
	return &Responder{
		nodeID: nodeID,
		ctrl:   ctrl,
		logger: logger.With().Str("component", "control").Logger(),
	}
}

// Start subscribes to the control subjects
func (r *Responder) Start(nc *nats.Conn) error {
	handlers := map[string]func([]byte) []byte{
		OpConfigGet: func([]byte) []byte { return r.ConfigGet() },
		OpConfigSet: r.ConfigSet,
		OpStatus:    func([]byte) []byte { return r.StatusGet() },
	}

	for op, handle := range handlers {
		subject := ControlSubject(r.nodeID, op)
		handle := handle
		sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
			if msg.Reply == "" {
				return
			}
			if err := msg.Respond(handle(msg.Data)); err != nil {
				r.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("Failed to respond")
			}
		})
		if err != nil {
			r.Stop()
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		r.subs = append(r.subs, sub)
		r.logger.Info().Str("subject", subject).Msg("Subscribed to control subject")
	}
	return nil
}

// Stop removes all subscriptions
func (r *Responder) Stop() {
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	r.subs = nil
}

// ConfigGet encodes the active config
func (r *Responder) ConfigGet() []byte {
	cfg, version := r.ctrl.Config()
	return mustJSON(ConfigReply{Version: version, Config: cfg})
}

// ConfigSet decodes a complete candidate and stages it
func (r *Responder) ConfigSet(data []byte) []byte {
	var candidate fusion.Config
	if err := json.Unmarshal(data, &candidate); err != nil {
		return mustJSON(node.ConfigUpdate{Accepted: false, Reason: err.Error()})
	}
	return mustJSON(r.ctrl.UpdateConfig(candidate))
}

// StatusGet encodes the latest node status
func (r *Responder) StatusGet() []byte {
	return mustJSON(r.ctrl.Status())
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
	}
	return data
}
