package node

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/agile-defense/fieldnode/pkg/messages"
	"github.com/agile-defense/fieldnode/pkg/trigger"
)

// Escalation outcomes
const (
	escalationRequested = "requested"
	escalationConfirmed = "confirmed"
	escalationRejected  = "rejected"
	escalationFailed    = "failed"
	escalationCancelled = "cancelled"
	escalationDiscarded = "discarded"
)

type metrics struct {
	state       prometheus.Gauge
	events      *prometheus.CounterVec
	escalations *prometheus.CounterVec
	results     *prometheus.CounterVec
	window      prometheus.Gauge
	queueDepth  prometheus.Gauge
	supervisor  *prometheus.GaugeVec
	confidence  prometheus.Histogram
	dropped     *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fieldnode_state",
			Help: "Trigger policy state (0=idle, 1=primed, 2=confirming, 3=finalized)",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldnode_events_total",
			Help: "Detection events emitted by level",
		}, []string{"level"}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldnode_escalations_total",
			Help: "Visual escalations by outcome",
		}, []string{"outcome"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldnode_results_total",
			Help: "Modality results ingested",
		}, []string{"modality", "status"}),
		window: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fieldnode_window_results",
			Help: "Results held by the open correlation window",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fieldnode_queue_depth",
			Help: "Results waiting for the processing loop",
		}),
		supervisor: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fieldnode_supervisor_flag",
			Help: "Set when a modality has failed persistently",
		}, []string{"modality"}),
		confidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fieldnode_finalized_confidence",
			Help:    "Fused confidence of finalized windows",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldnode_dropped_total",
			Help: "Inputs rejected because a queue was full",
		}, []string{"queue"}),
	}
	if reg != nil {
		reg.MustRegister(m.state, m.events, m.escalations, m.results, m.window, m.queueDepth, m.supervisor, m.confidence, m.dropped)
	}
	return m
}

func (m *metrics) setState(s trigger.State) {
	m.state.Set(float64(s))
}

func (m *metrics) setSupervisor(k messages.Kind, flagged bool) {
	v := 0.0
	if flagged {
		v = 1
	}
	m.supervisor.WithLabelValues(string(k)).Set(v)
}
