// Package metrics holds the Prometheus instruments for the gateway loop
// and the agent service.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"basegraph.app/triage/internal/agent"
	"basegraph.app/triage/internal/domain"
	"basegraph.app/triage/internal/gateway"
)

type Metrics struct {
	PollsTotal       *prometheus.CounterVec
	RecordsTotal     prometheus.Counter
	MalformedTotal   *prometheus.CounterVec
	ForwardsTotal    *prometheus.CounterVec
	ForwardDuration  prometheus.Histogram
	DeadLettersTotal *prometheus.CounterVec
	LoopErrorsTotal  prometheus.Counter
	DecisionsTotal   *prometheus.CounterVec
	OutcomesTotal    *prometheus.CounterVec
	RiskDelta        prometheus.Histogram
	PublishesTotal   *prometheus.CounterVec
}

// NewRegistry returns a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// New registers and returns triage metrics on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "triage_gateway_polls_total",
			Help: "Poll cycles by result (records or empty).",
		}, []string{"result"}),
		RecordsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "triage_gateway_records_total",
			Help: "Records returned by polls.",
		}),
		MalformedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "triage_gateway_malformed_total",
			Help: "Records dropped before forwarding, by topic.",
		}, []string{"topic"}),
		ForwardsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "triage_gateway_forwards_total",
			Help: "Forwarding attempts by topic and status.",
		}, []string{"topic", "status"}),
		ForwardDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "triage_gateway_forward_duration_seconds",
			Help:    "Duration of event forwarding in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~20s
		}),
		DeadLettersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "triage_gateway_dead_letters_total",
			Help: "Dead-letter publishes by result.",
		}, []string{"result"}),
		LoopErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "triage_gateway_loop_errors_total",
			Help: "Poll iterations that failed and triggered a backoff.",
		}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "triage_agent_decisions_total",
			Help: "Policy decisions by action and matching rule.",
		}, []string{"action", "rule"}),
		OutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "triage_agent_outcomes_total",
			Help: "Executed actions by action and ack.",
		}, []string{"action", "ack"}),
		RiskDelta: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "triage_agent_risk_delta",
			Help:    "Risk delta reported by executed actions.",
			Buckets: prometheus.LinearBuckets(-0.3, 0.1, 5), // -0.3 .. 0.1
		}),
		PublishesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "triage_agent_publishes_total",
			Help: "Agent publishes by topic and result.",
		}, []string{"topic", "result"}),
	}

	reg.MustRegister(
		m.PollsTotal,
		m.RecordsTotal,
		m.MalformedTotal,
		m.ForwardsTotal,
		m.ForwardDuration,
		m.DeadLettersTotal,
		m.LoopErrorsTotal,
		m.DecisionsTotal,
		m.OutcomesTotal,
		m.RiskDelta,
		m.PublishesTotal,
	)

	return m
}

// Handler serves the registry in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// GatewayHooks returns loop hooks that update the gateway metrics.
func (m *Metrics) GatewayHooks() gateway.Hooks {
	return gateway.Hooks{
		OnPoll: func(records int) {
			if records == 0 {
				m.PollsTotal.WithLabelValues("empty").Inc()
				return
			}
			m.PollsTotal.WithLabelValues("records").Inc()
			m.RecordsTotal.Add(float64(records))
		},
		OnMalformed: func(topic string) {
			m.MalformedTotal.WithLabelValues(topic).Inc()
		},
		OnForward: func(topic string, err error, seconds float64) {
			m.ForwardsTotal.WithLabelValues(topic, result(err)).Inc()
			m.ForwardDuration.Observe(seconds)
		},
		OnDeadLetter: func(err error) {
			m.DeadLettersTotal.WithLabelValues(result(err)).Inc()
		},
		OnLoopError: func() {
			m.LoopErrorsTotal.Inc()
		},
	}
}

// AgentHooks returns service hooks that update the agent metrics.
func (m *Metrics) AgentHooks() agent.Hooks {
	return agent.Hooks{
		OnDecision: func(rule string, d domain.Decision) {
			m.DecisionsTotal.WithLabelValues(string(d.Action), rule).Inc()
		},
		OnOutcome: func(d domain.Decision, o domain.Outcome) {
			m.OutcomesTotal.WithLabelValues(string(d.Action), strconv.FormatBool(o.Ack)).Inc()
			m.RiskDelta.Observe(o.RiskDelta)
		},
		OnPublish: func(topic string, err error) {
			m.PublishesTotal.WithLabelValues(topic, result(err)).Inc()
		},
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
