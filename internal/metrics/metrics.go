package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "remote"

// Controller side.
var (
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_total",
		Help:      "Commands dispatched, by kind and outcome tag.",
	}, []string{"kind", "outcome"})
	CommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "command_duration_seconds",
		Help:      "Time from dispatch to resolution.",
		Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"kind"})
	CommandRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "command_retries_total",
		Help:      "Idempotent commands retried after a lost connection.",
	}, []string{"kind"})
	ConnectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections_open",
		Help:      "Authenticated connections to agents.",
	})
	ConnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connect_attempts_total",
		Help:      "Connection attempts, by outcome tag.",
	}, []string{"outcome"})
	AuditDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audit_dropped_total",
		Help:      "Audit entries lost to a full buffer or a failing store.",
	})
)

// Agent side.
var (
	AgentSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "agent_sessions",
		Help:      "Authenticated sessions served by this agent.",
	})
	AgentHandshakes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "agent_handshakes_total",
		Help:      "Inbound handshakes, by result.",
	}, []string{"result"})
	AgentCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "agent_commands_total",
		Help:      "Commands executed by this agent, by kind and status.",
	}, []string{"kind", "status"})
)
