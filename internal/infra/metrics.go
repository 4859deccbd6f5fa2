package infra

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Lifecycle: сколько команд применено и с каким результатом
	CommandsTotal   *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	ManagedAgents   prometheus.Gauge

	// Saturation: отказы health-check и состояние Circuit Breaker (0 - ок, 1 - выбило)
	RunnerHealthFailures *prometheus.CounterVec
	CircuitBreakerState  *prometheus.GaugeVec

	// HITL
	ApprovalsTotal *prometheus.CounterVec

	// Gate: решения перехватчика действий и их латентность
	GateDecisions *prometheus.CounterVec
	GateDuration  *prometheus.HistogramVec

	// Webhooks
	WebhookDeliveries *prometheus.CounterVec
	WebhookAttempts   *prometheus.CounterVec

	// Bus: битые сообщения, которые мы отбросили
	BusDecodeErrors *prometheus.CounterVec

	// Journal: заполненность буфера (backpressure)
	JournalBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		CommandsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentops_commands_total",
			Help: "Total number of lifecycle commands applied by this instance.",
		}, []string{"command", "result"}), // result: ok, error, ignored

		CommandDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentops_command_duration_seconds",
			Help:    "Histogram of lifecycle command latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"command"}),

		ManagedAgents: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "agentops_managed_agents",
			Help: "Number of agents held by the local lifecycle manager.",
		}),

		RunnerHealthFailures: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentops_runner_health_failures_total",
			Help: "Health checks that reported an unhealthy runner.",
		}, []string{"framework"}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentops_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=open, 0.5=half-open).",
		}, []string{"name"}),

		ApprovalsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentops_approvals_total",
			Help: "Approval requests by outcome.",
		}, []string{"status"}), // created, approved, rejected, expired, cancelled

		GateDecisions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentops_gate_decisions_total",
			Help: "Gate evaluations by decision.",
		}, []string{"decision"}), // proceed, blocked, auto_approve, refused, error

		GateDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentops_gate_duration_seconds",
			Help:    "Histogram of gate evaluation latencies.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"decision"}),

		WebhookDeliveries: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentops_webhook_deliveries_total",
			Help: "Finished webhook deliveries by event and final status.",
		}, []string{"event", "status"}),

		WebhookAttempts: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentops_webhook_attempts_total",
			Help: "Individual webhook HTTP attempts.",
		}, []string{"result"}),

		BusDecodeErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentops_bus_decode_errors_total",
			Help: "Bus messages dropped because they could not be decoded.",
		}, []string{"channel"}),

		JournalBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "agentops_journal_buffer_utilization",
			Help: "Current number of events in the lifecycle journal buffer.",
		}),
	}
}
