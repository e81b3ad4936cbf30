package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all application metrics
type Metrics struct {
	// Event bus metrics
	EventsPublished    *prometheus.CounterVec
	EventsHandled      *prometheus.CounterVec
	EventRetries       *prometheus.CounterVec
	EventsDeadLettered *prometheus.CounterVec
	HandlerDuration    *prometheus.HistogramVec

	// Payment metrics
	PaymentsTotal   *prometheus.CounterVec
	PaymentDuration *prometheus.HistogramVec

	// Saga metrics
	SagasTotal    *prometheus.CounterVec
	SagaSteps     *prometheus.CounterVec
	Compensations *prometheus.CounterVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
}

// NewMetrics creates and registers all metrics against the given registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := prometheus.WrapRegistererWith(nil, reg)

	m := &Metrics{
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Total number of events published by subject",
			},
			[]string{"subject"},
		),
		EventsHandled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_handled_total",
				Help:      "Total number of events handled by subject and outcome",
			},
			[]string{"subject", "outcome"},
		),
		EventRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "event_retries_total",
				Help:      "Total number of event redeliveries scheduled",
			},
			[]string{"subject"},
		),
		EventsDeadLettered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_dead_lettered_total",
				Help:      "Total number of events sent to a dead letter queue",
			},
			[]string{"subject"},
		),
		HandlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "event_handler_duration_seconds",
				Help:      "Event handler duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"subject"},
		),
		PaymentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payments_total",
				Help:      "Total number of payments by final status",
			},
			[]string{"status"},
		),
		PaymentDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "payment_duration_seconds",
				Help:      "Payment processing duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"status"},
		),
		SagasTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sagas_total",
				Help:      "Total number of sagas by final state",
			},
			[]string{"state"},
		),
		SagaSteps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "saga_steps_total",
				Help:      "Total number of saga steps by step and outcome",
			},
			[]string{"step", "outcome"},
		),
		Compensations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "saga_compensations_total",
				Help:      "Total number of compensation requests by step",
			},
			[]string{"step"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),
	}

	// Register all collectors
	factory.MustRegister(
		m.EventsPublished,
		m.EventsHandled,
		m.EventRetries,
		m.EventsDeadLettered,
		m.HandlerDuration,
		m.PaymentsTotal,
		m.PaymentDuration,
		m.SagasTotal,
		m.SagaSteps,
		m.Compensations,
		m.CircuitBreakerState,
	)

	return m
}

// EventPublished satisfies the bus metrics sink.
func (m *Metrics) EventPublished(subject string) {
	m.EventsPublished.WithLabelValues(subject).Inc()
}

func (m *Metrics) EventHandled(subject string, success bool, elapsed time.Duration) {
	outcome := "ok"
	if !success {
		outcome = "error"
	}
	m.EventsHandled.WithLabelValues(subject, outcome).Inc()
	m.HandlerDuration.WithLabelValues(subject).Observe(elapsed.Seconds())
}

func (m *Metrics) EventRetried(subject string) {
	m.EventRetries.WithLabelValues(subject).Inc()
}

func (m *Metrics) EventDeadLettered(subject string) {
	m.EventsDeadLettered.WithLabelValues(subject).Inc()
}

// PaymentDecided satisfies the payment use cases' metrics sink.
func (m *Metrics) PaymentDecided(status string, elapsed time.Duration) {
	m.PaymentsTotal.WithLabelValues(status).Inc()
	m.PaymentDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

// SagaStepCompleted satisfies the orchestrator's metrics sink.
func (m *Metrics) SagaStepCompleted(step string) {
	m.SagaSteps.WithLabelValues(step, "ok").Inc()
}

func (m *Metrics) SagaEnded(state string) {
	m.SagasTotal.WithLabelValues(state).Inc()
}

func (m *Metrics) CompensationRequested(step string) {
	m.Compensations.WithLabelValues(step).Inc()
}

// BreakerStateChanged maps gobreaker state names onto the gauge.
func (m *Metrics) BreakerStateChanged(name, state string) {
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}
