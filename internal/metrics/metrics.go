package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the Prometheus instruments used by the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	CallAttempts     *prometheus.CounterVec
	SessionOutcomes  *prometheus.CounterVec
	PaymentOps       *prometheus.CounterVec
	WebhookEvents    *prometheus.CounterVec
	TaskDispatches   *prometheus.CounterVec
	ExternalDuration *prometheus.HistogramVec
	BreakerState     *prometheus.GaugeVec
	SagaDuration     prometheus.Histogram
}

func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		CallAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_attempts_total",
			Help:      "Outbound dial attempts by participant role and outcome.",
		}, []string{"role", "outcome"}),
		SessionOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_outcomes_total",
			Help:      "Call sessions reaching a terminal status.",
		}, []string{"status"}),
		PaymentOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_operations_total",
			Help:      "Payment gateway operations by type and result.",
		}, []string{"op", "result"}),
		WebhookEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Inbound webhook events by source and event type.",
		}, []string{"source", "event"}),
		TaskDispatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_dispatches_total",
			Help:      "Scheduled task callbacks by result.",
		}, []string{"result"}),
		ExternalDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "external_call_duration_seconds",
			Help:      "Latency of calls to external services.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service", "op"}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_open",
			Help:      "1 when the named circuit breaker is open.",
		}, []string{"name"}),
		SagaDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "saga_duration_seconds",
			Help:      "Wall-clock time from saga start to dialing outcome.",
			Buckets:   []float64{15, 30, 60, 120, 180, 240, 300, 420},
		}),
	}
}

func (m *Metrics) Attempt(role, outcome string) {
	if m == nil {
		return
	}
	m.CallAttempts.WithLabelValues(role, outcome).Inc()
}

func (m *Metrics) SessionOutcome(status string) {
	if m == nil {
		return
	}
	m.SessionOutcomes.WithLabelValues(status).Inc()
}

func (m *Metrics) PaymentOp(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.PaymentOps.WithLabelValues(op, result).Inc()
}

func (m *Metrics) Webhook(source, event string) {
	if m == nil {
		return
	}
	m.WebhookEvents.WithLabelValues(source, event).Inc()
}

func (m *Metrics) TaskDispatch(result string) {
	if m == nil {
		return
	}
	m.TaskDispatches.WithLabelValues(result).Inc()
}

// ObserveExternal records the latency of one external call started at start.
func (m *Metrics) ObserveExternal(service, op string, start time.Time) {
	if m == nil {
		return
	}
	m.ExternalDuration.WithLabelValues(service, op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) BreakerOpen(name string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	m.BreakerState.WithLabelValues(name).Set(v)
}

func (m *Metrics) ObserveSaga(d time.Duration) {
	if m == nil {
		return
	}
	m.SagaDuration.Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
