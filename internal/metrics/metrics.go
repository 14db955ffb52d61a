package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is nil-safe: a nil *Metrics records nothing.
type Metrics struct {
	loginOutcomes    *prometheus.CounterVec
	activations      *prometheus.CounterVec
	auditFailures    prometheus.Counter
	presenceDenials  *prometheus.CounterVec
	expiredRequests  prometheus.Counter
	lockoutFailOpens prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		loginOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "device_auth",
			Name:      "login_outcomes_total",
			Help:      "Student login attempts by resulting device status or error code.",
		}, []string{"status"}),
		activations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "device_auth",
			Name:      "activations_total",
			Help:      "Device activations by path (first_device, dual_gate, emergency).",
		}, []string{"path"}),
		auditFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "device_auth",
			Name:      "audit_failures_total",
			Help:      "Activity log writes that failed and were dropped.",
		}),
		presenceDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "device_auth",
			Name:      "presence_denials_total",
			Help:      "Campus presence checks that denied a new device registration.",
		}, []string{"reason"}),
		expiredRequests: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "device_auth",
			Name:      "expired_requests_total",
			Help:      "Pending switch requests auto-rejected after expiry.",
		}),
		lockoutFailOpens: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "device_auth",
			Name:      "lockout_store_errors_total",
			Help:      "Lockout store errors that let a login proceed unchecked.",
		}),
	}
}

func (m *Metrics) LoginOutcome(status string) {
	if m == nil {
		return
	}
	m.loginOutcomes.WithLabelValues(status).Inc()
}

func (m *Metrics) Activation(path string) {
	if m == nil {
		return
	}
	m.activations.WithLabelValues(path).Inc()
}

func (m *Metrics) AuditFailure() {
	if m == nil {
		return
	}
	m.auditFailures.Inc()
}

func (m *Metrics) PresenceDenied(reason string) {
	if m == nil {
		return
	}
	m.presenceDenials.WithLabelValues(reason).Inc()
}

func (m *Metrics) RequestsExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.expiredRequests.Add(float64(n))
}

func (m *Metrics) LockoutStoreError() {
	if m == nil {
		return
	}
	m.lockoutFailOpens.Inc()
}
