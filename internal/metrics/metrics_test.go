package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.LoginOutcome("active")
	m.LoginOutcome("active")
	m.Activation("emergency")
	m.AuditFailure()
	m.RequestsExpired(3)
	m.RequestsExpired(0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.loginOutcomes.WithLabelValues("active")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activations.WithLabelValues("emergency")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.auditFailures))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.expiredRequests))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.LoginOutcome("active")
		m.AuditFailure()
		m.PresenceDenied("ssid_not_registered")
	})
}
