package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metricsRegistry struct {
	registrationsTotal *prometheus.CounterVec
}

func newMetricsRegistry(reg prometheus.Registerer) *metricsRegistry {
	registrations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultkeeper_registrations_total",
		Help: "Registration API calls by action and outcome",
	}, []string{"action", "status"})

	reg.MustRegister(registrations)

	return &metricsRegistry{
		registrationsTotal: registrations,
	}
}

func (m *metricsRegistry) incRegistration(action, status string) {
	m.registrationsTotal.WithLabelValues(action, status).Inc()
}
