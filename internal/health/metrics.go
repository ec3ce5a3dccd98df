package health

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bnema/stackpilot/internal/probe"
)

// Metrics contains Prometheus collectors for health checking.
type Metrics struct {
	probeDuration *prometheus.HistogramVec
	instanceUp    *prometheus.GaugeVec
	roleHealthy   *prometheus.GaugeVec
	roleTotal     *prometheus.GaugeVec
	checksTotal   *prometheus.CounterVec
}

// NewMetrics creates the health collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		probeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stackpilot_probe_duration_seconds",
				Help:    "Duration of individual health probes",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"role", "instance"},
		),

		instanceUp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "stackpilot_instance_up",
				Help: "Whether the last probe of the instance succeeded (1) or failed (0)",
			},
			[]string{"role", "instance"},
		),

		roleHealthy: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "stackpilot_role_healthy_instances",
				Help: "Healthy instance count per role from the last check pass",
			},
			[]string{"role"},
		),

		roleTotal: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "stackpilot_role_total_instances",
				Help: "Registered instance count per role from the last check pass",
			},
			[]string{"role"},
		),

		checksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stackpilot_checks_total",
				Help: "Total number of completed check passes by verdict",
			},
			[]string{"verdict"},
		),
	}
}

// Observe records one completed check pass.
func (m *Metrics) Observe(results []probe.Result, verdict *Verdict) {
	for _, res := range results {
		labels := prometheus.Labels{
			"role":     string(res.Instance.Role),
			"instance": res.Instance.Key(),
		}
		m.probeDuration.With(labels).Observe(res.Latency.Seconds())
		if res.Healthy {
			m.instanceUp.With(labels).Set(1)
		} else {
			m.instanceUp.With(labels).Set(0)
		}
	}

	for role, rh := range verdict.PerRole {
		m.roleHealthy.WithLabelValues(string(role)).Set(float64(rh.Healthy))
		m.roleTotal.WithLabelValues(string(role)).Set(float64(rh.Total))
	}

	m.checksTotal.WithLabelValues(string(verdict.Overall)).Inc()
}
