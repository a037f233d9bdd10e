package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Collector struct {
	RolloutsTotal      *prometheus.CounterVec
	TenantAppliesTotal *prometheus.CounterVec
	ApplyDuration      prometheus.Histogram
	CanaryChecksTotal  *prometheus.CounterVec
	ConvergenceRuns    *prometheus.CounterVec
	BaselineVersion    prometheus.Gauge
	QuarantinedTenants prometheus.Gauge
}

func NewCollector() *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer)
}

func NewCollectorWith(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		RolloutsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetpress_rollouts_total",
			Help: "Rollout passes by result",
		}, []string{"result"}),
		TenantAppliesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetpress_tenant_applies_total",
			Help: "Per-tenant apply attempts by result",
		}, []string{"result"}),
		ApplyDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fleetpress_tenant_apply_duration_seconds",
			Help:    "Duration of per-tenant apply operations",
			Buckets: prometheus.DefBuckets,
		}),
		CanaryChecksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetpress_canary_checks_total",
			Help: "Canary gate validations by result (passed, failed, bypassed)",
		}, []string{"result"}),
		ConvergenceRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetpress_convergence_runs_total",
			Help: "Self-healing convergence attempts by result",
		}, []string{"result"}),
		BaselineVersion: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fleetpress_baseline_version",
			Help: "Current committed baseline version",
		}),
		QuarantinedTenants: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fleetpress_quarantined_tenants",
			Help: "Tenants currently quarantined",
		}),
	}
}
