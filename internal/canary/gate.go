package canary

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fleetpress/fleetpress/internal/core"
	"github.com/fleetpress/fleetpress/internal/fleet"
	"github.com/fleetpress/fleetpress/internal/metrics"
	"github.com/fleetpress/fleetpress/internal/rollout"
	"github.com/fleetpress/fleetpress/internal/runtime"
)

// Gate validates a candidate baseline against one designated tenant before
// the coordinator is allowed to touch the rest of the fleet. A failed gate
// leaves the candidate committed in its store; it only blocks propagation.
type Gate struct {
	registry *fleet.Registry
	applier  *rollout.Applier
	adapter  runtime.Adapter
	resolver rollout.BaselineResolver
	metrics  *metrics.Collector
	logger   *zap.Logger
}

func NewGate(registry *fleet.Registry, applier *rollout.Applier, adapter runtime.Adapter, resolver rollout.BaselineResolver, collector *metrics.Collector, logger *zap.Logger) *Gate {
	return &Gate{
		registry: registry,
		applier:  applier,
		adapter:  adapter,
		resolver: resolver,
		metrics:  collector,
		logger:   logger,
	}
}

// Validate applies the candidate to the canary tenant with the same apply
// primitive used for production, then runs the health probe. Force mode
// bypasses the gate entirely and is logged distinctly from a normal pass.
func (g *Gate) Validate(ctx context.Context, target *core.Baseline, canaryDomain string, force bool) error {
	if force {
		g.metrics.CanaryChecksTotal.WithLabelValues("bypassed").Inc()
		g.logger.Warn("Canary gate bypassed by operator override",
			zap.Int64("baseline_version", target.Version),
		)
		return nil
	}

	tenant, err := g.registry.Get(canaryDomain)
	if err != nil {
		return &core.CanaryError{Tenant: canaryDomain, Reason: "canary tenant not registered"}
	}

	from := g.recordedBaseline(tenant)
	if err := g.applier.Apply(ctx, canaryDomain, from, target); err != nil {
		g.metrics.CanaryChecksTotal.WithLabelValues("failed").Inc()
		return &core.CanaryError{Tenant: canaryDomain, Reason: err.Error()}
	}

	if err := g.probe(ctx, canaryDomain, target); err != nil {
		g.metrics.CanaryChecksTotal.WithLabelValues("failed").Inc()
		return &core.CanaryError{Tenant: canaryDomain, Reason: err.Error()}
	}

	if err := g.registry.MarkApplied(canaryDomain, "", target.Version); err != nil {
		g.logger.Error("Failed to record canary version",
			zap.String("domain", canaryDomain),
			zap.Error(err),
		)
	}

	g.metrics.CanaryChecksTotal.WithLabelValues("passed").Inc()
	g.logger.Info("Canary gate passed",
		zap.String("domain", canaryDomain),
		zap.Int64("baseline_version", target.Version),
	)
	return nil
}

// probe is the fixed health check: the tenant responds, and every extension
// the baseline expects reports active.
func (g *Gate) probe(ctx context.Context, domain string, target *core.Baseline) error {
	if !g.adapter.IsHealthy(ctx, domain) {
		return fmt.Errorf("health probe failed")
	}

	active, err := g.adapter.ActiveExtensions(ctx, domain)
	if err != nil {
		return fmt.Errorf("could not read active extensions: %v", err)
	}

	activeSet := map[string]bool{}
	for _, id := range active {
		activeSet[id] = true
	}
	for _, ext := range target.Extensions {
		if !activeSet[ext.ID] {
			return fmt.Errorf("extension %s expected active but is not", ext.ID)
		}
	}
	return nil
}

// recordedBaseline resolves the canary's last applied version. A nil result
// makes the applier apply the full target.
func (g *Gate) recordedBaseline(tenant *core.TenantRecord) *core.Baseline {
	if tenant.BaselineVersion == 0 || g.resolver == nil {
		return nil
	}
	prior, err := g.resolver(tenant.BaselineVersion)
	if err != nil {
		return nil
	}
	return prior
}
