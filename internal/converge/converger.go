package converge

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/fleetpress/fleetpress/internal/baseline"
	"github.com/fleetpress/fleetpress/internal/core"
	"github.com/fleetpress/fleetpress/internal/fleet"
	"github.com/fleetpress/fleetpress/internal/metrics"
	"github.com/fleetpress/fleetpress/internal/rollout"
)

// Converger is the decentralized self-healing path: each tenant is lazily
// compared against the current baseline on its own activity and upgraded if
// behind. It runs independently of the rollout coordinator and guarantees
// eventual convergence for tenants a rollout pass did not reach.
type Converger struct {
	baselines *baseline.Store
	registry  *fleet.Registry
	applier   *rollout.Applier
	metrics   *metrics.Collector
	logger    *zap.Logger
}

func NewConverger(baselines *baseline.Store, registry *fleet.Registry, applier *rollout.Applier, collector *metrics.Collector, logger *zap.Logger) *Converger {
	return &Converger{
		baselines: baselines,
		registry:  registry,
		applier:   applier,
		metrics:   collector,
		logger:    logger,
	}
}

// MaybeConverge upgrades one tenant to the current baseline if it is behind.
// Only the delta between the tenant's recorded version and the current one
// is applied. Quarantined and disabled tenants are left alone.
func (c *Converger) MaybeConverge(ctx context.Context, domain string) error {
	tenant, err := c.registry.Get(domain)
	if err != nil {
		return err
	}
	if tenant.Quarantined || !tenant.Enabled {
		return nil
	}

	current, err := c.baselines.Current()
	if err != nil {
		return err
	}
	if tenant.BaselineVersion >= current.Version {
		return nil
	}

	var from *core.Baseline
	if tenant.BaselineVersion > 0 {
		from, err = c.baselines.At(tenant.BaselineVersion)
		if errors.Is(err, core.ErrVersionNotFound) {
			// Recorded version predates retained history; do a full apply.
			from = nil
		} else if err != nil {
			return err
		}
	}

	if err := c.applier.Apply(ctx, domain, from, current); err != nil {
		c.metrics.ConvergenceRuns.WithLabelValues("failed").Inc()
		c.logger.Warn("Self-healing convergence failed",
			zap.String("domain", domain),
			zap.Int64("from_version", tenant.BaselineVersion),
			zap.Int64("to_version", current.Version),
			zap.Error(err),
		)
		return err
	}

	if err := c.registry.MarkApplied(domain, "", current.Version); err != nil {
		return err
	}

	c.metrics.ConvergenceRuns.WithLabelValues("converged").Inc()
	c.logger.Info("Tenant self-converged",
		zap.String("domain", domain),
		zap.Int64("from_version", tenant.BaselineVersion),
		zap.Int64("to_version", current.Version),
	)
	return nil
}

// Sweep runs MaybeConverge over the whole registry. Used by the converger
// daemon; per-tenant failures are logged and never stop the sweep.
func (c *Converger) Sweep(ctx context.Context) {
	tenants, err := c.registry.List()
	if err != nil {
		c.logger.Error("Failed to list tenants for convergence sweep", zap.Error(err))
		return
	}

	for _, tenant := range tenants {
		if ctx.Err() != nil {
			return
		}
		if err := c.MaybeConverge(ctx, tenant.Domain); err != nil {
			c.logger.Debug("Convergence attempt failed",
				zap.String("domain", tenant.Domain),
				zap.Error(err),
			)
		}
	}
}
