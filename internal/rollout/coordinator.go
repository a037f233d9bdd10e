package rollout

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fleetpress/fleetpress/internal/cache"
	"github.com/fleetpress/fleetpress/internal/core"
	"github.com/fleetpress/fleetpress/internal/events"
	"github.com/fleetpress/fleetpress/internal/fleet"
	"github.com/fleetpress/fleetpress/internal/metrics"
)

// TenantState is the per-tenant rollout state machine.
type TenantState string

const (
	StatePending          TenantState = "pending"
	StateApplying         TenantState = "applying"
	StateApplied          TenantState = "applied"
	StateQuarantineFailed TenantState = "quarantine_failed"
)

type Options struct {
	// RetryQuarantined includes tenants quarantined by a prior rollout
	// instead of skipping them.
	RetryQuarantined bool
}

// BaselineResolver looks up a historic baseline version.
type BaselineResolver func(version int64) (*core.Baseline, error)

// Coordinator pushes a committed baseline across the fleet with a bounded
// worker pool. Failure isolation is per tenant: one broken tenant is
// quarantined and the rest of the pass continues.
type Coordinator struct {
	registry    *fleet.Registry
	applier     *Applier
	invalidator cache.Invalidator
	events      events.Publisher
	metrics     *metrics.Collector
	logger      *zap.Logger
	workers     int
	limiter     *rate.Limiter
	resolver    BaselineResolver
}

func NewCoordinator(
	registry *fleet.Registry,
	applier *Applier,
	invalidator cache.Invalidator,
	publisher events.Publisher,
	collector *metrics.Collector,
	resolver BaselineResolver,
	logger *zap.Logger,
	workers int,
	ratePerSecond float64,
) *Coordinator {
	if workers < 1 {
		workers = 1
	}
	return &Coordinator{
		registry:    registry,
		applier:     applier,
		invalidator: invalidator,
		events:      publisher,
		metrics:     collector,
		resolver:    resolver,
		logger:      logger,
		workers:     workers,
		limiter:     rate.NewLimiter(rate.Limit(ratePerSecond), 1),
	}
}

type job struct {
	tenant *core.TenantRecord
}

// Rollout applies the target baseline to every eligible tenant. Cancelling
// ctx stops scheduling further tenants; applies already dispatched run to
// completion or failure. After the pass one global cache invalidation is
// issued regardless of fleet size.
func (c *Coordinator) Rollout(ctx context.Context, target *core.Baseline, releaseName string, opts Options) (*core.RolloutReport, error) {
	tenants, err := c.registry.List()
	if err != nil {
		return nil, err
	}

	report := &core.RolloutReport{
		ID:              uuid.New().String(),
		Release:         releaseName,
		BaselineVersion: target.Version,
		Applied:         []string{},
		Quarantined:     []core.QuarantinedTenant{},
		Skipped:         []string{},
		StartedAt:       time.Now().UTC(),
	}

	eligible := []*core.TenantRecord{}
	for _, tenant := range tenants {
		if !tenant.Enabled {
			report.Skipped = append(report.Skipped, tenant.Domain)
			continue
		}
		if tenant.Quarantined && !opts.RetryQuarantined {
			report.Skipped = append(report.Skipped, tenant.Domain)
			continue
		}
		eligible = append(eligible, tenant)
	}

	c.logger.Info("Starting rollout",
		zap.String("rollout_id", report.ID),
		zap.Int64("baseline_version", target.Version),
		zap.String("release", releaseName),
		zap.Int("tenants", len(eligible)),
		zap.Int("skipped", len(report.Skipped)),
	)

	jobs := make(chan job)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			logger := c.logger.With(zap.Int("worker_id", id), zap.String("rollout_id", report.ID))

			for j := range jobs {
				outcome := c.applyOne(ctx, j.tenant, target, releaseName, opts, logger)

				mu.Lock()
				switch outcome.state {
				case StateApplied:
					report.Applied = append(report.Applied, j.tenant.Domain)
				case StateQuarantineFailed:
					report.Quarantined = append(report.Quarantined, core.QuarantinedTenant{
						Domain: j.tenant.Domain,
						Reason: outcome.reason,
					})
				}
				mu.Unlock()
			}
		}(i)
	}

	// Dispatch. An aborted context stops scheduling further tenants but
	// never interrupts an apply already handed to a worker.
dispatch:
	for _, tenant := range eligible {
		if err := c.limiter.Wait(ctx); err != nil {
			c.logger.Warn("Rollout aborted, no further tenants scheduled",
				zap.String("rollout_id", report.ID),
			)
			break dispatch
		}
		select {
		case jobs <- job{tenant: tenant}:
		case <-ctx.Done():
			c.logger.Warn("Rollout aborted, no further tenants scheduled",
				zap.String("rollout_id", report.ID),
			)
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	report.FinishedAt = time.Now().UTC()

	// One coarse invalidation for the whole fleet. Detached from ctx so an
	// aborted rollout still flushes whatever it already changed.
	if err := c.invalidator.InvalidateAll(context.WithoutCancel(ctx)); err != nil {
		c.logger.Error("Global cache invalidation failed", zap.Error(err))
	}

	result := "completed"
	if len(report.Quarantined) > 0 {
		result = "partial"
	}
	c.metrics.RolloutsTotal.WithLabelValues(result).Inc()
	c.metrics.BaselineVersion.Set(float64(target.Version))
	c.events.RolloutFinished(report)

	c.logger.Info("Rollout finished",
		zap.String("rollout_id", report.ID),
		zap.Int("applied", len(report.Applied)),
		zap.Int("quarantined", len(report.Quarantined)),
		zap.Int("skipped", len(report.Skipped)),
		zap.Duration("duration", report.FinishedAt.Sub(report.StartedAt)),
	)
	return report, nil
}

type outcome struct {
	state  TenantState
	reason string
}

func (c *Coordinator) applyOne(ctx context.Context, tenant *core.TenantRecord, target *core.Baseline, releaseName string, opts Options, logger *zap.Logger) outcome {
	logger.Debug("Tenant state change",
		zap.String("domain", tenant.Domain),
		zap.String("state", string(StateApplying)),
	)

	if opts.RetryQuarantined && tenant.Quarantined {
		if err := c.registry.Unquarantine(tenant.Domain); err != nil {
			return outcome{state: StateQuarantineFailed, reason: err.Error()}
		}
	}

	start := time.Now()

	// Once applying, the tenant runs to completion or failure; only the
	// per-apply timeout can interrupt it.
	applyCtx := context.WithoutCancel(ctx)
	err := c.applier.Apply(applyCtx, tenant.Domain, c.recordedBaseline(tenant), target)
	c.metrics.ApplyDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		c.metrics.TenantAppliesTotal.WithLabelValues("quarantined").Inc()
		logger.Warn("Tenant apply failed, quarantining",
			zap.String("domain", tenant.Domain),
			zap.Error(err),
		)
		if qerr := c.registry.Quarantine(tenant.Domain, err.Error()); qerr != nil {
			logger.Error("Failed to record quarantine",
				zap.String("domain", tenant.Domain),
				zap.Error(qerr),
			)
		}
		c.events.TenantQuarantined(tenant.Domain, err.Error())
		return outcome{state: StateQuarantineFailed, reason: err.Error()}
	}

	if err := c.registry.MarkApplied(tenant.Domain, releaseName, target.Version); err != nil {
		logger.Error("Failed to record applied version",
			zap.String("domain", tenant.Domain),
			zap.Error(err),
		)
	}
	c.metrics.TenantAppliesTotal.WithLabelValues("applied").Inc()
	return outcome{state: StateApplied}
}

// recordedBaseline reconstructs the baseline the tenant last applied so the
// applier only touches the delta. Unknown history means a full apply.
func (c *Coordinator) recordedBaseline(tenant *core.TenantRecord) *core.Baseline {
	if tenant.BaselineVersion == 0 || c.resolver == nil {
		return nil
	}
	prior, err := c.resolver(tenant.BaselineVersion)
	if err != nil {
		return nil
	}
	return prior
}
