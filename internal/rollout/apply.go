package rollout

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fleetpress/fleetpress/internal/baseline"
	"github.com/fleetpress/fleetpress/internal/core"
	"github.com/fleetpress/fleetpress/internal/runtime"
)

// Applier is the single "apply a baseline to one tenant" primitive. The
// rollout coordinator, the canary gate and the self-healing convergence path
// all share it, so the three paths cannot drift apart.
type Applier struct {
	adapter runtime.Adapter
	timeout time.Duration
	logger  *zap.Logger
}

func NewApplier(adapter runtime.Adapter, timeout time.Duration, logger *zap.Logger) *Applier {
	return &Applier{
		adapter: adapter,
		timeout: timeout,
		logger:  logger,
	}
}

// Apply moves one tenant from one baseline to another, touching only the
// delta between the two. A nil from applies the full target. Applying a
// baseline a tenant already runs is a no-op, which is what makes retries and
// the convergence path safe.
func (a *Applier) Apply(ctx context.Context, domain string, from, to *core.Baseline) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	if from == nil {
		from = &core.Baseline{Options: map[string]string{}}
	}
	diff := baseline.Compare(from, to)
	if diff.Empty() {
		return nil
	}

	start := time.Now()

	if len(diff.Removed) > 0 {
		ids := make([]string, 0, len(diff.Removed))
		for _, ext := range diff.Removed {
			ids = append(ids, ext.ID)
		}
		if err := a.adapter.DeactivateExtensions(ctx, domain, ids); err != nil {
			return &core.TenantApplyError{Tenant: domain, Err: err}
		}
	}

	if len(diff.Added) > 0 || len(diff.OriginChanged) > 0 {
		ids := []string{}
		for _, ext := range diff.Added {
			ids = append(ids, ext.ID)
		}
		for _, ext := range diff.OriginChanged {
			ids = append(ids, ext.ID)
		}
		if err := a.adapter.ActivateExtensions(ctx, domain, ids); err != nil {
			return &core.TenantApplyError{Tenant: domain, Err: err}
		}
	}

	if diff.ThemeChanged {
		if err := a.adapter.SetTheme(ctx, domain, to.Theme); err != nil {
			return &core.TenantApplyError{Tenant: domain, Err: err}
		}
	}

	if diff.OptionsChanged {
		if err := a.adapter.SetOptions(ctx, domain, to.Options); err != nil {
			return &core.TenantApplyError{Tenant: domain, Err: err}
		}
	}

	a.logger.Debug("Applied baseline delta",
		zap.String("domain", domain),
		zap.Int64("from_version", from.Version),
		zap.Int64("to_version", to.Version),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}
