package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fleetpress/fleetpress/internal/baseline"
	"github.com/fleetpress/fleetpress/internal/cache"
	"github.com/fleetpress/fleetpress/internal/canary"
	"github.com/fleetpress/fleetpress/internal/config"
	"github.com/fleetpress/fleetpress/internal/core"
	"github.com/fleetpress/fleetpress/internal/events"
	"github.com/fleetpress/fleetpress/internal/fleet"
	"github.com/fleetpress/fleetpress/internal/release"
	"github.com/fleetpress/fleetpress/internal/rollout"
)

const initializedKey = "initialized"

type configStore interface {
	SetConfig(key, value string) error
	GetConfig(key string) (string, error)
}

// CoreSource materializes a core release into a staging directory and
// reports the source version label. Downloading the actual artifact is
// external plumbing behind this interface.
type CoreSource interface {
	Materialize(ctx context.Context, dir string) (string, error)
}

// Service wires the stores, the canary gate and the coordinator into the
// operator-facing operations. Fleet mutations are serialized: a proposal or
// core update arriving while another is in flight is rejected with
// ErrConcurrentMutation instead of being interleaved.
type Service struct {
	releases    *release.Store
	baselines   *baseline.Store
	registry    *fleet.Registry
	gate        *canary.Gate
	coordinator *rollout.Coordinator
	invalidator cache.Invalidator
	events      events.Publisher
	configStore configStore
	coreSource  CoreSource
	cfg         *config.Config
	logger      *zap.Logger

	mutation sync.Mutex
}

func NewService(
	releases *release.Store,
	baselines *baseline.Store,
	registry *fleet.Registry,
	gate *canary.Gate,
	coordinator *rollout.Coordinator,
	invalidator cache.Invalidator,
	publisher events.Publisher,
	configStore configStore,
	coreSource CoreSource,
	cfg *config.Config,
	logger *zap.Logger,
) *Service {
	return &Service{
		releases:    releases,
		baselines:   baselines,
		registry:    registry,
		gate:        gate,
		coordinator: coordinator,
		invalidator: invalidator,
		events:      publisher,
		configStore: configStore,
		coreSource:  coreSource,
		cfg:         cfg,
		logger:      logger,
	}
}

func (s *Service) Initialized() bool {
	value, err := s.configStore.GetConfig(initializedKey)
	return err == nil && value == "true"
}

func (s *Service) requireInitialized() error {
	if !s.Initialized() {
		return core.ErrNotInitialized
	}
	return nil
}

// lockMutation serializes fleet mutations. A second proposal arriving during
// an in-flight rollout is rejected, never merged.
func (s *Service) lockMutation() error {
	if !s.mutation.TryLock() {
		return core.ErrConcurrentMutation
	}
	return nil
}

// Init sets up the shared infrastructure: directory layout, first release,
// initial baseline version 1.
func (s *Service) Init(ctx context.Context, desired baseline.DesiredState) error {
	if err := s.lockMutation(); err != nil {
		return err
	}
	defer s.mutation.Unlock()

	if s.Initialized() {
		return fmt.Errorf("fleet infrastructure already initialized")
	}

	if err := s.releases.InitLayout(); err != nil {
		return err
	}

	rel, err := s.createRelease(ctx)
	if err != nil {
		return err
	}
	if err := s.releases.Activate(rel.Name); err != nil {
		return err
	}

	if _, _, err := s.baselines.Propose(ctx, desired); err != nil {
		return err
	}

	if err := s.configStore.SetConfig(initializedKey, "true"); err != nil {
		return err
	}

	s.events.ReleaseActivated(rel.Name)
	s.logger.Info("Fleet infrastructure initialized",
		zap.String("release", rel.Name),
	)
	return nil
}

func (s *Service) createRelease(ctx context.Context) (*core.Release, error) {
	return s.releases.CreateRelease(func(dir string) (string, error) {
		return s.coreSource.Materialize(ctx, dir)
	})
}

// UpdateCore creates a new release, refreshes the baseline extensions,
// validates via the canary gate and only then switches the active pointer.
// A canary failure leaves the new release on disk but the pointer unchanged
// and zero tenants touched.
func (s *Service) UpdateCore(ctx context.Context, force bool) (*core.RolloutReport, error) {
	if err := s.requireInitialized(); err != nil {
		return nil, err
	}
	if err := s.lockMutation(); err != nil {
		return nil, err
	}
	defer s.mutation.Unlock()

	rel, err := s.createRelease(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.baselines.RefreshExtensions(ctx); err != nil {
		return nil, err
	}

	current, err := s.baselines.Current()
	if err != nil {
		return nil, err
	}

	if err := s.validateCanary(ctx, current, force); err != nil {
		return nil, err
	}

	if err := s.releases.Activate(rel.Name); err != nil {
		return nil, err
	}
	s.events.ReleaseActivated(rel.Name)

	// Bump the baseline so every tenant reapplies against the new core.
	bumped, err := s.baselines.ForceBump(fmt.Sprintf("activated core release %s", rel.Name))
	if err != nil {
		return nil, err
	}
	s.events.BaselineCommitted(bumped.Version, fmt.Sprintf("activated core release %s", rel.Name))

	report, err := s.coordinator.Rollout(ctx, bumped, rel.Name, rollout.Options{})
	if err != nil {
		return nil, err
	}

	if err := s.releases.Prune(s.cfg.Shared.KeepReleases); err != nil {
		s.logger.Warn("Release pruning failed", zap.Error(err))
	}
	return report, nil
}

// RollbackCore re-activates the immediately prior release. The switch is the
// same O(1) pointer rewrite as activation, followed by one global cache
// invalidation.
func (s *Service) RollbackCore(ctx context.Context) (*core.Release, error) {
	if err := s.requireInitialized(); err != nil {
		return nil, err
	}
	if err := s.lockMutation(); err != nil {
		return nil, err
	}
	defer s.mutation.Unlock()

	prior, err := s.releases.Rollback()
	if err != nil {
		return nil, err
	}

	if err := s.invalidator.InvalidateAll(ctx); err != nil {
		s.logger.Error("Global cache invalidation failed", zap.Error(err))
	}
	s.events.ReleaseActivated(prior.Name)
	return prior, nil
}

// ProposeBaseline commits the desired state as a new version if it differs
// from the current baseline. With applyNow the committed version is
// canary-validated and rolled out in the same call.
func (s *Service) ProposeBaseline(ctx context.Context, desired baseline.DesiredState, applyNow, force bool) (*core.Baseline, *core.RolloutReport, error) {
	if err := s.requireInitialized(); err != nil {
		return nil, nil, err
	}
	if err := s.lockMutation(); err != nil {
		return nil, nil, err
	}
	defer s.mutation.Unlock()

	proposed, changed, err := s.baselines.Propose(ctx, desired)
	if err != nil {
		return nil, nil, err
	}
	if !changed {
		s.logger.Info("Baseline proposal produced no changes",
			zap.Int64("version", proposed.Version),
		)
		return proposed, nil, nil
	}

	entry, err := s.baselines.AuditAt(proposed.Version)
	if err == nil {
		s.events.BaselineCommitted(proposed.Version, entry.Description)
	}

	if !applyNow {
		return proposed, nil, nil
	}

	report, err := s.applyLocked(ctx, proposed, force)
	if err != nil {
		return proposed, nil, err
	}
	return proposed, report, nil
}

// ApplyBaseline pushes the current baseline across the fleet, canary first.
func (s *Service) ApplyBaseline(ctx context.Context, force, retryQuarantined bool) (*core.RolloutReport, error) {
	if err := s.requireInitialized(); err != nil {
		return nil, err
	}
	if err := s.lockMutation(); err != nil {
		return nil, err
	}
	defer s.mutation.Unlock()

	current, err := s.baselines.Current()
	if err != nil {
		return nil, err
	}

	if retryQuarantined {
		if err := s.validateCanary(ctx, current, force); err != nil {
			return nil, err
		}
		return s.coordinator.Rollout(ctx, current, "", rollout.Options{RetryQuarantined: true})
	}
	return s.applyLocked(ctx, current, force)
}

func (s *Service) applyLocked(ctx context.Context, target *core.Baseline, force bool) (*core.RolloutReport, error) {
	if err := s.validateCanary(ctx, target, force); err != nil {
		return nil, err
	}
	return s.coordinator.Rollout(ctx, target, "", rollout.Options{})
}

func (s *Service) validateCanary(ctx context.Context, target *core.Baseline, force bool) error {
	if s.cfg.Canary.Tenant == "" {
		if force {
			s.logger.Warn("No canary tenant configured, gate bypassed by force")
			return nil
		}
		return &core.CanaryError{Reason: "no canary tenant configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Canary.Timeout)
	defer cancel()
	return s.gate.Validate(ctx, target, s.cfg.Canary.Tenant, force)
}

// RollbackBaseline restores the configuration of a prior version by rolling
// forward: the target version's state is re-proposed as a new version.
// Intervening versions stay in history untouched.
func (s *Service) RollbackBaseline(ctx context.Context, toVersion int64, apply, force bool) (*core.Baseline, *core.RolloutReport, error) {
	if err := s.requireInitialized(); err != nil {
		return nil, nil, err
	}

	target, err := s.baselines.At(toVersion)
	if err != nil {
		return nil, nil, err
	}

	desired := baseline.DesiredState{
		Extensions: target.Extensions,
		Theme:      target.Theme,
		Options:    target.Options,
	}
	return s.ProposeBaseline(ctx, desired, apply, force)
}

// Validate recomputes the fleet convergence report without mutating anything.
func (s *Service) Validate() (*fleet.FleetState, error) {
	if err := s.requireInitialized(); err != nil {
		return nil, err
	}

	current, err := s.baselines.Current()
	if err != nil {
		return nil, err
	}

	var releaseName string
	if rel, err := s.releases.Current(); err == nil {
		releaseName = rel.Name
	}
	return s.registry.Validate(releaseName, current.Version)
}

func (s *Service) CurrentBaseline() (*core.Baseline, error) {
	return s.baselines.Current()
}

func (s *Service) History(limit int) ([]*core.AuditEntry, error) {
	if limit < 1 || limit > 100 {
		limit = 20
	}
	return s.baselines.History(limit)
}

// Status summarizes the infrastructure for the operator surface.
type Status struct {
	Initialized     bool              `json:"initialized"`
	CurrentRelease  *core.Release     `json:"current_release,omitempty"`
	Releases        []*core.Release   `json:"releases,omitempty"`
	BaselineVersion int64             `json:"baseline_version"`
	Fleet           *fleet.FleetState `json:"fleet,omitempty"`
}

func (s *Service) Status() (*Status, error) {
	status := &Status{Initialized: s.Initialized()}
	if !status.Initialized {
		return status, nil
	}

	if rel, err := s.releases.Current(); err == nil {
		status.CurrentRelease = rel
	}
	if releases, err := s.releases.Releases(); err == nil {
		status.Releases = releases
	}
	if current, err := s.baselines.Current(); err == nil {
		status.BaselineVersion = current.Version
	}
	if state, err := s.Validate(); err == nil {
		status.Fleet = state
	}
	return status, nil
}
