package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fleetpress/fleetpress/internal/baseline"
	"github.com/fleetpress/fleetpress/internal/canary"
	"github.com/fleetpress/fleetpress/internal/config"
	"github.com/fleetpress/fleetpress/internal/core"
	"github.com/fleetpress/fleetpress/internal/events"
	"github.com/fleetpress/fleetpress/internal/fleet"
	"github.com/fleetpress/fleetpress/internal/metrics"
	"github.com/fleetpress/fleetpress/internal/release"
	"github.com/fleetpress/fleetpress/internal/rollout"
)

type fakeBaselineRepo struct {
	mu        sync.Mutex
	baselines map[int64]*core.Baseline
	audit     []*core.AuditEntry
	latest    int64
}

func (r *fakeBaselineRepo) CurrentBaseline() (*core.Baseline, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.latest == 0 {
		return nil, core.ErrNotInitialized
	}
	return r.baselines[r.latest], nil
}

func (r *fakeBaselineRepo) BaselineAt(version int64) (*core.Baseline, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.baselines[version]
	if !ok {
		return nil, core.ErrVersionNotFound
	}
	return b, nil
}

func (r *fakeBaselineRepo) SaveBaseline(b *core.Baseline, entry *core.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.baselines[b.Version] = b
	r.audit = append(r.audit, entry)
	if b.Version > r.latest {
		r.latest = b.Version
	}
	return nil
}

func (r *fakeBaselineRepo) AuditHistory(limit int) ([]*core.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := []*core.AuditEntry{}
	for i := len(r.audit) - 1; i >= 0 && len(entries) < limit; i-- {
		entries = append(entries, r.audit[i])
	}
	return entries, nil
}

func (r *fakeBaselineRepo) AuditAt(version int64) (*core.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.audit {
		if entry != nil && entry.Version == version {
			return entry, nil
		}
	}
	return nil, core.ErrVersionNotFound
}

type fakeExtFetcher struct{}

func (fakeExtFetcher) Fetch(_ context.Context, ext core.Extension) (string, error) {
	return "/tmp/" + ext.ID + ".zip", nil
}

type fakeFleetStore struct {
	mu      sync.Mutex
	tenants map[string]*core.TenantRecord
}

func (s *fakeFleetStore) GetTenant(domain string) (*core.TenantRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[domain]
	if !ok {
		return nil, core.ErrTenantNotFound
	}
	copied := *t
	return &copied, nil
}

func (s *fakeFleetStore) ListTenants() ([]*core.TenantRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*core.TenantRecord{}
	for _, t := range s.tenants {
		copied := *t
		out = append(out, &copied)
	}
	return out, nil
}

func (s *fakeFleetStore) SaveTenant(t *core.TenantRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *t
	s.tenants[t.Domain] = &copied
	return nil
}

func (s *fakeFleetStore) DeleteTenant(domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tenants, domain)
	return nil
}

// fakeAdapter tracks the extensions each tenant runtime reports active, so
// the canary probe sees exactly what was applied.
type fakeAdapter struct {
	mu      sync.Mutex
	failing map[string]bool
	active  map[string]map[string]bool
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{failing: map[string]bool{}, active: map[string]map[string]bool{}}
}

func (a *fakeAdapter) check(domain string) error {
	if a.failing[domain] {
		return fmt.Errorf("%s: connection refused", domain)
	}
	return nil
}

func (a *fakeAdapter) ActivateExtensions(_ context.Context, domain string, ids []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.check(domain); err != nil {
		return err
	}
	if a.active[domain] == nil {
		a.active[domain] = map[string]bool{}
	}
	for _, id := range ids {
		a.active[domain][id] = true
	}
	return nil
}

func (a *fakeAdapter) DeactivateExtensions(_ context.Context, domain string, ids []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.check(domain); err != nil {
		return err
	}
	for _, id := range ids {
		delete(a.active[domain], id)
	}
	return nil
}

func (a *fakeAdapter) SetTheme(_ context.Context, domain, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.check(domain)
}

func (a *fakeAdapter) SetOptions(_ context.Context, domain string, _ map[string]string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.check(domain)
}

func (a *fakeAdapter) ActiveExtensions(_ context.Context, domain string) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.check(domain); err != nil {
		return nil, err
	}
	ids := []string{}
	for id := range a.active[domain] {
		ids = append(ids, id)
	}
	return ids, nil
}

func (a *fakeAdapter) IsHealthy(_ context.Context, domain string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.failing[domain]
}

type countingInvalidator struct {
	mu    sync.Mutex
	calls int
}

func (i *countingInvalidator) InvalidateAll(context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.calls++
	return nil
}

type fakeConfigStore struct {
	mu     sync.Mutex
	values map[string]string
}

func (s *fakeConfigStore) SetConfig(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *fakeConfigStore) GetConfig(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key], nil
}

// fakeCoreSource hands out incrementing source versions.
type fakeCoreSource struct {
	mu       sync.Mutex
	versions int
	err      error
}

func (s *fakeCoreSource) Materialize(_ context.Context, dir string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.versions++
	return fmt.Sprintf("6.7.%d", s.versions), nil
}

type fixture struct {
	service     *Service
	registry    *fleet.Registry
	releases    *release.Store
	baselines   *baseline.Store
	adapter     *fakeAdapter
	invalidator *countingInvalidator
	coreSource  *fakeCoreSource
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()

	cfg := &config.Config{}
	cfg.Shared.Root = t.TempDir()
	cfg.Shared.KeepReleases = 3
	cfg.Canary.Tenant = "canary.example.com"
	cfg.Canary.Timeout = 5 * time.Second
	cfg.Rollout.WorkerCount = 4
	cfg.Rollout.ApplyTimeout = time.Second
	cfg.Rollout.RatePerSecond = 1000

	repo := &fakeBaselineRepo{baselines: map[int64]*core.Baseline{}}
	releases := release.NewStore(cfg.Shared.Root, logger)
	baselines := baseline.NewStore(repo, fakeExtFetcher{}, logger)
	registry := fleet.NewRegistry(&fakeFleetStore{tenants: map[string]*core.TenantRecord{}}, logger)

	adapter := newFakeAdapter()
	invalidator := &countingInvalidator{}
	collector := metrics.NewCollectorWith(prometheus.NewRegistry())
	applier := rollout.NewApplier(adapter, time.Second, logger)
	resolver := func(version int64) (*core.Baseline, error) { return baselines.At(version) }
	coordinator := rollout.NewCoordinator(registry, applier, invalidator, events.NopPublisher{},
		collector, resolver, logger, cfg.Rollout.WorkerCount, cfg.Rollout.RatePerSecond)
	gate := canary.NewGate(registry, applier, adapter, resolver, collector, logger)
	coreSource := &fakeCoreSource{}

	service := NewService(releases, baselines, registry, gate, coordinator,
		invalidator, events.NopPublisher{}, &fakeConfigStore{values: map[string]string{}},
		coreSource, cfg, logger)

	return &fixture{
		service:     service,
		registry:    registry,
		releases:    releases,
		baselines:   baselines,
		adapter:     adapter,
		invalidator: invalidator,
		coreSource:  coreSource,
	}
}

func desiredState(extIDs ...string) baseline.DesiredState {
	exts := make([]core.Extension, 0, len(extIDs))
	for _, id := range extIDs {
		exts = append(exts, core.Extension{
			ID:         id,
			Provenance: core.Provenance{Kind: core.OriginRegistry, Locator: id},
		})
	}
	return baseline.DesiredState{Extensions: exts, Theme: "storefront"}
}

func mustInit(t *testing.T, f *fixture) {
	t.Helper()
	if err := f.service.Init(context.Background(), desiredState("cache-layer")); err != nil {
		t.Fatalf("Init: %v", err)
	}
}

func registerCanary(t *testing.T, f *fixture) {
	t.Helper()
	if _, err := f.registry.Register("canary.example.com", true); err != nil {
		t.Fatalf("Register canary: %v", err)
	}
}

func TestOperationsRequireInit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, _, err := f.service.ProposeBaseline(ctx, desiredState(), false, false); !errors.Is(err, core.ErrNotInitialized) {
		t.Errorf("ProposeBaseline error = %v, want ErrNotInitialized", err)
	}
	if _, err := f.service.UpdateCore(ctx, false); !errors.Is(err, core.ErrNotInitialized) {
		t.Errorf("UpdateCore error = %v, want ErrNotInitialized", err)
	}
	if _, err := f.service.ApplyBaseline(ctx, false, false); !errors.Is(err, core.ErrNotInitialized) {
		t.Errorf("ApplyBaseline error = %v, want ErrNotInitialized", err)
	}
}

func TestInit(t *testing.T) {
	f := newFixture(t)
	mustInit(t, f)

	if !f.service.Initialized() {
		t.Fatal("not initialized after Init")
	}
	if err := f.service.Init(context.Background(), desiredState()); err == nil {
		t.Error("second Init accepted")
	}

	current, err := f.releases.Current()
	if err != nil {
		t.Fatalf("Current release: %v", err)
	}
	if current.SourceVersion != "6.7.1" {
		t.Errorf("source version = %s", current.SourceVersion)
	}

	b, err := f.baselines.Current()
	if err != nil {
		t.Fatalf("Current baseline: %v", err)
	}
	if b.Version != 1 {
		t.Errorf("baseline version = %d, want 1", b.Version)
	}
}

func TestConcurrentMutationRejected(t *testing.T) {
	f := newFixture(t)
	mustInit(t, f)

	// Simulate an in-flight rollout holding the mutation lock.
	f.service.mutation.Lock()
	defer f.service.mutation.Unlock()

	if _, _, err := f.service.ProposeBaseline(context.Background(), desiredState("antispam"), false, false); !errors.Is(err, core.ErrConcurrentMutation) {
		t.Errorf("ProposeBaseline error = %v, want ErrConcurrentMutation", err)
	}
	if _, err := f.service.UpdateCore(context.Background(), false); !errors.Is(err, core.ErrConcurrentMutation) {
		t.Errorf("UpdateCore error = %v, want ErrConcurrentMutation", err)
	}
}

func TestProposeWithoutApplyTouchesNoTenants(t *testing.T) {
	f := newFixture(t)
	mustInit(t, f)
	registerCanary(t, f)

	if _, err := f.registry.Register("shop.example.com", false); err != nil {
		t.Fatalf("Register: %v", err)
	}

	proposed, report, err := f.service.ProposeBaseline(context.Background(),
		desiredState("cache-layer", "antispam"), false, false)
	if err != nil {
		t.Fatalf("ProposeBaseline: %v", err)
	}
	if proposed.Version != 2 {
		t.Errorf("version = %d, want 2", proposed.Version)
	}
	if report != nil {
		t.Errorf("report = %+v without applyNow", report)
	}

	tenant, _ := f.registry.Get("shop.example.com")
	if tenant.BaselineVersion != 0 {
		t.Errorf("tenant advanced to %d without apply", tenant.BaselineVersion)
	}
}

func TestProposeAndApply(t *testing.T) {
	f := newFixture(t)
	mustInit(t, f)
	registerCanary(t, f)

	for i := 0; i < 3; i++ {
		domain := fmt.Sprintf("site-%d.example.com", i)
		if _, err := f.registry.Register(domain, false); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	proposed, report, err := f.service.ProposeBaseline(context.Background(),
		desiredState("cache-layer", "antispam"), true, false)
	if err != nil {
		t.Fatalf("ProposeBaseline: %v", err)
	}
	if report == nil {
		t.Fatal("no report with applyNow")
	}
	// Canary plus the three fleet sites all end at the new version.
	if len(report.Applied) != 4 {
		t.Errorf("Applied = %v", report.Applied)
	}

	for i := 0; i < 3; i++ {
		tenant, _ := f.registry.Get(fmt.Sprintf("site-%d.example.com", i))
		if tenant.BaselineVersion != proposed.Version {
			t.Errorf("tenant %d at version %d, want %d", i, tenant.BaselineVersion, proposed.Version)
		}
	}
}

func TestProposeIdempotentSkipsCanaryAndRollout(t *testing.T) {
	f := newFixture(t)
	mustInit(t, f)
	// No canary registered: a rollout attempt would fail the gate, so a
	// no-change proposal must never reach it.

	proposed, report, err := f.service.ProposeBaseline(context.Background(),
		desiredState("cache-layer"), true, false)
	if err != nil {
		t.Fatalf("ProposeBaseline: %v", err)
	}
	if proposed.Version != 1 {
		t.Errorf("version = %d, want 1", proposed.Version)
	}
	if report != nil {
		t.Errorf("no-op proposal produced a rollout: %+v", report)
	}
}

func TestApplyBlockedByCanaryFailure(t *testing.T) {
	f := newFixture(t)
	mustInit(t, f)
	registerCanary(t, f)
	f.adapter.failing["canary.example.com"] = true

	if _, err := f.registry.Register("shop.example.com", false); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, _, err := f.service.ProposeBaseline(context.Background(),
		desiredState("cache-layer", "antispam"), true, false)

	var canaryErr *core.CanaryError
	if !errors.As(err, &canaryErr) {
		t.Fatalf("error = %v, want CanaryError", err)
	}

	// The version is committed; only propagation is blocked.
	b, _ := f.baselines.Current()
	if b.Version != 2 {
		t.Errorf("baseline version = %d, want 2", b.Version)
	}
	tenant, _ := f.registry.Get("shop.example.com")
	if tenant.BaselineVersion != 0 {
		t.Errorf("tenant advanced to %d behind failed canary", tenant.BaselineVersion)
	}
}

func TestApplyForceBypassesCanary(t *testing.T) {
	f := newFixture(t)
	mustInit(t, f)
	registerCanary(t, f)
	f.adapter.failing["canary.example.com"] = true

	if _, err := f.registry.Register("shop.example.com", false); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, report, err := f.service.ProposeBaseline(context.Background(),
		desiredState("cache-layer", "antispam"), true, true)
	if err != nil {
		t.Fatalf("forced ProposeBaseline: %v", err)
	}

	// The healthy tenant advances; the broken canary gets quarantined by
	// the rollout instead of blocking it.
	tenant, _ := f.registry.Get("shop.example.com")
	if tenant.BaselineVersion != 2 {
		t.Errorf("tenant at version %d, want 2", tenant.BaselineVersion)
	}
	if len(report.Quarantined) != 1 || report.Quarantined[0].Domain != "canary.example.com" {
		t.Errorf("Quarantined = %v", report.Quarantined)
	}
}

func TestUpdateCore(t *testing.T) {
	f := newFixture(t)
	mustInit(t, f)
	registerCanary(t, f)

	if _, err := f.registry.Register("shop.example.com", false); err != nil {
		t.Fatalf("Register: %v", err)
	}

	before, err := f.releases.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}

	report, err := f.service.UpdateCore(context.Background(), false)
	if err != nil {
		t.Fatalf("UpdateCore: %v", err)
	}

	after, err := f.releases.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if after.Name == before.Name {
		t.Error("active pointer not switched")
	}
	if after.SourceVersion != "6.7.2" {
		t.Errorf("source version = %s, want 6.7.2", after.SourceVersion)
	}

	// The forced bump pushes every tenant to a new baseline version tied
	// to the new release.
	b, _ := f.baselines.Current()
	if b.Version != 2 {
		t.Errorf("baseline version = %d, want 2", b.Version)
	}
	tenant, _ := f.registry.Get("shop.example.com")
	if tenant.BaselineVersion != 2 || tenant.Release != after.Name {
		t.Errorf("tenant = %s@%d, want %s@2", tenant.Release, tenant.BaselineVersion, after.Name)
	}
	if report.Release != after.Name {
		t.Errorf("report release = %s", report.Release)
	}
}

func TestUpdateCoreCanaryFailureLeavesPointer(t *testing.T) {
	f := newFixture(t)
	mustInit(t, f)
	registerCanary(t, f)
	f.adapter.failing["canary.example.com"] = true

	if _, err := f.registry.Register("shop.example.com", false); err != nil {
		t.Fatalf("Register: %v", err)
	}
	before, err := f.releases.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}

	_, err = f.service.UpdateCore(context.Background(), false)
	var canaryErr *core.CanaryError
	if !errors.As(err, &canaryErr) {
		t.Fatalf("UpdateCore error = %v, want CanaryError", err)
	}

	// New release exists on disk for inspection, but the pointer, the
	// baseline and every tenant are untouched.
	releases, _ := f.releases.Releases()
	if len(releases) != 2 {
		t.Errorf("releases on disk = %d, want 2", len(releases))
	}
	after, _ := f.releases.Current()
	if after.Name != before.Name {
		t.Errorf("pointer moved to %s on failed canary", after.Name)
	}
	b, _ := f.baselines.Current()
	if b.Version != 1 {
		t.Errorf("baseline bumped to %d on failed canary", b.Version)
	}
	tenant, _ := f.registry.Get("shop.example.com")
	if tenant.BaselineVersion != 0 {
		t.Errorf("tenant advanced to %d on failed canary", tenant.BaselineVersion)
	}
}

func TestRollbackCore(t *testing.T) {
	f := newFixture(t)
	mustInit(t, f)
	registerCanary(t, f)

	if _, err := f.service.UpdateCore(context.Background(), false); err != nil {
		t.Fatalf("UpdateCore: %v", err)
	}
	invalidationsBefore := f.invalidator.calls

	prior, err := f.service.RollbackCore(context.Background())
	if err != nil {
		t.Fatalf("RollbackCore: %v", err)
	}
	if prior.SourceVersion != "6.7.1" {
		t.Errorf("rolled back to %s, want 6.7.1", prior.SourceVersion)
	}
	current, _ := f.releases.Current()
	if current.Name != prior.Name {
		t.Errorf("pointer at %s after rollback", current.Name)
	}
	if f.invalidator.calls != invalidationsBefore+1 {
		t.Errorf("rollback issued %d invalidations, want 1", f.invalidator.calls-invalidationsBefore)
	}
}

func TestRollbackBaselineRollsForward(t *testing.T) {
	f := newFixture(t)
	mustInit(t, f)
	registerCanary(t, f)

	if _, _, err := f.service.ProposeBaseline(context.Background(),
		desiredState("cache-layer", "antispam"), false, false); err != nil {
		t.Fatalf("ProposeBaseline: %v", err)
	}

	restored, _, err := f.service.RollbackBaseline(context.Background(), 1, false, false)
	if err != nil {
		t.Fatalf("RollbackBaseline: %v", err)
	}
	if restored.Version != 3 {
		t.Errorf("restored version = %d, want 3 (roll-forward)", restored.Version)
	}

	v1, _ := f.baselines.At(1)
	if diff := baseline.Compare(v1, restored); !diff.Empty() {
		t.Errorf("restored content differs from v1: %s", diff.Describe())
	}
	// Intervening version stays in history.
	if _, err := f.baselines.At(2); err != nil {
		t.Errorf("version 2 lost from history: %v", err)
	}
}

func TestRollbackBaselineUnknownVersion(t *testing.T) {
	f := newFixture(t)
	mustInit(t, f)

	if _, _, err := f.service.RollbackBaseline(context.Background(), 99, false, false); !errors.Is(err, core.ErrVersionNotFound) {
		t.Errorf("RollbackBaseline error = %v, want ErrVersionNotFound", err)
	}
}

func TestValidateAndStatus(t *testing.T) {
	f := newFixture(t)
	mustInit(t, f)
	registerCanary(t, f)

	if _, err := f.registry.Register("shop.example.com", false); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, _, err := f.service.ProposeBaseline(context.Background(),
		desiredState("cache-layer", "antispam"), true, false); err != nil {
		t.Fatalf("ProposeBaseline: %v", err)
	}

	state, err := f.service.Validate()
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(state.Converged) != 2 {
		t.Errorf("Converged = %v, want canary and shop", state.Converged)
	}
	if len(state.Behind) != 0 || len(state.Quarantined) != 0 || len(state.Disabled) != 0 {
		t.Errorf("state = %+v", state)
	}

	status, err := f.service.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.Initialized || status.BaselineVersion != 2 {
		t.Errorf("status = %+v", status)
	}
	if status.CurrentRelease == nil {
		t.Error("status missing current release")
	}
}
