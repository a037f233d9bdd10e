package canary

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fleetpress/fleetpress/internal/core"
	"github.com/fleetpress/fleetpress/internal/fleet"
	"github.com/fleetpress/fleetpress/internal/metrics"
	"github.com/fleetpress/fleetpress/internal/rollout"
)

type fakeStore struct {
	tenants map[string]*core.TenantRecord
}

func (s *fakeStore) GetTenant(domain string) (*core.TenantRecord, error) {
	t, ok := s.tenants[domain]
	if !ok {
		return nil, core.ErrTenantNotFound
	}
	copied := *t
	return &copied, nil
}

func (s *fakeStore) ListTenants() ([]*core.TenantRecord, error) {
	out := []*core.TenantRecord{}
	for _, t := range s.tenants {
		copied := *t
		out = append(out, &copied)
	}
	return out, nil
}

func (s *fakeStore) SaveTenant(t *core.TenantRecord) error {
	copied := *t
	s.tenants[t.Domain] = &copied
	return nil
}

func (s *fakeStore) DeleteTenant(domain string) error {
	delete(s.tenants, domain)
	return nil
}

type fakeAdapter struct {
	healthy  bool
	active   []string
	applyErr error
	touched  bool
}

func (a *fakeAdapter) ActivateExtensions(context.Context, string, []string) error {
	a.touched = true
	return a.applyErr
}

func (a *fakeAdapter) DeactivateExtensions(context.Context, string, []string) error {
	a.touched = true
	return a.applyErr
}

func (a *fakeAdapter) SetTheme(context.Context, string, string) error {
	a.touched = true
	return a.applyErr
}

func (a *fakeAdapter) SetOptions(context.Context, string, map[string]string) error {
	a.touched = true
	return a.applyErr
}

func (a *fakeAdapter) ActiveExtensions(context.Context, string) ([]string, error) {
	return a.active, nil
}

func (a *fakeAdapter) IsHealthy(context.Context, string) bool {
	return a.healthy
}

func newTestGate(adapter *fakeAdapter, history map[int64]*core.Baseline) (*Gate, *fleet.Registry) {
	store := &fakeStore{tenants: map[string]*core.TenantRecord{}}
	registry := fleet.NewRegistry(store, zap.NewNop())
	resolver := func(version int64) (*core.Baseline, error) {
		b, ok := history[version]
		if !ok {
			return nil, core.ErrVersionNotFound
		}
		return b, nil
	}
	applier := rollout.NewApplier(adapter, time.Second, zap.NewNop())
	collector := metrics.NewCollectorWith(prometheus.NewRegistry())
	return NewGate(registry, applier, adapter, resolver, collector, zap.NewNop()), registry
}

func testBaseline(version int64, extIDs ...string) *core.Baseline {
	exts := make([]core.Extension, 0, len(extIDs))
	for _, id := range extIDs {
		exts = append(exts, core.Extension{
			ID:         id,
			Provenance: core.Provenance{Kind: core.OriginRegistry, Locator: id},
		})
	}
	return &core.Baseline{Version: version, Extensions: exts, Theme: "storefront", Options: map[string]string{}}
}

func TestGatePasses(t *testing.T) {
	adapter := &fakeAdapter{healthy: true, active: []string{"cache-layer", "antispam"}}
	gate, registry := newTestGate(adapter, map[int64]*core.Baseline{
		1: testBaseline(1, "cache-layer"),
	})

	if _, err := registry.Register("canary.example.com", true); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := registry.MarkApplied("canary.example.com", "", 1); err != nil {
		t.Fatalf("MarkApplied: %v", err)
	}

	target := testBaseline(2, "cache-layer", "antispam")
	if err := gate.Validate(context.Background(), target, "canary.example.com", false); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	tenant, _ := registry.Get("canary.example.com")
	if tenant.BaselineVersion != 2 {
		t.Errorf("canary at version %d after pass, want 2", tenant.BaselineVersion)
	}
}

func TestGateFailsOnApplyError(t *testing.T) {
	adapter := &fakeAdapter{healthy: true, applyErr: errors.New("admin endpoint 500")}
	gate, registry := newTestGate(adapter, nil)

	if _, err := registry.Register("canary.example.com", true); err != nil {
		t.Fatalf("Register: %v", err)
	}

	target := testBaseline(2, "antispam")
	err := gate.Validate(context.Background(), target, "canary.example.com", false)

	var canaryErr *core.CanaryError
	if !errors.As(err, &canaryErr) {
		t.Fatalf("Validate error = %v, want CanaryError", err)
	}
	if canaryErr.Tenant != "canary.example.com" {
		t.Errorf("CanaryError.Tenant = %s", canaryErr.Tenant)
	}

	// A failed gate never records the candidate as applied.
	tenant, _ := registry.Get("canary.example.com")
	if tenant.BaselineVersion != 0 {
		t.Errorf("canary advanced to %d despite failure", tenant.BaselineVersion)
	}
}

func TestGateFailsOnUnhealthyProbe(t *testing.T) {
	adapter := &fakeAdapter{healthy: false}
	gate, registry := newTestGate(adapter, nil)

	if _, err := registry.Register("canary.example.com", true); err != nil {
		t.Fatalf("Register: %v", err)
	}

	err := gate.Validate(context.Background(), testBaseline(2, "antispam"), "canary.example.com", false)

	var canaryErr *core.CanaryError
	if !errors.As(err, &canaryErr) {
		t.Fatalf("Validate error = %v, want CanaryError", err)
	}
	if !strings.Contains(canaryErr.Reason, "health probe failed") {
		t.Errorf("reason = %q", canaryErr.Reason)
	}
}

func TestGateFailsWhenExtensionInactive(t *testing.T) {
	// Healthy response but the new extension never came up.
	adapter := &fakeAdapter{healthy: true, active: []string{"cache-layer"}}
	gate, registry := newTestGate(adapter, nil)

	if _, err := registry.Register("canary.example.com", true); err != nil {
		t.Fatalf("Register: %v", err)
	}

	err := gate.Validate(context.Background(), testBaseline(2, "cache-layer", "antispam"), "canary.example.com", false)

	var canaryErr *core.CanaryError
	if !errors.As(err, &canaryErr) {
		t.Fatalf("Validate error = %v, want CanaryError", err)
	}
	if !strings.Contains(canaryErr.Reason, "antispam") {
		t.Errorf("reason = %q, should name the missing extension", canaryErr.Reason)
	}
}

func TestGateUnregisteredCanary(t *testing.T) {
	gate, _ := newTestGate(&fakeAdapter{healthy: true}, nil)

	err := gate.Validate(context.Background(), testBaseline(2), "ghost.example.com", false)

	var canaryErr *core.CanaryError
	if !errors.As(err, &canaryErr) {
		t.Fatalf("Validate error = %v, want CanaryError", err)
	}
}

func TestGateForceBypass(t *testing.T) {
	// Everything is broken, but force skips the gate without touching the
	// canary at all.
	adapter := &fakeAdapter{healthy: false, applyErr: errors.New("down")}
	gate, _ := newTestGate(adapter, nil)

	if err := gate.Validate(context.Background(), testBaseline(2, "antispam"), "canary.example.com", true); err != nil {
		t.Fatalf("forced Validate: %v", err)
	}
	if adapter.touched {
		t.Error("force bypass still touched the canary runtime")
	}
}
