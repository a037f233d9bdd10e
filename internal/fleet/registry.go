package fleet

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fleetpress/fleetpress/internal/core"
)

type store interface {
	GetTenant(domain string) (*core.TenantRecord, error)
	ListTenants() ([]*core.TenantRecord, error)
	SaveTenant(t *core.TenantRecord) error
	DeleteTenant(domain string) error
}

// Registry tracks every known tenant: last applied release and baseline
// version, enabled flag and quarantine state.
type Registry struct {
	store  store
	logger *zap.Logger
}

func NewRegistry(store store, logger *zap.Logger) *Registry {
	return &Registry{store: store, logger: logger}
}

func (r *Registry) Get(domain string) (*core.TenantRecord, error) {
	return r.store.GetTenant(domain)
}

func (r *Registry) List() ([]*core.TenantRecord, error) {
	return r.store.ListTenants()
}

// Register records a freshly provisioned tenant. Provisioning itself (vhost,
// database, certificates) happens outside this system; the registry takes
// over once the record exists.
func (r *Registry) Register(domain string, canary bool) (*core.TenantRecord, error) {
	if _, err := r.store.GetTenant(domain); err == nil {
		return nil, fmt.Errorf("tenant %s already registered", domain)
	}

	now := time.Now().UTC()
	tenant := &core.TenantRecord{
		Domain:    domain,
		Enabled:   true,
		Canary:    canary,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.SaveTenant(tenant); err != nil {
		return nil, err
	}

	r.logger.Info("Registered tenant",
		zap.String("domain", domain),
		zap.Bool("canary", canary),
	)
	return tenant, nil
}

// Remove deletes a tenant record. Never called automatically; removal is an
// explicit operator action.
func (r *Registry) Remove(domain string) error {
	if err := r.store.DeleteTenant(domain); err != nil {
		return err
	}
	r.logger.Info("Removed tenant", zap.String("domain", domain))
	return nil
}

func (r *Registry) SetEnabled(domain string, enabled bool) error {
	tenant, err := r.store.GetTenant(domain)
	if err != nil {
		return err
	}
	tenant.Enabled = enabled
	tenant.UpdatedAt = time.Now().UTC()
	return r.store.SaveTenant(tenant)
}

// MarkApplied records a successful apply. A quarantined tenant's fields stay
// frozen at their last successful value, so this is only called after the
// quarantine flag has been cleared.
func (r *Registry) MarkApplied(domain, release string, baselineVersion int64) error {
	tenant, err := r.store.GetTenant(domain)
	if err != nil {
		return err
	}
	if tenant.Quarantined {
		return fmt.Errorf("tenant %s is quarantined", domain)
	}
	if release != "" {
		tenant.Release = release
	}
	tenant.BaselineVersion = baselineVersion
	tenant.UpdatedAt = time.Now().UTC()
	return r.store.SaveTenant(tenant)
}

// Quarantine marks a tenant failed and excludes it from automatic rollouts
// until explicitly cleared.
func (r *Registry) Quarantine(domain, reason string) error {
	tenant, err := r.store.GetTenant(domain)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	tenant.Quarantined = true
	tenant.QuarantineReason = reason
	tenant.QuarantinedAt = &now
	tenant.UpdatedAt = now
	if err := r.store.SaveTenant(tenant); err != nil {
		return err
	}

	r.logger.Warn("Quarantined tenant",
		zap.String("domain", domain),
		zap.String("reason", reason),
	)
	return nil
}

func (r *Registry) Unquarantine(domain string) error {
	tenant, err := r.store.GetTenant(domain)
	if err != nil {
		return err
	}
	if !tenant.Quarantined {
		return nil
	}
	tenant.Quarantined = false
	tenant.QuarantineReason = ""
	tenant.QuarantinedAt = nil
	tenant.UpdatedAt = time.Now().UTC()
	if err := r.store.SaveTenant(tenant); err != nil {
		return err
	}

	r.logger.Info("Cleared tenant quarantine", zap.String("domain", domain))
	return nil
}

// FleetState buckets every tenant by convergence status against the given
// release and baseline version. Computed on demand; never mutates anything.
type FleetState struct {
	Converged   []string                 `json:"converged"`
	Behind      []string                 `json:"behind"`
	Quarantined []core.QuarantinedTenant `json:"quarantined"`
	Disabled    []string                 `json:"disabled"`
}

func (r *Registry) Validate(release string, baselineVersion int64) (*FleetState, error) {
	tenants, err := r.store.ListTenants()
	if err != nil {
		return nil, err
	}

	state := &FleetState{
		Converged:   []string{},
		Behind:      []string{},
		Quarantined: []core.QuarantinedTenant{},
		Disabled:    []string{},
	}
	for _, tenant := range tenants {
		switch {
		case tenant.Quarantined:
			state.Quarantined = append(state.Quarantined, core.QuarantinedTenant{
				Domain: tenant.Domain,
				Reason: tenant.QuarantineReason,
			})
		case !tenant.Enabled:
			state.Disabled = append(state.Disabled, tenant.Domain)
		// The active release pointer is shared by the whole fleet, so a
		// tenant with no recorded release is on the current one by
		// construction; only a stale recorded release counts as behind.
		case tenant.BaselineVersion == baselineVersion &&
			(release == "" || tenant.Release == "" || tenant.Release == release):
			state.Converged = append(state.Converged, tenant.Domain)
		default:
			state.Behind = append(state.Behind, tenant.Domain)
		}
	}
	return state, nil
}
